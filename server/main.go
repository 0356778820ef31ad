package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mcordes92/dfg-funk/server/internal/auth"
	"github.com/mcordes92/dfg-funk/server/internal/httpapi"
	"github.com/mcordes92/dfg-funk/server/internal/registry"
	"github.com/mcordes92/dfg-funk/server/internal/store"
	"github.com/mcordes92/dfg-funk/server/internal/ws"
)

// Version is injected at build time with -ldflags.
var Version = "2.1.0-dev"

// staleAfter is how long a peer may stay silent before the reaper drops it.
const staleAfter = 30 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "funk.yaml", "YAML configuration file")
	udpAddr := pflag.String("udp", "", "UDP relay listen address (overrides config)")
	apiAddr := pflag.String("api", "", "HTTP control plane listen address (overrides config)")
	dbPath := pflag.String("db", "", "SQLite database path (overrides config)")
	debug := pflag.BoolP("debug", "d", false, "Enable debug logging (auto-enabled for dev builds)")
	pflag.Parse()

	// Auto-enable debug logging for dev builds; override with --debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if *udpAddr != "" {
		cfg.UDPAddr = *udpAddr
	}
	if *apiAddr != "" {
		cfg.APIAddr = *apiAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	if RunCLI(pflag.Args(), cfg.DBPath) {
		return
	}

	ttl, err := cfg.CacheTTL()
	if err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	slog.Info("starting funkd", "version", Version,
		"udp", cfg.UDPAddr, "api", cfg.APIAddr, "db", cfg.DBPath)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close store", "err", closeErr)
		}
	}()

	oracle := auth.New(st, ttl)
	defer oracle.Close()

	peers := registry.New(staleAfter, slog.Default())
	metrics := NewMetrics(peers)

	laddr, err := net.ResolveUDPAddr("udp", cfg.UDPAddr)
	if err != nil {
		slog.Error("resolve udp address", "addr", cfg.UDPAddr, "err", err)
		os.Exit(1)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		slog.Error("listen udp", "addr", cfg.UDPAddr, "err", err)
		os.Exit(1)
	}

	relay := NewRelay(conn, oracle, peers, st, metrics, cfg.JitterTarget)

	api := httpapi.New(st, peers, func() ws.Stats {
		s := relay.Stats()
		return ws.Stats{
			Clients:  s.Clients,
			Sessions: s.Sessions,
			Packets:  s.Packets,
			BytesIn:  s.BytesIn,
			BytesOut: s.BytesOut,
			UptimeS:  int64(s.Uptime.Seconds()),
		}
	}, metrics.Handler(), httpapi.Config{
		Version:   cfg.Version,
		Changelog: cfg.Changelog,
		AdminUser: cfg.AdminUser,
		AdminPass: cfg.AdminPassword,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return relay.RunReaper(ctx) })
	g.Go(func() error { return relay.RunTrafficFlush(ctx) })
	g.Go(func() error { return RunStatsLog(ctx, relay, time.Minute) })
	g.Go(func() error { return api.Run(ctx, cfg.APIAddr) })

	slog.Info("listening", "udp", cfg.UDPAddr, "api", cfg.APIAddr)
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
