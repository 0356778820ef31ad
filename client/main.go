// The funk client is a push-to-talk voice terminal for the dfg-funk relay.
// It keeps two authenticated channel memberships (the configured primary
// and the emergency channel 41), captures and plays 48 kHz mono audio, and
// maps line-based terminal commands onto the PTT hotkey router.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"

	"github.com/mcordes92/dfg-funk/client/internal/config"
	"github.com/mcordes92/dfg-funk/internal/protocol"
)

// Version is injected at build time with -ldflags.
var Version = "2.1.0-dev"

func main() {
	server := pflag.StringP("server", "s", "", "relay host or host:port (overrides config)")
	channel := pflag.IntP("channel", "n", 0, "primary channel (overrides config)")
	funkKey := pflag.StringP("key", "k", "", "funk key (overrides config)")
	debug := pflag.BoolP("debug", "d", false, "enable debug logging")
	devices := pflag.Bool("devices", false, "list audio devices and exit")
	version := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *version {
		fmt.Printf("funk %s\n", Version)
		return
	}

	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := portaudio.Initialize(); err != nil {
		log.Error("portaudio init failed", "err", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	if *devices {
		printDevices()
		return
	}

	cfg := config.Load()
	if *server != "" {
		host, port, err := splitServerFlag(*server)
		if err != nil {
			log.Error("invalid --server value", "value", *server, "err", err)
			os.Exit(1)
		}
		cfg.ServerIP = host
		if port != 0 {
			cfg.ServerPort = port
		}
	}
	if *channel != 0 {
		if *channel < 0 || *channel > 255 {
			log.Error("invalid --channel value", "channel", *channel)
			os.Exit(1)
		}
		cfg.Channel = uint8(*channel)
	}
	if *funkKey != "" {
		cfg.FunkKey = *funkKey
	}

	if cfg.Channel == protocol.EmergencyChannel || !protocol.KnownChannel(cfg.Channel) {
		log.Error("configured channel is not a valid primary", "channel", cfg.Channel)
		os.Exit(1)
	}
	if cfg.FunkKey == "" {
		path, _ := config.Path()
		log.Error("no funk key configured", "hint", "set funk_key in "+path+" or pass --key")
		os.Exit(1)
	}

	// Write the config file on first run so users have something to edit.
	if path, err := config.Path(); err == nil {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := config.Save(cfg); err != nil {
				log.Warn("write default config failed", "err", err)
			} else {
				log.Info("config file created", "path", path)
			}
		}
	}

	base := apiBase(cfg.ServerIP, cfg.APIPort)
	CheckVersion(base, Version, log)
	cfg.Channel = pickPrimary(cfg.Channel, FetchChannels(base, cfg.FunkKey, log), log)

	app, err := NewApp(cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("funk client starting", "version", Version,
		"relay", net.JoinHostPort(cfg.ServerIP, strconv.Itoa(cfg.ServerPort)),
		"channel", cfg.Channel, "codec", cfg.Codec)

	if err := app.Run(ctx); err != nil {
		log.Error("client failed", "err", err)
		os.Exit(1)
	}
}

// pickPrimary keeps the configured channel when the server's allowed list
// contains it and otherwise falls back to the first selectable entry.
func pickPrimary(want uint8, allowed []uint8, log *slog.Logger) uint8 {
	selectable := make([]uint8, 0, len(allowed))
	for _, ch := range allowed {
		if ch != protocol.EmergencyChannel && protocol.KnownChannel(ch) {
			selectable = append(selectable, ch)
		}
	}
	for _, ch := range selectable {
		if ch == want {
			return want
		}
	}
	if len(selectable) == 0 {
		return want
	}
	log.Warn("configured channel not allowed for this key",
		"configured", want, "using", selectable[0])
	return selectable[0]
}

// splitServerFlag accepts "host" or "host:port" (IPv6 in brackets) and
// returns the parts; port 0 means none was given.
func splitServerFlag(raw string) (string, int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", 0, fmt.Errorf("empty address")
	}
	if host, portStr, err := net.SplitHostPort(s); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", portStr)
		}
		return host, port, nil
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return strings.Trim(s, "[]"), 0, nil
	}
	// A bare colon here means a malformed host:port, not an IPv6 literal.
	if strings.Contains(s, ":") && net.ParseIP(s) == nil {
		return "", 0, fmt.Errorf("invalid address %q", raw)
	}
	return s, 0, nil
}

func printDevices() {
	fmt.Println("input devices:")
	for _, d := range ListInputDevices() {
		fmt.Printf("  [%d] %s\n", d.ID, d.Name)
	}
	fmt.Println("output devices:")
	for _, d := range ListOutputDevices() {
		fmt.Printf("  [%d] %s\n", d.ID, d.Name)
	}
	fmt.Println("set mic_device / speaker_device in the config file to an id, or -1 for the default")
}
