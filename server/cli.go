package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/mcordes92/dfg-funk/internal/protocol"
	"github.com/mcordes92/dfg-funk/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("funkd %s\n", Version)
		return true
	case "users":
		return cliUsers(args[1:], dbPath)
	case "channels":
		return cliChannels(dbPath)
	case "traffic":
		return cliTraffic(dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliUsers(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		users, err := st.Users(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return true
		}
		for _, u := range users {
			state := "active"
			if !u.Active {
				state = "revoked"
			}
			lastSeen := "never"
			if !u.LastSeen.IsZero() {
				lastSeen = humanize.Time(u.LastSeen)
			}
			fmt.Printf("  [%d] %s (%s)\n", u.ID, u.Username, state)
			fmt.Printf("      key:       %s\n", u.FunkKey)
			fmt.Printf("      channels:  %s\n", formatChannels(u.Channels))
			fmt.Printf("      last seen: %s\n", lastSeen)
		}
		return true
	}

	if args[0] == "add" && len(args) > 1 {
		name := args[1]
		var channels []uint8
		if len(args) > 2 {
			var err error
			channels, err = parseChannelList(args[2])
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
		}
		user, err := st.CreateUser(ctx, name, "", channels)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created user %q (id=%d)\n", user.Username, user.ID)
		fmt.Printf("Funk key: %s\n", user.FunkKey)
		fmt.Printf("Channels: %s\n", formatChannels(user.Channels))
		return true
	}

	if args[0] == "revoke" && len(args) > 1 {
		user, err := st.UserByName(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if err := st.SetUserActive(ctx, user.ID, false); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Revoked %q; the funk key no longer authenticates.\n", user.Username)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: funkd users [list|add <name> [ch,ch,...]|revoke <name>]\n")
	os.Exit(1)
	return true
}

func cliChannels(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	channels, err := st.Channels(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, ch := range channels {
		kind := "restricted"
		if ch.Public {
			kind = "public"
		}
		fmt.Printf("  [%d] %s (%s)\n", ch.ID, ch.Name, kind)
	}
	return true
}

func cliTraffic(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	summary, err := st.TrafficSummary(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printWindow := func(label string, w store.TrafficWindow) {
		fmt.Printf("  %-9s in %-10s out %-10s total %s\n", label,
			humanize.Bytes(uint64(w.BytesIn)),
			humanize.Bytes(uint64(w.BytesOut)),
			humanize.Bytes(uint64(w.BytesIn+w.BytesOut)))
	}
	printWindow("last 24h:", summary.Day)
	printWindow("last 7d:", summary.Week)
	printWindow("last 30d:", summary.Month)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	outPath := "funk-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(context.Background(), outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}

func formatChannels(channels []uint8) string {
	parts := make([]string, len(channels))
	for i, ch := range channels {
		parts[i] = strconv.Itoa(int(ch))
	}
	return strings.Join(parts, ",")
}

func parseChannelList(s string) ([]uint8, error) {
	var out []uint8
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid channel %q", part)
		}
		if n < 0 || n > 255 || !protocol.KnownChannel(uint8(n)) {
			return nil, fmt.Errorf("unknown channel %d", n)
		}
		out = append(out, uint8(n))
	}
	return out, nil
}
