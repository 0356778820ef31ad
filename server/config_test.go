package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg != def {
		t.Fatalf("got %+v, want defaults %+v", cfg, def)
	}
}

func TestLoadConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.UDPAddr != ":50000" || cfg.APIAddr != ":8000" || cfg.DBPath != "funk.db" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigOverlaysFileOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funk.yaml")
	data := []byte("udp_addr: \":51000\"\nversion: \"3.0.0\"\nadmin_password: \"hunter2\"\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.UDPAddr != ":51000" || cfg.Version != "3.0.0" || cfg.AdminPassword != "hunter2" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	// Untouched fields keep their defaults.
	if cfg.APIAddr != ":8000" || cfg.DBPath != "funk.db" || cfg.JitterTarget != 5 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadConfigMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funk.yaml")
	if err := os.WriteFile(path, []byte("udp_addr: [not: closed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestCacheTTL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "default", raw: "", want: 3 * time.Second},
		{name: "explicit", raw: "5s", want: 5 * time.Second},
		{name: "zero", raw: "0s", want: 0},
		{name: "garbage", raw: "banana", wantErr: true},
		{name: "negative", raw: "-1s", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.AuthCacheTTL = tt.raw
			got, err := cfg.CacheTTL()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("CacheTTL(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("CacheTTL(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
