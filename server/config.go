package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config drives the funkd daemon. File values overlay the defaults, so an
// empty or missing file yields a runnable server; command-line flags
// override file values after loading.
type Config struct {
	UDPAddr       string `yaml:"udp_addr"`
	APIAddr       string `yaml:"api_addr"`
	DBPath        string `yaml:"db_path"`
	JitterTarget  int    `yaml:"jitter_target"`
	AuthCacheTTL  string `yaml:"auth_cache_ttl"`
	Version       string `yaml:"version"`
	Changelog     string `yaml:"changelog"`
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`
}

// DefaultConfig matches the stock deployment: relay on :50000/udp, control
// plane on :8000, funk.db in the working directory. The admin password has
// no default; the admin API stays disabled until one is configured.
func DefaultConfig() Config {
	return Config{
		UDPAddr:      ":50000",
		APIAddr:      ":8000",
		DBPath:       "funk.db",
		JitterTarget: 5,
		AuthCacheTTL: "3s",
		Version:      Version,
		AdminUser:    "admin",
	}
}

// LoadConfig reads path and overlays it onto the defaults. A missing file
// is not an error; a malformed one is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// CacheTTL parses the auth cache TTL. Empty selects the default of 3s.
func (c Config) CacheTTL() (time.Duration, error) {
	if c.AuthCacheTTL == "" {
		return 3 * time.Second, nil
	}
	d, err := time.ParseDuration(c.AuthCacheTTL)
	if err != nil {
		return 0, fmt.Errorf("parse auth_cache_ttl: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("auth_cache_ttl must not be negative")
	}
	return d, nil
}
