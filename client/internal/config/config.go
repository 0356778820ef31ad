// Package config manages persistent user preferences for the funk client.
// Settings are stored as JSON at os.UserConfigDir()/dfg-funk/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mcordes92/dfg-funk/internal/protocol"
)

// Config holds all persistent user preferences.
type Config struct {
	ServerIP   string `json:"server_ip"`
	ServerPort int    `json:"server_port"`
	APIPort    int    `json:"api_port"`

	// Channel is the primary transmit channel. Channel 41 is reserved for
	// the secondary PTT and is never a valid primary.
	Channel uint8 `json:"channel"`

	FunkKey string `json:"funk_key"`

	HotkeyPrimary   string `json:"hotkey_primary"`
	HotkeySecondary string `json:"hotkey_secondary"`
	HotkeyChannel1  string `json:"hotkey_channel1"`
	HotkeyChannel2  string `json:"hotkey_channel2"`
	Channel1Target  uint8  `json:"channel1_target"`
	Channel2Target  uint8  `json:"channel2_target"`

	MicDevice     int `json:"mic_device"`
	SpeakerDevice int `json:"speaker_device"`

	Codec  string  `json:"codec"`  // "pcm16", "opus", or "ulaw"
	Volume float64 `json:"volume"` // playback master volume [0.0, 1.0]

	NoiseGateEnabled   bool    `json:"noise_gate_enabled"`
	NoiseGateThreshold float64 `json:"noise_gate_threshold"` // dBFS

	VADEnabled        bool `json:"vad_enabled"`
	VADAggressiveness int  `json:"vad_aggressiveness"` // 0..3

	AGCEnabled bool `json:"agc_enabled"`

	SoundsEnabled bool `json:"sounds_enabled"`
	SoundVolume   int  `json:"sound_volume"` // 0..100
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		ServerIP:           "127.0.0.1",
		ServerPort:         50000,
		APIPort:            8000,
		Channel:            42,
		HotkeyPrimary:      "f7",
		HotkeySecondary:    "f8",
		Channel1Target:     41,
		Channel2Target:     42,
		MicDevice:          -1,
		SpeakerDevice:      -1,
		Codec:              "pcm16",
		Volume:             1.0,
		NoiseGateThreshold: -40.0,
		VADAggressiveness:  2,
		SoundsEnabled:      true,
		SoundVolume:        50,
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "dfg-funk", "config.json"), nil
}

// Load reads the config file and returns it merged over the defaults. A
// missing or unreadable file yields the defaults rather than an error.
// Out-of-range values are clamped back to defaults.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return clamp(cfg)
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// clamp pulls hand-edited values back into their valid ranges.
func clamp(cfg Config) Config {
	def := Default()
	if cfg.Channel == protocol.EmergencyChannel || !protocol.KnownChannel(cfg.Channel) {
		cfg.Channel = def.Channel
	}
	if !protocol.KnownChannel(cfg.Channel1Target) {
		cfg.Channel1Target = def.Channel1Target
	}
	if !protocol.KnownChannel(cfg.Channel2Target) {
		cfg.Channel2Target = def.Channel2Target
	}
	if cfg.Volume < 0 {
		cfg.Volume = 0
	}
	if cfg.Volume > 1 {
		cfg.Volume = 1
	}
	if cfg.VADAggressiveness < 0 || cfg.VADAggressiveness > 3 {
		cfg.VADAggressiveness = def.VADAggressiveness
	}
	if cfg.SoundVolume < 0 {
		cfg.SoundVolume = 0
	}
	if cfg.SoundVolume > 100 {
		cfg.SoundVolume = 100
	}
	switch cfg.Codec {
	case "pcm16", "opus", "ulaw":
	default:
		cfg.Codec = def.Codec
	}
	if cfg.ServerPort < 1 || cfg.ServerPort > 65535 {
		cfg.ServerPort = def.ServerPort
	}
	if cfg.APIPort < 1 || cfg.APIPort > 65535 {
		cfg.APIPort = def.APIPort
	}
	return cfg
}
