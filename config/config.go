package config

import (
	"fmt"
	"net"
	"time"
)

// Config is the rambled configuration. Zero values are filled in by
// applyDefaults, so a partial YAML file or an empty one is valid.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`

	Device  DeviceConfig  `yaml:"device"`
	Sync    SyncConfig    `yaml:"sync"`
	Network NetworkConfig `yaml:"network"`
}

// DeviceConfig identifies the recorder peripheral and how to reach it.
type DeviceConfig struct {
	// Name is matched against the BlueZ device Name/Alias when Address
	// is empty.
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Adapter string `yaml:"adapter"`

	ConnectTimeout Duration `yaml:"connect_timeout"`

	// Reconnect makes the daemon re-establish the session after an
	// unexpected disconnect. The sync engine itself never retries.
	Reconnect      bool     `yaml:"reconnect"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
}

// SyncConfig tunes the transfer engine.
type SyncConfig struct {
	// ProgressStep is the percent interval between progress events,
	// 1..100. Chunks arrive far more often than events are emitted.
	ProgressStep int `yaml:"progress_step"`
	CommandQueue int `yaml:"command_queue"`
	EventBuffer  int `yaml:"event_buffer"`
}

// NetworkConfig controls the connectivity monitor used by the
// transcription upload path. Monitoring is on unless disabled.
type NetworkConfig struct {
	Disabled      bool     `yaml:"disabled"`
	Interface     string   `yaml:"interface"`
	ProbeHost     string   `yaml:"probe_host"`
	ProbeInterval Duration `yaml:"probe_interval"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration back in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns the baseline configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":5005"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/ramble"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Device.Name == "" {
		c.Device.Name = "RambleRecorder"
	}
	if c.Device.Adapter == "" {
		c.Device.Adapter = "hci0"
	}
	if c.Device.ConnectTimeout.Duration == 0 {
		c.Device.ConnectTimeout.Duration = 15 * time.Second
	}
	if c.Device.ReconnectDelay.Duration == 0 {
		c.Device.ReconnectDelay.Duration = 10 * time.Second
	}
	if c.Sync.ProgressStep == 0 {
		c.Sync.ProgressStep = 5
	}
	if c.Sync.CommandQueue == 0 {
		c.Sync.CommandQueue = 64
	}
	if c.Sync.EventBuffer == 0 {
		c.Sync.EventBuffer = 64
	}
	if c.Network.Interface == "" {
		c.Network.Interface = "wlan0"
	}
	if c.Network.ProbeHost == "" {
		c.Network.ProbeHost = "1.1.1.1"
	}
	if c.Network.ProbeInterval.Duration == 0 {
		c.Network.ProbeInterval.Duration = 30 * time.Second
	}
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
	}
	if c.Sync.ProgressStep < 1 || c.Sync.ProgressStep > 100 {
		return fmt.Errorf("sync.progress_step must be within 1..100, got %d", c.Sync.ProgressStep)
	}
	if c.Sync.CommandQueue < 1 {
		return fmt.Errorf("sync.command_queue must be positive, got %d", c.Sync.CommandQueue)
	}
	if c.Sync.EventBuffer < 1 {
		return fmt.Errorf("sync.event_buffer must be positive, got %d", c.Sync.EventBuffer)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
