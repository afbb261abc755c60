// Package config provides configuration for the skuwatch server.
//
// Configuration is environment-first with an optional YAML file underneath.
// File locations (priority order):
//  1. $SKUWATCH_CONFIG
//  2. ./skuwatch.yaml
//  3. /etc/skuwatch/config.yaml
//
// Every file value can be overridden by a SKUWATCH_* environment variable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Debug enables verbose logging of per-device probe failures.
	Debug bool `yaml:"debug"`

	// Interface restricts scanning to one network interface. Empty means
	// autodetect.
	Interface string `yaml:"interface"`

	// Targets are the CIDRs to sweep. Empty means derive from Interface.
	Targets []string `yaml:"targets"`

	// IgnoreMACs are never admitted to the device table.
	IgnoreMACs []string `yaml:"ignore_macs"`

	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// Domain is the local DNS suffix that marks a hostname as publishable.
	Domain string `yaml:"domain"`

	// HistoryPath is the SQLite event log location. Empty disables it.
	HistoryPath string `yaml:"history_path"`

	Scan  ScanConfig  `yaml:"scan"`
	Probe ProbeConfig `yaml:"probe"`
	SSH   SSHConfig   `yaml:"ssh"`
}

// ScanConfig tunes the reconciliation cadence.
type ScanConfig struct {
	Period       Duration `yaml:"period"`
	Timeout      Duration `yaml:"timeout"`
	TTL          Duration `yaml:"ttl"`
	MaxTolerance int      `yaml:"max_tolerance"`
}

// ProbeConfig tunes classification.
type ProbeConfig struct {
	MaxConcurrent  int      `yaml:"max_concurrent"`
	ResolveTimeout Duration `yaml:"resolve_timeout"`
	MDNSTimeout    Duration `yaml:"mdns_timeout"`
}

// SSHConfig holds the remote probe credentials.
type SSHConfig struct {
	User           string   `yaml:"user"`
	KeyPath        string   `yaml:"key_path"`
	Password       string   `yaml:"password"`
	Port           int      `yaml:"port"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	CommandTimeout Duration `yaml:"command_timeout"`
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. Accepts a duration string
// ("10s", "1m30s") or a bare integer, read as seconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var secs int64
	if err := unmarshal(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load finds and loads the config file, applies env overrides, then
// defaults. A missing file is not an error.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := findConfigPath(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func findConfigPath() string {
	if path := os.Getenv("SKUWATCH_CONFIG"); path != "" {
		return path
	}
	for _, path := range []string{"./skuwatch.yaml", "/etc/skuwatch/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Scan.Period == 0 {
		c.Scan.Period = Duration(10 * time.Second)
	}
	if c.Scan.Timeout == 0 {
		c.Scan.Timeout = Duration(30 * time.Second)
	}
	if c.Scan.TTL == 0 {
		c.Scan.TTL = Duration(60 * time.Second)
	}
	if c.Scan.MaxTolerance == 0 {
		c.Scan.MaxTolerance = 5
	}
	if c.Probe.MaxConcurrent == 0 {
		c.Probe.MaxConcurrent = 16
	}
	if c.Probe.ResolveTimeout == 0 {
		c.Probe.ResolveTimeout = Duration(3 * time.Second)
	}
	if c.Probe.MDNSTimeout == 0 {
		c.Probe.MDNSTimeout = Duration(2 * time.Second)
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.ConnectTimeout == 0 {
		c.SSH.ConnectTimeout = Duration(5 * time.Second)
	}
	if c.SSH.CommandTimeout == 0 {
		c.SSH.CommandTimeout = Duration(10 * time.Second)
	}
}

// Path reports which config file Load would read, or "" when none exists.
func Path() string {
	return findConfigPath()
}
