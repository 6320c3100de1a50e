// Package config defines the YAML run configuration and its parsing.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "15s" parse
// directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full run configuration.
type Config struct {
	// Device describes how to reach the printer.
	Device Device `yaml:"device"`

	// Install controls the provisioning steps.
	Install Install `yaml:"install"`

	// Backup controls where printer state is bundled locally.
	Backup Backup `yaml:"backup"`
}

// Device holds connection settings for the printer.
type Device struct {
	// Host is the printer address. Required.
	Host string `yaml:"host"`

	// Port is the SSH port (default: 22).
	Port int `yaml:"port"`

	// MoonrakerPort is probed for reachability hints, kept separate
	// from the SSH port the session dials (default: 7125).
	MoonrakerPort int `yaml:"moonraker_port"`

	// User is the login user (default: root).
	User string `yaml:"user"`

	// Password authenticates the session.
	Password string `yaml:"password"`

	// ConnectTimeout bounds each connection attempt (default: 15s).
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// KeepaliveInterval spaces transport keepalives (default: 10s).
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
}

// Install holds the provisioning inputs.
type Install struct {
	// BootstrapArchive is the local path of the bootstrap tarball
	// streamed onto a freshly wiped device.
	BootstrapArchive string `yaml:"bootstrap_archive"`

	// RepoURL is the improvements repository cloned on the device.
	RepoURL string `yaml:"repo_url"`

	// Branch pins the repository checkout (default: main).
	Branch string `yaml:"branch"`

	// FeatureTimeout bounds the long feature install step
	// (default: 30m).
	FeatureTimeout Duration `yaml:"feature_timeout"`
}

// Backup holds bundle settings.
type Backup struct {
	// Dir is the local bundle directory (default: ./printer-backup).
	Dir string `yaml:"dir"`
}

// Default returns a configuration with every default applied and no
// device host set.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// ParseFile parses a configuration from a YAML file.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses a configuration from YAML data, applies defaults and
// validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Device.Port == 0 {
		c.Device.Port = 22
	}
	if c.Device.MoonrakerPort == 0 {
		c.Device.MoonrakerPort = 7125
	}
	if c.Device.User == "" {
		c.Device.User = "root"
	}
	if c.Device.ConnectTimeout == 0 {
		c.Device.ConnectTimeout = Duration(15 * time.Second)
	}
	if c.Device.KeepaliveInterval == 0 {
		c.Device.KeepaliveInterval = Duration(10 * time.Second)
	}
	if c.Install.RepoURL == "" {
		c.Install.RepoURL = "https://github.com/jamincollins/k2-improvements.git"
	}
	if c.Install.Branch == "" {
		c.Install.Branch = "main"
	}
	if c.Install.FeatureTimeout == 0 {
		c.Install.FeatureTimeout = Duration(30 * time.Minute)
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = "./printer-backup"
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Device.Host == "" {
		return fmt.Errorf("device.host is required")
	}
	if c.Device.Port < 1 || c.Device.Port > 65535 {
		return fmt.Errorf("device.port %d is out of range", c.Device.Port)
	}
	return nil
}
