package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device        DeviceConfig `yaml:"device"`
	Protocol      ProtoConfig  `yaml:"protocol"`
	Notifications bool         `yaml:"notifications"`
	LogLevel      string       `yaml:"log_level"`
}

// Duration wraps time.Duration so YAML values like "10s" parse. Bare
// integers are taken as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DeviceConfig holds device discovery settings.
type DeviceConfig struct {
	NamePrefix  string   `yaml:"name_prefix"`  // only offer peripherals whose name starts with this
	ScanTimeout Duration `yaml:"scan_timeout"` // how long the chooser scans before giving up
}

// ProtoConfig holds Wi-Fi provisioning protocol timing.
type ProtoConfig struct {
	ScanSettle Duration `yaml:"scan_settle"` // wait after triggering the 802.11 scan
	JoinSettle Duration `yaml:"join_settle"` // wait after submitting credentials
	StepBudget Duration `yaml:"step_budget"` // watchdog for connect/submit phases
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tipsetup")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The settle
// intervals match the deployed firmware's synchronous scan/join timing.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			NamePrefix:  "TIPLY",
			ScanTimeout: Duration(30 * time.Second),
		},
		Protocol: ProtoConfig{
			ScanSettle: Duration(3 * time.Second),
			JoinSettle: Duration(5 * time.Second),
			StepBudget: Duration(45 * time.Second),
		},
		Notifications: true,
		LogLevel:      "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.ScanTimeout <= 0 {
		return fmt.Errorf("device.scan_timeout must be > 0")
	}

	if c.Protocol.ScanSettle <= 0 {
		return fmt.Errorf("protocol.scan_settle must be > 0")
	}

	if c.Protocol.JoinSettle <= 0 {
		return fmt.Errorf("protocol.join_settle must be > 0")
	}

	if c.Protocol.StepBudget <= 0 {
		return fmt.Errorf("protocol.step_budget must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}
