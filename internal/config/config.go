package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"tiggerlink/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Device     DeviceConfig `yaml:"device"`
	Timing     TimingConfig `yaml:"timing"`
	ListenAddr string       `yaml:"listen_addr"`
	LogLevel   string       `yaml:"log_level"`
}

// DeviceConfig identifies the target peripheral and its GATT layout.
type DeviceConfig struct {
	Name           string `yaml:"name"`
	ServiceUUID    string `yaml:"service_uuid"`
	WriteCharUUID  string `yaml:"write_char_uuid"`
	NotifyCharUUID string `yaml:"notify_char_uuid"`
}

// TimingConfig holds the session timing knobs.
type TimingConfig struct {
	ScanTimeout       Duration `yaml:"scan_timeout"`
	ManualScanTimeout Duration `yaml:"manual_scan_timeout"`
	ConnectTimeout    Duration `yaml:"connect_timeout"`
	SettleDelay       Duration `yaml:"settle_delay"`
}

// Duration parses YAML strings like "4s" into a time.Duration.
type Duration time.Duration

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

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tiggerlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with the reference deployment values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:           ble.DefaultDeviceName,
			ServiceUUID:    ble.ServiceUUID,
			WriteCharUUID:  ble.WriteCharUUID,
			NotifyCharUUID: ble.NotifyCharUUID,
		},
		Timing: TimingConfig{
			ScanTimeout:       Duration(4 * time.Second),
			ManualScanTimeout: Duration(10 * time.Second),
			ConnectTimeout:    Duration(10 * time.Second),
			SettleDelay:       Duration(time.Second),
		},
		ListenAddr: "127.0.0.1:8823",
		LogLevel:   "info",
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
	if c.Device.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}
	if c.Device.ServiceUUID == "" {
		return fmt.Errorf("device.service_uuid must not be empty")
	}
	if c.Device.WriteCharUUID == "" {
		return fmt.Errorf("device.write_char_uuid must not be empty")
	}
	if c.Device.NotifyCharUUID == "" {
		return fmt.Errorf("device.notify_char_uuid must not be empty")
	}

	if c.Timing.ScanTimeout <= 0 {
		return fmt.Errorf("timing.scan_timeout must be > 0")
	}
	if c.Timing.ManualScanTimeout <= 0 {
		return fmt.Errorf("timing.manual_scan_timeout must be > 0")
	}
	if c.Timing.ConnectTimeout <= 0 {
		return fmt.Errorf("timing.connect_timeout must be > 0")
	}
	if c.Timing.SettleDelay < 0 {
		return fmt.Errorf("timing.settle_delay must be >= 0")
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}
