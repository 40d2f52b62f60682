package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCRATCH_BRIDGE_"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the on-disk configuration of the bridge extensions.
type Config struct {
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	BLE     BLEConfig     `yaml:"ble" envPrefix:"BLE_"`
	Firmata FirmataConfig `yaml:"firmata" envPrefix:"FIRMATA_"`
}

// LogConfig selects the log level and an optional log file.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	File  string `yaml:"file" env:"FILE"`
}

// BLEConfig configures the generic BLE extension.
type BLEConfig struct {
	ExtensionID      string         `yaml:"extension_id" env:"EXTENSION_ID"`
	URL              string         `yaml:"url" env:"URL"`
	ScanTimeout      time.Duration  `yaml:"scan_timeout" env:"SCAN_TIMEOUT"`
	WriteInterval    time.Duration  `yaml:"write_interval" env:"WRITE_INTERVAL"`
	Filters          []FilterConfig `yaml:"filters"`
	OptionalServices []string       `yaml:"optional_services" env:"OPTIONAL_SERVICES" envSeparator:","`
}

// FilterConfig is one BLE discovery filter.
type FilterConfig struct {
	Name       string   `yaml:"name"`
	NamePrefix string   `yaml:"name_prefix"`
	Services   []string `yaml:"services"`
}

// FirmataConfig configures the Firmata extension.
type FirmataConfig struct {
	ExtensionID  string        `yaml:"extension_id" env:"EXTENSION_ID"`
	URL          string        `yaml:"url" env:"URL"`
	ScanTimeout  time.Duration `yaml:"scan_timeout" env:"SCAN_TIMEOUT"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		BLE: BLEConfig{
			ExtensionID: string(contracts.BLE),
			URL:         contracts.DefaultBLEURL,
			ScanTimeout: contracts.DefaultScanTimeout,
		},
		Firmata: FirmataConfig{
			ExtensionID:  string(contracts.Firmata),
			URL:          contracts.DefaultFirmataURL,
			ScanTimeout:  contracts.DefaultScanTimeout,
			PollInterval: contracts.DefaultPollInterval,
		},
	}
}

// Load reads a YAML config file, applies environment overrides and validates
// the result. A missing file yields the defaults; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overwrites fields whose SCRATCH_BRIDGE_* variable is set.
func ApplyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	var err error
	switch cfg.Log.Level {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		err = multierr.Append(err, fmt.Errorf("log.level %q is not a level", cfg.Log.Level))
	}
	err = multierr.Append(err, validateURL("ble.url", cfg.BLE.URL))
	err = multierr.Append(err, validateURL("firmata.url", cfg.Firmata.URL))
	err = multierr.Append(err, positive("ble.scan_timeout", cfg.BLE.ScanTimeout))
	err = multierr.Append(err, positive("firmata.scan_timeout", cfg.Firmata.ScanTimeout))
	err = multierr.Append(err, positive("firmata.poll_interval", cfg.Firmata.PollInterval))
	if cfg.BLE.WriteInterval < 0 {
		err = multierr.Append(err, errors.New("ble.write_interval must be >= 0"))
	}
	if cfg.BLE.ExtensionID == "" {
		err = multierr.Append(err, errors.New("ble.extension_id must be set"))
	}
	if cfg.Firmata.ExtensionID == "" {
		err = multierr.Append(err, errors.New("firmata.extension_id must be set"))
	}
	for i, f := range cfg.BLE.Filters {
		if f.Name == "" && f.NamePrefix == "" && len(f.Services) == 0 {
			err = multierr.Append(err, fmt.Errorf("ble.filters[%d] matches nothing", i))
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %v", field, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s must be a ws:// or wss:// url", field)
	}
	return nil
}

func positive(field string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be > 0", field)
	}
	return nil
}

// logOptions returns the logging options shared by both extensions.
func (c *Config) logOptions() []contracts.Option {
	opts := []contracts.Option{contracts.WithLogLevel(contracts.ParseLogLevel(c.Log.Level))}
	if c.Log.File != "" {
		opts = append(opts, contracts.WithLogFile(c.Log.File))
	}
	return opts
}

// BLEOptions converts the BLE section into bridge options.
func (c *Config) BLEOptions() []contracts.Option {
	filters := make([]contracts.BLEFilter, 0, len(c.BLE.Filters))
	for _, f := range c.BLE.Filters {
		filters = append(filters, contracts.BLEFilter{Name: f.Name, NamePrefix: f.NamePrefix, Services: f.Services})
	}
	return append(c.logOptions(),
		contracts.WithExtensionID(c.BLE.ExtensionID),
		contracts.WithURL(c.BLE.URL),
		contracts.WithScanTimeout(c.BLE.ScanTimeout),
		contracts.WithBLEDiscovery(contracts.BLEDiscovery{Filters: filters, OptionalServices: c.BLE.OptionalServices}),
	)
}

// FirmataOptions converts the Firmata section into bridge options.
func (c *Config) FirmataOptions() []contracts.Option {
	return append(c.logOptions(),
		contracts.WithExtensionID(c.Firmata.ExtensionID),
		contracts.WithURL(c.Firmata.URL),
		contracts.WithScanTimeout(c.Firmata.ScanTimeout),
		contracts.WithPollInterval(c.Firmata.PollInterval),
	)
}
