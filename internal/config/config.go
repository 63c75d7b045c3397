package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/funcgen/dac"
)

// Duration wraps time.Duration to support YAML and CUE decoding from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "10ms" or "1s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

// UnmarshalJSON parses a quoted duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled,omitempty"`
	URL     string            `yaml:"url" json:"url,omitempty"`
	Labels  map[string]string `yaml:"labels" json:"labels,omitempty"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level" json:"level,omitempty"`
	Format string     `yaml:"format,omitempty" json:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki" json:"loki,omitempty"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled,omitempty"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Listen   string `yaml:"listen,omitempty" json:"listen,omitempty"`
}

// Transport drivers.
const (
	DriverPeriph  = "periph"
	DriverDiscard = "discard"
)

// TransportConfig selects the bus and control pins.
type TransportConfig struct {
	Driver      string `yaml:"driver,omitempty" json:"driver,omitempty"`
	SPIPort     string `yaml:"spi_port,omitempty" json:"spi_port,omitempty"`
	FrequencyHz int64  `yaml:"frequency_hz,omitempty" json:"frequency_hz,omitempty"`
	Mode        *int   `yaml:"mode,omitempty" json:"mode,omitempty"`
	Bits        int    `yaml:"bits,omitempty" json:"bits,omitempty"`
	CSPin       string `yaml:"cs_pin,omitempty" json:"cs_pin,omitempty"`
	LDACPin     string `yaml:"ldac_pin,omitempty" json:"ldac_pin,omitempty"`
	StatusPin   string `yaml:"status_pin,omitempty" json:"status_pin,omitempty"`
}

// StreamConfig tunes the streaming engines.
type StreamConfig struct {
	Settle        Duration `yaml:"settle,omitempty" json:"settle,omitempty"`
	WriteOverhead Duration `yaml:"write_overhead,omitempty" json:"write_overhead,omitempty"`
}

// ChannelConfig binds a waveform to a converter output.
type ChannelConfig struct {
	Channel  dac.Channel    `yaml:"channel" json:"channel"`
	Waveform WaveformConfig `yaml:"waveform" json:"waveform"`
}

// Config is the root configuration structure for the generator.
type Config struct {
	Name        string          `yaml:"name,omitempty" json:"name,omitempty"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Logging     LoggingConfig   `yaml:"logging" json:"logging,omitempty"`
	Telemetry   TelemetryConfig `yaml:"telemetry" json:"telemetry,omitempty"`
	Transport   TransportConfig `yaml:"transport" json:"transport,omitempty"`
	Stream      StreamConfig    `yaml:"stream" json:"stream,omitempty"`
	HotReload   bool            `yaml:"hot_reload,omitempty" json:"hot_reload,omitempty"`
	Channels    []ChannelConfig `yaml:"channels" json:"channels,omitempty"`

	// Source is the absolute path the configuration was loaded from.
	Source string `yaml:"-" json:"-"`
}

// Defaults for unset fields.
const (
	DefaultSPIFrequency = 1_000_000
	DefaultSPIMode      = 3
	DefaultBits         = 8
	DefaultCSPin        = "GPIO13"
	DefaultLDACPin      = "GPIO12"
	DefaultStatusPin    = "GPIO25"
	DefaultSettle       = 10 * time.Millisecond
	DefaultMetricsAddr  = ":9100"
)

// Load reads and decodes the configuration file from disk. Files ending in
// .cue are evaluated against the built-in schema; everything else is YAML.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".cue":
		cfg, err = decodeCUE(abs, raw)
	default:
		cfg, err = decodeYAML(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", abs, err)
	}
	cfg.Source = abs
	cfg.ApplyDefaults()
	return cfg, nil
}

// Parse decodes YAML configuration data held in memory.
func Parse(raw []byte) (*Config, error) {
	cfg, err := decodeYAML(raw)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func decodeYAML(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset transport and stream fields.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	t := &c.Transport
	if t.Driver == "" {
		t.Driver = DriverPeriph
	}
	if t.FrequencyHz == 0 {
		t.FrequencyHz = DefaultSPIFrequency
	}
	if t.Mode == nil {
		mode := DefaultSPIMode
		t.Mode = &mode
	}
	if t.Bits == 0 {
		t.Bits = DefaultBits
	}
	if t.CSPin == "" {
		t.CSPin = DefaultCSPin
	}
	if t.LDACPin == "" {
		t.LDACPin = DefaultLDACPin
	}
	if t.StatusPin == "" {
		t.StatusPin = DefaultStatusPin
	}
	if c.Stream.Settle.Duration == 0 {
		c.Stream.Settle.Duration = DefaultSettle
	}
	if c.Telemetry.Enabled && c.Telemetry.Listen == "" {
		c.Telemetry.Listen = DefaultMetricsAddr
	}
}

// Validate checks the configuration for errors that decoding cannot catch.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	switch cfg.Transport.Driver {
	case "", DriverPeriph, DriverDiscard:
	default:
		errs = append(errs, fmt.Errorf("transport: unknown driver %q", cfg.Transport.Driver))
	}
	if mode := cfg.Transport.Mode; mode != nil && (*mode < 0 || *mode > 3) {
		errs = append(errs, fmt.Errorf("transport: spi mode %d out of range", *mode))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", cfg.Logging.Format))
	}
	seen := make(map[dac.Channel]struct{}, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		if ch.Channel != dac.ChannelA && ch.Channel != dac.ChannelB {
			errs = append(errs, fmt.Errorf("channels[%d]: unknown channel %s", i, ch.Channel))
			continue
		}
		if _, dup := seen[ch.Channel]; dup {
			errs = append(errs, fmt.Errorf("channels[%d]: channel %s configured twice", i, ch.Channel))
			continue
		}
		seen[ch.Channel] = struct{}{}
		if _, err := ch.Waveform.Build(); err != nil {
			errs = append(errs, fmt.Errorf("channels[%d] (%s): %w", i, ch.Channel, err))
		}
	}
	return errors.Join(errs...)
}

// SourceFiles returns the files that contributed to cfg.
func SourceFiles(cfg *Config) []string {
	if cfg == nil || strings.TrimSpace(cfg.Source) == "" {
		return nil
	}
	return []string{cfg.Source}
}
