package stream

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/funcgen/telemetry"
	"github.com/timzifer/funcgen/waveform"
)

// Option configures an Engine during construction.
type Option func(*settings) error

// DefaultSettle is how long Start waits after the streaming task reported
// that it has begun.
const DefaultSettle = 10 * time.Millisecond

type settings struct {
	logger    zerolog.Logger
	telemetry telemetry.Collector
	settle    time.Duration
	sleep     func(time.Duration)
	overhead  time.Duration
}

func defaultSettings() settings {
	return settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		settle:    DefaultSettle,
		sleep:     time.Sleep,
		overhead:  waveform.WriteCostMicros * time.Microsecond,
	}
}

// WithLogger provides a custom logger instance for the engine.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		return nil
	}
}

// WithTelemetry injects a collector for session metrics.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		return nil
	}
}

// WithSettle overrides the delay Start waits after the task began.
func WithSettle(d time.Duration) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if d < 0 {
			return fmt.Errorf("settle delay must be non-negative")
		}
		cfg.settle = d
		return nil
	}
}

// WithSleeper replaces the function used to wait between two samples.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if sleep == nil {
			return fmt.Errorf("sleeper must not be nil")
		}
		cfg.sleep = sleep
		return nil
	}
}

// WithWriteOverhead sets the time one transfer costs on the bus. It is
// subtracted from the per-sample delay.
func WithWriteOverhead(d time.Duration) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if d < 0 {
			return fmt.Errorf("write overhead must be non-negative")
		}
		cfg.overhead = d
		return nil
	}
}
