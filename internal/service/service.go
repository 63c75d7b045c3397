// Package service builds the converter device and one streaming engine per
// channel from a configuration and keeps them in step with reloads.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/timzifer/funcgen/dac"
	"github.com/timzifer/funcgen/direct"
	"github.com/timzifer/funcgen/internal/config"
	"github.com/timzifer/funcgen/stream"
	"github.com/timzifer/funcgen/telemetry"
	"github.com/timzifer/funcgen/transport"
	"github.com/timzifer/funcgen/waveform"
)

// ErrRestartRequired is returned by Apply when the new configuration changes
// the transport or engine settings, which cannot be swapped in place.
var ErrRestartRequired = errors.New("service: configuration change requires a restart")

// DefaultSuperviseInterval is how often Run checks the engines for a task
// that ended on a transport error.
const DefaultSuperviseInterval = 250 * time.Millisecond

// DeviceFactory opens the converter described by a transport section.
type DeviceFactory func(config.TransportConfig) (*transport.Device, error)

// Option customises a Service.
type Option func(*Service)

// WithDeviceFactory replaces OpenDevice.
func WithDeviceFactory(factory DeviceFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.factory = factory
		}
	}
}

// WithStreamOptions appends engine options after the ones derived from the
// configuration.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(s *Service) {
		s.streamOpts = append(s.streamOpts, opts...)
	}
}

// WithSuperviseInterval overrides DefaultSuperviseInterval.
func WithSuperviseInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.supervise = d
		}
	}
}

// Service owns the device and its engines.
type Service struct {
	logger     zerolog.Logger
	collector  telemetry.Collector
	factory    DeviceFactory
	streamOpts []stream.Option
	supervise  time.Duration

	mu      sync.Mutex
	cfg     *config.Config
	dev     *transport.Device
	engines map[dac.Channel]*stream.Engine
	started bool
}

// New validates cfg, opens the device and creates an idle engine for each
// channel. Nothing is written until Start.
func New(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector, opts ...Option) (*Service, error) {
	if err := Validate(cfg, logger); err != nil {
		return nil, err
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	s := &Service{
		logger:    logger.With().Str("component", "service").Logger(),
		collector: collector,
		factory:   OpenDevice,
		supervise: DefaultSuperviseInterval,
		cfg:       cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	dev, err := s.factory(cfg.Transport)
	if err != nil {
		return nil, err
	}
	engineOpts := append([]stream.Option{
		stream.WithLogger(logger),
		stream.WithTelemetry(collector),
		stream.WithSettle(cfg.Stream.Settle.Duration),
	}, s.streamOpts...)
	if overhead := cfg.Stream.WriteOverhead.Duration; overhead > 0 {
		engineOpts = append(engineOpts, stream.WithWriteOverhead(overhead))
	}

	engines := make(map[dac.Channel]*stream.Engine, len(dac.Channels))
	for _, ch := range dac.Channels {
		engine, err := stream.New(dev, ch, engineOpts...)
		if err != nil {
			_ = dev.Close()
			return nil, fmt.Errorf("create engine %s: %w", ch, err)
		}
		engines[ch] = engine
	}
	s.dev = dev
	s.engines = engines
	return s, nil
}

// Validate performs a dry-run validation of the configuration without
// touching any hardware.
func Validate(cfg *config.Config, logger zerolog.Logger) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	logger.Debug().Int("channels", len(cfg.Channels)).Msg("configuration valid")
	return nil
}

// OpenDevice opens the converter with the configured driver.
func OpenDevice(cfg config.TransportConfig) (*transport.Device, error) {
	switch cfg.Driver {
	case config.DriverDiscard:
		return transport.NewDiscard(), nil
	case "", config.DriverPeriph:
		settings := transport.DefaultSettings()
		settings.Port = cfg.SPIPort
		if cfg.FrequencyHz > 0 {
			settings.Frequency = physic.Frequency(cfg.FrequencyHz) * physic.Hertz
		}
		if cfg.Mode != nil {
			settings.Mode = spi.Mode(*cfg.Mode)
		}
		if cfg.Bits > 0 {
			settings.Bits = cfg.Bits
		}
		if cfg.CSPin != "" {
			settings.CSPin = cfg.CSPin
		}
		if cfg.LDACPin != "" {
			settings.LDACPin = cfg.LDACPin
		}
		settings.StatusPin = cfg.StatusPin
		return transport.Open(settings)
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Driver)
	}
}

// Device exposes the converter, for direct writes alongside the engines.
func (s *Service) Device() *transport.Device {
	return s.dev
}

// Direct returns a direct writer on the service's device.
func (s *Service) Direct(opts ...direct.Option) *direct.Writer {
	opts = append([]direct.Option{direct.WithLogger(s.logger)}, opts...)
	return direct.New(s.dev, opts...)
}

// Engine returns the engine driving ch.
func (s *Service) Engine(ch dac.Channel) *stream.Engine {
	return s.engines[ch]
}

// Start begins streaming every configured channel. A channel that fails to
// start stops the ones already running.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return stream.ErrAlreadyRunning
	}
	for _, ch := range s.cfg.Channels {
		wf, err := ch.Waveform.Build()
		if err != nil {
			return errors.Join(fmt.Errorf("channel %s: %w", ch.Channel, err), s.stopAll())
		}
		if err := s.engines[ch.Channel].Start(wf); err != nil {
			return errors.Join(fmt.Errorf("start channel %s: %w", ch.Channel, err), s.stopAll())
		}
	}
	s.started = true
	s.logger.Info().Str("name", s.cfg.Name).Int("channels", len(s.cfg.Channels)).Msg("service started")
	return nil
}

// Apply swaps in a reloaded configuration. Channels that keep streaming are
// updated in place, new channels are started and removed channels are
// stopped. Changes to the transport or stream sections return
// ErrRestartRequired without touching the engines.
func (s *Service) Apply(cfg *config.Config) error {
	if err := Validate(cfg, s.logger); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !reflect.DeepEqual(cfg.Transport, s.cfg.Transport) || !reflect.DeepEqual(cfg.Stream, s.cfg.Stream) {
		return ErrRestartRequired
	}

	wanted := make(map[dac.Channel]*waveform.Waveform, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		wf, err := ch.Waveform.Build()
		if err != nil {
			return fmt.Errorf("channel %s: %w", ch.Channel, err)
		}
		wanted[ch.Channel] = wf
	}

	var errs []error
	for _, ch := range dac.Channels {
		engine := s.engines[ch]
		wf, ok := wanted[ch]
		_, active := engine.Active()
		switch {
		case !ok && active:
			if err := engine.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop channel %s: %w", ch, err))
			}
		case ok && active:
			if err := engine.Update(wf); err != nil {
				errs = append(errs, fmt.Errorf("update channel %s: %w", ch, err))
			}
		case ok && s.started:
			if err := engine.Start(wf); err != nil {
				errs = append(errs, fmt.Errorf("start channel %s: %w", ch, err))
			}
		}
	}
	s.cfg = cfg
	s.logger.Info().Str("name", cfg.Name).Msg("configuration applied")
	return errors.Join(errs...)
}

// Run starts the configured channels if needed and supervises them until
// ctx is cancelled. A channel whose task dies on a transport error stops
// every channel and is returned.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		if err := s.Start(); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(s.supervise)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.Stop()
		case <-ticker.C:
			if err := s.failed(); err != nil {
				s.logger.Error().Err(err).Msg("stream task failed")
				// Stop reports the same transport error with its channel.
				if stopErr := s.Stop(); stopErr != nil {
					return stopErr
				}
				return err
			}
		}
	}
}

func (s *Service) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range dac.Channels {
		if err := s.engines[ch].Err(); err != nil {
			return fmt.Errorf("channel %s: %w", ch, err)
		}
	}
	return nil
}

// Stop halts every channel. Errors from a transport failure that already
// ended a session are included.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopAll()
}

func (s *Service) stopAll() error {
	var errs []error
	for _, ch := range dac.Channels {
		if err := s.engines[ch].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop channel %s: %w", ch, err))
		}
	}
	s.started = false
	return errors.Join(errs...)
}

// Close stops the engines and releases the device.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	err := s.Stop()
	if s.dev != nil {
		if closeErr := s.dev.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	return err
}
