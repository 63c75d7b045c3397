// Package stream runs a waveform on one converter channel from a background
// task.
//
// An Engine moves between idle and streaming through Start, Update and Stop.
// Every session owns a pre-encoded frame, a per-sample delay and a context
// used as its stop token; the task checks the token once per checking
// interval and closes its done channel after its last transfer, so callers
// waiting on it observe every write the task made.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/funcgen/dac"
	"github.com/timzifer/funcgen/waveform"
)

var (
	// ErrAlreadyRunning is returned by Start while a session is active.
	ErrAlreadyRunning = errors.New("stream: already running")
	// ErrNotRunning is returned by Update when no session is active.
	ErrNotRunning = errors.New("stream: not running")
	// ErrBusy is returned by Start and Update when another transition is
	// still in flight.
	ErrBusy = errors.New("stream: transition in progress")
)

// Device is the part of the transport the engine drives.
type Device interface {
	Write(frame []byte) error
	PowerDown(ch dac.Channel) error
	SetStreaming(ch dac.Channel, active bool) error
	Claim(ch dac.Channel, owner string) error
	Release(ch dac.Channel, owner string)
	Claimed(ch dac.Channel) (string, bool)
}

const (
	stateIdle int32 = iota
	stateStarting
	stateStreaming
	stateStopping
)

// Engine streams waveforms to a single channel.
type Engine struct {
	dev   Device
	ch    dac.Channel
	owner string
	cfg   settings
	log   zerolog.Logger

	state atomic.Int32

	mu      sync.Mutex
	session *session
}

type session struct {
	wf       *waveform.Waveform
	frame    []byte
	delay    time.Duration
	interval int

	ctx     context.Context
	cancel  context.CancelFunc
	started chan struct{}
	done    chan struct{}

	// written by the task before done is closed
	writes uint64
	err    error
}

// New creates an idle engine for channel ch.
func New(dev Device, ch dac.Channel, opts ...Option) (*Engine, error) {
	if dev == nil {
		return nil, fmt.Errorf("stream: device is required")
	}
	cfg := defaultSettings()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Engine{
		dev:   dev,
		ch:    ch,
		owner: "stream " + ch.String(),
		cfg:   cfg,
		log:   cfg.logger.With().Str("component", "stream").Str("channel", ch.String()).Logger(),
	}, nil
}

// Channel reports the channel the engine writes to.
func (e *Engine) Channel() dac.Channel {
	return e.ch
}

// Start renders wf and begins streaming it. It returns once the task has
// begun.
func (e *Engine) Start(wf *waveform.Waveform) error {
	if !e.state.CompareAndSwap(stateIdle, stateStarting) {
		if e.state.Load() == stateStreaming {
			return ErrAlreadyRunning
		}
		return ErrBusy
	}
	s, err := e.prepare(wf)
	if err != nil {
		e.state.Store(stateIdle)
		return err
	}
	if err := e.dev.Claim(e.ch, e.owner); err != nil {
		e.state.Store(stateIdle)
		return err
	}
	if err := e.launch(s); err != nil {
		e.dev.Release(e.ch, e.owner)
		e.state.Store(stateIdle)
		return err
	}
	e.state.Store(stateStreaming)
	return nil
}

// Update replaces the running waveform. The new frame is prepared before the
// running session is touched, so a waveform that cannot be streamed leaves
// the old one playing. The channel stays claimed across the swap.
func (e *Engine) Update(wf *waveform.Waveform) error {
	if !e.state.CompareAndSwap(stateStreaming, stateStopping) {
		if e.state.Load() == stateIdle {
			return ErrNotRunning
		}
		return ErrBusy
	}
	next, err := e.prepare(wf)
	if err != nil {
		e.state.Store(stateStreaming)
		return err
	}
	if err := e.halt(e.current()); err != nil {
		e.log.Warn().Err(err).Msg("previous session ended with a transport error")
	}
	if err := e.launch(next); err != nil {
		e.setCurrent(nil)
		e.dev.Release(e.ch, e.owner)
		e.state.Store(stateIdle)
		return err
	}
	e.log.Info().Str("waveform", wf.String()).Msg("stream updated")
	e.state.Store(stateStreaming)
	return nil
}

// Stop ends the running session and waits for the task to exit. Unless the
// waveform asked to hold its level, the channel is powered down afterwards,
// together with the other channel when nobody else is using it. Stop on an
// idle engine is a no-op; Stop during another transition waits for it to
// finish and then stops whatever it left running. The error reports a
// transport failure that ended the session early or a failed power-down.
func (e *Engine) Stop() error {
	for !e.state.CompareAndSwap(stateStreaming, stateStopping) {
		if e.state.Load() == stateIdle {
			return nil
		}
		// a Start, Update or Stop is in flight; wait for it to settle
		time.Sleep(time.Millisecond)
	}
	s := e.current()
	err := e.halt(s)
	if !s.wf.Hold() {
		if pdErr := e.powerDown(); pdErr != nil && err == nil {
			err = pdErr
		}
	}
	e.setCurrent(nil)
	e.dev.Release(e.ch, e.owner)
	e.state.Store(stateIdle)
	e.log.Info().Bool("hold", s.wf.Hold()).Msg("stream stopped")
	return err
}

// Run streams wf until ctx is done, then stops. It returns early when the
// session ends on a transport error.
func (e *Engine) Run(ctx context.Context, wf *waveform.Waveform) error {
	if err := e.Start(wf); err != nil {
		return err
	}
	for {
		s := e.current()
		if s == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return e.Stop()
		case <-s.done:
			if e.current() == s && e.state.Load() == stateStreaming {
				// the task ended on its own
				return e.Stop()
			}
			// an Update or Stop is in flight
			time.Sleep(time.Millisecond)
		}
	}
}

// Active returns the waveform currently streamed.
func (e *Engine) Active() (*waveform.Waveform, bool) {
	s := e.current()
	if s == nil || e.state.Load() != stateStreaming {
		return nil, false
	}
	return s.wf, true
}

// Err reports the error that ended the current session's task early. It is
// nil while the task runs and after a clean stop.
func (e *Engine) Err() error {
	s := e.current()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (e *Engine) current() *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) setCurrent(s *session) {
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
}

// prepare renders and encodes wf without touching the device.
func (e *Engine) prepare(wf *waveform.Waveform) (*session, error) {
	if wf == nil {
		return nil, fmt.Errorf("stream: waveform is required")
	}
	buf, err := wf.Render()
	if err != nil {
		return nil, err
	}
	n := len(buf.Samples)
	if n == 0 {
		return nil, waveform.ErrInvalidResolution
	}
	return &session{
		wf:       wf,
		frame:    buf.Frame(e.ch),
		delay:    sampleDelay(wf.Frequency(), n, e.cfg.overhead),
		interval: checkInterval(wf.Frequency()),
	}, nil
}

// sampleDelay is the pause after every transfer: the period divided by the
// sample count, rounded to whole microseconds, minus the transfer cost.
func sampleDelay(freq float64, n int, overhead time.Duration) time.Duration {
	micros := math.Round(1e6 / freq / float64(n))
	d := time.Duration(micros)*time.Microsecond - overhead
	if d < 0 {
		return 0
	}
	return d
}

// maxCheckInterval bounds checkInterval by the number of transfers the bus
// completes in one second, the most periods a second of output can hold.
const maxCheckInterval = 1_000_000 / waveform.WriteCostMicros

// checkInterval is the number of periods between two stop checks, roughly
// one second of output.
func checkInterval(freq float64) int {
	if freq < 1 {
		return 1
	}
	if freq >= maxCheckInterval {
		return maxCheckInterval
	}
	return int(freq)
}

func (e *Engine) launch(s *session) error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = make(chan struct{})
	s.done = make(chan struct{})
	e.setCurrent(s)

	go e.loop(s)

	select {
	case <-s.started:
	case <-s.done:
	}
	if e.cfg.settle > 0 {
		timer := time.NewTimer(e.cfg.settle)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
		}
	}
	select {
	case <-s.done:
		if s.err != nil {
			s.cancel()
			e.report(s)
			e.setCurrent(nil)
			return s.err
		}
	default:
	}

	e.cfg.telemetry.IncSession(e.ch.String())
	e.log.Info().
		Str("waveform", s.wf.String()).
		Int("samples", len(s.frame)/dac.FrameSize).
		Dur("delay", s.delay).
		Int("check_interval", s.interval).
		Msg("stream started")
	return nil
}

// loop is the streaming task. The write path does not allocate.
func (e *Engine) loop(s *session) {
	defer close(s.done)

	if err := e.dev.SetStreaming(e.ch, true); err != nil {
		s.err = fmt.Errorf("set status: %w", err)
		return
	}
	close(s.started)

	frame := s.frame
	size := len(frame)
	delay := s.delay
	sleep := e.cfg.sleep
	interval := s.interval
	var writes uint64
	periods, i := 0, 0
	for {
		if err := e.dev.Write(frame[i : i+dac.FrameSize]); err != nil {
			s.err = fmt.Errorf("write channel %s: %w", e.ch, err)
			break
		}
		writes++
		if delay > 0 {
			sleep(delay)
		}
		i += dac.FrameSize
		if i == size {
			i = 0
			periods++
			if periods == interval {
				periods = 0
				if s.ctx.Err() != nil {
					break
				}
			}
		}
	}
	s.writes = writes

	if err := e.dev.SetStreaming(e.ch, false); err != nil && s.err == nil {
		s.err = fmt.Errorf("clear status: %w", err)
	}
	if s.err != nil {
		e.log.Error().Err(s.err).Uint64("writes", writes).Msg("stream task failed")
	}
}

// halt cancels s and blocks until its task has exited.
func (e *Engine) halt(s *session) error {
	if s == nil {
		return nil
	}
	begin := time.Now()
	s.cancel()
	<-s.done
	e.cfg.telemetry.ObserveStop(e.ch.String(), time.Since(begin))
	e.report(s)
	return s.err
}

func (e *Engine) report(s *session) {
	e.cfg.telemetry.AddSamples(e.ch.String(), s.writes)
	if s.err != nil {
		e.cfg.telemetry.IncTransportError(e.ch.String())
	}
}

func (e *Engine) powerDown() error {
	var err error
	for _, ch := range dac.Channels {
		if ch != e.ch {
			if _, used := e.dev.Claimed(ch); used {
				continue
			}
		}
		if pdErr := e.dev.PowerDown(ch); pdErr != nil {
			err = errors.Join(err, pdErr)
		}
	}
	return err
}
