// Package direct sets static output levels without a background task.
package direct

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/timzifer/funcgen/dac"
	"github.com/timzifer/funcgen/waveform"
)

// ErrNoVoltage is returned when Write is called without any voltage.
var ErrNoVoltage = errors.New("direct: at least one voltage is required")

const owner = "direct"

// Device is the part of the transport the writer drives.
type Device interface {
	WriteWord(word uint16) error
	PowerDown(ch dac.Channel) error
	Latched(fn func() error) error
	Claim(ch dac.Channel, owner string) error
	Release(ch dac.Channel, owner string)
}

// Option configures a Writer.
type Option func(*Writer)

// WithUnsafe raises the clipping ceiling to the converter's full range.
func WithUnsafe(unsafe bool) Option {
	return func(w *Writer) {
		w.unsafe = unsafe
	}
}

// WithLogger sets the writer's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Writer) {
		w.log = logger.With().Str("component", "direct").Logger()
	}
}

// Writer pushes one or two constant voltages to the converter.
type Writer struct {
	dev    Device
	unsafe bool
	log    zerolog.Logger
}

// New creates a Writer on dev.
func New(dev Device, opts ...Option) *Writer {
	w := &Writer{dev: dev, log: zerolog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Write sets channel A to a and channel B to b, in volts. A nil voltage
// leaves that channel unchanged. When both are given the latch is held
// until both channels were written, so they change together.
func (w *Writer) Write(a, b *float64) error {
	if a == nil && b == nil {
		return ErrNoVoltage
	}
	var targets []target
	for _, item := range []struct {
		ch    dac.Channel
		volts *float64
	}{{dac.ChannelA, a}, {dac.ChannelB, b}} {
		if item.volts == nil {
			continue
		}
		word, err := w.word(item.ch, *item.volts)
		if err != nil {
			return fmt.Errorf("channel %s: %w", item.ch, err)
		}
		targets = append(targets, target{ch: item.ch, word: word})
	}

	release, err := w.claim(targets)
	if err != nil {
		return err
	}
	defer release()

	write := func() error {
		for _, t := range targets {
			if err := w.dev.WriteWord(t.word); err != nil {
				return fmt.Errorf("write channel %s: %w", t.ch, err)
			}
		}
		return nil
	}
	if len(targets) > 1 {
		err = w.dev.Latched(write)
	} else {
		err = write()
	}
	if err != nil {
		return err
	}
	for _, t := range targets {
		w.log.Debug().Str("channel", t.ch.String()).Uint16("word", t.word).Msg("direct write")
	}
	return nil
}

// WriteChannel sets a single channel to volts.
func (w *Writer) WriteChannel(ch dac.Channel, volts float64) error {
	if ch == dac.ChannelA {
		return w.Write(&volts, nil)
	}
	return w.Write(nil, &volts)
}

// Off powers a channel down. Its output stays high impedance until the
// next write.
func (w *Writer) Off(ch dac.Channel) error {
	release, err := w.claim([]target{{ch: ch}})
	if err != nil {
		return err
	}
	defer release()
	return w.dev.PowerDown(ch)
}

type target struct {
	ch   dac.Channel
	word uint16
}

// word converts volts into the transfer word the same way a DC waveform
// would be rendered, including clipping and gain selection.
func (w *Writer) word(ch dac.Channel, volts float64) (uint16, error) {
	wf, err := waveform.NewDC(volts, w.unsafe, true)
	if err != nil {
		return 0, err
	}
	buf, err := wf.Render()
	if err != nil {
		return 0, err
	}
	return dac.Word(dac.Quantize(buf.Samples[0], buf.HighGain), ch, buf.HighGain), nil
}

func (w *Writer) claim(targets []target) (func(), error) {
	claimed := make([]dac.Channel, 0, len(targets))
	release := func() {
		for _, ch := range claimed {
			w.dev.Release(ch, owner)
		}
	}
	for _, t := range targets {
		if err := w.dev.Claim(t.ch, owner); err != nil {
			release()
			return nil, err
		}
		claimed = append(claimed, t.ch)
	}
	return release, nil
}
