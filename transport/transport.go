// Package transport drives the converter's serial bus and control pins.
//
// A Device frames every transfer with the chip-select pin, owns the latch
// pin used for simultaneous channel updates and the status pin that signals
// an active stream. Channels are claimed by their current user so that a
// streaming engine and a direct write cannot drive the same output at once.
package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"periph.io/x/conn/v3/gpio"

	"github.com/timzifer/funcgen/dac"
)

// ErrClaimed is returned when a channel is already in use.
var ErrClaimed = errors.New("transport: channel already claimed")

// Bus performs one synchronous transfer. periph's spi.Conn satisfies it.
type Bus interface {
	Tx(w, r []byte) error
}

// Pin is a single digital output. periph's gpio.PinOut satisfies it.
type Pin interface {
	Out(l gpio.Level) error
}

// Device is the converter as seen from the host.
type Device struct {
	bus    Bus
	cs     Pin
	ldac   Pin
	status Pin
	closer io.Closer

	busMu sync.Mutex

	mu        sync.Mutex
	claims    map[dac.Channel]string
	streaming map[dac.Channel]bool
}

// NewDevice wires a bus and pins into a Device. The status pin is optional.
func NewDevice(bus Bus, cs, ldac, status Pin) *Device {
	return &Device{
		bus:       bus,
		cs:        cs,
		ldac:      ldac,
		status:    status,
		claims:    make(map[dac.Channel]string, len(dac.Channels)),
		streaming: make(map[dac.Channel]bool, len(dac.Channels)),
	}
}

// Reset drives the control pins to their idle levels: chip select released,
// latch transparent and status off.
func (d *Device) Reset() error {
	d.busMu.Lock()
	defer d.busMu.Unlock()
	if err := d.cs.Out(gpio.High); err != nil {
		return fmt.Errorf("release chip select: %w", err)
	}
	if err := d.ldac.Out(gpio.Low); err != nil {
		return fmt.Errorf("release latch: %w", err)
	}
	if d.status != nil {
		if err := d.status.Out(gpio.Low); err != nil {
			return fmt.Errorf("clear status: %w", err)
		}
	}
	return nil
}

// Write sends one transfer framed by chip select. It does not allocate.
func (d *Device) Write(frame []byte) error {
	d.busMu.Lock()
	defer d.busMu.Unlock()
	if err := d.cs.Out(gpio.Low); err != nil {
		return err
	}
	err := d.bus.Tx(frame, nil)
	if csErr := d.cs.Out(gpio.High); err == nil {
		err = csErr
	}
	return err
}

// WriteWord sends a single 16-bit word.
func (d *Device) WriteWord(word uint16) error {
	var frame [dac.FrameSize]byte
	dac.PutWord(frame[:], word)
	return d.Write(frame[:])
}

// PowerDown switches a channel's output off.
func (d *Device) PowerDown(ch dac.Channel) error {
	if err := d.WriteWord(dac.ShutdownWord(ch)); err != nil {
		return fmt.Errorf("power down channel %s: %w", ch, err)
	}
	return nil
}

// Latched runs fn with the output latch held so that every transfer inside
// takes effect together when the latch is released.
func (d *Device) Latched(fn func() error) error {
	if err := d.ldac.Out(gpio.High); err != nil {
		return fmt.Errorf("hold latch: %w", err)
	}
	err := fn()
	if relErr := d.ldac.Out(gpio.Low); relErr != nil && err == nil {
		err = fmt.Errorf("release latch: %w", relErr)
	}
	return err
}

// Claim reserves a channel for owner.
func (d *Device) Claim(ch dac.Channel, owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.claims[ch]; ok {
		return fmt.Errorf("%w: channel %s is in use by %s; resolve by stopping it or fully resetting the device", ErrClaimed, ch, current)
	}
	d.claims[ch] = owner
	return nil
}

// Release frees a channel if owner holds it.
func (d *Device) Release(ch dac.Channel, owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claims[ch] == owner {
		delete(d.claims, ch)
	}
}

// Claimed reports the current owner of a channel.
func (d *Device) Claimed(ch dac.Channel) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	owner, ok := d.claims[ch]
	return owner, ok
}

// SetStreaming records whether a channel is streaming and drives the status
// pin high while any channel is.
func (d *Device) SetStreaming(ch dac.Channel, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if active {
		d.streaming[ch] = true
	} else {
		delete(d.streaming, ch)
	}
	if d.status == nil {
		return nil
	}
	level := gpio.Low
	if len(d.streaming) > 0 {
		level = gpio.High
	}
	return d.status.Out(level)
}

// Close releases the underlying bus port, if any.
func (d *Device) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

type discardBus struct{}

func (discardBus) Tx(w, r []byte) error { return nil }

type discardPin struct{}

func (discardPin) Out(gpio.Level) error { return nil }

// NewDiscard returns a Device that accepts and drops every transfer.
func NewDiscard() *Device {
	return NewDevice(discardBus{}, discardPin{}, discardPin{}, discardPin{})
}
