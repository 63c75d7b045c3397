// Package transporttest provides a recording bus and pins for tests.
package transporttest

import (
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/timzifer/funcgen/transport"
)

// Event kinds.
const (
	KindTx   = "tx"
	KindCS   = "cs"
	KindLDAC = "ldac"
	KindLED  = "status"
)

// Event is one observed bus transfer or pin change.
type Event struct {
	Kind  string
	Level gpio.Level
	Data  []byte
}

// Recorder captures every transfer and pin level in order.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	txCount int
	failAt  int
	failErr error
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{failAt: -1}
}

// Device wires the recorder into a transport.Device.
func (r *Recorder) Device() *transport.Device {
	return transport.NewDevice(bus{r}, pin{r, KindCS}, pin{r, KindLDAC}, pin{r, KindLED})
}

// FailAfter makes the n-th and every later transfer (zero based) fail with err.
func (r *Recorder) FailAfter(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		err = errors.New("transporttest: injected failure")
	}
	r.failAt, r.failErr = n, err
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Transfers returns the recorded transfer payloads.
func (r *Recorder) Transfers() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, 0, r.txCount)
	for _, ev := range r.events {
		if ev.Kind == KindTx {
			out = append(out, ev.Data)
		}
	}
	return out
}

// TxCount reports how many transfers were attempted.
func (r *Recorder) TxCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txCount
}

// Levels returns the sequence of levels driven on one pin.
func (r *Recorder) Levels(kind string) []gpio.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []gpio.Level
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev.Level)
		}
	}
	return out
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.txCount = 0
}

// WaitTransfers blocks until at least n transfers were recorded or the
// timeout expires.
func (r *Recorder) WaitTransfers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.TxCount() >= n {
			return true
		}
		time.Sleep(100 * time.Microsecond)
	}
	return r.TxCount() >= n
}

type bus struct{ r *Recorder }

func (b bus) Tx(w, _ []byte) error {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	idx := b.r.txCount
	b.r.txCount++
	if b.r.failAt >= 0 && idx >= b.r.failAt {
		return b.r.failErr
	}
	b.r.events = append(b.r.events, Event{Kind: KindTx, Data: append([]byte(nil), w...)})
	return nil
}

type pin struct {
	r    *Recorder
	kind string
}

func (p pin) Out(l gpio.Level) error {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	p.r.events = append(p.r.events, Event{Kind: p.kind, Level: l})
	return nil
}
