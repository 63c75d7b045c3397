package waveform

import (
	"fmt"
	"math"

	"github.com/timzifer/funcgen/dac"
)

const (
	// PhaseResolution is the fixed phase scale the equations are evaluated
	// on, independent of the sample count.
	PhaseResolution = 65535

	// WriteCostMicros is the time one sample transfer takes on the bus.
	WriteCostMicros = 73

	// MinResolution is the smallest automatic sample count that still
	// reproduces a periodic shape.
	MinResolution = 16
	// MaxResolution caps the automatic sample count.
	MaxResolution = 4096
)

// MaxFrequency is the highest frequency an automatically resolved waveform
// can be streamed at, in whole Hertz.
const MaxFrequency = 1_000_000 / WriteCostMicros / MinResolution

// Buffer is one period of samples ready for encoding.
type Buffer struct {
	// Samples holds clipped millivolt values.
	Samples  []int
	HighGain bool
}

// Words quantizes the buffer into converter units.
func (b Buffer) Words() []uint16 {
	out := make([]uint16, len(b.Samples))
	for i, mv := range b.Samples {
		out[i] = dac.Quantize(mv, b.HighGain)
	}
	return out
}

// Frame encodes the buffer for a channel.
func (b Buffer) Frame(ch dac.Channel) []byte {
	return dac.Encode(b.Words(), ch, b.HighGain)
}

// AutoResolution picks the sample count the bus can sustain at freq.
// Counts above MaxResolution are truncated; counts below MinResolution
// cannot reproduce the shape and fail.
func AutoResolution(freq float64) (int, error) {
	if math.IsNaN(freq) || math.IsInf(freq, 0) || freq <= 0 {
		return 0, ErrInvalidFrequency
	}
	n := 1e6 / WriteCostMicros / freq
	if n > MaxResolution {
		return MaxResolution, nil
	}
	if int(n) < MinResolution {
		return 0, fmt.Errorf("%w, try a frequency below %d Hz", ErrUnreproducibleFrequency, MaxFrequency)
	}
	return int(n), nil
}

// SampleCount returns the number of samples Render will produce.
func (w *Waveform) SampleCount() (int, error) {
	if w.resolution > 0 {
		return w.resolution, nil
	}
	return AutoResolution(w.freq)
}

// Render produces one clipped period at the waveform's resolution.
func (w *Waveform) Render() (Buffer, error) {
	n, err := w.SampleCount()
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Samples: w.Samples(n), HighGain: w.HighGain()}, nil
}

// Samples evaluates n evenly spaced points of one period in millivolts and
// clips them to [0, Ceiling()]. DC, Square and Arbitrary waveforms have a
// fixed sample sequence and ignore n.
func (w *Waveform) Samples(n int) []int {
	raw := w.eval(n)
	ceiling := float64(w.Ceiling())
	out := make([]int, len(raw))
	for i, v := range raw {
		switch {
		case v > ceiling:
			v = ceiling
		case v < dac.Floor:
			v = dac.Floor
		}
		out[i] = int(v)
	}
	return out
}

// Voltages evaluates n points of one period in volts without clipping.
func (w *Waveform) Voltages(n int) []float64 {
	raw := w.eval(n)
	for i := range raw {
		raw[i] /= 1000
	}
	return raw
}

// eval applies the variant equation and returns unclipped millivolts.
func (w *Waveform) eval(n int) []float64 {
	switch w.kind {
	case KindDC:
		return repeat(float64(w.vMin), 2)
	case KindSine:
		return w.sine(phases(n))
	case KindTriangle:
		return w.triangle(phases(n))
	case KindSquare:
		return w.square()
	case KindArbitrary:
		out := make([]float64, len(w.voltages))
		for i, v := range w.voltages {
			out[i] = v * 1000
		}
		return out
	default:
		panic(fmt.Sprintf("waveform: unhandled kind %s", w.kind))
	}
}

func (w *Waveform) sine(t []float64) []float64 {
	amplitude := 0.5 * math.Abs(float64(w.vMax-w.vMin))
	mean := 0.5 * math.Abs(float64(w.vMax+w.vMin))
	out := make([]float64, len(t))
	for i, ti := range t {
		out[i] = amplitude*math.Sin(2*math.Pi*ti/PhaseResolution) + mean
	}
	return out
}

func (w *Waveform) triangle(t []float64) []float64 {
	n := len(t)
	vpp := math.Abs(float64(w.vMax - w.vMin))
	vmin := float64(w.vMin)
	out := make([]float64, n)
	switch w.symmetry {
	case 100:
		for i, ti := range t {
			out[i] = vpp*ti/PhaseResolution + vmin
		}
	case 0:
		for i := range out {
			out[i] = vpp*t[n-1-i]/PhaseResolution + vmin
		}
	default:
		frac := w.symmetry / 100
		switchIdx := int(float64(n) * frac)
		for i := range out {
			if i < switchIdx {
				out[i] = vpp*t[i]/PhaseResolution/frac + vmin
			} else {
				out[i] = vpp/PhaseResolution/(1-frac)*t[n-1-i] + vmin
			}
		}
	}
	return out
}

func (w *Waveform) square() []float64 {
	out := make([]float64, 0, w.low+w.high)
	out = append(out, repeat(float64(w.vMin), w.low)...)
	return append(out, repeat(float64(w.vMax), w.high)...)
}

// phases returns n points evenly spaced over [0, PhaseResolution-1],
// truncated to whole phase steps.
func phases(n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		return out
	}
	step := float64(PhaseResolution-1) / float64(n-1)
	for i := range out {
		out[i] = math.Floor(float64(i) * step)
	}
	out[n-1] = PhaseResolution - 1
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
