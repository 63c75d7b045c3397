// Package waveform defines the shapes the function generator can emit and
// turns them into one period of millivolt samples.
//
// A Waveform is immutable after construction. The amplitude may be given as
// a peak-to-peak voltage with an offset, an amplitude with an offset, or as
// explicit extremes; the timing as a frequency or a period. Samples outside
// the permitted range are clipped silently.
package waveform

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/timzifer/funcgen/dac"
)

// Kind tags the variant of a Waveform.
type Kind uint8

const (
	// KindDC is a constant voltage.
	KindDC Kind = iota
	// KindSine is a sine wave.
	KindSine
	// KindTriangle is a triangle or sawtooth wave.
	KindTriangle
	// KindSquare is a pulse train with a duty cycle.
	KindSquare
	// KindArbitrary replays a user supplied voltage sequence.
	KindArbitrary
)

func (k Kind) String() string {
	switch k {
	case KindDC:
		return "DC"
	case KindSine:
		return "Sine"
	case KindTriangle:
		return "Triangle"
	case KindSquare:
		return "Square"
	case KindArbitrary:
		return "Arbitrary"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

var (
	ErrMissingSize             = errors.New("waveform: expected Vpp, Vp or both Vmin and Vmax")
	ErrMissingFrequency        = errors.New("waveform: expected a frequency or a period")
	ErrInvalidFrequency        = errors.New("waveform: frequency must be positive and finite")
	ErrSymmetryRange           = errors.New("waveform: symmetry must be between 0 and 100%")
	ErrDutyCycleRange          = errors.New("waveform: duty cycle must be between 0 and 100%")
	ErrEmptyVoltages           = errors.New("waveform: arbitrary waveform needs at least one voltage")
	ErrInvalidVoltage          = errors.New("waveform: voltage must be finite")
	ErrLevelOrder              = errors.New("waveform: minimum voltage exceeds maximum voltage")
	ErrInvalidResolution       = errors.New("waveform: resolution must be at least 2 samples")
	ErrUnreproducibleFrequency = errors.New("waveform: requested frequency is too high")
)

// Params carries the inputs shared by all periodic waveforms. Voltages are
// in volts; nil marks an input that was not given.
type Params struct {
	Vpp    *float64
	Vp     *float64
	Offset float64
	Vmin   *float64
	Vmax   *float64

	Freq   *float64
	Period *float64

	// Unsafe raises the clipping ceiling from 3.3 V to the converter's 4.096 V.
	Unsafe bool
	// Hold keeps the last output level when streaming stops instead of
	// powering the channel down.
	Hold bool
	// Resolution fixes the samples per period. Zero selects it from the
	// frequency when the waveform is rendered.
	Resolution int
}

// V returns a pointer to v, for filling optional Params fields.
func V(v float64) *float64 {
	return &v
}

// Waveform is one fully specified output shape.
type Waveform struct {
	kind   Kind
	vMin   int
	vMax   int
	freq   float64
	unsafe bool
	hold   bool

	resolution int

	symmetry float64

	dutyCycle float64
	low, high int

	voltages []float64
}

// NewSine builds a sine wave between the configured extremes.
func NewSine(p Params) (*Waveform, error) {
	return newPeriodic(KindSine, p)
}

// NewTriangle builds a triangle wave. A symmetry of 100 yields a rising
// sawtooth, 0 a falling one and 50 a symmetric triangle.
func NewTriangle(p Params, symmetry float64) (*Waveform, error) {
	if math.IsNaN(symmetry) || symmetry < 0 || symmetry > 100 {
		return nil, ErrSymmetryRange
	}
	w, err := newPeriodic(KindTriangle, p)
	if err != nil {
		return nil, err
	}
	w.symmetry = symmetry
	return w, nil
}

// NewSquare builds a pulse train spending dutyCycle percent of each period
// at the maximum voltage.
func NewSquare(p Params, dutyCycle float64) (*Waveform, error) {
	if math.IsNaN(dutyCycle) || dutyCycle < 0 || dutyCycle > 100 {
		return nil, ErrDutyCycleRange
	}
	w, err := newPeriodic(KindSquare, p)
	if err != nil {
		return nil, err
	}
	w.dutyCycle = dutyCycle
	num, den := AsFraction(dutyCycle/100, FractionAccuracy)
	switch {
	case num == 0:
		w.low, w.high = 2, 0
	case num == den:
		w.low, w.high = 0, 2
	default:
		w.low, w.high = den-num, num
	}
	w.resolution = w.low + w.high
	return w, nil
}

// NewDC builds a constant voltage. It reports a frequency of 1 Hz.
func NewDC(volts float64, unsafe, hold bool) (*Waveform, error) {
	if math.IsNaN(volts) || math.IsInf(volts, 0) {
		return nil, ErrInvalidVoltage
	}
	mv := milliVolts(decimal.NewFromFloat(volts))
	return &Waveform{
		kind:       KindDC,
		vMin:       mv,
		vMax:       mv,
		freq:       1,
		unsafe:     unsafe,
		hold:       hold,
		resolution: 2,
	}, nil
}

// NewArbitrary replays voltages, given in volts, once per period. Only the
// timing, safety and hold fields of p are used; the extremes are taken from
// the sequence itself.
func NewArbitrary(voltages []float64, p Params) (*Waveform, error) {
	if len(voltages) == 0 {
		return nil, ErrEmptyVoltages
	}
	freq, err := frequency(p)
	if err != nil {
		return nil, err
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range voltages {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrInvalidVoltage
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return &Waveform{
		kind:       KindArbitrary,
		vMin:       milliVolts(decimal.NewFromFloat(lo)),
		vMax:       milliVolts(decimal.NewFromFloat(hi)),
		freq:       freq,
		unsafe:     p.Unsafe,
		hold:       p.Hold,
		resolution: len(voltages),
		voltages:   append([]float64(nil), voltages...),
	}, nil
}

func newPeriodic(kind Kind, p Params) (*Waveform, error) {
	vMin, vMax, err := extremes(p)
	if err != nil {
		return nil, err
	}
	freq, err := frequency(p)
	if err != nil {
		return nil, err
	}
	if p.Resolution < 0 || p.Resolution == 1 {
		return nil, ErrInvalidResolution
	}
	return &Waveform{
		kind:       kind,
		vMin:       vMin,
		vMax:       vMax,
		freq:       freq,
		unsafe:     p.Unsafe,
		hold:       p.Hold,
		resolution: p.Resolution,
	}, nil
}

// extremes resolves the amplitude inputs into millivolt extremes.
func extremes(p Params) (int, int, error) {
	for _, v := range []*float64{p.Vpp, p.Vp, &p.Offset, p.Vmin, p.Vmax} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return 0, 0, ErrInvalidVoltage
		}
	}
	var lo, hi int
	switch {
	case p.Vpp != nil || p.Vp != nil:
		offset := decimal.NewFromFloat(p.Offset)
		var amplitude decimal.Decimal
		if p.Vpp != nil {
			amplitude = decimal.NewFromFloat(*p.Vpp).Div(decimal.NewFromInt(2))
		} else {
			amplitude = decimal.NewFromFloat(*p.Vp)
		}
		lo, hi = milliVolts(offset.Sub(amplitude)), milliVolts(offset.Add(amplitude))
	case p.Vmin != nil && p.Vmax != nil:
		lo, hi = milliVolts(decimal.NewFromFloat(*p.Vmin)), milliVolts(decimal.NewFromFloat(*p.Vmax))
	default:
		return 0, 0, ErrMissingSize
	}
	if lo > hi {
		return 0, 0, ErrLevelOrder
	}
	return lo, hi, nil
}

func frequency(p Params) (float64, error) {
	var freq float64
	switch {
	case p.Freq != nil:
		freq = *p.Freq
	case p.Period != nil:
		if *p.Period == 0 {
			return 0, ErrInvalidFrequency
		}
		freq = 1 / *p.Period
	default:
		return 0, ErrMissingFrequency
	}
	if math.IsNaN(freq) || math.IsInf(freq, 0) || freq <= 0 {
		return 0, ErrInvalidFrequency
	}
	return freq, nil
}

// milliVolts truncates a volt value to whole millivolts.
func milliVolts(volts decimal.Decimal) int {
	return int(volts.Shift(3).IntPart())
}

// Kind reports the variant.
func (w *Waveform) Kind() Kind { return w.kind }

// VMin is the configured minimum in millivolts.
func (w *Waveform) VMin() int { return w.vMin }

// VMax is the configured maximum in millivolts.
func (w *Waveform) VMax() int { return w.vMax }

// Frequency is in Hertz.
func (w *Waveform) Frequency() float64 { return w.freq }

// Unsafe reports whether the overdrive ceiling applies.
func (w *Waveform) Unsafe() bool { return w.unsafe }

// Hold reports whether the output keeps its level after streaming stops.
func (w *Waveform) Hold() bool { return w.hold }

// Symmetry is the rising share of a triangle period in percent.
func (w *Waveform) Symmetry() float64 { return w.symmetry }

// DutyCycle is the high share of a square period in percent.
func (w *Waveform) DutyCycle() float64 { return w.dutyCycle }

// Resolution is the fixed number of samples per period, or zero when it is
// derived from the frequency.
func (w *Waveform) Resolution() int { return w.resolution }

// HighGain reports whether the converter's 2x gain is needed.
func (w *Waveform) HighGain() bool { return dac.NeedsHighGain(w.vMax) }

// Ceiling is the clipping ceiling in millivolts.
func (w *Waveform) Ceiling() int { return dac.Ceiling(w.unsafe) }

func (w *Waveform) String() string {
	return fmt.Sprintf("%s with Vmin=%d mV, Vmax=%d mV, and Frequency=%s",
		w.kind, w.vMin, w.vMax, strconv.FormatFloat(w.freq, 'g', -1, 64))
}
