package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/timzifer/funcgen/waveform"
)

// ErrDCWithPeriodic is returned when a DC waveform carries periodic parameters.
var ErrDCWithPeriodic = errors.New("config: dc waveform does not take periodic parameters")

// ErrUnknownWaveform is returned for an unsupported waveform type.
var ErrUnknownWaveform = errors.New("config: unknown waveform type")

// Waveform types.
const (
	WaveformDC         = "dc"
	WaveformSine       = "sine"
	WaveformTriangle   = "triangle"
	WaveformSquare     = "square"
	WaveformArbitrary  = "arbitrary"
	WaveformExpression = "expression"
)

// WaveformConfig describes one waveform. Voltages are in volts and decode
// from numbers or numeric strings.
type WaveformConfig struct {
	Type string `yaml:"type" json:"type"`

	Volts  *decimal.Decimal `yaml:"volts,omitempty" json:"volts,omitempty"`
	Vpp    *decimal.Decimal `yaml:"vpp,omitempty" json:"vpp,omitempty"`
	Vp     *decimal.Decimal `yaml:"vp,omitempty" json:"vp,omitempty"`
	Offset *decimal.Decimal `yaml:"offset,omitempty" json:"offset,omitempty"`
	Vmin   *decimal.Decimal `yaml:"vmin,omitempty" json:"vmin,omitempty"`
	Vmax   *decimal.Decimal `yaml:"vmax,omitempty" json:"vmax,omitempty"`

	Freq   *float64 `yaml:"freq,omitempty" json:"freq,omitempty"`
	Period *float64 `yaml:"period,omitempty" json:"period,omitempty"`

	Symmetry   *float64          `yaml:"symmetry,omitempty" json:"symmetry,omitempty"`
	DutyCycle  *float64          `yaml:"duty_cycle,omitempty" json:"duty_cycle,omitempty"`
	Voltages   []decimal.Decimal `yaml:"voltages,omitempty" json:"voltages,omitempty"`
	Expression string            `yaml:"expression,omitempty" json:"expression,omitempty"`
	Resolution int               `yaml:"resolution,omitempty" json:"resolution,omitempty"`

	Unsafe bool `yaml:"unsafe,omitempty" json:"unsafe,omitempty"`
	Hold   bool `yaml:"hold,omitempty" json:"hold,omitempty"`
}

// Build constructs the waveform the configuration describes.
func (w WaveformConfig) Build() (*waveform.Waveform, error) {
	kind := strings.ToLower(strings.TrimSpace(w.Type))
	if kind == WaveformDC {
		return w.buildDC()
	}
	p := w.params()
	switch kind {
	case WaveformSine:
		return waveform.NewSine(p)
	case WaveformTriangle:
		symmetry := 50.0
		if w.Symmetry != nil {
			symmetry = *w.Symmetry
		}
		return waveform.NewTriangle(p, symmetry)
	case WaveformSquare:
		duty := 50.0
		if w.DutyCycle != nil {
			duty = *w.DutyCycle
		}
		return waveform.NewSquare(p, duty)
	case WaveformArbitrary:
		volts := make([]float64, len(w.Voltages))
		for i, v := range w.Voltages {
			volts[i] = v.InexactFloat64()
		}
		return waveform.NewArbitrary(volts, p)
	case WaveformExpression:
		return waveform.NewExpression(w.Expression, p)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownWaveform, w.Type)
	}
}

func (w WaveformConfig) buildDC() (*waveform.Waveform, error) {
	if w.periodic() {
		return nil, ErrDCWithPeriodic
	}
	if w.Volts == nil {
		return nil, waveform.ErrMissingSize
	}
	return waveform.NewDC(w.Volts.InexactFloat64(), w.Unsafe, w.Hold)
}

func (w WaveformConfig) periodic() bool {
	return w.Vpp != nil || w.Vp != nil || w.Offset != nil || w.Vmin != nil || w.Vmax != nil ||
		w.Freq != nil || w.Period != nil || w.Symmetry != nil || w.DutyCycle != nil ||
		len(w.Voltages) > 0 || w.Expression != "" || w.Resolution != 0
}

func (w WaveformConfig) params() waveform.Params {
	p := waveform.Params{
		Vpp:        volts(w.Vpp),
		Vp:         volts(w.Vp),
		Vmin:       volts(w.Vmin),
		Vmax:       volts(w.Vmax),
		Freq:       w.Freq,
		Period:     w.Period,
		Unsafe:     w.Unsafe,
		Hold:       w.Hold,
		Resolution: w.Resolution,
	}
	if w.Offset != nil {
		p.Offset = w.Offset.InexactFloat64()
	}
	return p
}

func volts(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	return waveform.V(d.InexactFloat64())
}
