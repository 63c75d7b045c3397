// Package plot emits the line protocol understood by notebook front ends
// that render matplotlib calls on behalf of a headless device.
//
// A plot line is "%matplotlibdata --" followed by the keyword arguments as a
// Python dict and the data as a nested list. Every other call is an
// attribute line: "%matplotlib --name(args, {kwargs})".
package plot

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/timzifer/funcgen/waveform"
)

const (
	dataPrefix      = "%matplotlibdata --"
	attributePrefix = "%matplotlib --"
)

// Kwarg is one keyword argument. Order is preserved on the wire.
type Kwarg struct {
	Key   string
	Value any
}

// KW builds a Kwarg.
func KW(key string, value any) Kwarg {
	return Kwarg{Key: key, Value: value}
}

// Figure writes plot commands to an output stream.
type Figure struct {
	w io.Writer
}

// New returns a Figure writing to w.
func New(w io.Writer) *Figure {
	return &Figure{w: w}
}

// Plot draws y against x. fmt is the matplotlib format string.
func (f *Figure) Plot(x, y []float64, format string, kwargs ...Kwarg) error {
	if len(x) != len(y) {
		return fmt.Errorf("plot: x has %d points, y has %d", len(x), len(y))
	}
	all := append(append([]Kwarg(nil), kwargs...),
		KW("fmt", format), KW("scalex", true), KW("scaley", true), KW("data", nil))
	_, err := fmt.Fprintf(f.w, "%s%s%s\n", dataPrefix, dict(all), repr([]any{x, y}))
	return err
}

// Waveform plots one period of wf in volts against time in seconds. n is the
// requested resolution for shapes that take one.
func (f *Figure) Waveform(wf *waveform.Waveform, n int) error {
	y := wf.Voltages(n)
	x := make([]float64, len(y))
	step := 1 / wf.Frequency() / float64(len(y))
	for i := range x {
		x[i] = float64(i) * step
	}
	return f.Plot(x, y, "", KW("label", wf.Kind().String()))
}

// Attribute emits a generic attribute call.
func (f *Figure) Attribute(name string, args []any, kwargs ...Kwarg) error {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = repr(arg)
	}
	_, err := fmt.Fprintf(f.w, "%s%s(%s, %s)\n", attributePrefix, name, strings.Join(parts, ", "), dict(kwargs))
	return err
}

// Title sets the axes title.
func (f *Figure) Title(label string) error {
	return f.Attribute("title", []any{label},
		KW("fontdict", nil), KW("loc", nil), KW("pad", nil), KW("y", nil))
}

// XLabel sets the x axis label.
func (f *Figure) XLabel(label string) error {
	return f.Attribute("xlabel", []any{label}, KW("fontdict", nil), KW("labelpad", nil), KW("loc", nil))
}

// YLabel sets the y axis label.
func (f *Figure) YLabel(label string) error {
	return f.Attribute("ylabel", []any{label}, KW("fontdict", nil), KW("labelpad", nil), KW("loc", nil))
}

// XLim sets the x axis limits.
func (f *Figure) XLim(left, right float64) error {
	return f.Attribute("xlim", []any{left, right})
}

// YLim sets the y axis limits.
func (f *Figure) YLim(bottom, top float64) error {
	return f.Attribute("ylim", []any{bottom, top})
}

// Grid toggles the grid.
func (f *Figure) Grid(kwargs ...Kwarg) error {
	return f.Attribute("grid", nil, kwargs...)
}

// Legend shows the legend.
func (f *Figure) Legend(kwargs ...Kwarg) error {
	return f.Attribute("legend", nil, kwargs...)
}

func dict(kwargs []Kwarg) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, kw := range kwargs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pyString(kw.Key))
		b.WriteString(": ")
		b.WriteString(repr(kw.Value))
	}
	b.WriteByte('}')
	return b.String()
}

// repr renders v the way Python's repr would.
func repr(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case string:
		return pyString(val)
	case int:
		return strconv.Itoa(val)
	case float64:
		return pyFloat(val)
	case []float64:
		parts := make([]string, len(val))
		for i, x := range val {
			parts[i] = pyFloat(x)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []any:
		parts := make([]string, len(val))
		for i, x := range val {
			parts[i] = repr(x)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return pyString(fmt.Sprint(val))
	}
}

func pyString(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`).Replace(s) + "'"
}

func pyFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	if v != 0 {
		if exp := math.Floor(math.Log10(math.Abs(v))); exp < -4 || exp >= 16 {
			return strconv.FormatFloat(v, 'e', -1, 64)
		}
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
