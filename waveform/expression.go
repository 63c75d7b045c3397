package waveform

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrExpression wraps compile and evaluation failures of NewExpression.
var ErrExpression = errors.New("waveform: expression")

// NewExpression samples a formula over one period into an arbitrary
// waveform. The formula returns volts and may use:
//
//	t     phase in [0, 1)
//	i, n  sample index and sample count
//	pi, sin, cos, tan, exp, log, sqrt, pow
//
// together with the built-in functions of the expression language such as
// abs, floor, min and max.
//
// The sample count is p.Resolution when set, otherwise the automatic
// resolution for the frequency.
func NewExpression(source string, p Params) (*Waveform, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("%w: empty formula", ErrExpression)
	}
	freq, err := frequency(p)
	if err != nil {
		return nil, err
	}
	n := p.Resolution
	if n == 0 {
		if n, err = AutoResolution(freq); err != nil {
			return nil, err
		}
	}
	if n < 2 {
		return nil, ErrInvalidResolution
	}

	env := expressionEnv()
	program, err := expr.Compile(source, expr.Env(env), expr.AsFloat64())
	if err != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrExpression, source, err)
	}

	var machine vm.VM
	voltages := make([]float64, n)
	env["n"] = n
	for i := range voltages {
		env["i"] = i
		env["t"] = float64(i) / float64(n)
		out, err := machine.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("%w: evaluate %q at sample %d: %v", ErrExpression, source, i, err)
		}
		v, ok := out.(float64)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %q produced %v at sample %d", ErrExpression, source, out, i)
		}
		voltages[i] = v
	}

	p.Freq, p.Period = &freq, nil
	return NewArbitrary(voltages, p)
}

func expressionEnv() map[string]interface{} {
	return map[string]interface{}{
		"t":    0.0,
		"i":    0,
		"n":    0,
		"pi":   math.Pi,
		"sin":  math.Sin,
		"cos":  math.Cos,
		"tan":  math.Tan,
		"exp":  math.Exp,
		"log":  math.Log,
		"sqrt": math.Sqrt,
		"pow":  math.Pow,
	}
}
