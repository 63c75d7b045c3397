// Package export writes sample tables as whitespace separated text that
// numpy.loadtxt reads directly.
//
// An optional first line carries parameters: a single value on its own or a
// list of values. Every following line is one row of samples. With
// parameters present, load the samples with skiprows=1 and the parameters
// with max_rows=1.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/shopspring/decimal"
)

// ErrNotFinite is returned for NaN or infinite values.
var ErrNotFinite = errors.New("export: value is not finite")

// Store writes params and rows to filename, replacing the file.
func Store(filename string, params []float64, rows ...[]float64) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return WriteData(file, params, rows...)
}

// WriteData writes params and rows to w. A nil or empty params slice omits
// the parameter line.
func WriteData(w io.Writer, params []float64, rows ...[]float64) error {
	buf := bufio.NewWriter(w)
	switch len(params) {
	case 0:
	case 1:
		value, err := format(params[0])
		if err != nil {
			return fmt.Errorf("parameter: %w", err)
		}
		buf.WriteString(value)
		buf.WriteByte('\n')
	default:
		if err := writeRow(buf, params); err != nil {
			return fmt.Errorf("parameters: %w", err)
		}
	}
	for i, row := range rows {
		if err := writeRow(buf, row); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return buf.Flush()
}

func writeRow(buf *bufio.Writer, row []float64) error {
	for _, v := range row {
		value, err := format(v)
		if err != nil {
			return err
		}
		buf.WriteString(value)
		buf.WriteByte(' ')
	}
	return buf.WriteByte('\n')
}

// format renders v with the fewest digits that read back as the same value.
func format(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("%w: %v", ErrNotFinite, v)
	}
	return decimal.NewFromFloat(v).String(), nil
}
