package waveform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAsFraction(t *testing.T) {
	tests := []struct {
		in       float64
		num, den int
	}{
		{0.5, 1, 2},
		{0.25, 1, 4},
		{0.2, 1, 5},
		{0.75, 3, 4},
		{0.3333, 1, 3},
		{1.5, 3, 2},
		{2, 2, 1},
	}
	for _, tc := range tests {
		num, den := AsFraction(tc.in, FractionAccuracy)
		require.Equal(t, tc.num, num, "numerator of %v", tc.in)
		require.Equal(t, tc.den, den, "denominator of %v", tc.in)
	}
}

func TestAsFractionWithinAccuracy(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		x := rapid.Float64Range(0.001, 0.999).Draw(t, "x")
		num, den := AsFraction(x, FractionAccuracy)
		require.Positive(t, den)
		require.LessOrEqual(t, math.Abs(float64(num)/float64(den)-x), FractionAccuracy)
	})
}
