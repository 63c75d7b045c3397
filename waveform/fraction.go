package waveform

import "math"

// FractionAccuracy is the absolute tolerance used when reducing a duty cycle
// to a sample ratio.
const FractionAccuracy = 1e-4

// AsFraction approximates number as num/den within accuracy, searching
// numerators upward so the smallest denominator that fits is returned.
// Fractional parts closer than accuracy to 0 or 1 snap to the whole number.
func AsFraction(number, accuracy float64) (num, den int) {
	if accuracy <= 0 {
		accuracy = FractionAccuracy
	}
	whole, x := math.Modf(number)
	if x < 0 {
		whole--
		x++
	}
	w := int(whole)
	switch {
	case x < accuracy:
		return w, 1
	case 1-x < accuracy:
		return w + 1, 1
	}
	for n := 1; ; n++ {
		d := int(float64(n) / x)
		if float64(n)/float64(d)-x < accuracy {
			return w*d + n, d
		}
		d++
		if x-float64(n)/float64(d) < accuracy {
			return w*d + n, d
		}
	}
}
