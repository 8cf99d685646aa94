package dispatcher

import "math"

// sqrt, absFloat, maxFloat and minFloat wrap math's float64 functions so
// the weight-engine formulas in weights_ewma.go and weights_aimd.go read
// the same as the reference strategy/ewma.rs arithmetic.
func sqrt(v float64) float64 { return math.Sqrt(v) }

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
