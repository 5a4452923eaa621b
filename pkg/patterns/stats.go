package patterns

import (
	"math"
	"sort"
)

// madScale makes the median absolute deviation a consistent estimator of the
// standard deviation for normally distributed data.
const madScale = 1.4826

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var s float64
	for _, x := range xs {
		d := x - m
		s += d * d
	}
	return math.Sqrt(s / float64(len(xs)))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

func mad(xs []float64) float64 {
	m := median(xs)
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - m)
	}
	return median(dev) * madScale
}

// baseline is the centre and spread of a metric's recent history.
type baseline struct {
	center float64
	spread float64
}

func newBaseline(xs []float64, method Method) baseline {
	if method == MethodMAD {
		b := baseline{center: median(xs), spread: mad(xs)}
		if b.spread == 0 {
			b.spread = stddev(xs)
		}
		return b
	}
	return baseline{center: mean(xs), spread: stddev(xs)}
}

// score is the signed distance of x from the baseline in spreads.
func (b baseline) score(x float64) (float64, bool) {
	if b.spread <= 0 {
		return 0, false
	}
	return (x - b.center) / b.spread, true
}

// confidence maps a deviation to (0.5, 0.99].
func confidence(deviation float64) float64 {
	return math.Min(0.99, 0.5+math.Tanh(deviation/3)*0.49)
}

func movingAverage(xs []float64, window int) []float64 {
	out := make([]float64, len(xs))
	for i := range xs {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		out[i] = mean(xs[start : i+1])
	}
	return out
}

// FitTrend fits y = intercept + slope*x over values indexed 0..n-1 and
// projects horizon points past the end. Fewer than three values yield a flat
// trend with zero confidence.
func FitTrend(values []float64, horizon int) Trend {
	n := len(values)
	if n < 3 {
		return Trend{Direction: Flat, Points: n}
	}

	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	fn := float64(n)
	slope := (fn*sumXY - sumX*sumY) / (fn*sumX2 - sumX*sumX)
	intercept := (sumY - slope*sumX) / fn

	meanY := sumY / fn
	var ssTot, ssRes float64
	for i, y := range values {
		pred := intercept + slope*float64(i)
		ssTot += (y - meanY) * (y - meanY)
		ssRes += (y - pred) * (y - pred)
	}
	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	norm := meanY
	if norm == 0 {
		norm = 1
	}
	normSlope := slope / norm

	dir := Flat
	switch {
	case ssTot == 0:
		dir = Flat
	case r2 < 0.3:
		dir = Volatile
	case normSlope > 0.05:
		dir = Rising
	case normSlope < -0.05:
		dir = Falling
	}

	t := Trend{
		Direction:  dir,
		Slope:      slope,
		Intercept:  intercept,
		R2:         r2,
		Confidence: math.Min(0.95, r2+0.1),
		Points:     n,
	}
	if ssTot == 0 {
		t.Confidence = 0.95
	}
	for i := 1; i <= horizon; i++ {
		t.Forecast = append(t.Forecast, math.Max(0, intercept+slope*float64(n+i-1)))
	}
	return t
}
