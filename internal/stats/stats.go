// Package stats provides the pure statistical primitives used by the
// proactive monitor and the learning analyzer: Pearson correlation,
// z-score anomaly scoring and first-half/second-half trend comparison.
package stats

import "math"

// Anomaly severities produced by Classify.
const (
	SeverityNone     = "none"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Trend directions produced by Trend.
const (
	TrendIncreasing   = "increasing"
	TrendDecreasing   = "decreasing"
	TrendStable       = "stable"
	TrendInsufficient = "insufficient_data"
)

// Correlation returns the Pearson correlation coefficient of x and y.
// Mismatched lengths, empty input or a zero denominator all yield 0
// rather than a fault.
func Correlation(x, y []float64) float64 {
	if len(x) != len(y) || len(x) == 0 {
		return 0
	}

	n := float64(len(x))
	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
		sumY2 += y[i] * y[i]
	}

	num := n*sumXY - sumX*sumY
	den := math.Sqrt((n*sumX2 - sumX*sumX) * (n*sumY2 - sumY*sumY))
	if den == 0 {
		return 0
	}
	return num / den
}

// Mean returns the arithmetic mean of the series, 0 if empty.
func Mean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series))
}

// StdDev returns the population standard deviation of the series.
func StdDev(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	mean := Mean(series)
	var sumSq float64
	for _, v := range series {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(series)))
}

// ZScore returns how many standard deviations value sits from the
// series mean. A zero-variance series yields 0 so that a constant
// series can never classify as anomalous.
func ZScore(value float64, series []float64) float64 {
	sd := StdDev(series)
	if sd == 0 {
		return 0
	}
	return (value - Mean(series)) / sd
}

// Classify maps a z-score to an anomaly severity. Both boundaries are
// exclusive: |z| must exceed 2 for a warning and 3 for critical.
func Classify(z float64) string {
	abs := math.Abs(z)
	switch {
	case abs > 3:
		return SeverityCritical
	case abs > 2:
		return SeverityWarning
	default:
		return SeverityNone
	}
}

// Direction reports whether an anomaly is a spike or a drop.
func Direction(z float64) string {
	if z < 0 {
		return "drop"
	}
	return "spike"
}

// TrendResult describes how a series moved between its first and
// second half.
type TrendResult struct {
	Direction     string  `json:"direction"`
	ChangePercent float64 `json:"change_percent"`
}

// Trend splits the series at the floor-of-length midpoint and compares
// the half averages. Movements within ±5% are reported as stable. A
// zero first-half average makes the percentage undefined, reported as
// insufficient data.
func Trend(series []float64) TrendResult {
	if len(series) < 2 {
		return TrendResult{Direction: TrendInsufficient}
	}

	mid := len(series) / 2
	firstAvg := Mean(series[:mid])
	secondAvg := Mean(series[mid:])
	if firstAvg == 0 {
		return TrendResult{Direction: TrendInsufficient}
	}

	change := (secondAvg - firstAvg) / firstAvg * 100
	direction := TrendStable
	if change > 5 {
		direction = TrendIncreasing
	} else if change < -5 {
		direction = TrendDecreasing
	}
	return TrendResult{Direction: direction, ChangePercent: change}
}
