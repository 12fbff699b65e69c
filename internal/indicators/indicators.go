// Package indicators holds pure indicator functions over a close series ordered
// oldest to newest.
package indicators

import "errors"

var (
	ErrInvalidPeriod = errors.New("period must be positive")
	ErrNotEnoughData = errors.New("not enough data for indicator")
)

// SMA is the mean of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(values) < period {
		return 0, ErrNotEnoughData
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// RSI is Wilder's relative strength index of the series, seeded with a simple
// average over the first period changes and smoothed over the rest. It needs
// period+1 values.
func RSI(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(values) < period+1 {
		return 0, ErrNotEnoughData
	}

	gain, loss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		g, l := split(values[i] - values[i-1])
		gain += g
		loss += l
	}
	avgG := gain / float64(period)
	avgL := loss / float64(period)

	n := float64(period)
	for i := period + 1; i < len(values); i++ {
		g, l := split(values[i] - values[i-1])
		avgG = (avgG*(n-1) + g) / n
		avgL = (avgL*(n-1) + l) / n
	}

	switch {
	case avgG == 0 && avgL == 0:
		return 50, nil
	case avgL == 0:
		return 100, nil
	}
	rs := avgG / avgL
	return 100 - 100/(1+rs), nil
}

// MinSamples is how many closes SMA(smaPeriod) and RSI(rsiPeriod) need together.
func MinSamples(smaPeriod, rsiPeriod int) int {
	return max(smaPeriod, rsiPeriod+1)
}

func split(delta float64) (gain, loss float64) {
	if delta >= 0 {
		return delta, 0
	}
	return 0, -delta
}
