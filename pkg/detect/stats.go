package detect

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// meanStd returns the mean and the Bessel-corrected standard deviation.
func meanStd(values []float64) (float64, float64) {
	switch len(values) {
	case 0:
		return 0, 0
	case 1:
		return values[0], 0
	}

	return stat.MeanStdDev(values, nil)
}

// median sorts values in place. Even counts average the two middle values,
// which stat.Quantile does not do.
func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}

	sort.Float64s(values)

	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}

	return (values[mid-1] + values[mid]) / 2 //nolint:mnd
}

func zScore(value, mean, std float64) float64 {
	z := (value - mean) / math.Max(std, stdFloor)

	return math.Max(-maxZScore, math.Min(maxZScore, z))
}
