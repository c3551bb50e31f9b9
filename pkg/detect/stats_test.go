package detect

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeanStd(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		values []float64
		mean   float64
		std    float64
	}{
		{"empty", nil, 0, 0},
		{"single", []float64{7}, 7, 0},
		{"flat", []float64{3, 3, 3}, 3, 0},
		{"sample deviation", []float64{1, 2, 3, 4}, 2.5, math.Sqrt(5.0 / 3)},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			mean, std := meanStd(testCase.values)
			assert.InDelta(t, testCase.mean, mean, 1e-12)
			assert.InDelta(t, testCase.std, std, 1e-12)
		})
	}
}

func TestMedian(t *testing.T) {
	t.Parallel()

	assert.True(t, math.IsNaN(median(nil)))
	assert.InDelta(t, 5.0, median([]float64{9, 5, 1}), 1e-12)
	assert.InDelta(t, 4.0, median([]float64{9, 5, 3, 1}), 1e-12)
}
