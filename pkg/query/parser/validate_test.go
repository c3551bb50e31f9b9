package parser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterlab/ammeter-pu/pkg/query"
	"github.com/meterlab/ammeter-pu/pkg/query/parser"
)

func TestValidFilters(t *testing.T) {
	t.Parallel()

	samples := []string{
		"score > 3",
		"events.peak_value >= 10 AND baseline_std < 0.5",
		"attributes.point_count = 2",
		"status = 'LABELED_POSITIVE'",
		"status IN ('UNREVIEWED', 'UNCERTAIN')",
		"meter.name ILIKE '%feeder%'",
		"meters.location = 'building 7' AND line != 'L2'",
		"note LIKE 'fridge%'",
		"event_id = 'a1b2'",
	}

	for _, sample := range samples {
		sample := sample

		t.Run(sample, func(t *testing.T) {
			t.Parallel()

			_, err := query.ParseFilter(sample)
			require.NoError(t, err)
		})
	}
}

func TestInvalidFilters(t *testing.T) {
	t.Parallel()

	samples := []string{
		"score > '3'",
		"score LIKE '3%'",
		"note > 'a'",
		"note = 3",
		"meter.voltage = 'x'",
		"runs.score > 1",
		"status = 'DONE'",
		"status IN ('LABELED_POSITIVE', 'MAYBE')",
		"unknown_key = 'x'",
	}

	for _, sample := range samples {
		sample := sample

		t.Run(sample, func(t *testing.T) {
			t.Parallel()

			_, err := query.ParseFilter(sample)
			require.Error(t, err)
		})
	}
}

func TestValidatedColumns(t *testing.T) {
	exprs, err := query.ParseFilter("event_id = 'e1' AND meter.name = 'north' AND score >= 2")
	require.NoError(t, err)
	require.Len(t, exprs, 3)

	assert.Equal(t, &parser.ValidCompareExpr{
		Identifier: parser.Event, Key: "id", Operator: parser.Equals, Value: "e1",
	}, exprs[0])
	assert.Equal(t, &parser.ValidCompareExpr{
		Identifier: parser.Meter, Key: "name", Operator: parser.Equals, Value: "north",
	}, exprs[1])
	assert.Equal(t, &parser.ValidCompareExpr{
		Identifier: parser.Event, Key: "score", Operator: parser.GreaterEquals, Value: 2.0,
	}, exprs[2])

	empty, err := query.ParseFilter("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
