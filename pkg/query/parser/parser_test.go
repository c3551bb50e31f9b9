package parser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterlab/ammeter-pu/pkg/query/lexer"
	"github.com/meterlab/ammeter-pu/pkg/query/parser"
)

func parse(t *testing.T, input string) (*parser.AndExpr, error) {
	t.Helper()

	tokens, err := lexer.Tokenize(&input)
	require.NoError(t, err)

	return parser.Parse(tokens)
}

func TestParse(t *testing.T) {
	samples := []struct {
		input    string
		expected []*parser.CompareExpr
	}{
		{
			input: "score > 4.5",
			expected: []*parser.CompareExpr{
				{Left: parser.Identifier{Key: "score"}, Operator: parser.Greater, Right: parser.NumberExpr{Value: 4.5}},
			},
		},
		{
			input: "meter.\"name\" LIKE 'north%' AND start_time >= 1700000000000",
			expected: []*parser.CompareExpr{
				{
					Left:     parser.Identifier{Identifier: "meter", Key: "name"},
					Operator: parser.Like,
					Right:    parser.StringExpr{Value: "north%"},
				},
				{
					Left:     parser.Identifier{Key: "start_time"},
					Operator: parser.GreaterEquals,
					Right:    parser.NumberExpr{Value: 1700000000000},
				},
			},
		},
		{
			input: "events.status NOT IN ('UNREVIEWED', 'UNCERTAIN')",
			expected: []*parser.CompareExpr{
				{
					Left:     parser.Identifier{Identifier: "events", Key: "status"},
					Operator: parser.NotIn,
					Right:    parser.StringListExpr{Values: []string{"UNREVIEWED", "UNCERTAIN"}},
				},
			},
		},
		{
			input: "line IN ('L1') AND note != \"\"",
			expected: []*parser.CompareExpr{
				{
					Left:     parser.Identifier{Key: "line"},
					Operator: parser.In,
					Right:    parser.StringListExpr{Values: []string{"L1"}},
				},
				{Left: parser.Identifier{Key: "note"}, Operator: parser.NotEquals, Right: parser.StringExpr{Value: ""}},
			},
		},
	}

	for _, sample := range samples {
		t.Run(sample.input, func(t *testing.T) {
			ast, err := parse(t, sample.input)
			require.NoError(t, err)
			assert.Equal(t, &parser.AndExpr{Exprs: sample.expected}, ast)
		})
	}
}

func TestParseInvalidSyntax(t *testing.T) {
	samples := []string{
		"status IS 'LABELED_POSITIVE'",
		"score >",
		"score > 1 AND",
		"score > 1 score < 2",
		"line IN ()",
		"line IN ('L1' 'L2')",
		"line NOT 'L1'",
		"> 3",
	}

	for _, sample := range samples {
		t.Run(sample, func(t *testing.T) {
			_, err := parse(t, sample)
			require.Error(t, err)
		})
	}
}
