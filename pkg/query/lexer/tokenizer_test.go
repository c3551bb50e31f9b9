package lexer_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterlab/ammeter-pu/pkg/query/lexer"
)

func debug(tokens []lexer.Token) string {
	parts := make([]string, 0, len(tokens))
	for _, token := range tokens {
		parts = append(parts, token.Debug())
	}

	return strings.Join(parts, " ")
}

func TestTokenize(t *testing.T) {
	samples := []struct {
		input    string
		expected string
	}{
		{
			input:    "score > 4.5",
			expected: "identifier(score) greater number(4.5) eof",
		},
		{
			input:    "events.peak_value >= 1e3 AND baseline_mean < -2",
			expected: "identifier(events) dot identifier(peak_value) greater_equals number(1e3) and identifier(baseline_mean) less number(-2) eof",
		},
		{
			input:    "meter.\"name\" = 'north feeder'",
			expected: "identifier(meter) dot string(\"name\") equals string('north feeder') eof",
		},
		{
			input:    "note ILIKE \"%fridge%\"",
			expected: "identifier(note) ilike string(\"%fridge%\") eof",
		},
		{
			input:    "status NOT IN ('UNREVIEWED', 'UNCERTAIN')",
			expected: "identifier(status) not in open_paren string('UNREVIEWED') comma string('UNCERTAIN') close_paren eof",
		},
		{
			input:    "line <> `L1`",
			expected: "identifier(line) not_equals string(`L1`) eof",
		},
	}

	for _, sample := range samples {
		t.Run(sample.input, func(t *testing.T) {
			tokens, err := lexer.Tokenize(&sample.input)
			require.NoError(t, err)
			assert.Equal(t, sample.expected, debug(tokens))
		})
	}
}

func TestTokenizeInvalidInput(t *testing.T) {
	samples := []string{
		"meter.'name = 'x'",
		"note = 'open",
		"note = open'",
		"note = \"mixed'",
		"score ~ 3",
	}

	for _, sample := range samples {
		t.Run(sample, func(t *testing.T) {
			_, err := lexer.Tokenize(&sample)
			require.Error(t, err)
		})
	}
}
