package cli_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterlab/ammeter-pu/pkg/cli"
	"github.com/meterlab/ammeter-pu/pkg/entities"
)

func writeReadings(t *testing.T) string {
	t.Helper()

	var builder strings.Builder

	builder.WriteString("meter_id,line,timestamp,value\n")

	for i := 0; i < 40; i++ {
		timestamp := int64(1_700_000_000_000) + int64(i)*15*60*1000
		value := 10.0 + float64(i%2)

		spike := value
		if i == 20 {
			spike = 30
		}

		fmt.Fprintf(&builder, "m1,L1,%d,%g\n", timestamp, spike)
		fmt.Fprintf(&builder, "m2,L1,%d,%g\n", timestamp, value)
	}

	path := filepath.Join(t.TempDir(), "readings.csv")
	require.NoError(t, os.WriteFile(path, []byte(builder.String()), 0o600))

	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := cli.RootCommand("0.1.0")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return out.String(), err
}

func TestDetectCommand(t *testing.T) {
	path := writeReadings(t)

	testCases := []struct {
		name       string
		args       []string
		candidates int
	}{
		{"defaults", nil, 1},
		{"strict peers", []string{"--peer-threshold", "100"}, 0},
		{"peers disabled", []string{"--peer-window", "0s", "--peer-threshold", "100"}, 1},
		{"high threshold", []string{"--z-score", "1000"}, 0},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"detect", path, "--log-level", "error"}, testCase.args...)...)
			require.NoError(t, err)

			var preview entities.DetectionPreview
			require.NoError(t, json.Unmarshal([]byte(out), &preview), out)
			require.Len(t, preview.Result.Candidates, testCase.candidates)

			if testCase.candidates > 0 {
				assert.Equal(t, "m1", preview.Result.Candidates[0].MeterID)
			}
		})
	}
}

func TestDetectCommandErrors(t *testing.T) {
	path := writeReadings(t)

	_, err := execute(t, "detect", path, "--z-score", "-1")
	require.ErrorContains(t, err, "z_score_threshold")

	_, err = execute(t, "detect", filepath.Join(t.TempDir(), "missing.csv"))
	require.ErrorContains(t, err, "failed to open readings")

	_, err = execute(t, "detect", path, "--log-level", "loud")
	require.ErrorContains(t, err, "logging.level")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "0.1.0\n", out)
}
