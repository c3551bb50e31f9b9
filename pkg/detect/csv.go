package detect

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var errMissingColumn = errors.New("missing required column")

// ParseCSV reads readings from CSV with a header row naming the columns
// meter_id, timestamp and value, plus an optional line column. Timestamps are
// epoch milliseconds or RFC 3339.
func ParseCSV(r io.Reader) ([]Point, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}

	for _, required := range []string{"meter_id", "timestamp", "value"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("%w %q", errMissingColumn, required)
		}
	}

	lineColumn, hasLine := columns["line"]
	points := make([]Point, 0)

	for row := 2; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read csv row %d: %w", row, err)
		}

		timestamp, err := ParseTimestamp(record[columns["timestamp"]])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}

		value, err := strconv.ParseFloat(strings.TrimSpace(record[columns["value"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid value %q: %w", row, record[columns["value"]], err)
		}

		point := Point{
			MeterID:   strings.TrimSpace(record[columns["meter_id"]]),
			Timestamp: timestamp,
			Value:     value,
		}
		if hasLine {
			point.Line = strings.TrimSpace(record[lineColumn])
		}

		points = append(points, point)
	}

	return points, nil
}

// ParseTimestamp accepts epoch milliseconds or an RFC 3339 time.
func ParseTimestamp(value string) (int64, error) {
	value = strings.TrimSpace(value)

	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return ms, nil
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: expected epoch milliseconds or RFC 3339", value)
	}

	return t.UnixMilli(), nil
}
