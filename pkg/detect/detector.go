// Package detect finds anomalous consumption spikes in meter time series.
//
// A reading is flagged when it is far above the trailing baseline of its own
// meter (z-score and relative spike) and, when peers are known, clearly above
// what the other meters of the same line recorded around the same time.
// Flagged readings of one meter are merged into candidate windows when they are
// close enough in time.
//
// The output depends only on the set of readings and the Config: readings are
// de-duplicated and sorted before scoring, so the input order never matters.
package detect

import (
	"fmt"
	"math"
	"sort"
)

const (
	stdFloor  = 1e-9
	maxZScore = 1000
)

// Point is one reading of one meter. Timestamp is in epoch milliseconds.
type Point struct {
	MeterID   string
	Line      string
	Timestamp int64
	Value     float64
}

// Candidate is a merged window of flagged readings on a single meter.
type Candidate struct {
	MeterID      string   `json:"meter_id"`
	Line         string   `json:"line"`
	StartTime    int64    `json:"start_time"`
	EndTime      int64    `json:"end_time"`
	PointCount   int      `json:"point_count"`
	PeakValue    float64  `json:"peak_value"`
	BaselineMean float64  `json:"baseline_mean"`
	BaselineStd  float64  `json:"baseline_std"`
	PeerRatio    *float64 `json:"peer_ratio"`
	Score        float64  `json:"score"`
}

// Overlaps reports whether both candidates are on the same meter and their
// windows intersect.
func (c Candidate) Overlaps(meterID string, start, end int64) bool {
	return c.MeterID == meterID && c.StartTime <= end && start <= c.EndTime
}

type Result struct {
	Candidates     []Candidate `json:"candidates"`
	Meters         int         `json:"meters"`
	Points         int         `json:"points"`
	Flagged        int         `json:"flagged"`
	PeerSuppressed int         `json:"peer_suppressed"`
}

type series struct {
	meterID string
	line    string
	times   []int64
	values  []float64
}

type flaggedPoint struct {
	index     int
	z         float64
	mean      float64
	std       float64
	peerRatio *float64
}

// Detect runs candidate detection over points.
func Detect(points []Point, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detection config: %w", err)
	}

	allSeries := normalize(points)
	byLine := make(map[string][]*series)

	total := 0
	for _, s := range allSeries {
		total += len(s.times)
		if s.line != "" {
			byLine[s.line] = append(byLine[s.line], s)
		}
	}

	result := &Result{
		Candidates: make([]Candidate, 0),
		Meters:     len(allSeries),
		Points:     total,
	}

	for _, s := range allSeries {
		flagged, suppressed := flagSeries(s, byLine[s.line], cfg)
		result.Flagged += len(flagged)
		result.PeerSuppressed += suppressed
		result.Candidates = append(result.Candidates, mergeFlagged(s, flagged, cfg)...)
	}

	sort.SliceStable(result.Candidates, func(i, j int) bool {
		a, b := result.Candidates[i], result.Candidates[j]
		if a.MeterID != b.MeterID {
			return a.MeterID < b.MeterID
		}

		return a.StartTime < b.StartTime
	})

	return result, nil
}

type pointKey struct {
	meterID   string
	timestamp int64
}

// normalize drops non-finite values, keeps the largest value per
// (meter, timestamp) and returns one time-ordered series per meter, ordered by
// meter ID. A meter's line is the smallest non-empty line seen for it.
func normalize(points []Point) []*series {
	best := make(map[pointKey]float64, len(points))
	lines := make(map[string]string)

	for _, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) || p.MeterID == "" {
			continue
		}

		key := pointKey{p.MeterID, p.Timestamp}
		if current, ok := best[key]; !ok || p.Value > current {
			best[key] = p.Value
		}

		if line, ok := lines[p.MeterID]; !ok || (p.Line != "" && (line == "" || p.Line < line)) {
			lines[p.MeterID] = p.Line
		}
	}

	keys := make([]pointKey, 0, len(best))
	for key := range best {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].meterID != keys[j].meterID {
			return keys[i].meterID < keys[j].meterID
		}

		return keys[i].timestamp < keys[j].timestamp
	})

	out := make([]*series, 0, len(lines))

	var current *series

	for _, key := range keys {
		if current == nil || current.meterID != key.meterID {
			current = &series{meterID: key.meterID, line: lines[key.meterID]}
			out = append(out, current)
		}

		current.times = append(current.times, key.timestamp)
		current.values = append(current.values, best[key])
	}

	return out
}

func flagSeries(s *series, lineSeries []*series, cfg Config) ([]flaggedPoint, int) {
	flagged := make([]flaggedPoint, 0)
	suppressed := 0

	for i := cfg.MinBaselinePoints; i < len(s.values); i++ {
		lo := i - cfg.BaselineWindow
		if lo < 0 {
			lo = 0
		}

		mean, std := meanStd(s.values[lo:i])
		value := s.values[i]
		z := zScore(value, mean, std)

		if z < cfg.ZScoreThreshold || value-mean < cfg.SpikePercentage*math.Abs(mean) {
			continue
		}

		point := flaggedPoint{index: i, z: z, mean: mean, std: std}

		if cfg.PeerWindow.Duration > 0 && s.line != "" {
			ratio, pass := peerCheck(s, lineSeries, s.times[i], value, cfg)
			if !pass {
				suppressed++
				continue
			}

			point.peerRatio = ratio
		}

		flagged = append(flagged, point)
	}

	return flagged, suppressed
}

// peerCheck compares value against the median of the other meters of the same
// line within the peer window. The ratio is nil when it is undefined.
func peerCheck(s *series, lineSeries []*series, timestamp int64, value float64, cfg Config) (*float64, bool) {
	window := cfg.PeerWindow.Milliseconds()
	peerValues := make([]float64, 0)

	for _, peer := range lineSeries {
		if peer.meterID == s.meterID {
			continue
		}

		start := sort.Search(len(peer.times), func(i int) bool {
			return peer.times[i] >= timestamp-window
		})

		for j := start; j < len(peer.times) && peer.times[j] <= timestamp+window; j++ {
			peerValues = append(peerValues, peer.values[j])
		}
	}

	if len(peerValues) == 0 {
		return nil, true
	}

	peerMedian := median(peerValues)
	if peerMedian == 0 {
		return nil, value > 0
	}

	ratio := (value - peerMedian) / math.Abs(peerMedian)

	return &ratio, ratio >= cfg.PeerThreshold
}

func mergeFlagged(s *series, flagged []flaggedPoint, cfg Config) []Candidate {
	candidates := make([]Candidate, 0)
	maxGap := cfg.MaxGap.Milliseconds()

	for start := 0; start < len(flagged); {
		end := start + 1
		for end < len(flagged) && s.times[flagged[end].index]-s.times[flagged[end-1].index] <= maxGap {
			end++
		}

		if candidate, ok := buildCandidate(s, flagged[start:end], cfg); ok {
			candidates = append(candidates, candidate)
		}

		start = end
	}

	return candidates
}

func buildCandidate(s *series, group []flaggedPoint, cfg Config) (Candidate, bool) {
	first, last := group[0], group[len(group)-1]
	startTime, endTime := s.times[first.index], s.times[last.index]

	if len(group) < cfg.MinPoints || endTime-startTime < cfg.MinDuration.Milliseconds() {
		return Candidate{}, false
	}

	peak := first
	score := first.z

	for _, point := range group[1:] {
		if s.values[point.index] > s.values[peak.index] {
			peak = point
		}

		score = math.Max(score, point.z)
	}

	return Candidate{
		MeterID:      s.meterID,
		Line:         s.line,
		StartTime:    startTime,
		EndTime:      endTime,
		PointCount:   len(group),
		PeakValue:    s.values[peak.index],
		BaselineMean: peak.mean,
		BaselineStd:  peak.std,
		PeerRatio:    peak.peerRatio,
		Score:        score,
	}, true
}
