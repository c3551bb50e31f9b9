package entities

import (
	"regexp"

	"github.com/meterlab/ammeter-pu/pkg/detect"
)

const maxIdentifierLength = 128

// Meter IDs end up in MQTT topics and URLs.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// IsIdentifier reports whether id can name a meter.
func IsIdentifier(id string) bool {
	return len(id) <= maxIdentifierLength && identifierPattern.MatchString(id)
}

type Meter struct {
	ID           string `json:"meter_id"`
	Name         string `json:"name"`
	Line         string `json:"line"`
	Location     string `json:"location"`
	CreationTime int64  `json:"creation_time"`
}

// Reading is a single meter sample. Timestamp is in epoch milliseconds.
type Reading struct {
	MeterID   string  `json:"meter_id"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type Experiment struct {
	ID             string         `json:"experiment_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	LifecycleStage LifecycleStage `json:"lifecycle_stage"`
	CreationTime   int64          `json:"creation_time"`
	LastUpdateTime int64          `json:"last_update_time"`
}

type AnalysisDataset struct {
	ID             string                `json:"dataset_id"`
	ExperimentID   string                `json:"experiment_id"`
	Version        int32                 `json:"version"`
	Name           string                `json:"name"`
	Status         DatasetStatus         `json:"status"`
	Config         detect.Config         `json:"config"`
	MeterIDs       []string              `json:"meter_ids"`
	StartTime      int64                 `json:"start_time"`
	EndTime        int64                 `json:"end_time"`
	InheritedFrom  string                `json:"inherited_from,omitempty"`
	CandidateCount int64                 `json:"candidate_count"`
	StatusCounts   map[EventStatus]int64 `json:"status_counts,omitempty"`
	CreationTime   int64                 `json:"creation_time"`
	LastUpdateTime int64                 `json:"last_update_time"`
}

type AnomalyEvent struct {
	ID           string      `json:"event_id"`
	DatasetID    string      `json:"dataset_id"`
	MeterID      string      `json:"meter_id"`
	Line         string      `json:"line"`
	StartTime    int64       `json:"start_time"`
	EndTime      int64       `json:"end_time"`
	PointCount   int32       `json:"point_count"`
	PeakValue    float64     `json:"peak_value"`
	BaselineMean float64     `json:"baseline_mean"`
	BaselineStd  float64     `json:"baseline_std"`
	PeerRatio    *float64    `json:"peer_ratio"`
	Score        float64     `json:"score"`
	Status       EventStatus `json:"status"`
	Note         string      `json:"note"`
	ReviewedTime *int64      `json:"reviewed_time"`
}

type TrainedModel struct {
	ID           string             `json:"model_id"`
	DatasetID    string             `json:"dataset_id"`
	Name         string             `json:"name"`
	Status       ModelStatus        `json:"status"`
	Config       map[string]any     `json:"config"`
	Metrics      map[string]float64 `json:"metrics"`
	ArtifactPath string             `json:"artifact_path"`
	ErrorMessage string             `json:"error_message"`
	CreationTime int64              `json:"creation_time"`
	StartTime    *int64             `json:"start_time"`
	EndTime      *int64             `json:"end_time"`
}

type PagedList[T any] struct {
	Items         []T     `json:"items"`
	NextPageToken *string `json:"next_page_token,omitempty"`
}
