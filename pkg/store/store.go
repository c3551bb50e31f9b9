package store

import (
	"context"

	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/entities"
)

type MeterStore interface {
	CreateMeter(ctx context.Context, meter *entities.Meter) (*entities.Meter, *contract.Error)
	GetMeter(ctx context.Context, id string) (*entities.Meter, *contract.Error)
	// ListMeters returns every meter, or only the meters on one of lines.
	ListMeters(ctx context.Context, lines []string) ([]*entities.Meter, *contract.Error)
	// EnsureMeters registers the ids that are not known yet and returns them.
	EnsureMeters(ctx context.Context, ids []string) ([]string, *contract.Error)
	MissingMeters(ctx context.Context, ids []string) ([]string, *contract.Error)

	// IngestReadings upserts readings on (meter_id, timestamp).
	IngestReadings(ctx context.Context, readings []entities.Reading) (int64, *contract.Error)
	// QueryReadings returns readings in [start, end) ordered by meter and time.
	QueryReadings(ctx context.Context, meterIDs []string, start, end int64) ([]entities.Reading, *contract.Error)
}

type ExperimentStore interface {
	CreateExperiment(ctx context.Context, name, description string) (*entities.Experiment, *contract.Error)
	GetExperiment(ctx context.Context, id string) (*entities.Experiment, *contract.Error)
	ListExperiments(ctx context.Context, viewType entities.ViewType) ([]*entities.Experiment, *contract.Error)
	// DeleteExperiment marks the experiment deleted and archives its datasets.
	DeleteExperiment(ctx context.Context, id string) *contract.Error
}

type DatasetStore interface {
	// CreateDataset stores the dataset with the next version of its experiment
	// together with its events in a single transaction.
	CreateDataset(
		ctx context.Context, dataset *entities.AnalysisDataset, events []*entities.AnomalyEvent,
	) (*entities.AnalysisDataset, *contract.Error)
	// GetDataset returns the dataset with its per-status event counts.
	GetDataset(ctx context.Context, id string) (*entities.AnalysisDataset, *contract.Error)
	ListDatasets(ctx context.Context, experimentID string) ([]*entities.AnalysisDataset, *contract.Error)
	UpdateDatasetStatus(
		ctx context.Context, id string, status entities.DatasetStatus,
	) (*entities.AnalysisDataset, *contract.Error)
}

type EventStore interface {
	GetEvent(ctx context.Context, id string) (*entities.AnomalyEvent, *contract.Error)
	SearchEvents(
		ctx context.Context,
		datasetID string,
		filter string,
		maxResults int,
		orderBy []string,
		pageToken string,
	) (*entities.PagedList[*entities.AnomalyEvent], *contract.Error)
	// LabelEvent changes the status and/or note of one event.
	LabelEvent(
		ctx context.Context, id string, status *entities.EventStatus, note *string,
	) (*entities.AnomalyEvent, *contract.Error)
	LabelEvents(
		ctx context.Context, datasetID string, ids []string, status entities.EventStatus,
	) (int64, *contract.Error)
	ListEvents(ctx context.Context, datasetID string) ([]*entities.AnomalyEvent, *contract.Error)
}

// ModelUpdate carries the optional fields written with a model transition.
type ModelUpdate struct {
	Metrics      map[string]float64
	ArtifactPath *string
	ErrorMessage *string
}

type ModelStore interface {
	CreateModel(ctx context.Context, model *entities.TrainedModel) (*entities.TrainedModel, *contract.Error)
	GetModel(ctx context.Context, id string) (*entities.TrainedModel, *contract.Error)
	ListModels(
		ctx context.Context, datasetID string, status entities.ModelStatus,
	) ([]*entities.TrainedModel, *contract.Error)
	TransitionModel(
		ctx context.Context, id string, status entities.ModelStatus, update ModelUpdate,
	) (*entities.TrainedModel, *contract.Error)
	// FailInterruptedModels marks models left PENDING or RUNNING by a previous
	// process as FAILED.
	FailInterruptedModels(ctx context.Context, message string) (int64, *contract.Error)
}

type Store interface {
	MeterStore
	ExperimentStore
	DatasetStore
	EventStore
	ModelStore
	Close() error
}
