package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/dataset"
	"github.com/meterlab/ammeter-pu/pkg/detect"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/store"
	"github.com/meterlab/ammeter-pu/pkg/training"
	"github.com/meterlab/ammeter-pu/pkg/utils"
)

const defaultMaxResults = 100

func (s *Service) CreateExperiment(
	ctx context.Context, input *entities.CreateExperiment,
) (*entities.Experiment, *contract.Error) {
	return s.store.CreateExperiment(ctx, input.Name, input.Description)
}

func (s *Service) GetExperiment(ctx context.Context, id string) (*entities.Experiment, *contract.Error) {
	return s.store.GetExperiment(ctx, id)
}

func (s *Service) ListExperiments(
	ctx context.Context, input *entities.ListExperiments,
) ([]*entities.Experiment, *contract.Error) {
	viewType := input.ViewType
	if viewType == "" {
		viewType = entities.ViewTypeActiveOnly
	}

	return s.store.ListExperiments(ctx, viewType)
}

func (s *Service) DeleteExperiment(ctx context.Context, id string) *contract.Error {
	return s.store.DeleteExperiment(ctx, id)
}

// CreateDataset runs the detector over the requested readings and stores the
// candidates as a new version of the experiment's analysis datasets.
func (s *Service) CreateDataset(
	ctx context.Context, experimentID string, input *entities.CreateDataset,
) (*entities.AnalysisDataset, *contract.Error) {
	experiment, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	if experiment.LifecycleStage != entities.LifecycleStageActive {
		return nil, contract.NewError(
			contract.ErrorCodeInvalidState,
			"cannot add datasets to deleted Experiment(id="+experimentID+")",
		)
	}

	var inherited []*entities.AnomalyEvent

	if input.InheritLabelsFrom != "" {
		if _, err := s.store.GetDataset(ctx, input.InheritLabelsFrom); err != nil {
			return nil, err
		}

		inherited, err = s.store.ListEvents(ctx, input.InheritLabelsFrom)
		if err != nil {
			return nil, err
		}
	}

	run, err := s.runDetection(ctx, &input.DetectionRequest)
	if err != nil {
		return nil, err
	}

	events := make([]*entities.AnomalyEvent, 0, len(run.result.Candidates))
	copied := 0

	for _, candidate := range run.result.Candidates {
		event := &entities.AnomalyEvent{
			MeterID:      candidate.MeterID,
			Line:         candidate.Line,
			StartTime:    candidate.StartTime,
			EndTime:      candidate.EndTime,
			PointCount:   int32(candidate.PointCount), //nolint:gosec
			PeakValue:    candidate.PeakValue,
			BaselineMean: candidate.BaselineMean,
			BaselineStd:  candidate.BaselineStd,
			PeerRatio:    candidate.PeerRatio,
			Score:        candidate.Score,
			Status:       entities.EventStatusUnreviewed,
		}

		if previous := findLabel(inherited, candidate); previous != nil {
			event.Status = previous.Status
			event.Note = previous.Note
			event.ReviewedTime = previous.ReviewedTime
			copied++
		}

		events = append(events, event)
	}

	created, err := s.store.CreateDataset(ctx, &entities.AnalysisDataset{
		ExperimentID:  experimentID,
		Name:          input.Name,
		Config:        run.config,
		MeterIDs:      run.meterIDs,
		StartTime:     input.StartTime,
		EndTime:       input.EndTime,
		InheritedFrom: input.InheritLabelsFrom,
	}, events)
	if err != nil {
		return nil, err
	}

	logrus.Infof(
		"Created AnalysisDataset(id=%s, version=%d) with %d candidates, %d labels inherited",
		created.ID, created.Version, len(events), copied,
	)

	return created, nil
}

// findLabel returns the first reviewed event overlapping candidate.
func findLabel(events []*entities.AnomalyEvent, candidate detect.Candidate) *entities.AnomalyEvent {
	for _, event := range events {
		if event.Status == entities.EventStatusUnreviewed {
			continue
		}

		if candidate.Overlaps(event.MeterID, event.StartTime, event.EndTime) {
			return event
		}
	}

	return nil
}

func (s *Service) GetDataset(ctx context.Context, id string) (*entities.AnalysisDataset, *contract.Error) {
	return s.store.GetDataset(ctx, id)
}

func (s *Service) ListDatasets(ctx context.Context, experimentID string) ([]*entities.AnalysisDataset, *contract.Error) {
	return s.store.ListDatasets(ctx, experimentID)
}

func (s *Service) UpdateDatasetStatus(
	ctx context.Context, id string, input *entities.UpdateDatasetStatus,
) (*entities.AnalysisDataset, *contract.Error) {
	return s.store.UpdateDatasetStatus(ctx, id, input.Status)
}

func (s *Service) SearchEvents(
	ctx context.Context, datasetID string, input *entities.SearchEvents,
) (*entities.PagedList[*entities.AnomalyEvent], *contract.Error) {
	maxResults := input.MaxResults
	if maxResults == 0 {
		maxResults = defaultMaxResults
	}

	return s.store.SearchEvents(ctx, datasetID, input.Filter, maxResults, input.OrderBy, input.PageToken)
}

func (s *Service) GetEvent(ctx context.Context, id string) (*entities.AnomalyEvent, *contract.Error) {
	return s.store.GetEvent(ctx, id)
}

func (s *Service) LabelEvent(
	ctx context.Context, id string, input *entities.LabelEvent,
) (*entities.AnomalyEvent, *contract.Error) {
	return s.store.LabelEvent(ctx, id, input.Status, input.Note)
}

func (s *Service) LabelEvents(
	ctx context.Context, datasetID string, input *entities.LabelEvents,
) (*entities.LabelEventsResult, *contract.Error) {
	updated, err := s.store.LabelEvents(ctx, datasetID, input.EventIDs, input.Status)
	if err != nil {
		return nil, err
	}

	return &entities.LabelEventsResult{Updated: updated}, nil
}

func (s *Service) puOptions(input *entities.PUOptions) dataset.Options {
	options := dataset.Options{
		UnlabeledRatio:     s.config.Training.UnlabeledRatio,
		ValidationFraction: s.config.Training.ValidationFrac,
		Seed:               s.config.Training.DefaultSeed,
	}

	if input == nil {
		return options
	}

	if input.UnlabeledRatio != nil {
		options.UnlabeledRatio = *input.UnlabeledRatio
	}

	if input.ValidationFraction != nil {
		options.ValidationFraction = *input.ValidationFraction
	}

	if input.Seed != nil {
		options.Seed = *input.Seed
	}

	return options
}

// ExportDataset builds the PU split of a dataset as it stands now.
func (s *Service) ExportDataset(
	ctx context.Context, id string, input *entities.PUOptions,
) (*dataset.Set, *contract.Error) {
	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}

	set, buildErr := dataset.BuildFrom(events, s.puOptions(input))
	if buildErr != nil {
		return nil, contract.NewErrorWith(contract.ErrorCodeInvalidParameterValue, "invalid export options", buildErr)
	}

	return set, nil
}

// SubmitTraining creates a PENDING model for a COMPLETED dataset and queues
// it. A model the runner refuses is marked FAILED.
func (s *Service) SubmitTraining(
	ctx context.Context, datasetID string, input *entities.SubmitTraining,
) (*entities.TrainedModel, *contract.Error) {
	analysis, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	if analysis.Status != entities.DatasetStatusCompleted {
		return nil, contract.NewError(
			contract.ErrorCodeInvalidState,
			"AnalysisDataset(id="+datasetID+") must be COMPLETED to train, it is "+string(analysis.Status),
		)
	}

	options := s.puOptions(&input.PUOptions)
	if err := options.Validate(); err != nil {
		return nil, contract.NewErrorWith(contract.ErrorCodeInvalidParameterValue, "invalid training options", err)
	}

	name := input.Name
	if name == "" {
		name = "model-" + time.Now().UTC().Format("20060102T150405")
	}

	trained, err := s.store.CreateModel(ctx, &entities.TrainedModel{
		DatasetID: datasetID,
		Name:      name,
		Config:    training.ConfigFromOptions(options),
	})
	if err != nil {
		return nil, err
	}

	if err := s.trainer.Submit(trained.ID); err != nil {
		if _, failErr := s.store.TransitionModel(ctx, trained.ID, entities.ModelStatusFailed, store.ModelUpdate{
			ErrorMessage: utils.PtrTo(err.Message),
		}); failErr != nil {
			logrus.Errorf("Failed to mark rejected TrainedModel(id=%s) failed: %v", trained.ID, failErr)
		}

		return nil, err
	}

	return trained, nil
}

func (s *Service) GetModel(ctx context.Context, id string) (*entities.TrainedModel, *contract.Error) {
	return s.store.GetModel(ctx, id)
}

func (s *Service) ListModels(
	ctx context.Context, input *entities.ListModels,
) ([]*entities.TrainedModel, *contract.Error) {
	return s.store.ListModels(ctx, input.DatasetID, input.Status)
}

func (s *Service) CancelTraining(ctx context.Context, id string) (*entities.TrainedModel, *contract.Error) {
	return s.trainer.Cancel(ctx, id)
}
