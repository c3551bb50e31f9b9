package sql

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/store/sql/model"
)

// EventID derives the id of the event of a dataset starting at start on a
// meter. Re-running a detection into the same dataset yields the same ids.
func EventID(datasetID uuid.UUID, meterID string, start int64) string {
	return uuid.NewSHA1(datasetID, []byte(meterID+"/"+strconv.FormatInt(start, 10))).String()
}

func datasetNotFound(id string) *contract.Error {
	return contract.NewError(
		contract.ErrorCodeResourceDoesNotExist,
		fmt.Sprintf("No AnalysisDataset with id=%s exists", id),
	)
}

func (s *Store) CreateDataset(
	ctx context.Context, dataset *entities.AnalysisDataset, events []*entities.AnomalyEvent,
) (*entities.AnalysisDataset, *contract.Error) {
	experimentID, contractError := parseExperimentID(dataset.ExperimentID)
	if contractError != nil {
		return nil, contractError
	}

	datasetUUID := uuid.New()
	now := time.Now().UnixMilli()

	var row model.Dataset

	if err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		experiment, err := s.getExperiment(transaction, experimentID)
		if err != nil {
			return err
		}

		if experiment.LifecycleStage != string(entities.LifecycleStageActive) {
			return contract.NewError(
				contract.ErrorCodeInvalidState,
				fmt.Sprintf("Experiment(id=%d) is deleted", experimentID),
			)
		}

		var version int32
		if err := transaction.Model(&model.Dataset{}).
			Where("experiment_id = ?", experimentID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&version).Error; err != nil {
			return fmt.Errorf("failed to compute next dataset version: %w", err)
		}

		created := *dataset
		created.ID = datasetUUID.String()
		created.Version = version + 1
		created.CandidateCount = int64(len(events))
		created.CreationTime = now
		created.LastUpdateTime = now

		if created.Status == "" {
			created.Status = entities.DatasetStatusLabeling
		}

		row, err = model.NewDatasetFromEntity(&created, experimentID)
		if err != nil {
			return err
		}

		if err := transaction.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to insert dataset: %w", err)
		}

		if len(events) == 0 {
			return nil
		}

		rows := make([]model.Event, 0, len(events))

		for _, event := range events {
			eventRow := model.NewEventFromEntity(event)
			eventRow.ID = EventID(datasetUUID, event.MeterID, event.StartTime)
			eventRow.DatasetID = row.ID

			if eventRow.Status == "" {
				eventRow.Status = string(entities.EventStatusUnreviewed)
			}

			rows = append(rows, eventRow)
		}

		if err := transaction.CreateInBatches(&rows, s.batchSize).Error; err != nil {
			return fmt.Errorf("failed to insert anomaly events: %w", err)
		}

		return nil
	}); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, contract.NewErrorWith(
				contract.ErrorCodeTemporarilyUnavailable,
				"a concurrent dataset was created for the same experiment, retry the request",
				err,
			)
		}

		return nil, toContractError(err, "failed to create dataset")
	}

	return s.GetDataset(ctx, row.ID)
}

func (s *Store) getDataset(transaction *gorm.DB, id string) (*model.Dataset, error) {
	var dataset model.Dataset
	if err := transaction.Where("dataset_id = ?", id).First(&dataset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, datasetNotFound(id)
		}

		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}

	return &dataset, nil
}

type statusCount struct {
	Status string
	Count  int64
}

func countEventsByStatus(transaction *gorm.DB, datasetID string) (map[entities.EventStatus]int64, error) {
	var rows []statusCount
	if err := transaction.Model(&model.Event{}).
		Select("status, COUNT(*) AS count").
		Where("dataset_id = ?", datasetID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count events of dataset %s: %w", datasetID, err)
	}

	counts := map[entities.EventStatus]int64{
		entities.EventStatusUnreviewed:      0,
		entities.EventStatusLabeledPositive: 0,
		entities.EventStatusLabeledNegative: 0,
		entities.EventStatusUncertain:       0,
	}

	for _, row := range rows {
		counts[entities.EventStatus(row.Status)] = row.Count
	}

	return counts, nil
}

func (s *Store) GetDataset(ctx context.Context, id string) (*entities.AnalysisDataset, *contract.Error) {
	transaction := s.db.WithContext(ctx)

	row, err := s.getDataset(transaction, id)
	if err != nil {
		return nil, toContractError(err, "failed to get dataset")
	}

	dataset, err := row.ToEntity()
	if err != nil {
		return nil, toContractError(err, "failed to get dataset")
	}

	dataset.StatusCounts, err = countEventsByStatus(transaction, id)
	if err != nil {
		return nil, toContractError(err, "failed to get dataset")
	}

	return dataset, nil
}

func (s *Store) ListDatasets(
	ctx context.Context, experimentID string,
) ([]*entities.AnalysisDataset, *contract.Error) {
	idInt, contractError := parseExperimentID(experimentID)
	if contractError != nil {
		return nil, contractError
	}

	transaction := s.db.WithContext(ctx)

	if _, err := s.getExperiment(transaction, idInt); err != nil {
		return nil, toContractError(err, "failed to list datasets")
	}

	var rows []model.Dataset
	if err := transaction.Where("experiment_id = ?", idInt).Order("version DESC").Find(&rows).Error; err != nil {
		return nil, toContractError(err, "failed to list datasets")
	}

	datasets := make([]*entities.AnalysisDataset, 0, len(rows))

	for _, row := range rows {
		dataset, err := row.ToEntity()
		if err != nil {
			return nil, toContractError(err, "failed to list datasets")
		}

		datasets = append(datasets, dataset)
	}

	return datasets, nil
}

func (s *Store) UpdateDatasetStatus(
	ctx context.Context, id string, status entities.DatasetStatus,
) (*entities.AnalysisDataset, *contract.Error) {
	if err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		dataset, err := s.getDataset(transaction, id)
		if err != nil {
			return err
		}

		current := entities.DatasetStatus(dataset.Status)
		if !current.CanTransition(status) {
			return contract.NewError(
				contract.ErrorCodeInvalidState,
				fmt.Sprintf("AnalysisDataset(id=%s) cannot move from %s to %s", id, current, status),
			)
		}

		if status == entities.DatasetStatusCompleted {
			var positives int64
			if err := transaction.Model(&model.Event{}).
				Where("dataset_id = ? AND status = ?", id, string(entities.EventStatusLabeledPositive)).
				Count(&positives).Error; err != nil {
				return fmt.Errorf("failed to count positive events: %w", err)
			}

			if positives == 0 {
				return contract.NewError(
					contract.ErrorCodeInvalidState,
					fmt.Sprintf("AnalysisDataset(id=%s) needs at least one LABELED_POSITIVE event to complete", id),
				)
			}
		}

		if err := transaction.Model(&model.Dataset{}).
			Where("dataset_id = ?", id).
			Updates(map[string]any{
				"status":           string(status),
				"last_update_time": time.Now().UnixMilli(),
			}).Error; err != nil {
			return fmt.Errorf("failed to update dataset status: %w", err)
		}

		return nil
	}); err != nil {
		return nil, toContractError(err, "failed to update dataset status")
	}

	return s.GetDataset(ctx, id)
}
