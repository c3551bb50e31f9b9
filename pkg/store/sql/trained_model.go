package sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/store"
	"github.com/meterlab/ammeter-pu/pkg/store/sql/model"
)

func modelNotFound(id string) *contract.Error {
	return contract.NewError(
		contract.ErrorCodeResourceDoesNotExist,
		fmt.Sprintf("No TrainedModel with id=%s exists", id),
	)
}

func (s *Store) CreateModel(
	ctx context.Context, trained *entities.TrainedModel,
) (*entities.TrainedModel, *contract.Error) {
	row, err := model.NewTrainedModelFromEntity(trained)
	if err != nil {
		return nil, toContractError(err, "failed to create trained model")
	}

	row.ID = uuid.NewString()
	row.Status = string(entities.ModelStatusPending)
	row.CreationTime = time.Now().UnixMilli()
	row.StartTime = nil
	row.EndTime = nil

	if err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if _, err := s.getDataset(transaction, row.DatasetID); err != nil {
			return err
		}

		if err := transaction.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to insert trained model: %w", err)
		}

		return nil
	}); err != nil {
		return nil, toContractError(err, "failed to create trained model")
	}

	return s.GetModel(ctx, row.ID)
}

func (s *Store) getModel(transaction *gorm.DB, id string) (*model.TrainedModel, error) {
	var row model.TrainedModel
	if err := transaction.Where("model_id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, modelNotFound(id)
		}

		return nil, fmt.Errorf("failed to get trained model: %w", err)
	}

	return &row, nil
}

func (s *Store) GetModel(ctx context.Context, id string) (*entities.TrainedModel, *contract.Error) {
	row, err := s.getModel(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, toContractError(err, "failed to get trained model")
	}

	trained, err := row.ToEntity()
	if err != nil {
		return nil, toContractError(err, "failed to get trained model")
	}

	return trained, nil
}

func (s *Store) ListModels(
	ctx context.Context, datasetID string, status entities.ModelStatus,
) ([]*entities.TrainedModel, *contract.Error) {
	transaction := s.db.WithContext(ctx).Order("creation_time DESC").Order("model_id")

	if datasetID != "" {
		transaction = transaction.Where("dataset_id = ?", datasetID)
	}

	if status != "" {
		transaction = transaction.Where("status = ?", string(status))
	}

	var rows []model.TrainedModel
	if err := transaction.Find(&rows).Error; err != nil {
		return nil, toContractError(err, "failed to list trained models")
	}

	result := make([]*entities.TrainedModel, 0, len(rows))

	for _, row := range rows {
		trained, err := row.ToEntity()
		if err != nil {
			return nil, toContractError(err, "failed to list trained models")
		}

		result = append(result, trained)
	}

	return result, nil
}

func (s *Store) TransitionModel(
	ctx context.Context, id string, status entities.ModelStatus, update store.ModelUpdate,
) (*entities.TrainedModel, *contract.Error) {
	if err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		row, err := s.getModel(transaction, id)
		if err != nil {
			return err
		}

		current := entities.ModelStatus(row.Status)
		if !current.CanTransition(status) {
			return contract.NewError(
				contract.ErrorCodeInvalidState,
				fmt.Sprintf("TrainedModel(id=%s) cannot move from %s to %s", id, current, status),
			)
		}

		now := time.Now().UnixMilli()
		updates := map[string]any{"status": string(status)}

		if status == entities.ModelStatusRunning {
			updates["start_time"] = now
		}

		if status.Terminal() {
			updates["end_time"] = now
		}

		if update.Metrics != nil {
			metrics, err := json.Marshal(update.Metrics)
			if err != nil {
				return fmt.Errorf("failed to encode metrics: %w", err)
			}

			updates["metrics"] = string(metrics)
		}

		if update.ArtifactPath != nil {
			updates["artifact_path"] = *update.ArtifactPath
		}

		if update.ErrorMessage != nil {
			updates["error_message"] = *update.ErrorMessage
		}

		if err := transaction.Model(&model.TrainedModel{}).Where("model_id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update trained model: %w", err)
		}

		return nil
	}); err != nil {
		return nil, toContractError(err, "failed to update trained model")
	}

	return s.GetModel(ctx, id)
}

func (s *Store) FailInterruptedModels(ctx context.Context, message string) (int64, *contract.Error) {
	result := s.db.WithContext(ctx).Model(&model.TrainedModel{}).
		Where("status IN ?", []string{string(entities.ModelStatusPending), string(entities.ModelStatusRunning)}).
		Updates(map[string]any{
			"status":        string(entities.ModelStatusFailed),
			"error_message": message,
			"end_time":      time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return 0, toContractError(result.Error, "failed to fail interrupted trained models")
	}

	return result.RowsAffected, nil
}
