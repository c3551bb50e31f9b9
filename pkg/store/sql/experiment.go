package sql

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/store/sql/model"
)

func parseExperimentID(id string) (int32, *contract.Error) {
	idInt, err := strconv.ParseInt(id, 10, 32)
	if err != nil {
		return 0, contract.NewErrorWith(
			contract.ErrorCodeInvalidParameterValue,
			fmt.Sprintf("failed to convert experiment id %q to int", id),
			err,
		)
	}

	return int32(idInt), nil
}

func experimentNotFound(id int32) *contract.Error {
	return contract.NewError(
		contract.ErrorCodeResourceDoesNotExist,
		fmt.Sprintf("No Experiment with id=%d exists", id),
	)
}

func getLifecycleStages(viewType entities.ViewType) []string {
	switch viewType {
	case entities.ViewTypeDeletedOnly:
		return []string{string(entities.LifecycleStageDeleted)}
	case entities.ViewTypeAll:
		return []string{string(entities.LifecycleStageActive), string(entities.LifecycleStageDeleted)}
	case entities.ViewTypeActiveOnly:
		return []string{string(entities.LifecycleStageActive)}
	}

	return []string{string(entities.LifecycleStageActive)}
}

func (s *Store) CreateExperiment(
	ctx context.Context, name, description string,
) (*entities.Experiment, *contract.Error) {
	now := time.Now().UnixMilli()
	experiment := model.Experiment{
		Name:           name,
		Description:    description,
		LifecycleStage: string(entities.LifecycleStageActive),
		CreationTime:   now,
		LastUpdateTime: now,
	}

	if err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var count int64
		if err := transaction.Model(&model.Experiment{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check experiment name: %w", err)
		}

		if count > 0 {
			return gorm.ErrDuplicatedKey
		}

		if err := transaction.Create(&experiment).Error; err != nil {
			return fmt.Errorf("failed to insert experiment: %w", err)
		}

		return nil
	}); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, contract.NewError(
				contract.ErrorCodeResourceAlreadyExists,
				fmt.Sprintf("Experiment(name=%s) already exists.", name),
			)
		}

		return nil, toContractError(err, "failed to create experiment")
	}

	return experiment.ToEntity(), nil
}

func (s *Store) getExperiment(transaction *gorm.DB, id int32) (*model.Experiment, error) {
	var experiment model.Experiment
	if err := transaction.Where("experiment_id = ?", id).First(&experiment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, experimentNotFound(id)
		}

		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	return &experiment, nil
}

func (s *Store) GetExperiment(ctx context.Context, id string) (*entities.Experiment, *contract.Error) {
	idInt, contractError := parseExperimentID(id)
	if contractError != nil {
		return nil, contractError
	}

	experiment, err := s.getExperiment(s.db.WithContext(ctx), idInt)
	if err != nil {
		return nil, toContractError(err, "failed to get experiment")
	}

	return experiment.ToEntity(), nil
}

func (s *Store) ListExperiments(
	ctx context.Context, viewType entities.ViewType,
) ([]*entities.Experiment, *contract.Error) {
	var experiments []model.Experiment
	if err := s.db.WithContext(ctx).
		Where("lifecycle_stage IN ?", getLifecycleStages(viewType)).
		Order("experiment_id").
		Find(&experiments).Error; err != nil {
		return nil, toContractError(err, "failed to list experiments")
	}

	result := make([]*entities.Experiment, 0, len(experiments))
	for _, experiment := range experiments {
		result = append(result, experiment.ToEntity())
	}

	return result, nil
}

func (s *Store) DeleteExperiment(ctx context.Context, id string) *contract.Error {
	idInt, contractError := parseExperimentID(id)
	if contractError != nil {
		return contractError
	}

	if err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		experiment, err := s.getExperiment(transaction, idInt)
		if err != nil {
			return err
		}

		if experiment.LifecycleStage == string(entities.LifecycleStageDeleted) {
			return contract.NewError(
				contract.ErrorCodeInvalidState,
				fmt.Sprintf("Experiment(id=%d) is already deleted", idInt),
			)
		}

		now := time.Now().UnixMilli()

		if err := transaction.Model(&model.Experiment{}).
			Where("experiment_id = ?", idInt).
			Updates(map[string]any{
				"lifecycle_stage":  string(entities.LifecycleStageDeleted),
				"last_update_time": now,
			}).Error; err != nil {
			return fmt.Errorf("failed to update experiment (%d) during delete: %w", idInt, err)
		}

		if err := transaction.Model(&model.Dataset{}).
			Where("experiment_id = ?", idInt).
			Where("status <> ?", string(entities.DatasetStatusArchived)).
			Updates(map[string]any{
				"status":           string(entities.DatasetStatusArchived),
				"last_update_time": now,
			}).Error; err != nil {
			return fmt.Errorf("failed to archive datasets during delete: %w", err)
		}

		return nil
	}); err != nil {
		return toContractError(err, "failed to delete experiment")
	}

	return nil
}
