package model

import (
	"encoding/json"
	"fmt"

	"github.com/meterlab/ammeter-pu/pkg/entities"
)

// TrainedModel mapped from table <trained_models>.
type TrainedModel struct {
	ID           string `gorm:"column:model_id;primaryKey;size:36"`
	DatasetID    string `gorm:"column:dataset_id;size:36;not null;index"`
	Name         string `gorm:"column:name;size:256"`
	Status       string `gorm:"column:status;size:32;not null;index"`
	Config       string `gorm:"column:config"`
	Metrics      string `gorm:"column:metrics"`
	ArtifactPath string `gorm:"column:artifact_path"`
	ErrorMessage string `gorm:"column:error_message"`
	CreationTime int64  `gorm:"column:creation_time"`
	StartTime    *int64 `gorm:"column:start_time"`
	EndTime      *int64 `gorm:"column:end_time"`
}

func (TrainedModel) TableName() string {
	return "trained_models"
}

func (m TrainedModel) ToEntity() (*entities.TrainedModel, error) {
	cfg := map[string]any{}
	if m.Config != "" {
		if err := json.Unmarshal([]byte(m.Config), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config of model %s: %w", m.ID, err)
		}
	}

	metrics := map[string]float64{}
	if m.Metrics != "" {
		if err := json.Unmarshal([]byte(m.Metrics), &metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics of model %s: %w", m.ID, err)
		}
	}

	return &entities.TrainedModel{
		ID:           m.ID,
		DatasetID:    m.DatasetID,
		Name:         m.Name,
		Status:       entities.ModelStatus(m.Status),
		Config:       cfg,
		Metrics:      metrics,
		ArtifactPath: m.ArtifactPath,
		ErrorMessage: m.ErrorMessage,
		CreationTime: m.CreationTime,
		StartTime:    m.StartTime,
		EndTime:      m.EndTime,
	}, nil
}

func NewTrainedModelFromEntity(model *entities.TrainedModel) (TrainedModel, error) {
	cfg := model.Config
	if cfg == nil {
		cfg = map[string]any{}
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return TrainedModel{}, fmt.Errorf("failed to encode model config: %w", err)
	}

	return TrainedModel{
		ID:           model.ID,
		DatasetID:    model.DatasetID,
		Name:         model.Name,
		Status:       string(model.Status),
		Config:       string(encoded),
		Metrics:      "{}",
		ArtifactPath: model.ArtifactPath,
		ErrorMessage: model.ErrorMessage,
		CreationTime: model.CreationTime,
		StartTime:    model.StartTime,
		EndTime:      model.EndTime,
	}, nil
}
