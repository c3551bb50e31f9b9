package model

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/meterlab/ammeter-pu/pkg/detect"
	"github.com/meterlab/ammeter-pu/pkg/entities"
)

// Dataset mapped from table <analysis_datasets>.
type Dataset struct {
	ID             string         `gorm:"column:dataset_id;primaryKey;size:36"`
	ExperimentID   int32          `gorm:"column:experiment_id;not null;uniqueIndex:idx_dataset_version,priority:1"`
	Version        int32          `gorm:"column:version;not null;uniqueIndex:idx_dataset_version,priority:2"`
	Name           string         `gorm:"column:name;size:256"`
	Status         string         `gorm:"column:status;size:32;not null"`
	Config         string         `gorm:"column:config;not null"`
	MeterIDs       string         `gorm:"column:meter_ids;not null"`
	StartTime      int64          `gorm:"column:start_time"`
	EndTime        int64          `gorm:"column:end_time"`
	InheritedFrom  string         `gorm:"column:inherited_from;size:36"`
	CandidateCount int64          `gorm:"column:candidate_count"`
	CreationTime   int64          `gorm:"column:creation_time"`
	LastUpdateTime int64          `gorm:"column:last_update_time"`
	Events         []Event        `gorm:"foreignKey:DatasetID;constraint:OnDelete:CASCADE"`
	Models         []TrainedModel `gorm:"foreignKey:DatasetID"`
}

func (Dataset) TableName() string {
	return "analysis_datasets"
}

func (d Dataset) ToEntity() (*entities.AnalysisDataset, error) {
	var cfg detect.Config
	if err := json.Unmarshal([]byte(d.Config), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config of dataset %s: %w", d.ID, err)
	}

	var meterIDs []string
	if err := json.Unmarshal([]byte(d.MeterIDs), &meterIDs); err != nil {
		return nil, fmt.Errorf("failed to decode meter ids of dataset %s: %w", d.ID, err)
	}

	return &entities.AnalysisDataset{
		ID:             d.ID,
		ExperimentID:   strconv.FormatInt(int64(d.ExperimentID), 10),
		Version:        d.Version,
		Name:           d.Name,
		Status:         entities.DatasetStatus(d.Status),
		Config:         cfg,
		MeterIDs:       meterIDs,
		StartTime:      d.StartTime,
		EndTime:        d.EndTime,
		InheritedFrom:  d.InheritedFrom,
		CandidateCount: d.CandidateCount,
		CreationTime:   d.CreationTime,
		LastUpdateTime: d.LastUpdateTime,
	}, nil
}

func NewDatasetFromEntity(dataset *entities.AnalysisDataset, experimentID int32) (Dataset, error) {
	cfg, err := json.Marshal(dataset.Config)
	if err != nil {
		return Dataset{}, fmt.Errorf("failed to encode dataset config: %w", err)
	}

	meterIDs := dataset.MeterIDs
	if meterIDs == nil {
		meterIDs = []string{}
	}

	encodedMeterIDs, err := json.Marshal(meterIDs)
	if err != nil {
		return Dataset{}, fmt.Errorf("failed to encode dataset meter ids: %w", err)
	}

	return Dataset{
		ID:             dataset.ID,
		ExperimentID:   experimentID,
		Version:        dataset.Version,
		Name:           dataset.Name,
		Status:         string(dataset.Status),
		Config:         string(cfg),
		MeterIDs:       string(encodedMeterIDs),
		StartTime:      dataset.StartTime,
		EndTime:        dataset.EndTime,
		InheritedFrom:  dataset.InheritedFrom,
		CandidateCount: dataset.CandidateCount,
		CreationTime:   dataset.CreationTime,
		LastUpdateTime: dataset.LastUpdateTime,
	}, nil
}
