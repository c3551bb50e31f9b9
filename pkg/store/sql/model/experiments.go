package model

import (
	"strconv"

	"github.com/meterlab/ammeter-pu/pkg/entities"
)

// Experiment mapped from table <experiments>.
type Experiment struct {
	ID             *int32    `gorm:"column:experiment_id;primaryKey;autoIncrement:true"`
	Name           string    `gorm:"column:name;size:256;not null;uniqueIndex"`
	Description    string    `gorm:"column:description"`
	LifecycleStage string    `gorm:"column:lifecycle_stage;size:32;not null"`
	CreationTime   int64     `gorm:"column:creation_time"`
	LastUpdateTime int64     `gorm:"column:last_update_time"`
	Datasets       []Dataset `gorm:"foreignKey:ExperimentID"`
}

func (Experiment) TableName() string {
	return "experiments"
}

func (e Experiment) ToEntity() *entities.Experiment {
	return &entities.Experiment{
		ID:             strconv.FormatInt(int64(*e.ID), 10),
		Name:           e.Name,
		Description:    e.Description,
		LifecycleStage: entities.LifecycleStage(e.LifecycleStage),
		CreationTime:   e.CreationTime,
		LastUpdateTime: e.LastUpdateTime,
	}
}
