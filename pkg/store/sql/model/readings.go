package model

import (
	"github.com/meterlab/ammeter-pu/pkg/entities"
)

// Reading mapped from table <readings>.
type Reading struct {
	MeterID   string  `gorm:"column:meter_id;primaryKey;size:128"`
	Timestamp int64   `gorm:"column:recorded_at;primaryKey;autoIncrement:false"`
	Value     float64 `gorm:"column:value;not null"`
}

func (Reading) TableName() string {
	return "readings"
}

func (r Reading) ToEntity() entities.Reading {
	return entities.Reading{
		MeterID:   r.MeterID,
		Timestamp: r.Timestamp,
		Value:     r.Value,
	}
}

func NewReadingFromEntity(reading entities.Reading) Reading {
	return Reading{
		MeterID:   reading.MeterID,
		Timestamp: reading.Timestamp,
		Value:     reading.Value,
	}
}
