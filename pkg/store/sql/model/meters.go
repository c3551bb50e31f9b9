package model

import (
	"github.com/meterlab/ammeter-pu/pkg/entities"
)

// Meter mapped from table <meters>.
type Meter struct {
	ID           string    `gorm:"column:meter_id;primaryKey;size:128"`
	Name         string    `gorm:"column:name;size:256"`
	Line         string    `gorm:"column:line;size:128;index"`
	Location     string    `gorm:"column:location;size:256"`
	CreationTime int64     `gorm:"column:creation_time;not null"`
	Readings     []Reading `gorm:"foreignKey:MeterID;constraint:OnDelete:CASCADE"`
}

func (Meter) TableName() string {
	return "meters"
}

func (m Meter) ToEntity() *entities.Meter {
	return &entities.Meter{
		ID:           m.ID,
		Name:         m.Name,
		Line:         m.Line,
		Location:     m.Location,
		CreationTime: m.CreationTime,
	}
}

func NewMeterFromEntity(meter *entities.Meter) Meter {
	return Meter{
		ID:           meter.ID,
		Name:         meter.Name,
		Line:         meter.Line,
		Location:     meter.Location,
		CreationTime: meter.CreationTime,
	}
}
