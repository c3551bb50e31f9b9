package model

import (
	"github.com/meterlab/ammeter-pu/pkg/entities"
)

// Event mapped from table <anomaly_events>.
type Event struct {
	ID           string   `gorm:"column:id;primaryKey;size:36"`
	DatasetID    string   `gorm:"column:dataset_id;size:36;not null;index"`
	MeterID      string   `gorm:"column:meter_id;size:128;not null;index"`
	Line         string   `gorm:"column:line;size:128"`
	StartTime    int64    `gorm:"column:start_time;not null"`
	EndTime      int64    `gorm:"column:end_time;not null"`
	PointCount   int32    `gorm:"column:point_count"`
	PeakValue    float64  `gorm:"column:peak_value"`
	BaselineMean float64  `gorm:"column:baseline_mean"`
	BaselineStd  float64  `gorm:"column:baseline_std"`
	PeerRatio    *float64 `gorm:"column:peer_ratio"`
	Score        float64  `gorm:"column:score;index"`
	Status       string   `gorm:"column:status;size:32;not null;index"`
	Note         string   `gorm:"column:note"`
	ReviewedTime *int64   `gorm:"column:reviewed_time"`
}

func (Event) TableName() string {
	return "anomaly_events"
}

func (e Event) ToEntity() *entities.AnomalyEvent {
	return &entities.AnomalyEvent{
		ID:           e.ID,
		DatasetID:    e.DatasetID,
		MeterID:      e.MeterID,
		Line:         e.Line,
		StartTime:    e.StartTime,
		EndTime:      e.EndTime,
		PointCount:   e.PointCount,
		PeakValue:    e.PeakValue,
		BaselineMean: e.BaselineMean,
		BaselineStd:  e.BaselineStd,
		PeerRatio:    e.PeerRatio,
		Score:        e.Score,
		Status:       entities.EventStatus(e.Status),
		Note:         e.Note,
		ReviewedTime: e.ReviewedTime,
	}
}

func NewEventFromEntity(event *entities.AnomalyEvent) Event {
	return Event{
		ID:           event.ID,
		DatasetID:    event.DatasetID,
		MeterID:      event.MeterID,
		Line:         event.Line,
		StartTime:    event.StartTime,
		EndTime:      event.EndTime,
		PointCount:   event.PointCount,
		PeakValue:    event.PeakValue,
		BaselineMean: event.BaselineMean,
		BaselineStd:  event.BaselineStd,
		PeerRatio:    event.PeerRatio,
		Score:        event.Score,
		Status:       string(event.Status),
		Note:         event.Note,
		ReviewedTime: event.ReviewedTime,
	}
}
