package entities

import (
	"github.com/meterlab/ammeter-pu/pkg/detect"
)

type CreateMeter struct {
	ID       string `json:"meter_id" validate:"required,max=128,identifier"`
	Name     string `json:"name"     validate:"max=256"`
	Line     string `json:"line"     validate:"max=128"`
	Location string `json:"location" validate:"max=256"`
}

type ListMeters struct {
	Lines []string `query:"line"`
}

type ReadingValue struct {
	Timestamp int64    `json:"timestamp" validate:"gte=0"`
	Value     *float64 `json:"value"     validate:"required"`
}

type IngestReadings struct {
	Readings []ReadingValue `json:"readings" validate:"required,min=1,dive"`
}

type IngestResult struct {
	Written          int64    `json:"written"`
	RegisteredMeters []string `json:"registered_meters"`
}

type QueryReadings struct {
	Start int64 `query:"start" validate:"gte=0"`
	End   int64 `query:"end"   validate:"required,gtfield=Start"`
}

// DetectionRequest selects readings by meters or by lines over [start, end).
type DetectionRequest struct {
	MeterIDs  []string          `json:"meter_ids"  validate:"required_without=Lines,dive,required"`
	Lines     []string          `json:"lines"      validate:"required_without=MeterIDs,dive,required"`
	StartTime int64             `json:"start_time" validate:"gte=0"`
	EndTime   int64             `json:"end_time"   validate:"required,gtfield=StartTime"`
	Config    *detect.Overrides `json:"config"`
}

type DetectionPreview struct {
	Config detect.Config  `json:"config"`
	Result *detect.Result `json:"result"`
}

type CreateExperiment struct {
	Name        string `json:"name"        validate:"required,max=256"`
	Description string `json:"description" validate:"max=4096"`
}

type ListExperiments struct {
	ViewType ViewType `query:"view_type" validate:"omitempty,viewType"`
}

type CreateDataset struct {
	DetectionRequest

	Name              string `json:"name"                validate:"max=256"`
	InheritLabelsFrom string `json:"inherit_labels_from" validate:"omitempty,uuid"`
}

type UpdateDatasetStatus struct {
	Status DatasetStatus `json:"status" validate:"required,datasetStatus"`
}

type SearchEvents struct {
	Filter     string   `query:"filter"`
	MaxResults int      `query:"max_results" validate:"omitempty,gte=1,lte=1000"`
	OrderBy    []string `query:"order_by"`
	PageToken  string   `query:"page_token"`
}

type LabelEvent struct {
	Status *EventStatus `json:"status" validate:"omitempty,eventStatus"`
	Note   *string      `json:"note"   validate:"omitempty,max=4096"`
}

type LabelEvents struct {
	EventIDs []string    `json:"event_ids" validate:"required,min=1,dive,required"`
	Status   EventStatus `json:"status"    validate:"required,eventStatus"`
}

type LabelEventsResult struct {
	Updated int64 `json:"updated"`
}

// PUOptions are the optional overrides of the PU split settings.
type PUOptions struct {
	UnlabeledRatio     *float64 `json:"unlabeled_ratio"     query:"unlabeled_ratio"     validate:"omitempty,gte=0"`
	ValidationFraction *float64 `json:"validation_fraction" query:"validation_fraction" validate:"omitempty,gte=0,lt=1"`
	Seed               *int64   `json:"seed"                query:"seed"`
}

type SubmitTraining struct {
	PUOptions

	Name string `json:"name" validate:"max=256"`
}

type ListModels struct {
	DatasetID string      `query:"dataset_id"`
	Status    ModelStatus `query:"status"     validate:"omitempty,modelStatus"`
}
