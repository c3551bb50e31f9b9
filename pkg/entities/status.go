package entities

type LifecycleStage string

const (
	LifecycleStageActive  LifecycleStage = "active"
	LifecycleStageDeleted LifecycleStage = "deleted"
)

type ViewType string

const (
	ViewTypeActiveOnly  ViewType = "ACTIVE_ONLY"
	ViewTypeDeletedOnly ViewType = "DELETED_ONLY"
	ViewTypeAll         ViewType = "ALL"
)

type DatasetStatus string

const (
	DatasetStatusLabeling  DatasetStatus = "LABELING"
	DatasetStatusCompleted DatasetStatus = "COMPLETED"
	DatasetStatusArchived  DatasetStatus = "ARCHIVED"
)

// CanTransition reports whether a dataset may move from s to next.
func (s DatasetStatus) CanTransition(next DatasetStatus) bool {
	switch s {
	case DatasetStatusLabeling:
		return next == DatasetStatusCompleted || next == DatasetStatusArchived
	case DatasetStatusCompleted:
		return next == DatasetStatusLabeling || next == DatasetStatusArchived
	default:
		return false
	}
}

func (s DatasetStatus) Valid() bool {
	switch s {
	case DatasetStatusLabeling, DatasetStatusCompleted, DatasetStatusArchived:
		return true
	}

	return false
}

type EventStatus string

const (
	EventStatusUnreviewed      EventStatus = "UNREVIEWED"
	EventStatusLabeledPositive EventStatus = "LABELED_POSITIVE"
	EventStatusLabeledNegative EventStatus = "LABELED_NEGATIVE"
	EventStatusUncertain       EventStatus = "UNCERTAIN"
)

func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusUnreviewed, EventStatusLabeledPositive, EventStatusLabeledNegative, EventStatusUncertain:
		return true
	}

	return false
}

// Unlabeled reports whether the event counts as unlabeled data for PU learning.
func (s EventStatus) Unlabeled() bool {
	return s == EventStatusUnreviewed || s == EventStatusUncertain
}

type ModelStatus string

const (
	ModelStatusPending   ModelStatus = "PENDING"
	ModelStatusRunning   ModelStatus = "RUNNING"
	ModelStatusSucceeded ModelStatus = "SUCCEEDED"
	ModelStatusFailed    ModelStatus = "FAILED"
	ModelStatusCancelled ModelStatus = "CANCELLED"
)

func (s ModelStatus) Terminal() bool {
	return s == ModelStatusSucceeded || s == ModelStatusFailed || s == ModelStatusCancelled
}

func (s ModelStatus) Valid() bool {
	switch s {
	case ModelStatusPending, ModelStatusRunning, ModelStatusSucceeded, ModelStatusFailed, ModelStatusCancelled:
		return true
	}

	return false
}

// CanTransition reports whether a trained model may move from s to next.
func (s ModelStatus) CanTransition(next ModelStatus) bool {
	switch s {
	case ModelStatusPending:
		return next == ModelStatusRunning || next == ModelStatusCancelled || next == ModelStatusFailed
	case ModelStatusRunning:
		return next == ModelStatusSucceeded || next == ModelStatusFailed || next == ModelStatusCancelled
	default:
		return false
	}
}
