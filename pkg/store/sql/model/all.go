package model

// All lists the models handled by auto-migration, parents first.
func All() []any {
	return []any{
		&Meter{},
		&Reading{},
		&Experiment{},
		&Dataset{},
		&Event{},
		&TrainedModel{},
	}
}
