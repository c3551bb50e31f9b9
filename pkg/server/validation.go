package server

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/meterlab/ammeter-pu/pkg/entities"
)

// fieldName reports validation errors under the name the client sent.
func fieldName(field reflect.StructField) string {
	for _, tag := range []string{"json", "query"} {
		name, _, _ := strings.Cut(field.Tag.Get(tag), ",")
		if name != "" && name != "-" {
			return name
		}
	}

	return field.Name
}

func NewValidator() (*validator.Validate, error) {
	validate := validator.New()
	validate.RegisterTagNameFunc(fieldName)

	validations := map[string]validator.Func{
		"identifier": func(fl validator.FieldLevel) bool {
			return entities.IsIdentifier(fl.Field().String())
		},
		"viewType": func(fl validator.FieldLevel) bool {
			switch entities.ViewType(fl.Field().String()) {
			case entities.ViewTypeActiveOnly, entities.ViewTypeDeletedOnly, entities.ViewTypeAll:
				return true
			}

			return false
		},
		"datasetStatus": func(fl validator.FieldLevel) bool {
			return entities.DatasetStatus(fl.Field().String()).Valid()
		},
		"eventStatus": func(fl validator.FieldLevel) bool {
			return entities.EventStatus(fl.Field().String()).Valid()
		},
		"modelStatus": func(fl validator.FieldLevel) bool {
			return entities.ModelStatus(fl.Field().String()).Valid()
		},
	}

	for tag, fn := range validations {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			return nil, fmt.Errorf("failed to register %s validation: %w", tag, err)
		}
	}

	return validate, nil
}
