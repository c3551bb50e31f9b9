package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/tidwall/gjson"

	"github.com/meterlab/ammeter-pu/pkg/contract"
)

type HTTPRequestParser struct {
	validator *validator.Validate
}

var _ contract.HTTPRequestParser = (*HTTPRequestParser)(nil)

func NewHTTPRequestParser() (*HTTPRequestParser, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}

	return &HTTPRequestParser{
		validator: v,
	}, nil
}

func (p *HTTPRequestParser) ParseBody(ctx *fiber.Ctx, input interface{}) *contract.Error {
	if len(ctx.Body()) == 0 {
		return contract.NewError(contract.ErrorCodeBadRequest, "request body is empty")
	}

	if err := ctx.BodyParser(input); err != nil {
		var typeError *json.UnmarshalTypeError
		if errors.As(err, &typeError) {
			result := gjson.GetBytes(ctx.Body(), typeError.Field)

			value := result.Str
			if value == "" {
				value = result.Raw
			}

			return contract.NewError(
				contract.ErrorCodeInvalidParameterValue,
				fmt.Sprintf("Invalid value %s for parameter '%s'", value, typeError.Field),
			)
		}

		return contract.NewError(contract.ErrorCodeBadRequest, err.Error())
	}

	if err := p.validator.Struct(input); err != nil {
		return newErrorFromValidationError(err)
	}

	return nil
}

func (p *HTTPRequestParser) ParseQuery(ctx *fiber.Ctx, input interface{}) *contract.Error {
	if err := ctx.QueryParser(input); err != nil {
		return contract.NewError(contract.ErrorCodeBadRequest, err.Error())
	}

	if err := p.validator.Struct(input); err != nil {
		return newErrorFromValidationError(err)
	}

	return nil
}

func dereference(value interface{}) interface{} {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}

		return v.Elem().Interface()
	}

	return value
}

func newErrorFromValidationError(err error) *contract.Error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return contract.NewErrorWith(contract.ErrorCodeInternalError, "request validation failed", err)
	}

	validationErrors := make([]string, 0, len(errs))

	for _, err := range errs {
		field := err.Field()
		value := dereference(err.Value())

		var message string

		switch err.Tag() {
		case "required", "required_without":
			message = fmt.Sprintf("Missing value for required parameter '%s'", field)
		default:
			message = fmt.Sprintf("Invalid value %v for parameter '%s' supplied", value, field)
		}

		validationErrors = append(validationErrors, message)
	}

	return contract.NewError(contract.ErrorCodeInvalidParameterValue, strings.Join(validationErrors, ", "))
}
