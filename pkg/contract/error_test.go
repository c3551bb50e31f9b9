package contract_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meterlab/ammeter-pu/pkg/contract"
)

func TestStatusCode(t *testing.T) {
	scenarios := []struct {
		code     contract.ErrorCode
		expected int
	}{
		{contract.ErrorCodeBadRequest, http.StatusBadRequest},
		{contract.ErrorCodeInvalidParameterValue, http.StatusBadRequest},
		{contract.ErrorCodeResourceDoesNotExist, http.StatusNotFound},
		{contract.ErrorCodeEndpointNotFound, http.StatusNotFound},
		{contract.ErrorCodeResourceAlreadyExists, http.StatusConflict},
		{contract.ErrorCodeInvalidState, http.StatusConflict},
		{contract.ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
		{contract.ErrorCodeInternalError, http.StatusInternalServerError},
		{contract.ErrorCode("SOMETHING_ELSE"), http.StatusInternalServerError},
	}

	for _, scenario := range scenarios {
		t.Run(string(scenario.code), func(t *testing.T) {
			assert.Equal(t, scenario.expected, contract.NewError(scenario.code, "x").StatusCode())
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	inner := errors.New("connection refused")
	err := contract.NewErrorWith(contract.ErrorCodeInternalError, "failed to get meter", inner)

	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "[INTERNAL_ERROR] failed to get meter: connection refused", err.Error())
	assert.Equal(t, "[BAD_REQUEST] nope", contract.NewError(contract.ErrorCodeBadRequest, "nope").Error())
}
