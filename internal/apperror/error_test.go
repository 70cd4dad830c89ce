package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("assemble: %w", NewInvalidAmount("total is negative"))

	assert.True(t, HasCode(err, CodeInvalidAmount))
	assert.False(t, HasCode(err, CodeValidation))
	assert.Equal(t, http.StatusUnprocessableEntity, GetHTTPStatus(err))
}

func TestGetHTTPStatus_UnknownError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("boom")))
}

func TestSequencingUnavailable_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewSequencingUnavailable("2501", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "2501", err.Details["period_key"])
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithDetail(t *testing.T) {
	err := NewValidation("bad input").WithDetail("field", "customer_phone")
	assert.Equal(t, "customer_phone", err.Details["field"])
}
