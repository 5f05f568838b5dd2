package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stellar-lineage/internal/types"
)

func TestCategorizeWrapped(t *testing.T) {
	inner := NewInvalidError(types.InvalidReasonHorizonAddress, "account not found", nil)
	wrapped := fmt.Errorf("fetch account GABC: %w", inner)

	assert.True(t, IsInvalid(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.Equal(t, types.InvalidReasonHorizonAddress, InvalidReason(wrapped))
	assert.Equal(t, http.StatusUnprocessableEntity, GetHTTPStatusCode(wrapped))
}

func TestDeadlineIsTransientTimeout(t *testing.T) {
	err := fmt.Errorf("fetch operations: %w", context.DeadlineExceeded)
	assert.True(t, IsTransient(err))
	assert.Equal(t, types.HealthReasonTimeout, HealthReason(err))
	assert.True(t, IsRetryable(err))
}

func TestHealthReasons(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rate limit", NewProviderRateLimitError("horizon"), types.HealthReasonRateLimited},
		{"circuit", NewCircuitOpenError("horizon", nil), types.HealthReasonCircuitOpen},
		{"budget", NewBudgetExceededError("warehouse", 10, 5), types.HealthReasonBudgetExceeded},
		{"5xx", NewProviderError("horizon", fmt.Errorf("502")), ""},
		{"invalid", NewInvalidError("X", "bad", nil), ""},
		{"plain", fmt.Errorf("boom"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HealthReason(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewProviderRateLimitError("horizon")))
	assert.True(t, IsRetryable(NewProviderError("horizon", nil)))
	assert.False(t, IsRetryable(NewCircuitOpenError("horizon", nil)))
	assert.False(t, IsRetryable(NewBudgetExceededError("warehouse", 1, 1)))
	assert.False(t, IsRetryable(NewInvalidError("X", "bad", nil)))
	assert.False(t, IsRetryable(nil))
}

func TestPlainErrorsAreInternal(t *testing.T) {
	err := fmt.Errorf("unexpected")
	cat := Categorize(err)
	assert.Equal(t, CategoryInternal, cat.Category)
	assert.True(t, IsSystemError(err))
	assert.False(t, IsTransient(err))
	assert.False(t, IsInvalid(err))
}

func TestServiceErrorMapping(t *testing.T) {
	err := &types.ServiceError{Code: "INVALID_ADDRESS", Message: "bad"}
	assert.True(t, IsUserError(err))
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatusCode(err))

	nf := NewNotFoundError("lineage", "GABC")
	assert.True(t, IsNotFound(nf))
	assert.Equal(t, "NOT_FOUND", nf.ToServiceError().Code)
}
