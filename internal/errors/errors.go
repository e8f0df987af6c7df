// Package errors provides the typed error taxonomy for the gateway core.
// The dispatcher is the only place that translates these into HTTP responses
// and stream events.
package errors

import (
	"context"
	"errors"
	"strings"
)

// Error codes surfaced to callers (body "code" field and stream error events).
const (
	CodeModelConcurrencyLimit = "model_concurrency_limit"
	CodeRateLimitExceeded     = "rate_limit_exceeded"
	CodeEmptyUpstreamResponse = "empty_upstream_response"
	CodeInternalError         = "internal_error"
	CodeAuthenticationError   = "authentication_error"
)

// GatewayError is the base error type for gateway errors
type GatewayError struct {
	Message   string
	Code      string
	Retryable bool
}

func (e *GatewayError) Error() string {
	return e.Message
}

// CapacityError signals a per-account capacity hit on a model.
// ResetMs is the parsed reset hint in milliseconds, or -1 when the upstream
// gave none. The hint is best effort, never a contract.
type CapacityError struct {
	*GatewayError
	ResetMs int64
}

// NewCapacityError creates a new CapacityError
func NewCapacityError(message string, resetMs int64) *CapacityError {
	if message == "" {
		message = "Model capacity exhausted"
	}
	return &CapacityError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "CAPACITY_EXHAUSTED",
			Retryable: true,
		},
		ResetMs: resetMs,
	}
}

// InvalidGrantError signals a rejected refresh token. The account must be
// marked errored and never retried.
type InvalidGrantError struct {
	*GatewayError
	AccountID int64
}

// NewInvalidGrantError creates a new InvalidGrantError
func NewInvalidGrantError(accountID int64, message string) *InvalidGrantError {
	if message == "" {
		message = "Refresh token rejected by the OAuth endpoint"
	}
	return &InvalidGrantError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "AUTH_INVALID",
			Retryable: false,
		},
		AccountID: accountID,
	}
}

// TransientError signals a network / 5xx failure during token refresh.
type TransientError struct {
	*GatewayError
}

// NewTransientError creates a new TransientError
func NewTransientError(message string) *TransientError {
	return &TransientError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "TRANSIENT",
			Retryable: true,
		},
	}
}

// UpstreamError covers any other non-2xx / protocol failure from upstream.
type UpstreamError struct {
	*GatewayError
	StatusCode int
}

// NewUpstreamError creates a new UpstreamError
func NewUpstreamError(message string, statusCode int) *UpstreamError {
	return &UpstreamError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "UPSTREAM_ERROR",
			Retryable: statusCode >= 500,
		},
		StatusCode: statusCode,
	}
}

// EmptyResponseError signals a stream that closed cleanly with zero events.
type EmptyResponseError struct {
	*GatewayError
}

// NewEmptyResponseError creates a new EmptyResponseError
func NewEmptyResponseError(message string) *EmptyResponseError {
	if message == "" {
		message = "No content received from upstream"
	}
	return &EmptyResponseError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "EMPTY_RESPONSE",
			Retryable: false,
		},
	}
}

// DuplicateAccountError signals that initialization discovered a project
// already bound to another local account.
type DuplicateAccountError struct {
	*GatewayError
	ProjectID string
}

// NewDuplicateAccountError creates a new DuplicateAccountError
func NewDuplicateAccountError(projectID string) *DuplicateAccountError {
	return &DuplicateAccountError{
		GatewayError: &GatewayError{
			Message:   "Account already registered for project " + projectID,
			Code:      "DUPLICATE_ACCOUNT",
			Retryable: false,
		},
		ProjectID: projectID,
	}
}

// NoAccountsError is returned by the pool when no account can be handed out.
type NoAccountsError struct {
	*GatewayError
	AllBusy    bool
	AllLimited bool
}

// NewNoAccountsError creates a NoAccountsError for an empty pool.
func NewNoAccountsError() *NoAccountsError {
	return &NoAccountsError{
		GatewayError: &GatewayError{
			Message:   "No accounts configured",
			Code:      "NO_ACCOUNTS",
			Retryable: false,
		},
	}
}

// NewAllBusyError creates a NoAccountsError for a pool where every eligible
// account stayed locked past the wait budget.
func NewAllBusyError() *NoAccountsError {
	return &NoAccountsError{
		GatewayError: &GatewayError{
			Message:   "All accounts busy",
			Code:      "ALL_BUSY",
			Retryable: true,
		},
		AllBusy: true,
	}
}

// NewAllLimitedError creates a NoAccountsError for a pool where every account
// is in capacity cooldown for the requested model.
func NewAllLimitedError(model string) *NoAccountsError {
	return &NoAccountsError{
		GatewayError: &GatewayError{
			Message:   "All accounts rate-limited for model " + model,
			Code:      "ALL_LIMITED",
			Retryable: true,
		},
		AllLimited: true,
	}
}

// SlotLimitError signals a refused per-model concurrency slot.
type SlotLimitError struct {
	*GatewayError
	Model string
}

// NewSlotLimitError creates a new SlotLimitError
func NewSlotLimitError(model string) *SlotLimitError {
	return &SlotLimitError{
		GatewayError: &GatewayError{
			Message:   "Model concurrency limit reached, please retry later",
			Code:      "SLOT_LIMIT",
			Retryable: true,
		},
		Model: model,
	}
}

// Predicates

// IsCapacityError checks whether an error is a capacity exhaustion
func IsCapacityError(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

// IsInvalidGrant checks whether an error is a rejected refresh token
func IsInvalidGrant(err error) bool {
	var ig *InvalidGrantError
	if errors.As(err, &ig) {
		return true
	}
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "invalid_grant")
}

// IsTransient checks whether an error is a transient refresh failure
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsEmptyResponse checks whether an error is an empty upstream stream
func IsEmptyResponse(err error) bool {
	var ee *EmptyResponseError
	return errors.As(err, &ee)
}

// IsDuplicateAccount checks whether an error is a duplicate account
func IsDuplicateAccount(err error) bool {
	var de *DuplicateAccountError
	return errors.As(err, &de)
}

// IsSlotLimit checks whether an error is a refused model slot
func IsSlotLimit(err error) bool {
	var se *SlotLimitError
	return errors.As(err, &se)
}

// IsNoAccounts checks whether an error came from the account pool
func IsNoAccounts(err error) bool {
	var ne *NoAccountsError
	return errors.As(err, &ne)
}

// IsCancelled checks whether an error stems from caller cancellation
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatusFromError returns the HTTP status code for a terminal error
func HTTPStatusFromError(err error) int {
	switch {
	case IsSlotLimit(err):
		return 429
	case IsCapacityError(err):
		return 429
	case IsNoAccounts(err):
		var ne *NoAccountsError
		errors.As(err, &ne)
		if ne.AllLimited {
			return 429
		}
		return 503
	case IsEmptyResponse(err):
		return 502
	default:
		return 500
	}
}

// ErrorCode maps a terminal error to the caller-facing error code
func ErrorCode(err error) string {
	switch {
	case IsSlotLimit(err):
		return CodeModelConcurrencyLimit
	case IsCapacityError(err):
		return CodeRateLimitExceeded
	case IsNoAccounts(err):
		var ne *NoAccountsError
		errors.As(err, &ne)
		if ne.AllLimited {
			return CodeRateLimitExceeded
		}
		return CodeInternalError
	case IsEmptyResponse(err):
		return CodeEmptyUpstreamResponse
	default:
		return CodeInternalError
	}
}
