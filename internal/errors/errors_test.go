package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestPredicates(t *testing.T) {
	if !IsCapacityError(NewCapacityError("", -1)) {
		t.Fatal("IsCapacityError should match CapacityError")
	}
	if !IsInvalidGrant(NewInvalidGrantError(1, "")) {
		t.Fatal("IsInvalidGrant should match InvalidGrantError")
	}
	if !IsTransient(NewTransientError("timeout")) {
		t.Fatal("IsTransient should match TransientError")
	}
	if !IsEmptyResponse(NewEmptyResponseError("")) {
		t.Fatal("IsEmptyResponse should match EmptyResponseError")
	}
	if !IsDuplicateAccount(NewDuplicateAccountError("proj")) {
		t.Fatal("IsDuplicateAccount should match DuplicateAccountError")
	}
	if !IsSlotLimit(NewSlotLimitError("m")) {
		t.Fatal("IsSlotLimit should match SlotLimitError")
	}
	if !IsNoAccounts(NewAllBusyError()) {
		t.Fatal("IsNoAccounts should match NoAccountsError")
	}
	if IsCapacityError(stderrors.New("plain")) {
		t.Fatal("IsCapacityError should not match a plain error")
	}
}

func TestPredicates_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("attempt 2: %w", NewCapacityError("exhausted", 5000))
	if !IsCapacityError(wrapped) {
		t.Fatal("IsCapacityError should match through wrapping")
	}
	var ce *CapacityError
	if !stderrors.As(wrapped, &ce) || ce.ResetMs != 5000 {
		t.Fatalf("expected ResetMs 5000, got %+v", ce)
	}
}

func TestIsInvalidGrant_StringFallback(t *testing.T) {
	err := stderrors.New(`oauth error: {"error":"invalid_grant"}`)
	if !IsInvalidGrant(err) {
		t.Fatal("IsInvalidGrant should match invalid_grant in the message")
	}
	if IsInvalidGrant(stderrors.New("some other failure")) {
		t.Fatal("IsInvalidGrant should not match unrelated errors")
	}
	if IsInvalidGrant(nil) {
		t.Fatal("IsInvalidGrant(nil) should be false")
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(context.Canceled) {
		t.Fatal("context.Canceled should count as cancelled")
	}
	if !IsCancelled(fmt.Errorf("request: %w", context.DeadlineExceeded)) {
		t.Fatal("wrapped DeadlineExceeded should count as cancelled")
	}
	if IsCancelled(stderrors.New("boom")) {
		t.Fatal("plain error should not count as cancelled")
	}
}

func TestUpstreamError_Retryable(t *testing.T) {
	if NewUpstreamError("bad request", 400).Retryable {
		t.Fatal("4xx upstream errors should not be retryable")
	}
	if !NewUpstreamError("bad gateway", 502).Retryable {
		t.Fatal("5xx upstream errors should be retryable")
	}
}

func TestHTTPStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NewSlotLimitError("m"), 429},
		{NewCapacityError("", -1), 429},
		{NewAllLimitedError("m"), 429},
		{NewAllBusyError(), 503},
		{NewNoAccountsError(), 503},
		{NewEmptyResponseError(""), 502},
		{NewUpstreamError("boom", 500), 500},
		{stderrors.New("plain"), 500},
	}
	for _, tc := range cases {
		if got := HTTPStatusFromError(tc.err); got != tc.want {
			t.Fatalf("HTTPStatusFromError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{NewSlotLimitError("m"), CodeModelConcurrencyLimit},
		{NewCapacityError("", -1), CodeRateLimitExceeded},
		{NewAllLimitedError("m"), CodeRateLimitExceeded},
		{NewAllBusyError(), CodeInternalError},
		{NewEmptyResponseError(""), CodeEmptyUpstreamResponse},
		{stderrors.New("plain"), CodeInternalError},
	}
	for _, tc := range cases {
		if got := ErrorCode(tc.err); got != tc.want {
			t.Fatalf("ErrorCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
