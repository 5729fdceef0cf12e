package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindProviderNotConfigured, http.StatusBadRequest},
		{KindRefundUnsupported, http.StatusBadRequest},
		{KindRefund, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindPaymentInit, http.StatusBadGateway},
		{KindPaymentVerification, http.StatusBadGateway},
		{KindInvariantViolation, http.StatusInternalServerError},
		{KindWebhookVerification, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := Status(New(tt.kind, "x")); got != tt.want {
			t.Errorf("Status(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestStatus_PlainError(t *testing.T) {
	if got := Status(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("plain errors should map to 500, got %d", got)
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(Validation("bad input")); got != KindValidation {
		t.Errorf("expected validation kind, got %s", got)
	}

	wrapped := fmt.Errorf("service layer: %w", NotFound("missing"))
	if got := KindOf(wrapped); got != KindNotFound {
		t.Errorf("expected not_found through the chain, got %s", got)
	}

	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("expected internal default, got %s", got)
	}
}

func TestSentinels(t *testing.T) {
	wrapped := fmt.Errorf("refund path: %w", ErrRefundUnsupported)
	if !errors.Is(wrapped, ErrRefundUnsupported) {
		t.Error("errors.Is should match ErrRefundUnsupported through a chain")
	}
	if errors.Is(wrapped, ErrProviderNotConfigured) {
		t.Error("sentinels must not match each other")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindPaymentInit, "upstream call failed", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable with errors.Is")
	}
	if err.Error() != "payment_initialization_error: upstream call failed: connection refused" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestAsError(t *testing.T) {
	typed := AsError(Validation("nope"))
	if typed.Kind != KindValidation {
		t.Errorf("expected validation, got %s", typed.Kind)
	}

	fallback := AsError(errors.New("boom"))
	if fallback.Kind != KindInternal {
		t.Errorf("expected internal wrap, got %s", fallback.Kind)
	}
	if !errors.Is(fallback, fallback.Err) {
		t.Error("original error should remain in the chain")
	}
}

func TestWithDetails(t *testing.T) {
	err := Validation("amount out of range").WithDetails(map[string]any{"field": "amount"})
	if err.Details["field"] != "amount" {
		t.Errorf("details not attached: %+v", err.Details)
	}
}
