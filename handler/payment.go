// Package handler implements the HTTP endpoints: merchant payments,
// webhook intake, auth, provider configuration, operations and health.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/sefapay/sefapay/infra/middle"
	"github.com/sefapay/sefapay/infra/response"
	"github.com/sefapay/sefapay/provider"
	"github.com/sefapay/sefapay/service"
	"github.com/sefapay/sefapay/store"
)

// handlerTimeout bounds every request, adapter round trips included.
const handlerTimeout = 30 * time.Second

// PaymentServiceInterface defines the interface for payment operations
type PaymentServiceInterface interface {
	Initialize(ctx context.Context, merchantID string, req service.InitializeRequest) (*store.Transaction, bool, error)
	Get(ctx context.Context, merchantID, id string) (*store.Transaction, error)
	List(ctx context.Context, merchantID string, filter store.ListFilter) ([]*store.Transaction, int64, error)
	Verify(ctx context.Context, merchantID, id string) (*store.Transaction, error)
	Refund(ctx context.Context, merchantID, id string, amount *decimal.Decimal, reason string) (*store.Transaction, error)
	Confirm(ctx context.Context, merchantID, id, otp string) (*store.Transaction, error)
	Reconcile(ctx context.Context, olderThan time.Duration, limit int) (*service.ReconcileResult, error)
}

// PaymentHandler handles payment related HTTP requests
type PaymentHandler struct {
	payments PaymentServiceInterface
	validate *validator.Validate
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(payments PaymentServiceInterface, validate *validator.Validate) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		validate: validate,
	}
}

type initializePaymentRequest struct {
	Provider string            `json:"provider" validate:"required"`
	Amount   decimal.Decimal   `json:"amount"`
	Currency string            `json:"currency" validate:"required,currency"`
	Customer provider.Customer `json:"customer"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// Initialize handles payment initiation requests
func (h *PaymentHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	var req initializePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteErrorMessage(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.WriteErrorMessage(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	tx, existing, err := h.payments.Initialize(ctx, middle.GetMerchantID(r.Context()), service.InitializeRequest{
		Provider:       req.Provider,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Customer:       req.Customer,
		Metadata:       req.Metadata,
		IdempotencyKey: r.Header.Get(middle.IdempotencyHeader),
		ClientIP:       middle.GetClientIP(r),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		response.WriteError(w, err)
		return
	}

	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	response.WriteJSON(w, status, tx)
}

// Get handles single transaction lookups
func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	tx, err := h.payments.Get(r.Context(), middle.GetMerchantID(r.Context()), chi.URLParam(r, "transactionID"))
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, tx)
}

// List handles paged transaction listings with status and provider filters
func (h *PaymentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ListFilter{
		Status:     provider.PaymentStatus(q.Get("status")),
		Provider:   q.Get("provider"),
		CustomerID: q.Get("customer_id"),
		Page:       queryInt(q.Get("page"), 1),
		PerPage:    queryInt(q.Get("per_page"), 20),
	}

	items, total, err := h.payments.List(r.Context(), middle.GetMerchantID(r.Context()), filter)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, response.NewPage(items, filter.Page, filter.PerPage, total))
}

// Verify handles on-demand status pulls from the upstream provider
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	tx, err := h.payments.Verify(ctx, middle.GetMerchantID(r.Context()), chi.URLParam(r, "transactionID"))
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, tx)
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

// Refund handles refund requests on completed transactions
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	var req refundRequest
	if r.Body != nil {
		// An empty body means a full refund with no stated reason.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	tx, err := h.payments.Refund(ctx, middle.GetMerchantID(r.Context()), chi.URLParam(r, "transactionID"), req.Amount, req.Reason)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, tx)
}

type confirmRequest struct {
	OTP string `json:"otp" validate:"required"`
}

// Confirm handles customer OTP submission for two-step providers
func (h *PaymentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteErrorMessage(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.WriteErrorMessage(w, http.StatusBadRequest, "otp is required")
		return
	}

	tx, err := h.payments.Confirm(ctx, middle.GetMerchantID(r.Context()), chi.URLParam(r, "transactionID"), req.OTP)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, tx)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return n
	}
	return fallback
}
