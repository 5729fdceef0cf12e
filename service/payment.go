// Package service implements the gateway's business operations on top of
// the durable store and the provider adapters: payment lifecycle, webhook
// pipeline, merchant auth and reconciliation.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/infra/logger"
	"github.com/sefapay/sefapay/infra/validate"
	"github.com/sefapay/sefapay/provider"
	"github.com/sefapay/sefapay/store"
)

// TransactionStore is the persistence surface PaymentService needs.
type TransactionStore interface {
	Create(ctx context.Context, t *store.Transaction) (*store.Transaction, bool, error)
	GetByID(ctx context.Context, merchantID, id string) (*store.Transaction, error)
	GetByProviderTxID(ctx context.Context, providerName, providerTxID string) (*store.Transaction, error)
	List(ctx context.Context, merchantID string, filter store.ListFilter) ([]*store.Transaction, int64, error)
	Transition(ctx context.Context, id string, apply func(current *store.Transaction) (*store.TransitionUpdate, error)) (*store.Transaction, error)
	ListUnsettledOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*store.Transaction, error)
}

// AuditWriter records lifecycle events.
type AuditWriter interface {
	Insert(ctx context.Context, r *store.AuditLog) error
}

// AdapterSource builds an initialised adapter from a merchant's stored,
// decrypted provider config.
type AdapterSource interface {
	CreateAdapter(merchantID, providerName string) (provider.PaymentProvider, error)
}

// PaymentService owns the transaction state machine. All status changes go
// through transition, which enforces the legal-transition table and writes
// one audit row per change.
type PaymentService struct {
	transactions TransactionStore
	audits       AuditWriter
	adapters     AdapterSource
}

// NewPaymentService creates a payment service.
func NewPaymentService(transactions TransactionStore, audits AuditWriter, adapters AdapterSource) *PaymentService {
	return &PaymentService{
		transactions: transactions,
		audits:       audits,
		adapters:     adapters,
	}
}

// InitializeRequest is the validated input for a payment initiation.
type InitializeRequest struct {
	Provider       string
	Amount         decimal.Decimal
	Currency       string
	Customer       provider.Customer
	Metadata       map[string]any
	IdempotencyKey string
	ClientIP       string
	UserAgent      string
}

// legalTransitions is the allowed status graph. Everything else is an
// invariant violation and leaves state unchanged.
var legalTransitions = map[provider.PaymentStatus][]provider.PaymentStatus{
	provider.StatusPending:    {provider.StatusProcessing, provider.StatusFailed},
	provider.StatusProcessing: {provider.StatusCompleted, provider.StatusFailed},
	provider.StatusCompleted:  {provider.StatusRefunded},
}

func canTransition(from, to provider.PaymentStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func isTerminal(status provider.PaymentStatus) bool {
	return status == provider.StatusCompleted || status == provider.StatusRefunded
}

// Initialize creates a PENDING transaction, dispatches to the adapter and
// advances to PROCESSING (or FAILED when the adapter rejects). A duplicate
// idempotency key returns the stored transaction unchanged with
// existing=true.
func (s *PaymentService) Initialize(ctx context.Context, merchantID string, req InitializeRequest) (*store.Transaction, bool, error) {
	if !req.Amount.IsPositive() {
		return nil, false, apperr.Validation("amount must be greater than zero")
	}
	if req.Amount.Exponent() < -2 {
		return nil, false, apperr.Validation("amount must have at most two decimal places")
	}
	if !validate.Currency(req.Currency) {
		return nil, false, apperr.Validation("currency must be a three-letter ISO code")
	}
	if req.Provider == "" {
		return nil, false, apperr.Validation("provider is required")
	}

	// Build the adapter before creating the transaction so a merchant
	// without config for this provider fails cleanly with no orphan row.
	adapter, err := s.adapters.CreateAdapter(merchantID, req.Provider)
	if err != nil {
		return nil, false, err
	}

	t := &store.Transaction{
		MerchantID:     merchantID,
		Provider:       req.Provider,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         provider.StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CustomerID:     req.Customer.ID,
		CustomerPhone:  req.Customer.Phone,
		CustomerEmail:  req.Customer.Email,
		CustomerName:   req.Customer.Name,
		Metadata:       req.Metadata,
	}

	t, existing, err := s.transactions.Create(ctx, t)
	if err != nil {
		return nil, false, err
	}
	if existing {
		return t, true, nil
	}

	s.audit(ctx, t.ID, "payment.initiated", map[string]any{
		"provider": t.Provider,
		"amount":   t.Amount.String(),
		"currency": t.Currency,
		"status":   t.Status,
	}, req.ClientIP, req.UserAgent)

	init, err := adapter.InitPayment(ctx, provider.PaymentRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Customer: req.Customer,
		Metadata: req.Metadata,
	})
	if err != nil {
		// A cancelled initiation keeps the row in PENDING so a later
		// verify or webhook can settle it.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.audit(ctx, t.ID, "payment.verification_failed", map[string]any{
				"error": err.Error(),
			}, req.ClientIP, req.UserAgent)
			return t, false, apperr.Wrap(apperr.KindPaymentInit, "payment initiation cancelled", err)
		}

		failed, terr := s.transition(ctx, t.ID, provider.StatusFailed, &store.TransitionUpdate{
			ErrorMessage: err.Error(),
		}, req.ClientIP, req.UserAgent)
		if terr != nil {
			logger.Error("failed to mark transaction failed", terr, logger.LogContext{
				MerchantID: merchantID,
				Provider:   req.Provider,
				Fields:     map[string]any{"transaction_id": t.ID},
			})
			return t, false, err
		}
		return failed, false, err
	}

	update := &store.TransitionUpdate{
		ProviderTxID:     init.ProviderTxID,
		ProviderResponse: init.Extra,
		PaymentURL:       init.PaymentURL,
	}
	t, err = s.transition(ctx, t.ID, provider.StatusProcessing, update, req.ClientIP, req.UserAgent)
	if err != nil {
		return nil, false, err
	}

	return t, false, nil
}

// Get loads a merchant's transaction.
func (s *PaymentService) Get(ctx context.Context, merchantID, id string) (*store.Transaction, error) {
	return s.transactions.GetByID(ctx, merchantID, id)
}

// List pages through a merchant's transactions.
func (s *PaymentService) List(ctx context.Context, merchantID string, filter store.ListFilter) ([]*store.Transaction, int64, error) {
	return s.transactions.List(ctx, merchantID, filter)
}

// verifyReference picks the reference the upstream status endpoint keys on.
// Some upstreams query by the caller's external id rather than their own.
func verifyReference(t *store.Transaction) string {
	if ext, ok := t.Metadata["ext_transaction_id"].(string); ok && ext != "" {
		return ext
	}
	if ext, ok := t.ProviderResponse["ext_transaction_id"].(string); ok && ext != "" {
		return ext
	}
	return t.ProviderTxID
}

// Verify pulls the upstream status and applies it. Terminal transactions
// return unchanged without an upstream call.
func (s *PaymentService) Verify(ctx context.Context, merchantID, id string) (*store.Transaction, error) {
	t, err := s.transactions.GetByID(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}
	if isTerminal(t.Status) {
		return t, nil
	}

	adapter, err := s.adapters.CreateAdapter(merchantID, t.Provider)
	if err != nil {
		return nil, err
	}

	result, err := adapter.VerifyPayment(ctx, verifyReference(t))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return t, nil
		}
		s.audit(ctx, t.ID, "payment.verification_failed", map[string]any{
			"error": err.Error(),
		}, "", "")
		return nil, err
	}

	return s.applyUpstreamStatus(ctx, t, result.Status, result.Extra)
}

// ApplyWebhookStatus advances a transaction from a webhook-derived status
// under the same transition guards as Verify.
func (s *PaymentService) ApplyWebhookStatus(ctx context.Context, t *store.Transaction, status provider.PaymentStatus, payload map[string]any) (*store.Transaction, error) {
	return s.applyUpstreamStatus(ctx, t, status, payload)
}

func (s *PaymentService) applyUpstreamStatus(ctx context.Context, t *store.Transaction, status provider.PaymentStatus, response map[string]any) (*store.Transaction, error) {
	if status == t.Status {
		return t, nil
	}
	// An upstream still reporting pending while we hold processing has
	// simply not settled yet.
	if status == provider.StatusPending && t.Status == provider.StatusProcessing {
		return t, nil
	}
	if status == provider.StatusProcessing && t.Status == provider.StatusPending {
		// Late settlement of the init step.
		return s.transition(ctx, t.ID, provider.StatusProcessing, &store.TransitionUpdate{ProviderResponse: response}, "", "")
	}
	if !canTransition(t.Status, status) {
		return nil, apperr.Newf(apperr.KindInvariantViolation,
			"illegal transition %s -> %s for transaction %s", t.Status, status, t.ID)
	}

	return s.transition(ctx, t.ID, status, &store.TransitionUpdate{ProviderResponse: response}, "", "")
}

// Refund returns funds on a completed transaction. Unsupported providers
// surface RefundUnsupported with the provider reference; the transaction
// stays COMPLETED.
func (s *PaymentService) Refund(ctx context.Context, merchantID, id string, amount *decimal.Decimal, reason string) (*store.Transaction, error) {
	t, err := s.transactions.GetByID(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}
	if t.Status != provider.StatusCompleted {
		return nil, apperr.Newf(apperr.KindValidation,
			"refund requires a completed transaction, current status is %s", t.Status)
	}
	if amount != nil {
		if !amount.IsPositive() {
			return nil, apperr.Validation("refund amount must be greater than zero")
		}
		if amount.GreaterThan(t.Amount) {
			return nil, apperr.Validation("refund amount exceeds transaction amount")
		}
	}

	adapter, err := s.adapters.CreateAdapter(merchantID, t.Provider)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, t.ID, "refund.initiated", map[string]any{
		"reason": reason,
	}, "", "")

	result, err := adapter.RefundPayment(ctx, provider.RefundRequest{
		ProviderTxID: t.ProviderTxID,
		Amount:       amount,
		Reason:       reason,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrRefundUnsupported) {
			return nil, apperr.Wrap(apperr.KindRefundUnsupported, "provider does not support refunds", err).
				WithDetails(map[string]any{"provider_transaction_id": t.ProviderTxID})
		}
		return nil, err
	}

	// Asynchronous refunds (reversals) stay COMPLETED until the upstream
	// confirms on the push channel.
	if result.Status != provider.StatusRefunded {
		s.audit(ctx, t.ID, "refund.pending", map[string]any{
			"refund_id": result.RefundID,
			"status":    result.Status,
		}, "", "")
		return s.transactions.Transition(ctx, t.ID, func(current *store.Transaction) (*store.TransitionUpdate, error) {
			return &store.TransitionUpdate{ProviderResponse: result.Extra}, nil
		})
	}

	return s.transition(ctx, t.ID, provider.StatusRefunded, &store.TransitionUpdate{
		ProviderResponse: result.Extra,
	}, "", "")
}

// Confirm submits a customer OTP for providers with a two-step flow.
func (s *PaymentService) Confirm(ctx context.Context, merchantID, id, otp string) (*store.Transaction, error) {
	t, err := s.transactions.GetByID(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}
	if isTerminal(t.Status) {
		return t, nil
	}

	adapter, err := s.adapters.CreateAdapter(merchantID, t.Provider)
	if err != nil {
		return nil, err
	}

	confirmer, ok := adapter.(provider.OTPConfirmer)
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "provider %s does not support otp confirmation", t.Provider)
	}

	result, err := confirmer.ConfirmPayment(ctx, t.ProviderTxID, provider.PaymentRequest{
		Amount:   t.Amount,
		Currency: t.Currency,
		Customer: provider.Customer{
			ID:    t.CustomerID,
			Phone: t.CustomerPhone,
			Email: t.CustomerEmail,
			Name:  t.CustomerName,
		},
		Metadata: t.Metadata,
	}, otp)
	if err != nil {
		return nil, err
	}

	return s.applyUpstreamStatus(ctx, t, result.Status, result.Extra)
}

// ReconcileResult summarises a reconcile sweep.
type ReconcileResult struct {
	TotalPending int              `json:"total_pending"`
	Reconciled   int              `json:"reconciled"`
	Errors       []ReconcileError `json:"errors"`
}

// ReconcileError names one transaction the sweep could not settle.
type ReconcileError struct {
	TransactionID string `json:"transaction_id"`
	Error         string `json:"error"`
}

// Reconcile verifies every unsettled transaction older than the cutoff.
// Each transaction transitions atomically; one failure does not stop the
// sweep.
func (s *PaymentService) Reconcile(ctx context.Context, olderThan time.Duration, limit int) (*ReconcileResult, error) {
	cutoff := time.Now().Add(-olderThan)
	unsettled, err := s.transactions.ListUnsettledOlderThan(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{
		TotalPending: len(unsettled),
		Errors:       []ReconcileError{},
	}

	for _, t := range unsettled {
		before := t.Status
		updated, err := s.Verify(ctx, t.MerchantID, t.ID)
		if err != nil {
			result.Errors = append(result.Errors, ReconcileError{
				TransactionID: t.ID,
				Error:         err.Error(),
			})
			continue
		}
		if updated.Status != before {
			result.Reconciled++
		}
	}

	return result, nil
}

// transition applies a guarded status change. The audit row commits in the
// same database transaction as the status change.
func (s *PaymentService) transition(ctx context.Context, id string, to provider.PaymentStatus, update *store.TransitionUpdate, clientIP, userAgent string) (*store.Transaction, error) {
	return s.transactions.Transition(ctx, id, func(current *store.Transaction) (*store.TransitionUpdate, error) {
		if current.Status == to {
			return nil, nil
		}
		if !canTransition(current.Status, to) {
			return nil, apperr.Newf(apperr.KindInvariantViolation,
				"illegal transition %s -> %s for transaction %s", current.Status, to, id)
		}
		update.Status = to
		update.Audit = &store.AuditLog{
			TransactionID: id,
			EventType:     auditEventForStatus(to),
			EventData: map[string]any{
				"status":            to,
				"provider_response": update.ProviderResponse,
			},
			ClientIP:  clientIP,
			UserAgent: userAgent,
		}
		return update, nil
	})
}

func auditEventForStatus(status provider.PaymentStatus) string {
	switch status {
	case provider.StatusProcessing:
		return "payment.processing"
	case provider.StatusCompleted:
		return "payment.completed"
	case provider.StatusFailed:
		return "payment.failed"
	case provider.StatusRefunded:
		return "refund.completed"
	default:
		return "payment.updated"
	}
}

// audit writes a lifecycle row. Audit failures are logged, never surfaced:
// the payment outcome must not depend on the audit trail being writable.
func (s *PaymentService) audit(ctx context.Context, transactionID, eventType string, data map[string]any, clientIP, userAgent string) {
	err := s.audits.Insert(ctx, &store.AuditLog{
		TransactionID: transactionID,
		EventType:     eventType,
		EventData:     data,
		ClientIP:      clientIP,
		UserAgent:     userAgent,
	})
	if err != nil {
		logger.Error("failed to write audit log", err, logger.LogContext{
			Fields: map[string]any{
				"transaction_id": transactionID,
				"event_type":     eventType,
			},
		})
	}
}
