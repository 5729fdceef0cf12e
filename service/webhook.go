package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/infra/logger"
	"github.com/sefapay/sefapay/provider"
	"github.com/sefapay/sefapay/store"
)

// signatureNotVerifiedMessage is recorded on events whose provider
// signature failed at receive time.
const signatureNotVerifiedMessage = "Webhook signature not verified"

// WebhookEventStore is the persistence surface WebhookService needs.
type WebhookEventStore interface {
	Insert(ctx context.Context, e *store.WebhookEvent) error
	GetByID(ctx context.Context, id string) (*store.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id, transactionID, eventType, providerTxID string) error
	RecordFailure(ctx context.Context, id, errorMessage string) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*store.WebhookEvent, error)
	ListDeadLetter(ctx context.Context, page, perPage int) ([]*store.WebhookEvent, int64, error)
	ListByProvider(ctx context.Context, providerName string, page, perPage int) ([]*store.WebhookEvent, int64, error)
	ListAll(ctx context.Context, page, perPage int) ([]*store.WebhookEvent, int64, error)
	ResetForRetry(ctx context.Context, id string) error
	Stats(ctx context.Context) (map[string]any, error)
}

// WebhookService owns the receive/process/retry pipeline. Events are
// durably stored on receipt and processed asynchronously; processing
// failures burn retry budget until the event dead-letters.
type WebhookService struct {
	events       WebhookEventStore
	transactions TransactionStore
	payments     *PaymentService
	adapters     AdapterSource
}

// NewWebhookService creates a webhook service.
func NewWebhookService(events WebhookEventStore, transactions TransactionStore, payments *PaymentService, adapters AdapterSource) *WebhookService {
	return &WebhookService{
		events:       events,
		transactions: transactions,
		payments:     payments,
		adapters:     adapters,
	}
}

// Receive durably stores an upstream push. When both a signature and the
// raw body are present the provider adapter checks the signature and the
// outcome is recorded as verified; when either is absent the event is
// accepted unsigned (providers whose protocol carries no signature).
// Receive never fails on a bad signature; process handles that later.
func (s *WebhookService) Receive(ctx context.Context, providerName string, raw []byte, signature string) (*store.WebhookEvent, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, apperr.Validation("webhook body is not valid JSON")
	}

	e := &store.WebhookEvent{
		Provider:  providerName,
		Payload:   string(raw),
		Signature: signature,
		Verified:  true,
	}

	// Parsing up front captures the upstream reference for later lookup;
	// a shape the adapter rejects still gets stored and retried.
	if result, err := s.parsePayload(providerName, payload); err == nil {
		e.ProviderTxID = result.ProviderTxID
		e.EventType = result.EventType
	}

	if signature != "" && len(raw) > 0 {
		e.Verified = s.verifySignature(ctx, providerName, e.ProviderTxID, raw, signature)
	}

	if err := s.events.Insert(ctx, e); err != nil {
		return nil, err
	}

	return e, nil
}

// parsePayload normalises the payload with a registry-fresh adapter.
// HandleWebhook needs no credentials on any current provider.
func (s *WebhookService) parsePayload(providerName string, payload map[string]any) (*provider.WebhookResult, error) {
	adapter, err := provider.Create(providerName)
	if err != nil {
		return nil, err
	}
	return adapter.HandleWebhook(payload)
}

// verifySignature checks the provider signature with the merchant's
// credentials, resolved through the transaction the push refers to. An
// unresolvable merchant cannot be verified.
func (s *WebhookService) verifySignature(ctx context.Context, providerName, providerTxID string, raw []byte, signature string) bool {
	if providerTxID == "" {
		return false
	}

	t, err := s.transactions.GetByProviderTxID(ctx, providerName, providerTxID)
	if err != nil {
		return false
	}

	adapter, err := s.adapters.CreateAdapter(t.MerchantID, providerName)
	if err != nil {
		return false
	}

	return adapter.VerifyWebhookSignature(raw, signature)
}

// Process applies a stored event to its transaction. Idempotent: an
// already-processed event returns success with no side effect. Any failure
// burns one retry and records the cause on the event.
func (s *WebhookService) Process(ctx context.Context, eventID string) (bool, error) {
	e, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return false, err
	}

	if e.Processed {
		return true, nil
	}

	if !e.Verified {
		return false, s.fail(ctx, e, signatureNotVerifiedMessage)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		return false, s.fail(ctx, e, "stored payload is not valid JSON")
	}

	result, err := s.parsePayload(e.Provider, payload)
	if err != nil {
		return false, s.fail(ctx, e, err.Error())
	}

	t, err := s.transactions.GetByProviderTxID(ctx, e.Provider, result.ProviderTxID)
	if err != nil {
		return false, s.fail(ctx, e, err.Error())
	}

	// Informational events carry no status. A rejected reversal leaves the
	// payment settled; the outcome lands on the audit trail only.
	if result.Status == "" {
		s.payments.audit(ctx, t.ID, "refund.failed", payload, "", "")
	} else if _, err := s.payments.ApplyWebhookStatus(ctx, t, result.Status, payload); err != nil {
		return false, s.fail(ctx, e, err.Error())
	}

	if err := s.events.MarkProcessed(ctx, e.ID, t.ID, result.EventType, result.ProviderTxID); err != nil {
		return false, err
	}

	return true, nil
}

func (s *WebhookService) fail(ctx context.Context, e *store.WebhookEvent, message string) error {
	if err := s.events.RecordFailure(ctx, e.ID, message); err != nil {
		return err
	}
	return apperr.New(apperr.KindWebhookVerification, message)
}

// RetryDue re-processes every unprocessed event whose scheduled attempt
// time has passed. Returns the count of successful processings.
func (s *WebhookService) RetryDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.events.ListDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	succeeded := 0
	for _, e := range due {
		ok, err := s.Process(ctx, e.ID)
		if err != nil {
			logger.Warn("webhook retry failed", logger.LogContext{
				Provider: e.Provider,
				Fields:   map[string]any{"event_id": e.ID, "retry_count": e.RetryCount, "error": err.Error()},
			})
			continue
		}
		if ok {
			succeeded++
		}
	}

	return succeeded, nil
}

// DeadLetter pages through events that exhausted their retry budget.
func (s *WebhookService) DeadLetter(ctx context.Context, page, perPage int) ([]*store.WebhookEvent, int64, error) {
	return s.events.ListDeadLetter(ctx, page, perPage)
}

// List pages through stored events, optionally scoped to one provider.
func (s *WebhookService) List(ctx context.Context, providerName string, page, perPage int) ([]*store.WebhookEvent, int64, error) {
	if providerName != "" {
		return s.events.ListByProvider(ctx, providerName, page, perPage)
	}
	return s.events.ListAll(ctx, page, perPage)
}

// Replay gives a dead-lettered event a fresh retry budget and processes it
// immediately.
func (s *WebhookService) Replay(ctx context.Context, eventID string) (bool, error) {
	if err := s.events.ResetForRetry(ctx, eventID); err != nil {
		return false, err
	}
	return s.Process(ctx, eventID)
}

// Stats summarises pipeline health.
func (s *WebhookService) Stats(ctx context.Context) (map[string]any, error) {
	return s.events.Stats(ctx)
}
