package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/provider"
	"github.com/sefapay/sefapay/store"
)

// pushAdapter is the adapter instance handed out for the "testpush" provider
// name. Tests script it before exercising the pipeline.
var pushAdapter = &fakeAdapter{}

func init() {
	provider.Register("testpush", func() provider.PaymentProvider { return pushAdapter })
}

// memWebhookEventStore is an in-memory WebhookEventStore mirroring the SQL
// retry and dead-letter semantics.
type memWebhookEventStore struct {
	mu     sync.Mutex
	events map[string]*store.WebhookEvent
}

func newMemWebhookEventStore() *memWebhookEventStore {
	return &memWebhookEventStore{events: map[string]*store.WebhookEvent{}}
}

func (m *memWebhookEventStore) Insert(ctx context.Context, e *store.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now()
	m.events[e.ID] = e
	return nil
}

func (m *memWebhookEventStore) GetByID(ctx context.Context, id string) (*store.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, apperr.NotFound("webhook event not found")
	}
	return e, nil
}

func (m *memWebhookEventStore) MarkProcessed(ctx context.Context, id, transactionID, eventType, providerTxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.events[id]
	now := time.Now()
	e.Processed = true
	e.LastError = ""
	e.ProcessedAt = &now
	if transactionID != "" {
		e.TransactionID = transactionID
	}
	if eventType != "" {
		e.EventType = eventType
	}
	if providerTxID != "" {
		e.ProviderTxID = providerTxID
	}
	return nil
}

func (m *memWebhookEventStore) RecordFailure(ctx context.Context, id, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.events[id]
	e.RetryCount++
	e.LastError = errorMessage
	return nil
}

func (m *memWebhookEventStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*store.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*store.WebhookEvent
	for _, e := range m.events {
		if e.Processed || e.RetryCount >= store.MaxWebhookRetries {
			continue
		}
		if store.NextAttemptAt(e).After(now) {
			continue
		}
		due = append(due, e)
	}
	return due, nil
}

func (m *memWebhookEventStore) ListDeadLetter(ctx context.Context, page, perPage int) ([]*store.WebhookEvent, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dead []*store.WebhookEvent
	for _, e := range m.events {
		if !e.Processed && e.RetryCount >= store.MaxWebhookRetries {
			dead = append(dead, e)
		}
	}
	return dead, int64(len(dead)), nil
}

func (m *memWebhookEventStore) ListByProvider(ctx context.Context, providerName string, page, perPage int) ([]*store.WebhookEvent, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.WebhookEvent
	for _, e := range m.events {
		if e.Provider == providerName {
			result = append(result, e)
		}
	}
	return result, int64(len(result)), nil
}

func (m *memWebhookEventStore) ListAll(ctx context.Context, page, perPage int) ([]*store.WebhookEvent, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.WebhookEvent
	for _, e := range m.events {
		result = append(result, e)
	}
	return result, int64(len(result)), nil
}

func (m *memWebhookEventStore) ResetForRetry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.Processed {
		return apperr.NotFound("webhook event not found or already processed")
	}
	e.RetryCount = 0
	e.LastError = ""
	return nil
}

func (m *memWebhookEventStore) Stats(ctx context.Context) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{"total": int64(len(m.events))}, nil
}

func newWebhookFixture(t *testing.T) (*WebhookService, *memTransactionStore, *memWebhookEventStore) {
	t.Helper()
	pushAdapter.signatureOK = false
	pushAdapter.webhookResult = nil
	pushAdapter.webhookErr = nil

	txs := newMemTransactionStore()
	events := newMemWebhookEventStore()
	payments := NewPaymentService(txs, &memAuditWriter{}, &fakeAdapterSource{adapter: pushAdapter})
	svc := NewWebhookService(events, txs, payments, &fakeAdapterSource{adapter: pushAdapter})
	return svc, txs, events
}

func seedProcessing(t *testing.T, txs *memTransactionStore, providerTxID string) *store.Transaction {
	t.Helper()
	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "testpush",
		ProviderTxID:   providerTxID,
		Amount:         mustDecimal("50.00"),
		Status:         provider.StatusProcessing,
		IdempotencyKey: "K-" + providerTxID,
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)
	return tx
}

func TestWebhookService_Receive_UnsignedAccepted(t *testing.T) {
	svc, _, _ := newWebhookFixture(t)
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_12345",
		EventType:    "payment.success",
		Status:       provider.StatusCompleted,
	}

	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_12345"}`), "")
	require.NoError(t, err)

	assert.True(t, e.Verified)
	assert.False(t, e.Processed)
	assert.Equal(t, "txn_12345", e.ProviderTxID)
	assert.Equal(t, "payment.success", e.EventType)
}

func TestWebhookService_Receive_RejectsNonJSON(t *testing.T) {
	svc, _, _ := newWebhookFixture(t)

	_, err := svc.Receive(context.Background(), "testpush", []byte("not json"), "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestWebhookService_Receive_SignedVerified(t *testing.T) {
	svc, txs, _ := newWebhookFixture(t)
	pushAdapter.signatureOK = true
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_12345",
		Status:       provider.StatusCompleted,
	}
	seedProcessing(t, txs, "txn_12345")

	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_12345"}`), "sig")
	require.NoError(t, err)
	assert.True(t, e.Verified)
}

func TestWebhookService_Receive_SignedUnresolvableMerchant(t *testing.T) {
	svc, _, _ := newWebhookFixture(t)
	pushAdapter.signatureOK = true
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_unknown",
		Status:       provider.StatusCompleted,
	}

	// No transaction holds this reference, so the merchant credentials
	// cannot be resolved and the signature stays unverified.
	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_unknown"}`), "sig")
	require.NoError(t, err)
	assert.False(t, e.Verified)
}

func TestWebhookService_Process_UnverifiedBurnsRetry(t *testing.T) {
	svc, txs, events := newWebhookFixture(t)
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_12345",
		Status:       provider.StatusCompleted,
	}
	seedProcessing(t, txs, "txn_12345")

	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_12345"}`), "bad-sig")
	require.NoError(t, err)
	require.False(t, e.Verified)

	ok, err := svc.Process(context.Background(), e.ID)
	require.Error(t, err)
	assert.False(t, ok)

	stored, err := events.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "Webhook signature not verified", stored.LastError)
	assert.False(t, stored.Processed)
}

func TestWebhookService_Process_Success(t *testing.T) {
	svc, txs, events := newWebhookFixture(t)
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_12345",
		EventType:    "payment.success",
		Status:       provider.StatusCompleted,
	}
	tx := seedProcessing(t, txs, "txn_12345")

	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_12345"}`), "")
	require.NoError(t, err)

	ok, err := svc.Process(context.Background(), e.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := events.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, tx.ID, stored.TransactionID)
	assert.NotNil(t, stored.ProcessedAt)

	updated, err := txs.GetByID(context.Background(), "merchant-1", tx.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)
}

func TestWebhookService_Process_Idempotent(t *testing.T) {
	svc, txs, _ := newWebhookFixture(t)
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_12345",
		Status:       provider.StatusCompleted,
	}
	seedProcessing(t, txs, "txn_12345")

	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_12345"}`), "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := svc.Process(context.Background(), e.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// The status change and its audit row were applied exactly once.
	assert.Len(t, txs.audits, 1)
}

func TestWebhookService_Process_UnknownTransaction(t *testing.T) {
	svc, _, events := newWebhookFixture(t)
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_orphan",
		Status:       provider.StatusCompleted,
	}

	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_orphan"}`), "")
	require.NoError(t, err)

	ok, err := svc.Process(context.Background(), e.ID)
	require.Error(t, err)
	assert.False(t, ok)

	stored, err := events.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
	assert.NotEmpty(t, stored.LastError)
}

func TestWebhookService_Process_IllegalTransitionBurnsRetry(t *testing.T) {
	svc, txs, events := newWebhookFixture(t)
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_12345",
		Status:       provider.StatusCompleted,
	}
	tx := seedProcessing(t, txs, "txn_12345")
	tx.Status = provider.StatusRefunded

	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_12345"}`), "")
	require.NoError(t, err)

	ok, err := svc.Process(context.Background(), e.ID)
	require.Error(t, err)
	assert.False(t, ok)

	stored, err := events.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "illegal transition")
}

func TestWebhookService_Process_FailedReversalKeepsCompleted(t *testing.T) {
	pushAdapter.signatureOK = false
	pushAdapter.webhookErr = nil
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_12345",
		EventType:    "reversal_failed",
	}

	txs := newMemTransactionStore()
	events := newMemWebhookEventStore()
	audits := &memAuditWriter{}
	payments := NewPaymentService(txs, audits, &fakeAdapterSource{adapter: pushAdapter})
	svc := NewWebhookService(events, txs, payments, &fakeAdapterSource{adapter: pushAdapter})

	tx := seedProcessing(t, txs, "txn_12345")
	tx.Status = provider.StatusCompleted

	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_12345"}`), "")
	require.NoError(t, err)

	// A rejected reversal processes cleanly instead of burning the retry
	// budget on an illegal transition.
	ok, err := svc.Process(context.Background(), e.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := events.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, 0, stored.RetryCount)

	updated, err := txs.GetByID(context.Background(), "merchant-1", tx.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusCompleted, updated.Status)

	// No transition happened; the outcome lives on the audit trail.
	assert.Empty(t, txs.audits)
	assert.Equal(t, []string{"refund.failed"}, audits.eventTypes())
}

func TestWebhookService_RetryDue(t *testing.T) {
	svc, txs, events := newWebhookFixture(t)
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_12345",
		Status:       provider.StatusCompleted,
	}
	seedProcessing(t, txs, "txn_12345")

	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_12345"}`), "")
	require.NoError(t, err)

	succeeded, err := svc.RetryDue(context.Background(), time.Now(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)

	stored, err := events.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
}

func TestWebhookService_RetryDue_RespectsSchedule(t *testing.T) {
	svc, txs, events := newWebhookFixture(t)
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_12345",
		Status:       provider.StatusCompleted,
	}
	seedProcessing(t, txs, "txn_12345")

	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_12345"}`), "")
	require.NoError(t, err)
	require.NoError(t, events.RecordFailure(context.Background(), e.ID, "transient"))

	// First retry is scheduled 60s after receipt; nothing is due yet.
	succeeded, err := svc.RetryDue(context.Background(), time.Now(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, succeeded)

	succeeded, err = svc.RetryDue(context.Background(), time.Now().Add(61*time.Second), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
}

func TestWebhookService_DeadLetterAndReplay(t *testing.T) {
	svc, txs, events := newWebhookFixture(t)
	pushAdapter.webhookResult = &provider.WebhookResult{
		ProviderTxID: "txn_12345",
		Status:       provider.StatusCompleted,
	}

	e, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_12345"}`), "")
	require.NoError(t, err)

	// Burn the whole retry budget on a missing transaction.
	for i := 0; i < store.MaxWebhookRetries; i++ {
		_, perr := svc.Process(context.Background(), e.ID)
		require.Error(t, perr)
	}

	dead, total, err := svc.DeadLetter(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, dead, 1)
	assert.Equal(t, e.ID, dead[0].ID)

	// Once the transaction shows up, replay drains the event.
	seedProcessing(t, txs, "txn_12345")
	ok, err := svc.Replay(context.Background(), e.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := events.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
}

func TestWebhookService_List_ByProvider(t *testing.T) {
	svc, _, _ := newWebhookFixture(t)
	pushAdapter.webhookResult = &provider.WebhookResult{ProviderTxID: "txn_a"}

	_, err := svc.Receive(context.Background(), "testpush", []byte(`{"id":"txn_a"}`), "")
	require.NoError(t, err)

	scoped, total, err := svc.List(context.Background(), "testpush", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, scoped, 1)

	none, total, err := svc.List(context.Background(), "other", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Empty(t, none)
}
