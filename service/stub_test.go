package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/provider"
	"github.com/sefapay/sefapay/store"
)

// memTransactionStore is an in-memory TransactionStore mirroring the
// SQL-backed transition semantics: guarded merge, completed_at stamping
// and atomic audit rows.
type memTransactionStore struct {
	mu           sync.Mutex
	transactions map[string]*store.Transaction
	audits       []*store.AuditLog
}

func newMemTransactionStore() *memTransactionStore {
	return &memTransactionStore{transactions: map[string]*store.Transaction{}}
}

func (m *memTransactionStore) Create(ctx context.Context, t *store.Transaction) (*store.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.transactions {
		if existing.MerchantID == t.MerchantID && existing.IdempotencyKey == t.IdempotencyKey {
			return existing, true, nil
		}
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = provider.StatusPending
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	m.transactions[t.ID] = t
	return t, false, nil
}

func (m *memTransactionStore) GetByID(ctx context.Context, merchantID, id string) (*store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok || t.MerchantID != merchantID {
		return nil, apperr.NotFound("transaction not found")
	}
	return t, nil
}

func (m *memTransactionStore) GetByProviderTxID(ctx context.Context, providerName, providerTxID string) (*store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.transactions {
		if t.Provider == providerName && t.ProviderTxID == providerTxID {
			return t, nil
		}
	}
	return nil, apperr.NotFound("transaction not found for provider reference")
}

func (m *memTransactionStore) List(ctx context.Context, merchantID string, filter store.ListFilter) ([]*store.Transaction, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*store.Transaction
	for _, t := range m.transactions {
		if t.MerchantID != merchantID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Provider != "" && t.Provider != filter.Provider {
			continue
		}
		result = append(result, t)
	}
	return result, int64(len(result)), nil
}

func (m *memTransactionStore) Transition(ctx context.Context, id string, apply func(current *store.Transaction) (*store.TransitionUpdate, error)) (*store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return nil, apperr.NotFound("transaction not found")
	}

	update, err := apply(t)
	if err != nil {
		return nil, err
	}
	if update == nil {
		return t, nil
	}

	if update.Status != "" {
		t.Status = update.Status
	}
	if update.ProviderTxID != "" {
		t.ProviderTxID = update.ProviderTxID
	}
	if update.ProviderResponse != nil {
		t.ProviderResponse = update.ProviderResponse
	}
	if update.PaymentURL != "" {
		t.PaymentURL = update.PaymentURL
	}
	t.ErrorMessage = update.ErrorMessage
	now := time.Now().UTC()
	if t.Status == provider.StatusCompleted && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	t.UpdatedAt = now

	if update.Audit != nil {
		update.Audit.CreatedAt = now
		m.audits = append(m.audits, update.Audit)
	}

	return t, nil
}

func (m *memTransactionStore) ListUnsettledOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*store.Transaction
	for _, t := range m.transactions {
		if (t.Status == provider.StatusPending || t.Status == provider.StatusProcessing) && t.CreatedAt.Before(cutoff) {
			result = append(result, t)
		}
	}
	return result, nil
}

// memAuditWriter collects non-transition audit rows.
type memAuditWriter struct {
	mu   sync.Mutex
	rows []*store.AuditLog
}

func (m *memAuditWriter) Insert(ctx context.Context, r *store.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.CreatedAt = time.Now()
	m.rows = append(m.rows, r)
	return nil
}

func (m *memAuditWriter) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, len(m.rows))
	for i, r := range m.rows {
		types[i] = r.EventType
	}
	return types
}

// fakeAdapter is a scriptable PaymentProvider.
type fakeAdapter struct {
	initResult    *provider.InitResult
	initErr       error
	verifyResult  *provider.VerifyResult
	verifyErr     error
	refundResult  *provider.RefundResult
	refundErr     error
	signatureOK   bool
	webhookResult *provider.WebhookResult
	webhookErr    error

	initCalls   int
	verifyCalls int
}

func (f *fakeAdapter) Initialize(config map[string]string) error { return nil }
func (f *fakeAdapter) GetRequiredConfig() []provider.ConfigField { return nil }

func (f *fakeAdapter) InitPayment(ctx context.Context, request provider.PaymentRequest) (*provider.InitResult, error) {
	f.initCalls++
	return f.initResult, f.initErr
}

func (f *fakeAdapter) VerifyPayment(ctx context.Context, providerTxID string) (*provider.VerifyResult, error) {
	f.verifyCalls++
	return f.verifyResult, f.verifyErr
}

func (f *fakeAdapter) RefundPayment(ctx context.Context, request provider.RefundRequest) (*provider.RefundResult, error) {
	return f.refundResult, f.refundErr
}

func (f *fakeAdapter) VerifyWebhookSignature(raw []byte, signature string) bool {
	return f.signatureOK
}

func (f *fakeAdapter) HandleWebhook(payload map[string]any) (*provider.WebhookResult, error) {
	return f.webhookResult, f.webhookErr
}

// otpFakeAdapter adds a scriptable two-step confirmation on top of
// fakeAdapter.
type otpFakeAdapter struct {
	fakeAdapter
	confirmResult *provider.VerifyResult
	confirmErr    error
	confirmCalls  int
	lastOTP       string
}

func (f *otpFakeAdapter) ConfirmPayment(ctx context.Context, providerTxID string, request provider.PaymentRequest, otp string) (*provider.VerifyResult, error) {
	f.confirmCalls++
	f.lastOTP = otp
	return f.confirmResult, f.confirmErr
}

// fakeAdapterSource hands out one scripted adapter for every merchant.
type fakeAdapterSource struct {
	adapter provider.PaymentProvider
	err     error
}

func (f *fakeAdapterSource) CreateAdapter(merchantID, providerName string) (provider.PaymentProvider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.adapter, nil
}

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
