package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/provider"
	"github.com/sefapay/sefapay/store"
)

func newPaymentFixture(adapter *fakeAdapter) (*PaymentService, *memTransactionStore, *memAuditWriter) {
	txs := newMemTransactionStore()
	audits := &memAuditWriter{}
	svc := NewPaymentService(txs, audits, &fakeAdapterSource{adapter: adapter})
	return svc, txs, audits
}

func initRequest(key string) InitializeRequest {
	return InitializeRequest{
		Provider:       "standard_bank_pay",
		Amount:         mustDecimal("50.00"),
		Currency:       "LSL",
		Customer:       provider.Customer{Phone: "+26650123456"},
		Metadata:       map[string]any{"ext_transaction_id": "EXT-001"},
		IdempotencyKey: key,
	}
}

func TestPaymentService_Initialize_HappyPath(t *testing.T) {
	adapter := &fakeAdapter{
		initResult: &provider.InitResult{
			ProviderTxID: "txn_12345",
			Status:       provider.StatusPending,
			Extra:        map[string]any{"processing_state": "AWAITING_CUSTOMER"},
		},
	}
	svc, txs, audits := newPaymentFixture(adapter)

	tx, existing, err := svc.Initialize(context.Background(), "merchant-1", initRequest("HP-001"))
	require.NoError(t, err)
	assert.False(t, existing)

	assert.Equal(t, provider.StatusProcessing, tx.Status)
	assert.Equal(t, "txn_12345", tx.ProviderTxID)
	assert.Nil(t, tx.CompletedAt)

	// payment.initiated from the facade plus payment.processing from the
	// transition.
	assert.Equal(t, []string{"payment.initiated"}, audits.eventTypes())
	require.Len(t, txs.audits, 1)
	assert.Equal(t, "payment.processing", txs.audits[0].EventType)
}

func TestPaymentService_Initialize_IdempotentReplay(t *testing.T) {
	adapter := &fakeAdapter{
		initResult: &provider.InitResult{ProviderTxID: "txn_12345", Status: provider.StatusPending},
	}
	svc, _, _ := newPaymentFixture(adapter)

	first, existing, err := svc.Initialize(context.Background(), "merchant-1", initRequest("HP-001"))
	require.NoError(t, err)
	require.False(t, existing)

	second, existing, err := svc.Initialize(context.Background(), "merchant-1", initRequest("HP-001"))
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, adapter.initCalls, "replay must not hit the upstream again")
}

func TestPaymentService_Initialize_AdapterFailure(t *testing.T) {
	adapter := &fakeAdapter{
		initErr: apperr.New(apperr.KindPaymentInit, "upstream said no"),
	}
	svc, txs, _ := newPaymentFixture(adapter)

	tx, _, err := svc.Initialize(context.Background(), "merchant-1", initRequest("HP-002"))
	require.Error(t, err)
	require.NotNil(t, tx)

	assert.Equal(t, provider.StatusFailed, tx.Status)
	assert.Contains(t, tx.ErrorMessage, "upstream said no")
	require.Len(t, txs.audits, 1)
	assert.Equal(t, "payment.failed", txs.audits[0].EventType)
}

func TestPaymentService_Initialize_ValidatesInput(t *testing.T) {
	svc, _, _ := newPaymentFixture(&fakeAdapter{})

	tests := []struct {
		name   string
		mutate func(*InitializeRequest)
	}{
		{"zero amount", func(r *InitializeRequest) { r.Amount = mustDecimal("0.00") }},
		{"negative amount", func(r *InitializeRequest) { r.Amount = mustDecimal("-5") }},
		{"three decimal places", func(r *InitializeRequest) { r.Amount = mustDecimal("1.005") }},
		{"bad currency", func(r *InitializeRequest) { r.Currency = "shillings" }},
		{"missing provider", func(r *InitializeRequest) { r.Provider = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := initRequest("HP-003")
			tt.mutate(&req)
			_, _, err := svc.Initialize(context.Background(), "merchant-1", req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestPaymentService_Verify_TerminalIsNoOp(t *testing.T) {
	adapter := &fakeAdapter{}
	svc, txs, _ := newPaymentFixture(adapter)

	now := time.Now()
	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "standard_bank_pay",
		Status:         provider.StatusCompleted,
		IdempotencyKey: "K-terminal-01",
		CompletedAt:    &now,
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got, err := svc.Verify(context.Background(), "merchant-1", tx.ID)
		require.NoError(t, err)
		assert.Equal(t, provider.StatusCompleted, got.Status)
	}
	assert.Equal(t, 0, adapter.verifyCalls, "terminal verify must not call upstream")
}

func TestPaymentService_Verify_AdvancesToCompleted(t *testing.T) {
	adapter := &fakeAdapter{
		verifyResult: &provider.VerifyResult{Status: provider.StatusCompleted},
	}
	svc, txs, _ := newPaymentFixture(adapter)

	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "standard_bank_pay",
		ProviderTxID:   "txn_12345",
		Status:         provider.StatusProcessing,
		IdempotencyKey: "K-verify-01",
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	got, err := svc.Verify(context.Background(), "merchant-1", tx.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	require.Len(t, txs.audits, 1)
	assert.Equal(t, "payment.completed", txs.audits[0].EventType)
}

func TestPaymentService_Verify_PendingUpstreamKeepsProcessing(t *testing.T) {
	adapter := &fakeAdapter{
		verifyResult: &provider.VerifyResult{Status: provider.StatusPending},
	}
	svc, txs, _ := newPaymentFixture(adapter)

	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "standard_bank_pay",
		Status:         provider.StatusProcessing,
		IdempotencyKey: "K-verify-02",
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	got, err := svc.Verify(context.Background(), "merchant-1", tx.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusProcessing, got.Status)
	assert.Empty(t, txs.audits, "no status change, no audit row")
}

func TestPaymentService_ApplyWebhookStatus_IllegalTransition(t *testing.T) {
	svc, txs, _ := newPaymentFixture(&fakeAdapter{})

	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "standard_bank_pay",
		Status:         provider.StatusRefunded,
		IdempotencyKey: "K-illegal-01",
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	_, err = svc.ApplyWebhookStatus(context.Background(), tx, provider.StatusCompleted, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvariantViolation, apperr.KindOf(err))
	assert.Equal(t, provider.StatusRefunded, tx.Status, "state unchanged after violation")
}

func TestPaymentService_Refund_RequiresCompleted(t *testing.T) {
	svc, txs, _ := newPaymentFixture(&fakeAdapter{})

	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "cpay",
		Status:         provider.StatusProcessing,
		IdempotencyKey: "K-refund-01",
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	_, err = svc.Refund(context.Background(), "merchant-1", tx.ID, nil, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPaymentService_Refund_UnsupportedKeepsCompleted(t *testing.T) {
	adapter := &fakeAdapter{
		refundErr: apperr.ErrRefundUnsupported,
	}
	svc, txs, _ := newPaymentFixture(adapter)

	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "standard_bank_pay",
		ProviderTxID:   "txn_12345",
		Status:         provider.StatusCompleted,
		IdempotencyKey: "K-refund-02",
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	_, err = svc.Refund(context.Background(), "merchant-1", tx.ID, nil, "customer request")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrRefundUnsupported))
	assert.Equal(t, "txn_12345", apperr.AsError(err).Details["provider_transaction_id"])
	assert.Equal(t, provider.StatusCompleted, tx.Status)
}

func TestPaymentService_Refund_Success(t *testing.T) {
	adapter := &fakeAdapter{
		refundResult: &provider.RefundResult{
			RefundID: "rf-1",
			Status:   provider.StatusRefunded,
			Amount:   mustDecimal("50.00"),
		},
	}
	svc, txs, _ := newPaymentFixture(adapter)

	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "cpay",
		ProviderTxID:   "cp-tx-1",
		Amount:         mustDecimal("50.00"),
		Status:         provider.StatusCompleted,
		IdempotencyKey: "K-refund-03",
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	got, err := svc.Refund(context.Background(), "merchant-1", tx.ID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRefunded, got.Status)

	require.Len(t, txs.audits, 1)
	assert.Equal(t, "refund.completed", txs.audits[0].EventType)
}

func TestPaymentService_Refund_AsyncReversalStaysCompleted(t *testing.T) {
	adapter := &fakeAdapter{
		refundResult: &provider.RefundResult{
			RefundID: "conv-1",
			Status:   provider.StatusPending,
		},
	}
	svc, txs, _ := newPaymentFixture(adapter)

	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "mpesa",
		ProviderTxID:   "LKX1234",
		Amount:         mustDecimal("150.00"),
		Status:         provider.StatusCompleted,
		IdempotencyKey: "K-refund-04",
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	got, err := svc.Refund(context.Background(), "merchant-1", tx.ID, nil, "reversal")
	require.NoError(t, err)
	assert.Equal(t, provider.StatusCompleted, got.Status, "refund settles only on the result push")
}

func TestPaymentService_Refund_AmountBounds(t *testing.T) {
	svc, txs, _ := newPaymentFixture(&fakeAdapter{})

	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "cpay",
		Amount:         mustDecimal("50.00"),
		Status:         provider.StatusCompleted,
		IdempotencyKey: "K-refund-05",
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	over := mustDecimal("50.01")
	_, err = svc.Refund(context.Background(), "merchant-1", tx.ID, &over, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPaymentService_Confirm(t *testing.T) {
	adapter := &otpFakeAdapter{
		confirmResult: &provider.VerifyResult{Status: provider.StatusCompleted},
	}
	txs := newMemTransactionStore()
	svc := NewPaymentService(txs, &memAuditWriter{}, &fakeAdapterSource{adapter: adapter})

	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "standard_bank_pay",
		ProviderTxID:   "txn_12345",
		Status:         provider.StatusProcessing,
		IdempotencyKey: "K-otp-01",
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	got, err := svc.Confirm(context.Background(), "merchant-1", tx.ID, "482913")
	require.NoError(t, err)
	assert.Equal(t, provider.StatusCompleted, got.Status)
	assert.Equal(t, "482913", adapter.lastOTP)
	assert.Equal(t, 1, adapter.confirmCalls)
}

func TestPaymentService_Confirm_TerminalIsNoOp(t *testing.T) {
	adapter := &otpFakeAdapter{}
	txs := newMemTransactionStore()
	svc := NewPaymentService(txs, &memAuditWriter{}, &fakeAdapterSource{adapter: adapter})

	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "standard_bank_pay",
		Status:         provider.StatusCompleted,
		IdempotencyKey: "K-otp-02",
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	got, err := svc.Confirm(context.Background(), "merchant-1", tx.ID, "482913")
	require.NoError(t, err)
	assert.Equal(t, provider.StatusCompleted, got.Status)
	assert.Equal(t, 0, adapter.confirmCalls)
}

func TestPaymentService_Confirm_UnsupportedProvider(t *testing.T) {
	svc, txs, _ := newPaymentFixture(&fakeAdapter{})

	tx := &store.Transaction{
		MerchantID:     "merchant-1",
		Provider:       "cpay",
		Status:         provider.StatusProcessing,
		IdempotencyKey: "K-otp-03",
	}
	_, _, err := txs.Create(context.Background(), tx)
	require.NoError(t, err)

	_, err = svc.Confirm(context.Background(), "merchant-1", tx.ID, "482913")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPaymentService_Reconcile(t *testing.T) {
	adapter := &fakeAdapter{
		verifyResult: &provider.VerifyResult{Status: provider.StatusCompleted},
	}
	svc, txs, _ := newPaymentFixture(adapter)

	old := time.Now().Add(-time.Hour)
	for i, key := range []string{"K-rec-01", "K-rec-02"} {
		tx := &store.Transaction{
			MerchantID:     "merchant-1",
			Provider:       "standard_bank_pay",
			ProviderTxID:   "txn-" + key,
			Status:         provider.StatusProcessing,
			IdempotencyKey: key,
		}
		_, _, err := txs.Create(context.Background(), tx)
		require.NoError(t, err)
		tx.CreatedAt = old.Add(time.Duration(i) * time.Minute)
	}

	result, err := svc.Reconcile(context.Background(), 10*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalPending)
	assert.Equal(t, 2, result.Reconciled)
	assert.Empty(t, result.Errors)
}
