package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the canonical internal status vocabulary. Every upstream
// status or result code maps into one of these values.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusCompleted  PaymentStatus = "completed"
	StatusFailed     PaymentStatus = "failed"
	StatusRefunded   PaymentStatus = "refunded"
)

// ValidStatus reports whether s is a member of the canonical vocabulary.
func ValidStatus(s PaymentStatus) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// ConfigField describes a configuration key an adapter requires.
type ConfigField struct {
	Key         string `json:"key"`
	Required    bool   `json:"required"`
	Type        string `json:"type"` // "string", "number", "url", "email", "boolean"
	Description string `json:"description"`
	Example     string `json:"example,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	MinLength   int    `json:"minLength,omitempty"`
	MaxLength   int    `json:"maxLength,omitempty"`
}

// Customer is the buyer information forwarded to the upstream. All fields
// are optional at the gateway level; adapters validate what they need.
type Customer struct {
	ID    string `json:"id,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// PaymentRequest carries everything an adapter needs to initiate a payment.
// Amount is fixed-point with two fractional digits; each adapter documents
// its own on-the-wire conversion (some upstreams take integer units).
type PaymentRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Customer Customer        `json:"customer"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// InitResult is the normalised outcome of a payment initiation.
type InitResult struct {
	ProviderTxID string         `json:"provider_transaction_id"`
	Status       PaymentStatus  `json:"status"`
	PaymentURL   string         `json:"payment_url,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// VerifyResult is the normalised outcome of a status pull.
type VerifyResult struct {
	Status   PaymentStatus    `json:"status"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency string           `json:"currency,omitempty"`
	Extra    map[string]any   `json:"extra,omitempty"`
}

// RefundRequest asks the upstream to return funds. A nil Amount means a
// full refund.
type RefundRequest struct {
	ProviderTxID string           `json:"provider_transaction_id"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// RefundResult is the normalised outcome of a refund request.
type RefundResult struct {
	RefundID string          `json:"refund_id"`
	Status   PaymentStatus   `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Extra    map[string]any  `json:"extra,omitempty"`
}

// WebhookResult is the normalised form of an upstream push notification.
// An empty Status marks an informational event that changes no transaction
// state (a rejected reversal, for instance).
type WebhookResult struct {
	ProviderTxID string         `json:"provider_transaction_id"`
	EventType    string         `json:"event_type"`
	Status       PaymentStatus  `json:"status,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// PaymentProvider is the capability set every upstream adapter implements.
// Adapters are ephemeral: constructed per call from a merchant's decrypted
// config, used, and discarded. Outbound HTTP carries a 15-30s timeout and is
// cancellable through ctx.
type PaymentProvider interface {
	// Initialize configures the adapter from an opaque config map. Missing
	// required keys fail fast with a descriptive error.
	Initialize(config map[string]string) error

	// GetRequiredConfig returns the configuration fields this adapter needs.
	GetRequiredConfig() []ConfigField

	// InitPayment starts a payment upstream and returns the provider's
	// reference plus the normalised initial status.
	InitPayment(ctx context.Context, request PaymentRequest) (*InitResult, error)

	// VerifyPayment pulls the current status for an upstream reference.
	VerifyPayment(ctx context.Context, providerTxID string) (*VerifyResult, error)

	// RefundPayment returns funds. Adapters whose upstream has no refund
	// operation return apperr.ErrRefundUnsupported.
	RefundPayment(ctx context.Context, request RefundRequest) (*RefundResult, error)

	// VerifyWebhookSignature checks the provider signature over the raw
	// webhook body. Providers whose protocol carries no signature return
	// true and rely on structural payload validation in HandleWebhook.
	VerifyWebhookSignature(raw []byte, signature string) bool

	// HandleWebhook normalises an upstream push payload. It must accept
	// every documented push shape for the provider.
	HandleWebhook(payload map[string]any) (*WebhookResult, error)
}

// OTPConfirmer is the optional capability for two-step upstreams where the
// customer's one-time password completes the payment. Callers type-assert.
type OTPConfirmer interface {
	ConfirmPayment(ctx context.Context, providerTxID string, request PaymentRequest, otp string) (*VerifyResult, error)
}

// Factory constructs a fresh, uninitialised adapter instance.
type Factory func() PaymentProvider

// DefaultTimeout is the outbound HTTP timeout adapters use unless their
// config overrides it within the 15-30s band.
const DefaultTimeout = 30 * time.Second
