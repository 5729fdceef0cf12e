// Package store implements durable persistence for transactions, webhook
// events, merchant accounts and audit records on PostgreSQL.
package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sefapay/sefapay/provider"
)

// Transaction is a payment attempt owned by a merchant. Status moves only
// along the allowed transitions enforced by the payment service.
type Transaction struct {
	ID               string                 `json:"id"`
	MerchantID       string                 `json:"merchant_id"`
	Provider         string                 `json:"provider"`
	ProviderTxID     string                 `json:"provider_transaction_id,omitempty"`
	ProviderResponse map[string]any         `json:"provider_response,omitempty"`
	Amount           decimal.Decimal        `json:"amount"`
	Currency         string                 `json:"currency"`
	Status           provider.PaymentStatus `json:"status"`
	IdempotencyKey   string                 `json:"idempotency_key"`
	CustomerID       string                 `json:"customer_id,omitempty"`
	CustomerPhone    string                 `json:"customer_phone,omitempty"`
	CustomerEmail    string                 `json:"customer_email,omitempty"`
	CustomerName     string                 `json:"customer_name,omitempty"`
	PaymentMethod    string                 `json:"payment_method,omitempty"`
	PaymentURL       string                 `json:"payment_url,omitempty"`
	Metadata         map[string]any         `json:"metadata,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// WebhookEvent is a durably stored upstream push notification. Events are
// accepted unconditionally and processed asynchronously with retries.
type WebhookEvent struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Provider      string     `json:"provider"`
	ProviderTxID  string     `json:"provider_transaction_id,omitempty"`
	EventType     string     `json:"event_type,omitempty"`
	Payload       string     `json:"payload"`
	Signature     string     `json:"signature,omitempty"`
	Verified      bool       `json:"verified"`
	Processed     bool       `json:"processed"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// Merchant is a business entity using the gateway.
type Merchant struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone,omitempty"`
	BusinessName     string    `json:"business_name,omitempty"`
	BusinessCategory string    `json:"business_category,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Account is a login identity bound to a merchant. APIKeyHash is the
// SHA-256 of the bearer key; the plaintext key is shown exactly once at
// signup.
type Account struct {
	ID           string     `json:"id"`
	MerchantID   string     `json:"merchant_id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	APIKeyHash   string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// AuditLog is an append-only record of a transaction lifecycle event.
// EventType uses dotted short names (payment.initiated, payment.completed,
// refund.initiated and so on).
type AuditLog struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id,omitempty"`
	EventType     string         `json:"event_type"`
	EventData     map[string]any `json:"event_data,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	ClientIP      string         `json:"client_ip,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
