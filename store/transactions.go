package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/provider"
)

// TransactionStore persists payment transactions.
type TransactionStore struct {
	db *sql.DB
}

// NewTransactionStore creates a transaction store on an open handle.
func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

const transactionColumns = `id, merchant_id, provider, COALESCE(provider_tx_id, ''), provider_response,
	amount, currency, status, idempotency_key,
	COALESCE(customer_id, ''), COALESCE(customer_phone, ''), COALESCE(customer_email, ''), COALESCE(customer_name, ''),
	COALESCE(payment_method, ''), COALESCE(payment_url, ''), metadata, COALESCE(error_message, ''),
	created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var providerResponse, metadata []byte
	var completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.MerchantID, &t.Provider, &t.ProviderTxID, &providerResponse,
		&t.Amount, &t.Currency, &t.Status, &t.IdempotencyKey,
		&t.CustomerID, &t.CustomerPhone, &t.CustomerEmail, &t.CustomerName,
		&t.PaymentMethod, &t.PaymentURL, &metadata, &t.ErrorMessage,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(providerResponse) > 0 {
		if err := json.Unmarshal(providerResponse, &t.ProviderResponse); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provider response: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	return &t, nil
}

func marshalJSONColumn(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Create inserts a transaction. When the merchant-scoped idempotency key
// already exists the stored transaction is returned with existing=true
// instead of an error; the unique index is the durable backstop behind the
// cache-based replay path.
func (s *TransactionStore) Create(ctx context.Context, t *Transaction) (*Transaction, bool, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = provider.StatusPending
	}

	metadata, err := marshalJSONColumn(t.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	providerResponse, err := marshalJSONColumn(t.ProviderResponse)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal provider response: %w", err)
	}

	query := `
		INSERT INTO transactions (id, merchant_id, provider, provider_tx_id, provider_response,
			amount, currency, status, idempotency_key,
			customer_id, customer_phone, customer_email, customer_name,
			payment_method, payment_url, metadata, error_message)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9,
			NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''),
			NULLIF($14, ''), NULLIF($15, ''), $16, NULLIF($17, ''))
		RETURNING created_at, updated_at
	`

	err = s.db.QueryRowContext(ctx, query,
		t.ID, t.MerchantID, t.Provider, t.ProviderTxID, providerResponse,
		t.Amount, t.Currency, t.Status, t.IdempotencyKey,
		t.CustomerID, t.CustomerPhone, t.CustomerEmail, t.CustomerName,
		t.PaymentMethod, t.PaymentURL, metadata, t.ErrorMessage,
	).Scan(&t.CreatedAt, &t.UpdatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			existing, lerr := s.GetByIdempotencyKey(ctx, t.MerchantID, t.IdempotencyKey)
			if lerr != nil {
				return nil, false, fmt.Errorf("failed to load existing transaction: %w", lerr)
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	return t, false, nil
}

// GetByID loads a merchant's transaction by gateway ID.
func (s *TransactionStore) GetByID(ctx context.Context, merchantID, id string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE merchant_id = $1 AND id = $2`

	t, err := scanTransaction(s.db.QueryRowContext(ctx, query, merchantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("transaction not found")
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return t, nil
}

// GetByIdempotencyKey loads a merchant's transaction by client key.
func (s *TransactionStore) GetByIdempotencyKey(ctx context.Context, merchantID, key string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE merchant_id = $1 AND idempotency_key = $2`

	t, err := scanTransaction(s.db.QueryRowContext(ctx, query, merchantID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("transaction not found")
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return t, nil
}

// GetByProviderTxID resolves the transaction an upstream reference belongs
// to. Used by the webhook pipeline, which has no merchant scope.
func (s *TransactionStore) GetByProviderTxID(ctx context.Context, providerName, providerTxID string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE provider = $1 AND provider_tx_id = $2`

	t, err := scanTransaction(s.db.QueryRowContext(ctx, query, providerName, providerTxID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("transaction not found for provider reference")
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return t, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status     provider.PaymentStatus
	Provider   string
	CustomerID string
	Page       int
	PerPage    int
}

// List returns a page of a merchant's transactions, newest first.
func (s *TransactionStore) List(ctx context.Context, merchantID string, filter ListFilter) ([]*Transaction, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 || filter.PerPage > 100 {
		filter.PerPage = 20
	}

	where := `WHERE merchant_id = $1`
	args := []any{merchantID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Provider != "" {
		args = append(args, filter.Provider)
		where += fmt.Sprintf(" AND provider = $%d", len(args))
	}
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		where += fmt.Sprintf(" AND customer_id = $%d", len(args))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	args = append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)
	query := fmt.Sprintf(`SELECT %s FROM transactions %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating transactions: %w", err)
	}

	return transactions, total, nil
}

// TransitionUpdate describes the fields a status transition writes.
// Zero-valued fields keep their stored value. When Audit is set the row is
// inserted in the same database transaction as the status change, so both
// commit or both roll back.
type TransitionUpdate struct {
	Status           provider.PaymentStatus
	ProviderTxID     string
	ProviderResponse map[string]any
	PaymentURL       string
	ErrorMessage     string
	Audit            *AuditLog
}

// Transition applies a status change under a row lock. The apply callback
// sees the current row and decides the update; returning an error aborts
// with no change, returning a nil update commits nothing. Concurrent
// transitions on the same transaction serialize on the FOR UPDATE lock.
// completed_at is stamped the first time status reaches completed.
func (s *TransactionStore) Transition(ctx context.Context, id string, apply func(current *Transaction) (*TransitionUpdate, error)) (*Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	current, err := scanTransaction(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("transaction not found")
		}
		return nil, fmt.Errorf("failed to lock transaction: %w", err)
	}

	update, err := apply(current)
	if err != nil {
		return nil, err
	}
	if update == nil {
		return current, tx.Commit()
	}

	if update.Status == "" {
		update.Status = current.Status
	}
	providerTxID := current.ProviderTxID
	if update.ProviderTxID != "" {
		providerTxID = update.ProviderTxID
	}
	paymentURL := current.PaymentURL
	if update.PaymentURL != "" {
		paymentURL = update.PaymentURL
	}
	providerResponse := current.ProviderResponse
	if update.ProviderResponse != nil {
		providerResponse = update.ProviderResponse
	}
	responseJSON, err := marshalJSONColumn(providerResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provider response: %w", err)
	}

	completedAt := current.CompletedAt
	now := time.Now().UTC()
	if update.Status == provider.StatusCompleted && completedAt == nil {
		completedAt = &now
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, provider_tx_id = NULLIF($3, ''), provider_response = $4,
			payment_url = NULLIF($5, ''), error_message = NULLIF($6, ''),
			completed_at = $7, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, id, update.Status, providerTxID, responseJSON, paymentURL, update.ErrorMessage, completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}

	if update.Audit != nil {
		if err := insertAuditLog(ctx, tx, update.Audit); err != nil {
			return nil, fmt.Errorf("failed to write audit log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	current.Status = update.Status
	current.ProviderTxID = providerTxID
	current.ProviderResponse = providerResponse
	current.PaymentURL = paymentURL
	current.ErrorMessage = update.ErrorMessage
	current.CompletedAt = completedAt
	current.UpdatedAt = now
	return current, nil
}

// ListUnsettledOlderThan returns non-terminal transactions created before
// the cutoff, oldest first. Feeds the reconcile sweep.
func (s *TransactionStore) ListUnsettledOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at ASC LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, provider.StatusPending, provider.StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsettled transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}

	return transactions, rows.Err()
}
