package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sefapay/sefapay/infra/apperr"
)

// MaxWebhookRetries is the retry budget before an event lands in the dead
// letter queue.
const MaxWebhookRetries = 5

// RetrySchedule gives the delay from created_at before the Nth retry runs.
// Beyond the table the last entry is reused.
var RetrySchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
	21600 * time.Second,
}

// WebhookStore persists webhook events.
type WebhookStore struct {
	db *sql.DB
}

// NewWebhookStore creates a webhook store on an open handle.
func NewWebhookStore(db *sql.DB) *WebhookStore {
	return &WebhookStore{db: db}
}

const webhookColumns = `id, COALESCE(transaction_id::text, ''), provider, COALESCE(provider_tx_id, ''),
	COALESCE(event_type, ''), payload, COALESCE(signature, ''), verified, processed, retry_count,
	COALESCE(error_message, ''), created_at, processed_at`

func scanWebhookEvent(row rowScanner) (*WebhookEvent, error) {
	var e WebhookEvent
	var processedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.TransactionID, &e.Provider, &e.ProviderTxID,
		&e.EventType, &e.Payload, &e.Signature, &e.Verified, &e.Processed, &e.RetryCount,
		&e.LastError, &e.CreatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}

	return &e, nil
}

// Insert stores a freshly received event.
func (s *WebhookStore) Insert(ctx context.Context, e *WebhookEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	query := `
		INSERT INTO webhook_events (id, provider, provider_tx_id, event_type, payload, signature, verified)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''), $7)
		RETURNING created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		e.ID, e.Provider, e.ProviderTxID, e.EventType, e.Payload, e.Signature, e.Verified,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}

	return nil
}

// GetByID loads an event.
func (s *WebhookStore) GetByID(ctx context.Context, id string) (*WebhookEvent, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE id = $1`

	e, err := scanWebhookEvent(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("webhook event not found")
		}
		return nil, fmt.Errorf("failed to load webhook event: %w", err)
	}
	return e, nil
}

// MarkProcessed records successful processing and the resolved transaction.
func (s *WebhookStore) MarkProcessed(ctx context.Context, id, transactionID, eventType, providerTxID string) error {
	query := `
		UPDATE webhook_events
		SET processed = TRUE, error_message = NULL, processed_at = CURRENT_TIMESTAMP,
			transaction_id = COALESCE(NULLIF($2, '')::uuid, transaction_id),
			event_type = COALESCE(NULLIF($3, ''), event_type),
			provider_tx_id = COALESCE(NULLIF($4, ''), provider_tx_id)
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, transactionID, eventType, providerTxID); err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	return nil
}

// RecordFailure bumps the retry counter and stores the error.
func (s *WebhookStore) RecordFailure(ctx context.Context, id, errorMessage string) error {
	query := `
		UPDATE webhook_events
		SET retry_count = retry_count + 1, error_message = $2
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, errorMessage); err != nil {
		return fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return nil
}

// nextAttemptExpr mirrors NextAttemptAt in SQL so eligibility is decided
// before LIMIT; a backlog of not-yet-due events cannot crowd due ones out
// of a sweep window.
var nextAttemptExpr = func() string {
	var b strings.Builder
	b.WriteString("created_at + CASE retry_count WHEN 0 THEN INTERVAL '0 seconds'")
	for i, d := range RetrySchedule {
		fmt.Fprintf(&b, " WHEN %d THEN INTERVAL '%d seconds'", i+1, int(d.Seconds()))
	}
	fmt.Fprintf(&b, " ELSE INTERVAL '%d seconds' END", int(RetrySchedule[len(RetrySchedule)-1].Seconds()))
	return b.String()
}()

// ListDue returns unprocessed events whose next scheduled attempt is in the
// past and which still have retry budget, oldest attempt first.
func (s *WebhookStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + webhookColumns + ` FROM webhook_events
		WHERE processed = FALSE AND retry_count < $1 AND ` + nextAttemptExpr + ` <= $2
		ORDER BY ` + nextAttemptExpr + ` ASC, created_at ASC LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, MaxWebhookRetries, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due webhooks: %w", err)
	}
	defer rows.Close()

	var due []*WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		due = append(due, e)
	}

	return due, rows.Err()
}

// NextAttemptAt returns when the event's next retry is scheduled. The first
// processing attempt happens at receive time; retry N waits
// RetrySchedule[N-1] from created_at.
func NextAttemptAt(e *WebhookEvent) time.Time {
	if e.RetryCount == 0 {
		return e.CreatedAt
	}
	idx := e.RetryCount - 1
	if idx >= len(RetrySchedule) {
		idx = len(RetrySchedule) - 1
	}
	return e.CreatedAt.Add(RetrySchedule[idx])
}

// ListDeadLetter returns events that exhausted their retry budget.
func (s *WebhookStore) ListDeadLetter(ctx context.Context, page, perPage int) ([]*WebhookEvent, int64, error) {
	return s.list(ctx, `processed = FALSE AND retry_count >= $1`, []any{MaxWebhookRetries}, page, perPage)
}

// ListByProvider returns events for one provider, newest first.
func (s *WebhookStore) ListByProvider(ctx context.Context, providerName string, page, perPage int) ([]*WebhookEvent, int64, error) {
	return s.list(ctx, `provider = $1`, []any{providerName}, page, perPage)
}

// ListAll returns every event, newest first.
func (s *WebhookStore) ListAll(ctx context.Context, page, perPage int) ([]*WebhookEvent, int64, error) {
	return s.list(ctx, `TRUE`, nil, page, perPage)
}

func (s *WebhookStore) list(ctx context.Context, where string, args []any, page, perPage int) ([]*WebhookEvent, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count webhook events: %w", err)
	}

	args = append(args, perPage, (page-1)*perPage)
	query := fmt.Sprintf(`SELECT %s FROM webhook_events WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		webhookColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, e)
	}

	return events, total, rows.Err()
}

// ResetForRetry clears the retry counter so a dead-lettered event gets a
// fresh budget.
func (s *WebhookStore) ResetForRetry(ctx context.Context, id string) error {
	query := `
		UPDATE webhook_events
		SET retry_count = 0, error_message = NULL
		WHERE id = $1 AND processed = FALSE
	`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset webhook for retry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return apperr.NotFound("webhook event not found or already processed")
	}

	return nil
}

// Stats summarises pipeline health.
func (s *WebhookStore) Stats(ctx context.Context) (map[string]any, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE processed),
			COUNT(*) FILTER (WHERE NOT processed AND retry_count < $1),
			COUNT(*) FILTER (WHERE NOT processed AND retry_count >= $1),
			COUNT(*) FILTER (WHERE NOT verified)
		FROM webhook_events
	`

	var total, processed, pending, deadLetter, unverified int64
	if err := s.db.QueryRowContext(ctx, query, MaxWebhookRetries).Scan(&total, &processed, &pending, &deadLetter, &unverified); err != nil {
		return nil, fmt.Errorf("failed to query webhook stats: %w", err)
	}

	byProvider := make(map[string]int64)
	rows, err := s.db.QueryContext(ctx, `SELECT provider, COUNT(*) FROM webhook_events GROUP BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to query per-provider webhook counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("failed to scan per-provider count: %w", err)
		}
		byProvider[name] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read per-provider counts: %w", err)
	}

	var successRate float64
	if total > 0 {
		successRate = float64(processed) / float64(total)
	}

	return map[string]any{
		"total":        total,
		"processed":    processed,
		"pending":      pending,
		"dead_letter":  deadLetter,
		"unverified":   unverified,
		"by_provider":  byProvider,
		"success_rate": successRate,
	}, nil
}
