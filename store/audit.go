package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditStore persists the append-only audit trail. Rows are never updated
// or deleted.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an audit store on an open handle.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Insert writes an audit log row.
func (s *AuditStore) Insert(ctx context.Context, r *AuditLog) error {
	return insertAuditLog(ctx, s.db, r)
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertAuditLog runs against either the pool or an open transaction, so a
// status transition can commit its audit row atomically.
func insertAuditLog(ctx context.Context, q execQuerier, r *AuditLog) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	var eventData []byte
	if r.EventData != nil {
		var err error
		eventData, err = json.Marshal(r.EventData)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	err := q.QueryRowContext(ctx, `
		INSERT INTO audit_logs (id, transaction_id, event_type, event_data, user_id, client_ip, user_agent)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''))
		RETURNING created_at
	`, r.ID, r.TransactionID, r.EventType, eventData, r.UserID, r.ClientIP, r.UserAgent).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// AuditFilter narrows Query results.
type AuditFilter struct {
	TransactionID string
	EventType     string
	UserID        string
	Since         time.Time
	Until         time.Time
	Page          int
	PerPage       int
}

// Query returns a page of audit logs matching the filter, newest first.
func (s *AuditStore) Query(ctx context.Context, filter AuditFilter) ([]*AuditLog, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 || filter.PerPage > 100 {
		filter.PerPage = 20
	}

	where := `WHERE TRUE`
	var args []any

	if filter.TransactionID != "" {
		args = append(args, filter.TransactionID)
		where += fmt.Sprintf(" AND transaction_id = $%d", len(args))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		where += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		where += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	args = append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)
	query := fmt.Sprintf(`
		SELECT id, COALESCE(transaction_id::text, ''), event_type, event_data,
			COALESCE(user_id, ''), COALESCE(client_ip, ''), COALESCE(user_agent, ''), created_at
		FROM audit_logs %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var records []*AuditLog
	for rows.Next() {
		var r AuditLog
		var eventData []byte
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.EventType, &eventData, &r.UserID, &r.ClientIP, &r.UserAgent, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(eventData) > 0 {
			if err := json.Unmarshal(eventData, &r.EventData); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		records = append(records, &r)
	}

	return records, total, rows.Err()
}
