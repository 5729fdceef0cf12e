package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sefapay/sefapay/infra/apperr"
)

// MerchantStore persists merchants and their login accounts.
type MerchantStore struct {
	db *sql.DB
}

// NewMerchantStore creates a merchant store on an open handle.
func NewMerchantStore(db *sql.DB) *MerchantStore {
	return &MerchantStore{db: db}
}

// CreateMerchantWithAccount creates a merchant and its first account in one
// transaction; signup either fully succeeds or leaves nothing behind.
func (s *MerchantStore) CreateMerchantWithAccount(ctx context.Context, merchant *Merchant, account *Account) error {
	if merchant.ID == "" {
		merchant.ID = uuid.New().String()
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.MerchantID = merchant.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO merchants (id, name, email, phone, business_name, business_category)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''))
		RETURNING created_at
	`, merchant.ID, merchant.Name, merchant.Email, merchant.Phone, merchant.BusinessName, merchant.BusinessCategory).Scan(&merchant.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.New(apperr.KindConflict, "merchant email already registered")
		}
		return fmt.Errorf("failed to insert merchant: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO accounts (id, merchant_id, username, password_hash, api_key_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, account.ID, account.MerchantID, account.Username, account.PasswordHash, account.APIKeyHash).Scan(&account.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.New(apperr.KindConflict, "username already registered")
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	return tx.Commit()
}

const accountColumns = `id, merchant_id, username, password_hash, api_key_hash, created_at, last_used_at`

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var lastUsed sql.NullTime

	err := row.Scan(&a.ID, &a.MerchantID, &a.Username, &a.PasswordHash, &a.APIKeyHash, &a.CreatedAt, &lastUsed)
	if err != nil {
		return nil, err
	}

	if lastUsed.Valid {
		a.LastUsedAt = &lastUsed.Time
	}
	return &a, nil
}

// GetAccountByAPIKeyHash resolves an account from the hashed bearer key.
func (s *MerchantStore) GetAccountByAPIKeyHash(ctx context.Context, apiKeyHash string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE api_key_hash = $1`

	a, err := scanAccount(s.db.QueryRowContext(ctx, query, apiKeyHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindUnauthorized, "invalid API key")
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return a, nil
}

// GetAccountByUsername resolves an account for login.
func (s *MerchantStore) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE username = $1`

	a, err := scanAccount(s.db.QueryRowContext(ctx, query, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindUnauthorized, "invalid credentials")
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return a, nil
}

// GetMerchant loads a merchant by ID.
func (s *MerchantStore) GetMerchant(ctx context.Context, id string) (*Merchant, error) {
	query := `SELECT id, name, email, COALESCE(phone, ''), COALESCE(business_name, ''), COALESCE(business_category, ''), created_at
		FROM merchants WHERE id = $1`

	var m Merchant
	err := s.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.BusinessName, &m.BusinessCategory, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("merchant not found")
		}
		return nil, fmt.Errorf("failed to load merchant: %w", err)
	}
	return &m, nil
}

// TouchAccount records key usage. Failures are ignored by callers; the
// timestamp is advisory.
func (s *MerchantStore) TouchAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET last_used_at = CURRENT_TIMESTAMP WHERE id = $1
	`, accountID)
	return err
}

// RotateAPIKey stores a new key hash for the account.
func (s *MerchantStore) RotateAPIKey(ctx context.Context, accountID, newAPIKeyHash string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET api_key_hash = $2 WHERE id = $1
	`, accountID, newAPIKeyHash)
	if err != nil {
		return fmt.Errorf("failed to rotate API key: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return apperr.NotFound("account not found")
	}
	return nil
}
