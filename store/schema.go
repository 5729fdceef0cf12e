package store

import "database/sql"

// InitSchema creates the gateway tables when they do not exist. Idempotent;
// called on startup before any store is used.
func InitSchema(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS merchants (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		phone TEXT,
		business_name TEXT,
		business_category TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		merchant_id UUID NOT NULL REFERENCES merchants(id),
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		api_key_hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		merchant_id UUID NOT NULL REFERENCES merchants(id),
		provider TEXT NOT NULL,
		provider_tx_id TEXT,
		provider_response JSONB,
		amount NUMERIC(18,2) NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		customer_id TEXT,
		customer_phone TEXT,
		customer_email TEXT,
		customer_name TEXT,
		payment_method TEXT,
		payment_url TEXT,
		metadata JSONB,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMPTZ,
		UNIQUE (merchant_id, idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(merchant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_provider_tx ON transactions(provider, provider_tx_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);

	CREATE TABLE IF NOT EXISTS webhook_events (
		id UUID PRIMARY KEY,
		transaction_id UUID REFERENCES transactions(id),
		provider TEXT NOT NULL,
		provider_tx_id TEXT,
		event_type TEXT,
		payload TEXT NOT NULL,
		signature TEXT,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		processed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_webhook_events_pending ON webhook_events(processed, retry_count, created_at);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_provider_tx ON webhook_events(provider, provider_tx_id);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		transaction_id UUID,
		event_type TEXT NOT NULL,
		event_data JSONB,
		user_id TEXT,
		client_ip TEXT,
		user_agent TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_transaction ON audit_logs(transaction_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at DESC);
	`

	_, err := db.Exec(query)
	return err
}
