package config

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	_ "github.com/lib/pq"
)

// PostgresStorage persists sealed merchant credentials in PostgreSQL.
type PostgresStorage struct {
	db *sql.DB
	mu sync.Mutex
}

// NewPostgresStorage wraps an existing database handle and ensures the
// credentials table exists.
func NewPostgresStorage(db *sql.DB) (*PostgresStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is nil")
	}

	storage := &PostgresStorage{db: db}

	if err := storage.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS merchant_provider_configs (
		id SERIAL PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		provider_name TEXT NOT NULL,
		sealed_config TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(merchant_id, provider_name)
	);

	ALTER TABLE merchant_provider_configs ADD COLUMN IF NOT EXISTS is_active BOOLEAN NOT NULL DEFAULT FALSE;

	CREATE INDEX IF NOT EXISTS idx_merchant_provider ON merchant_provider_configs(merchant_id, provider_name);
	`

	_, err := s.db.Exec(query)
	return err
}

// SaveMerchantConfig inserts or updates the sealed config for a merchant
// and provider pair.
func (s *PostgresStorage) SaveMerchantConfig(merchantID, providerName, sealedJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO merchant_provider_configs (merchant_id, provider_name, sealed_config, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (merchant_id, provider_name)
		DO UPDATE SET
			sealed_config = EXCLUDED.sealed_config,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := s.db.Exec(query, merchantID, providerName, sealedJSON); err != nil {
		return fmt.Errorf("failed to save merchant config: %w", err)
	}

	return nil
}

// SetProviderActive flips the activation flag without touching the sealed
// credentials.
func (s *PostgresStorage) SetProviderActive(merchantID, providerName string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE merchant_provider_configs
		SET is_active = $3, updated_at = CURRENT_TIMESTAMP
		WHERE merchant_id = $1 AND provider_name = $2
	`

	result, err := s.db.Exec(query, merchantID, providerName, active)
	if err != nil {
		return fmt.Errorf("failed to update provider activation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no configuration found for merchant: %s, provider: %s", merchantID, providerName)
	}

	return nil
}

// LoadMerchantConfig loads the sealed config for a merchant and provider.
func (s *PostgresStorage) LoadMerchantConfig(merchantID, providerName string) (StoredConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT sealed_config, is_active
		FROM merchant_provider_configs
		WHERE merchant_id = $1 AND provider_name = $2
	`

	var stored StoredConfig
	err := s.db.QueryRow(query, merchantID, providerName).Scan(&stored.Sealed, &stored.Active)
	if err != nil {
		if err == sql.ErrNoRows {
			return StoredConfig{}, fmt.Errorf("no configuration found for merchant: %s, provider: %s", merchantID, providerName)
		}
		return StoredConfig{}, fmt.Errorf("failed to load merchant config: %w", err)
	}

	return stored, nil
}

// LoadAllMerchantConfigs loads every sealed config keyed by
// "<merchant>_<provider>".
func (s *PostgresStorage) LoadAllMerchantConfigs() (map[string]StoredConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT merchant_id, provider_name, sealed_config, is_active
		FROM merchant_provider_configs
		ORDER BY merchant_id, provider_name
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query merchant configs: %w", err)
	}
	defer rows.Close()

	configs := make(map[string]StoredConfig)

	for rows.Next() {
		var merchantID, providerName string
		var stored StoredConfig
		if err := rows.Scan(&merchantID, &providerName, &stored.Sealed, &stored.Active); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		configs[merchantID+"_"+providerName] = stored
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return configs, nil
}

// DeleteMerchantConfig removes the sealed config for a merchant and provider.
func (s *PostgresStorage) DeleteMerchantConfig(merchantID, providerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		DELETE FROM merchant_provider_configs
		WHERE merchant_id = $1 AND provider_name = $2
	`

	result, err := s.db.Exec(query, merchantID, providerName)
	if err != nil {
		return fmt.Errorf("failed to delete merchant config: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("no configuration found for merchant: %s, provider: %s", merchantID, providerName)
	}

	return nil
}

// MerchantsByProvider returns all merchant IDs configured for a provider.
func (s *PostgresStorage) MerchantsByProvider(providerName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT DISTINCT merchant_id
		FROM merchant_provider_configs
		WHERE provider_name = $1
		ORDER BY merchant_id
	`

	rows, err := s.db.Query(query, providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to query merchants by provider: %w", err)
	}
	defer rows.Close()

	var merchants []string
	for rows.Next() {
		var merchantID string
		if err := rows.Scan(&merchantID); err != nil {
			return nil, fmt.Errorf("failed to scan merchant ID: %w", err)
		}
		merchants = append(merchants, merchantID)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating merchant rows: %w", err)
	}

	return merchants, nil
}

// GetStats returns storage statistics.
func (s *PostgresStorage) GetStats() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]any)

	var totalConfigs int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM merchant_provider_configs").Scan(&totalConfigs); err != nil {
		return nil, fmt.Errorf("failed to count total configs: %w", err)
	}
	stats["total_configs"] = totalConfigs

	var uniqueMerchants int
	if err := s.db.QueryRow("SELECT COUNT(DISTINCT merchant_id) FROM merchant_provider_configs").Scan(&uniqueMerchants); err != nil {
		return nil, fmt.Errorf("failed to count unique merchants: %w", err)
	}
	stats["unique_merchants"] = uniqueMerchants

	var uniqueProviders int
	if err := s.db.QueryRow("SELECT COUNT(DISTINCT provider_name) FROM merchant_provider_configs").Scan(&uniqueProviders); err != nil {
		return nil, fmt.Errorf("failed to count unique providers: %w", err)
	}
	stats["unique_providers"] = uniqueProviders

	stats["db_type"] = "postgresql"

	return stats, nil
}

// Close is a no-op; the handle is owned by the caller.
func (s *PostgresStorage) Close() error {
	log.Printf("postgres config storage closed")
	return nil
}
