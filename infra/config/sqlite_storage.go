package config

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage persists sealed merchant credentials in a local SQLite file.
// Used for single-node and development deployments where PostgreSQL is not
// available.
type SQLiteStorage struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// retryOperation executes a database operation with retry logic for SQLITE_BUSY errors
func (s *SQLiteStorage) retryOperation(operation func() error, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked") {
			lastErr = err
			if attempt < maxRetries {
				// Exponential backoff: 10ms, 20ms, 40ms, 80ms
				backoff := time.Duration(10*(1<<attempt)) * time.Millisecond
				time.Sleep(backoff)
				continue
			}
		} else {
			return err
		}
	}

	return fmt.Errorf("operation failed after %d retries, last error: %w", maxRetries+1, lastErr)
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_timeout=20000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	storage := &SQLiteStorage{
		db:   db,
		path: dbPath,
	}

	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Printf("SQLite config storage initialized at: %s", dbPath)
	return storage, nil
}

func (s *SQLiteStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS merchant_provider_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		merchant_id TEXT NOT NULL,
		provider_name TEXT NOT NULL,
		sealed_config TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(merchant_id, provider_name)
	);

	CREATE INDEX IF NOT EXISTS idx_merchant_provider ON merchant_provider_configs(merchant_id, provider_name);

	CREATE TRIGGER IF NOT EXISTS update_merchant_provider_configs_updated_at
		AFTER UPDATE ON merchant_provider_configs
	BEGIN
		UPDATE merchant_provider_configs SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
	END;
	`

	_, err := s.db.Exec(query)
	return err
}

// SaveMerchantConfig inserts or updates the sealed config for a merchant
// and provider pair.
func (s *SQLiteStorage) SaveMerchantConfig(merchantID, providerName, sealedJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryOperation(func() error {
		query := `
			INSERT INTO merchant_provider_configs (merchant_id, provider_name, sealed_config, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(merchant_id, provider_name)
			DO UPDATE SET
				sealed_config = excluded.sealed_config,
				updated_at = CURRENT_TIMESTAMP
		`

		if _, err := s.db.Exec(query, merchantID, providerName, sealedJSON); err != nil {
			return fmt.Errorf("failed to save merchant config: %w", err)
		}
		return nil
	}, 4)
}

// SetProviderActive flips the activation flag without touching the sealed
// credentials.
func (s *SQLiteStorage) SetProviderActive(merchantID, providerName string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryOperation(func() error {
		query := `
			UPDATE merchant_provider_configs
			SET is_active = ?
			WHERE merchant_id = ? AND provider_name = ?
		`

		result, err := s.db.Exec(query, active, merchantID, providerName)
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
	}, 4)
}

// LoadMerchantConfig loads the sealed config for a merchant and provider.
func (s *SQLiteStorage) LoadMerchantConfig(merchantID, providerName string) (StoredConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT sealed_config, is_active
		FROM merchant_provider_configs
		WHERE merchant_id = ? AND provider_name = ?
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
func (s *SQLiteStorage) LoadAllMerchantConfigs() (map[string]StoredConfig, error) {
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
func (s *SQLiteStorage) DeleteMerchantConfig(merchantID, providerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryOperation(func() error {
		query := `
			DELETE FROM merchant_provider_configs
			WHERE merchant_id = ? AND provider_name = ?
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
	}, 4)
}

// MerchantsByProvider returns all merchant IDs configured for a provider.
func (s *SQLiteStorage) MerchantsByProvider(providerName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT DISTINCT merchant_id
		FROM merchant_provider_configs
		WHERE provider_name = ?
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
func (s *SQLiteStorage) GetStats() (map[string]any, error) {
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

	stats["db_type"] = "sqlite"
	stats["db_path"] = s.path

	return stats, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
