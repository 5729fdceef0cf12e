// Package conn owns the PostgreSQL connection lifecycle.
package conn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/sefapay/sefapay/infra/config"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
	connMaxIdleTime = 2 * time.Minute
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
	pingTimeout     = 5 * time.Second
)

// Connect opens the PostgreSQL pool and verifies it with a ping. Connection
// failures are retried so container start ordering does not kill the
// process. DATABASE_URL wins; otherwise the DSN is assembled from the
// individual DB_* variables.
func Connect() (*sql.DB, error) {
	dsn := config.GetEnv("DATABASE_URL", "")
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			config.GetEnv("DB_HOST", "localhost"),
			config.GetEnv("DB_PORT", "5432"),
			config.GetEnv("DB_USER", "sefapay"),
			config.GetEnv("DB_PASS", ""),
			config.GetEnv("DB_NAME", "sefapay"),
			config.GetEnv("DB_SSLMODE", "disable"),
		)
	}

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			lastErr = err
			time.Sleep(connectBackoff)
			continue
		}

		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxIdleConns)
		db.SetConnMaxLifetime(connMaxLifetime)
		db.SetConnMaxIdleTime(connMaxIdleTime)

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err = db.PingContext(ctx)
		cancel()
		if err == nil {
			return db, nil
		}

		lastErr = err
		db.Close()
		time.Sleep(connectBackoff)
	}

	return nil, fmt.Errorf("database unreachable after %d attempts: %w", connectAttempts, lastErr)
}
