package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/sefapay/sefapay/infra/cache"
	"github.com/sefapay/sefapay/infra/config"
	"github.com/sefapay/sefapay/infra/response"
	"github.com/sefapay/sefapay/provider"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	db        *sql.DB
	cache     cache.Store
	startTime time.Time
}

// HealthStatus represents overall system health
type HealthStatus struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      string            `json:"uptime"`
	Environment string            `json:"environment"`
	Database    *ComponentHealth  `json:"database"`
	Cache       *ComponentHealth  `json:"cache"`
	Providers   []string          `json:"providers"`
	Services    map[string]string `json:"services,omitempty"`
}

// ComponentHealth represents one backing component's health
type ComponentHealth struct {
	Status       string `json:"status"`
	Connected    bool   `json:"connected"`
	ResponseTime string `json:"response_time"`
	Error        string `json:"error,omitempty"`
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *sql.DB, cacheStore cache.Store) *HealthHandler {
	return &HealthHandler{
		db:        db,
		cache:     cacheStore,
		startTime: time.Now(),
	}
}

// CheckHealth reports gateway health: database, cache and the provider
// registry. Returns 503 when the database is down.
func (h *HealthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := &HealthStatus{
		Status:      "healthy",
		Version:     "1.0.0",
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(h.startTime).String(),
		Environment: config.GetAppConfig().Environment,
		Database:    h.checkDatabase(ctx),
		Cache:       h.checkCache(ctx),
		Providers:   provider.DefaultRegistry.Names(),
	}

	statusCode := http.StatusOK
	if !health.Database.Connected {
		health.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if !health.Cache.Connected {
		health.Status = "degraded"
	}

	response.WriteJSON(w, statusCode, health)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) *ComponentHealth {
	c := &ComponentHealth{Status: "not_configured"}
	if h.db == nil {
		c.Error = "database not configured"
		return c
	}

	start := time.Now()
	if err := h.db.PingContext(ctx); err != nil {
		c.Status = "unhealthy"
		c.Error = err.Error()
		c.ResponseTime = time.Since(start).String()
		return c
	}

	c.Status = "healthy"
	c.Connected = true
	c.ResponseTime = time.Since(start).String()
	return c
}

func (h *HealthHandler) checkCache(ctx context.Context) *ComponentHealth {
	c := &ComponentHealth{Status: "not_configured"}
	if h.cache == nil {
		c.Error = "cache not configured"
		return c
	}

	start := time.Now()
	if err := h.cache.Ping(ctx); err != nil {
		c.Status = "unhealthy"
		c.Error = err.Error()
		c.ResponseTime = time.Since(start).String()
		return c
	}

	c.Status = "healthy"
	c.Connected = true
	c.ResponseTime = time.Since(start).String()
	return c
}
