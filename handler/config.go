package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sefapay/sefapay/infra/config"
	"github.com/sefapay/sefapay/infra/middle"
	"github.com/sefapay/sefapay/infra/response"
	"github.com/sefapay/sefapay/provider"
	"github.com/sefapay/sefapay/store"
)

// ConfigHandler manages per-merchant provider credentials and the
// operational endpoints: reconciliation and audit queries.
type ConfigHandler struct {
	providerConfig *config.ProviderConfig
	payments       PaymentServiceInterface
	audits         AuditQuerier
}

// AuditQuerier pages through the audit trail.
type AuditQuerier interface {
	Query(ctx context.Context, filter store.AuditFilter) ([]*store.AuditLog, int64, error)
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(providerConfig *config.ProviderConfig, payments PaymentServiceInterface, audits AuditQuerier) *ConfigHandler {
	return &ConfigHandler{
		providerConfig: providerConfig,
		payments:       payments,
		audits:         audits,
	}
}

type setProviderConfigRequest struct {
	Provider string            `json:"provider"`
	Config   map[string]string `json:"config"`
	IsActive *bool             `json:"is_active"`
}

// SetProviderConfig stores sealed credentials for a provider. Without an
// explicit is_active the flag keeps its current value; fresh configs start
// inactive.
func (h *ConfigHandler) SetProviderConfig(w http.ResponseWriter, r *http.Request) {
	var req setProviderConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteErrorMessage(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if req.Provider == "" || len(req.Config) == 0 {
		response.WriteErrorMessage(w, http.StatusBadRequest, "provider and config are required")
		return
	}

	if err := h.providerConfig.SetMerchantConfig(middle.GetMerchantID(r.Context()), req.Provider, req.Config, req.IsActive); err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{"provider": req.Provider, "configured": true})
}

type setProviderActiveRequest struct {
	IsActive *bool `json:"is_active"`
}

// SetProviderActive toggles a configured provider on or off without
// touching its stored credentials.
func (h *ConfigHandler) SetProviderActive(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	var req setProviderActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		response.WriteErrorMessage(w, http.StatusBadRequest, "is_active is required")
		return
	}

	if err := h.providerConfig.SetProviderActive(middle.GetMerchantID(r.Context()), providerName, *req.IsActive); err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{"provider": providerName, "is_active": *req.IsActive})
}

// ListProviders returns the providers this merchant has configured plus
// everything the gateway supports.
func (h *ConfigHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]any{
		"configured": h.providerConfig.ProvidersForMerchant(middle.GetMerchantID(r.Context())),
		"available":  provider.DefaultRegistry.Names(),
	})
}

// RequiredFields returns the config fields a provider needs
func (h *ConfigHandler) RequiredFields(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	adapter, err := provider.Create(providerName)
	if err != nil {
		response.WriteErrorMessage(w, http.StatusNotFound, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{
		"provider": providerName,
		"fields":   adapter.GetRequiredConfig(),
	})
}

// DeleteProviderConfig removes stored credentials for a provider
func (h *ConfigHandler) DeleteProviderConfig(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	if err := h.providerConfig.DeleteMerchantConfig(middle.GetMerchantID(r.Context()), providerName); err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{"provider": providerName, "deleted": true})
}

// Reconcile sweeps unsettled transactions older than the cutoff and
// verifies each against its upstream.
func (h *ConfigHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	olderThan := time.Duration(queryInt(q.Get("older_than_minutes"), 30)) * time.Minute
	limit := queryInt(q.Get("limit"), 100)

	result, err := h.payments.Reconcile(r.Context(), olderThan, limit)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, result)
}

// QueryAudit pages through the audit trail
func (h *ConfigHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.AuditFilter{
		TransactionID: q.Get("transaction_id"),
		EventType:     q.Get("event_type"),
		Page:          queryInt(q.Get("page"), 1),
		PerPage:       queryInt(q.Get("per_page"), 20),
	}

	records, total, err := h.audits.Query(r.Context(), filter)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, response.NewPage(records, filter.Page, filter.PerPage, total))
}
