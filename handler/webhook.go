package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sefapay/sefapay/infra/logger"
	"github.com/sefapay/sefapay/infra/response"
	"github.com/sefapay/sefapay/store"
)

// signatureHeaders lists the header names upstreams use for webhook
// signatures, checked in order.
var signatureHeaders = []string{
	"X-CPay-Signature",
	"Stripe-Signature",
	"X-Webhook-Signature",
	"X-Signature",
}

// WebhookServiceInterface defines the interface for webhook pipeline operations
type WebhookServiceInterface interface {
	Receive(ctx context.Context, providerName string, raw []byte, signature string) (*store.WebhookEvent, error)
	Process(ctx context.Context, eventID string) (bool, error)
	RetryDue(ctx context.Context, now time.Time, limit int) (int, error)
	List(ctx context.Context, providerName string, page, perPage int) ([]*store.WebhookEvent, int64, error)
	DeadLetter(ctx context.Context, page, perPage int) ([]*store.WebhookEvent, int64, error)
	Replay(ctx context.Context, eventID string) (bool, error)
	Stats(ctx context.Context) (map[string]any, error)
}

// WebhookHandler handles provider push notifications
type WebhookHandler struct {
	webhooks WebhookServiceInterface
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(webhooks WebhookServiceInterface) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// Receive durably stores a provider push and acknowledges it. The upstream
// gets 200 as soon as the event is stored; processing happens after the
// acknowledgement and failures go through the retry pipeline. Only an
// unparseable body is rejected.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		response.WriteErrorMessage(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var signature string
	for _, header := range signatureHeaders {
		if v := r.Header.Get(header); v != "" {
			signature = v
			break
		}
	}

	event, err := h.webhooks.Receive(r.Context(), providerName, raw, signature)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	// First processing attempt runs inline; a failure here is not the
	// upstream's problem, the retry schedule owns it now.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), handlerTimeout)
	defer cancel()
	if _, perr := h.webhooks.Process(ctx, event.ID); perr != nil {
		logger.Warn("webhook processing deferred to retry", logger.LogContext{
			Provider: providerName,
			Fields:   map[string]any{"event_id": event.ID, "error": perr.Error()},
		})
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{
		"event_id": event.ID,
		"received": true,
	})
}

// RetryDue triggers a sweep of webhook events whose retry is due
func (h *WebhookHandler) RetryDue(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 50)
	succeeded, err := h.webhooks.RetryDue(r.Context(), time.Now(), limit)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{"processed": succeeded})
}

// List pages through stored webhook events
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	events, total, err := h.webhooks.List(r.Context(), q.Get("provider"), queryInt(q.Get("page"), 1), queryInt(q.Get("per_page"), 20))
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, response.NewPage(events, queryInt(q.Get("page"), 1), queryInt(q.Get("per_page"), 20), total))
}

// DeadLetter pages through events that exhausted their retry budget
func (h *WebhookHandler) DeadLetter(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	perPage := queryInt(q.Get("per_page"), 20)

	events, total, err := h.webhooks.DeadLetter(r.Context(), page, perPage)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, response.NewPage(events, page, perPage, total))
}

// Replay resets a dead-lettered event and processes it immediately
func (h *WebhookHandler) Replay(w http.ResponseWriter, r *http.Request) {
	processed, err := h.webhooks.Replay(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

// Stats summarises webhook pipeline health
func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.webhooks.Stats(r.Context())
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, stats)
}
