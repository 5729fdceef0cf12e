package middle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/infra/cache"
	"github.com/sefapay/sefapay/store"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expected   string
	}{
		{
			name:       "X-Forwarded-For single",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5"},
			expected:   "203.0.113.5",
		},
		{
			name:       "X-Forwarded-For multiple takes first",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.2"},
			expected:   "203.0.113.5",
		},
		{
			name:       "X-Real-IP",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			expected:   "203.0.113.9",
		},
		{
			name:       "RemoteAddr fallback",
			remoteAddr: "192.168.1.7:5678",
			expected:   "192.168.1.7",
		},
		{
			name:       "IPv6 localhost",
			remoteAddr: "[::1]:5678",
			expected:   "127.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			if got := GetClientIP(r); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

type stubAuthenticator struct {
	account *store.Account
	err     error
	gotKey  string
}

func (s *stubAuthenticator) Authenticate(ctx context.Context, apiKey string) (*store.Account, error) {
	s.gotKey = apiKey
	if s.err != nil {
		return nil, s.err
	}
	return s.account, nil
}

func TestAPIKeyMiddleware(t *testing.T) {
	auth := &stubAuthenticator{
		account: &store.Account{ID: "account-1", MerchantID: "merchant-1"},
	}

	var gotMerchant string
	handler := APIKeyMiddleware(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMerchant = GetMerchantID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/api/v1/payments", nil)
	r.Header.Set("X-API-Key", "mch_live_abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if auth.gotKey != "mch_live_abc123" {
		t.Errorf("expected key forwarded, got %q", auth.gotKey)
	}
	if gotMerchant != "merchant-1" {
		t.Errorf("expected merchant-1 in context, got %q", gotMerchant)
	}
}

func TestAPIKeyMiddleware_BearerFallback(t *testing.T) {
	auth := &stubAuthenticator{
		account: &store.Account{ID: "account-1", MerchantID: "merchant-1"},
	}
	handler := APIKeyMiddleware(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/api/v1/payments", nil)
	r.Header.Set("Authorization", "Bearer mch_live_abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if auth.gotKey != "mch_live_abc123" {
		t.Errorf("expected bearer key forwarded, got %q", auth.gotKey)
	}
}

func TestAPIKeyMiddleware_MissingKey(t *testing.T) {
	handler := APIKeyMiddleware(&stubAuthenticator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run without a key")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/payments", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}
}

func TestAPIKeyMiddleware_InvalidKey(t *testing.T) {
	auth := &stubAuthenticator{err: apperr.New(apperr.KindUnauthorized, "invalid API key")}
	handler := APIKeyMiddleware(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run with a bad key")
	}))

	r := httptest.NewRequest("GET", "/api/v1/payments", nil)
	r.Header.Set("X-API-Key", "mch_live_forged")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}
}

func TestIdempotencyMiddleware_MissingKey(t *testing.T) {
	mw := IdempotencyMiddleware(cache.NewMemoryStore(100))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run without an idempotency key")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/payments", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestIdempotencyMiddleware_MalformedKey(t *testing.T) {
	mw := IdempotencyMiddleware(cache.NewMemoryStore(100))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run with a malformed key")
	}))

	tests := []string{"short", strings.Repeat("x", 256), "has spaces in it"}
	for _, key := range tests {
		r := httptest.NewRequest("POST", "/api/v1/payments", nil)
		r.Header.Set(IdempotencyHeader, key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		if w.Code != http.StatusBadRequest {
			t.Errorf("key %q: expected status 400, got %d", key, w.Code)
		}
	}
}

func TestIdempotencyMiddleware_PassesThrough(t *testing.T) {
	mw := IdempotencyMiddleware(cache.NewMemoryStore(100))
	calls := 0
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))

	r := httptest.NewRequest("POST", "/api/v1/payments", nil)
	r.Header.Set(IdempotencyHeader, "order-2026-0001")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", w.Code)
	}
	if calls != 1 {
		t.Errorf("expected one handler call, got %d", calls)
	}
}

// signalStore flags every completed cache write so tests can wait out the
// asynchronous store behind the idempotency middleware.
type signalStore struct {
	cache.Store
	wrote chan struct{}
}

func (s *signalStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.Store.Set(ctx, key, value, ttl)
	s.wrote <- struct{}{}
	return err
}

func TestIdempotencyMiddleware_ReplaysCachedResponse(t *testing.T) {
	store := &signalStore{Store: cache.NewMemoryStore(100), wrote: make(chan struct{}, 1)}
	mw := IdempotencyMiddleware(store)

	calls := 0
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"txn-1"}}`))
	}))

	r := httptest.NewRequest("POST", "/api/v1/payments", nil)
	r.Header.Set(IdempotencyHeader, "order-2026-0042")
	first := httptest.NewRecorder()
	handler.ServeHTTP(first, r)

	if first.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", first.Code)
	}

	select {
	case <-store.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("cached response was never written")
	}

	r = httptest.NewRequest("POST", "/api/v1/payments", nil)
	r.Header.Set(IdempotencyHeader, "order-2026-0042")
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, r)

	if calls != 1 {
		t.Errorf("expected one handler call, got %d", calls)
	}
	if second.Code != http.StatusCreated {
		t.Errorf("expected replay with original status 201, got %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body differs from original:\n first: %s\nsecond: %s",
			first.Body.String(), second.Body.String())
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     3,
		window:   time.Minute,
	}

	for i := 0; i < 3; i++ {
		if !rl.Allow("merchant-1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("merchant-1") {
		t.Error("fourth request should be rejected")
	}
	if !rl.Allow("merchant-2") {
		t.Error("other callers have their own budget")
	}
}
