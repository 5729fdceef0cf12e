package middle

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sefapay/sefapay/infra/cache"
	"github.com/sefapay/sefapay/infra/logger"
	"github.com/sefapay/sefapay/infra/response"
	"github.com/sefapay/sefapay/infra/validate"
)

// IdempotencyHeader carries the client's idempotency key on mutating
// requests.
const IdempotencyHeader = "Idempotency-Key"

// cachedResponse is what the store holds per key: the original status code
// and body, replayed verbatim on a duplicate request.
type cachedResponse struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// captureWriter buffers the response so a successful outcome can be cached.
type captureWriter struct {
	http.ResponseWriter
	body       bytes.Buffer
	statusCode int
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	cw.body.Write(b)
	return cw.ResponseWriter.Write(b)
}

func (cw *captureWriter) WriteHeader(statusCode int) {
	cw.statusCode = statusCode
	cw.ResponseWriter.WriteHeader(statusCode)
}

// IdempotencyMiddleware replays mutating requests from the cache. A missing
// or malformed key is rejected; a key seen before returns the stored
// response with its original status code. The durable unique index on the
// transactions table backs this up when a cache entry has expired.
func IdempotencyMiddleware(store cache.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				response.WriteErrorMessage(w, http.StatusBadRequest, "Idempotency-Key header is required")
				return
			}
			if !validate.IdempotencyKey(key) {
				response.WriteErrorMessage(w, http.StatusBadRequest, "Idempotency-Key must be 10-255 characters of [A-Za-z0-9_-]")
				return
			}

			cacheKey := cache.IdempotencyKeyPrefix + GetMerchantID(r.Context()) + ":" + key

			if stored, found, err := store.Get(r.Context(), cacheKey); err == nil && found {
				var cached cachedResponse
				if json.Unmarshal([]byte(stored), &cached) == nil {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(cached.StatusCode)
					_, _ = w.Write([]byte(cached.Body))
					return
				}
			}

			cw := &captureWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(cw, r)

			if cw.statusCode >= 200 && cw.statusCode < 300 {
				entry, err := json.Marshal(cachedResponse{
					StatusCode: cw.statusCode,
					Body:       cw.body.String(),
				})
				if err != nil {
					return
				}

				// Cache writes must not delay or fail the response.
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := store.Set(ctx, cacheKey, string(entry), cache.DefaultIdempotencyTTL); err != nil {
						logger.Warn("failed to cache idempotent response", logger.LogContext{
							Fields: map[string]any{"key": key},
						})
					}
				}()
			}
		})
	}
}
