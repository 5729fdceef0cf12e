package middle

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sefapay/sefapay/infra/opensearch"
)

// responseWriter wraps http.ResponseWriter to capture response data
type responseWriter struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	startTime  time.Time
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		statusCode:     http.StatusOK,
		startTime:      time.Now(),
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// RequestLoggingMiddleware records payment and webhook traffic to
// OpenSearch. Bodies are sanitized before indexing; the write happens off
// the request path.
func RequestLoggingMiddleware(osLogger *opensearch.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if osLogger == nil || !isLoggedEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
				r.Header.Set("X-Request-ID", requestID)
			}

			var requestBody []byte
			if r.Body != nil {
				requestBody, _ = io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewBuffer(requestBody))
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			entry := opensearch.PaymentLog{
				Timestamp:  rw.startTime,
				MerchantID: GetMerchantID(r.Context()),
				Provider:   extractProviderFromURL(r.URL.Path),
				Method:     r.Method,
				Endpoint:   r.URL.Path,
				RequestID:  requestID,
				UserAgent:  r.UserAgent(),
				ClientIP:   GetClientIP(r),
				Request: opensearch.RequestLog{
					Body: opensearch.SanitizeForLog(string(requestBody)),
				},
				Response: opensearch.ResponseLog{
					StatusCode:       rw.statusCode,
					Body:             opensearch.SanitizeForLog(rw.body.String()),
					ProcessingTimeMs: time.Since(rw.startTime).Milliseconds(),
				},
			}

			// Index asynchronously so OpenSearch latency never shows up in
			// the payment path.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = osLogger.LogPaymentRequest(ctx, entry)
			}()
		})
	}
}

// isLoggedEndpoint checks if the URL path carries payment traffic
func isLoggedEndpoint(path string) bool {
	loggedPaths := []string{
		"/api/v1/payments",
		"/webhooks",
	}

	for _, loggedPath := range loggedPaths {
		if strings.HasPrefix(path, loggedPath) {
			return true
		}
	}

	return false
}

// extractProviderFromURL extracts the provider name from webhook paths
// (/webhooks/{provider}). Merchant payment paths carry no provider segment.
func extractProviderFromURL(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) >= 2 && segments[0] == "webhooks" {
		return segments[1]
	}
	return "gateway"
}
