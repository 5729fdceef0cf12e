package middle

import (
	"context"
	"net/http"
	"strings"

	"github.com/sefapay/sefapay/infra/response"
	"github.com/sefapay/sefapay/store"
)

// Authenticator resolves a plaintext API key to a merchant account.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*store.Account, error)
}

// APIKeyMiddleware validates merchant API key authentication. The key
// travels in the X-API-Key header; Authorization: Bearer is accepted as a
// fallback for older clients.
func APIKeyMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
					apiKey = strings.TrimPrefix(authHeader, "Bearer ")
				}
			}
			if apiKey == "" {
				response.WriteErrorMessage(w, http.StatusUnauthorized, "API key required")
				return
			}

			account, err := auth.Authenticate(r.Context(), apiKey)
			if err != nil {
				response.WriteError(w, err)
				return
			}

			ctx := WithMerchant(r.Context(), account.MerchantID, account.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
