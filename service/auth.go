package service

import (
	"context"
	"strings"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/provider"
	"github.com/sefapay/sefapay/store"
)

// MerchantAccountStore is the persistence surface AuthService needs.
type MerchantAccountStore interface {
	CreateMerchantWithAccount(ctx context.Context, merchant *store.Merchant, account *store.Account) error
	GetAccountByAPIKeyHash(ctx context.Context, apiKeyHash string) (*store.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*store.Account, error)
	GetMerchant(ctx context.Context, id string) (*store.Merchant, error)
	TouchAccount(ctx context.Context, accountID string) error
	RotateAPIKey(ctx context.Context, accountID, newAPIKeyHash string) error
}

// AuthService owns merchant signup, login and API key verification. Keys
// are stored hashed; the plaintext travels to the merchant exactly once,
// sealed under an AES-GCM envelope keyed on the merchant id.
type AuthService struct {
	merchants MerchantAccountStore
}

// NewAuthService creates an auth service.
func NewAuthService(merchants MerchantAccountStore) *AuthService {
	return &AuthService{merchants: merchants}
}

// SignupRequest carries a new merchant registration.
type SignupRequest struct {
	Name             string `json:"name" validate:"required,min=2,max=100"`
	Email            string `json:"email" validate:"required,email"`
	Phone            string `json:"phone,omitempty"`
	BusinessName     string `json:"business_name,omitempty"`
	BusinessCategory string `json:"business_category,omitempty"`
	Username         string `json:"username" validate:"required,min=3,max=50"`
	Password         string `json:"password" validate:"required,min=8"`
}

// Credentials is the signup/login result: the merchant identity plus the
// sealed API key envelope.
type Credentials struct {
	Merchant *store.Merchant          `json:"merchant"`
	Account  *store.Account           `json:"account"`
	APIKey   *provider.SealedEnvelope `json:"api_key"`
}

// Signup creates a Merchant and its Account in one database transaction
// and returns the freshly generated API key, sealed.
func (s *AuthService) Signup(ctx context.Context, req SignupRequest) (*Credentials, error) {
	apiKey, err := provider.RandomAPIKey("")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to generate api key", err)
	}

	merchant := &store.Merchant{
		Name:             strings.TrimSpace(req.Name),
		Email:            strings.ToLower(strings.TrimSpace(req.Email)),
		Phone:            req.Phone,
		BusinessName:     req.BusinessName,
		BusinessCategory: req.BusinessCategory,
	}
	account := &store.Account{
		Username:     strings.TrimSpace(req.Username),
		PasswordHash: provider.HashPassword(req.Password),
		APIKeyHash:   provider.Sha256Hex(apiKey),
	}

	if err := s.merchants.CreateMerchantWithAccount(ctx, merchant, account); err != nil {
		return nil, err
	}

	envelope, err := provider.AESGCMSeal(merchant.ID, apiKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to seal api key", err)
	}

	return &Credentials{
		Merchant: merchant,
		Account:  account,
		APIKey:   envelope,
	}, nil
}

// Login verifies username and password. A successful login rotates
// nothing; it re-issues a fresh API key sealed the same way, replacing the
// stored hash.
func (s *AuthService) Login(ctx context.Context, username, password string) (*Credentials, error) {
	account, err := s.merchants.GetAccountByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	if account.PasswordHash != provider.HashPassword(password) {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid credentials")
	}

	apiKey, err := provider.RandomAPIKey("")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to generate api key", err)
	}
	if err := s.merchants.RotateAPIKey(ctx, account.ID, provider.Sha256Hex(apiKey)); err != nil {
		return nil, err
	}

	merchant, err := s.merchants.GetMerchant(ctx, account.MerchantID)
	if err != nil {
		return nil, err
	}

	envelope, err := provider.AESGCMSeal(merchant.ID, apiKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to seal api key", err)
	}

	return &Credentials{
		Merchant: merchant,
		Account:  account,
		APIKey:   envelope,
	}, nil
}

// Authenticate resolves an account from a plaintext API key. Used by the
// X-API-Key middleware on every merchant request.
func (s *AuthService) Authenticate(ctx context.Context, apiKey string) (*store.Account, error) {
	if apiKey == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "missing API key")
	}

	account, err := s.merchants.GetAccountByAPIKeyHash(ctx, provider.Sha256Hex(apiKey))
	if err != nil {
		return nil, err
	}

	// last_used_at is advisory; a failed touch never blocks the request.
	_ = s.merchants.TouchAccount(ctx, account.ID)

	return account, nil
}
