package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/sefapay/sefapay/infra/response"
	"github.com/sefapay/sefapay/service"
)

// AuthServiceInterface defines the interface for merchant auth operations
type AuthServiceInterface interface {
	Signup(ctx context.Context, req service.SignupRequest) (*service.Credentials, error)
	Login(ctx context.Context, username, password string) (*service.Credentials, error)
}

// AuthHandler handles merchant signup and login
type AuthHandler struct {
	auth     AuthServiceInterface
	validate *validator.Validate
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(auth AuthServiceInterface, validate *validator.Validate) *AuthHandler {
	return &AuthHandler{
		auth:     auth,
		validate: validate,
	}
}

// Signup registers a merchant and returns the one-time sealed API key
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req service.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteErrorMessage(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.WriteErrorMessage(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	creds, err := h.auth.Signup(r.Context(), req)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, creds)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login verifies credentials and rotates the merchant's API key
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteErrorMessage(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.WriteErrorMessage(w, http.StatusBadRequest, "username and password are required")
		return
	}

	creds, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, creds)
}
