// Package standardbankpay implements the StandardBankPay adapter. The
// upstream speaks three flows over the same credentials: an async push
// payment, an OTP-confirmed payment, and a card payment that redirects the
// customer to a hosted page. Terminal status always arrives on the push
// channel; the status endpoint exists for pull reconciliation.
package standardbankpay

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/provider"
)

const (
	providerName = "standard_bank_pay"

	apiSandboxURL    = "https://sandbox.api.standardbankpay.com/v1"
	apiProductionURL = "https://api.standardbankpay.com/v1"

	endpointPayment = "payment"
	endpointConfirm = "confirm"
	endpointStatus  = "status"
)

// StandardBankPayProvider implements provider.PaymentProvider.
type StandardBankPayProvider struct {
	clientCode   string
	secretKey    string
	checksumSalt string
	baseURL      string
	isProduction bool
	client       *provider.ProviderHTTPClient
}

// NewProvider creates a new StandardBankPay payment provider
func NewProvider() provider.PaymentProvider {
	return &StandardBankPayProvider{}
}

// GetRequiredConfig returns the configuration fields required for StandardBankPay
func (p *StandardBankPayProvider) GetRequiredConfig() []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "client_code",
			Required:    true,
			Type:        "string",
			Description: "Merchant client code assigned by StandardBankPay",
			Example:     "SBP-4471",
			MinLength:   3,
			MaxLength:   50,
		},
		{
			Key:         "secret_key",
			Required:    true,
			Type:        "string",
			Description: "Shared secret used as the HMAC-SHA256 key for request checksums",
			MinLength:   16,
			MaxLength:   128,
		},
		{
			Key:         "checksum_salt",
			Required:    false,
			Type:        "string",
			Description: "Extra salt appended to the OTP confirmation checksum",
			MaxLength:   128,
		},
		{
			Key:         "base_url",
			Required:    false,
			Type:        "url",
			Description: "Override for the upstream base URL (defaults by environment)",
			Example:     "https://sandbox.api.standardbankpay.com/v1",
		},
		{
			Key:         "environment",
			Required:    true,
			Type:        "string",
			Description: "Environment setting (sandbox or production)",
			Example:     "sandbox",
			Pattern:     "^(sandbox|production)$",
		},
	}
}

// Initialize sets up the StandardBankPay provider from merchant credentials
func (p *StandardBankPayProvider) Initialize(conf map[string]string) error {
	if err := provider.ValidateConfigFields(providerName, conf, p.GetRequiredConfig()); err != nil {
		return err
	}

	p.clientCode = conf["client_code"]
	p.secretKey = conf["secret_key"]
	p.checksumSalt = conf["checksum_salt"]

	p.isProduction = conf["environment"] == "production"
	if base := conf["base_url"]; base != "" {
		p.baseURL = base
	} else if p.isProduction {
		p.baseURL = apiProductionURL
	} else {
		p.baseURL = apiSandboxURL
	}

	p.client = provider.NewProviderHTTPClient(
		provider.CreateHTTPClientConfig(p.baseURL, p.isProduction, provider.DefaultTimeout))

	return nil
}

// checksum signs a payment request. The concatenation order is fixed by the
// upstream and must match byte for byte: extTxID + clientCode + amount + msisdn.
func (p *StandardBankPayProvider) checksum(extTxID, amount, msisdn string) string {
	return provider.HmacSHA256Hex(p.secretKey, extTxID+p.clientCode+amount+msisdn)
}

// confirmChecksum signs an OTP confirmation: the payment concatenation plus
// the salt and the OTP appended.
func (p *StandardBankPayProvider) confirmChecksum(extTxID, amount, msisdn, otp string) string {
	return provider.HmacSHA256Hex(p.secretKey, extTxID+p.clientCode+amount+msisdn+p.checksumSalt+otp)
}

// InitPayment starts a payment. The flow is chosen by request metadata:
// card_payment=true runs the redirect flow, anything else the async push.
func (p *StandardBankPayProvider) InitPayment(ctx context.Context, request provider.PaymentRequest) (*provider.InitResult, error) {
	msisdn := strings.TrimSpace(request.Customer.Phone)
	if msisdn == "" {
		return nil, apperr.Validation("standard_bank_pay: customer msisdn is required")
	}

	extTxID := metadataString(request.Metadata, "ext_transaction_id")
	if extTxID == "" {
		extTxID = uuid.New().String()
	}

	amount := request.Amount.StringFixed(2)
	cardPayment := metadataBool(request.Metadata, "card_payment")

	body := map[string]any{
		"externalTransactionId": extTxID,
		"clientCode":            p.clientCode,
		"amount":                amount,
		"msisdn":                msisdn,
		"currency":              request.Currency,
		"checksum":              p.checksum(extTxID, amount, msisdn),
	}
	if cardPayment {
		body["cardPayment"] = true
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointPayment,
		Body:     body,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentInit, "standard_bank_pay: payment request failed", err)
	}

	extra := map[string]any{"ext_transaction_id": extTxID}

	if cardPayment {
		paymentURL, txnRef := parseRedirectResponse(p.client, resp)
		if paymentURL == "" {
			return nil, apperr.Newf(apperr.KindPaymentInit, "standard_bank_pay: no redirect URL in card payment response")
		}
		if txnRef == "" {
			txnRef = extTxID
		}
		return &provider.InitResult{
			ProviderTxID: txnRef,
			Status:       provider.StatusPending,
			PaymentURL:   paymentURL,
			Extra:        extra,
		}, nil
	}

	var result struct {
		SbpTxnRef       string `json:"sbp_txn_ref"`
		ProcessingState string `json:"processing_state"`
	}
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentInit, "standard_bank_pay: malformed payment response", err)
	}
	if result.SbpTxnRef == "" {
		return nil, apperr.Newf(apperr.KindPaymentInit, "standard_bank_pay: payment response missing sbp_txn_ref")
	}

	extra["processing_state"] = result.ProcessingState

	return &provider.InitResult{
		ProviderTxID: result.SbpTxnRef,
		Status:       statusFromState(result.ProcessingState),
		Extra:        extra,
	}, nil
}

// parseRedirectResponse extracts the hosted page URL from a card payment
// response. The upstream returns either JSON or the raw URL as a text body.
func parseRedirectResponse(client *provider.ProviderHTTPClient, resp *provider.HTTPResponse) (paymentURL, txnRef string) {
	var result struct {
		RedirectURL string `json:"redirectUrl"`
		SbpTxnRef   string `json:"sbp_txn_ref"`
	}
	if err := client.ParseJSONResponse(resp, &result); err == nil && result.RedirectURL != "" {
		return result.RedirectURL, result.SbpTxnRef
	}

	raw := strings.TrimSpace(resp.RawBody)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw, ""
	}
	return "", ""
}

// ConfirmPayment submits the customer's OTP for a pending payment.
func (p *StandardBankPayProvider) ConfirmPayment(ctx context.Context, providerTxID string, request provider.PaymentRequest, otp string) (*provider.VerifyResult, error) {
	if otp == "" {
		return nil, apperr.Validation("standard_bank_pay: otp is required")
	}

	extTxID := metadataString(request.Metadata, "ext_transaction_id")
	if extTxID == "" {
		extTxID = providerTxID
	}

	msisdn := strings.TrimSpace(request.Customer.Phone)
	amount := request.Amount.StringFixed(2)

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointConfirm,
		Body: map[string]any{
			"externalTransactionId": extTxID,
			"clientCode":            p.clientCode,
			"otp":                   otp,
			"checksum":              p.confirmChecksum(extTxID, amount, msisdn, otp),
		},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentVerification, "standard_bank_pay: otp confirmation failed", err)
	}

	var result struct {
		PaymentRequestStatus string `json:"paymentRequestStatus"`
		ProcessingState      string `json:"processing_state"`
	}
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentVerification, "standard_bank_pay: malformed confirmation response", err)
	}

	state := result.PaymentRequestStatus
	if state == "" {
		state = result.ProcessingState
	}

	return &provider.VerifyResult{
		Status: statusFromState(state),
		Extra:  map[string]any{"paymentRequestStatus": state},
	}, nil
}

// VerifyPayment pulls the current payment status. The upstream keys the
// lookup on the caller's external reference.
func (p *StandardBankPayProvider) VerifyPayment(ctx context.Context, providerTxID string) (*provider.VerifyResult, error) {
	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:      http.MethodGet,
		Endpoint:    endpointStatus,
		QueryParams: map[string]string{"requestReference": providerTxID},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentVerification, "standard_bank_pay: status request failed", err)
	}

	var result struct {
		PaymentRequestStatus string `json:"paymentRequestStatus"`
	}
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentVerification, "standard_bank_pay: malformed status response", err)
	}

	return &provider.VerifyResult{
		Status: statusFromState(result.PaymentRequestStatus),
		Extra:  map[string]any{"paymentRequestStatus": result.PaymentRequestStatus},
	}, nil
}

// RefundPayment is not supported by the upstream.
func (p *StandardBankPayProvider) RefundPayment(ctx context.Context, request provider.RefundRequest) (*provider.RefundResult, error) {
	return nil, fmt.Errorf("standard_bank_pay [%s]: %w", request.ProviderTxID, apperr.ErrRefundUnsupported)
}

// VerifyWebhookSignature always accepts: the push protocol carries no
// signature, payload semantics are validated in HandleWebhook.
func (p *StandardBankPayProvider) VerifyWebhookSignature(raw []byte, signature string) bool {
	return true
}

// HandleWebhook normalises a push notification.
func (p *StandardBankPayProvider) HandleWebhook(payload map[string]any) (*provider.WebhookResult, error) {
	txnRef, _ := payload["sbp_txn_ref"].(string)
	if txnRef == "" {
		return nil, apperr.Validation("standard_bank_pay: webhook missing sbp_txn_ref")
	}

	eventType, _ := payload["event_type"].(string)

	var status provider.PaymentStatus
	switch eventType {
	case "PAYMENT_SETTLED":
		status = provider.StatusCompleted
	case "PAYMENT_FAILED", "PAYMENT_DENIED", "PAYMENT_EXPIRED", "PAYMENT_CANCELLED":
		status = provider.StatusFailed
	case "PAYMENT_REVERSED":
		status = provider.StatusRefunded
	default:
		if state, ok := payload["paymentRequestStatus"].(string); ok {
			status = statusFromState(state)
		} else {
			status = provider.StatusPending
		}
	}

	return &provider.WebhookResult{
		ProviderTxID: txnRef,
		EventType:    eventType,
		Status:       status,
		Extra:        payload,
	}, nil
}

// statusFromState maps upstream state words to the canonical vocabulary.
// Unknown states default to pending.
func statusFromState(state string) provider.PaymentStatus {
	switch strings.ToLower(state) {
	case "processed":
		return provider.StatusCompleted
	case "open", "scheduled", "awaiting_customer":
		return provider.StatusPending
	case "denied", "canceled", "cancelled", "expired":
		return provider.StatusFailed
	case "reversed":
		return provider.StatusRefunded
	default:
		return provider.StatusPending
	}
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}

func metadataBool(metadata map[string]any, key string) bool {
	if metadata == nil {
		return false
	}
	if v, ok := metadata[key].(bool); ok {
		return v
	}
	return false
}
