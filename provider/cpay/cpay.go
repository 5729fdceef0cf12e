// Package cpay implements the CPay hosted-checkout adapter. Payments
// redirect the customer to a CPay-hosted page; outcomes arrive as webhooks
// signed with HMAC-SHA256 over the raw body in the X-CPay-Signature header.
package cpay

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/provider"
)

const (
	providerName = "cpay"

	apiSandboxURL    = "https://sandbox.cpay.africa/api"
	apiProductionURL = "https://api.cpay.africa/api"

	endpointCheckout = "/v1/checkout"
	endpointStatus   = "/v1/transactions"
	endpointRefund   = "/v1/refunds"
)

// CpayProvider implements provider.PaymentProvider for CPay hosted checkout.
type CpayProvider struct {
	merchantCode  string
	apiKey        string
	webhookSecret string
	baseURL       string
	isProduction  bool
	client        *provider.ProviderHTTPClient
}

// NewProvider creates a new CPay payment provider
func NewProvider() provider.PaymentProvider {
	return &CpayProvider{}
}

// GetRequiredConfig returns the configuration fields required for CPay
func (p *CpayProvider) GetRequiredConfig() []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "merchant_code",
			Required:    true,
			Type:        "string",
			Description: "CPay merchant code",
			Example:     "CP-10293",
			MinLength:   4,
			MaxLength:   32,
		},
		{
			Key:         "api_key",
			Required:    true,
			Type:        "string",
			Description: "CPay API bearer key",
			MinLength:   16,
			MaxLength:   128,
		},
		{
			Key:         "webhook_secret",
			Required:    true,
			Type:        "string",
			Description: "Shared secret for webhook signatures",
			MinLength:   16,
			MaxLength:   128,
		},
		{
			Key:         "base_url",
			Required:    false,
			Type:        "url",
			Description: "Override the CPay API base URL",
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

// Initialize sets up the CPay provider from merchant credentials
func (p *CpayProvider) Initialize(conf map[string]string) error {
	if err := provider.ValidateConfigFields(providerName, conf, p.GetRequiredConfig()); err != nil {
		return err
	}

	p.merchantCode = conf["merchant_code"]
	p.apiKey = conf["api_key"]
	p.webhookSecret = conf["webhook_secret"]

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

func (p *CpayProvider) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

// InitPayment creates a hosted checkout session and returns its URL. The
// payment stays pending until CPay pushes the outcome.
func (p *CpayProvider) InitPayment(ctx context.Context, request provider.PaymentRequest) (*provider.InitResult, error) {
	reference := metadataString(request.Metadata, "reference")
	if reference == "" {
		reference = uuid.New().String()
	}

	body := map[string]any{
		"merchant_code": p.merchantCode,
		"reference":     reference,
		"amount":        request.Amount.StringFixed(2),
		"currency":      request.Currency,
		"customer": map[string]any{
			"email": request.Customer.Email,
			"phone": request.Customer.Phone,
			"name":  request.Customer.Name,
		},
	}
	if returnURL := metadataString(request.Metadata, "return_url"); returnURL != "" {
		body["return_url"] = returnURL
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointCheckout,
		Headers:  p.authHeaders(),
		Body:     body,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentInit, "cpay: checkout creation failed", err)
	}

	var result struct {
		TransactionID string `json:"transaction_id"`
		CheckoutURL   string `json:"checkout_url"`
		Status        string `json:"status"`
	}
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentInit, "cpay: malformed checkout response", err)
	}

	if result.TransactionID == "" || result.CheckoutURL == "" {
		return nil, apperr.New(apperr.KindPaymentInit, "cpay: checkout response missing transaction_id or checkout_url")
	}

	return &provider.InitResult{
		ProviderTxID: result.TransactionID,
		Status:       provider.StatusPending,
		PaymentURL:   result.CheckoutURL,
		Extra: map[string]any{
			"reference":       reference,
			"upstream_status": result.Status,
		},
	}, nil
}

// VerifyPayment pulls the current state of a CPay transaction.
func (p *CpayProvider) VerifyPayment(ctx context.Context, providerTxID string) (*provider.VerifyResult, error) {
	resp, err := p.client.SendRaw(ctx, &provider.HTTPRequest{
		Method:   http.MethodGet,
		Endpoint: endpointStatus + "/" + providerTxID,
		Headers:  p.authHeaders(),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentVerification, "cpay: status query failed", err)
	}

	var result struct {
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		Amount        string `json:"amount"`
		Currency      string `json:"currency"`
	}
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentVerification, "cpay: malformed status response", err)
	}

	verify := &provider.VerifyResult{
		Status:   statusFromUpstream(result.Status),
		Currency: result.Currency,
		Extra:    map[string]any{"upstream_status": result.Status},
	}
	if result.Amount != "" {
		if amount, err := decimal.NewFromString(result.Amount); err == nil {
			verify.Amount = &amount
		}
	}
	return verify, nil
}

// RefundPayment files a refund against a settled CPay transaction.
func (p *CpayProvider) RefundPayment(ctx context.Context, request provider.RefundRequest) (*provider.RefundResult, error) {
	body := map[string]any{
		"transaction_id": request.ProviderTxID,
		"reason":         request.Reason,
	}
	if request.Amount != nil {
		body["amount"] = request.Amount.StringFixed(2)
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointRefund,
		Headers:  p.authHeaders(),
		Body:     body,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRefund, "cpay: refund request failed", err)
	}

	var result struct {
		RefundID string `json:"refund_id"`
		Status   string `json:"status"`
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, apperr.Wrap(apperr.KindRefund, "cpay: malformed refund response", err)
	}

	amount := decimal.Zero
	if result.Amount != "" {
		if parsed, err := decimal.NewFromString(result.Amount); err == nil {
			amount = parsed
		}
	} else if request.Amount != nil {
		amount = *request.Amount
	}

	status := statusFromUpstream(result.Status)
	if status == provider.StatusCompleted {
		status = provider.StatusRefunded
	}

	return &provider.RefundResult{
		RefundID: result.RefundID,
		Status:   status,
		Amount:   amount,
		Currency: result.Currency,
		Extra:    map[string]any{"upstream_status": result.Status},
	}, nil
}

// VerifyWebhookSignature checks the X-CPay-Signature header: hex
// HMAC-SHA256 of the raw body under the webhook secret, compared in
// constant time.
func (p *CpayProvider) VerifyWebhookSignature(raw []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := provider.HmacSHA256Hex(p.webhookSecret, string(raw))
	return provider.HmacEqual(expected, signature)
}

// HandleWebhook normalises a CPay event push.
func (p *CpayProvider) HandleWebhook(payload map[string]any) (*provider.WebhookResult, error) {
	event, _ := payload["event"].(string)
	if event == "" {
		return nil, apperr.Validation("cpay: webhook missing event field")
	}

	data, _ := payload["data"].(map[string]any)
	txID := ""
	if data != nil {
		txID, _ = data["transaction_id"].(string)
	}
	if txID == "" {
		txID, _ = payload["transaction_id"].(string)
	}
	if txID == "" {
		return nil, apperr.Validation("cpay: webhook missing transaction_id")
	}

	return &provider.WebhookResult{
		ProviderTxID: txID,
		EventType:    event,
		Status:       statusFromEvent(event),
		Extra:        payload,
	}, nil
}

var upstreamStatuses = map[string]provider.PaymentStatus{
	"created":    provider.StatusPending,
	"pending":    provider.StatusPending,
	"processing": provider.StatusProcessing,
	"success":    provider.StatusCompleted,
	"succeeded":  provider.StatusCompleted,
	"completed":  provider.StatusCompleted,
	"failed":     provider.StatusFailed,
	"cancelled":  provider.StatusFailed,
	"expired":    provider.StatusFailed,
	"refunded":   provider.StatusRefunded,
}

func statusFromUpstream(status string) provider.PaymentStatus {
	if mapped, ok := upstreamStatuses[status]; ok {
		return mapped
	}
	return provider.StatusPending
}

var eventStatuses = map[string]provider.PaymentStatus{
	"payment.success":   provider.StatusCompleted,
	"payment.failed":    provider.StatusFailed,
	"payment.cancelled": provider.StatusFailed,
	"payment.expired":   provider.StatusFailed,
	"refund.success":    provider.StatusRefunded,
	"refund.failed":     provider.StatusFailed,
}

func statusFromEvent(event string) provider.PaymentStatus {
	if mapped, ok := eventStatuses[event]; ok {
		return mapped
	}
	return provider.StatusPending
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
