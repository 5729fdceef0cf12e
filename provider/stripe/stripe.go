// Package stripe implements the Stripe adapter on the PaymentIntents API.
// Webhook signatures are checked with the official stripe-go verifier
// against the Stripe-Signature header.
package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/provider"
)

const (
	providerName = "stripe"

	apiBaseURL = "https://api.stripe.com"

	endpointPaymentIntents = "/v1/payment_intents"
	endpointRefunds        = "/v1/refunds"

	stripeAPIVersion = "2025-03-31.basil"
)

// StripeProvider implements provider.PaymentProvider for Stripe.
type StripeProvider struct {
	secretKey     string
	webhookSecret string
	returnURL     string
	isProduction  bool
	client        *provider.ProviderHTTPClient
}

// NewProvider creates a new Stripe payment provider
func NewProvider() provider.PaymentProvider {
	return &StripeProvider{}
}

// GetRequiredConfig returns the configuration fields required for Stripe
func (p *StripeProvider) GetRequiredConfig() []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "secret_key",
			Required:    true,
			Type:        "string",
			Description: "Stripe secret API key",
			Example:     "sk_test_...",
			Pattern:     `^(sk|rk)_(test|live)_`,
		},
		{
			Key:         "webhook_secret",
			Required:    false,
			Type:        "string",
			Description: "Webhook endpoint signing secret",
			Example:     "whsec_...",
		},
		{
			Key:         "return_url",
			Required:    false,
			Type:        "url",
			Description: "URL the customer returns to after off-session authentication",
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

// Initialize sets up the Stripe provider from merchant credentials. Stripe
// uses a single API host; test vs live is carried by the key itself.
func (p *StripeProvider) Initialize(conf map[string]string) error {
	if err := provider.ValidateConfigFields(providerName, conf, p.GetRequiredConfig()); err != nil {
		return err
	}

	p.secretKey = conf["secret_key"]
	p.webhookSecret = conf["webhook_secret"]
	p.returnURL = conf["return_url"]
	p.isProduction = conf["environment"] == "production"

	p.client = provider.NewProviderHTTPClient(
		provider.CreateHTTPClientConfig(apiBaseURL, p.isProduction, provider.DefaultTimeout))

	return nil
}

func (p *StripeProvider) authHeaders() map[string]string {
	return map[string]string{
		"Authorization":  "Bearer " + p.secretKey,
		"Stripe-Version": stripeAPIVersion,
	}
}

// InitPayment creates a PaymentIntent. The amount moves as minor units
// (cents), so a two-decimal value multiplies cleanly by 100.
func (p *StripeProvider) InitPayment(ctx context.Context, request provider.PaymentRequest) (*provider.InitResult, error) {
	cents := request.Amount.Mul(decimal.NewFromInt(100))
	if !cents.IsInteger() {
		return nil, apperr.Validation("stripe: amount has more than two decimal places")
	}

	form := map[string]string{
		"amount":                             strconv.FormatInt(cents.IntPart(), 10),
		"currency":                           strings.ToLower(request.Currency),
		"automatic_payment_methods[enabled]": "true",
		"metadata[gateway]":                  "sefapay",
	}
	if request.Customer.Email != "" {
		form["receipt_email"] = request.Customer.Email
	}
	if description := metadataString(request.Metadata, "description"); description != "" {
		form["description"] = description
	}
	if reference := metadataString(request.Metadata, "reference"); reference != "" {
		form["metadata[reference]"] = reference
	}
	if p.returnURL != "" {
		form["automatic_payment_methods[allow_redirects]"] = "always"
	}

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointPaymentIntents,
		Headers:  p.authHeaders(),
		FormData: form,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentInit, "stripe: payment intent creation failed", stripeError(resp, err))
	}

	var intent paymentIntent
	if err := p.client.ParseJSONResponse(resp, &intent); err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentInit, "stripe: malformed payment intent response", err)
	}

	result := &provider.InitResult{
		ProviderTxID: intent.ID,
		Status:       statusFromIntent(intent.Status),
		Extra: map[string]any{
			"client_secret":   intent.ClientSecret,
			"upstream_status": intent.Status,
		},
	}
	if url := intent.redirectURL(); url != "" {
		result.PaymentURL = url
	}
	return result, nil
}

// VerifyPayment retrieves the PaymentIntent and maps its status.
func (p *StripeProvider) VerifyPayment(ctx context.Context, providerTxID string) (*provider.VerifyResult, error) {
	resp, err := p.client.SendRaw(ctx, &provider.HTTPRequest{
		Method:   http.MethodGet,
		Endpoint: endpointPaymentIntents + "/" + providerTxID,
		Headers:  p.authHeaders(),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentVerification, "stripe: payment intent retrieval failed", stripeError(resp, err))
	}

	var intent paymentIntent
	if err := p.client.ParseJSONResponse(resp, &intent); err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentVerification, "stripe: malformed payment intent response", err)
	}

	amount := decimal.NewFromInt(intent.Amount).Div(decimal.NewFromInt(100))
	return &provider.VerifyResult{
		Status:   statusFromIntent(intent.Status),
		Amount:   &amount,
		Currency: strings.ToUpper(intent.Currency),
		Extra:    map[string]any{"upstream_status": intent.Status},
	}, nil
}

// RefundPayment refunds a settled PaymentIntent. Stripe refunds usually
// settle synchronously.
func (p *StripeProvider) RefundPayment(ctx context.Context, request provider.RefundRequest) (*provider.RefundResult, error) {
	form := map[string]string{
		"payment_intent": request.ProviderTxID,
	}
	if request.Amount != nil {
		cents := request.Amount.Mul(decimal.NewFromInt(100))
		if !cents.IsInteger() {
			return nil, apperr.Validation("stripe: refund amount has more than two decimal places")
		}
		form["amount"] = strconv.FormatInt(cents.IntPart(), 10)
	}
	if request.Reason != "" {
		form["metadata[reason]"] = request.Reason
	}

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpointRefunds,
		Headers:  p.authHeaders(),
		FormData: form,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRefund, "stripe: refund request failed", stripeError(resp, err))
	}

	var refund struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := p.client.ParseJSONResponse(resp, &refund); err != nil {
		return nil, apperr.Wrap(apperr.KindRefund, "stripe: malformed refund response", err)
	}

	status := provider.StatusPending
	switch refund.Status {
	case "succeeded":
		status = provider.StatusRefunded
	case "failed", "canceled":
		status = provider.StatusFailed
	}

	return &provider.RefundResult{
		RefundID: refund.ID,
		Status:   status,
		Amount:   decimal.NewFromInt(refund.Amount).Div(decimal.NewFromInt(100)),
		Currency: strings.ToUpper(refund.Currency),
		Extra:    map[string]any{"upstream_status": refund.Status},
	}, nil
}

// VerifyWebhookSignature validates the Stripe-Signature header against the
// endpoint signing secret. Without a configured secret nothing can be
// verified and the event is rejected.
func (p *StripeProvider) VerifyWebhookSignature(raw []byte, signature string) bool {
	if p.webhookSecret == "" || signature == "" {
		return false
	}
	_, err := webhook.ConstructEvent(raw, signature, p.webhookSecret)
	return err == nil
}

// HandleWebhook normalises a Stripe event envelope.
func (p *StripeProvider) HandleWebhook(payload map[string]any) (*provider.WebhookResult, error) {
	eventType, _ := payload["type"].(string)
	if eventType == "" {
		return nil, apperr.Validation("stripe: webhook missing type field")
	}

	object := eventObject(payload)
	txID, _ := object["id"].(string)

	// Charge and refund events reference the intent; prefer it so the
	// lookup matches the stored provider reference.
	if intentID, ok := object["payment_intent"].(string); ok && intentID != "" {
		txID = intentID
	}
	if txID == "" {
		return nil, apperr.Validation("stripe: webhook missing object id")
	}

	return &provider.WebhookResult{
		ProviderTxID: txID,
		EventType:    eventType,
		Status:       statusFromEvent(eventType),
		Extra:        payload,
	}, nil
}

type paymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	ClientSecret string `json:"client_secret"`
	NextAction   *struct {
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
}

func (i *paymentIntent) redirectURL() string {
	if i.NextAction != nil && i.NextAction.RedirectToURL != nil {
		return i.NextAction.RedirectToURL.URL
	}
	return ""
}

func eventObject(payload map[string]any) map[string]any {
	if data, ok := payload["data"].(map[string]any); ok {
		if object, ok := data["object"].(map[string]any); ok {
			return object
		}
	}
	return map[string]any{}
}

// stripeError surfaces the provider error code from a 4xx body.
func stripeError(resp *provider.HTTPResponse, err error) error {
	if resp == nil {
		return err
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if jsonErr := json.Unmarshal(resp.Body, &body); jsonErr == nil && body.Error.Message != "" {
		return apperr.Newf(apperr.KindInternal, "stripe error [%s]: %s", body.Error.Code, body.Error.Message)
	}
	return err
}

var intentStatuses = map[string]provider.PaymentStatus{
	"succeeded":               provider.StatusCompleted,
	"processing":              provider.StatusProcessing,
	"requires_payment_method": provider.StatusPending,
	"requires_confirmation":   provider.StatusPending,
	"requires_action":         provider.StatusPending,
	"requires_capture":        provider.StatusProcessing,
	"canceled":                provider.StatusFailed,
}

func statusFromIntent(status string) provider.PaymentStatus {
	if mapped, ok := intentStatuses[status]; ok {
		return mapped
	}
	return provider.StatusPending
}

var eventStatuses = map[string]provider.PaymentStatus{
	"payment_intent.succeeded":      provider.StatusCompleted,
	"payment_intent.processing":     provider.StatusProcessing,
	"payment_intent.payment_failed": provider.StatusFailed,
	"payment_intent.canceled":       provider.StatusFailed,
	"charge.refunded":               provider.StatusRefunded,
	"charge.refund.updated":         provider.StatusRefunded,
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
