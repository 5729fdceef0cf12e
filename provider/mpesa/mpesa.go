// Package mpesa implements the Safaricom Daraja adapter: OAuth-gated STK
// push initiation, status query, reversal, and B2C disbursement. The access
// token is cached in-process and refreshed lazily with a safety margin
// before expiry.
package mpesa

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/infra/validate"
	"github.com/sefapay/sefapay/provider"
)

const (
	providerName = "mpesa"

	apiSandboxURL    = "https://sandbox.safaricom.co.ke"
	apiProductionURL = "https://api.safaricom.co.ke"

	endpointOAuth       = "/oauth/v1/generate?grant_type=client_credentials"
	endpointSTKPush     = "/mpesa/stkpush/v1/processrequest"
	endpointSTKQuery    = "/mpesa/stkpushquery/v1/query"
	endpointReversal    = "/mpesa/reversal/v1/request"
	endpointB2C         = "/mpesa/b2c/v1/paymentrequest"
	endpointTxStatus    = "/mpesa/transactionstatus/v1/query"
	endpointC2BRegister = "/mpesa/c2b/v1/registerurl"
	timestampLayout     = "20060102150405"
	tokenSafetyMargin   = 60 * time.Second
	defaultTokenExpiry  = 3599 * time.Second
	transactionTypeSTK  = "CustomerPayBillOnline"
	b2cCommandID        = "BusinessPayment"
	reversalCommandID   = "TransactionReversal"
	txStatusCommandID   = "TransactionStatusQuery"
	receiverIdentifier  = "11" // organisation shortcode
	reversalReceiverIDT = "11"
)

// MpesaProvider implements provider.PaymentProvider for Safaricom Daraja.
type MpesaProvider struct {
	consumerKey        string
	consumerSecret     string
	shortcode          string
	passkey            string
	callbackURL        string
	initiatorName      string
	securityCredential string
	resultURL          string
	queueTimeoutURL    string
	baseURL            string
	isProduction       bool
	client             *provider.ProviderHTTPClient

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewProvider creates a new M-Pesa payment provider
func NewProvider() provider.PaymentProvider {
	return &MpesaProvider{}
}

// GetRequiredConfig returns the configuration fields required for M-Pesa
func (p *MpesaProvider) GetRequiredConfig() []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "consumer_key",
			Required:    true,
			Type:        "string",
			Description: "Daraja app consumer key",
			MinLength:   10,
			MaxLength:   100,
		},
		{
			Key:         "consumer_secret",
			Required:    true,
			Type:        "string",
			Description: "Daraja app consumer secret",
			MinLength:   10,
			MaxLength:   100,
		},
		{
			Key:         "shortcode",
			Required:    true,
			Type:        "string",
			Description: "Business shortcode (paybill or till number)",
			Example:     "174379",
			Pattern:     `^\d{5,7}$`,
		},
		{
			Key:         "passkey",
			Required:    true,
			Type:        "string",
			Description: "Lipa na M-Pesa online passkey",
			MinLength:   10,
		},
		{
			Key:         "callback_url",
			Required:    true,
			Type:        "url",
			Description: "URL Daraja pushes STK results to",
			Example:     "https://gateway.example.com/webhooks/mpesa",
		},
		{
			Key:         "initiator_name",
			Required:    false,
			Type:        "string",
			Description: "API operator username, needed for reversal/B2C/status operations",
		},
		{
			Key:         "security_credential",
			Required:    false,
			Type:        "string",
			Description: "Encrypted operator credential, needed for reversal/B2C/status operations",
		},
		{
			Key:         "result_url",
			Required:    false,
			Type:        "url",
			Description: "URL Daraja posts reversal/B2C results to",
		},
		{
			Key:         "queue_timeout_url",
			Required:    false,
			Type:        "url",
			Description: "URL Daraja posts queue timeouts to",
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

// Initialize sets up the M-Pesa provider from merchant credentials
func (p *MpesaProvider) Initialize(conf map[string]string) error {
	if err := provider.ValidateConfigFields(providerName, conf, p.GetRequiredConfig()); err != nil {
		return err
	}

	p.consumerKey = conf["consumer_key"]
	p.consumerSecret = conf["consumer_secret"]
	p.shortcode = conf["shortcode"]
	p.passkey = conf["passkey"]
	p.callbackURL = conf["callback_url"]
	p.initiatorName = conf["initiator_name"]
	p.securityCredential = conf["security_credential"]
	p.resultURL = conf["result_url"]
	p.queueTimeoutURL = conf["queue_timeout_url"]

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

// getAccessToken returns a valid bearer token, refreshing when the cached
// one is within the safety margin of expiry.
func (p *MpesaProvider) getAccessToken(ctx context.Context) (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry.Add(-tokenSafetyMargin)) {
		return p.accessToken, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(p.consumerKey + ":" + p.consumerSecret))

	resp, err := p.client.SendRaw(ctx, &provider.HTTPRequest{
		Method:   http.MethodGet,
		Endpoint: endpointOAuth,
		Headers:  map[string]string{"Authorization": "Basic " + basic},
	})
	if err != nil {
		return "", fmt.Errorf("mpesa: token request failed: %w", err)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := p.client.ParseJSONResponse(resp, &token); err != nil {
		return "", fmt.Errorf("mpesa: malformed token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("mpesa: empty access token")
	}

	expiry := defaultTokenExpiry
	if token.ExpiresIn != "" {
		if secs, err := time.ParseDuration(token.ExpiresIn + "s"); err == nil {
			expiry = secs
		}
	}

	p.accessToken = token.AccessToken
	p.tokenExpiry = time.Now().Add(expiry)
	return p.accessToken, nil
}

// stkPassword builds the Lipa na M-Pesa password for a timestamp.
func (p *MpesaProvider) stkPassword(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(p.shortcode + p.passkey + timestamp))
}

func (p *MpesaProvider) authedJSON(ctx context.Context, endpoint string, body map[string]any) (*provider.HTTPResponse, error) {
	token, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	return p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   http.MethodPost,
		Endpoint: endpoint,
		Headers:  map[string]string{"Authorization": "Bearer " + token},
		Body:     body,
	})
}

// InitPayment triggers an STK push to the customer's phone. Daraja takes
// whole currency units only; fractional amounts are rejected.
func (p *MpesaProvider) InitPayment(ctx context.Context, request provider.PaymentRequest) (*provider.InitResult, error) {
	msisdn, ok := validate.NormalizeMsisdn(request.Customer.Phone)
	if !ok {
		return nil, apperr.Validation("mpesa: invalid customer phone number")
	}

	if !request.Amount.IsInteger() {
		return nil, apperr.Validation("mpesa: amount must be a whole number")
	}
	amount := request.Amount.IntPart()
	if amount < 1 {
		return nil, apperr.Validation("mpesa: amount must be at least 1")
	}

	timestamp := time.Now().Format(timestampLayout)
	reference := metadataString(request.Metadata, "account_reference")
	if reference == "" {
		reference = p.shortcode
	}
	description := metadataString(request.Metadata, "description")
	if description == "" {
		description = "Payment"
	}

	resp, err := p.authedJSON(ctx, endpointSTKPush, map[string]any{
		"BusinessShortCode": p.shortcode,
		"Password":          p.stkPassword(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   transactionTypeSTK,
		"Amount":            amount,
		"PartyA":            msisdn,
		"PartyB":            p.shortcode,
		"PhoneNumber":       msisdn,
		"CallBackURL":       p.callbackURL,
		"AccountReference":  reference,
		"TransactionDesc":   description,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentInit, "mpesa: stk push failed", err)
	}

	var result struct {
		MerchantRequestID   string `json:"MerchantRequestID"`
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		CustomerMessage     string `json:"CustomerMessage"`
	}
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentInit, "mpesa: malformed stk push response", err)
	}

	if result.ResponseCode != "0" {
		return nil, apperr.Newf(apperr.KindPaymentInit, "mpesa: stk push rejected (code %s): %s",
			result.ResponseCode, result.ResponseDescription)
	}

	return &provider.InitResult{
		ProviderTxID: result.CheckoutRequestID,
		Status:       provider.StatusPending,
		Extra: map[string]any{
			"merchant_request_id": result.MerchantRequestID,
			"customer_message":    result.CustomerMessage,
		},
	}, nil
}

// VerifyPayment queries the STK push outcome for a checkout request.
func (p *MpesaProvider) VerifyPayment(ctx context.Context, providerTxID string) (*provider.VerifyResult, error) {
	timestamp := time.Now().Format(timestampLayout)

	resp, err := p.authedJSON(ctx, endpointSTKQuery, map[string]any{
		"BusinessShortCode": p.shortcode,
		"Password":          p.stkPassword(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": providerTxID,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentVerification, "mpesa: stk query failed", err)
	}

	var result struct {
		ResultCode string `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
	}
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentVerification, "mpesa: malformed stk query response", err)
	}

	return &provider.VerifyResult{
		Status: statusFromResultCode(result.ResultCode),
		Extra: map[string]any{
			"ResultCode": result.ResultCode,
			"ResultDesc": result.ResultDesc,
		},
	}, nil
}

// operatorConfig collects the missing fields for reversal/B2C/status calls.
func (p *MpesaProvider) operatorConfig(operation string) error {
	var missing []string
	if p.initiatorName == "" {
		missing = append(missing, "initiator_name")
	}
	if p.securityCredential == "" {
		missing = append(missing, "security_credential")
	}
	if p.resultURL == "" {
		missing = append(missing, "result_url")
	}
	if p.queueTimeoutURL == "" {
		missing = append(missing, "queue_timeout_url")
	}
	if len(missing) > 0 {
		return apperr.Wrap(apperr.KindValidation, "mpesa: operator credentials incomplete",
			provider.MissingConfigError(providerName, operation, missing))
	}
	return nil
}

// RefundPayment files a transaction reversal. The reversal is asynchronous:
// Daraja acknowledges with pending and delivers the outcome on the result
// URL, so the returned status is pending rather than refunded.
func (p *MpesaProvider) RefundPayment(ctx context.Context, request provider.RefundRequest) (*provider.RefundResult, error) {
	if err := p.operatorConfig("refund"); err != nil {
		return nil, err
	}

	amount := int64(0)
	if request.Amount != nil {
		if !request.Amount.IsInteger() {
			return nil, apperr.Validation("mpesa: refund amount must be a whole number")
		}
		amount = request.Amount.IntPart()
	}

	body := map[string]any{
		"Initiator":              p.initiatorName,
		"SecurityCredential":     p.securityCredential,
		"CommandID":              reversalCommandID,
		"TransactionID":          request.ProviderTxID,
		"ReceiverParty":          p.shortcode,
		"RecieverIdentifierType": reversalReceiverIDT,
		"ResultURL":              p.resultURL,
		"QueueTimeOutURL":        p.queueTimeoutURL,
		"Remarks":                request.Reason,
		"Occasion":               "Refund",
	}
	if amount > 0 {
		body["Amount"] = amount
	}

	resp, err := p.authedJSON(ctx, endpointReversal, body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRefund, "mpesa: reversal request failed", err)
	}

	var result struct {
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		ResponseCode             string `json:"ResponseCode"`
		ResponseDescription      string `json:"ResponseDescription"`
	}
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, apperr.Wrap(apperr.KindRefund, "mpesa: malformed reversal response", err)
	}

	if result.ResponseCode != "0" {
		return nil, apperr.Newf(apperr.KindRefund, "mpesa: reversal rejected (code %s): %s",
			result.ResponseCode, result.ResponseDescription)
	}

	amountValue := decimal.Zero
	if request.Amount != nil {
		amountValue = *request.Amount
	}

	return &provider.RefundResult{
		RefundID: result.ConversationID,
		Status:   provider.StatusPending,
		Amount:   amountValue,
		Extra: map[string]any{
			"OriginatorConversationID": result.OriginatorConversationID,
			"ResponseDescription":      result.ResponseDescription,
		},
	}, nil
}

// B2CPayment sends a business-to-customer disbursement.
func (p *MpesaProvider) B2CPayment(ctx context.Context, msisdn string, amount int64, remarks string) (map[string]any, error) {
	if err := p.operatorConfig("b2c"); err != nil {
		return nil, err
	}

	normalized, ok := validate.NormalizeMsisdn(msisdn)
	if !ok {
		return nil, apperr.Validation("mpesa: invalid recipient phone number")
	}

	resp, err := p.authedJSON(ctx, endpointB2C, map[string]any{
		"InitiatorName":      p.initiatorName,
		"SecurityCredential": p.securityCredential,
		"CommandID":          b2cCommandID,
		"Amount":             amount,
		"PartyA":             p.shortcode,
		"PartyB":             normalized,
		"Remarks":            remarks,
		"ResultURL":          p.resultURL,
		"QueueTimeOutURL":    p.queueTimeoutURL,
		"Occasion":           "",
	})
	if err != nil {
		return nil, fmt.Errorf("mpesa: b2c request failed: %w", err)
	}

	var result map[string]any
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, fmt.Errorf("mpesa: malformed b2c response: %w", err)
	}
	return result, nil
}

// TransactionStatus queries the status of any M-Pesa transaction by receipt.
func (p *MpesaProvider) TransactionStatus(ctx context.Context, transactionID string) (map[string]any, error) {
	if err := p.operatorConfig("transaction_status"); err != nil {
		return nil, err
	}

	resp, err := p.authedJSON(ctx, endpointTxStatus, map[string]any{
		"Initiator":          p.initiatorName,
		"SecurityCredential": p.securityCredential,
		"CommandID":          txStatusCommandID,
		"TransactionID":      transactionID,
		"PartyA":             p.shortcode,
		"IdentifierType":     receiverIdentifier,
		"ResultURL":          p.resultURL,
		"QueueTimeOutURL":    p.queueTimeoutURL,
		"Remarks":            "Status query",
		"Occasion":           "",
	})
	if err != nil {
		return nil, fmt.Errorf("mpesa: transaction status request failed: %w", err)
	}

	var result map[string]any
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, fmt.Errorf("mpesa: malformed transaction status response: %w", err)
	}
	return result, nil
}

// RegisterC2BURLs registers the validation and confirmation URLs Daraja
// pushes customer-initiated payments to. ResponseType "Completed" tells
// Daraja to complete the payment when the validation URL is unreachable.
func (p *MpesaProvider) RegisterC2BURLs(ctx context.Context, validationURL, confirmationURL, responseType string) (map[string]any, error) {
	if responseType == "" {
		responseType = "Completed"
	}

	resp, err := p.authedJSON(ctx, endpointC2BRegister, map[string]any{
		"ShortCode":       p.shortcode,
		"ResponseType":    responseType,
		"ConfirmationURL": confirmationURL,
		"ValidationURL":   validationURL,
	})
	if err != nil {
		return nil, fmt.Errorf("mpesa: c2b url registration failed: %w", err)
	}

	var result map[string]any
	if err := p.client.ParseJSONResponse(resp, &result); err != nil {
		return nil, fmt.Errorf("mpesa: malformed c2b registration response: %w", err)
	}
	return result, nil
}

// VerifyWebhookSignature always accepts: Daraja pushes carry no signature,
// the callback URL is the shared secret.
func (p *MpesaProvider) VerifyWebhookSignature(raw []byte, signature string) bool {
	return true
}

// HandleWebhook normalises the three Daraja push shapes: STK callbacks
// under Body.stkCallback, reversal/B2C results under Result, and flat C2B
// confirmations.
func (p *MpesaProvider) HandleWebhook(payload map[string]any) (*provider.WebhookResult, error) {
	if body, ok := payload["Body"].(map[string]any); ok {
		if callback, ok := body["stkCallback"].(map[string]any); ok {
			return handleSTKCallback(callback)
		}
	}

	if result, ok := payload["Result"].(map[string]any); ok {
		return handleResultCallback(result)
	}

	if transID, ok := payload["TransID"].(string); ok && transID != "" {
		return &provider.WebhookResult{
			ProviderTxID: transID,
			EventType:    "c2b_confirmation",
			Status:       provider.StatusCompleted,
			Extra:        payload,
		}, nil
	}

	return nil, apperr.Validation("mpesa: unrecognised webhook payload shape")
}

func handleSTKCallback(callback map[string]any) (*provider.WebhookResult, error) {
	checkoutID, _ := callback["CheckoutRequestID"].(string)
	if checkoutID == "" {
		return nil, apperr.Validation("mpesa: stk callback missing CheckoutRequestID")
	}

	code := numericCode(callback["ResultCode"])

	extra := map[string]any{
		"ResultCode": code,
		"ResultDesc": callback["ResultDesc"],
	}

	// Successful callbacks carry the receipt and amount in CallbackMetadata.
	if metadata, ok := callback["CallbackMetadata"].(map[string]any); ok {
		if items, ok := metadata["Item"].([]any); ok {
			for _, raw := range items {
				if item, ok := raw.(map[string]any); ok {
					if name, ok := item["Name"].(string); ok {
						extra[name] = item["Value"]
					}
				}
			}
		}
	}

	return &provider.WebhookResult{
		ProviderTxID: checkoutID,
		EventType:    "stk_callback",
		Status:       statusFromNumericCode(code),
		Extra:        extra,
	}, nil
}

func handleResultCallback(result map[string]any) (*provider.WebhookResult, error) {
	txID, _ := result["TransactionID"].(string)
	if txID == "" {
		txID, _ = result["OriginatorConversationID"].(string)
	}
	if txID == "" {
		return nil, apperr.Validation("mpesa: result callback missing TransactionID")
	}

	code := numericCode(result["ResultCode"])

	// The result URL carries reversal outcomes. A zero code means the funds
	// went back to the customer; a non-zero code means the reversal was
	// rejected and the payment stays settled, so no status is derived.
	if code != 0 {
		return &provider.WebhookResult{
			ProviderTxID: txID,
			EventType:    "reversal_failed",
			Extra:        result,
		}, nil
	}

	return &provider.WebhookResult{
		ProviderTxID: txID,
		EventType:    "result",
		Status:       provider.StatusRefunded,
		Extra:        result,
	}, nil
}

// numericCode coerces the JSON number/string variants Daraja emits.
func numericCode(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case string:
		var code int64
		fmt.Sscanf(n, "%d", &code)
		return code
	default:
		return -1
	}
}

var failedResultCodes = map[int64]bool{
	1: true, 17: true, 20: true, 26: true, 32: true,
	1032: true, 1037: true, 2001: true,
}

func statusFromNumericCode(code int64) provider.PaymentStatus {
	switch {
	case code == 0:
		return provider.StatusCompleted
	case failedResultCodes[code]:
		return provider.StatusFailed
	default:
		return provider.StatusPending
	}
}

func statusFromResultCode(code string) provider.PaymentStatus {
	var n int64 = -1
	fmt.Sscanf(code, "%d", &n)
	return statusFromNumericCode(n)
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
