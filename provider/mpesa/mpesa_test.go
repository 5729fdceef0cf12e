package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/provider"
)

// darajaStub fakes the OAuth and API endpoints and counts token requests.
type darajaStub struct {
	tokenRequests atomic.Int64
	stkResponse   map[string]any
	queryResponse map[string]any
	lastSTKBody   map[string]any
}

func (d *darajaStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/oauth/"):
			d.tokenRequests.Add(1)
			if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
				t.Error("token request missing basic auth")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "tok-123",
				"expires_in":   "3599",
			})
		case r.URL.Path == "/mpesa/stkpush/v1/processrequest":
			if r.Header.Get("Authorization") != "Bearer tok-123" {
				t.Errorf("stk push auth = %s", r.Header.Get("Authorization"))
			}
			_ = json.NewDecoder(r.Body).Decode(&d.lastSTKBody)
			_ = json.NewEncoder(w).Encode(d.stkResponse)
		case r.URL.Path == "/mpesa/stkpushquery/v1/query":
			_ = json.NewEncoder(w).Encode(d.queryResponse)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func testConfig(baseURL string) map[string]string {
	return map[string]string{
		"consumer_key":    "consumer-key-0001",
		"consumer_secret": "consumer-secret-0001",
		"shortcode":       "174379",
		"passkey":         "bfb279f9aa9bdbcf1",
		"callback_url":    "https://gateway.example.com/webhooks/mpesa",
		"environment":     "sandbox",
		"base_url":        baseURL,
	}
}

func newTestProvider(t *testing.T, baseURL string) *MpesaProvider {
	t.Helper()
	p := NewProvider().(*MpesaProvider)
	if err := p.Initialize(testConfig(baseURL)); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	return p
}

func TestMpesaProvider_Initialize_MissingFields(t *testing.T) {
	p := NewProvider().(*MpesaProvider)
	err := p.Initialize(map[string]string{
		"consumer_key": "consumer-key-0001",
		"environment":  "sandbox",
	})
	if err == nil {
		t.Fatal("Initialize() expected error for missing fields")
	}
}

func TestMpesaProvider_StkPassword(t *testing.T) {
	p := newTestProvider(t, "")

	password := p.stkPassword("20260824120000")
	decoded, err := base64.StdEncoding.DecodeString(password)
	if err != nil {
		t.Fatalf("password is not base64: %v", err)
	}
	want := "174379" + "bfb279f9aa9bdbcf1" + "20260824120000"
	if string(decoded) != want {
		t.Errorf("password decodes to %s, want %s", decoded, want)
	}
}

func TestMpesaProvider_InitPayment(t *testing.T) {
	stub := &darajaStub{
		stkResponse: map[string]any{
			"MerchantRequestID": "mr-1",
			"CheckoutRequestID": "ws_CO_260824",
			"ResponseCode":      "0",
			"CustomerMessage":   "Success. Request accepted for processing",
		},
	}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	p := newTestProvider(t, server.URL)

	result, err := p.InitPayment(context.Background(), provider.PaymentRequest{
		Amount:   decimal.RequireFromString("150"),
		Currency: "KES",
		Customer: provider.Customer{Phone: "0712 345-678"},
	})
	if err != nil {
		t.Fatalf("InitPayment() failed: %v", err)
	}

	if result.ProviderTxID != "ws_CO_260824" {
		t.Errorf("ProviderTxID = %s, want ws_CO_260824", result.ProviderTxID)
	}
	if result.Status != provider.StatusPending {
		t.Errorf("Status = %s, want pending", result.Status)
	}

	// Phone must be normalised and the amount sent as a bare integer.
	if stub.lastSTKBody["PhoneNumber"] != "254712345678" {
		t.Errorf("PhoneNumber = %v, want 254712345678", stub.lastSTKBody["PhoneNumber"])
	}
	if amount, ok := stub.lastSTKBody["Amount"].(float64); !ok || amount != 150 {
		t.Errorf("Amount = %v, want 150", stub.lastSTKBody["Amount"])
	}
}

func TestMpesaProvider_InitPayment_RejectsBadInput(t *testing.T) {
	p := newTestProvider(t, "")

	tests := []struct {
		name    string
		request provider.PaymentRequest
	}{
		{
			name: "invalid phone",
			request: provider.PaymentRequest{
				Amount:   decimal.RequireFromString("150"),
				Customer: provider.Customer{Phone: "12345"},
			},
		},
		{
			name: "fractional amount",
			request: provider.PaymentRequest{
				Amount:   decimal.RequireFromString("150.50"),
				Customer: provider.Customer{Phone: "254712345678"},
			},
		},
		{
			name: "zero amount",
			request: provider.PaymentRequest{
				Amount:   decimal.Zero,
				Customer: provider.Customer{Phone: "254712345678"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.InitPayment(context.Background(), tt.request)
			if err == nil {
				t.Fatal("InitPayment() expected error")
			}
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("error kind = %s, want validation", apperr.KindOf(err))
			}
		})
	}
}

func TestMpesaProvider_TokenCaching(t *testing.T) {
	stub := &darajaStub{
		queryResponse: map[string]any{"ResultCode": "0", "ResultDesc": "Success"},
	}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	p := newTestProvider(t, server.URL)

	for i := 0; i < 3; i++ {
		if _, err := p.VerifyPayment(context.Background(), "ws_CO_260824"); err != nil {
			t.Fatalf("VerifyPayment() failed: %v", err)
		}
	}

	if got := stub.tokenRequests.Load(); got != 1 {
		t.Errorf("token requested %d times, want 1 (cached)", got)
	}
}

func TestMpesaProvider_VerifyPayment(t *testing.T) {
	tests := []struct {
		name       string
		resultCode string
		want       provider.PaymentStatus
	}{
		{"success", "0", provider.StatusCompleted},
		{"cancelled by user", "1032", provider.StatusFailed},
		{"timeout", "1037", provider.StatusFailed},
		{"insufficient funds", "1", provider.StatusFailed},
		{"still processing", "500.001.1001", provider.StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &darajaStub{
				queryResponse: map[string]any{"ResultCode": tt.resultCode, "ResultDesc": tt.name},
			}
			server := httptest.NewServer(stub.handler(t))
			defer server.Close()

			p := newTestProvider(t, server.URL)

			result, err := p.VerifyPayment(context.Background(), "ws_CO_260824")
			if err != nil {
				t.Fatalf("VerifyPayment() failed: %v", err)
			}
			if result.Status != tt.want {
				t.Errorf("Status = %s, want %s", result.Status, tt.want)
			}
		})
	}
}

func TestMpesaProvider_RefundPayment_MissingOperatorConfig(t *testing.T) {
	p := newTestProvider(t, "")

	_, err := p.RefundPayment(context.Background(), provider.RefundRequest{ProviderTxID: "LKX1234"})
	if err == nil {
		t.Fatal("RefundPayment() expected error without operator config")
	}
	for _, field := range []string{"initiator_name", "security_credential", "result_url", "queue_timeout_url"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not name missing field %s", err, field)
		}
	}
}

func TestMpesaProvider_HandleWebhook(t *testing.T) {
	p := newTestProvider(t, "")

	tests := []struct {
		name       string
		payload    map[string]any
		wantTxID   string
		wantStatus provider.PaymentStatus
		wantErr    bool
	}{
		{
			name: "stk success",
			payload: map[string]any{
				"Body": map[string]any{
					"stkCallback": map[string]any{
						"CheckoutRequestID": "ws_CO_1",
						"ResultCode":        float64(0),
						"ResultDesc":        "The service request is processed successfully.",
						"CallbackMetadata": map[string]any{
							"Item": []any{
								map[string]any{"Name": "MpesaReceiptNumber", "Value": "LKX1234"},
								map[string]any{"Name": "Amount", "Value": float64(150)},
							},
						},
					},
				},
			},
			wantTxID:   "ws_CO_1",
			wantStatus: provider.StatusCompleted,
		},
		{
			name: "stk cancelled",
			payload: map[string]any{
				"Body": map[string]any{
					"stkCallback": map[string]any{
						"CheckoutRequestID": "ws_CO_2",
						"ResultCode":        float64(1032),
						"ResultDesc":        "Request cancelled by user",
					},
				},
			},
			wantTxID:   "ws_CO_2",
			wantStatus: provider.StatusFailed,
		},
		{
			name: "reversal result success",
			payload: map[string]any{
				"Result": map[string]any{
					"TransactionID": "LKX1234",
					"ResultCode":    float64(0),
					"ResultDesc":    "The service request is processed successfully.",
				},
			},
			wantTxID:   "LKX1234",
			wantStatus: provider.StatusRefunded,
		},
		{
			// A rejected reversal is informational: the payment stays
			// settled, so no status is derived.
			name: "reversal result failure",
			payload: map[string]any{
				"Result": map[string]any{
					"TransactionID": "LKX1234",
					"ResultCode":    float64(21),
				},
			},
			wantTxID:   "LKX1234",
			wantStatus: "",
		},
		{
			name: "c2b confirmation",
			payload: map[string]any{
				"TransID":     "LKX9999",
				"TransAmount": "150.00",
				"MSISDN":      "254712345678",
			},
			wantTxID:   "LKX9999",
			wantStatus: provider.StatusCompleted,
		},
		{
			name:    "unrecognised shape",
			payload: map[string]any{"hello": "world"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := p.HandleWebhook(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Error("HandleWebhook() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("HandleWebhook() failed: %v", err)
			}
			if result.ProviderTxID != tt.wantTxID {
				t.Errorf("ProviderTxID = %s, want %s", result.ProviderTxID, tt.wantTxID)
			}
			if result.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", result.Status, tt.wantStatus)
			}
		})
	}
}

func TestMpesaProvider_HandleWebhook_ReceiptInExtra(t *testing.T) {
	p := newTestProvider(t, "")

	result, err := p.HandleWebhook(map[string]any{
		"Body": map[string]any{
			"stkCallback": map[string]any{
				"CheckoutRequestID": "ws_CO_1",
				"ResultCode":        float64(0),
				"CallbackMetadata": map[string]any{
					"Item": []any{
						map[string]any{"Name": "MpesaReceiptNumber", "Value": "LKX1234"},
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("HandleWebhook() failed: %v", err)
	}
	if result.Extra["MpesaReceiptNumber"] != "LKX1234" {
		t.Errorf("receipt not flattened into Extra: %v", result.Extra)
	}
}

func TestStatusFromNumericCode(t *testing.T) {
	tests := []struct {
		code int64
		want provider.PaymentStatus
	}{
		{0, provider.StatusCompleted},
		{1, provider.StatusFailed},
		{17, provider.StatusFailed},
		{20, provider.StatusFailed},
		{26, provider.StatusFailed},
		{32, provider.StatusFailed},
		{1032, provider.StatusFailed},
		{1037, provider.StatusFailed},
		{2001, provider.StatusFailed},
		{99999, provider.StatusPending},
		{-1, provider.StatusPending},
	}

	for _, tt := range tests {
		if got := statusFromNumericCode(tt.code); got != tt.want {
			t.Errorf("statusFromNumericCode(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}
