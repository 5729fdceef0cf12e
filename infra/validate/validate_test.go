package validate

import (
	"strings"
	"testing"
)

func TestIdempotencyKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"order-2026-0001", true},
		{"a_b-c_d-e_f", true},
		{strings.Repeat("k", 10), true},
		{strings.Repeat("k", 255), true},
		{"short", false},
		{strings.Repeat("k", 9), false},
		{strings.Repeat("k", 256), false},
		{"has spaces here", false},
		{"bad!chars#here", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IdempotencyKey(tt.key); got != tt.valid {
			t.Errorf("IdempotencyKey(%q) = %v, want %v", tt.key, got, tt.valid)
		}
	}
}

func TestCurrency(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"LSL", true},
		{"KES", true},
		{"USD", true},
		{"usd", false},
		{"US", false},
		{"USDT", false},
		{"", false},
		{"U$D", false},
	}

	for _, tt := range tests {
		if got := Currency(tt.code); got != tt.valid {
			t.Errorf("Currency(%q) = %v, want %v", tt.code, got, tt.valid)
		}
	}
}

func TestNormalizeMsisdn(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"254712345678", "254712345678", true},
		{"+254712345678", "254712345678", true},
		{"0712345678", "254712345678", true},
		{"712345678", "254712345678", true},
		{"+254 712 345 678", "254712345678", true},
		{"0712-345-678", "254712345678", true},
		{"  254712345678  ", "254712345678", true},
		{"123456", "", false},
		{"25471234567", "", false},
		{"2547123456789", "", false},
		{"254812345678", "", false},
		{"not a number", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := NormalizeMsisdn(tt.raw)
		if ok != tt.ok || got != tt.want {
			t.Errorf("NormalizeMsisdn(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestValidatorCustomTags(t *testing.T) {
	v := New()

	type payload struct {
		Currency string `validate:"required,currency"`
		Key      string `validate:"required,idempotency_key"`
		Phone    string `validate:"required,msisdn"`
	}

	good := payload{Currency: "KES", Key: "order-2026-0001", Phone: "0712345678"}
	if err := v.Struct(good); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	bad := payload{Currency: "kes", Key: "short", Phone: "12345"}
	if err := v.Struct(bad); err == nil {
		t.Error("invalid payload accepted")
	}
}
