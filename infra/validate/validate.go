// Package validate builds the request validator and the hand-rolled checks
// that fall outside struct tags (idempotency keys, phone numbers).
package validate

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	idempotencyKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	currencyRe       = regexp.MustCompile(`^[A-Z]{3}$`)
	msisdnRe         = regexp.MustCompile(`^2547\d{8}$`)
)

const (
	IdempotencyKeyMinLen = 10
	IdempotencyKeyMaxLen = 255
)

// New builds a validator with the custom rules registered.
func New() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		return currencyRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("idempotency_key", func(fl validator.FieldLevel) bool {
		return IdempotencyKey(fl.Field().String())
	})
	_ = v.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		_, ok := NormalizeMsisdn(fl.Field().String())
		return ok
	})
	return v
}

// IdempotencyKey reports whether key satisfies the client key contract:
// 10-255 characters from [A-Za-z0-9_-].
func IdempotencyKey(key string) bool {
	if len(key) < IdempotencyKeyMinLen || len(key) > IdempotencyKeyMaxLen {
		return false
	}
	return idempotencyKeyRe.MatchString(key)
}

// Currency reports whether code is a three-letter upper-case currency code.
func Currency(code string) bool {
	return currencyRe.MatchString(code)
}

// NormalizeMsisdn converts a Kenyan mobile number to canonical 2547XXXXXXXX
// form. Accepted inputs: +2547..., 2547..., 07..., 7..., with embedded
// whitespace or hyphens. Returns false when the number cannot be normalised.
func NormalizeMsisdn(raw string) (string, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '\t' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	cleaned = strings.TrimPrefix(cleaned, "+")

	switch {
	case strings.HasPrefix(cleaned, "254"):
	case strings.HasPrefix(cleaned, "0"):
		cleaned = "254" + cleaned[1:]
	case strings.HasPrefix(cleaned, "7"):
		cleaned = "254" + cleaned
	default:
		return "", false
	}

	if !msisdnRe.MatchString(cleaned) {
		return "", false
	}
	return cleaned, true
}
