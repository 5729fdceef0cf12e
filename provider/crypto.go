package provider

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Crypto primitives shared by adapters and the auth/config layers. All
// functions are pure; none hold state.

// HmacSHA256Hex computes the hex digest of HMAC-SHA256(secret, message).
// Used for request checksums to providers and webhook signature checks.
func HmacSHA256Hex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// HmacEqual compares two hex HMAC digests in constant time.
func HmacEqual(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(got))
}

// Sha256Hex returns the hex-encoded SHA-256 digest of s.
func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashPassword hashes an account password. The scheme is unsalted SHA-256
// for compatibility with peer services sharing the account table; swap the
// body for a memory-hard KDF if that contract ever changes.
func HashPassword(plaintext string) string {
	return Sha256Hex(plaintext)
}

// SealedEnvelope is the AES-256-GCM envelope returned to merchants when an
// API key travels over the merchant channel.
type SealedEnvelope struct {
	Ciphertext string `json:"ciphertext_b64"`
	IV         string `json:"iv_b64"`
	Alg        string `json:"alg"`
}

const envelopeAlg = "AES-256-GCM"

// deriveKey32 right-pads or truncates the caller-supplied key material to
// exactly 32 bytes.
func deriveKey32(material string) []byte {
	key := make([]byte, 32)
	copy(key, material)
	return key
}

// AESGCMSeal encrypts plaintext under a 32-byte key derived from the given
// material, with a random 12-byte IV per call.
func AESGCMSeal(keyMaterial, plaintext string) (*SealedEnvelope, error) {
	block, err := aes.NewCipher(deriveKey32(keyMaterial))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := gcm.Seal(nil, iv, []byte(plaintext), nil)

	return &SealedEnvelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Alg:        envelopeAlg,
	}, nil
}

// AESGCMOpen decrypts an envelope produced by AESGCMSeal.
func AESGCMOpen(keyMaterial string, envelope *SealedEnvelope) (string, error) {
	if envelope.Alg != envelopeAlg {
		return "", fmt.Errorf("unsupported envelope algorithm: %s", envelope.Alg)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	iv, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil {
		return "", fmt.Errorf("failed to decode IV: %w", err)
	}

	block, err := aes.NewCipher(deriveKey32(keyMaterial))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(iv) != gcm.NonceSize() {
		return "", fmt.Errorf("invalid IV length %d", len(iv))
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// DefaultAPIKeyPrefix marks live merchant keys.
const DefaultAPIKeyPrefix = "mch_live_"

// RandomAPIKey generates a cryptographically random, URL-safe bearer token.
// An empty prefix falls back to DefaultAPIKeyPrefix.
func RandomAPIKey(prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultAPIKeyPrefix
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}

	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}
