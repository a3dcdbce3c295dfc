// Package signing provides HMAC-SHA256 signing and verification for
// realtime envelopes. When a signing key is configured, every envelope
// delivered over the websocket hub carries a signature subscribers can
// verify before trusting the payload.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer creates and verifies HMAC-SHA256 signatures.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes HMAC-SHA256 over idempotencyKey|json(payload).
func (s *Signer) Sign(idempotencyKey string, payload any) (string, error) {
	canonical, err := canonicalize(idempotencyKey, payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature matches the payload.
func (s *Signer) Verify(idempotencyKey string, payload any, signature string) error {
	expected, err := s.Sign(idempotencyKey, payload)
	if err != nil {
		return fmt.Errorf("compute expected: %w", err)
	}
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return fmt.Errorf("decode expected: %w", err)
	}
	if !hmac.Equal(sigBytes, expectedBytes) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func canonicalize(idempotencyKey string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	canonical := make([]byte, 0, len(idempotencyKey)+1+len(data))
	canonical = append(canonical, []byte(idempotencyKey)...)
	canonical = append(canonical, '|')
	canonical = append(canonical, data...)
	return canonical, nil
}

// DeriveStreamKey derives a per-stream signing key from a master key so a
// leaked stream key cannot forge envelopes on other streams.
func DeriveStreamKey(masterKey []byte, stream string) []byte {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte("llmctl-envelope-signing|" + stream))
	return mac.Sum(nil)
}
