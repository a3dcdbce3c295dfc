// Package credentials owns the runtime-only decrypt path for integration
// settings. The store holds ciphertext; plaintext exists only in the
// orchestrator, dispatcher, and executor code paths that call Resolve,
// and is never serialized outward through any API.
//
// Each (provider, key) entry is sealed with ChaCha20-Poly1305 under a
// subkey derived from the master key via HKDF, so ciphertexts cannot be
// swapped between entries and a leaked subkey exposes one entry only.
package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrNotConfigured is returned when a credential has no stored value.
var ErrNotConfigured = errors.New("credential not configured")

// SettingStore is the slice of the store the codec needs.
type SettingStore interface {
	GetIntegrationSetting(provider, key string) ([]byte, error)
	PutIntegrationSetting(provider, key string, ciphertext []byte) error
}

// Codec seals and opens integration settings.
type Codec struct {
	masterKey []byte
}

// NewCodec builds a codec from a raw master key. The key must be at least
// 32 bytes.
func NewCodec(masterKey []byte) (*Codec, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("master key must be at least 32 bytes, got %d", len(masterKey))
	}
	return &Codec{masterKey: masterKey}, nil
}

// LoadCodec reads the master key from a file.
func LoadCodec(path string) (*Codec, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	return NewCodec(key)
}

// subkey derives the per-entry AEAD key for (provider, key).
func (c *Codec) subkey(provider, key string) ([]byte, error) {
	salt := []byte("llmctl-integration|" + provider + "|" + key)
	r := hkdf.New(sha256.New, c.masterKey, salt, nil)
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return out, nil
}

// Seal encrypts a plaintext for one (provider, key) entry. The nonce is
// prepended to the ciphertext.
func (c *Codec) Seal(provider, key string, plaintext []byte) ([]byte, error) {
	sub, err := c.subkey(provider, key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(sub)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts one sealed entry.
func (c *Codec) Open(provider, key string, sealed []byte) ([]byte, error) {
	sub, err := c.subkey(provider, key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(sub)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open credential %s/%s: %w", provider, key, err)
	}
	return plaintext, nil
}

// Resolver is the single read path for decrypted credentials.
type Resolver struct {
	codec *Codec
	store SettingStore
}

// NewResolver wires the codec to the settings store.
func NewResolver(codec *Codec, store SettingStore) *Resolver {
	return &Resolver{codec: codec, store: store}
}

// Resolve returns the decrypted value for (provider, key), or
// ErrNotConfigured when nothing is stored.
func (r *Resolver) Resolve(provider, key string) ([]byte, error) {
	sealed, err := r.store.GetIntegrationSetting(provider, key)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", provider, key, ErrNotConfigured)
	}
	return r.codec.Open(provider, key, sealed)
}

// Store seals and persists a credential value. Writes happen only through
// settings mutation routes; the run path never calls this.
func (r *Resolver) Store(provider, key string, plaintext []byte) error {
	sealed, err := r.codec.Seal(provider, key, plaintext)
	if err != nil {
		return err
	}
	return r.store.PutIntegrationSetting(provider, key, sealed)
}

// Configured reports whether (provider, key) has a stored value that
// decrypts with the current master key.
func (r *Resolver) Configured(provider, key string) bool {
	_, err := r.Resolve(provider, key)
	return err == nil
}
