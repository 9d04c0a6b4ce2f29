package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

const defaultIterations = 100_000

// VaultConfig configures key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

// ParseMasterKey decodes a base64 master key from configuration.
func ParseMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "master key is not valid base64").WithCause(err)
	}
	return key, nil
}

// AESVault encrypts channel credentials with AES-256-GCM before they reach
// the store. The nonce is prepended to each ciphertext and the storage key
// is bound as additional data, so a value copied to another key will not
// decrypt.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault over s.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	switch {
	case len(cfg.MasterKey) > 0:
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or passphrase is required")
	case len(cfg.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func (v *AESVault) seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

func (v *AESVault) open(key string, ciphertext []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:n], ciphertext[n:], []byte(key))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "decrypt failed").WithCause(err)
	}
	return plaintext, nil
}

// Store encrypts value and persists it under key, replacing any previous
// value.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	sealed, err := v.seal(key, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, sealed)
}

// Resolve loads and decrypts the value stored under key.
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(key, sealed)
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
