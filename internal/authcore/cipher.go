package authcore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Blob layout is nonce || ciphertext || tag, so a single opaque string is
// stored. GCM appends the 128-bit tag to the ciphertext itself.
const cipherNonceBytes = 12

var (
	// ErrCipherKeySize indicates the configured key is not 32 bytes.
	ErrCipherKeySize = errors.New("cipher.invalid_key_size")
	// ErrCipherKeyMissing indicates no key was configured outside dev mode.
	ErrCipherKeyMissing = errors.New("cipher.key_missing")
	// ErrCipherBlobInvalid indicates a blob that cannot be authenticated.
	ErrCipherBlobInvalid = errors.New("cipher.invalid_blob")
)

// SecretCipher provides authenticated encryption for secrets at rest, e.g.
// TOTP seeds. With no key configured it only ever passes data through in an
// explicitly requested dev mode, and says so loudly in the log.
type SecretCipher struct {
	aead        cipher.AEAD
	passthrough bool
}

// NewSecretCipher builds an AES-256-GCM cipher. An empty key is a hard
// failure unless allowPlaintext is set.
func NewSecretCipher(key []byte, allowPlaintext bool, log *zap.Logger) (*SecretCipher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(key) == 0 {
		if !allowPlaintext {
			return nil, fmt.Errorf("cipher.new: %w", ErrCipherKeyMissing)
		}
		log.Warn("SECRET CIPHER DISABLED: secrets will be stored in plaintext; never run this configuration outside local development",
			zap.String("code", "cipher.plaintext_passthrough"))
		return &SecretCipher{passthrough: true}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("cipher.new: %w: got %d bytes, need 32", ErrCipherKeySize, len(key))
	}
	block, blockErr := aes.NewCipher(key)
	if blockErr != nil {
		return nil, fmt.Errorf("cipher.new: %w", blockErr)
	}
	aead, gcmErr := cipher.NewGCM(block)
	if gcmErr != nil {
		return nil, fmt.Errorf("cipher.new: %w", gcmErr)
	}
	return &SecretCipher{aead: aead}, nil
}

// Passthrough reports whether the cipher is running in dev plaintext mode.
func (secretCipher *SecretCipher) Passthrough() bool {
	return secretCipher.passthrough
}

// Encrypt seals the plaintext under a fresh random 96-bit nonce and returns
// the self-describing blob base64-encoded.
func (secretCipher *SecretCipher) Encrypt(plaintext string) (string, error) {
	if secretCipher.passthrough {
		return plaintext, nil
	}
	nonce := make([]byte, cipherNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cipher.encrypt: %w", err)
	}
	sealed := secretCipher.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Any tampering fails the tag check.
func (secretCipher *SecretCipher) Decrypt(blob string) (string, error) {
	if secretCipher.passthrough {
		return blob, nil
	}
	raw, decodeErr := base64.RawURLEncoding.DecodeString(blob)
	if decodeErr != nil {
		return "", fmt.Errorf("cipher.decrypt: %w", ErrCipherBlobInvalid)
	}
	if len(raw) < cipherNonceBytes+secretCipher.aead.Overhead() {
		return "", fmt.Errorf("cipher.decrypt: %w", ErrCipherBlobInvalid)
	}
	nonce, ciphertext := raw[:cipherNonceBytes], raw[cipherNonceBytes:]
	plaintext, openErr := secretCipher.aead.Open(nil, nonce, ciphertext, nil)
	if openErr != nil {
		return "", fmt.Errorf("cipher.decrypt: %w", ErrCipherBlobInvalid)
	}
	return string(plaintext), nil
}
