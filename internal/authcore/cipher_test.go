package authcore

import (
	"encoding/base64"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

var testCipherKey = []byte("0123456789abcdef0123456789abcdef")

func TestSecretCipherRoundTrip(t *testing.T) {
	t.Parallel()

	secretCipher, err := NewSecretCipher(testCipherKey, false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to build cipher: %v", err)
	}

	blob, encryptErr := secretCipher.Encrypt("JBSWY3DPEHPK3PXP")
	if encryptErr != nil {
		t.Fatalf("encrypt failed: %v", encryptErr)
	}
	if blob == "JBSWY3DPEHPK3PXP" {
		t.Fatalf("expected ciphertext to differ from plaintext")
	}

	plaintext, decryptErr := secretCipher.Decrypt(blob)
	if decryptErr != nil {
		t.Fatalf("decrypt failed: %v", decryptErr)
	}
	if plaintext != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
}

func TestSecretCipherNonceVariesPerCall(t *testing.T) {
	t.Parallel()

	secretCipher, err := NewSecretCipher(testCipherKey, false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to build cipher: %v", err)
	}
	first, _ := secretCipher.Encrypt("same input")
	second, _ := secretCipher.Encrypt("same input")
	if first == second {
		t.Fatalf("expected distinct blobs for repeated encryption")
	}
}

func TestSecretCipherRejectsTampering(t *testing.T) {
	t.Parallel()

	secretCipher, err := NewSecretCipher(testCipherKey, false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to build cipher: %v", err)
	}
	blob, _ := secretCipher.Encrypt("sensitive")
	raw, _ := base64.RawURLEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	if _, decryptErr := secretCipher.Decrypt(tampered); !errors.Is(decryptErr, ErrCipherBlobInvalid) {
		t.Fatalf("expected invalid blob error, got %v", decryptErr)
	}
	if _, decryptErr := secretCipher.Decrypt("too-short"); !errors.Is(decryptErr, ErrCipherBlobInvalid) {
		t.Fatalf("expected invalid blob error for truncated input, got %v", decryptErr)
	}
}

func TestSecretCipherKeyValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewSecretCipher(nil, false, zaptest.NewLogger(t)); !errors.Is(err, ErrCipherKeyMissing) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := NewSecretCipher([]byte("short"), false, zaptest.NewLogger(t)); !errors.Is(err, ErrCipherKeySize) {
		t.Fatalf("expected key size error, got %v", err)
	}
}

func TestSecretCipherPlaintextPassthrough(t *testing.T) {
	t.Parallel()

	secretCipher, err := NewSecretCipher(nil, true, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("expected passthrough cipher, got %v", err)
	}
	if !secretCipher.Passthrough() {
		t.Fatalf("expected passthrough mode")
	}
	blob, _ := secretCipher.Encrypt("visible")
	if blob != "visible" {
		t.Fatalf("expected identity encryption in passthrough mode, got %q", blob)
	}
	plaintext, _ := secretCipher.Decrypt(blob)
	if plaintext != "visible" {
		t.Fatalf("expected identity decryption in passthrough mode, got %q", plaintext)
	}
}
