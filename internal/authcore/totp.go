package authcore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"
)

// TOTP parameters per the provisioning URI contract: 6 digits, 30s period.
const (
	totpDigits      = 6
	totpPeriod      = 30 * time.Second
	totpSecretBytes = 20
)

var base32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateTotpSecret returns a fresh high-entropy base32 shared secret.
func GenerateTotpSecret() (string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("totp.generate_secret: %w", err)
	}
	return base32NoPadding.EncodeToString(raw), nil
}

// TotpProvisioningURI builds the otpauth:// URI scanned during enrollment.
func TotpProvisioningURI(issuer string, account string, secret string) string {
	query := url.Values{}
	query.Set("secret", secret)
	query.Set("issuer", issuer)
	query.Set("digits", "6")
	query.Set("period", "30")
	label := url.PathEscape(issuer + ":" + account)
	return "otpauth://totp/" + label + "?" + query.Encode()
}

// TotpCodeAt derives the 6-digit code for the time step containing the given
// instant. RFC 4226 dynamic truncation over HMAC-SHA1.
func TotpCodeAt(secret string, at time.Time) (string, error) {
	key, decodeErr := base32NoPadding.DecodeString(secret)
	if decodeErr != nil {
		return "", fmt.Errorf("totp.code: %w", decodeErr)
	}
	counter := uint64(at.Unix()) / uint64(totpPeriod/time.Second)
	return hotpCode(key, counter), nil
}

// VerifyTotpCode accepts the code for the current step and the immediately
// adjacent steps (skewSteps on either side) to tolerate clock drift.
// Comparison is constant-time.
func VerifyTotpCode(secret string, candidate string, at time.Time, skewSteps int) bool {
	if len(candidate) != totpDigits {
		return false
	}
	for offset := -skewSteps; offset <= skewSteps; offset++ {
		stepTime := at.Add(time.Duration(offset) * totpPeriod)
		expected, err := TotpCodeAt(secret, stepTime)
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

func hotpCode(key []byte, counter uint64) string {
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)
	mac := hmac.New(sha1.New, key)
	mac.Write(counterBytes[:])
	digest := mac.Sum(nil)
	offset := digest[len(digest)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(digest[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", truncated%1000000)
}
