package iac

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // RFC 6238 interoperability with authenticator apps
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	totpStep   = 30 * time.Second
	totpDigits = 6
	// totpSkew is the number of adjacent time steps accepted on either
	// side, tolerating clock drift.
	totpSkew = 1
)

// generateTOTPSecret returns a random 160-bit base32 secret.
func generateTOTPSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating totp secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// totpCode computes the RFC 6238 code for the secret at the given instant.
func totpCode(secret string, at time.Time) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decoding totp secret: %w", err)
	}

	counter := uint64(at.Unix()) / uint64(totpStep.Seconds())
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// dynamic truncation per RFC 4226 §5.3
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%0*d", totpDigits, code%1000000), nil
}

// verifyTOTP accepts the code for the current step or one step on either
// side.
func verifyTOTP(secret, code string, at time.Time) bool {
	for skew := -totpSkew; skew <= totpSkew; skew++ {
		want, err := totpCode(secret, at.Add(time.Duration(skew)*totpStep))
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return true
		}
	}
	return false
}
