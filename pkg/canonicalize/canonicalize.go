// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing and signing of governance
// artifacts. All content hashes in the system are SHA-256 over the JCS form.
package canonicalize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// Struct tags are respected via a standard marshal; the jcs transform then
// sorts keys by UTF-8 bytes and normalizes number formatting.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash recomputes the canonical hash of v and compares it to expected.
func VerifyHash(v any, expected string) (bool, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(h), []byte(expected)), nil
}

// HMACSign computes a keyed HMAC-SHA256 over the canonical form of v.
// This is a non-repudiation aid for stored definitions, not a transport
// security mechanism.
func HMACSign(v any, key []byte) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// HMACVerify recomputes the signature and compares in constant time.
func HMACVerify(v any, key []byte, signature string) (bool, error) {
	want, err := HMACSign(v, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(signature)), nil
}
