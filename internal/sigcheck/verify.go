// Package sigcheck validates Ed25519 signatures against encoded key material.
// Malformed signatures and keys are normal, attacker-controlled inputs: every
// decode or length failure resolves to "not verified", never an error.
package sigcheck

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	"github.com/mr-tron/base58"
)

// Verify checks an Ed25519 signature over message. Signature and publicKey
// are decoded independently: a recognized prefix is stripped, then hex is
// attempted, then base58. Any failure along the way yields false.
func Verify(message []byte, signature, publicKey string) bool {
	sig, ok := DecodeMaterial(signature)
	if !ok || len(sig) != ed25519.SignatureSize {
		return false
	}
	key, ok := DecodeMaterial(publicKey)
	if !ok || len(key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(key), message, sig)
}

// VerifyString is Verify with a UTF-8 string message.
func VerifyString(message, signature, publicKey string) bool {
	return Verify([]byte(message), signature, publicKey)
}

// DecodeMaterial decodes hex- or base58-encoded key material. A leading "0x"
// (hex) or single "z" (multibase base58btc) prefix is stripped when present.
// Well-formed hex wins; otherwise base58 is tried, where leading '1'
// characters decode to explicit zero bytes.
func DecodeMaterial(value string) ([]byte, bool) {
	s := strings.TrimSpace(value)
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	} else if len(s) > 1 && s[0] == 'z' {
		s = s[1:]
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base58.Decode(s); err == nil {
		return b, true
	}
	return nil, false
}
