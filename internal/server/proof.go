// Package server contains HTTP handlers for the registry service. This file
// mints verification proof tokens after successful challenge completions.
package server

import (
	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/SoulRegistry/soul-registry-go/internal/challenge"
)

// mintProofToken signs a short-lived EdDSA JWT attesting that the subject
// completed a liveness challenge. Returns false when no signing key is
// configured or signing fails; proof tokens are an optional convenience and
// never block the verification result itself.
func (h *Handler) mintProofToken(outcome challenge.Outcome) (string, bool) {
	if h.signer == nil {
		return "", false
	}
	issuedAt := h.clock()
	expires := issuedAt.Add(h.cfg.ProofTTL)
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodEdDSA, jwtlib.MapClaims{
		"sub": outcome.DID,
		"aud": h.cfg.ProofAudience,
		"iss": h.cfg.ProofIssuer,
		"iat": issuedAt.Unix(),
		"exp": expires.Unix(),
		"vct": outcome.VerificationCount,
	})
	signed, err := token.SignedString(h.signer)
	if err != nil {
		h.logger.Warn("proof token signing failed", "error", err, "did", outcome.DID)
		return "", false
	}
	return signed, true
}
