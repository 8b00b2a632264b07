// Package did provides utilities for working with Decentralized Identifiers
// (DIDs) in the did:soul method used by the soul registry.
package did

import (
	"errors"
	"fmt"
	"strings"
)

// Prefix is the method prefix shared by every identifier in this registry.
const Prefix = "did:soul:"

// Name length bounds enforced at registration.
const (
	minNameLength = 1
	maxNameLength = 64
)

// ErrInvalidName is returned when a candidate name violates the length or
// charset rules.
var ErrInvalidName = errors.New("invalid name")

// ValidateName checks a candidate name against the registry rules: 1-64
// characters drawn from [a-zA-Z0-9-]. Uniqueness is case-insensitive, so
// callers compare names through NormalizeName.
func ValidateName(name string) error {
	if len(name) < minNameLength || len(name) > maxNameLength {
		return fmt.Errorf("%w: must be %d-%d characters", ErrInvalidName, minNameLength, maxNameLength)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidName, r)
		}
	}
	return nil
}

// NormalizeName lowercases a name for case-insensitive comparison and
// indexing. The mapping name -> DID is fixed at creation through this form.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// FromName deterministically derives the DID for a name. The same name (in
// any casing) always yields the same DID.
func FromName(name string) string {
	return Prefix + NormalizeName(name)
}

// IsDID reports whether ref carries the did:soul prefix, distinguishing DID
// references from bare names at the resolution boundary.
func IsDID(ref string) bool {
	return strings.HasPrefix(ref, Prefix)
}
