// Package challenge implements the liveness challenge-response protocol: a
// server-issued one-time nonce the subject signs to prove current possession
// of its private key. A challenge leaves pending exactly once; completed and
// expired are terminal.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SoulRegistry/soul-registry-go/internal/model"
	"github.com/SoulRegistry/soul-registry-go/internal/registry"
	"github.com/SoulRegistry/soul-registry-go/internal/sigcheck"
	"github.com/SoulRegistry/soul-registry-go/internal/storage"
)

const (
	// Window is the fixed validity duration of a challenge from issuance.
	Window = 5 * time.Minute

	nonceBytes = 32
)

// Outcome reports a successful challenge completion.
type Outcome struct {
	DID               string `json:"did"`
	Verified          bool   `json:"verified"`
	VerifiedAt        string `json:"verifiedAt"` // RFC3339
	VerificationCount int64  `json:"verificationCount"`
}

// Manager issues, completes and sweeps challenges. Subject resolution and
// verification bookkeeping go through the registry engine.
type Manager struct {
	store  storage.Store
	engine *registry.Engine
	logger *slog.Logger
	clock  func() time.Time
}

// NewManager creates a Manager over the given store and engine.
func NewManager(store storage.Store, engine *registry.Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		engine: engine,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a pending challenge for the subject addressed by DID or
// name. The nonce is 32 random bytes hex-encoded; the challenge expires a
// fixed window after issuance.
func (m *Manager) Issue(ctx context.Context, ref string) (model.Challenge, error) {
	rec, err := m.engine.ResolveRecord(ctx, ref)
	if err != nil {
		return model.Challenge{}, err
	}

	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return model.Challenge{}, err
	}
	now := m.clock()
	ch := model.Challenge{
		ID:        uuid.NewString(),
		DID:       rec.DID,
		Nonce:     hex.EncodeToString(buf),
		IssuedAt:  now,
		ExpiresAt: now.Add(Window),
		Status:    model.ChallengePending,
	}
	if err := m.store.CreateChallenge(ctx, ch); err != nil {
		return model.Challenge{}, err
	}
	m.logger.Info("challenge issued", "did", rec.DID, "challengeId", ch.ID)
	return ch, nil
}

// Complete verifies a signature over a challenge nonce and, on success,
// transitions the challenge to completed and advances the subject's
// verification bookkeeping. callerDID, when non-empty, must match the
// challenge subject. A failed signature check leaves the challenge pending so
// the subject may retry within the window.
func (m *Manager) Complete(ctx context.Context, challengeID, callerDID, signature string) (Outcome, error) {
	ch, err := m.store.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, registry.NewError(registry.KindChallengeNotFound, "challenge %q not found", challengeID)
		}
		return Outcome{}, err
	}

	now := m.clock()
	if now.After(ch.ExpiresAt) {
		// discovered lazily; losing this transition to a concurrent sweep
		// or completion is fine, the outcome is expired either way
		if err := m.store.TransitionChallenge(ctx, ch.ID, model.ChallengePending, model.ChallengeExpired); err != nil &&
			!errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, err
		}
		return Outcome{}, registry.NewError(registry.KindChallengeExpired, "challenge %q expired", challengeID)
	}
	if ch.Status != model.ChallengePending {
		return Outcome{}, m.terminalError(ch)
	}
	if callerDID != "" && callerDID != ch.DID {
		return Outcome{}, registry.NewError(registry.KindSubjectMismatch, "challenge %q was issued for a different subject", challengeID)
	}

	rec, err := m.engine.ResolveRecord(ctx, ch.DID)
	if err != nil {
		return Outcome{}, err
	}
	if !sigcheck.VerifyString(ch.Nonce, signature, rec.PublicKey) {
		return Outcome{}, registry.NewError(registry.KindInvalidSignature, "signature does not verify over the challenge nonce")
	}

	// single-use gate: exactly one completion may win this transition
	if err := m.store.TransitionChallenge(ctx, ch.ID, model.ChallengePending, model.ChallengeCompleted); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			current, getErr := m.store.GetChallenge(ctx, ch.ID)
			if getErr == nil {
				return Outcome{}, m.terminalError(current)
			}
			return Outcome{}, registry.NewError(registry.KindChallengeUsed, "challenge %q already settled", challengeID)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, registry.NewError(registry.KindChallengeNotFound, "challenge %q not found", challengeID)
		}
		return Outcome{}, err
	}

	updated, err := m.engine.RecordVerification(ctx, ch.DID)
	if err != nil {
		return Outcome{}, err
	}
	m.logger.Info("challenge completed", "did", ch.DID, "challengeId", ch.ID)
	return Outcome{
		DID:               ch.DID,
		Verified:          true,
		VerifiedAt:        updated.LastVerifiedAt,
		VerificationCount: updated.VerifiedCount,
	}, nil
}

// Sweep deletes challenges whose expiry has passed while still pending and
// returns how many were removed. Idempotent; safe to run on any cadence.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	removed, err := m.store.SweepExpiredChallenges(ctx, m.clock())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Info("expired challenges swept", "removed", removed)
	}
	return removed, nil
}

func (m *Manager) terminalError(ch model.Challenge) error {
	if ch.Status == model.ChallengeExpired {
		return registry.NewError(registry.KindChallengeExpired, "challenge %q expired", ch.ID)
	}
	return registry.NewError(registry.KindChallengeUsed, "challenge %q already used", ch.ID)
}
