// Package storage provides interfaces and implementations for persistent
// storage of identity records, challenges, operation logs, and idempotency
// records.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/SoulRegistry/soul-registry-go/internal/model"
)

// Standard error values used across storage implementations.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the resource already exists or the operation
	// would violate invariants (uniqueness, version precondition, terminal
	// challenge status).
	ErrConflict = errors.New("conflict")
)

// IdentityStore persists identity records. DID and lower-cased name are each
// unique across all records; records are never deleted.
type IdentityStore interface {
	// CreateIdentity stores a new record. Returns ErrConflict when a record
	// with the same DID or case-insensitive name already exists.
	CreateIdentity(ctx context.Context, rec model.IdentityRecord) error
	// GetIdentity retrieves a record by its DID.
	GetIdentity(ctx context.Context, did string) (model.IdentityRecord, error)
	// GetIdentityByName retrieves a record by normalized (lower-cased) name.
	GetIdentityByName(ctx context.Context, name string) (model.IdentityRecord, error)
	// UpdateIdentity replaces the record only if the stored version equals
	// expectedVersion (compare-and-swap). Returns ErrConflict when another
	// mutation won the race, ErrNotFound when the DID is unknown.
	UpdateIdentity(ctx context.Context, rec model.IdentityRecord, expectedVersion int64) error
	// SearchIdentities returns a page of records matching the query plus the
	// total match count.
	SearchIdentities(ctx context.Context, q model.SearchQuery) (model.SearchResult, error)
}

// ChallengeStore persists liveness challenges keyed by challenge ID.
type ChallengeStore interface {
	// CreateChallenge stores a freshly issued challenge.
	CreateChallenge(ctx context.Context, ch model.Challenge) error
	// GetChallenge retrieves a challenge by ID.
	GetChallenge(ctx context.Context, id string) (model.Challenge, error)
	// TransitionChallenge atomically moves a challenge from one status to
	// another. Returns ErrConflict when the current status is not `from`,
	// which is how concurrent complete/expiry races are decided.
	TransitionChallenge(ctx context.Context, id string, from, to model.ChallengeStatus) error
	// SweepExpiredChallenges deletes challenges whose expiry has passed while
	// still pending and returns how many were removed.
	SweepExpiredChallenges(ctx context.Context, now time.Time) (int, error)
}

// OperationLogStore captures the append-only mutation history for a DID.
type OperationLogStore interface {
	// AppendOperation adds a new entry to the operation log.
	AppendOperation(ctx context.Context, entry model.OperationLogEntry) error
	// ListOperations retrieves all log entries for a specific DID.
	ListOperations(ctx context.Context, did string) ([]model.OperationLogEntry, error)
}

// IdempotencyStore stores deterministic responses for a limited period so
// non-idempotent HTTP operations can be replayed safely.
type IdempotencyStore interface {
	// Remember stores a response for later retrieval.
	Remember(ctx context.Context, key string, response StoredResponse) error
	// Recall retrieves a previously stored response if it exists and has not
	// expired.
	Recall(ctx context.Context, key string) (StoredResponse, bool)
}

// Store aggregates all persistence capabilities required by the service.
type Store interface {
	IdentityStore
	ChallengeStore
	OperationLogStore
	IdempotencyStore
}

// StoredResponse captures the HTTP response data persisted for idempotent
// replays.
type StoredResponse struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
	ExpiresAt  time.Time
}
