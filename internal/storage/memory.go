// Package storage contains the in-memory implementation of the Store
// interface. Useful for tests, demos, or as a default ephemeral backend.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SoulRegistry/soul-registry-go/internal/did"
	"github.com/SoulRegistry/soul-registry-go/internal/model"
)

type memory struct {
	mu         sync.RWMutex
	clock      func() time.Time
	identities map[string]model.IdentityRecord // keyed by DID
	names      map[string]string               // lower-cased name -> DID
	challenges map[string]model.Challenge      // keyed by challenge ID
	oplog      map[string][]model.OperationLogEntry
	responses  map[string]StoredResponse
}

// NewMemory returns a concurrency-safe in-memory implementation of Store.
func NewMemory() Store {
	return &memory{
		clock:      func() time.Time { return time.Now().UTC() },
		identities: make(map[string]model.IdentityRecord),
		names:      make(map[string]string),
		challenges: make(map[string]model.Challenge),
		oplog:      make(map[string][]model.OperationLogEntry),
		responses:  make(map[string]StoredResponse),
	}
}

// CreateIdentity stores a new record, enforcing DID and case-insensitive name
// uniqueness under a single lock so racing registrations serialize.
func (m *memory) CreateIdentity(ctx context.Context, rec model.IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	nameKey := did.NormalizeName(rec.Name)
	if _, exists := m.identities[rec.DID]; exists {
		return ErrConflict
	}
	if _, exists := m.names[nameKey]; exists {
		return ErrConflict
	}
	m.identities[rec.DID] = rec
	m.names[nameKey] = rec.DID
	return nil
}

func (m *memory) GetIdentity(ctx context.Context, didID string) (model.IdentityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.identities[didID]
	if !ok {
		return model.IdentityRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *memory) GetIdentityByName(ctx context.Context, name string) (model.IdentityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	didID, ok := m.names[did.NormalizeName(name)]
	if !ok {
		return model.IdentityRecord{}, ErrNotFound
	}
	return m.identities[didID], nil
}

// UpdateIdentity replaces the record if and only if the stored version still
// equals expectedVersion. Losers of a concurrent mutation observe
// ErrConflict rather than silently overwriting.
func (m *memory) UpdateIdentity(ctx context.Context, rec model.IdentityRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.identities[rec.DID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != expectedVersion {
		return ErrConflict
	}
	m.identities[rec.DID] = rec
	return nil
}

// SearchIdentities filters all records by the query and returns one page in
// name order plus the total match count.
func (m *memory) SearchIdentities(ctx context.Context, q model.SearchQuery) (model.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []model.IdentityRecord
	for _, rec := range m.identities {
		if !identityMatches(rec, q) {
			continue
		}
		matches = append(matches, rec)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })

	total := len(matches)
	start := q.Offset
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	page := make([]model.PublicIdentity, 0, end-start)
	for _, rec := range matches[start:end] {
		page = append(page, rec.Public())
	}
	return model.SearchResult{Records: page, Total: total}, nil
}

func identityMatches(rec model.IdentityRecord, q model.SearchQuery) bool {
	if q.NamePattern != "" && !matchWildcard(q.NamePattern, rec.Name) {
		return false
	}
	if q.OperatorPattern != "" && !matchWildcard(q.OperatorPattern, rec.Birth.Operator) {
		return false
	}
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	if !q.RegisteredAfter.IsZero() || !q.RegisteredBefore.IsZero() {
		ts, err := time.Parse(time.RFC3339, rec.RegisteredAt)
		if err != nil {
			return false
		}
		if !q.RegisteredAfter.IsZero() && ts.Before(q.RegisteredAfter) {
			return false
		}
		if !q.RegisteredBefore.IsZero() && ts.After(q.RegisteredBefore) {
			return false
		}
	}
	return true
}

func (m *memory) CreateChallenge(ctx context.Context, ch model.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.challenges[ch.ID]; exists {
		return ErrConflict
	}
	m.challenges[ch.ID] = ch
	return nil
}

func (m *memory) GetChallenge(ctx context.Context, id string) (model.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.challenges[id]
	if !ok {
		return model.Challenge{}, ErrNotFound
	}
	return ch, nil
}

// TransitionChallenge performs the atomic status compare-and-swap that
// decides complete-versus-expiry races: whichever caller observes pending
// first wins, the other gets ErrConflict.
func (m *memory) TransitionChallenge(ctx context.Context, id string, from, to model.ChallengeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok {
		return ErrNotFound
	}
	if ch.Status != from {
		return ErrConflict
	}
	ch.Status = to
	m.challenges[id] = ch
	return nil
}

func (m *memory) SweepExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, ch := range m.challenges {
		if ch.Status == model.ChallengePending && now.After(ch.ExpiresAt) {
			delete(m.challenges, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memory) AppendOperation(ctx context.Context, entry model.OperationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oplog[entry.DID] = append(m.oplog[entry.DID], entry)
	return nil
}

func (m *memory) ListOperations(ctx context.Context, didID string) ([]model.OperationLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.oplog[didID]
	out := make([]model.OperationLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *memory) Remember(ctx context.Context, key string, response StoredResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = response
	return nil
}

func (m *memory) Recall(ctx context.Context, key string) (StoredResponse, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp, ok := m.responses[key]
	if !ok || m.clock().After(resp.ExpiresAt) {
		return StoredResponse{}, false
	}
	return resp, true
}
