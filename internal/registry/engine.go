// Package registry implements the registration and mutation engine. Every
// mutation of an identity record passes a hard gate chain ending in a
// signature check before anything is persisted; a failure at any gate aborts
// with no side effect.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/SoulRegistry/soul-registry-go/internal/canonical"
	"github.com/SoulRegistry/soul-registry-go/internal/did"
	"github.com/SoulRegistry/soul-registry-go/internal/model"
	"github.com/SoulRegistry/soul-registry-go/internal/sigcheck"
	"github.com/SoulRegistry/soul-registry-go/internal/storage"
)

// Operation tags bound into signed mutation messages. The tag, the subject
// DID and the client timestamp are joined with messageDelimiter; producer and
// verifier must agree on this exact construction.
const (
	TagUpdateContact      = "update-contact"
	TagUpdateCapabilities = "update-capabilities"

	messageDelimiter = "|"

	// FreshnessWindow is the maximum accepted age of a client-supplied
	// timestamp on non-challenge mutations. This is the sole replay defense
	// for these flows, since there is no per-use nonce.
	FreshnessWindow = 5 * time.Minute

	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// RegistrationDocument is a candidate identity record as submitted by the
// registrant, before any store-assigned fields exist. The signature presented
// at registration covers Hash of this document, verified against the public
// key the document itself carries.
type RegistrationDocument struct {
	DID          string         `json:"did"`
	Name         string         `json:"name"`
	PublicKey    string         `json:"publicKey"`
	Birth        model.Birth    `json:"birth"`
	Contact      map[string]any `json:"contact,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	RiskLevel    string         `json:"riskLevel,omitempty"`
	Avatar       string         `json:"avatar,omitempty"`
	Description  string         `json:"description,omitempty"`
	Website      string         `json:"website,omitempty"`
}

// Engine orchestrates canonical hashing, signature verification and storage
// to implement every identity mutation.
type Engine struct {
	store  storage.Store
	logger *slog.Logger
	clock  func() time.Time
	window time.Duration
}

// NewEngine creates an Engine over the given store.
func NewEngine(store storage.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
		window: FreshnessWindow,
	}
}

// Register creates a new identity record from a candidate document and a
// signature over the document hash. Gates, in order: name validity, declared
// DID equals the DID derived from the name, name not taken, signature valid
// under the document's own public key.
func (e *Engine) Register(ctx context.Context, doc RegistrationDocument, signature string) (model.IdentityRecord, error) {
	if err := did.ValidateName(doc.Name); err != nil {
		return model.IdentityRecord{}, NewError(KindValidation, "%v", err)
	}
	if strings.TrimSpace(doc.PublicKey) == "" {
		return model.IdentityRecord{}, NewError(KindValidation, "publicKey is required")
	}

	derived := did.FromName(doc.Name)
	if doc.DID != derived {
		return model.IdentityRecord{}, NewError(KindDIDMismatch, "declared did %q does not match derived %q", doc.DID, derived)
	}

	if _, err := e.store.GetIdentityByName(ctx, doc.Name); err == nil {
		return model.IdentityRecord{}, NewError(KindNameTaken, "name %q is already registered", doc.Name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.IdentityRecord{}, err
	}

	digest, err := canonical.Hash(doc)
	if err != nil {
		return model.IdentityRecord{}, NewError(KindValidation, "hash document: %v", err)
	}
	if !sigcheck.VerifyString(digest, signature, doc.PublicKey) {
		return model.IdentityRecord{}, NewError(KindInvalidSignature, "signature does not verify against the document public key")
	}

	now := e.clock().Format(time.RFC3339)
	rec := model.IdentityRecord{
		DID:          doc.DID,
		Name:         doc.Name,
		PublicKey:    doc.PublicKey,
		Birth:        doc.Birth,
		Status:       model.StatusActive,
		Contact:      doc.Contact,
		Capabilities: doc.Capabilities,
		RiskLevel:    doc.RiskLevel,
		Avatar:       doc.Avatar,
		Description:  doc.Description,
		Website:      doc.Website,
		RegisteredAt: now,
		Version:      1,
	}
	if err := e.store.CreateIdentity(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// a concurrent registration won the race for this name
			return model.IdentityRecord{}, NewError(KindNameTaken, "name %q is already registered", doc.Name)
		}
		return model.IdentityRecord{}, err
	}

	e.appendLog(ctx, rec.DID, model.OperationRegister, map[string]any{"name": rec.Name})
	return rec, nil
}

// Resolve returns the public view of a record addressed by DID or by name.
func (e *Engine) Resolve(ctx context.Context, ref string) (model.PublicIdentity, error) {
	rec, err := e.ResolveRecord(ctx, ref)
	if err != nil {
		return model.PublicIdentity{}, err
	}
	return rec.Public(), nil
}

// ResolveRecord returns the full internal record addressed by DID or name.
func (e *Engine) ResolveRecord(ctx context.Context, ref string) (model.IdentityRecord, error) {
	var rec model.IdentityRecord
	var err error
	if did.IsDID(ref) {
		rec, err = e.store.GetIdentity(ctx, ref)
	} else {
		rec, err = e.store.GetIdentityByName(ctx, ref)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.IdentityRecord{}, NewError(KindNotFound, "identity %q not found", ref)
		}
		return model.IdentityRecord{}, err
	}
	return rec, nil
}

// UpdateContact replaces the contact metadata of the subject, gated on a
// fresh timestamp and a signature by the currently stored key.
func (e *Engine) UpdateContact(ctx context.Context, ref string, contact map[string]any, signature, timestamp string) (model.PublicIdentity, error) {
	return e.updateMetadata(ctx, ref, TagUpdateContact, signature, timestamp, func(rec *model.IdentityRecord) {
		rec.Contact = contact
	})
}

// UpdateCapabilities replaces the capability list of the subject, gated the
// same way as UpdateContact.
func (e *Engine) UpdateCapabilities(ctx context.Context, ref string, capabilities []string, signature, timestamp string) (model.PublicIdentity, error) {
	return e.updateMetadata(ctx, ref, TagUpdateCapabilities, signature, timestamp, func(rec *model.IdentityRecord) {
		rec.Capabilities = capabilities
	})
}

func (e *Engine) updateMetadata(ctx context.Context, ref, tag, signature, timestamp string, apply func(*model.IdentityRecord)) (model.PublicIdentity, error) {
	rec, err := e.ResolveRecord(ctx, ref)
	if err != nil {
		return model.PublicIdentity{}, err
	}
	if err := e.checkFreshness(timestamp); err != nil {
		return model.PublicIdentity{}, err
	}
	// the stored key authorizes the mutation; a caller-supplied key cannot
	// be smuggled in to bypass ownership
	if !sigcheck.VerifyString(UpdateMessage(tag, rec.DID, timestamp), signature, rec.PublicKey) {
		return model.PublicIdentity{}, NewError(KindInvalidSignature, "signature does not verify for %s", tag)
	}

	expected := rec.Version
	apply(&rec)
	rec.Version++
	if err := e.store.UpdateIdentity(ctx, rec, expected); err != nil {
		return model.PublicIdentity{}, e.mapUpdateErr(err, rec.DID)
	}

	e.appendLog(ctx, rec.DID, model.OperationUpdate, map[string]any{"field": tag})
	return rec.Public(), nil
}

// ChangeStatus transitions the subject to newStatus. Any status may reach any
// other status; the only gate is a fresh timestamp and a signature by the
// current key holder over the status message.
func (e *Engine) ChangeStatus(ctx context.Context, ref string, newStatus model.Status, reason, signature, timestamp string) (model.PublicIdentity, error) {
	if !model.ValidStatus(newStatus) {
		return model.PublicIdentity{}, NewError(KindValidation, "unknown status %q", newStatus)
	}
	rec, err := e.ResolveRecord(ctx, ref)
	if err != nil {
		return model.PublicIdentity{}, err
	}
	if err := e.checkFreshness(timestamp); err != nil {
		return model.PublicIdentity{}, err
	}
	if !sigcheck.VerifyString(StatusMessage(newStatus, rec.DID, reason, timestamp), signature, rec.PublicKey) {
		return model.PublicIdentity{}, NewError(KindInvalidSignature, "signature does not verify for status change")
	}

	expected := rec.Version
	rec.Status = newStatus
	rec.StatusReason = reason
	rec.StatusChangedAt = e.clock().Format(time.RFC3339)
	rec.Version++
	if err := e.store.UpdateIdentity(ctx, rec, expected); err != nil {
		return model.PublicIdentity{}, e.mapUpdateErr(err, rec.DID)
	}

	e.appendLog(ctx, rec.DID, model.OperationStatusChange, map[string]any{
		"status": string(newStatus),
		"reason": reason,
	})
	return rec.Public(), nil
}

// RecordVerification advances the verification bookkeeping of a subject after
// a successful challenge completion. Unlike the signature-gated mutations, the
// increment is commutative and carries no client signature, so a lost version
// race against a concurrent mutation is retried here rather than surfaced:
// the challenge has already been consumed by the time this runs, and its
// count bump must not be dropped.
func (e *Engine) RecordVerification(ctx context.Context, didID string) (model.IdentityRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.IdentityRecord{}, err
		}
		rec, err := e.store.GetIdentity(ctx, didID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return model.IdentityRecord{}, NewError(KindNotFound, "identity %q not found", didID)
			}
			return model.IdentityRecord{}, err
		}
		expected := rec.Version
		rec.VerifiedCount++
		rec.LastVerifiedAt = e.clock().Format(time.RFC3339)
		rec.Version++
		if err := e.store.UpdateIdentity(ctx, rec, expected); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return model.IdentityRecord{}, e.mapUpdateErr(err, rec.DID)
		}

		e.appendLog(ctx, rec.DID, model.OperationVerify, map[string]any{"verificationCount": rec.VerifiedCount})
		return rec, nil
	}
}

// Search validates pagination bounds and delegates to the store.
func (e *Engine) Search(ctx context.Context, q model.SearchQuery) (model.SearchResult, error) {
	if q.Limit < 0 || q.Offset < 0 {
		return model.SearchResult{}, NewError(KindValidation, "limit and offset must be non-negative")
	}
	if q.Limit == 0 {
		q.Limit = defaultSearchLimit
	}
	if q.Limit > maxSearchLimit {
		q.Limit = maxSearchLimit
	}
	if q.Status != "" && !model.ValidStatus(q.Status) {
		return model.SearchResult{}, NewError(KindValidation, "unknown status %q", q.Status)
	}
	if !q.RegisteredAfter.IsZero() && !q.RegisteredBefore.IsZero() && q.RegisteredBefore.Before(q.RegisteredAfter) {
		return model.SearchResult{}, NewError(KindValidation, "time range is inverted")
	}
	return e.store.SearchIdentities(ctx, q)
}

// UpdateMessage builds the signing message for a metadata update:
// tag|did|timestamp.
func UpdateMessage(tag, didID, timestamp string) string {
	return strings.Join([]string{tag, didID, timestamp}, messageDelimiter)
}

// StatusMessage builds the signing message for a status transition:
// status|did|reason|timestamp. The operation tag is the target status name.
func StatusMessage(status model.Status, didID, reason, timestamp string) string {
	return strings.Join([]string{string(status), didID, reason, timestamp}, messageDelimiter)
}

func (e *Engine) checkFreshness(timestamp string) error {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return NewError(KindValidation, "timestamp must be RFC3339: %v", err)
	}
	if e.clock().Sub(ts) > e.window {
		return NewError(KindTimestampExpired, "timestamp older than %s", e.window)
	}
	return nil
}

func (e *Engine) mapUpdateErr(err error, didID string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NewError(KindNotFound, "identity %q not found", didID)
	case errors.Is(err, storage.ErrConflict):
		return NewError(KindConflict, "identity %q was mutated concurrently", didID)
	}
	return err
}

func (e *Engine) appendLog(ctx context.Context, didID, op string, payload map[string]any) {
	entry := model.OperationLogEntry{
		DID:           didID,
		Operation:     op,
		PerformedAt:   e.clock().Format(time.RFC3339),
		Actor:         didID,
		CorrelationID: correlationFrom(ctx),
		Payload:       payload,
	}
	if err := e.store.AppendOperation(ctx, entry); err != nil {
		e.logger.Warn("append operation log failed", "error", err, "did", didID)
	}
}

type contextKey string

// CorrelationContextKey carries the request correlation ID into engine
// operations for audit logging.
const CorrelationContextKey contextKey = "correlationId"

func correlationFrom(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationContextKey).(string); ok {
		return v
	}
	return ""
}
