// Package model defines internal and external data shapes for the soul
// registry. Internal types are used by storage and the registry engine, while
// DTOs are serialized on the wire.
package model

import "time"

// Status is the lifecycle state of an identity record. Records are never
// deleted; terminal states are modeled as status values.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// ValidStatus reports whether s is one of the recognized status values.
func ValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusSuspended, StatusRevoked:
		return true
	}
	return false
}

// Birth is the write-once record of an identity's origin, captured at
// registration and immutable afterwards.
type Birth struct {
	Timestamp   string `json:"timestamp"` // RFC3339
	Operator    string `json:"operator"`
	BaseModel   string `json:"baseModel,omitempty"`
	Platform    string `json:"platform,omitempty"`
	CharterHash string `json:"charterHash,omitempty"`
}

// IdentityRecord is the durable representation of one agent identity.
// DID, Name, PublicKey and Birth are immutable once set. Version advances on
// every mutation and is the optimistic-concurrency marker used by stores.
type IdentityRecord struct {
	DID             string         `json:"did"`
	Name            string         `json:"name"`
	PublicKey       string         `json:"publicKey"` // hex or base58, as registered
	Birth           Birth          `json:"birth"`
	Status          Status         `json:"status"`
	StatusReason    string         `json:"statusReason,omitempty"`
	StatusChangedAt string         `json:"statusChangedAt,omitempty"` // RFC3339
	Contact         map[string]any `json:"contact,omitempty"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	RiskLevel       string         `json:"riskLevel,omitempty"`
	Avatar          string         `json:"avatar,omitempty"`
	Description     string         `json:"description,omitempty"`
	Website         string         `json:"website,omitempty"`
	VerifiedCount   int64          `json:"verificationCount"`
	LastVerifiedAt  string         `json:"lastVerifiedAt,omitempty"` // RFC3339
	RegisteredAt    string         `json:"registeredAt"`             // RFC3339, server-assigned
	Version         int64          `json:"version"`
}

// PublicIdentity is the public view of a record returned by resolution and
// search. The optimistic-concurrency version is internal and stripped.
type PublicIdentity struct {
	DID             string         `json:"did"`
	Name            string         `json:"name"`
	PublicKey       string         `json:"publicKey"`
	Birth           Birth          `json:"birth"`
	Status          Status         `json:"status"`
	StatusReason    string         `json:"statusReason,omitempty"`
	StatusChangedAt string         `json:"statusChangedAt,omitempty"`
	Contact         map[string]any `json:"contact,omitempty"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	RiskLevel       string         `json:"riskLevel,omitempty"`
	Avatar          string         `json:"avatar,omitempty"`
	Description     string         `json:"description,omitempty"`
	Website         string         `json:"website,omitempty"`
	VerifiedCount   int64          `json:"verificationCount"`
	LastVerifiedAt  string         `json:"lastVerifiedAt,omitempty"`
	RegisteredAt    string         `json:"registeredAt"`
}

// Public converts the internal record to its public view.
func (r IdentityRecord) Public() PublicIdentity {
	return PublicIdentity{
		DID:             r.DID,
		Name:            r.Name,
		PublicKey:       r.PublicKey,
		Birth:           r.Birth,
		Status:          r.Status,
		StatusReason:    r.StatusReason,
		StatusChangedAt: r.StatusChangedAt,
		Contact:         r.Contact,
		Capabilities:    r.Capabilities,
		RiskLevel:       r.RiskLevel,
		Avatar:          r.Avatar,
		Description:     r.Description,
		Website:         r.Website,
		VerifiedCount:   r.VerifiedCount,
		LastVerifiedAt:  r.LastVerifiedAt,
		RegisteredAt:    r.RegisteredAt,
	}
}

// ChallengeStatus is the lifecycle state of a liveness challenge. A challenge
// leaves pending exactly once; completed and expired are terminal.
type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeCompleted ChallengeStatus = "completed"
	ChallengeExpired   ChallengeStatus = "expired"
)

// Challenge is an ephemeral liveness-proof artifact bound to one DID.
type Challenge struct {
	ID        string          `json:"challengeId"`
	DID       string          `json:"did"`
	Nonce     string          `json:"nonce"` // hex, fixed length
	IssuedAt  time.Time       `json:"issuedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Status    ChallengeStatus `json:"status"`
}

// Operation names recorded in the append-only operation log.
const (
	OperationRegister     = "register"
	OperationUpdate       = "update"
	OperationStatusChange = "status-change"
	OperationVerify       = "verify"
)

// OperationLogEntry captures one mutation applied to an identity, for audit.
type OperationLogEntry struct {
	DID           string         `json:"did"`
	Operation     string         `json:"operation"`
	PerformedAt   string         `json:"performedAt"` // RFC3339
	Actor         string         `json:"actor"`
	CorrelationID string         `json:"correlationId"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// SearchQuery describes a registry search. NamePattern and OperatorPattern
// support the '*' wildcard. Zero time bounds mean unbounded.
type SearchQuery struct {
	NamePattern      string
	OperatorPattern  string
	Status           Status
	RegisteredAfter  time.Time
	RegisteredBefore time.Time
	Limit            int
	Offset           int
}

// SearchResult is one page of public records plus the total match count.
type SearchResult struct {
	Records []PublicIdentity `json:"records"`
	Total   int              `json:"total"`
}
