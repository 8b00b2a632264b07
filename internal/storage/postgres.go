// Package storage contains the PostgreSQL implementation of the Store
// interface. Searchable fields live in dedicated columns; the full record is
// serialized as JSONB alongside them.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/SoulRegistry/soul-registry-go/internal/did"
	"github.com/SoulRegistry/soul-registry-go/internal/model"
)

const pgUniqueViolation = "23505"

type postgres struct {
	db *sql.DB
}

// NewPostgres creates a Store backed by PostgreSQL with connection pooling.
// The connection is pinged before the store is returned.
func NewPostgres(dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &postgres{db: db}, nil
}

// DB returns the underlying *sql.DB pool, used by migrations and the
// readiness check.
func (p *postgres) DB() *sql.DB {
	return p.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateIdentity inserts a new record. The unique indexes on did and
// lower-cased name decide racing registrations: exactly one insert wins, the
// loser observes ErrConflict.
func (p *postgres) CreateIdentity(ctx context.Context, rec model.IdentityRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	registeredAt, err := time.Parse(time.RFC3339, rec.RegisteredAt)
	if err != nil {
		return fmt.Errorf("parse registeredAt: %w", err)
	}
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	const q = `INSERT INTO identities (did, name, name_key, operator, status, registered_at, version, record)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = p.db.ExecContext(ctx, q,
		rec.DID, rec.Name, did.NormalizeName(rec.Name), rec.Birth.Operator,
		string(rec.Status), registeredAt, rec.Version, recBytes)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (p *postgres) GetIdentity(ctx context.Context, didID string) (model.IdentityRecord, error) {
	return p.getIdentityWhere(ctx, "did = $1", didID)
}

func (p *postgres) GetIdentityByName(ctx context.Context, name string) (model.IdentityRecord, error) {
	return p.getIdentityWhere(ctx, "name_key = $1", did.NormalizeName(name))
}

func (p *postgres) getIdentityWhere(ctx context.Context, cond, arg string) (model.IdentityRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	q := `SELECT record FROM identities WHERE ` + cond
	var recBytes []byte
	err := p.db.QueryRowContext(ctx, q, arg).Scan(&recBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.IdentityRecord{}, ErrNotFound
		}
		return model.IdentityRecord{}, fmt.Errorf("query identity: %w", err)
	}
	var rec model.IdentityRecord
	if err := json.Unmarshal(recBytes, &rec); err != nil {
		return model.IdentityRecord{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

// UpdateIdentity replaces the record only when the stored version still
// equals expectedVersion. Zero rows affected means either an unknown DID or a
// lost version race, distinguished with a follow-up existence probe.
func (p *postgres) UpdateIdentity(ctx context.Context, rec model.IdentityRecord, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	recBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	const q = `UPDATE identities SET status = $1, version = $2, record = $3 WHERE did = $4 AND version = $5`
	res, err := p.db.ExecContext(ctx, q, string(rec.Status), rec.Version, recBytes, rec.DID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		var one int
		err := p.db.QueryRowContext(ctx, `SELECT 1 FROM identities WHERE did = $1`, rec.DID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("probe identity: %w", err)
		}
		return ErrConflict
	}
	return nil
}

// SearchIdentities filters by wildcard name/operator pattern, status and
// registration time range, returning one page in name order plus the total
// match count.
func (p *postgres) SearchIdentities(ctx context.Context, query model.SearchQuery) (model.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	where := "TRUE"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if query.NamePattern != "" {
		where += ` AND name_key LIKE ` + arg(wildcardToLike(did.NormalizeName(query.NamePattern))) + ` ESCAPE '\'`
	}
	if query.OperatorPattern != "" {
		where += ` AND operator ILIKE ` + arg(wildcardToLike(query.OperatorPattern)) + ` ESCAPE '\'`
	}
	if query.Status != "" {
		where += ` AND status = ` + arg(string(query.Status))
	}
	if !query.RegisteredAfter.IsZero() {
		where += ` AND registered_at >= ` + arg(query.RegisteredAfter)
	}
	if !query.RegisteredBefore.IsZero() {
		where += ` AND registered_at <= ` + arg(query.RegisteredBefore)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities WHERE `+where, args...).Scan(&total); err != nil {
		return model.SearchResult{}, fmt.Errorf("count identities: %w", err)
	}

	pageQuery := `SELECT record FROM identities WHERE ` + where + ` ORDER BY name_key`
	if query.Limit > 0 {
		pageQuery += ` LIMIT ` + arg(query.Limit)
	}
	if query.Offset > 0 {
		pageQuery += ` OFFSET ` + arg(query.Offset)
	}
	rows, err := p.db.QueryContext(ctx, pageQuery, args...)
	if err != nil {
		return model.SearchResult{}, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	records := make([]model.PublicIdentity, 0)
	for rows.Next() {
		var recBytes []byte
		if err := rows.Scan(&recBytes); err != nil {
			return model.SearchResult{}, fmt.Errorf("scan identity: %w", err)
		}
		var rec model.IdentityRecord
		if err := json.Unmarshal(recBytes, &rec); err != nil {
			return model.SearchResult{}, fmt.Errorf("unmarshal record: %w", err)
		}
		records = append(records, rec.Public())
	}
	if err := rows.Err(); err != nil {
		return model.SearchResult{}, fmt.Errorf("iterate identities: %w", err)
	}
	return model.SearchResult{Records: records, Total: total}, nil
}

func (p *postgres) CreateChallenge(ctx context.Context, ch model.Challenge) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `INSERT INTO challenges (challenge_id, did, nonce, issued_at, expires_at, status)
	           VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.db.ExecContext(ctx, q, ch.ID, ch.DID, ch.Nonce, ch.IssuedAt, ch.ExpiresAt, string(ch.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

func (p *postgres) GetChallenge(ctx context.Context, id string) (model.Challenge, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT challenge_id, did, nonce, issued_at, expires_at, status FROM challenges WHERE challenge_id = $1`
	var ch model.Challenge
	var status string
	err := p.db.QueryRowContext(ctx, q, id).Scan(&ch.ID, &ch.DID, &ch.Nonce, &ch.IssuedAt, &ch.ExpiresAt, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Challenge{}, ErrNotFound
		}
		return model.Challenge{}, fmt.Errorf("query challenge: %w", err)
	}
	ch.Status = model.ChallengeStatus(status)
	return ch, nil
}

// TransitionChallenge performs an atomic status compare-and-swap so that a
// completion racing an expiry transition resolves to exactly one winner.
func (p *postgres) TransitionChallenge(ctx context.Context, id string, from, to model.ChallengeStatus) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `UPDATE challenges SET status = $1 WHERE challenge_id = $2 AND status = $3`
	res, err := p.db.ExecContext(ctx, q, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("transition challenge: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		var one int
		err := p.db.QueryRowContext(ctx, `SELECT 1 FROM challenges WHERE challenge_id = $1`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("probe challenge: %w", err)
		}
		return ErrConflict
	}
	return nil
}

func (p *postgres) SweepExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `DELETE FROM challenges WHERE expires_at <= $1 AND status = $2`
	res, err := p.db.ExecContext(ctx, q, now, string(model.ChallengePending))
	if err != nil {
		return 0, fmt.Errorf("sweep challenges: %w", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

func (p *postgres) AppendOperation(ctx context.Context, entry model.OperationLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	payloadBytes, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	const q = `INSERT INTO operation_log (did, operation, performed_at, actor, correlation_id, payload)
	           VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = p.db.ExecContext(ctx, q, entry.DID, entry.Operation, entry.PerformedAt, entry.Actor, entry.CorrelationID, payloadBytes)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

func (p *postgres) ListOperations(ctx context.Context, didID string) ([]model.OperationLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT did, operation, performed_at, actor, correlation_id, payload
	           FROM operation_log WHERE did = $1 ORDER BY performed_at ASC`
	rows, err := p.db.QueryContext(ctx, q, didID)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()
	var entries []model.OperationLogEntry
	for rows.Next() {
		var entry model.OperationLogEntry
		var payloadBytes []byte
		if err := rows.Scan(&entry.DID, &entry.Operation, &entry.PerformedAt, &entry.Actor, &entry.CorrelationID, &payloadBytes); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if err := json.Unmarshal(payloadBytes, &entry.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (p *postgres) Remember(ctx context.Context, key string, response StoredResponse) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	headersBytes, err := json.Marshal(response.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	const q = `INSERT INTO idempotency_cache (key, status_code, body, headers, expires_at)
	           VALUES ($1, $2, $3, $4, $5) ON CONFLICT (key) DO NOTHING`
	_, err = p.db.ExecContext(ctx, q, key, response.StatusCode, response.Body, headersBytes, response.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert cache: %w", err)
	}
	return nil
}

func (p *postgres) Recall(ctx context.Context, key string) (StoredResponse, bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `SELECT status_code, body, headers, expires_at FROM idempotency_cache WHERE key = $1 AND expires_at > $2`
	var response StoredResponse
	var headersBytes []byte
	err := p.db.QueryRowContext(ctx, q, key, time.Now().UTC()).Scan(&response.StatusCode, &response.Body, &headersBytes, &response.ExpiresAt)
	if err != nil {
		return StoredResponse{}, false
	}
	if err := json.Unmarshal(headersBytes, &response.Headers); err != nil {
		return StoredResponse{}, false
	}
	return response, true
}
