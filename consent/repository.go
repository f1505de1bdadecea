package consent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"creditgate/kinds"
)

var (
	// ErrNotFound is returned when no consent row exists for the identifier.
	ErrNotFound = errors.New("consent: not found")
	// ErrDuplicateID signals an id collision on insert.
	ErrDuplicateID = errors.New("consent: duplicate id")
)

// Repository is the append-only storage contract for consent records.
type Repository interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// FindRevocation returns the revocation row for consentID, if any.
	FindRevocation(ctx context.Context, consentID string) (*Record, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed consent repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const consentColumns = `id::text, user_id, action_kind, scope, granted_at, expires_at, revokes::text`

func (r *PGRepository) Insert(ctx context.Context, rec Record) (Record, error) {
	const insertSQL = `
		INSERT INTO consents (id, user_id, action_kind, scope, granted_at, expires_at, revokes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + consentColumns

	out, err := scanRecord(r.pool.QueryRow(ctx, insertSQL,
		rec.ID,
		rec.UserID,
		string(rec.ActionKind),
		rec.Scope,
		rec.GrantedAt,
		rec.ExpiresAt,
		rec.Revokes,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateID
		}
		return Record{}, fmt.Errorf("consent: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	const selectSQL = `SELECT ` + consentColumns + ` FROM consents WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		var pgErr *pgconn.PgError
		// 22P02: malformed uuid; treated the same as an unknown id.
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("consent: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) FindRevocation(ctx context.Context, consentID string) (*Record, error) {
	const selectSQL = `
		SELECT ` + consentColumns + `
		FROM consents
		WHERE revokes = $1
		ORDER BY granted_at ASC
		LIMIT 1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, selectSQL, consentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("consent: find revocation: %w", err)
	}
	return &rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec  Record
		kind string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &kind, &rec.Scope, &rec.GrantedAt, &rec.ExpiresAt, &rec.Revokes); err != nil {
		return Record{}, err
	}
	rec.ActionKind = kinds.Kind(kind)
	return rec, nil
}

// MemoryRepository keeps consents in process memory. It backs local runs
// without a database and the unit tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]Record
	revoked map[string]Record
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]Record),
		revoked: make(map[string]Record),
	}
}

func (m *MemoryRepository) Insert(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[rec.ID]; exists {
		return Record{}, ErrDuplicateID
	}
	m.byID[rec.ID] = rec
	if rec.Revokes != nil {
		if _, seen := m.revoked[*rec.Revokes]; !seen {
			m.revoked[*rec.Revokes] = rec
		}
	}
	return rec, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryRepository) FindRevocation(_ context.Context, consentID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.revoked[consentID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}
