package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, letting
// the same statement helpers run inside and outside transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const memoryCols = `id, tenant, repo, subject, fact, citations, reason,
	created_by, created_at, refreshed_at, status,
	supersedes_id, superseded_by_id,
	verification_count, last_verified_at, last_verified_by`

// Store persists memories and their telemetry in PostgreSQL. All methods are
// safe for concurrent use; writes that race a lifecycle transition are
// resolved by guarded updates, not by last-writer-wins.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.Warn("transaction rollback failed", "error", err)
	}
}

// Save creates a memory, or refreshes the existing active one when the
// (tenant, repo, subject, fact) tuple already has an active row. The refresh
// path replaces citations, keeps the original reason unless a new one is
// given, and bumps refreshed_at. Concurrent saves of the same tuple are
// serialized with an advisory lock so exactly one row results.
func (s *Store) Save(ctx context.Context, in SaveInput) (*Memory, error) {
	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}
	citationsJSON, err := json.Marshal(in.Citations)
	if err != nil {
		return nil, fmt.Errorf("encoding citations: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	// Serialize writers of the same tuple for the duration of the
	// transaction. Without this, two concurrent first saves both miss the
	// update and one dies on the unique index instead of refreshing.
	lockKey := strings.Join([]string{in.Tenant, in.Repo, in.Subject, in.Fact}, "\x1f")
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return nil, fmt.Errorf("acquiring save lock: %w", err)
	}

	m, err := scanMemory(tx.QueryRow(ctx, `
		UPDATE memories
		SET citations = $5,
		    reason = CASE WHEN $6 <> '' THEN $6 ELSE reason END,
		    refreshed_at = now()
		WHERE tenant = $1 AND repo = $2 AND subject = $3 AND fact = $4
		  AND status = 'active'
		RETURNING `+memoryCols,
		in.Tenant, in.Repo, in.Subject, in.Fact, citationsJSON, in.Reason))
	switch {
	case err == nil:
		if err := s.appendEvent(ctx, tx, m.ID, EventRefreshed, in.Actor, in.SessionID,
			RefreshPayload{CitationCount: len(in.Citations)}, 0); err != nil {
			return nil, err
		}
	case errors.Is(err, pgx.ErrNoRows):
		m, err = scanMemory(tx.QueryRow(ctx, `
			INSERT INTO memories (tenant, repo, subject, fact, citations, reason, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+memoryCols,
			in.Tenant, in.Repo, in.Subject, in.Fact, citationsJSON, in.Reason, in.Actor))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrConstraintViolation
			}
			return nil, fmt.Errorf("inserting memory: %w", err)
		}
		if err := s.appendEvent(ctx, tx, m.ID, EventCreated, in.Actor, in.SessionID,
			CreationPayload{Subject: in.Subject, CitationCount: len(in.Citations)}, 0); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("refreshing existing memory: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing save: %w", err)
	}
	return m, nil
}

// Get returns one memory by id regardless of status.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Memory, error) {
	m, err := scanMemory(s.pool.QueryRow(ctx, `
		SELECT `+memoryCols+` FROM memories WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting memory %s: %w", id, err)
	}
	return m, nil
}

// GetRecent returns active memories for the repo, most recently refreshed
// first. Results cover the given tenant plus the shared default tenant.
// A non-positive limit falls back to DefaultListLimit; limits above
// MaxListLimit are clamped.
func (s *Store) GetRecent(ctx context.Context, tenant, repo string, limit int) ([]*Memory, error) {
	if repo == "" {
		return []*Memory{}, nil
	}
	if tenant == "" {
		tenant = DefaultTenant
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+memoryCols+`
		FROM memories
		WHERE tenant IN ($1, $2) AND repo = $3 AND status = 'active'
		ORDER BY refreshed_at DESC
		LIMIT $4`,
		tenant, DefaultTenant, repo, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying recent memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchByPath returns active memories holding at least one citation whose
// path exactly equals the given repository-relative path. Matching uses
// JSONB containment so the citations GIN index serves the lookup.
func (s *Store) SearchByPath(ctx context.Context, tenant, repo, path string, limit int) ([]*Memory, error) {
	if repo == "" || path == "" {
		return []*Memory{}, nil
	}
	if tenant == "" {
		tenant = DefaultTenant
	}
	probe, err := json.Marshal([]map[string]string{{"path": path}})
	if err != nil {
		return nil, fmt.Errorf("encoding path probe: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+memoryCols+`
		FROM memories
		WHERE tenant IN ($1, $2) AND repo = $3 AND status = 'active'
		  AND citations @> $4
		ORDER BY refreshed_at DESC
		LIMIT $5`,
		tenant, DefaultTenant, repo, probe, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("searching memories by path: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// RefreshInput carries the optional updates Refresh applies. Nil Citations
// leaves the stored citations untouched; an empty Reason keeps the old one.
type RefreshInput struct {
	Citations []Citation
	Reason    string
	Actor     string
	SessionID string
}

// Refresh re-confirms an active memory: bumps refreshed_at and optionally
// replaces citations and reason. It reports false without error when the
// memory exists but is terminal, and ErrNotFound when it does not exist.
// Repeated calls on a terminal memory stay (false, nil) and write nothing.
func (s *Store) Refresh(ctx context.Context, id uuid.UUID, in RefreshInput) (bool, error) {
	if in.Citations != nil {
		if err := validateCitations(in.Citations); err != nil {
			return false, err
		}
	}
	if len(in.Reason) > MaxReasonLength {
		return false, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, MaxReasonLength)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	var tag pgconn.CommandTag
	if in.Citations != nil {
		citationsJSON, err := json.Marshal(in.Citations)
		if err != nil {
			return false, fmt.Errorf("encoding citations: %w", err)
		}
		tag, err = tx.Exec(ctx, `
			UPDATE memories
			SET citations = $2,
			    reason = CASE WHEN $3 <> '' THEN $3 ELSE reason END,
			    refreshed_at = now()
			WHERE id = $1 AND status = 'active'`,
			id, citationsJSON, in.Reason)
		if err != nil {
			return false, fmt.Errorf("refreshing memory %s: %w", id, err)
		}
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE memories
			SET reason = CASE WHEN $2 <> '' THEN $2 ELSE reason END,
			    refreshed_at = now()
			WHERE id = $1 AND status = 'active'`,
			id, in.Reason)
		if err != nil {
			return false, fmt.Errorf("refreshing memory %s: %w", id, err)
		}
	}
	if tag.RowsAffected() == 0 {
		return false, s.requireExists(ctx, id)
	}

	if err := s.appendEvent(ctx, tx, id, EventRefreshed, in.Actor, in.SessionID,
		RefreshPayload{CitationCount: len(in.Citations)}, 0); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing refresh: %w", err)
	}
	return true, nil
}

// Invalidate retires an active memory as factually wrong. The transition is
// terminal. It reports false without error when the memory is already
// terminal, ErrNotFound when it does not exist, and writes exactly one
// verified_invalid event on success.
func (s *Store) Invalidate(ctx context.Context, id uuid.UUID, reason, actor, sessionID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `
		UPDATE memories SET status = 'invalid'
		WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return false, fmt.Errorf("invalidating memory %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.requireExists(ctx, id)
	}

	if err := s.appendEvent(ctx, tx, id, EventVerifiedInvalid, actor, sessionID,
		VerificationPayload{Valid: false, Reason: reason}, 0); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing invalidation: %w", err)
	}
	return true, nil
}

// SupersedeInput describes the replacement memory. Fact is required; nil
// Citations and empty Reason inherit from the memory being superseded.
type SupersedeInput struct {
	Fact      string
	Citations []Citation
	Reason    string
	Actor     string
	SessionID string
}

// Supersede atomically retires an active memory and creates its replacement,
// linking the two in both directions. The retiring update is guarded on
// status so a concurrent superseder cannot orphan the chain: the loser sees
// zero rows affected, gets ErrNotFound, and its inserted replacement rolls
// back with the transaction.
func (s *Store) Supersede(ctx context.Context, oldID uuid.UUID, in SupersedeInput) (*Memory, error) {
	if in.Fact == "" {
		return nil, fmt.Errorf("%w: fact is required", ErrInvalidInput)
	}
	if len(in.Fact) > MaxFactLength {
		return nil, fmt.Errorf("%w: fact exceeds %d characters", ErrInvalidInput, MaxFactLength)
	}
	if len(in.Reason) > MaxReasonLength {
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, MaxReasonLength)
	}
	if in.Citations != nil {
		if err := validateCitations(in.Citations); err != nil {
			return nil, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	old, err := scanMemory(tx.QueryRow(ctx, `
		SELECT `+memoryCols+` FROM memories
		WHERE id = $1 AND status = 'active'`, oldID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading memory %s: %w", oldID, err)
	}

	citations := in.Citations
	if citations == nil {
		citations = old.Citations
	}
	reason := in.Reason
	if reason == "" {
		reason = old.Reason
	}
	citationsJSON, err := json.Marshal(citations)
	if err != nil {
		return nil, fmt.Errorf("encoding citations: %w", err)
	}

	replacement, err := scanMemory(tx.QueryRow(ctx, `
		INSERT INTO memories (tenant, repo, subject, fact, citations, reason, created_by, supersedes_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+memoryCols,
		old.Tenant, old.Repo, old.Subject, in.Fact, citationsJSON, reason, in.Actor, oldID))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConstraintViolation
		}
		return nil, fmt.Errorf("inserting replacement memory: %w", err)
	}

	// Guarded on status: if a concurrent supersession retired the old row
	// after our read above, zero rows come back and the insert rolls back.
	tag, err := tx.Exec(ctx, `
		UPDATE memories SET status = 'superseded', superseded_by_id = $2
		WHERE id = $1 AND status = 'active'`, oldID, replacement.ID)
	if err != nil {
		return nil, fmt.Errorf("retiring memory %s: %w", oldID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	if err := s.appendEvent(ctx, tx, oldID, EventSuperseded, in.Actor, in.SessionID,
		SupersessionPayload{SupersededBy: replacement.ID, Reason: in.Reason}, 0); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, tx, replacement.ID, EventCorrected, in.Actor, in.SessionID,
		CorrectionPayload{Supersedes: oldID, PreviousFact: old.Fact}, 0); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing supersession: %w", err)
	}
	return replacement, nil
}

// LogApplied records that an agent acted on a memory. Terminal memories may
// still be logged against; the interesting signal is that stale advice got
// used. A missing memory is ErrNotFound via the foreign key.
func (s *Store) LogApplied(ctx context.Context, id uuid.UUID, note, actor, sessionID string) error {
	return s.appendEvent(ctx, s.pool, id, EventApplied, actor, sessionID,
		ApplicationPayload{Note: note}, 0)
}

// VerificationInput carries a verification outcome into the store.
type VerificationInput struct {
	Valid        bool
	ValidCount   int
	InvalidCount int
	Ref          string
	Actor        string
	SessionID    string
	Took         time.Duration
}

// RecordVerification bumps the verification counters of an active memory and
// appends a verified_valid or verified_invalid event. Terminal memories
// report false without error; verification results for them are dropped
// rather than resurrecting history.
func (s *Store) RecordVerification(ctx context.Context, id uuid.UUID, in VerificationInput) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `
		UPDATE memories
		SET verification_count = verification_count + 1,
		    last_verified_at = now(),
		    last_verified_by = $2
		WHERE id = $1 AND status = 'active'`,
		id, in.Actor)
	if err != nil {
		return false, fmt.Errorf("recording verification for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.requireExists(ctx, id)
	}

	kind := EventVerifiedValid
	if !in.Valid {
		kind = EventVerifiedInvalid
	}
	payload := VerificationPayload{
		Valid:        in.Valid,
		ValidCount:   in.ValidCount,
		InvalidCount: in.InvalidCount,
		Ref:          in.Ref,
	}
	if err := s.appendEvent(ctx, tx, id, kind, in.Actor, in.SessionID, payload, in.Took); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing verification: %w", err)
	}
	return true, nil
}

// Stats aggregates lifecycle counts for one exact (tenant, repo) scope. The
// default tenant is not merged in here; ask for it explicitly.
func (s *Store) Stats(ctx context.Context, tenant, repo string) (*Stats, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}
	st := &Stats{Tenant: tenant, Repo: repo}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'superseded'),
			COUNT(*) FILTER (WHERE status = 'invalid'),
			COALESCE(AVG(verification_count), 0)::float8
		FROM memories
		WHERE tenant = $1 AND repo = $2`,
		tenant, repo).Scan(&st.Active, &st.Superseded, &st.Invalid, &st.AvgVerifications)
	if err != nil {
		return nil, fmt.Errorf("computing stats for %s/%s: %w", tenant, repo, err)
	}
	return st, nil
}

// StaleActive returns active memories whose last verification is older than
// the cutoff, never verified first. The background sweeper feeds on this.
func (s *Store) StaleActive(ctx context.Context, olderThan time.Time, limit int) ([]*Memory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+memoryCols+`
		FROM memories
		WHERE status = 'active'
		  AND (last_verified_at IS NULL OR last_verified_at < $1)
		ORDER BY last_verified_at ASC NULLS FIRST, refreshed_at ASC
		LIMIT $2`,
		olderThan, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying stale memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// requireExists maps a zero-row guarded update to its cause: ErrNotFound
// when the id is unknown, nil when the row exists but is terminal.
func (s *Store) requireExists(ctx context.Context, id uuid.UUID) error {
	var status Status
	err := s.pool.QueryRow(ctx, `SELECT status FROM memories WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("looking up memory %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanMemory reads one row in memoryCols order. Scan errors come back
// unwrapped so callers can test for pgx.ErrNoRows.
func scanMemory(row rowScanner) (*Memory, error) {
	m := &Memory{}
	var citations []byte
	if err := row.Scan(
		&m.ID, &m.Tenant, &m.Repo, &m.Subject, &m.Fact, &citations, &m.Reason,
		&m.CreatedBy, &m.CreatedAt, &m.RefreshedAt, &m.Status,
		&m.SupersedesID, &m.SupersededByID,
		&m.VerificationCount, &m.LastVerifiedAt, &m.LastVerifiedBy,
	); err != nil {
		return nil, err
	}
	if len(citations) > 0 {
		if err := json.Unmarshal(citations, &m.Citations); err != nil {
			return nil, fmt.Errorf("decoding citations: %w", err)
		}
	}
	return m, nil
}

func scanMemories(rows pgx.Rows) ([]*Memory, error) {
	memories := []*Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memories: %w", err)
	}
	return memories, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}
