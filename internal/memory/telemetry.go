package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EventKind names one entry type in the append-only telemetry log.
type EventKind string

const (
	EventCreated         EventKind = "created"
	EventRetrieved       EventKind = "retrieved"
	EventVerifiedValid   EventKind = "verified_valid"
	EventVerifiedInvalid EventKind = "verified_invalid"
	EventCorrected       EventKind = "corrected"
	EventRefreshed       EventKind = "refreshed"
	EventSuperseded      EventKind = "superseded"
	EventApplied         EventKind = "applied"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventCreated, EventRetrieved, EventVerifiedValid, EventVerifiedInvalid,
		EventCorrected, EventRefreshed, EventSuperseded, EventApplied:
		return true
	}
	return false
}

// Event is one telemetry log entry. Events are insert-only; the table
// revokes UPDATE and DELETE so history cannot be rewritten.
type Event struct {
	ID        uuid.UUID `json:"id"`
	MemoryID  uuid.UUID `json:"memory_id"`
	Kind      EventKind `json:"kind"`
	Actor     string    `json:"actor,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Payload   Payload   `json:"payload,omitempty"`
	// Duration is how long the recorded operation took. Zero when the
	// producing operation did not measure itself.
	Duration  time.Duration `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
}

// Payload is the kind-specific body of an event. The concrete type is
// determined by the event kind; decodePayload maps stored JSON back to the
// right variant.
type Payload interface {
	isPayload()
}

// CreationPayload accompanies a created event.
type CreationPayload struct {
	Subject       string `json:"subject"`
	CitationCount int    `json:"citation_count"`
}

// RetrievalPayload accompanies a retrieved event. Rank is the 1-indexed
// position of the memory in the result list that surfaced it.
type RetrievalPayload struct {
	Query string `json:"query,omitempty"`
	Rank  int    `json:"rank"`
}

// VerificationPayload accompanies verified_valid and verified_invalid
// events. For invalidations requested by an agent rather than produced by
// the verifier, only Valid and Reason are set.
type VerificationPayload struct {
	Valid        bool   `json:"valid"`
	ValidCount   int    `json:"valid_count,omitempty"`
	InvalidCount int    `json:"invalid_count,omitempty"`
	Ref          string `json:"ref,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// CorrectionPayload accompanies the corrected event written to the
// replacement memory during supersession.
type CorrectionPayload struct {
	Supersedes   uuid.UUID `json:"supersedes"`
	PreviousFact string    `json:"previous_fact,omitempty"`
}

// RefreshPayload accompanies a refreshed event. CitationCount is the number
// of citations supplied with the refresh; zero means citations were left
// untouched.
type RefreshPayload struct {
	CitationCount int `json:"citation_count"`
}

// SupersessionPayload accompanies the superseded event written to the
// retired memory.
type SupersessionPayload struct {
	SupersededBy uuid.UUID `json:"superseded_by"`
	Reason       string    `json:"reason,omitempty"`
}

// ApplicationPayload accompanies an applied event.
type ApplicationPayload struct {
	Note string `json:"note,omitempty"`
}

func (CreationPayload) isPayload()     {}
func (RetrievalPayload) isPayload()    {}
func (VerificationPayload) isPayload() {}
func (CorrectionPayload) isPayload()   {}
func (RefreshPayload) isPayload()      {}
func (SupersessionPayload) isPayload() {}
func (ApplicationPayload) isPayload()  {}

// decodePayload unmarshals raw into the payload variant matching kind.
func decodePayload(kind EventKind, raw []byte) (Payload, error) {
	var p Payload
	switch kind {
	case EventCreated:
		p = &CreationPayload{}
	case EventRetrieved:
		p = &RetrievalPayload{}
	case EventVerifiedValid, EventVerifiedInvalid:
		p = &VerificationPayload{}
	case EventCorrected:
		p = &CorrectionPayload{}
	case EventRefreshed:
		p = &RefreshPayload{}
	case EventSuperseded:
		p = &SupersessionPayload{}
	case EventApplied:
		p = &ApplicationPayload{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	return p, nil
}

const insertEventSQL = `
	INSERT INTO memory_events (memory_id, kind, actor, session_id, payload, duration_ms)
	VALUES ($1, $2, $3, $4, $5, $6)`

// appendEvent writes one telemetry entry through q, which may be the pool or
// an open transaction. A foreign key violation means the memory does not
// exist and is reported as ErrNotFound.
func (s *Store) appendEvent(ctx context.Context, q querier, memoryID uuid.UUID, kind EventKind, actor, sessionID string, payload Payload, took time.Duration) error {
	var payloadJSON []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", kind, err)
		}
		payloadJSON = b
	}
	var durationMs *int64
	if took > 0 {
		ms := took.Milliseconds()
		durationMs = &ms
	}
	if _, err := q.Exec(ctx, insertEventSQL, memoryID, kind, actor, sessionID, payloadJSON, durationMs); err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("appending %s event: %w", kind, err)
	}
	return nil
}

// RecordRetrieved appends retrieved events for the given memories in list
// order using a single batch round trip. Read paths call this best-effort;
// a failure here must not fail the read that produced the list.
func (s *Store) RecordRetrieved(ctx context.Context, ids []uuid.UUID, query, actor, sessionID string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, id := range ids {
		payload, err := json.Marshal(RetrievalPayload{Query: query, Rank: i + 1})
		if err != nil {
			return fmt.Errorf("encoding retrieval payload: %w", err)
		}
		batch.Queue(insertEventSQL, id, EventRetrieved, actor, sessionID, payload, nil)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range ids {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("recording retrieval: %w", err)
		}
	}
	return nil
}

const eventCols = `id, memory_id, kind, actor, session_id, payload, duration_ms, created_at`

// Events returns the full telemetry history of one memory, oldest first.
// A memory with no events yields an empty slice, not an error; callers that
// need existence checks should Get first.
func (s *Store) Events(ctx context.Context, memoryID uuid.UUID) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventCols+`
		FROM memory_events
		WHERE memory_id = $1
		ORDER BY created_at ASC, id ASC`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("querying events for %s: %w", memoryID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	events := []*Event{}
	for rows.Next() {
		e := &Event{}
		var payload []byte
		var durationMs *int64
		if err := rows.Scan(&e.ID, &e.MemoryID, &e.Kind, &e.Actor, &e.SessionID, &payload, &durationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if len(payload) > 0 {
			p, err := decodePayload(e.Kind, payload)
			if err != nil {
				return nil, err
			}
			e.Payload = p
		}
		if durationMs != nil {
			e.Duration = time.Duration(*durationMs) * time.Millisecond
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}
