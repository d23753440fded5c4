// Package postgres provides the PostgreSQL-backed call record store.
//
// Call records live in a single calls table. Scalar lifecycle columns
// (status, timestamps, duration) are first-class so the dashboard can filter
// without unpacking JSON; conversation history and the carrier/provider event
// logs are JSONB documents written whole, matching the session runtime's
// snapshot-style writes.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callbridge-ai/callbridge/internal/call"
	"github.com/callbridge-ai/callbridge/internal/store"
)

var _ store.Store = (*Store)(nil)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id              TEXT         PRIMARY KEY,
    direction            TEXT         NOT NULL,
    from_number          TEXT         NOT NULL DEFAULT '',
    to_number            TEXT         NOT NULL DEFAULT '',
    voice                TEXT         NOT NULL DEFAULT '',
    provider             TEXT         NOT NULL DEFAULT '',
    system_instructions  TEXT         NOT NULL DEFAULT '',
    call_instructions    TEXT         NOT NULL DEFAULT '',
    started_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at             TIMESTAMPTZ,
    duration_seconds     INT          NOT NULL DEFAULT 0,
    status               TEXT         NOT NULL,
    error_message        TEXT         NOT NULL DEFAULT '',
    conversation_history JSONB        NOT NULL DEFAULT '[]',
    carrier_events       JSONB        NOT NULL DEFAULT '[]',
    provider_events      JSONB        NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_calls_status     ON calls (status);
CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls (started_at);
`

// Store is the PostgreSQL implementation of [store.Store]. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure the calls table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("call store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates or ensures the calls table and its indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCalls); err != nil {
		return fmt.Errorf("call store migrate: %w", err)
	}
	return nil
}

// Ping reports database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateCall implements [store.Store].
func (s *Store) CreateCall(ctx context.Context, rec *call.Record) error {
	const q = `
		INSERT INTO calls
		    (call_id, direction, from_number, to_number, voice, provider,
		     system_instructions, call_instructions, started_at, status,
		     conversation_history, carrier_events, provider_events)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	history, carrierEvents, providerEvents, err := marshalLogs(
		rec.ConversationHistory, rec.CarrierEvents, rec.ProviderEvents)
	if err != nil {
		return fmt.Errorf("call store: create %s: %w", rec.CallID, err)
	}

	_, err = s.pool.Exec(ctx, q,
		rec.CallID,
		string(rec.Direction),
		rec.FromNumber,
		rec.ToNumber,
		rec.Voice,
		rec.Provider,
		rec.SystemInstructions,
		rec.CallInstructions,
		rec.StartedAt,
		string(rec.Status),
		history,
		carrierEvents,
		providerEvents,
	)
	if err != nil {
		return fmt.Errorf("call store: create %s: %w", rec.CallID, err)
	}
	return nil
}

// MarkInProgress implements [store.Store].
func (s *Store) MarkInProgress(ctx context.Context, callID string) error {
	return s.setStatus(ctx, callID, call.StatusInProgress)
}

// MarkOnHold implements [store.Store].
func (s *Store) MarkOnHold(ctx context.Context, callID string) error {
	return s.setStatus(ctx, callID, call.StatusOnHold)
}

func (s *Store) setStatus(ctx context.Context, callID string, status call.Status) error {
	const q = `UPDATE calls SET status = $2 WHERE call_id = $1`

	tag, err := s.pool.Exec(ctx, q, callID, string(status))
	if err != nil {
		return fmt.Errorf("call store: set status of %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("call store: set status of %s: %w", callID, call.ErrNotFound)
	}
	return nil
}

// GetCall implements [store.Store]. It returns (nil, nil) when no record
// exists for callID.
func (s *Store) GetCall(ctx context.Context, callID string) (*call.Record, error) {
	const q = `
		SELECT call_id, direction, from_number, to_number, voice, provider,
		       system_instructions, call_instructions, started_at, ended_at,
		       duration_seconds, status, error_message,
		       conversation_history, carrier_events, provider_events
		FROM   calls
		WHERE  call_id = $1`

	var (
		rec            call.Record
		direction      string
		status         string
		endedAt        *time.Time
		history        []byte
		carrierEvents  []byte
		providerEvents []byte
	)
	err := s.pool.QueryRow(ctx, q, callID).Scan(
		&rec.CallID,
		&direction,
		&rec.FromNumber,
		&rec.ToNumber,
		&rec.Voice,
		&rec.Provider,
		&rec.SystemInstructions,
		&rec.CallInstructions,
		&rec.StartedAt,
		&endedAt,
		&rec.DurationSeconds,
		&status,
		&rec.ErrorMessage,
		&history,
		&carrierEvents,
		&providerEvents,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("call store: get %s: %w", callID, err)
	}

	rec.Direction = call.Direction(direction)
	rec.Status = call.Status(status)
	rec.EndedAt = endedAt
	if err := unmarshalLogs(history, carrierEvents, providerEvents, &rec); err != nil {
		return nil, fmt.Errorf("call store: get %s: %w", callID, err)
	}
	return &rec, nil
}

// UpdateConversationHistory implements [store.Store].
func (s *Store) UpdateConversationHistory(ctx context.Context, callID string, history []call.Message) error {
	const q = `UPDATE calls SET conversation_history = $2 WHERE call_id = $1`

	raw, err := json.Marshal(nonNilMessages(history))
	if err != nil {
		return fmt.Errorf("call store: update history of %s: %w", callID, err)
	}
	tag, err := s.pool.Exec(ctx, q, callID, raw)
	if err != nil {
		return fmt.Errorf("call store: update history of %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("call store: update history of %s: %w", callID, call.ErrNotFound)
	}
	return nil
}

// Finalize implements [store.Store].
func (s *Store) Finalize(ctx context.Context, callID string, fin call.Finalization) error {
	const q = `
		UPDATE calls
		SET    ended_at             = $2,
		       duration_seconds     = $3,
		       status               = $4,
		       error_message        = $5,
		       conversation_history = $6,
		       carrier_events       = $7,
		       provider_events      = $8
		WHERE  call_id = $1`

	history, carrierEvents, providerEvents, err := marshalLogs(
		fin.ConversationHistory, fin.CarrierEvents, fin.ProviderEvents)
	if err != nil {
		return fmt.Errorf("call store: finalize %s: %w", callID, err)
	}

	tag, err := s.pool.Exec(ctx, q, callID,
		fin.EndedAt,
		fin.DurationSeconds,
		string(fin.Status),
		fin.ErrorMessage,
		history,
		carrierEvents,
		providerEvents,
	)
	if err != nil {
		return fmt.Errorf("call store: finalize %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("call store: finalize %s: %w", callID, call.ErrNotFound)
	}
	return nil
}

// ListByStatus returns all records with the given status, newest first. Used
// by the control plane to enumerate resumable on-hold calls.
func (s *Store) ListByStatus(ctx context.Context, status call.Status) ([]*call.Record, error) {
	const q = `
		SELECT call_id, direction, from_number, to_number, voice, provider,
		       system_instructions, call_instructions, started_at, ended_at,
		       duration_seconds, status, error_message,
		       conversation_history, carrier_events, provider_events
		FROM   calls
		WHERE  status = $1
		ORDER  BY started_at DESC`

	rows, err := s.pool.Query(ctx, q, string(status))
	if err != nil {
		return nil, fmt.Errorf("call store: list by status %s: %w", status, err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*call.Record, error) {
		var (
			rec            call.Record
			direction      string
			st             string
			endedAt        *time.Time
			history        []byte
			carrierEvents  []byte
			providerEvents []byte
		)
		if err := row.Scan(
			&rec.CallID,
			&direction,
			&rec.FromNumber,
			&rec.ToNumber,
			&rec.Voice,
			&rec.Provider,
			&rec.SystemInstructions,
			&rec.CallInstructions,
			&rec.StartedAt,
			&endedAt,
			&rec.DurationSeconds,
			&st,
			&rec.ErrorMessage,
			&history,
			&carrierEvents,
			&providerEvents,
		); err != nil {
			return nil, err
		}
		rec.Direction = call.Direction(direction)
		rec.Status = call.Status(st)
		rec.EndedAt = endedAt
		if err := unmarshalLogs(history, carrierEvents, providerEvents, &rec); err != nil {
			return nil, err
		}
		return &rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("call store: scan rows: %w", err)
	}
	return recs, nil
}

// marshalLogs encodes the three JSONB document columns. Nil slices encode as
// empty arrays so the columns never hold SQL NULL.
func marshalLogs(history []call.Message, carrier, provider []call.LogEntry) (h, c, p []byte, err error) {
	if h, err = json.Marshal(nonNilMessages(history)); err != nil {
		return nil, nil, nil, err
	}
	if c, err = json.Marshal(nonNilLogs(carrier)); err != nil {
		return nil, nil, nil, err
	}
	if p, err = json.Marshal(nonNilLogs(provider)); err != nil {
		return nil, nil, nil, err
	}
	return h, c, p, nil
}

func unmarshalLogs(history, carrier, provider []byte, rec *call.Record) error {
	if err := json.Unmarshal(history, &rec.ConversationHistory); err != nil {
		return fmt.Errorf("decode conversation history: %w", err)
	}
	if err := json.Unmarshal(carrier, &rec.CarrierEvents); err != nil {
		return fmt.Errorf("decode carrier events: %w", err)
	}
	if err := json.Unmarshal(provider, &rec.ProviderEvents); err != nil {
		return fmt.Errorf("decode provider events: %w", err)
	}
	return nil
}

func nonNilMessages(in []call.Message) []call.Message {
	if in == nil {
		return []call.Message{}
	}
	return in
}

func nonNilLogs(in []call.LogEntry) []call.LogEntry {
	if in == nil {
		return []call.LogEntry{}
	}
	return in
}
