// Package audit provides an optional, append-only sink for
// authentication events. It deliberately exposes no read path: it
// answers "what happened and when", never "who is address X", so
// enabling it never turns into a persistent identity store.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one row appended to the audit log.
type Event struct {
	Kind      string // authenticated, disconnected, auth_rejected
	Address   string
	RemoteAddr string
	Detail    string
	At        time.Time
}

// Sink appends Events to a PostgreSQL table. A nil *Sink is valid and
// silently drops every event, so callers can treat auditing as
// optional without nil-checking at every call site.
type Sink struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the audit_events table exists.
func Open(ctx context.Context, dsn string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS audit_events (
			id          BIGSERIAL PRIMARY KEY,
			kind        TEXT NOT NULL,
			address     TEXT NOT NULL,
			remote_addr TEXT NOT NULL,
			detail      TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}

	return &Sink{pool: pool}, nil
}

// Append records one event. Failures are the caller's to log; audit
// writes must never block or fail the connection they describe.
func (s *Sink) Append(ctx context.Context, e Event) error {
	if s == nil {
		return nil
	}

	const query = `
		INSERT INTO audit_events (kind, address, remote_addr, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, query, e.Kind, e.Address, e.RemoteAddr, e.Detail, e.At)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Close releases the connection pool. Safe to call on a nil *Sink.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.pool.Close()
}
