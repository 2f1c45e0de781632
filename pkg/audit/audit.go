// Package audit implements AuditSink, a durable, fire-and-forget event
// log subscriber backed by Postgres. It is a consumer of EventBus, not
// part of the lifecycle core itself — losing the audit connection must
// never affect a proxy's ability to start, stop, pause or resume.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MohamedAnouar/containerproxy/pkg/eventbus"
	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS proxy_events (
	id            BIGSERIAL PRIMARY KEY,
	event_type    TEXT NOT NULL,
	source        TEXT NOT NULL,
	occurred_at   TIMESTAMPTZ NOT NULL,
	proxy_id      TEXT,
	user_id       TEXT,
	spec_id       TEXT,
	seat_id       TEXT,
	delegate_id   TEXT,
	payload       JSONB NOT NULL
)`

// Sink subscribes to an EventBus and durably records every event to
// Postgres, retrying a bounded number of times before dropping and
// logging — an audit write must never block or fail the operation that
// produced the event.
type Sink struct {
	pool      *pgxpool.Pool
	bus       eventbus.EventBus
	retries   int
	retryWait time.Duration
}

// NewSink opens a pgxpool against dsn and ensures the proxy_events
// table exists.
func NewSink(ctx context.Context, dsn string, bus eventbus.EventBus) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &Sink{pool: pool, bus: bus, retries: 3, retryWait: 500 * time.Millisecond}, nil
}

// Run subscribes to bus and writes every event until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	ch, cancel := s.bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			s.writeWithRetry(ctx, event)
		}
	}
}

func (s *Sink) writeWithRetry(ctx context.Context, event proxytypes.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("audit: failed to encode event", "error", err)
		return
	}

	for attempt := 0; attempt <= s.retries; attempt++ {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO proxy_events (event_type, source, occurred_at, proxy_id, user_id, spec_id, seat_id, delegate_id, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			string(event.Type), event.Source, event.Timestamp,
			event.ProxyID, event.UserID, event.SpecID, event.SeatID, event.DelegateProxyID,
			payload,
		)
		if err == nil {
			return
		}
		if attempt == s.retries {
			slog.Warn("audit: giving up on event after retries", "event_type", event.Type, "error", err)
			return
		}
		time.Sleep(s.retryWait)
	}
}

// Close releases the connection pool.
func (s *Sink) Close() {
	s.pool.Close()
}
