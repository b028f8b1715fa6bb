package telemetry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/netfabric/meshguard/pkg/types"
)

// auditSchema is applied on connect; the table is append-only.
const auditSchema = `
CREATE TABLE IF NOT EXISTS incident_events (
	id          BIGSERIAL PRIMARY KEY,
	incident_id TEXT        NOT NULL,
	threat      TEXT        NOT NULL,
	offender    TEXT        NOT NULL,
	from_status TEXT        NOT NULL,
	to_status   TEXT        NOT NULL,
	monitor     TEXT        NOT NULL,
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS incident_events_incident_idx ON incident_events (incident_id);
`

// PostgresSink records every incident lifecycle transition in an audit
// table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects with the given DSN and ensures the audit schema.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, auditSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring audit schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Publish inserts one event.
func (s *PostgresSink) Publish(ctx context.Context, ev types.IncidentEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO incident_events
			(incident_id, threat, offender, from_status, to_status, monitor, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.IncidentID, string(ev.Threat), string(ev.Offender),
		string(ev.From), string(ev.To), string(ev.Monitor), ev.At)
	if err != nil {
		return fmt.Errorf("inserting incident event: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresSink) Close() { s.pool.Close() }
