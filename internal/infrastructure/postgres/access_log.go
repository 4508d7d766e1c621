// Package postgres provides PostgreSQL infrastructure components.
// The access log is an append-only audit trail of portal activity.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS portal_access_log (
	id          UUID PRIMARY KEY,
	event_type  TEXT NOT NULL,
	locator     TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	data        JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS portal_access_log_occurred_at_idx ON portal_access_log (occurred_at DESC);
CREATE INDEX IF NOT EXISTS portal_access_log_locator_idx ON portal_access_log (locator);
`

// DB is the subset of pgxpool.Pool used by the access log
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewPool connects to databaseURL and verifies the connection
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// AccessLog records activity events in portal_access_log
type AccessLog struct {
	db     DB
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAccessLog creates an access log over db
func NewAccessLog(db DB, logger *zap.Logger) *AccessLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessLog{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("access-log"),
	}
}

// EnsureSchema creates the table and indexes when missing
func (a *AccessLog) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create access log schema: %w", err)
	}
	return nil
}

// Publish inserts e; replays of the same event id are ignored
func (a *AccessLog) Publish(ctx context.Context, e *events.Event) error {
	ctx, span := a.tracer.Start(ctx, "access_log_insert",
		trace.WithAttributes(
			attribute.String("event_type", string(e.EventType)),
			attribute.String("locator", e.Locator),
		))
	defer span.End()

	query := `
		INSERT INTO portal_access_log (id, event_type, locator, outcome, message, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	var data any
	if len(e.Data) > 0 {
		data = []byte(e.Data)
	}

	if _, err := a.db.Exec(ctx, query,
		e.ID,
		string(e.EventType),
		e.Locator,
		e.Outcome,
		e.Message,
		data,
		e.Timestamp,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write access log entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, newest first
func (a *AccessLog) Recent(ctx context.Context, limit int) ([]*events.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id::text, event_type, locator, outcome, message, data, occurred_at
		FROM portal_access_log
		ORDER BY occurred_at DESC
		LIMIT $1
	`
	rows, err := a.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := make([]*events.Event, 0, limit)
	for rows.Next() {
		var (
			e         events.Event
			eventType string
			data      []byte
		)
		if err := rows.Scan(&e.ID, &eventType, &e.Locator, &e.Outcome, &e.Message, &data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		e.EventType = events.EventType(eventType)
		e.Data = data
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup removes entries older than the retention period
func (a *AccessLog) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := a.db.Exec(ctx,
		`DELETE FROM portal_access_log WHERE occurred_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	a.logger.Debug("access log cleaned up", zap.Int64("deleted", result.RowsAffected()))
	return result.RowsAffected(), nil
}

// RunRetention deletes entries older than retention every interval until ctx is done
func (a *AccessLog) RunRetention(ctx context.Context, interval, retention time.Duration) {
	a.logger.Info("access log retention started",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Cleanup(ctx, retention); err != nil && ctx.Err() == nil {
				a.logger.Error("access log cleanup failed", zap.Error(err))
			}
		}
	}
}
