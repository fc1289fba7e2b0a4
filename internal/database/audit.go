// internal/database/audit.go

// Package database archives terminal session records to Postgres for the
// audit window. The archive is optional: without a DATABASE_URL the engine
// runs bus-only and terminal records live only in the bus with a TTL.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bananabit-dev/bevygap/internal/models"
)

// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS session_audit (
//	    session_id     text PRIMARY KEY,
//	    room_id        text NOT NULL,
//	    state          text NOT NULL,
//	    deployment_id  text,
//	    endpoint       text,
//	    retry_count    int NOT NULL,
//	    failure_reason text,
//	    created_at     timestamptz NOT NULL,
//	    updated_at     timestamptz NOT NULL
//	);

// execer is the slice of pgxpool.Pool the store needs; pgxmock satisfies it
// in tests.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditStore writes terminal session records.
type AuditStore struct {
	db execer
}

// Connect opens a pgx pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*AuditStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return &AuditStore{db: pool}, nil
}

// NewWithDB builds a store around an existing connection; used by tests.
func NewWithDB(db execer) *AuditStore {
	return &AuditStore{db: db}
}

// ArchiveSession upserts one terminal session record. Re-archiving the same
// session (terminal snapshots are immutable) is harmless.
func (s *AuditStore) ArchiveSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_audit
			(session_id, room_id, state, deployment_id, endpoint, retry_count, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.RoomID, string(sess.State), sess.DeploymentID, sess.Endpoint,
		sess.RetryCount, sess.FailureReason, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("database: archiving session %s: %w", sess.ID, err)
	}
	return nil
}
