package replay

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const createReplayTable = `
CREATE TABLE IF NOT EXISTS replay_records (
	record_key TEXT PRIMARY KEY,
	expires_at BIGINT NOT NULL
)`

// An existing row is only overwritten once it has expired, and RowsAffected
// tells a fresh delivery (1) from a replay (0).
const upsertReplayRecord = `
INSERT INTO replay_records (record_key, expires_at)
VALUES (?, ?)
ON CONFLICT (record_key) DO UPDATE
SET expires_at = excluded.expires_at
WHERE replay_records.expires_at <= ?`

const purgeReplayRecords = `DELETE FROM replay_records WHERE expires_at <= ?`

// SQLGuard records deliveries in a replay_records table.
// It works with both the postgres and sqlite3 drivers.
type SQLGuard struct {
	db   *sqlx.DB
	opts Options
}

// NewSQLGuard creates a new SQLGuard instance
func NewSQLGuard(db *sqlx.DB, opts Options) *SQLGuard {
	return &SQLGuard{db: db, opts: opts.withDefaults()}
}

// Migrate creates the replay_records table if it does not exist
func (g *SQLGuard) Migrate(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, createReplayTable); err != nil {
		return fmt.Errorf("failed to create replay_records table: %w", err)
	}
	return nil
}

func (g *SQLGuard) CheckAndRecord(ctx context.Context, id, processedAt string) (bool, error) {
	key := Key(g.opts.Prefix, id, processedAt)
	now := g.opts.Now()

	result, err := g.db.ExecContext(ctx, g.db.Rebind(upsertReplayRecord),
		key, now.Add(g.opts.TTL).Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record delivery %s: %w", key, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// Purge deletes expired records and returns how many were removed
func (g *SQLGuard) Purge(ctx context.Context) (int64, error) {
	result, err := g.db.ExecContext(ctx, g.db.Rebind(purgeReplayRecords), g.opts.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge replay records: %w", err)
	}
	return result.RowsAffected()
}
