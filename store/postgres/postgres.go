// Package postgres implements visor.ScheduleBackend using PostgreSQL.
// The locks table makes it the backend of choice for HA deployments:
// several scheduler nodes share one database and at most one of them fires
// a given schedule.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/probelabs/visor"
)

// Store implements visor.ScheduleBackend and visor.LockBackend backed by
// PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ visor.ScheduleBackend = (*Store)(nil)
var _ visor.LockBackend = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the schedules and schedule_locks tables.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			next_run_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due
			ON schedules (status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS schedule_locks (
			schedule_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			holder_node_id TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: create table: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error { return nil }

// Flush is a no-op: every write commits immediately.
func (s *Store) Flush(context.Context) error { return nil }

// Put inserts or replaces a schedule row.
func (s *Store) Put(ctx context.Context, sched visor.Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("postgres: encode schedule %s: %w", sched.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO schedules (id, status, next_run_at, updated_at, data)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = EXCLUDED.updated_at,
			data = EXCLUDED.data`,
		sched.ID, string(sched.Status), sched.NextRunAt, sched.UpdatedAt, data)
	if err != nil {
		return fmt.Errorf("postgres: put schedule %s: %w", sched.ID, err)
	}
	return nil
}

// Get returns one schedule by id.
func (s *Store) Get(ctx context.Context, id string) (visor.Schedule, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM schedules WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return visor.Schedule{}, false, nil
	}
	if err != nil {
		return visor.Schedule{}, false, fmt.Errorf("postgres: get schedule %s: %w", id, err)
	}
	var sched visor.Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return visor.Schedule{}, false, fmt.Errorf("postgres: decode schedule %s: %w", id, err)
	}
	return sched, true, nil
}

// All returns every schedule.
func (s *Store) All(ctx context.Context) ([]visor.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM schedules ORDER BY next_run_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list schedules: %w", err)
	}
	defer rows.Close()

	var out []visor.Schedule
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan schedule: %w", err)
		}
		var sched visor.Schedule
		if err := json.Unmarshal(data, &sched); err != nil {
			return nil, fmt.Errorf("postgres: decode schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// Delete removes a schedule and its lock row.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete schedule %s: %w", id, err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM schedule_locks WHERE schedule_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete lock %s: %w", id, err)
	}
	return nil
}

// --- HA locks ---

// TryAcquireLock claims the per-schedule lock inside a transaction. The lock
// row is read FOR UPDATE, so two nodes racing on the same schedule serialize
// and exactly one wins.
func (s *Store) TryAcquireLock(ctx context.Context, scheduleID, nodeID string, ttl time.Duration) (string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("postgres: begin lock tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UnixMilli()
	var holder string
	var expiresAt int64
	err = tx.QueryRow(ctx,
		`SELECT holder_node_id, expires_at FROM schedule_locks
		 WHERE schedule_id = $1 FOR UPDATE`,
		scheduleID).Scan(&holder, &expiresAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// free
	case err != nil:
		return "", false, fmt.Errorf("postgres: read lock %s: %w", scheduleID, err)
	case expiresAt > now:
		return "", false, nil
	}

	token := visor.NewID()
	_, err = tx.Exec(ctx,
		`INSERT INTO schedule_locks (schedule_id, token, holder_node_id, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (schedule_id) DO UPDATE SET
			token = EXCLUDED.token,
			holder_node_id = EXCLUDED.holder_node_id,
			expires_at = EXCLUDED.expires_at`,
		scheduleID, token, nodeID, now+ttl.Milliseconds())
	if err != nil {
		return "", false, fmt.Errorf("postgres: acquire lock %s: %w", scheduleID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("postgres: commit lock %s: %w", scheduleID, err)
	}
	return token, true, nil
}

// RenewLock extends a held lock's TTL. Returns false when the token no
// longer matches or the lock already expired.
func (s *Store) RenewLock(ctx context.Context, scheduleID, token string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedule_locks SET expires_at = $1
		 WHERE schedule_id = $2 AND token = $3 AND expires_at > $4`,
		now+ttl.Milliseconds(), scheduleID, token, now)
	if err != nil {
		return false, fmt.Errorf("postgres: renew lock %s: %w", scheduleID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLock drops the lock when the token still matches.
func (s *Store) ReleaseLock(ctx context.Context, scheduleID, token string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM schedule_locks WHERE schedule_id = $1 AND token = $2`,
		scheduleID, token)
	if err != nil {
		return fmt.Errorf("postgres: release lock %s: %w", scheduleID, err)
	}
	return nil
}
