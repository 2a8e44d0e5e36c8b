// Package sqlite implements visor.ScheduleBackend using pure-Go SQLite.
// Zero CGO required. Locks are enforced transactionally, so several
// processes sharing one database file coordinate correctly; for multi-host
// HA use store/postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/probelabs/visor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements visor.ScheduleBackend and visor.LockBackend backed by a
// local SQLite file. Schedules are stored as JSON rows with the queryable
// columns broken out.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ visor.ScheduleBackend = (*Store)(nil)
var _ visor.LockBackend = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: schedule store opened", "path", dbPath)
	return s
}

// Init creates the schedules and schedule_locks tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			next_run_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due
			ON schedules (status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS schedule_locks (
			schedule_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			holder_node_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Flush is a no-op: every write commits immediately.
func (s *Store) Flush(context.Context) error { return nil }

// Put inserts or replaces a schedule row.
func (s *Store) Put(ctx context.Context, sched visor.Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("sqlite: encode schedule %s: %w", sched.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, status, next_run_at, updated_at, data)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			next_run_at = excluded.next_run_at,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		sched.ID, string(sched.Status), sched.NextRunAt, sched.UpdatedAt, string(data))
	if err != nil {
		return fmt.Errorf("sqlite: put schedule %s: %w", sched.ID, err)
	}
	s.logger.Debug("sqlite: schedule saved", "id", sched.ID, "status", string(sched.Status))
	return nil
}

// Get returns one schedule by id.
func (s *Store) Get(ctx context.Context, id string) (visor.Schedule, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM schedules WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return visor.Schedule{}, false, nil
	}
	if err != nil {
		return visor.Schedule{}, false, fmt.Errorf("sqlite: get schedule %s: %w", id, err)
	}
	var sched visor.Schedule
	if err := json.Unmarshal([]byte(data), &sched); err != nil {
		return visor.Schedule{}, false, fmt.Errorf("sqlite: decode schedule %s: %w", id, err)
	}
	return sched, true, nil
}

// All returns every schedule.
func (s *Store) All(ctx context.Context) ([]visor.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM schedules ORDER BY next_run_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list schedules: %w", err)
	}
	defer rows.Close()

	var out []visor.Schedule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan schedule: %w", err)
		}
		var sched visor.Schedule
		if err := json.Unmarshal([]byte(data), &sched); err != nil {
			return nil, fmt.Errorf("sqlite: decode schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// Delete removes a schedule and its lock row.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete schedule %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedule_locks WHERE schedule_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete lock %s: %w", id, err)
	}
	return nil
}

// --- HA locks ---

// TryAcquireLock takes the per-schedule lock inside a transaction: the row
// is claimed when absent or expired, refused while another holder's TTL is
// current.
func (s *Store) TryAcquireLock(ctx context.Context, scheduleID, nodeID string, ttl time.Duration) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("sqlite: begin lock tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	var holder string
	var expiresAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT holder_node_id, expires_at FROM schedule_locks WHERE schedule_id = ?`,
		scheduleID).Scan(&holder, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// free
	case err != nil:
		return "", false, fmt.Errorf("sqlite: read lock %s: %w", scheduleID, err)
	case expiresAt > now:
		s.logger.Debug("sqlite: lock held", "scheduleId", scheduleID, "holder", holder)
		return "", false, nil
	}

	token := visor.NewID()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schedule_locks (schedule_id, token, holder_node_id, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(schedule_id) DO UPDATE SET
			token = excluded.token,
			holder_node_id = excluded.holder_node_id,
			expires_at = excluded.expires_at`,
		scheduleID, token, nodeID, now+ttl.Milliseconds())
	if err != nil {
		return "", false, fmt.Errorf("sqlite: acquire lock %s: %w", scheduleID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("sqlite: commit lock %s: %w", scheduleID, err)
	}
	return token, true, nil
}

// RenewLock extends a held lock's TTL. Returns false when the token no
// longer matches or the lock already expired.
func (s *Store) RenewLock(ctx context.Context, scheduleID, token string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_locks SET expires_at = ?
		 WHERE schedule_id = ? AND token = ? AND expires_at > ?`,
		now+ttl.Milliseconds(), scheduleID, token, now)
	if err != nil {
		return false, fmt.Errorf("sqlite: renew lock %s: %w", scheduleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: renew lock %s: %w", scheduleID, err)
	}
	return n > 0, nil
}

// ReleaseLock drops the lock when the token still matches.
func (s *Store) ReleaseLock(ctx context.Context, scheduleID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_locks WHERE schedule_id = ? AND token = ?`,
		scheduleID, token)
	if err != nil {
		return fmt.Errorf("sqlite: release lock %s: %w", scheduleID, err)
	}
	return nil
}
