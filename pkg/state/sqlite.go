package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lockPollInterval is how often a waiting run re-checks the lock row.
const lockPollInterval = 250 * time.Millisecond

// SQLiteStore implements Store and HistoryStore on a single SQLite database
// file. The migrations table carries the schema version, making the file
// self-describing.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// LockTimeout bounds how long Lock waits for a held lock before
	// failing. Zero fails immediately.
	LockTimeout time.Duration

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db

	if err := s.migrate(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs the embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Load returns all resource records keyed by ID.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, external_id, attrs, depends_on, updated_at
		FROM resources`)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make(map[string]*Record)
	for rows.Next() {
		var (
			rec      Record
			attrsRaw string
			depsRaw  string
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Name, &rec.ExternalID, &attrsRaw, &depsRaw, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state record: %w", err)
		}

		attrs, err := UnmarshalAttrs([]byte(attrsRaw))
		if err != nil {
			return nil, fmt.Errorf("corrupt attributes for resource %s: %w", rec.ID, err)
		}
		rec.Attrs = attrs

		deps, err := unmarshalDeps(depsRaw)
		if err != nil {
			return nil, fmt.Errorf("corrupt dependency list for resource %s: %w", rec.ID, err)
		}
		rec.DependsOn = deps

		records[rec.ID] = &rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	return records, nil
}

// Commit durably persists one record inside a serializable transaction.
func (s *SQLiteStore) Commit(ctx context.Context, rec *Record) error {
	attrsRaw, err := MarshalAttrs(rec.Attrs)
	if err != nil {
		return fmt.Errorf("failed to serialize resource %s: %w", rec.ID, err)
	}
	depsRaw, err := marshalDeps(rec.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to serialize dependencies of %s: %w", rec.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resources (id, kind, name, external_id, attrs, depends_on, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			external_id = excluded.external_id,
			attrs = excluded.attrs,
			depends_on = excluded.depends_on,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Kind, rec.Name, rec.ExternalID, string(attrsRaw), depsRaw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to commit resource %s: %w", rec.ID, err)
	}

	return tx.Commit()
}

// Remove deletes the record with the given ID.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove resource %s: %w", id, err)
	}
	return nil
}

// Lock acquires the exclusive store lock. When the lock is held it polls
// until the configured bound elapses, then fails with a LockHeldError.
func (s *SQLiteStore) Lock(ctx context.Context, operation string) (*LockInfo, error) {
	info := &LockInfo{
		ID:         uuid.New().String(),
		Holder:     lockHolder(),
		Operation:  operation,
		AcquiredAt: time.Now().UTC(),
	}

	deadline := time.Now().Add(s.cfg.LockTimeout)
	for {
		acquired, held, err := s.tryLock(ctx, info)
		if err != nil {
			return nil, err
		}
		if acquired {
			return info, nil
		}

		if time.Now().After(deadline) {
			return nil, held
		}

		select {
		case <-time.After(lockPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryLock attempts one lock acquisition. When the lock is held it returns
// the LockHeldError describing the holder.
func (s *SQLiteStore) tryLock(ctx context.Context, info *LockInfo) (bool, *LockHeldError, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, nil, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		holder     string
		heldOp     string
		acquiredAt time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT holder, operation, acquired_at FROM locks WHERE name = 'state'`).
		Scan(&holder, &heldOp, &acquiredAt)
	switch {
	case err == nil:
		return false, &LockHeldError{Holder: holder, Operation: heldOp, AcquiredAt: acquiredAt}, nil
	case errors.Is(err, sql.ErrNoRows):
		// Lock is free.
	default:
		return false, nil, fmt.Errorf("failed to inspect lock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO locks (name, lock_id, holder, operation, acquired_at)
		VALUES ('state', ?, ?, ?, ?)`,
		info.ID, info.Holder, info.Operation, info.AcquiredAt)
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return true, nil, nil
}

// Unlock releases a lock acquired by this process.
func (s *SQLiteStore) Unlock(ctx context.Context, lockID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = 'state' AND lock_id = ?`, lockID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("lock %s is not held by this process", lockID)
	}
	return nil
}

// lockHolder identifies the current process for lock diagnostics.
func lockHolder() string {
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s@%s pid %d", username, hostname, os.Getpid())
}

// SaveRun inserts or updates a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, operation, status, started_at, completed_at, error,
			created, updated, deleted, replaced, unchanged, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			error = excluded.error,
			created = excluded.created,
			updated = excluded.updated,
			deleted = excluded.deleted,
			replaced = excluded.replaced,
			unchanged = excluded.unchanged,
			failed = excluded.failed`,
		run.ID, run.Operation, run.Status, run.StartedAt, run.CompletedAt, nullable(run.Error),
		run.Summary.Created, run.Summary.Updated, run.Summary.Deleted,
		run.Summary.Replaced, run.Summary.Unchanged, run.Summary.Failed)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var errText sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, operation, status, started_at, completed_at, error,
			created, updated, deleted, replaced, unchanged, failed
		FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Operation, &run.Status, &run.StartedAt, &run.CompletedAt, &errText,
			&run.Summary.Created, &run.Summary.Updated, &run.Summary.Deleted,
			&run.Summary.Replaced, &run.Summary.Unchanged, &run.Summary.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	run.Error = errText.String
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, status, started_at, completed_at, error,
			created, updated, deleted, replaced, unchanged, failed
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var errText sql.NullString
		if err := rows.Scan(&run.ID, &run.Operation, &run.Status, &run.StartedAt, &run.CompletedAt, &errText,
			&run.Summary.Created, &run.Summary.Updated, &run.Summary.Deleted,
			&run.Summary.Replaced, &run.Summary.Unchanged, &run.Summary.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Error = errText.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendEvent appends one event to the run log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, resource_id, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.ResourceID, event.Level, event.Message, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns all events for a run in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, resource_id, level, message, timestamp
		FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		if err := rows.Scan(&event.ID, &event.RunID, &event.ResourceID, &event.Level, &event.Message, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// nullable converts an empty string to NULL for storage.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
