package trace

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tidefall/tact/internal/logical"
)

//go:embed schema.sql
var schemaSQL string

// Store persists traces in SQLite. WAL mode allows readers while a
// run is still writing; a single connection avoids SQLITE_BUSY from
// concurrent writers.
type Store struct {
	db *sql.DB
}

// Open creates or opens the trace database at path. Idempotent:
// pragmas and schema apply on every open.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect trace store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply trace schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WriteRun records a run's metadata. Duplicate ids are ignored so a
// retried write stays idempotent.
func (s *Store) WriteRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, program, started_at, workers, policy, hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID.String(), r.Program, r.StartedAt.UnixNano(), r.Workers, r.Policy, r.Hash)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// SetRunHash stamps a run with its determinism hash once the run has
// finished.
func (s *Store) SetRunHash(ctx context.Context, id uuid.UUID, hash string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE runs SET hash = ? WHERE id = ?`, hash, id.String()); err != nil {
		return fmt.Errorf("set run hash: %w", err)
	}
	return nil
}

// WriteLog persists an entire in-memory trace under one run id, in a
// single transaction.
func (s *Store) WriteLog(ctx context.Context, id uuid.UUID, log *Log) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write trace: begin: %w", err)
	}
	defer tx.Rollback()

	rstmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reactions (run_id, seq, time, microstep, reaction, level, worker, deadline_miss)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	defer rstmt.Close()
	for _, r := range log.Reactions() {
		if _, err := rstmt.ExecContext(ctx, id.String(), r.Seq, r.Tag.Time, r.Tag.Microstep, r.Name, r.Level, r.Worker, r.DeadlineMiss); err != nil {
			return fmt.Errorf("write reaction %d: %w", r.Seq, err)
		}
	}

	estmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (run_id, seq, time, microstep, trigger)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	defer estmt.Close()
	for _, e := range log.Events() {
		if _, err := estmt.ExecContext(ctx, id.String(), e.Seq, e.Tag.Time, e.Tag.Microstep, e.Trigger); err != nil {
			return fmt.Errorf("write event %d: %w", e.Seq, err)
		}
	}
	return tx.Commit()
}

// ReadRun fetches one run's metadata.
func (s *Store) ReadRun(ctx context.Context, id uuid.UUID) (Run, error) {
	var r Run
	var rawID string
	var startedNS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, program, started_at, workers, policy, hash FROM runs WHERE id = ?
	`, id.String()).Scan(&rawID, &r.Program, &startedNS, &r.Workers, &r.Policy, &r.Hash)
	if err != nil {
		return Run{}, fmt.Errorf("read run %s: %w", id, err)
	}
	r.ID, err = uuid.Parse(rawID)
	if err != nil {
		return Run{}, fmt.Errorf("read run %s: %w", id, err)
	}
	r.StartedAt = time.Unix(0, startedNS)
	return r, nil
}

// ListRuns returns all runs, most recent first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, program, started_at, workers, policy, hash
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var rawID string
		var startedNS int64
		if err := rows.Scan(&rawID, &r.Program, &startedNS, &r.Workers, &r.Policy, &r.Hash); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		if r.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		r.StartedAt = time.Unix(0, startedNS)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ReadReactions returns a run's reaction records in sequence order.
func (s *Store) ReadReactions(ctx context.Context, id uuid.UUID) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, time, microstep, reaction, level, worker, deadline_miss
		FROM reactions WHERE run_id = ? ORDER BY seq
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("read reactions: %w", err)
	}
	defer rows.Close()

	var recs []Reaction
	for rows.Next() {
		var r Reaction
		var t int64
		var m uint32
		if err := rows.Scan(&r.Seq, &t, &m, &r.Name, &r.Level, &r.Worker, &r.DeadlineMiss); err != nil {
			return nil, fmt.Errorf("read reactions: %w", err)
		}
		r.Tag = logical.Tag{Time: t, Microstep: m}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ReadEvents returns a run's event records in sequence order.
func (s *Store) ReadEvents(ctx context.Context, id uuid.UUID) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, time, microstep, trigger
		FROM events WHERE run_id = ? ORDER BY seq
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var recs []Event
	for rows.Next() {
		var e Event
		var t int64
		var m uint32
		if err := rows.Scan(&e.Seq, &t, &m, &e.Trigger); err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		e.Tag = logical.Tag{Time: t, Microstep: m}
		recs = append(recs, e)
	}
	return recs, rows.Err()
}
