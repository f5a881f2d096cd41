// Package postgres mirrors shard runs and probe results into Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/availability-prober/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	RunsTable       string
	ResultsTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// ResultStore implements store.ResultRepository.
type ResultStore struct {
	pool    dbPool
	runs    string
	results string
}

var _ store.ResultRepository = (*ResultStore)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.RunsTable, cfg.ResultsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool builds a store over an existing pool (primarily for testing).
func NewWithPool(pool dbPool, runsTable, resultsTable string) (*ResultStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if runsTable == "" {
		runsTable = "probe_runs"
	}
	if resultsTable == "" {
		resultsTable = "probe_results"
	}
	for _, t := range []string{runsTable, resultsTable} {
		if !validTableName.MatchString(t) {
			return nil, fmt.Errorf("invalid table name %q", t)
		}
	}
	return &ResultStore{pool: pool, runs: runsTable, results: resultsTable}, nil
}

// Close releases the pool.
func (s *ResultStore) Close() {
	s.pool.Close()
}

// UpsertRunStart records a run as running. Restarting a run reopens it.
func (s *ResultStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, shard string, startedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, shard, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, finished_at = NULL, error_message = NULL;
	`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID, shard, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished.
func (s *ResultStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`, s.runs)
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InsertResults upserts rows in one transaction. The latest write wins per
// (shard, identifier).
func (s *ResultStore) InsertResults(ctx context.Context, runID uuid.UUID, rows []store.ResultRow) (err error) {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin results tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, shard, identifier, outcome, attempts, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (shard, identifier) DO UPDATE
		SET run_id = EXCLUDED.run_id, outcome = EXCLUDED.outcome,
			attempts = EXCLUDED.attempts, checked_at = EXCLUDED.checked_at;
	`, s.results)
	for _, row := range rows {
		if _, err = tx.Exec(ctx, query, runID, row.Shard, row.Identifier, row.Outcome, row.Attempts, row.CheckedAt); err != nil {
			return fmt.Errorf("insert result %s: %w", row.Identifier, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit results: %w", err)
	}
	return nil
}

// GetRun loads one run.
func (s *ResultStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`
		SELECT id, shard, started_at, finished_at, status, error_message
		FROM %s
		WHERE id = $1;
	`, s.runs)
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.Shard,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}
