package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStatus mirrors the probe_runs status column.
type RunStatus string

// Run statuses persisted in probe_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one shard run.
type Run struct {
	ID         uuid.UUID
	Shard      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// ResultRow is one mirrored result. Outcome is "kind" or "kind:detail".
type ResultRow struct {
	Shard      string
	Identifier string
	Outcome    string
	Attempts   int
	CheckedAt  time.Time
}

// ResultRepository mirrors run lifecycle and results.
type ResultRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the run row.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, shard string, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// InsertResults upserts a batch of results keyed by (shard, identifier).
	InsertResults(ctx context.Context, runID uuid.UUID, rows []ResultRow) error
	// GetRun loads a run by id.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
}
