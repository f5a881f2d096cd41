package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/availability-prober/internal/probe"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunHB          Stage = "RUN_HEARTBEAT"
	StageRunDone        Stage = "RUN_DONE"
	StageRunError       Stage = "RUN_ERROR"
	StageResult         Stage = "RESULT"
	StageSessionRefresh Stage = "SESSION_REFRESH"
)

// Event captures a single component of shard progress.
type Event struct {
	// RunID uniquely identifies a shard run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Shard labels the input partition being processed.
	Shard string
	// Identifier is set on RESULT events.
	Identifier string
	// Outcome is the recorded kind on RESULT events.
	Outcome probe.Kind
	// Detail carries the outcome detail on RESULT events.
	Detail string
	// Attempts is the number of probes spent on the identifier.
	Attempts int
	// Processed and Total carry heartbeat counters.
	Processed int64
	Total     int64
	// Dur captures run wall time on completion events.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunHB, StageRunDone, StageRunError, StageSessionRefresh:
	case StageResult:
		if e.Identifier == "" {
			return errors.New("result requires identifier")
		}
		if !e.Outcome.Valid() {
			return fmt.Errorf("result has unknown outcome %q", e.Outcome)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// OutcomeString renders "kind" or "kind:detail".
func (e Event) OutcomeString() string {
	return probe.Outcome{Kind: e.Outcome, Detail: e.Detail}.String()
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ResultEvent builds a RESULT event for r.
func ResultEvent(runID [16]byte, r probe.Result) Event {
	return Event{
		RunID:      runID,
		TS:         r.Timestamp,
		Stage:      StageResult,
		Shard:      r.Shard,
		Identifier: r.Identifier,
		Outcome:    r.Outcome.Kind,
		Detail:     r.Outcome.Detail,
		Attempts:   r.Attempts,
	}
}
