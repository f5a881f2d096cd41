package probe

import (
	"context"
	"time"
)

// Prober issues a single check against the remote for one identifier. A Prober
// belongs to exactly one session and is used by one worker at a time.
type Prober interface {
	Probe(ctx context.Context, identifier string) RawResponse
	Close() error
}

// SessionFactory establishes a fresh session and returns a Prober bound to it.
type SessionFactory interface {
	Create(ctx context.Context) (Prober, error)
}

// Classifier maps a raw response to an outcome. Implementations must be total
// and free of side effects.
type Classifier interface {
	Classify(resp RawResponse) Outcome
}

// Clock abstracts wall time and sleeping so backoff paths are testable.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// ResultWriter durably records results.
type ResultWriter interface {
	Write(ctx context.Context, result Result) error
}

// Ledger tracks which identifiers have a recorded result.
type Ledger interface {
	IsProcessed(identifier string) bool
	// MarkProcessed records the outcome and reports whether the identifier was
	// new to the ledger.
	MarkProcessed(identifier string, outcome Outcome) bool
	Processed() int
}
