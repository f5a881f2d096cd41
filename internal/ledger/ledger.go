// Package ledger tracks which identifiers of a shard have a recorded result.
//
// The processed set is always rebuilt from the shard's result files, which are
// the ground truth. progress.json is a human- and merge-facing summary written
// atomically; it is never used to decide what still needs probing.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JakeFAU/availability-prober/internal/atomicfile"
	"github.com/JakeFAU/availability-prober/internal/clock/system"
	"github.com/JakeFAU/availability-prober/internal/probe"
	"github.com/JakeFAU/availability-prober/internal/sink"
)

// ProgressFile is the summary file name inside a shard output directory.
const ProgressFile = "progress.json"

// Summary is the durable progress document.
type Summary struct {
	Shard          string             `json:"shard"`
	RunID          string             `json:"runId,omitempty"`
	TotalInput     int                `json:"totalInput"`
	TotalChecked   int                `json:"totalChecked"`
	AvailableCount int                `json:"availableCount"`
	FailedCount    int                `json:"failedCount"`
	Errors         int                `json:"errors"`
	Counts         map[probe.Kind]int `json:"counts"`
	Complete       bool               `json:"complete"`
	StartedAt      time.Time          `json:"startedAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Config configures a Ledger.
type Config struct {
	Dir        string
	Shard      string
	RunID      string
	TotalInput int
	Clock      probe.Clock
}

// Ledger implements probe.Ledger.
type Ledger struct {
	dir   string
	shard string
	runID string
	clock probe.Clock

	mu        sync.RWMutex
	total     int
	processed map[string]probe.Kind
	counts    map[probe.Kind]int
	complete  bool
	startedAt time.Time
}

// New creates an empty ledger.
func New(cfg Config) *Ledger {
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	return &Ledger{
		dir:       cfg.Dir,
		shard:     cfg.Shard,
		runID:     cfg.RunID,
		clock:     clk,
		total:     cfg.TotalInput,
		processed: make(map[string]probe.Kind),
		counts:    make(map[probe.Kind]int),
		startedAt: clk.Now(),
	}
}

// Restore rebuilds the processed set from result records and returns how many
// distinct identifiers it now holds. When an identifier appears more than once
// the highest-priority outcome is kept.
func (l *Ledger) Restore(records []sink.Record) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		prev, seen := l.processed[rec.Identifier]
		if seen && prev.Priority() >= rec.Outcome.Kind.Priority() {
			continue
		}
		if seen {
			l.counts[prev]--
		}
		l.processed[rec.Identifier] = rec.Outcome.Kind
		l.counts[rec.Outcome.Kind]++
	}
	return len(l.processed)
}

// IsProcessed reports whether id already has a recorded result.
func (l *Ledger) IsProcessed(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.processed[id]
	return ok
}

// MarkProcessed records the outcome for id. Repeated calls for the same id
// are ignored and return false.
func (l *Ledger) MarkProcessed(id string, outcome probe.Outcome) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.processed[id]; ok {
		return false
	}
	l.processed[id] = outcome.Kind
	l.counts[outcome.Kind]++
	return true
}

// Processed is the number of distinct identifiers with a result.
func (l *Ledger) Processed() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.processed)
}

// Total is the size of the shard input.
func (l *Ledger) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// SetTotal updates the shard input size.
func (l *Ledger) SetTotal(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total = n
}

// Counts returns a copy of the per-kind counters.
func (l *Ledger) Counts() map[probe.Kind]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.countsLocked()
}

func (l *Ledger) countsLocked() map[probe.Kind]int {
	out := make(map[probe.Kind]int, len(l.counts))
	for k, v := range l.counts {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// MarkComplete flags the shard as finished; the next Snapshot records it.
func (l *Ledger) MarkComplete() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.complete = true
}

// Summary builds the current progress document.
func (l *Ledger) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := l.countsLocked()
	checked := len(l.processed)
	return Summary{
		Shard:          l.shard,
		RunID:          l.runID,
		TotalInput:     l.total,
		TotalChecked:   checked,
		AvailableCount: counts[probe.KindAvailable],
		FailedCount:    checked - counts[probe.KindAvailable],
		Errors:         counts[probe.KindError],
		Counts:         counts,
		Complete:       l.complete,
		StartedAt:      l.startedAt,
		UpdatedAt:      l.clock.Now(),
	}
}

// Snapshot atomically writes progress.json.
func (l *Ledger) Snapshot() error {
	if l.dir == "" {
		return errors.New("ledger dir is required for snapshots")
	}
	payload, err := json.MarshalIndent(l.Summary(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := atomicfile.Write(filepath.Join(l.dir, ProgressFile), append(payload, '\n')); err != nil {
		return fmt.Errorf("snapshot progress: %w", err)
	}
	return nil
}

// Load reads progress.json from dir.
func Load(dir string) (Summary, error) {
	path := filepath.Join(dir, ProgressFile)
	data, err := os.ReadFile(path) // #nosec G304 -- path built from a shard output dir.
	if err != nil {
		return Summary{}, fmt.Errorf("read %s: %w", path, err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return s, nil
}

// Recover builds a ledger for dir from its result files.
func Recover(cfg Config) (*Ledger, error) {
	records, err := sink.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("recover ledger: %w", err)
	}
	l := New(cfg)
	l.Restore(records)
	return l, nil
}
