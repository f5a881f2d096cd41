// Package merge consolidates the output directories of independently run
// shards into one deduplicated result set.
//
// When an identifier appears in more than one shard it is reconciled by
// outcome priority (available > taken = invalid > unknown > error > degraded)
// so a decisive answer always supersedes an inconclusive one. Every
// identifier ends up in exactly one output category.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/availability-prober/internal/atomicfile"
	"github.com/JakeFAU/availability-prober/internal/clock/system"
	"github.com/JakeFAU/availability-prober/internal/hash/sha256"
	"github.com/JakeFAU/availability-prober/internal/ledger"
	"github.com/JakeFAU/availability-prober/internal/probe"
	"github.com/JakeFAU/availability-prober/internal/sink"
)

// SummaryFile is the merge summary written next to the merged outputs.
const SummaryFile = "summary.json"

// Source describes one merged shard directory.
type Source struct {
	Dir            string             `json:"dir"`
	Shard          string             `json:"shard,omitempty"`
	Records        int                `json:"records"`
	AvailableCount int                `json:"availableCount"`
	FailedCount    int                `json:"failedCount"`
	Counts         map[probe.Kind]int `json:"counts"`
	Complete       bool               `json:"complete"`
}

// Summary is written to summary.json.
type Summary struct {
	TotalChecked   int                `json:"totalChecked"`
	AvailableCount int                `json:"availableCount"`
	FailedCount    int                `json:"failedCount"`
	Counts         map[probe.Kind]int `json:"counts"`
	ShardCount     int                `json:"shardCount"`
	// Overlaps counts identifiers reported by more than one shard.
	Overlaps int               `json:"overlaps"`
	MergedAt time.Time         `json:"mergedAt"`
	Sources  []Source          `json:"sources"`
	Files    []string          `json:"files"`
	Digests  map[string]string `json:"digests"`
}

// Config configures a Merger.
type Config struct {
	Clock  probe.Clock
	Logger *zap.Logger
}

// Merger reconciles shard outputs.
type Merger struct {
	clock  probe.Clock
	hasher *sha256.Hasher
	logger *zap.Logger
}

// New creates a Merger.
func New(cfg Config) *Merger {
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{clock: clk, hasher: sha256.New(), logger: logger.Named("merge")}
}

// FileFor is the merged output file holding outcomes of kind.
func FileFor(kind probe.Kind) string {
	return string(kind) + ".txt"
}

type entry struct {
	outcome probe.Outcome
	source  int
}

// Merge reads every shard directory in dirs and writes one file per outcome
// category plus summary.json into outDir.
func (m *Merger) Merge(ctx context.Context, dirs []string, outDir string) (Summary, error) {
	if len(dirs) == 0 {
		return Summary{}, errors.New("no shard directories to merge")
	}
	merged := make(map[string]entry)
	sources := make([]Source, 0, len(dirs))
	overlaps := make(map[string]struct{})

	for i, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return Summary{}, fmt.Errorf("merge canceled: %w", err)
		}
		src, records, err := m.readShard(dir)
		if err != nil {
			return Summary{}, err
		}
		sources = append(sources, src)
		for _, rec := range records {
			prev, seen := merged[rec.Identifier]
			if seen && prev.source != i {
				overlaps[rec.Identifier] = struct{}{}
			}
			if seen && prev.outcome.Kind.Priority() >= rec.Outcome.Kind.Priority() {
				continue
			}
			merged[rec.Identifier] = entry{outcome: rec.Outcome, source: i}
		}
	}

	byKind := make(map[probe.Kind][]string)
	for id, e := range merged {
		byKind[e.outcome.Kind] = append(byKind[e.outcome.Kind], id)
	}

	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return Summary{}, fmt.Errorf("create merge dir: %w", err)
	}
	summary := Summary{
		Counts:     make(map[probe.Kind]int),
		ShardCount: len(dirs),
		Overlaps:   len(overlaps),
		MergedAt:   m.clock.Now(),
		Sources:    sources,
		Digests:    make(map[string]string),
	}
	for _, kind := range probe.Kinds {
		ids := byKind[kind]
		if len(ids) == 0 {
			// A category left over from an earlier merge would contradict this one.
			if err := os.Remove(filepath.Join(outDir, FileFor(kind))); err != nil && !errors.Is(err, os.ErrNotExist) {
				return Summary{}, fmt.Errorf("remove stale %s: %w", FileFor(kind), err)
			}
			continue
		}
		sort.Strings(ids)
		name := FileFor(kind)
		path := filepath.Join(outDir, name)
		err := atomicfile.WriteFunc(path, func(w io.Writer) error {
			for _, id := range ids {
				if _, err := io.WriteString(w, merged[id].outcome.Line(id)+"\n"); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return Summary{}, fmt.Errorf("write %s: %w", name, err)
		}
		digest, err := m.hasher.HashFile(path)
		if err != nil {
			return Summary{}, err
		}
		summary.Files = append(summary.Files, name)
		summary.Digests[name] = digest
		summary.Counts[kind] = len(ids)
		summary.TotalChecked += len(ids)
		if kind == probe.KindAvailable {
			summary.AvailableCount = len(ids)
		} else {
			summary.FailedCount += len(ids)
		}
	}

	if err := verifyDisjoint(outDir, len(merged)); err != nil {
		return Summary{}, err
	}

	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return Summary{}, fmt.Errorf("marshal summary: %w", err)
	}
	if err := atomicfile.Write(filepath.Join(outDir, SummaryFile), append(payload, '\n')); err != nil {
		return Summary{}, fmt.Errorf("write summary: %w", err)
	}
	m.logger.Info("merged shards",
		zap.Int("shards", summary.ShardCount),
		zap.Int("total_checked", summary.TotalChecked),
		zap.Int("available", summary.AvailableCount),
		zap.Int("overlaps", summary.Overlaps),
	)
	return summary, nil
}

func (m *Merger) readShard(dir string) (Source, []sink.Record, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Source{}, nil, fmt.Errorf("shard %s: %w", dir, err)
	}
	if !info.IsDir() {
		return Source{}, nil, fmt.Errorf("shard %s is not a directory", dir)
	}
	records, err := sink.ReadDir(dir)
	if err != nil {
		return Source{}, nil, fmt.Errorf("shard %s: %w", dir, err)
	}

	src := Source{Dir: dir, Records: len(records), Counts: make(map[probe.Kind]int)}
	for _, rec := range records {
		src.Counts[rec.Outcome.Kind]++
		if rec.Outcome.Kind == probe.KindAvailable {
			src.AvailableCount++
		} else {
			src.FailedCount++
		}
	}
	progress, err := ledger.Load(dir)
	switch {
	case err == nil:
		src.Shard = progress.Shard
		src.Complete = progress.Complete
	case errors.Is(err, os.ErrNotExist):
		m.logger.Warn("shard has no progress file", zap.String("dir", dir))
	default:
		return Source{}, nil, err
	}
	return src, records, nil
}

// verifyDisjoint reads back every category file in outDir and checks that each
// identifier appears in exactly one of them and that want identifiers were
// written in total.
func verifyDisjoint(outDir string, want int) error {
	seen := make(map[string]string)
	for _, kind := range probe.Kinds {
		name := FileFor(kind)
		records, err := sink.ReadFile(filepath.Join(outDir, name))
		if err != nil {
			return fmt.Errorf("verify %s: %w", name, err)
		}
		for _, rec := range records {
			if other, dup := seen[rec.Identifier]; dup {
				return fmt.Errorf("identifier %q merged into both %s and %s", rec.Identifier, other, name)
			}
			seen[rec.Identifier] = name
		}
	}
	if len(seen) != want {
		return fmt.Errorf("merged files hold %d identifiers, want %d", len(seen), want)
	}
	return nil
}
