package merge

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/availability-prober/internal/hash/sha256"
	"github.com/JakeFAU/availability-prober/internal/ledger"
	"github.com/JakeFAU/availability-prober/internal/probe"
	"github.com/JakeFAU/availability-prober/internal/sink"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func (fixedClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

var mergedAt = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func writeShard(t *testing.T, available, failed string) string {
	t.Helper()
	dir := t.TempDir()
	if available != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, sink.AvailableFile), []byte(available), 0o600))
	}
	if failed != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, sink.FailedFile), []byte(failed), 0o600))
	}
	return dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestMergePrefersDecisiveOutcome(t *testing.T) {
	t.Parallel()
	a := writeShard(t, "", "dup\tdegraded\n")
	b := writeShard(t, "dup\n", "")
	out := t.TempDir()

	summary, err := New(Config{Clock: fixedClock{mergedAt}}).Merge(context.Background(), []string{a, b}, out)
	require.NoError(t, err)

	assert.Equal(t, "dup\n", readFile(t, filepath.Join(out, FileFor(probe.KindAvailable))))
	assert.NoFileExists(t, filepath.Join(out, FileFor(probe.KindDegraded)))
	assert.Equal(t, 1, summary.TotalChecked)
	assert.Equal(t, 1, summary.Overlaps)
	assert.Equal(t, map[probe.Kind]int{probe.KindAvailable: 1}, summary.Counts)
}

func TestMergeConsolidatesShards(t *testing.T) {
	t.Parallel()
	a := writeShard(t, "good1\ngood2\n", "bad1\ttaken\nodd\tunknown:<html>\n")
	b := writeShard(t, "good3\n", "short\tinvalid:too short\nflaky\terror:timeout\nbad1\ttaken\n")
	c := writeShard(t, "", "slow\tdegraded\nflaky\tdegraded\n")
	out := filepath.Join(t.TempDir(), "merged")

	summary, err := New(Config{Clock: fixedClock{mergedAt}}).Merge(context.Background(), []string{a, b, c}, out)
	require.NoError(t, err)

	assert.Equal(t, "good1\ngood2\ngood3\n", readFile(t, filepath.Join(out, "available.txt")))
	assert.Equal(t, "bad1\ttaken\n", readFile(t, filepath.Join(out, "taken.txt")))
	assert.Equal(t, "short\tinvalid:too short\n", readFile(t, filepath.Join(out, "invalid.txt")))
	assert.Equal(t, "odd\tunknown:<html>\n", readFile(t, filepath.Join(out, "unknown.txt")))
	assert.Equal(t, "flaky\terror:timeout\n", readFile(t, filepath.Join(out, "error.txt")))
	assert.Equal(t, "slow\tdegraded\n", readFile(t, filepath.Join(out, "degraded.txt")))

	assert.Equal(t, 8, summary.TotalChecked)
	assert.Equal(t, 3, summary.AvailableCount)
	assert.Equal(t, 5, summary.FailedCount)
	assert.Equal(t, 3, summary.ShardCount)
	assert.Equal(t, 2, summary.Overlaps)
	assert.Equal(t, mergedAt, summary.MergedAt)
	require.Len(t, summary.Sources, 3)
	assert.Equal(t, 4, summary.Sources[0].Records)

	digest, err := sha256.New().HashFile(filepath.Join(out, "available.txt"))
	require.NoError(t, err)
	assert.Equal(t, digest, summary.Digests["available.txt"])

	var onDisk Summary
	require.NoError(t, json.Unmarshal([]byte(readFile(t, filepath.Join(out, SummaryFile))), &onDisk))
	assert.Equal(t, summary.TotalChecked, onDisk.TotalChecked)
	assert.Equal(t, summary.Counts, onDisk.Counts)
}

func TestMergedOutputIsDisjoint(t *testing.T) {
	t.Parallel()
	a := writeShard(t, "x\ny\n", "z\ttaken\n")
	b := writeShard(t, "z\n", "x\terror:transport\ny\tdegraded\n")
	out := t.TempDir()

	_, err := New(Config{}).Merge(context.Background(), []string{a, b}, out)
	require.NoError(t, err)

	records, err := sink.ReadFile(filepath.Join(out, "available.txt"))
	require.NoError(t, err)
	seen := make(map[string]int)
	for _, kind := range probe.Kinds {
		recs, err := sink.ReadFile(filepath.Join(out, FileFor(kind)))
		require.NoError(t, err)
		for _, r := range recs {
			seen[r.Identifier]++
		}
	}
	assert.Len(t, records, 3)
	assert.Equal(t, map[string]int{"x": 1, "y": 1, "z": 1}, seen)
}

func TestRemergeDropsStaleCategories(t *testing.T) {
	t.Parallel()
	a := writeShard(t, "", "x\tdegraded\n")
	b := writeShard(t, "x\n", "")
	out := t.TempDir()
	m := New(Config{Clock: fixedClock{mergedAt}})

	_, err := m.Merge(context.Background(), []string{a}, out)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(out, FileFor(probe.KindDegraded)))

	summary, err := m.Merge(context.Background(), []string{a, b}, out)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(out, FileFor(probe.KindDegraded)))
	assert.Equal(t, "x\n", readFile(t, filepath.Join(out, FileFor(probe.KindAvailable))))
	assert.Equal(t, []string{FileFor(probe.KindAvailable)}, summary.Files)
}

func TestVerifyDisjointCatchesOverlap(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, FileFor(probe.KindAvailable)), []byte("x\ny\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(out, FileFor(probe.KindError)), []byte("x\terror:transport\n"), 0o600))

	err := verifyDisjoint(out, 2)
	require.ErrorContains(t, err, `identifier "x" merged into both available.txt and error.txt`)

	require.NoError(t, os.Remove(filepath.Join(out, FileFor(probe.KindError))))
	require.NoError(t, verifyDisjoint(out, 2))
	require.ErrorContains(t, verifyDisjoint(out, 3), "hold 2 identifiers, want 3")
}

func TestMergeReadsProgress(t *testing.T) {
	t.Parallel()
	dir := writeShard(t, "a\n", "")
	led := ledger.New(ledger.Config{Dir: dir, Shard: "7", TotalInput: 1})
	led.MarkProcessed("a", probe.Available())
	led.MarkComplete()
	require.NoError(t, led.Snapshot())

	summary, err := New(Config{}).Merge(context.Background(), []string{dir}, t.TempDir())
	require.NoError(t, err)
	require.Len(t, summary.Sources, 1)
	assert.Equal(t, "7", summary.Sources[0].Shard)
	assert.True(t, summary.Sources[0].Complete)
}

func TestMergeRejectsBadInput(t *testing.T) {
	t.Parallel()
	m := New(Config{})
	_, err := m.Merge(context.Background(), nil, t.TempDir())
	require.Error(t, err)

	_, err = m.Merge(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, t.TempDir())
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Merge(ctx, []string{t.TempDir()}, t.TempDir())
	require.ErrorIs(t, err, context.Canceled)
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string]string
}

func (s *memoryStore) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = string(data)
	return "memory://" + path, nil
}

func TestUploadCopiesOutputs(t *testing.T) {
	t.Parallel()
	a := writeShard(t, "a\n", "b\ttaken\n")
	out := t.TempDir()
	summary, err := New(Config{}).Merge(context.Background(), []string{a}, out)
	require.NoError(t, err)

	store := &memoryStore{objects: make(map[string]string)}
	uris, err := Upload(context.Background(), store, "runs/42", out, summary)
	require.NoError(t, err)

	assert.Equal(t, "memory://runs/42/available.txt", uris["available.txt"])
	assert.Equal(t, "a\n", store.objects["runs/42/available.txt"])
	assert.Equal(t, "b\ttaken\n", store.objects["runs/42/taken.txt"])
	assert.True(t, strings.Contains(store.objects["runs/42/summary.json"], `"totalChecked": 2`))
}
