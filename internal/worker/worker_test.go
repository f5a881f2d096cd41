package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/availability-prober/internal/classifier"
	"github.com/JakeFAU/availability-prober/internal/governor"
	"github.com/JakeFAU/availability-prober/internal/ledger"
	"github.com/JakeFAU/availability-prober/internal/probe"
	"github.com/JakeFAU/availability-prober/internal/queue/memory"
	"github.com/JakeFAU/availability-prober/internal/session"
	"github.com/JakeFAU/availability-prober/internal/sink"
)

var (
	respAvailable = probe.RawResponse{StatusCode: 200, Body: []byte(`{"status":"available"}`)}
	respTaken     = probe.RawResponse{StatusCode: 200, Body: []byte(`{"status":"taken"}`)}
	respDegraded  = probe.RawResponse{StatusCode: 200, Body: []byte(`{}`)}
	respThrottled = probe.RawResponse{StatusCode: 429}
	respBroken    = probe.RawResponse{Err: errors.New("connection reset by peer")}
)

// script replays canned responses per identifier. The last response repeats
// once the list is used up; unknown identifiers answer taken.
type script struct {
	mu        sync.Mutex
	responses map[string][]probe.RawResponse
	calls     map[string]int
}

func newScript(responses map[string][]probe.RawResponse) *script {
	return &script{responses: responses, calls: make(map[string]int)}
}

func (s *script) respond(id string) probe.RawResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls[id]
	s.calls[id]++
	rs := s.responses[id]
	if len(rs) == 0 {
		return respTaken
	}
	if n >= len(rs) {
		n = len(rs) - 1
	}
	return rs[n]
}

func (s *script) Calls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type scriptProber struct{ s *script }

func (p scriptProber) Probe(_ context.Context, id string) probe.RawResponse { return p.s.respond(id) }

func (scriptProber) Close() error { return nil }

type scriptFactory struct {
	s *script
	// limit caps successful creates; zero means unlimited.
	limit   int32
	creates atomic.Int32
}

func (f *scriptFactory) Create(context.Context) (probe.Prober, error) {
	n := f.creates.Add(1)
	if f.limit > 0 && n > f.limit {
		return nil, errors.New("handshake rejected")
	}
	return scriptProber{s: f.s}, nil
}

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (*fakeClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type harness struct {
	dir     string
	script  *script
	factory *scriptFactory
	pool    *session.Pool
	queue   *memory.Queue
	sink    *sink.FileSink
	ledger  *ledger.Ledger
	clock   *fakeClock
	markers *session.MarkerSet

	mu      sync.Mutex
	results []probe.Result
}

type harnessOptions struct {
	degradeThreshold int
	markers          []string
	sessionLimit     int32
	poolAttempts     int
}

func newHarness(t *testing.T, ids []string, responses map[string][]probe.RawResponse, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		dir:   t.TempDir(),
		clock: &fakeClock{},
	}
	h.script = newScript(responses)
	h.factory = &scriptFactory{s: h.script, limit: opts.sessionLimit}
	if opts.degradeThreshold == 0 {
		opts.degradeThreshold = 8
	}
	pool, err := session.NewPool(h.factory, session.PoolConfig{
		FactoryRPS:       1000,
		MaxAttempts:      opts.poolAttempts,
		Backoff:          time.Millisecond,
		DegradeThreshold: opts.degradeThreshold,
		Clock:            h.clock,
	})
	require.NoError(t, err)
	h.pool = pool
	t.Cleanup(func() { _ = pool.Close() })

	h.ledger = ledger.New(ledger.Config{Dir: h.dir, Shard: "0", TotalInput: len(ids), Clock: h.clock})
	h.queue = memory.NewQueue(ids, h.ledger.IsProcessed)
	fs, err := sink.Open(sink.Config{
		Dir:   h.dir,
		Clock: h.clock,
		Mirror: func(r probe.Result) {
			h.mu.Lock()
			h.results = append(h.results, r)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	h.sink = fs
	h.markers = session.NewMarkerSet(opts.markers, probe.KindAvailable)
	return h
}

func (h *harness) worker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	gov, err := governor.New(governor.Config{TargetRPS: 10000})
	require.NoError(t, err)
	w, err := New(0, Deps{
		Source:   h.queue,
		Sessions: h.pool,
		Governor: gov,
		Classifier: classifier.New(classifier.Rules{
			StatusField:      "status",
			AvailableMarkers: []string{"available"},
			TakenMarkers:     []string{"taken"},
			InvalidMarkers:   []string{"invalid"},
		}),
		Results: h.sink,
		Ledger:  h.ledger,
		Markers: h.markers,
		Clock:   h.clock,
		Logger:  zaptest.NewLogger(t),
	}, cfg)
	require.NoError(t, err)
	return w
}

func (h *harness) file(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.dir, name))
	require.NoError(t, err)
	return string(data)
}

func (h *harness) result(id string) (probe.Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.results {
		if r.Identifier == id {
			return r, true
		}
	}
	return probe.Result{}, false
}

func TestWorkerRecordsDecisiveOutcomes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"good1", "bad1", "good2"}, map[string][]probe.RawResponse{
		"good1": {respAvailable},
		"bad1":  {respTaken},
		"good2": {respAvailable},
	}, harnessOptions{})

	require.NoError(t, h.worker(t, Config{}).Run(context.Background()))

	assert.Equal(t, "good1\ngood2\n", h.file(t, sink.AvailableFile))
	assert.Equal(t, "bad1\ttaken\n", h.file(t, sink.FailedFile))
	assert.Equal(t, 3, h.ledger.Processed())
	assert.EqualValues(t, 1, h.factory.creates.Load())
}

func TestWorkerSkipsProcessedIdentifiers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"done", "fresh"}, map[string][]probe.RawResponse{
		"fresh": {respAvailable},
	}, harnessOptions{})
	h.ledger.MarkProcessed("done", probe.Taken())

	require.NoError(t, h.worker(t, Config{}).Run(context.Background()))

	assert.Zero(t, h.script.Calls("done"))
	assert.Equal(t, "fresh\n", h.file(t, sink.AvailableFile))
}

func TestWorkerRefreshesOnDegradeStreak(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"slow"}, map[string][]probe.RawResponse{
		"slow": {respDegraded, respDegraded, respAvailable},
	}, harnessOptions{degradeThreshold: 2})

	w := h.worker(t, Config{MaxRetries: 3})
	require.NoError(t, w.Run(context.Background()))

	assert.EqualValues(t, 2, h.factory.creates.Load())
	assert.EqualValues(t, 1, h.pool.Refreshes())
	assert.Equal(t, "slow\n", h.file(t, sink.AvailableFile))

	res, ok := h.result("slow")
	require.True(t, ok)
	assert.Equal(t, 2, res.Attempts, "the probe that triggered the refresh is not charged")
	assert.EqualValues(t, 1, w.Stats().Refreshes)
}

func TestWorkerHealthMismatchRefreshes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"a", "b", "c", "d"}, map[string][]probe.RawResponse{
		"marker": {respTaken},
	}, harnessOptions{markers: []string{"marker"}})

	require.NoError(t, h.worker(t, Config{HealthEvery: 2}).Run(context.Background()))

	assert.Equal(t, 1, h.script.Calls("marker"))
	assert.EqualValues(t, 2, h.factory.creates.Load())
	assert.Equal(t, "a\ttaken\nb\ttaken\nc\ttaken\nd\ttaken\n", h.file(t, sink.FailedFile))
}

func TestWorkerHealthyMarkerKeepsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"a", "b", "c"}, map[string][]probe.RawResponse{
		"marker": {respAvailable},
	}, harnessOptions{markers: []string{"marker"}})

	require.NoError(t, h.worker(t, Config{HealthEvery: 1}).Run(context.Background()))

	assert.Equal(t, 2, h.script.Calls("marker"))
	assert.EqualValues(t, 1, h.factory.creates.Load())
	assert.Equal(t, 3, h.ledger.Processed())
}

func TestWorkerRecordsAfterRetriesExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"flaky"}, map[string][]probe.RawResponse{
		"flaky": {respBroken},
	}, harnessOptions{})

	cfg := Config{MaxRetries: 3, ErrorThreshold: 10, ErrorDelay: 250 * time.Millisecond}
	require.NoError(t, h.worker(t, cfg).Run(context.Background()))

	assert.Equal(t, 3, h.script.Calls("flaky"))
	assert.Equal(t, "flaky\terror:transport\n", h.file(t, sink.FailedFile))
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, h.clock.Sleeps())
}

func TestWorkerErrorStreakRefreshes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"x"}, map[string][]probe.RawResponse{
		"x": {respBroken, respBroken, respAvailable},
	}, harnessOptions{})

	require.NoError(t, h.worker(t, Config{MaxRetries: 5, ErrorThreshold: 2}).Run(context.Background()))

	assert.EqualValues(t, 2, h.factory.creates.Load())
	res, ok := h.result("x")
	require.True(t, ok)
	assert.Equal(t, probe.KindAvailable, res.Outcome.Kind)
	assert.Equal(t, 2, res.Attempts)
}

func TestWorkerChargesRepeatedErrorRefreshes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"broken"}, map[string][]probe.RawResponse{
		"broken": {respBroken},
	}, harnessOptions{})

	cfg := Config{MaxRetries: 3, ErrorThreshold: 1, MaxFreeRefreshes: 2}
	require.NoError(t, h.worker(t, cfg).Run(context.Background()))

	// Two free refreshes, then three charged ones.
	assert.Equal(t, 5, h.script.Calls("broken"))
	assert.EqualValues(t, 6, h.factory.creates.Load())
	assert.Equal(t, "broken\terror:transport\n", h.file(t, sink.FailedFile))
	res, ok := h.result("broken")
	require.True(t, ok)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, h.ledger.Processed())
}

func TestWorkerChargesRepeatedDegradeRefreshes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"thin"}, map[string][]probe.RawResponse{
		"thin": {respDegraded},
	}, harnessOptions{degradeThreshold: 1})

	w := h.worker(t, Config{MaxRetries: 2, MaxFreeRefreshes: 1})
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, 3, h.script.Calls("thin"))
	assert.EqualValues(t, 4, h.factory.creates.Load())
	assert.EqualValues(t, 3, w.Stats().Refreshes)
	assert.Equal(t, "thin\tdegraded\n", h.file(t, sink.FailedFile))
	assert.Empty(t, h.clock.Sleeps(), "refresh requeues do not back off")
}

func TestWorkerThrottledHealthCheckRestoresSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"a", "b"}, map[string][]probe.RawResponse{
		"a":      {respDegraded, respDegraded, respAvailable},
		"marker": {respThrottled},
	}, harnessOptions{degradeThreshold: 2, markers: []string{"marker"}})

	require.NoError(t, h.worker(t, Config{MaxRetries: 3}).Run(context.Background()))

	assert.Equal(t, 1, h.script.Calls("marker"), "only the streak crossing checks the marker")
	assert.EqualValues(t, 1, h.factory.creates.Load())
	assert.Equal(t, "a\n", h.file(t, sink.AvailableFile))
}

func TestWorkerLogsSentinelWhenRetriesRunOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"flaky", "odd"}, map[string][]probe.RawResponse{
		"flaky": {respBroken},
		"odd":   {probe.RawResponse{StatusCode: 404, Body: []byte("gone")}},
	}, harnessOptions{})
	w := h.worker(t, Config{MaxRetries: 2, ErrorThreshold: 10})
	core, logs := observer.New(zap.DebugLevel)
	w.logger = zap.New(core)

	require.NoError(t, w.Run(context.Background()))

	assert.ErrorIs(t, loggedError(t, logs, "retries exhausted"), probe.ErrTransport)
	assert.ErrorIs(t, loggedError(t, logs, "retrying"), probe.ErrTransport)
	assert.ErrorIs(t, loggedError(t, logs, "recording unclassified response"), probe.ErrAmbiguous)
	assert.Equal(t, "flaky\terror:transport\nodd\tunknown:gone\n", h.file(t, sink.FailedFile))
}

func loggedError(t *testing.T, logs *observer.ObservedLogs, msg string) error {
	t.Helper()
	entries := logs.FilterMessage(msg).All()
	require.NotEmpty(t, entries, msg)
	for _, f := range entries[0].Context {
		if f.Key == "error" {
			err, _ := f.Interface.(error)
			return err
		}
	}
	t.Fatalf("%q logged without an error field", msg)
	return nil
}

func TestRetryAfterWrapsOutcomeSentinel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil, harnessOptions{})
	w := h.worker(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.retryAfter(ctx, probe.WorkItem{Identifier: "x"}, probe.Degraded(), time.Second)
	require.ErrorIs(t, err, probe.ErrDegraded)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, h.queue.Stats().Retries)
}

func TestWorkerRateLimitIsNotCharged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"hot"}, map[string][]probe.RawResponse{
		"hot": {respThrottled, respThrottled, respAvailable},
	}, harnessOptions{})

	cfg := Config{MaxRetries: 1, RateLimitCooldown: time.Minute}
	require.NoError(t, h.worker(t, cfg).Run(context.Background()))

	res, ok := h.result("hot")
	require.True(t, ok)
	assert.Equal(t, probe.KindAvailable, res.Outcome.Kind)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, h.clock.Sleeps())
}

func TestWorkerDegradedBackoffGrows(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"thin"}, map[string][]probe.RawResponse{
		"thin": {respDegraded},
	}, harnessOptions{})

	cfg := Config{
		MaxRetries:         4,
		DegradeBackoffBase: time.Second,
		DegradeBackoffMax:  2500 * time.Millisecond,
	}
	require.NoError(t, h.worker(t, cfg).Run(context.Background()))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 2500 * time.Millisecond}, h.clock.Sleeps())
	assert.Equal(t, "thin\tdegraded\n", h.file(t, sink.FailedFile))
}

func TestWorkerReturnsSessionExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"x"}, map[string][]probe.RawResponse{
		"x": {respDegraded},
	}, harnessOptions{degradeThreshold: 1, sessionLimit: 1, poolAttempts: 2})

	err := h.worker(t, Config{}).Run(context.Background())
	require.ErrorIs(t, err, probe.ErrSessionExhausted)
	assert.Equal(t, 1, h.queue.Stats().Retries, "in-flight identifier goes back to the queue")
	assert.Zero(t, h.ledger.Processed())
}

type failingWriter struct{}

func (failingWriter) Write(context.Context, probe.Result) error {
	return fmt.Errorf("%w: disk full", probe.ErrPersistence)
}

func TestWorkerStopsOnPersistenceFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"a", "b"}, nil, harnessOptions{})
	w := h.worker(t, Config{})
	w.results = failingWriter{}

	err := w.Run(context.Background())
	require.ErrorIs(t, err, probe.ErrPersistence)
	assert.Zero(t, h.ledger.Processed())
}

func TestWorkerCancelledBeforeStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []string{"a"}, nil, harnessOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.worker(t, Config{}).Run(ctx))
	assert.Zero(t, h.script.Calls("a"))
}

func TestInflightContextOutlivesCancellationForGrace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil, harnessOptions{})
	w := h.worker(t, Config{ShutdownGrace: 50 * time.Millisecond, RequestTimeout: time.Minute})

	parent, cancel := context.WithCancel(context.Background())
	probeCtx, done := w.inflightContext(parent)
	defer done()

	cancel()
	require.NoError(t, probeCtx.Err())
	require.Eventually(t, func() bool { return probeCtx.Err() != nil }, time.Second, 5*time.Millisecond)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()
	_, err := New(0, Deps{}, Config{})
	require.Error(t, err)
}
