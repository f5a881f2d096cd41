package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/availability-prober/internal/progress"
)

// PrometheusSink exports shard progress via Prometheus. It owns collectors for
// runs started/completed/running and per-shard result counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	results          *prometheus.CounterVec
	resultAttempts   prometheus.Histogram
	sessionRefreshes *prometheus.CounterVec
	processed        *prometheus.GaugeVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prober_runs_started_total",
			Help: "Total shard runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prober_runs_completed_total",
			Help: "Total shard runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prober_runs_running",
			Help: "Current number of running shard runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prober_run_runtime_seconds",
			Help:    "Wall time per completed shard run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}, []string{"result"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prober_results_total",
			Help: "Recorded results partitioned by shard and outcome.",
		}, []string{"shard", "outcome"}),
		resultAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prober_result_attempts",
			Help:    "Probes spent per recorded identifier.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		sessionRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prober_shard_session_refreshes_total",
			Help: "Session refreshes partitioned by shard.",
		}, []string{"shard"}),
		processed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prober_shard_processed",
			Help: "Identifiers with a recorded result, from the latest heartbeat.",
		}, []string{"shard"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.results,
		s.resultAttempts,
		s.sessionRefreshes,
		s.processed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StageRunHB:
		s.processed.WithLabelValues(shardLabel(evt.Shard)).Set(float64(evt.Processed))
	case progress.StageResult:
		s.results.WithLabelValues(shardLabel(evt.Shard), string(evt.Outcome)).Inc()
		if evt.Attempts > 0 {
			s.resultAttempts.Observe(float64(evt.Attempts))
		}
	case progress.StageSessionRefresh:
		s.sessionRefreshes.WithLabelValues(shardLabel(evt.Shard)).Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageRunStart && s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func shardLabel(shard string) string {
	if shard == "" {
		return "default"
	}
	return shard
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
