// Package worker implements the per-worker probe loop: pull an identifier,
// keep the session healthy, wait for the governor, probe, classify, and then
// record, retry, cool down, or refresh depending on the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/availability-prober/internal/clock/system"
	"github.com/JakeFAU/availability-prober/internal/metrics"
	"github.com/JakeFAU/availability-prober/internal/probe"
	"github.com/JakeFAU/availability-prober/internal/progress"
	"github.com/JakeFAU/availability-prober/internal/queue/memory"
	"github.com/JakeFAU/availability-prober/internal/session"
)

const tracerName = "github.com/JakeFAU/availability-prober/internal/worker"

// Source hands out work items. Next returns memory.ErrExhausted or
// memory.ErrClosed when no more work will arrive.
type Source interface {
	Next(ctx context.Context) (probe.WorkItem, error)
	Requeue(item probe.WorkItem)
	Done(item probe.WorkItem)
}

// Sessions creates and replaces session channels.
type Sessions interface {
	Acquire(ctx context.Context, slot int) (*session.Channel, error)
	Refresh(ctx context.Context, old *session.Channel) (*session.Channel, error)
	Retire(ch *session.Channel) error
}

// Governor paces probes globally.
type Governor interface {
	Acquire(ctx context.Context) error
	ReportDegrade()
	ReportSuccess()
}

// Ledger is the progress ledger plus its periodic snapshot.
type Ledger interface {
	probe.Ledger
	Snapshot() error
}

// Config controls retry and health behaviour.
type Config struct {
	Shard string
	RunID [16]byte
	// MaxRetries is the total probes charged to one identifier before its last
	// non-decisive outcome is recorded.
	MaxRetries int
	// HealthEvery issues a marker probe every this many requests per session.
	HealthEvery int
	// ErrorThreshold is the error streak that forces a session refresh.
	ErrorThreshold int
	// MaxFreeRefreshes is how many refreshes one identifier may trigger before
	// the probes that trigger them are charged as attempts.
	MaxFreeRefreshes   int
	DegradeBackoffBase time.Duration
	DegradeBackoffMax  time.Duration
	ErrorDelay         time.Duration
	RateLimitCooldown  time.Duration
	// RequestTimeout bounds a single probe.
	RequestTimeout time.Duration
	// ShutdownGrace lets an in-flight probe finish after cancellation.
	ShutdownGrace time.Duration
	// FlushEvery snapshots the ledger after this many new results.
	FlushEvery int
}

// Defaults mirror the tuning the prober ships with.
const (
	DefaultMaxRetries         = 3
	DefaultHealthEvery        = 80
	DefaultErrorThreshold     = 5
	DefaultMaxFreeRefreshes   = 3
	DefaultDegradeBackoffBase = 1500 * time.Millisecond
	DefaultDegradeBackoffMax  = 15 * time.Second
	DefaultErrorDelay         = time.Second
	DefaultRateLimitCooldown  = 30 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultShutdownGrace      = 5 * time.Second
	DefaultFlushEvery         = 20
)

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.HealthEvery < 0 {
		c.HealthEvery = 0
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.MaxFreeRefreshes <= 0 {
		c.MaxFreeRefreshes = DefaultMaxFreeRefreshes
	}
	if c.DegradeBackoffBase <= 0 {
		c.DegradeBackoffBase = DefaultDegradeBackoffBase
	}
	if c.DegradeBackoffMax <= 0 {
		c.DegradeBackoffMax = DefaultDegradeBackoffMax
	}
	if c.ErrorDelay < 0 {
		c.ErrorDelay = 0
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = DefaultRateLimitCooldown
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = DefaultFlushEvery
	}
	return c
}

// Deps bundles the collaborators a Worker needs. Markers, Events, Clock and
// Logger are optional.
type Deps struct {
	Source     Source
	Sessions   Sessions
	Governor   Governor
	Classifier probe.Classifier
	Results    probe.ResultWriter
	Ledger     Ledger
	Markers    *session.MarkerSet
	Events     progress.Emitter
	Clock      probe.Clock
	Logger     *zap.Logger
}

// Stats are cumulative worker counters.
type Stats struct {
	Index     int   `json:"index"`
	Probes    int64 `json:"probes"`
	Recorded  int64 `json:"recorded"`
	Retries   int64 `json:"retries"`
	Refreshes int64 `json:"refreshes"`
}

// Worker owns one session channel and processes identifiers sequentially.
type Worker struct {
	index      int
	source     Source
	sessions   Sessions
	governor   Governor
	classifier probe.Classifier
	results    probe.ResultWriter
	ledger     Ledger
	markers    *session.MarkerSet
	events     progress.Emitter
	clock      probe.Clock
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer

	channel *session.Channel

	probes    atomic.Int64
	recorded  atomic.Int64
	retries   atomic.Int64
	refreshes atomic.Int64
}

// New constructs a Worker for slot index.
func New(index int, deps Deps, cfg Config) (*Worker, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("worker source is required")
	case deps.Sessions == nil:
		return nil, errors.New("worker sessions are required")
	case deps.Governor == nil:
		return nil, errors.New("worker governor is required")
	case deps.Classifier == nil:
		return nil, errors.New("worker classifier is required")
	case deps.Results == nil:
		return nil, errors.New("worker result writer is required")
	case deps.Ledger == nil:
		return nil, errors.New("worker ledger is required")
	}
	events := deps.Events
	if events == nil {
		events = progress.NopEmitter{}
	}
	clk := deps.Clock
	if clk == nil {
		clk = system.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		index:      index,
		source:     deps.Source,
		sessions:   deps.Sessions,
		governor:   deps.Governor,
		classifier: deps.Classifier,
		results:    deps.Results,
		ledger:     deps.Ledger,
		markers:    deps.Markers,
		events:     events,
		clock:      clk,
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("worker").With(zap.Int("index", index)),
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Index:     w.index,
		Probes:    w.probes.Load(),
		Recorded:  w.recorded.Load(),
		Retries:   w.retries.Load(),
		Refreshes: w.refreshes.Load(),
	}
}

// Run acquires a session and processes items until the source is drained or
// ctx is cancelled, both of which return nil. It returns an error wrapping
// probe.ErrSessionExhausted when the session cannot be kept alive and one
// wrapping probe.ErrPersistence when a result cannot be recorded.
func (w *Worker) Run(ctx context.Context) error {
	ch, err := w.sessions.Acquire(ctx, w.index)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("worker %d acquire session: %w", w.index, err)
	}
	w.channel = ch
	metrics.IncActiveWorkers()
	defer func() {
		metrics.DecActiveWorkers()
		if w.channel != nil {
			if err := w.sessions.Retire(w.channel); err != nil {
				w.logger.Warn("retire session", zap.Error(err))
			}
		}
	}()

	w.logger.Debug("worker started", zap.Int64("session_id", ch.ID()))
	for {
		item, err := w.source.Next(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrExhausted) || errors.Is(err, memory.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d dequeue: %w", w.index, err)
		}
		if err := w.process(ctx, item); err != nil {
			if ctx.Err() != nil && !errors.Is(err, probe.ErrPersistence) {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, item probe.WorkItem) error {
	if w.ledger.IsProcessed(item.Identifier) {
		w.source.Done(item)
		return nil
	}

	if w.markers.Enabled() && w.channel.HealthDue(w.cfg.HealthEvery) {
		healthy, err := w.checkHealth(ctx)
		if err != nil {
			w.source.Requeue(item)
			return err
		}
		if !healthy {
			w.source.Requeue(item)
			return w.refresh(ctx, "health probe mismatch")
		}
	}

	if err := w.governor.Acquire(ctx); err != nil {
		w.source.Requeue(item)
		return err
	}

	outcome, dur := w.probe(ctx, item.Identifier)
	w.probes.Add(1)
	metrics.ObserveProbe(string(outcome.Kind), dur)

	switch {
	case outcome.Decisive():
		item.Attempts++
		w.governor.ReportSuccess()
		w.channel.RecordSuccess()
		if err := probe.ErrorFor(outcome.Kind); err != nil {
			w.logger.Warn("recording unclassified response",
				zap.String("identifier", item.Identifier),
				zap.String("detail", outcome.Detail),
				zap.Error(err),
			)
		}
		return w.record(ctx, item, outcome)
	case outcome.Kind == probe.KindDegraded:
		return w.handleDegraded(ctx, item, outcome)
	case outcome.Kind == probe.KindRateLimited:
		return w.handleRateLimited(ctx, item)
	default:
		return w.handleError(ctx, item, outcome)
	}
}

func (w *Worker) probe(ctx context.Context, identifier string) (probe.Outcome, time.Duration) {
	probeCtx, cancel := w.inflightContext(ctx)
	defer cancel()
	probeCtx, span := w.tracer.Start(probeCtx, "probe", trace.WithAttributes(
		attribute.String("prober.identifier", identifier),
		attribute.Int64("prober.session_id", w.channel.ID()),
	))
	defer span.End()

	start := w.clock.Now()
	resp := w.channel.Probe(probeCtx, identifier)
	dur := resp.Duration
	if dur <= 0 {
		dur = w.clock.Now().Sub(start)
	}
	outcome := w.classifier.Classify(resp)
	span.SetAttributes(attribute.String("prober.outcome", outcome.String()))
	return outcome, dur
}

// inflightContext detaches a probe from ctx so shutdown lets it finish, but
// still cancels it ShutdownGrace after ctx ends or after RequestTimeout.
func (w *Worker) inflightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RequestTimeout)
	grace := w.cfg.ShutdownGrace
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(grace, cancel)
	})
	return probeCtx, func() {
		stop()
		cancel()
	}
}

// handleDegraded charges the attempt and backs off, unless this response moved
// the session to Degrading and it fails its health check. A probe that leads
// to a refresh is handled by refreshFor.
func (w *Worker) handleDegraded(ctx context.Context, item probe.WorkItem, outcome probe.Outcome) error {
	w.governor.ReportDegrade()
	if w.channel.RecordDegrade() {
		healthy := false
		if w.markers.Enabled() {
			var err error
			if healthy, err = w.checkHealth(ctx); err != nil {
				w.source.Requeue(item)
				return err
			}
		}
		if !healthy {
			return w.refreshFor(ctx, item, outcome, "degraded streak")
		}
	}
	item.Attempts++
	if item.Attempts >= w.cfg.MaxRetries {
		return w.exhausted(ctx, item, outcome)
	}
	delay := min(w.cfg.DegradeBackoffBase*time.Duration(item.Attempts), w.cfg.DegradeBackoffMax)
	return w.retryAfter(ctx, item, outcome, delay)
}

func (w *Worker) handleRateLimited(ctx context.Context, item probe.WorkItem) error {
	w.logger.Warn("rate limited, cooling down",
		zap.String("identifier", item.Identifier),
		zap.Duration("cooldown", w.cfg.RateLimitCooldown),
	)
	return w.retryAfter(ctx, item, probe.RateLimited(), w.cfg.RateLimitCooldown)
}

func (w *Worker) handleError(ctx context.Context, item probe.WorkItem, outcome probe.Outcome) error {
	streak := w.channel.RecordError()
	if streak >= w.cfg.ErrorThreshold {
		return w.refreshFor(ctx, item, outcome, "error streak")
	}
	item.Attempts++
	if item.Attempts >= w.cfg.MaxRetries {
		return w.exhausted(ctx, item, outcome)
	}
	return w.retryAfter(ctx, item, outcome, w.cfg.ErrorDelay)
}

// refreshFor replaces the session after item's probe tripped a streak. The
// first MaxFreeRefreshes of these are not charged to item; later ones are, so
// an identifier that always fails still reaches MaxRetries and is recorded.
func (w *Worker) refreshFor(ctx context.Context, item probe.WorkItem, outcome probe.Outcome, reason string) error {
	item.Refreshes++
	if item.Refreshes > w.cfg.MaxFreeRefreshes {
		item.Attempts++
		if item.Attempts >= w.cfg.MaxRetries {
			if err := w.exhausted(ctx, item, outcome); err != nil {
				return err
			}
			return w.refresh(ctx, reason)
		}
	}
	w.retries.Add(1)
	metrics.ObserveRetry(string(outcome.Kind))
	w.source.Requeue(item)
	return w.refresh(ctx, reason)
}

// exhausted records the last non-decisive outcome once item is out of retries.
func (w *Worker) exhausted(ctx context.Context, item probe.WorkItem, outcome probe.Outcome) error {
	w.logger.Info("retries exhausted",
		zap.String("identifier", item.Identifier),
		zap.Int("attempts", item.Attempts),
		zap.Int("refreshes", item.Refreshes),
		zap.Error(fmt.Errorf("%s: %w", outcome, probe.ErrorFor(outcome.Kind))),
	)
	return w.record(ctx, item, outcome)
}

// retryAfter holds the item for delay and then requeues it. The item is
// requeued even when the wait is cut short by cancellation.
func (w *Worker) retryAfter(ctx context.Context, item probe.WorkItem, outcome probe.Outcome, delay time.Duration) error {
	w.retries.Add(1)
	metrics.ObserveRetry(string(outcome.Kind))
	w.logger.Debug("retrying",
		zap.String("identifier", item.Identifier),
		zap.Int("attempt", item.Attempts),
		zap.Duration("delay", delay),
		zap.Error(probe.ErrorFor(outcome.Kind)),
	)
	err := w.clock.Sleep(ctx, delay)
	w.source.Requeue(item)
	if err != nil {
		return fmt.Errorf("retry wait after %w: %w", probe.ErrorFor(outcome.Kind), err)
	}
	return nil
}

func (w *Worker) checkHealth(ctx context.Context) (bool, error) {
	marker := w.markers.Next()
	if err := w.governor.Acquire(ctx); err != nil {
		return false, err
	}
	probeCtx, cancel := w.inflightContext(ctx)
	resp := w.channel.HealthProbe(probeCtx, marker)
	cancel()
	outcome := w.classifier.Classify(resp)

	if outcome.Kind == probe.KindRateLimited {
		// Throttling says nothing about the session itself.
		w.channel.MarkHealthy()
		return true, nil
	}
	healthy := outcome.Kind == w.markers.Expect()
	metrics.ObserveHealthProbe(healthy)
	if healthy {
		w.channel.MarkHealthy()
		return true, nil
	}
	w.logger.Warn("health probe mismatch",
		zap.String("marker", marker),
		zap.String("outcome", outcome.String()),
		zap.String("expected", string(w.markers.Expect())),
		zap.Int64("session_id", w.channel.ID()),
	)
	return false, nil
}

func (w *Worker) refresh(ctx context.Context, reason string) error {
	old := w.channel
	w.refreshes.Add(1)
	w.events.Emit(progress.Event{
		RunID: w.cfg.RunID,
		TS:    w.clock.Now(),
		Stage: progress.StageSessionRefresh,
		Shard: w.cfg.Shard,
		Note:  reason,
	})
	w.logger.Info("refreshing session", zap.Int64("session_id", old.ID()), zap.String("reason", reason))

	fresh, err := w.sessions.Refresh(ctx, old)
	if err != nil {
		w.channel = nil
		return fmt.Errorf("worker %d refresh session: %w", w.index, err)
	}
	w.channel = fresh
	return nil
}

func (w *Worker) record(ctx context.Context, item probe.WorkItem, outcome probe.Outcome) error {
	result := probe.Result{
		Identifier: item.Identifier,
		Outcome:    outcome,
		Timestamp:  w.clock.Now(),
		Shard:      w.cfg.Shard,
		Attempts:   item.Attempts,
	}
	if err := w.results.Write(context.WithoutCancel(ctx), result); err != nil {
		w.source.Requeue(item)
		return fmt.Errorf("worker %d record %s: %w", w.index, item.Identifier, err)
	}
	w.recorded.Add(1)
	if w.ledger.MarkProcessed(item.Identifier, outcome) && w.ledger.Processed()%w.cfg.FlushEvery == 0 {
		if err := w.ledger.Snapshot(); err != nil {
			metrics.ObservePersistenceError()
			w.logger.Warn("progress snapshot failed", zap.Error(err))
		}
	}
	w.source.Done(item)
	w.logger.Debug("recorded result",
		zap.String("identifier", item.Identifier),
		zap.String("outcome", outcome.String()),
		zap.Int("attempts", item.Attempts),
	)
	return nil
}
