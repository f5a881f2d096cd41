// Package app builds every component of a shard run from configuration and
// owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	guuid "github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/availability-prober/internal/api"
	"github.com/JakeFAU/availability-prober/internal/classifier"
	"github.com/JakeFAU/availability-prober/internal/clock/system"
	"github.com/JakeFAU/availability-prober/internal/config"
	"github.com/JakeFAU/availability-prober/internal/dispatcher"
	"github.com/JakeFAU/availability-prober/internal/governor"
	"github.com/JakeFAU/availability-prober/internal/id/uuid"
	"github.com/JakeFAU/availability-prober/internal/ledger"
	"github.com/JakeFAU/availability-prober/internal/metrics"
	"github.com/JakeFAU/availability-prober/internal/probe"
	"github.com/JakeFAU/availability-prober/internal/progress"
	progresssinks "github.com/JakeFAU/availability-prober/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/availability-prober/internal/publisher/pubsub"
	"github.com/JakeFAU/availability-prober/internal/queue/memory"
	"github.com/JakeFAU/availability-prober/internal/session"
	"github.com/JakeFAU/availability-prober/internal/session/httpsession"
	"github.com/JakeFAU/availability-prober/internal/shard"
	"github.com/JakeFAU/availability-prober/internal/sink"
	pgstore "github.com/JakeFAU/availability-prober/internal/storage/postgres"
	"github.com/JakeFAU/availability-prober/internal/store"
	"github.com/JakeFAU/availability-prober/internal/telemetry"
	"github.com/JakeFAU/availability-prober/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Option customises Build.
type Option func(*options)

type options struct {
	factory    probe.SessionFactory
	clock      probe.Clock
	registerer prometheus.Registerer
	repo       store.ResultRepository
}

// WithSessionFactory replaces the HTTP session factory.
func WithSessionFactory(f probe.SessionFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithClock replaces the system clock.
func WithClock(c probe.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithResultRepository mirrors results to repo instead of dialing db.dsn.
func WithResultRepository(repo store.ResultRepository) Option {
	return func(o *options) { o.repo = repo }
}

// App contains one shard run's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  probe.Clock
	runID  guuid.UUID

	identifiers []string
	ledger      *ledger.Ledger
	sink        *sink.FileSink
	queue       *memory.Queue
	governor    *governor.Governor
	sessions    *session.Pool
	pool        *dispatcher.Pool
	hub         *progress.Hub
	apiServer   *api.Server
	httpServer  *http.Server

	repo           store.ResultRepository
	pgStore        *pgstore.ResultStore
	publisher      *pubsubpublisher.Publisher
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. Nothing is probed until Run.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.ValidateRun(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := o.clock
	if clk == nil {
		clk = system.New()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: clk, repo: o.repo}
	ok := false
	defer func() {
		if !ok {
			if err := a.Close(context.Background()); err != nil {
				logger.Warn("partial build cleanup failed", zap.Error(err))
			}
		}
	}()

	runID, err := uuid.New().Resolve(cfg.Shard.RunID)
	if err != nil {
		return nil, err
	}
	a.runID = runID

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	if err := a.setupInput(); err != nil {
		return nil, err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err := a.setupProgress(ctx, o.registerer); err != nil {
		return nil, err
	}
	if err := a.setupSink(); err != nil {
		return nil, err
	}
	if err := a.setupWorkers(o.factory); err != nil {
		return nil, err
	}
	a.setupServer()

	logger.Info("shard built",
		zap.String("shard", cfg.Shard.ID),
		zap.String("run_id", runID.String()),
		zap.Int("identifiers", len(a.identifiers)),
		zap.Int("already_processed", a.ledger.Processed()),
		zap.Int("workers", cfg.Shard.Workers),
	)
	ok = true
	return a, nil
}

func (a *App) setupInput() error {
	ids, err := shard.ReadFile(a.cfg.Shard.Input)
	if err != nil {
		return fmt.Errorf("read shard input: %w", err)
	}
	a.identifiers = ids
	a.ledger, err = ledger.Recover(ledger.Config{
		Dir:        a.cfg.Shard.OutputDir,
		Shard:      a.cfg.Shard.ID,
		RunID:      a.runID.String(),
		TotalInput: len(ids),
		Clock:      a.clock,
	})
	if err != nil {
		return err
	}
	a.queue = memory.NewQueue(ids, a.ledger.IsProcessed)
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.repo != nil {
		return nil
	}
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("no db.dsn configured, result mirror disabled")
		return nil
	}
	var err error
	a.pgStore, err = pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		RunsTable:       a.cfg.DB.RunsTable,
		ResultsTable:    a.cfg.DB.ResultsTable,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("result store init failed: %w", err)
	}
	a.repo = a.pgStore
	a.logger.Info("result store initialized", zap.String("table", a.cfg.DB.ResultsTable))
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	var sinkList []progress.Sink
	if a.repo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.repo, a.logger.Named("progress_store")))
	}
	if a.cfg.PubSub.Topic != "" {
		var err error
		a.publisher, err = pubsubpublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub init failed: %w", err)
		}
		sinkList = append(sinkList, progresssinks.NewPublishSink(
			a.publisher, a.cfg.PubSub.Topic, a.cfg.PubSub.Chunk, a.logger.Named("progress_publish"),
		))
		a.logger.Info("pubsub mirror initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	}
	if a.cfg.Telemetry.Prometheus {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return err
		}
		sinkList = append(sinkList, promSink)
	}
	if a.cfg.Telemetry.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:          a.cfg.Telemetry.BufferSize,
		LifecycleBufferSize: a.cfg.Telemetry.LifecycleBufferSize,
		MaxBatchEvents:      a.cfg.Telemetry.MaxBatchEvents,
		MaxBatchWait:        a.cfg.Telemetry.MaxBatchWait,
		SinkTimeout:         a.cfg.Telemetry.SinkTimeout,
		BaseContext:         context.WithoutCancel(ctx),
		Logger:              a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupSink() error {
	runID := progress.UUIDToBytes(a.runID)
	var err error
	a.sink, err = sink.Open(sink.Config{
		Dir:          a.cfg.Shard.OutputDir,
		SyncEvery:    a.cfg.Sink.SyncEvery,
		WriteRetries: a.cfg.Sink.WriteRetries,
		RetryBackoff: a.cfg.Sink.RetryBackoff,
		Mirror: func(r probe.Result) {
			a.hub.Emit(progress.ResultEvent(runID, r))
		},
		Clock:  a.clock,
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("open result sink: %w", err)
	}
	return nil
}

func (a *App) setupWorkers(factory probe.SessionFactory) error {
	cfg := a.cfg
	if factory == nil {
		f, err := httpsession.NewFactory(httpsession.Config{
			URLTemplate:  cfg.Session.URLTemplate,
			Method:       cfg.Session.Method,
			BodyTemplate: cfg.Session.BodyTemplate,
			Headers:      cfg.Session.Headers,
			UserAgent:    cfg.Session.UserAgent,
			BootstrapURL: cfg.Session.BootstrapURL,
			Timeout:      cfg.Session.Timeout,
		})
		if err != nil {
			return fmt.Errorf("session factory init failed: %w", err)
		}
		factory = f
	}

	var err error
	a.governor, err = governor.New(governor.Config{
		TargetRPS: cfg.Governor.TargetRPS,
		MaxFactor: cfg.Governor.MaxFactor,
	})
	if err != nil {
		return fmt.Errorf("governor init failed: %w", err)
	}
	a.sessions, err = session.NewPool(factory, session.PoolConfig{
		FactoryRPS:       cfg.Session.FactoryRPS,
		MaxAttempts:      cfg.Session.MaxCreateAttempts,
		Backoff:          cfg.Session.CreateBackoff,
		DegradeThreshold: cfg.Session.DegradeThreshold,
		Clock:            a.clock,
		Logger:           a.logger,
	})
	if err != nil {
		return fmt.Errorf("session pool init failed: %w", err)
	}

	classify := classifier.New(classifier.Rules{
		StatusField:      cfg.Classifier.StatusField,
		AvailableMarkers: cfg.Classifier.AvailableMarkers,
		TakenMarkers:     cfg.Classifier.TakenMarkers,
		InvalidMarkers:   cfg.Classifier.InvalidMarkers,
		DegradedMarkers:  cfg.Classifier.DegradedMarkers,
		ThrottleMarkers:  cfg.Classifier.ThrottleMarkers,
		ExcerptLength:    cfg.Classifier.ExcerptLength,
	})
	markers := session.NewMarkerSet(cfg.Session.Markers, probe.Kind(strings.ToLower(cfg.Session.MarkerExpect)))
	runID := progress.UUIDToBytes(a.runID)
	workerCfg := worker.Config{
		Shard:              cfg.Shard.ID,
		RunID:              runID,
		MaxRetries:         cfg.Engine.MaxRetries,
		HealthEvery:        cfg.Engine.HealthEvery,
		ErrorThreshold:     cfg.Engine.ErrorThreshold,
		MaxFreeRefreshes:   cfg.Engine.MaxFreeRefreshes,
		DegradeBackoffBase: cfg.Engine.DegradeBackoffBase,
		DegradeBackoffMax:  cfg.Engine.DegradeBackoffMax,
		ErrorDelay:         cfg.Engine.ErrorDelay,
		RateLimitCooldown:  cfg.Engine.RateLimitCooldown,
		RequestTimeout:     cfg.Engine.RequestTimeout,
		ShutdownGrace:      cfg.Engine.ShutdownGrace,
		FlushEvery:         cfg.Engine.FlushEvery,
	}

	runners := make([]dispatcher.Runner, 0, cfg.Shard.Workers)
	for i := range cfg.Shard.Workers {
		w, err := worker.New(i, worker.Deps{
			Source:     a.queue,
			Sessions:   a.sessions,
			Governor:   a.governor,
			Classifier: classify,
			Results:    a.sink,
			Ledger:     a.ledger,
			Markers:    markers,
			Events:     a.hub,
			Clock:      a.clock,
			Logger:     a.logger,
		}, workerCfg)
		if err != nil {
			return fmt.Errorf("worker %d init failed: %w", i, err)
		}
		runners = append(runners, w)
	}

	a.pool = dispatcher.New(runners, dispatcher.Config{
		Shard:          cfg.Shard.ID,
		RunID:          runID,
		Stagger:        cfg.Engine.WorkerStagger,
		ReportInterval: cfg.Telemetry.ReportInterval,
		Ledger:         a.ledger,
		Governor:       a.governor,
		Queue:          a.queue.Stats,
		Sessions:       a.sessions.Channels,
		Events:         a.hub,
		Clock:          a.clock,
		Logger:         a.logger,
	})
	a.logger.Info("worker pool configured",
		zap.Float64("target_rps", cfg.Governor.TargetRPS),
		zap.Int("max_retries", workerCfg.MaxRetries),
		zap.Int("health_every", workerCfg.HealthEvery),
		zap.Bool("markers", markers.Enabled()),
	)
	return nil
}

func (a *App) setupServer() {
	if !a.cfg.Server.Enabled {
		return
	}
	a.apiServer = api.NewServer(a, a.repo, api.Config{APIKey: a.cfg.Server.APIKey}, a.logger)
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Status reports live shard progress.
func (a *App) Status() dispatcher.Status {
	return a.pool.Status()
}

// RunID returns the identifier this run reports under.
func (a *App) RunID() guuid.UUID {
	return a.runID
}

// Run probes every unprocessed identifier and returns the final ledger
// summary. It returns nil on cancellation once partial progress is durable; a
// failed final snapshot is always an error.
func (a *App) Run(ctx context.Context) (ledger.Summary, error) {
	if a.httpServer != nil {
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	runID := progress.UUIDToBytes(a.runID)
	start := a.clock.Now()
	a.hub.Emit(progress.Event{
		RunID: runID,
		TS:    start,
		Stage: progress.StageRunStart,
		Shard: a.cfg.Shard.ID,
		Total: int64(len(a.identifiers)),
	})

	runErr := a.pool.Run(ctx)
	if err := a.sink.Flush(); err != nil {
		runErr = multierr.Append(runErr, fmt.Errorf("flush results: %w: %w", probe.ErrPersistence, err))
	}
	if runErr == nil && ctx.Err() == nil && a.drained() {
		a.ledger.MarkComplete()
	}
	if err := a.ledger.Snapshot(); err != nil {
		runErr = multierr.Append(runErr, fmt.Errorf("final snapshot: %w: %w", probe.ErrPersistence, err))
	}

	summary := a.ledger.Summary()
	done := progress.Event{
		RunID:     runID,
		TS:        a.clock.Now(),
		Stage:     progress.StageRunDone,
		Shard:     a.cfg.Shard.ID,
		Processed: int64(summary.TotalChecked),
		Total:     int64(summary.TotalInput),
		Dur:       a.clock.Now().Sub(start),
	}
	if runErr != nil {
		done.Stage = progress.StageRunError
		done.Note = runErr.Error()
	}
	a.hub.Emit(done)

	fields := []zap.Field{
		zap.String("shard", summary.Shard),
		zap.Int("checked", summary.TotalChecked),
		zap.Int("total", summary.TotalInput),
		zap.Int("available", summary.AvailableCount),
		zap.Int("failed", summary.FailedCount),
		zap.Bool("complete", summary.Complete),
		zap.Duration("elapsed", done.Dur),
	}
	if runErr != nil {
		a.logger.Error("shard run failed", append(fields, zap.Error(runErr))...)
		return summary, runErr
	}
	a.logger.Info("shard run finished", fields...)
	return summary, nil
}

func (a *App) drained() bool {
	st := a.queue.Stats()
	return st.Pending == 0 && st.Retries == 0 && st.InFlight == 0
}

// Close releases every resource in dependency order. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs error
	if a.httpServer != nil {
		errs = multierr.Append(errs, a.httpServer.Shutdown(ctx))
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.sink != nil {
		errs = multierr.Append(errs, a.sink.Close())
	}
	if a.sessions != nil {
		errs = multierr.Append(errs, a.sessions.Close())
	}
	if a.hub != nil {
		errs = multierr.Append(errs, a.hub.Close(ctx))
		a.logger.Debug("progress hub closed",
			zap.Int64("dropped", a.hub.Dropped()),
			zap.Int64("coalesced_heartbeats", a.hub.Coalesced()),
			zap.Int64("sink_errors", a.hub.SinkErrors()),
		)
	}
	if a.publisher != nil {
		errs = multierr.Append(errs, a.publisher.Close())
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracerShutdown != nil {
		errs = multierr.Append(errs, a.tracerShutdown(ctx))
	}
	if errs != nil {
		a.logger.Warn("shutdown completed with errors", zap.Error(errs))
	} else {
		a.logger.Debug("shutdown complete")
	}
	return errs
}
