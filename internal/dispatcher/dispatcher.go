// Package dispatcher fans a shard out to a pool of probe workers and reports
// aggregate progress while they run.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/availability-prober/internal/clock/system"
	"github.com/JakeFAU/availability-prober/internal/probe"
	"github.com/JakeFAU/availability-prober/internal/progress"
	"github.com/JakeFAU/availability-prober/internal/queue/memory"
	"github.com/JakeFAU/availability-prober/internal/session"
	"github.com/JakeFAU/availability-prober/internal/worker"
)

const (
	defaultStagger        = 500 * time.Millisecond
	defaultReportInterval = 2 * time.Second
)

// Runner is a single worker loop.
type Runner interface {
	Run(ctx context.Context) error
	Stats() worker.Stats
}

// Ledger exposes shard progress counters.
type Ledger interface {
	Processed() int
	Total() int
	Counts() map[probe.Kind]int
}

// Throughput reports the governor's current pacing.
type Throughput interface {
	EffectiveRPS() float64
}

// Config wires the pool to the components it reports on. Only Shard is
// required; missing observers leave their part of Status empty.
type Config struct {
	Shard          string
	RunID          [16]byte
	Stagger        time.Duration
	ReportInterval time.Duration
	Ledger         Ledger
	Governor       Throughput
	Queue          func() memory.Stats
	Sessions       func() []session.ChannelStatus
	Events         progress.Emitter
	Clock          probe.Clock
	Logger         *zap.Logger
}

// Status is a point-in-time view of a running shard.
type Status struct {
	Shard        string                  `json:"shard"`
	Running      bool                    `json:"running"`
	Workers      int                     `json:"workers"`
	Alive        int                     `json:"alive"`
	Processed    int                     `json:"processed"`
	Total        int                     `json:"total"`
	Percent      float64                 `json:"percent"`
	Rate         float64                 `json:"rate"`
	EffectiveRPS float64                 `json:"effective_rps"`
	Counts       map[probe.Kind]int      `json:"counts,omitempty"`
	Elapsed      time.Duration           `json:"elapsed"`
	ETA          time.Duration           `json:"eta"`
	Queue        memory.Stats            `json:"queue"`
	Sessions     []session.ChannelStatus `json:"sessions,omitempty"`
	WorkerStats  []worker.Stats          `json:"worker_stats,omitempty"`
}

// Pool runs a fixed set of workers over one shard.
type Pool struct {
	workers []Runner
	cfg     Config
	clock   probe.Clock
	events  progress.Emitter
	logger  *zap.Logger

	alive   atomic.Int32
	running atomic.Bool

	mu             sync.Mutex
	startedAt      time.Time
	startProcessed int
}

// New builds a Pool over workers.
func New(workers []Runner, cfg Config) *Pool {
	if cfg.Stagger < 0 {
		cfg.Stagger = 0
	} else if cfg.Stagger == 0 {
		cfg.Stagger = defaultStagger
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = defaultReportInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	events := cfg.Events
	if events == nil {
		events = progress.NopEmitter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		workers: workers,
		cfg:     cfg,
		clock:   clk,
		events:  events,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts every worker, staggered, and blocks until all of them return.
// A worker that loses its session shrinks the pool; the run fails with
// probe.ErrAllSessionsExhausted only when none are left. Any other worker
// error, such as a persistence failure, cancels the remaining workers and is
// returned.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.workers) == 0 {
		return errors.New("dispatcher has no workers")
	}
	p.mu.Lock()
	p.startedAt = p.clock.Now()
	if p.cfg.Ledger != nil {
		p.startProcessed = p.cfg.Ledger.Processed()
	}
	p.mu.Unlock()
	p.alive.Store(int32(len(p.workers)))
	p.running.Store(true)
	defer p.running.Store(false)

	reportCtx, stopReport := context.WithCancel(ctx)
	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		p.report(reportCtx)
	}()
	defer func() {
		stopReport()
		<-reportDone
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range p.workers {
		delay := p.cfg.Stagger * time.Duration(i)
		g.Go(func() error {
			if delay > 0 {
				if err := p.clock.Sleep(gctx, delay); err != nil {
					p.alive.Add(-1)
					return nil
				}
			}
			return p.runWorker(gctx, i, w)
		})
	}
	err := g.Wait()
	p.logStatus("shard finished")
	if err != nil {
		return fmt.Errorf("shard %s: %w", p.cfg.Shard, err)
	}
	return nil
}

func (p *Pool) runWorker(ctx context.Context, index int, w Runner) error {
	err := w.Run(ctx)
	left := p.alive.Add(-1)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, probe.ErrSessionExhausted):
		p.logger.Warn("worker lost its session",
			zap.Int("index", index),
			zap.Int32("remaining", left),
			zap.Error(err),
		)
		if p.allExhausted(left) {
			return fmt.Errorf("%w: %w", probe.ErrAllSessionsExhausted, err)
		}
		return nil
	default:
		p.logger.Error("worker failed", zap.Int("index", index), zap.Error(err))
		return err
	}
}

// allExhausted reports whether no worker is left to drain the queue. Workers
// only return nil early when the queue is drained or the run is cancelled, so
// running out of live workers with work pending means every session died.
func (p *Pool) allExhausted(left int32) bool {
	if left > 0 {
		return false
	}
	if p.cfg.Queue == nil {
		return true
	}
	st := p.cfg.Queue()
	return st.Pending > 0 || st.Retries > 0 || st.InFlight > 0
}

func (p *Pool) report(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.logStatus("progress")
			p.events.Emit(progress.Event{
				RunID:     p.cfg.RunID,
				TS:        p.clock.Now(),
				Stage:     progress.StageRunHB,
				Shard:     p.cfg.Shard,
				Processed: int64(st.Processed),
				Total:     int64(st.Total),
				Dur:       st.Elapsed,
			})
		}
	}
}

func (p *Pool) logStatus(msg string) Status {
	st := p.Status()
	p.logger.Info(msg,
		zap.String("shard", st.Shard),
		zap.String("processed", humanize.Comma(int64(st.Processed))+"/"+humanize.Comma(int64(st.Total))),
		zap.String("percent", humanize.FormatFloat("####.#", st.Percent)+"%"),
		zap.String("rate", humanize.FormatFloat("####.##", st.Rate)+"/s"),
		zap.String("cap", humanize.FormatFloat("####.##", st.EffectiveRPS)+" rps"),
		zap.Int("alive", st.Alive),
		zap.Any("counts", st.Counts),
		zap.Duration("eta", st.ETA),
	)
	return st
}

// Status assembles the current progress view. It is safe to call from other
// goroutines while Run is in progress.
func (p *Pool) Status() Status {
	p.mu.Lock()
	startedAt, startProcessed := p.startedAt, p.startProcessed
	p.mu.Unlock()

	st := Status{
		Shard:   p.cfg.Shard,
		Running: p.running.Load(),
		Workers: len(p.workers),
		Alive:   int(p.alive.Load()),
	}
	if !startedAt.IsZero() {
		st.Elapsed = p.clock.Now().Sub(startedAt)
	}
	if p.cfg.Ledger != nil {
		st.Processed = p.cfg.Ledger.Processed()
		st.Total = p.cfg.Ledger.Total()
		st.Counts = p.cfg.Ledger.Counts()
	}
	if st.Total > 0 {
		st.Percent = float64(st.Processed) / float64(st.Total) * 100
	}
	if secs := st.Elapsed.Seconds(); secs > 0 {
		st.Rate = float64(st.Processed-startProcessed) / secs
	}
	if st.Rate > 0 && st.Total > st.Processed {
		remaining := float64(st.Total-st.Processed) / st.Rate
		st.ETA = time.Duration(remaining * float64(time.Second)).Round(time.Second)
	}
	if p.cfg.Governor != nil {
		st.EffectiveRPS = p.cfg.Governor.EffectiveRPS()
	}
	if p.cfg.Queue != nil {
		st.Queue = p.cfg.Queue()
	}
	if p.cfg.Sessions != nil {
		st.Sessions = p.cfg.Sessions()
	}
	for _, w := range p.workers {
		st.WorkerStats = append(st.WorkerStats, w.Stats())
	}
	return st
}
