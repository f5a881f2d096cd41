package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/availability-prober/internal/clock/system"
	"github.com/JakeFAU/availability-prober/internal/metrics"
	"github.com/JakeFAU/availability-prober/internal/probe"
)

const (
	defaultFactoryRPS  = 0.5
	defaultMaxAttempts = 3
	defaultBackoff     = 2 * time.Second
)

// PoolConfig controls session creation.
//   - FactoryRPS: ceiling on factory calls per second across all workers.
//   - MaxAttempts: factory calls per Acquire/Refresh before giving up.
//   - Backoff: base delay between failed attempts, multiplied by the attempt.
//   - DegradeThreshold: degrade streak that moves a channel to Degrading.
type PoolConfig struct {
	FactoryRPS       float64
	MaxAttempts      int
	Backoff          time.Duration
	DegradeThreshold int
	Clock            probe.Clock
	Logger           *zap.Logger
}

// ChannelStatus is a read-only view of a live channel.
type ChannelStatus struct {
	ID           int64     `json:"id"`
	Slot         int       `json:"slot"`
	State        string    `json:"state"`
	RequestCount int       `json:"request_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Pool creates, refreshes and retires channels. Factory calls are serialized
// and paced independently of the probing governor.
type Pool struct {
	factory probe.SessionFactory
	cfg     PoolConfig
	limiter *rate.Limiter
	clock   probe.Clock
	logger  *zap.Logger

	createMu  sync.Mutex
	nextID    atomic.Int64
	created   atomic.Int64
	refreshes atomic.Int64

	mu   sync.Mutex
	live map[int64]*Channel
}

// NewPool builds a Pool around factory.
func NewPool(factory probe.SessionFactory, cfg PoolConfig) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	if cfg.FactoryRPS <= 0 {
		cfg.FactoryRPS = defaultFactoryRPS
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff < 0 {
		return nil, fmt.Errorf("session backoff must be >= 0, got %s", cfg.Backoff)
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = defaultBackoff
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		factory: factory,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.FactoryRPS), 1),
		clock:   clk,
		logger:  logger.Named("session"),
		live:    make(map[int64]*Channel),
	}, nil
}

// Acquire creates the initial channel for a worker slot.
func (p *Pool) Acquire(ctx context.Context, slot int) (*Channel, error) {
	return p.create(ctx, slot)
}

// Refresh retires old and returns a replacement for the same slot. The old
// channel is closed and ends Dead whether or not a replacement is obtained.
func (p *Pool) Refresh(ctx context.Context, old *Channel) (*Channel, error) {
	if old == nil {
		return nil, errors.New("refresh requires a channel")
	}
	old.transition(StateRefreshing)
	p.refreshes.Add(1)
	p.logger.Info("refreshing session",
		zap.Int64("session_id", old.ID()),
		zap.Int("slot", old.Slot()),
		zap.Int("requests", old.RequestCount()),
	)
	if err := p.Retire(old); err != nil {
		p.logger.Warn("close retired session", zap.Int64("session_id", old.ID()), zap.Error(err))
	}
	return p.create(ctx, old.Slot())
}

// Retire closes ch and removes it from the live set.
func (p *Pool) Retire(ch *Channel) error {
	if ch == nil {
		return nil
	}
	p.mu.Lock()
	_, ok := p.live[ch.ID()]
	delete(p.live, ch.ID())
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := ch.close(); err != nil {
		return fmt.Errorf("close session %d: %w", ch.ID(), err)
	}
	return nil
}

func (p *Pool) create(ctx context.Context, slot int) (*Channel, error) {
	p.createMu.Lock()
	defer p.createMu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for session slot: %w", err)
		}
		prober, err := p.factory.Create(ctx)
		metrics.ObserveSessionCreate(err == nil)
		if err == nil {
			ch := newChannel(p.nextID.Add(1), slot, prober, p.cfg.DegradeThreshold, p.clock.Now())
			p.created.Add(1)
			p.mu.Lock()
			p.live[ch.ID()] = ch
			p.mu.Unlock()
			p.logger.Debug("session created", zap.Int64("session_id", ch.ID()), zap.Int("slot", slot))
			return ch, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("create session: %w", ctxErr)
		}
		lastErr = err
		p.logger.Warn("session create failed",
			zap.Int("slot", slot),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.cfg.MaxAttempts),
			zap.Error(err),
		)
		if attempt < p.cfg.MaxAttempts {
			if err := p.clock.Sleep(ctx, p.cfg.Backoff*time.Duration(attempt)); err != nil {
				return nil, fmt.Errorf("session backoff: %w", err)
			}
		}
	}
	return nil, fmt.Errorf("slot %d after %d attempts: %w: %w", slot, p.cfg.MaxAttempts, probe.ErrSessionExhausted, lastErr)
}

// Created is the number of channels successfully created.
func (p *Pool) Created() int64 { return p.created.Load() }

// Refreshes is the number of refresh cycles started.
func (p *Pool) Refreshes() int64 { return p.refreshes.Load() }

// Alive is the number of channels not yet retired.
func (p *Pool) Alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Channels lists the live channels ordered by slot.
func (p *Pool) Channels() []ChannelStatus {
	p.mu.Lock()
	out := make([]ChannelStatus, 0, len(p.live))
	for _, ch := range p.live {
		out = append(out, ChannelStatus{
			ID:           ch.ID(),
			Slot:         ch.Slot(),
			State:        ch.State().String(),
			RequestCount: ch.RequestCount(),
			CreatedAt:    ch.CreatedAt(),
		})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Close retires every live channel.
func (p *Pool) Close() error {
	p.mu.Lock()
	chans := make([]*Channel, 0, len(p.live))
	for _, ch := range p.live {
		chans = append(chans, ch)
	}
	p.mu.Unlock()

	var errs error
	for _, ch := range chans {
		errs = multierr.Append(errs, p.Retire(ch))
	}
	return errs
}
