// Package governor paces probes across all workers and adapts the pace to
// feedback from the remote. Spacing grows multiplicatively while degraded
// responses accumulate and shrinks again after sustained success, always
// staying within [minInterval, maxInterval].
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/availability-prober/internal/metrics"
)

const (
	// DefaultMaxFactor bounds the slowest pace as a multiple of the fastest.
	DefaultMaxFactor = 2.0

	degradeTrigger = 2
	successTrigger = 3
	slowdownFactor = 1.05
	speedupFactor  = 0.95
)

// Config controls the governor.
type Config struct {
	// TargetRPS is the global ceiling on probes per second.
	TargetRPS float64
	// MaxFactor is maxInterval / minInterval, between 2 and 2.5.
	MaxFactor float64
}

// Snapshot is a point-in-time view of governor state.
type Snapshot struct {
	Interval        time.Duration `json:"interval"`
	MinInterval     time.Duration `json:"min_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	EffectiveRPS    float64       `json:"effective_rps"`
	RecentDegrades  int           `json:"recent_degrades"`
	RecentSuccesses int           `json:"recent_successes"`
}

// Governor is the shared rate governor. A single instance is shared by pointer
// between all workers of a shard.
type Governor struct {
	mu              sync.Mutex
	limiter         *rate.Limiter
	interval        time.Duration
	minInterval     time.Duration
	maxInterval     time.Duration
	recentDegrades  int
	recentSuccesses int
}

// New creates a Governor starting at the fastest permitted pace.
func New(cfg Config) (*Governor, error) {
	if cfg.TargetRPS <= 0 {
		return nil, fmt.Errorf("target rps must be > 0, got %v", cfg.TargetRPS)
	}
	if cfg.MaxFactor == 0 {
		cfg.MaxFactor = DefaultMaxFactor
	}
	if cfg.MaxFactor < 1 {
		return nil, fmt.Errorf("max factor must be >= 1, got %v", cfg.MaxFactor)
	}
	minInterval := time.Duration(float64(time.Second) / cfg.TargetRPS)
	g := &Governor{
		interval:    minInterval,
		minInterval: minInterval,
		maxInterval: time.Duration(float64(minInterval) * cfg.MaxFactor),
		limiter:     rate.NewLimiter(rate.Every(minInterval), 1),
	}
	metrics.SetGovernorInterval(minInterval)
	return g, nil
}

// Acquire blocks until the caller may issue one probe. Concurrent callers are
// served in reservation order. It returns early with an error when ctx is done.
func (g *Governor) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("governor acquire: %w", err)
	}
	metrics.ObserveGovernorWait(time.Since(start))
	return nil
}

// ReportDegrade records a degraded response. Once more than two arrive without
// enough successes in between, the interval grows by 5%.
func (g *Governor) ReportDegrade() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recentDegrades++
	g.recentSuccesses = 0
	if g.recentDegrades > degradeTrigger {
		g.setIntervalLocked(time.Duration(float64(g.interval) * slowdownFactor))
	}
}

// ReportSuccess records a decisive response. After more than three in a row the
// degrade streak is forgiven and the interval shrinks by 5%.
func (g *Governor) ReportSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recentSuccesses++
	if g.recentSuccesses > successTrigger {
		g.recentDegrades = 0
		g.setIntervalLocked(time.Duration(float64(g.interval) * speedupFactor))
	}
}

func (g *Governor) setIntervalLocked(next time.Duration) {
	if next > g.maxInterval {
		next = g.maxInterval
	}
	if next < g.minInterval {
		next = g.minInterval
	}
	if next == g.interval {
		return
	}
	g.interval = next
	g.limiter.SetLimit(rate.Every(next))
	metrics.SetGovernorInterval(next)
}

// Interval returns the current spacing between probes.
func (g *Governor) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// EffectiveRPS returns the probe ceiling implied by the current interval.
func (g *Governor) EffectiveRPS() float64 {
	return 1 / g.Interval().Seconds()
}

// Snapshot returns the current governor state.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Interval:        g.interval,
		MinInterval:     g.minInterval,
		MaxInterval:     g.maxInterval,
		EffectiveRPS:    1 / g.interval.Seconds(),
		RecentDegrades:  g.recentDegrades,
		RecentSuccesses: g.recentSuccesses,
	}
}
