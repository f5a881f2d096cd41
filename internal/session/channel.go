package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/availability-prober/internal/probe"
)

// State is the lifecycle state of a Channel.
type State int

// Channel states.
const (
	StateActive State = iota
	StateDegrading
	StateRefreshing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDegrading:
		return "degrading"
	case StateRefreshing:
		return "refreshing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Channel is one established session. It is owned by a single worker, but the
// pool and status reporters may read its counters concurrently.
type Channel struct {
	id               int64
	slot             int
	prober           probe.Prober
	degradeThreshold int
	createdAt        time.Time

	mu            sync.Mutex
	state         State
	requestCount  int
	degradeStreak int
	errorStreak   int
	lastHealthAt  int
}

func newChannel(id int64, slot int, p probe.Prober, degradeThreshold int, now time.Time) *Channel {
	return &Channel{
		id:               id,
		slot:             slot,
		prober:           p,
		degradeThreshold: degradeThreshold,
		createdAt:        now,
		state:            StateActive,
	}
}

// ID uniquely identifies the channel within a Pool.
func (c *Channel) ID() int64 { return c.id }

// Slot is the worker slot the channel was created for.
func (c *Channel) Slot() int { return c.slot }

// CreatedAt reports when the session was established.
func (c *Channel) CreatedAt() time.Time { return c.createdAt }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestCount returns the number of identifier probes issued so far.
func (c *Channel) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestCount
}

// Probe issues one identifier probe and counts it.
func (c *Channel) Probe(ctx context.Context, identifier string) probe.RawResponse {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()
	return c.prober.Probe(ctx, identifier)
}

// HealthProbe issues an out-of-band probe for a marker identifier. It does not
// count towards the request total but marks the current count as checked.
func (c *Channel) HealthProbe(ctx context.Context, marker string) probe.RawResponse {
	c.mu.Lock()
	c.lastHealthAt = c.requestCount
	c.mu.Unlock()
	return c.prober.Probe(ctx, marker)
}

// HealthDue reports whether a health probe should precede the next request:
// every `every` requests, or whenever the channel is Degrading.
func (c *Channel) HealthDue(every int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDegrading {
		return true
	}
	if every <= 0 || c.requestCount == 0 {
		return false
	}
	return c.requestCount%every == 0 && c.lastHealthAt != c.requestCount
}

// RecordDegrade counts a degraded response. It returns true exactly once, on
// the call that moves the channel from Active to Degrading.
func (c *Channel) RecordDegrade() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degradeStreak++
	if c.state == StateActive && c.degradeThreshold > 0 && c.degradeStreak >= c.degradeThreshold {
		c.state = StateDegrading
		return true
	}
	return false
}

// RecordError counts an error response and returns the current error streak.
func (c *Channel) RecordError() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorStreak++
	return c.errorStreak
}

// RecordSuccess resets the streaks and returns a Degrading channel to Active.
func (c *Channel) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degradeStreak = 0
	c.errorStreak = 0
	if c.state == StateDegrading {
		c.state = StateActive
	}
}

// MarkHealthy is called after a passing health probe.
func (c *Channel) MarkHealthy() {
	c.RecordSuccess()
}

// Streaks returns the current degrade and error streaks.
func (c *Channel) Streaks() (degrade, errs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degradeStreak, c.errorStreak
}

// transition moves the channel to next unless it is already Dead.
func (c *Channel) transition(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDead {
		return
	}
	c.state = next
}

func (c *Channel) close() error {
	c.transition(StateDead)
	return c.prober.Close()
}

// MarkerSet rotates through identifiers whose outcome is known in advance.
type MarkerSet struct {
	markers []string
	expect  probe.Kind
	next    atomic.Uint64
}

// NewMarkerSet builds a MarkerSet. An empty marker list disables health probes.
func NewMarkerSet(markers []string, expect probe.Kind) *MarkerSet {
	if expect == "" {
		expect = probe.KindAvailable
	}
	return &MarkerSet{markers: append([]string(nil), markers...), expect: expect}
}

// Enabled reports whether any markers are configured.
func (m *MarkerSet) Enabled() bool {
	return m != nil && len(m.markers) > 0
}

// Next returns the next marker identifier in round-robin order.
func (m *MarkerSet) Next() string {
	if !m.Enabled() {
		return ""
	}
	n := m.next.Add(1) - 1
	return m.markers[n%uint64(len(m.markers))]
}

// Expect is the outcome a healthy session yields for every marker.
func (m *MarkerSet) Expect() probe.Kind {
	return m.expect
}
