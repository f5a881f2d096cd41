package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/availability-prober/internal/probe"
)

type stubProber struct {
	closed atomic.Bool
	calls  atomic.Int64
}

func (s *stubProber) Probe(context.Context, string) probe.RawResponse {
	s.calls.Add(1)
	return probe.RawResponse{StatusCode: 200}
}

func (s *stubProber) Close() error {
	s.closed.Store(true)
	return nil
}

type stubFactory struct {
	mu       sync.Mutex
	calls    int
	failures int
	inFlight atomic.Int32
	overlap  atomic.Bool
	probers  []*stubProber
}

func (f *stubFactory) Create(context.Context) (probe.Prober, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("handshake rejected")
	}
	p := &stubProber{}
	f.probers = append(f.probers, p)
	return p, nil
}

func (f *stubFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Unix(0, 0).UTC() }

func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestPool(t *testing.T, f *stubFactory, attempts int) *Pool {
	t.Helper()
	p, err := NewPool(f, PoolConfig{
		FactoryRPS:       1000,
		MaxAttempts:      attempts,
		Backoff:          time.Millisecond,
		DegradeThreshold: 3,
		Clock:            instantClock{},
	})
	require.NoError(t, err)
	return p
}

func TestChannelDegradeTransition(t *testing.T) {
	t.Parallel()

	ch := newChannel(1, 0, &stubProber{}, 3, time.Now())
	require.False(t, ch.RecordDegrade())
	require.False(t, ch.RecordDegrade())
	require.True(t, ch.RecordDegrade())
	require.Equal(t, StateDegrading, ch.State())
	require.False(t, ch.RecordDegrade(), "crossing is reported once")
	require.True(t, ch.HealthDue(100))

	ch.RecordSuccess()
	require.Equal(t, StateActive, ch.State())
	d, e := ch.Streaks()
	require.Zero(t, d)
	require.Zero(t, e)
}

func TestChannelHealthDueEveryK(t *testing.T) {
	t.Parallel()

	ch := newChannel(1, 0, &stubProber{}, 3, time.Now())
	require.False(t, ch.HealthDue(2))
	ch.Probe(context.Background(), "a")
	require.False(t, ch.HealthDue(2))
	ch.Probe(context.Background(), "b")
	require.True(t, ch.HealthDue(2))

	ch.HealthProbe(context.Background(), "marker")
	require.False(t, ch.HealthDue(2), "health probe clears the due flag")
	require.Equal(t, 2, ch.RequestCount())
}

func TestChannelErrorStreak(t *testing.T) {
	t.Parallel()

	ch := newChannel(1, 0, &stubProber{}, 3, time.Now())
	require.Equal(t, 1, ch.RecordError())
	require.Equal(t, 2, ch.RecordError())
	ch.RecordSuccess()
	require.Equal(t, 1, ch.RecordError())
}

func TestMarkerSetRotates(t *testing.T) {
	t.Parallel()

	m := NewMarkerSet([]string{"m1", "m2"}, "")
	require.True(t, m.Enabled())
	require.Equal(t, probe.KindAvailable, m.Expect())
	require.Equal(t, []string{"m1", "m2", "m1"}, []string{m.Next(), m.Next(), m.Next()})

	empty := NewMarkerSet(nil, probe.KindTaken)
	require.False(t, empty.Enabled())
	require.Empty(t, empty.Next())
}

func TestPoolRefreshReplacesChannel(t *testing.T) {
	t.Parallel()

	f := &stubFactory{}
	p := newTestPool(t, f, 3)

	ch, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, f.Calls())

	fresh, err := p.Refresh(context.Background(), ch)
	require.NoError(t, err)
	require.NotEqual(t, ch.ID(), fresh.ID())
	require.Equal(t, StateDead, ch.State())
	require.Equal(t, StateActive, fresh.State())
	require.True(t, f.probers[0].closed.Load())
	require.Equal(t, 2, f.Calls())
	require.EqualValues(t, 1, p.Refreshes())
	require.Equal(t, 1, p.Alive())
}

func TestPoolExhaustion(t *testing.T) {
	t.Parallel()

	f := &stubFactory{failures: 10}
	p := newTestPool(t, f, 3)

	_, err := p.Acquire(context.Background(), 2)
	require.ErrorIs(t, err, probe.ErrSessionExhausted)
	require.Equal(t, 3, f.Calls())
	require.Zero(t, p.Alive())
}

func TestPoolRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	f := &stubFactory{failures: 1}
	p := newTestPool(t, f, 3)

	ch, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, ch)
	require.Equal(t, 2, f.Calls())
}

func TestPoolSerializesFactoryCalls(t *testing.T) {
	t.Parallel()

	f := &stubFactory{}
	p := newTestPool(t, f, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, err := p.Acquire(context.Background(), slot)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.False(t, f.overlap.Load())
	require.Equal(t, 8, p.Alive())
	require.Len(t, p.Channels(), 8)

	require.NoError(t, p.Close())
	require.Zero(t, p.Alive())
}

func TestPoolAcquireCancelled(t *testing.T) {
	t.Parallel()

	f := &stubFactory{}
	p := newTestPool(t, f, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, probe.ErrSessionExhausted)
}
