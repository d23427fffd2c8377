package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/papertrade/internal/domain"
)

type fakeUpstream struct {
	calls atomic.Int32
	gate  chan struct{}

	mu     sync.Mutex
	err    error
	price  float64
	ctxErr error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{price: 60000}
}

func (f *fakeUpstream) Name() string { return "fake" }

func (f *fakeUpstream) Quotes(ctx context.Context, coinIDs []string) ([]domain.CoinQuote, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			f.mu.Lock()
			f.ctxErr = ctx.Err()
			f.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	quotes := make([]domain.CoinQuote, 0, len(coinIDs))
	for _, id := range coinIDs {
		quotes = append(quotes, domain.CoinQuote{ID: id, Symbol: id[:3], CurrentPrice: f.price})
	}
	return quotes, nil
}

func (f *fakeUpstream) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCache_ServesSameSnapshotWithinTTL(t *testing.T) {
	up := newFakeUpstream()
	clk := newClock()
	c := New(nil, up, WithClock(clk.Now))

	first, state := c.Quotes(context.Background())
	require.Equal(t, domain.CacheFresh, state)
	require.Len(t, first.Quotes, len(DefaultCoins))
	assert.Equal(t, "fake", first.Source)
	assert.True(t, first.FetchedAt.Equal(clk.Now()))

	clk.Advance(59 * time.Second)
	second, state := c.Quotes(context.Background())
	assert.Equal(t, domain.CacheFresh, state)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), up.calls.Load())

	clk.Advance(time.Second)
	third, state := c.Quotes(context.Background())
	assert.Equal(t, domain.CacheFresh, state)
	assert.NotSame(t, first, third)
	assert.Equal(t, int32(2), up.calls.Load())
}

func TestCache_CoalescesConcurrentRefreshes(t *testing.T) {
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	c := New(nil, up)

	const callers = 50
	var (
		wg      sync.WaitGroup
		results = make([]*domain.MarketSnapshot, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, state := c.Quotes(context.Background())
			assert.Equal(t, domain.CacheFresh, state)
			results[i] = snap
		}()
	}

	require.Eventually(t, func() bool { return up.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(up.gate)
	wg.Wait()

	assert.Equal(t, int32(1), up.calls.Load())
	for _, snap := range results {
		assert.Same(t, results[0], snap)
	}
}

func TestCache_FallbackWhenUpstreamNeverAnswered(t *testing.T) {
	up := newFakeUpstream()
	up.fail(errors.New("503"))
	c := New(nil, up)

	snap, state := c.Quotes(context.Background())
	assert.Equal(t, domain.CacheFallback, state)
	require.Len(t, snap.Quotes, 5)
	assert.Equal(t, FallbackSource, snap.Source)
	for _, q := range snap.Quotes {
		assert.NotEmpty(t, q.ID)
		assert.Greater(t, q.CurrentPrice, 0.0)
	}
	btc, ok := snap.Quote("bitcoin")
	require.True(t, ok)
	assert.Equal(t, 98500.0, btc.CurrentPrice)
}

func TestCache_ServesStaleOnFailure(t *testing.T) {
	up := newFakeUpstream()
	clk := newClock()
	c := New(nil, up, WithClock(clk.Now))

	good, state := c.Quotes(context.Background())
	require.Equal(t, domain.CacheFresh, state)

	clk.Advance(2 * time.Minute)
	up.fail(errors.New("timeout"))

	snap, state := c.Quotes(context.Background())
	assert.Equal(t, domain.CacheStale, state)
	assert.Same(t, good, snap)

	status, fetchedAt := c.Status()
	assert.Equal(t, domain.CacheStale, status)
	assert.True(t, fetchedAt.Equal(good.FetchedAt))

	up.fail(nil)
	snap, state = c.Quotes(context.Background())
	assert.Equal(t, domain.CacheFresh, state)
	assert.NotSame(t, good, snap)
}

func TestCache_CallerCancellationDoesNotCancelFetch(t *testing.T) {
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	c := New(nil, up)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.CacheState, 1)
	go func() {
		_, state := c.Quotes(ctx)
		done <- state
	}()

	require.Eventually(t, func() bool { return up.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case state := <-done:
		assert.Equal(t, domain.CacheFallback, state)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller was not released")
	}

	close(up.gate)
	require.Eventually(t, func() bool {
		state, _ := c.Status()
		return state == domain.CacheFresh
	}, time.Second, time.Millisecond)
	assert.NoError(t, up.ctxErr)
}

func TestCache_FetchTimeout(t *testing.T) {
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	defer close(up.gate)
	c := New(nil, up, WithFetchTimeout(20*time.Millisecond))

	start := time.Now()
	_, state := c.Quotes(context.Background())
	assert.Equal(t, domain.CacheFallback, state)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, up.ctxErr, context.DeadlineExceeded)
}

func TestCache_Price(t *testing.T) {
	up := newFakeUpstream()
	c := New(nil, up, WithCoins([]string{"bitcoin"}))

	price, ok := c.Price(context.Background(), "bitcoin")
	require.True(t, ok)
	assert.Equal(t, "60000", price.String())

	_, ok = c.Price(context.Background(), "ethereum")
	assert.False(t, ok)

	down := newFakeUpstream()
	down.fail(errors.New("down"))
	_, ok = New(nil, down).Price(context.Background(), "bitcoin")
	assert.False(t, ok, "fallback prices must not be used as market data")
}

func TestCache_WarmAndStatus(t *testing.T) {
	up := newFakeUpstream()
	c := New(nil, up)

	state, _ := c.Status()
	assert.Equal(t, domain.CacheFallback, state)

	require.NoError(t, c.Warm(context.Background()))
	state, _ = c.Status()
	assert.Equal(t, domain.CacheFresh, state)

	require.NoError(t, c.Warm(context.Background()))
	assert.Equal(t, int32(1), up.calls.Load())

	failing := newFakeUpstream()
	failing.fail(errors.New("down"))
	assert.Error(t, New(nil, failing).Warm(context.Background()))
}

func TestCache_CloseCancelsInFlightFetch(t *testing.T) {
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	defer close(up.gate)
	c := New(nil, up, WithFetchTimeout(time.Minute))

	done := make(chan domain.CacheState, 1)
	go func() {
		_, state := c.Quotes(context.Background())
		done <- state
	}()

	require.Eventually(t, func() bool { return up.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case state := <-done:
		assert.Equal(t, domain.CacheFallback, state)
	case <-time.After(time.Second):
		t.Fatal("close did not stop the fetch")
	}
}
