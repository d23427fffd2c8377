// Package marketdata serves coin quotes through a time-bounded cache that
// degrades to stale or built-in data when upstream fails.
package marketdata

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/papertrade/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL          = 60 * time.Second
	DefaultFetchTimeout = 5 * time.Second

	refreshKey = "quotes"
)

// DefaultCoins are the coin ids shown on the ticker.
var DefaultCoins = []string{"bitcoin", "ethereum", "binancecoin", "solana", "cardano"}

// Upstream fetches quotes for coin ids.
type Upstream interface {
	Name() string
	Quotes(ctx context.Context, coinIDs []string) ([]domain.CoinQuote, error)
}

// Cache is a read-through cache of the market ticker.
// Concurrent refreshes are coalesced so upstream sees at most one request per expiry.
type Cache struct {
	l        *zap.Logger
	upstream Upstream
	coinIDs  []string
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	snapshot *domain.MarketSnapshot
	fallback *domain.MarketSnapshot

	group singleflight.Group

	// ctx bounds fetches; it belongs to the cache, not to any caller.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures the Cache.
type Option func(*Cache)

// WithTTL sets how long a snapshot is served without asking upstream.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFetchTimeout bounds one upstream request.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCoins sets the coin ids requested from upstream.
func WithCoins(coinIDs []string) Option {
	return func(c *Cache) {
		if len(coinIDs) > 0 {
			c.coinIDs = append([]string(nil), coinIDs...)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache in front of upstream.
func New(l *zap.Logger, upstream Upstream, opts ...Option) *Cache {
	if l == nil {
		l = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		l:        l,
		upstream: upstream,
		coinIDs:  append([]string(nil), DefaultCoins...),
		ttl:      DefaultTTL,
		timeout:  DefaultFetchTimeout,
		now:      time.Now,
		fallback: newFallbackSnapshot(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Quotes returns the current snapshot and how it was obtained. It never fails:
// when upstream is unavailable, or ctx ends while waiting for it, the last
// snapshot or the built-in fallback is returned instead.
func (c *Cache) Quotes(ctx context.Context) (*domain.MarketSnapshot, domain.CacheState) {
	if snap := c.fresh(); snap != nil {
		return snap, domain.CacheFresh
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh()
	})

	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*domain.MarketSnapshot), domain.CacheFresh
		}
	case <-ctx.Done():
		c.l.Debug("caller left before market data refresh finished", zap.Error(ctx.Err()))
	}

	return c.degraded()
}

// Price returns the last known market price of coinID.
// Built-in fallback prices are not reported: they are not market data.
func (c *Cache) Price(ctx context.Context, coinID string) (decimal.Decimal, bool) {
	snap, state := c.Quotes(ctx)
	if state == domain.CacheFallback {
		return decimal.Zero, false
	}

	q, ok := snap.Quote(coinID)
	if !ok || q.CurrentPrice <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(q.CurrentPrice), true
}

// Warm fetches a snapshot now unless a fresh one is cached.
func (c *Cache) Warm(ctx context.Context) error {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the state the next read would be served in, without fetching.
func (c *Cache) Status() (domain.CacheState, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.snapshot == nil:
		return domain.CacheFallback, time.Time{}
	case c.now().Sub(c.snapshot.FetchedAt) < c.ttl:
		return domain.CacheFresh, c.snapshot.FetchedAt
	default:
		return domain.CacheStale, c.snapshot.FetchedAt
	}
}

// Close stops in-flight fetches and releases upstream resources.
func (c *Cache) Close() error {
	c.cancel()
	if closer, ok := c.upstream.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *Cache) fresh() *domain.MarketSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.snapshot != nil && c.now().Sub(c.snapshot.FetchedAt) < c.ttl {
		return c.snapshot
	}
	return nil
}

func (c *Cache) degraded() (*domain.MarketSnapshot, domain.CacheState) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.snapshot != nil {
		return c.snapshot, domain.CacheStale
	}
	return c.fallback, domain.CacheFallback
}

// refresh runs inside the single flight.
func (c *Cache) refresh() (*domain.MarketSnapshot, error) {
	// a flight that finished just before this one may have refreshed already
	if snap := c.fresh(); snap != nil {
		return snap, nil
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	started := c.now()
	quotes, err := c.upstream.Quotes(ctx, c.coinIDs)
	if err == nil && len(quotes) == 0 {
		err = errors.New("upstream returned no quotes")
	}
	if err != nil {
		c.l.Warn("market data refresh failed, serving cached data",
			zap.String("upstream", c.upstream.Name()),
			zap.Duration("elapsed", c.now().Sub(started)),
			zap.Error(err))
		return nil, errors.Wrap(err, "refresh market data")
	}

	snap := &domain.MarketSnapshot{
		Quotes:    quotes,
		FetchedAt: c.now(),
		Source:    c.upstream.Name(),
	}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	c.l.Debug("market data refreshed",
		zap.String("upstream", snap.Source),
		zap.Int("quotes", len(quotes)))

	return snap, nil
}
