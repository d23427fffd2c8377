package internal

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/papertrade/config"
	"github.com/vadiminshakov/papertrade/internal/domain"
	"github.com/vadiminshakov/papertrade/internal/events"
	"github.com/vadiminshakov/papertrade/internal/services/ledger"
	"github.com/vadiminshakov/papertrade/internal/services/marketdata"
	"github.com/vadiminshakov/papertrade/internal/storage/accounts"
	"github.com/vadiminshakov/papertrade/internal/web"
)

const subscriberBuffer = 16

// App is a single papertrade instance: account store, market data, ledger and HTTP API.
type App struct {
	l      *zap.Logger
	cfg    *config.Config
	store  accounts.Store
	market *marketdata.Cache
	sinks  []namedSink
	ledger *ledger.Ledger
	server *web.Server
}

// NewApp creates all components described by cfg. Close releases them.
func NewApp(ctx context.Context, l *zap.Logger, cfg *config.Config) (*App, error) {
	if l == nil {
		l = zap.NewNop()
	}

	chain, err := NewPriceChain(l, cfg.Market)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create price providers")
	}

	store, err := NewAccountStore(ctx, cfg.Storage)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s account store", cfg.Storage.Driver)
	}

	sinks, err := newTradeSinks(l, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	market := marketdata.New(l.Named("market"), chain,
		marketdata.WithTTL(cfg.Market.TTL),
		marketdata.WithFetchTimeout(cfg.Market.FetchTimeout),
		marketdata.WithCoins(cfg.Market.Coins),
	)

	var journal web.JournalReader
	dispatcher := events.NewDispatcher(l.Named("events"), subscriberBuffer)
	for _, s := range sinks {
		dispatcher.AddSink(s.name, s.sink)
		if j, ok := s.sink.(web.JournalReader); ok {
			journal = j
		}
	}

	tradeLedger := ledger.New(l.Named("ledger"), store,
		ledger.WithPriceGuard(market, cfg.Ledger.MaxPriceDeviation),
		ledger.WithDispatcher(dispatcher),
		ledger.WithConflictRetries(cfg.Ledger.ConflictRetries),
	)

	server := web.NewServer(l.Named("web"), web.Options{
		Addr:            fmt.Sprintf(":%d", cfg.Server.Port),
		BasePath:        cfg.Server.BasePath,
		CORSOrigins:     cfg.Server.CORSOrigins,
		JWTSecret:       cfg.Auth.JWTSecret,
		Production:      cfg.IsProduction(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		TLSDomains:      cfg.Server.TLSDomains,
		CertCacheDir:    cfg.Server.CertCacheDir,
		Journal:         journal,
	}, tradeLedger, market, dispatcher)

	return &App{
		l:      l,
		cfg:    cfg,
		store:  store,
		market: market,
		sinks:  sinks,
		ledger: tradeLedger,
		server: server,
	}, nil
}

// Run seeds the configured accounts and serves the API until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.seed(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.market.Warm(ctx); err != nil {
			a.l.Warn("market data not warmed, serving fallback until upstream answers", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return a.server.Start(ctx)
	})

	return g.Wait()
}

// seed opens the configured accounts; existing ones are left as they are.
func (a *App) seed(ctx context.Context) error {
	for _, userID := range a.cfg.Ledger.SeedUsers {
		_, err := a.ledger.OpenAccount(ctx, userID, a.cfg.Ledger.StartingBalance)
		if errors.Is(err, domain.ErrExists) {
			a.l.Debug("account already exists", zap.String("user_id", userID))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "failed to open account %s", userID)
		}
	}
	return nil
}

// Close stops market fetches and releases the sinks and the store.
func (a *App) Close() error {
	var errs []error
	if err := a.market.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close market data"))
	}
	if err := closeSinks(a.sinks); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close account store"))
	}
	return stderrors.Join(errs...)
}
