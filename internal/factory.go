package internal

import (
	"context"
	stderrors "errors"
	"fmt"

	binance "github.com/adshao/go-binance/v2"
	bybit "github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/papertrade/config"
	"github.com/vadiminshakov/papertrade/internal/events"
	"github.com/vadiminshakov/papertrade/internal/services/market/providers"
	"github.com/vadiminshakov/papertrade/internal/storage/accounts"
	"github.com/vadiminshakov/papertrade/internal/storage/tradejournal"
)

// NewAccountStore creates the account store selected by the storage driver.
// This is the single point of truth for dispatching to driver-specific implementations.
func NewAccountStore(ctx context.Context, cfg config.Storage) (accounts.Store, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return accounts.NewMemoryStore(), nil
	case config.StorageFile:
		return accounts.NewFileStore(cfg.Dir)
	case config.StorageRedis:
		return accounts.NewRedisStore(ctx, accounts.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case config.StoragePostgres:
		store, err := accounts.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// NewPriceProvider creates a market data provider by name.
// Exchange clients are used without credentials: tickers are public.
func NewPriceProvider(name string, cfg config.Market) (providers.Provider, error) {
	switch name {
	case config.ProviderCoinGecko:
		return providers.NewCoinGecko(cfg.CoinGeckoURL, cfg.CoinGeckoAPIKey, cfg.FetchTimeout), nil
	case config.ProviderBinance:
		return providers.NewBinance(binance.NewClient("", "")), nil
	case config.ProviderBybit:
		return providers.NewBybit(bybit.NewClient()), nil
	default:
		return nil, fmt.Errorf("unsupported price provider: %s", name)
	}
}

// NewPriceChain builds the failover chain of the configured providers.
func NewPriceChain(l *zap.Logger, cfg config.Market) (*providers.Chain, error) {
	chain := make([]providers.Provider, 0, len(cfg.Providers))
	for _, name := range cfg.Providers {
		p, err := NewPriceProvider(name, cfg)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
	}
	return providers.NewChain(l, chain...)
}

// namedSink is a trade sink that owns a resource.
type namedSink struct {
	name string
	sink interface {
		events.Sink
		Close() error
	}
}

// newTradeSinks opens the trade journal and the Kafka publisher when they are configured.
// The journal comes first so a trade is on disk before it leaves the process.
func newTradeSinks(l *zap.Logger, cfg *config.Config) ([]namedSink, error) {
	var sinks []namedSink

	if cfg.Journal.Enabled {
		journal, err := tradejournal.NewWALStore(cfg.Journal.Dir)
		if err != nil {
			return nil, errors.Wrap(err, "open trade journal")
		}
		sinks = append(sinks, namedSink{name: "journal", sink: journal})
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink, err := events.NewKafkaSink(l.Named("kafka"), cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			_ = closeSinks(sinks)
			return nil, errors.Wrap(err, "create kafka sink")
		}
		sinks = append(sinks, namedSink{name: "kafka", sink: kafkaSink})
	}

	return sinks, nil
}

func closeSinks(sinks []namedSink) error {
	var errs []error
	for _, s := range sinks {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "close %s", s.name))
		}
	}
	return stderrors.Join(errs...)
}
