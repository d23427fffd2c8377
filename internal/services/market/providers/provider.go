// Package providers fetches coin market quotes from upstream price sources.
package providers

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/papertrade/internal/domain"
	"go.uber.org/zap"
)

// Provider fetches quotes for coin ids (CoinGecko-style ids such as "bitcoin").
type Provider interface {
	Name() string
	Quotes(ctx context.Context, coinIDs []string) ([]domain.CoinQuote, error)
}

// Coin is static metadata of a supported coin.
type Coin struct {
	ID     string
	Symbol string
	Name   string
	Image  string
}

// Ticker returns the USDT spot symbol used by exchanges, e.g. BTCUSDT.
func (c Coin) Ticker() string {
	return strings.ToUpper(c.Symbol) + "USDT"
}

// Quote builds a quote for the coin.
func (c Coin) Quote(price, change24h float64) domain.CoinQuote {
	return domain.CoinQuote{
		ID:             c.ID,
		Symbol:         c.Symbol,
		Name:           c.Name,
		CurrentPrice:   price,
		Image:          c.Image,
		PriceChange24h: change24h,
	}
}

var catalog = map[string]Coin{
	"bitcoin":     {ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", Image: "https://assets.coingecko.com/coins/images/1/large/bitcoin.png"},
	"ethereum":    {ID: "ethereum", Symbol: "eth", Name: "Ethereum", Image: "https://assets.coingecko.com/coins/images/279/large/ethereum.png"},
	"binancecoin": {ID: "binancecoin", Symbol: "bnb", Name: "BNB", Image: "https://assets.coingecko.com/coins/images/825/large/binance-coin-logo.png"},
	"solana":      {ID: "solana", Symbol: "sol", Name: "Solana", Image: "https://assets.coingecko.com/coins/images/4128/large/solana.png"},
	"cardano":     {ID: "cardano", Symbol: "ada", Name: "Cardano", Image: "https://assets.coingecko.com/coins/images/975/large/cardano.png"},
	"ripple":      {ID: "ripple", Symbol: "xrp", Name: "XRP", Image: "https://assets.coingecko.com/coins/images/44/large/xrp-symbol-white-128.png"},
	"dogecoin":    {ID: "dogecoin", Symbol: "doge", Name: "Dogecoin", Image: "https://assets.coingecko.com/coins/images/5/large/dogecoin.png"},
}

// Lookup returns catalog metadata of a coin id.
func Lookup(coinID string) (Coin, bool) {
	c, ok := catalog[coinID]
	return c, ok
}

// resolve maps ids to catalog coins, skipping the ones exchanges cannot price.
func resolve(coinIDs []string) ([]Coin, error) {
	coins := make([]Coin, 0, len(coinIDs))
	for _, id := range coinIDs {
		if c, ok := catalog[id]; ok {
			coins = append(coins, c)
		}
	}
	if len(coins) == 0 {
		return nil, errors.Errorf("none of the coins %v is supported", coinIDs)
	}
	return coins, nil
}

// Chain asks providers in order and returns the first successful answer.
type Chain struct {
	l         *zap.Logger
	providers []Provider
}

// NewChain creates a failover chain; it needs at least one provider.
func NewChain(l *zap.Logger, providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Chain{l: l, providers: providers}, nil
}

// Name lists the chained providers.
func (c *Chain) Name() string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return strings.Join(names, ",")
}

// Quotes returns quotes of the first provider that answers with data.
func (c *Chain) Quotes(ctx context.Context, coinIDs []string) ([]domain.CoinQuote, error) {
	var lastErr error
	for _, p := range c.providers {
		quotes, err := p.Quotes(ctx, coinIDs)
		if err == nil && len(quotes) > 0 {
			return quotes, nil
		}
		if err == nil {
			err = errors.New("empty response")
		}
		lastErr = errors.Wrap(err, p.Name())
		c.l.Warn("price provider failed", zap.String("provider", p.Name()), zap.Error(err))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Wrap(lastErr, "all price providers failed")
}
