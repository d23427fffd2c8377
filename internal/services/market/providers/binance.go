package providers

import (
	"context"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/papertrade/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Binance prices catalog coins from the 24h ticker statistics of their USDT pairs.
type Binance struct {
	client *binance.Client
}

// NewBinance creates the provider; public market data needs no credentials.
func NewBinance(client *binance.Client) *Binance {
	if client == nil {
		client = binance.NewClient("", "")
	}
	return &Binance{client: client}
}

func (p *Binance) Name() string { return "binance" }

func (p *Binance) Quotes(ctx context.Context, coinIDs []string) ([]domain.CoinQuote, error) {
	coins, err := resolve(coinIDs)
	if err != nil {
		return nil, err
	}

	quotes := make([]domain.CoinQuote, len(coins))
	g, gctx := errgroup.WithContext(ctx)
	for i, coin := range coins {
		g.Go(func() error {
			stats, err := p.client.NewListPriceChangeStatsService().Symbol(coin.Ticker()).Do(gctx)
			if err != nil {
				return errors.Wrapf(err, "binance ticker %s", coin.Ticker())
			}
			if len(stats) == 0 {
				return errors.Errorf("binance returned no ticker for %s", coin.Ticker())
			}

			price, err := strconv.ParseFloat(stats[0].LastPrice, 64)
			if err != nil {
				return errors.Wrapf(err, "parse binance price of %s", coin.Ticker())
			}
			change, err := strconv.ParseFloat(stats[0].PriceChangePercent, 64)
			if err != nil {
				return errors.Wrapf(err, "parse binance change of %s", coin.Ticker())
			}

			quotes[i] = coin.Quote(price, change)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return quotes, nil
}
