package providers

import (
	"context"
	"strconv"

	bybit "github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/papertrade/internal/domain"
)

// Bybit prices catalog coins from V5 spot tickers.
type Bybit struct {
	client *bybit.Client
}

// NewBybit creates the provider; public market data needs no credentials.
func NewBybit(client *bybit.Client) *Bybit {
	if client == nil {
		client = bybit.NewClient()
	}
	return &Bybit{client: client}
}

func (p *Bybit) Name() string { return "bybit" }

func (p *Bybit) Quotes(ctx context.Context, coinIDs []string) ([]domain.CoinQuote, error) {
	coins, err := resolve(coinIDs)
	if err != nil {
		return nil, err
	}

	quotes := make([]domain.CoinQuote, 0, len(coins))
	for _, coin := range coins {
		q, err := p.quote(ctx, coin)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, q)
	}

	return quotes, nil
}

type bybitResult struct {
	quote domain.CoinQuote
	err   error
}

// quote runs the blocking SDK call in a goroutine so ctx still bounds the wait.
func (p *Bybit) quote(ctx context.Context, coin Coin) (domain.CoinQuote, error) {
	done := make(chan bybitResult, 1)
	go func() {
		q, err := p.fetch(coin)
		done <- bybitResult{quote: q, err: err}
	}()

	select {
	case <-ctx.Done():
		return domain.CoinQuote{}, errors.Wrapf(ctx.Err(), "bybit ticker %s", coin.Ticker())
	case res := <-done:
		return res.quote, res.err
	}
}

func (p *Bybit) fetch(coin Coin) (domain.CoinQuote, error) {
	symbol := bybit.SymbolV5(coin.Ticker())

	result, err := p.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
	})
	if err != nil {
		return domain.CoinQuote{}, errors.Wrapf(err, "bybit ticker %s", coin.Ticker())
	}
	if result == nil || len(result.Result.Spot.List) == 0 {
		return domain.CoinQuote{}, errors.Errorf("bybit returned no ticker for %s", coin.Ticker())
	}

	item := result.Result.Spot.List[0]
	price, err := strconv.ParseFloat(item.LastPrice, 64)
	if err != nil {
		return domain.CoinQuote{}, errors.Wrapf(err, "parse bybit price of %s", coin.Ticker())
	}

	// bybit reports the 24h change as a fraction
	change, err := strconv.ParseFloat(item.Price24HPcnt, 64)
	if err != nil {
		change = 0
	}

	return coin.Quote(price, change*100), nil
}
