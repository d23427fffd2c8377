package marketdata

import "github.com/vadiminshakov/papertrade/internal/domain"

// FallbackSource names snapshots built from fallbackQuotes.
const FallbackSource = "fallback"

// fallbackQuotes keep the ticker populated when upstream has never answered.
var fallbackQuotes = []domain.CoinQuote{
	{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", CurrentPrice: 98500, Image: "https://assets.coingecko.com/coins/images/1/large/bitcoin.png", PriceChange24h: 1.5},
	{ID: "ethereum", Symbol: "eth", Name: "Ethereum", CurrentPrice: 2850, Image: "https://assets.coingecko.com/coins/images/279/large/ethereum.png", PriceChange24h: -0.8},
	{ID: "binancecoin", Symbol: "bnb", Name: "BNB", CurrentPrice: 610, Image: "https://assets.coingecko.com/coins/images/825/large/binance-coin-logo.png", PriceChange24h: 0.2},
	{ID: "solana", Symbol: "sol", Name: "Solana", CurrentPrice: 195, Image: "https://assets.coingecko.com/coins/images/4128/large/solana.png", PriceChange24h: 5.4},
	{ID: "cardano", Symbol: "ada", Name: "Cardano", CurrentPrice: 0.65, Image: "https://assets.coingecko.com/coins/images/975/large/cardano.png", PriceChange24h: 1.1},
}

func newFallbackSnapshot() *domain.MarketSnapshot {
	quotes := make([]domain.CoinQuote, len(fallbackQuotes))
	copy(quotes, fallbackQuotes)
	return &domain.MarketSnapshot{
		Quotes: quotes,
		Source: FallbackSource,
	}
}
