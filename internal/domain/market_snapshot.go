package domain

import "time"

// CoinQuote is the market data shown for one coin.
// JSON names follow the CoinGecko markets payload that clients already consume.
type CoinQuote struct {
	ID             string  `json:"id"`
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	CurrentPrice   float64 `json:"current_price"`
	Image          string  `json:"image"`
	PriceChange24h float64 `json:"price_change_percentage_24h"`
}

// MarketSnapshot is a set of quotes fetched together.
type MarketSnapshot struct {
	Quotes    []CoinQuote
	FetchedAt time.Time
	// Source names the provider that produced the quotes.
	Source string
}

// Quote looks up the quote for a coin id.
func (s *MarketSnapshot) Quote(coinID string) (CoinQuote, bool) {
	if s == nil {
		return CoinQuote{}, false
	}
	for _, q := range s.Quotes {
		if q.ID == coinID {
			return q, true
		}
	}
	return CoinQuote{}, false
}

// CacheState tells how a snapshot was served.
type CacheState string

const (
	CacheFresh    CacheState = "fresh"
	CacheStale    CacheState = "stale"
	CacheFallback CacheState = "fallback"
)
