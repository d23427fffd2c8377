package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/papertrade/internal/domain"
)

const (
	defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	coinGeckoKeyHeader  = "x-cg-demo-api-key"
)

// CoinGecko reads the /coins/markets endpoint.
type CoinGecko struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewCoinGecko creates the provider. An empty baseURL selects the public API.
func NewCoinGecko(baseURL, apiKey string, timeout time.Duration) *CoinGecko {
	if baseURL == "" {
		baseURL = defaultCoinGeckoURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *CoinGecko) Name() string { return "coingecko" }

func (p *CoinGecko) Quotes(ctx context.Context, coinIDs []string) ([]domain.CoinQuote, error) {
	if len(coinIDs) == 0 {
		return nil, errors.New("no coin ids requested")
	}

	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("ids", strings.Join(coinIDs, ","))
	params.Set("order", "market_cap_desc")
	params.Set("per_page", fmt.Sprint(len(coinIDs)))
	params.Set("page", "1")
	params.Set("sparkline", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/coins/markets?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build coingecko request")
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set(coinGeckoKeyHeader, p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "coingecko request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("coingecko http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var quotes []domain.CoinQuote
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return nil, errors.Wrap(err, "decode coingecko response")
	}
	if len(quotes) == 0 {
		return nil, errors.New("coingecko returned no quotes")
	}

	return quotes, nil
}
