package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinGecko_Quotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/markets", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		assert.Equal(t, "bitcoin,ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "2", r.URL.Query().Get("per_page"))
		assert.Equal(t, "secret", r.Header.Get(coinGeckoKeyHeader))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"bitcoin","symbol":"btc","name":"Bitcoin","current_price":64000.5,"image":"btc.png","price_change_percentage_24h":1.25,"market_cap":1},
			{"id":"ethereum","symbol":"eth","name":"Ethereum","current_price":3100,"image":"eth.png","price_change_percentage_24h":null}
		]`))
	}))
	defer srv.Close()

	p := NewCoinGecko(srv.URL+"/", "secret", time.Second)
	quotes, err := p.Quotes(context.Background(), []string{"bitcoin", "ethereum"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	assert.Equal(t, "bitcoin", quotes[0].ID)
	assert.Equal(t, "btc", quotes[0].Symbol)
	assert.Equal(t, 64000.5, quotes[0].CurrentPrice)
	assert.Equal(t, 1.25, quotes[0].PriceChange24h)
	assert.Equal(t, 0.0, quotes[1].PriceChange24h)
	assert.Equal(t, "coingecko", p.Name())
}

func TestCoinGecko_Errors(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"rate limited": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		},
		"garbage body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":`))
		},
		"empty list": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[]`))
		},
	}

	for name, handler := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			_, err := NewCoinGecko(srv.URL, "", time.Second).Quotes(context.Background(), []string{"bitcoin"})
			assert.Error(t, err)
		})
	}
}

func TestCoinGecko_RespectsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewCoinGecko(srv.URL, "", time.Minute).Quotes(ctx, []string{"bitcoin"})
	assert.Error(t, err)
}
