package web

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/papertrade/internal/domain"
	"github.com/vadiminshakov/papertrade/internal/events"
	"github.com/vadiminshakov/papertrade/internal/services/ledger"
	"github.com/vadiminshakov/papertrade/internal/storage/accounts"
	"github.com/vadiminshakov/papertrade/internal/storage/tradejournal"
)

const testSecret = "test-secret"

type stubMarket struct {
	snap  *domain.MarketSnapshot
	state domain.CacheState
}

func (m *stubMarket) Quotes(context.Context) (*domain.MarketSnapshot, domain.CacheState) {
	return m.snap, m.state
}

func (m *stubMarket) Status() (domain.CacheState, time.Time) {
	return m.state, m.snap.FetchedAt
}

type stubJournal struct {
	entries  []tradejournal.Entry
	gotUser  string
	gotAfter uint64
}

func (j *stubJournal) UserEntries(userID string, after uint64) ([]tradejournal.Entry, error) {
	j.gotUser, j.gotAfter = userID, after
	return j.entries, nil
}

func (j *stubJournal) CurrentIndex() uint64 { return 7 }

type failingLedger struct{ err error }

func (f failingLedger) ExecuteTrade(context.Context, string, domain.TradeRequest) (*domain.TradeResult, error) {
	return nil, f.err
}

func (f failingLedger) Account(context.Context, string) (*domain.Account, error) {
	return nil, f.err
}

type fixture struct {
	srv        *Server
	handler    http.Handler
	dispatcher *events.Dispatcher
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	store := accounts.NewMemoryStore()
	acc, err := domain.NewAccount("alice", decimal.NewFromInt(10000))
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), acc))

	dispatcher := events.NewDispatcher(nil, 8)
	l := ledger.New(nil, store, ledger.WithDispatcher(dispatcher))

	market := &stubMarket{
		snap: &domain.MarketSnapshot{
			Quotes:    []domain.CoinQuote{{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", CurrentPrice: 50000}},
			FetchedAt: time.Now(),
			Source:    "stub",
		},
		state: domain.CacheFresh,
	}

	if opts.JWTSecret == "" {
		opts.JWTSecret = testSecret
	}
	srv := NewServer(nil, opts, l, market, dispatcher)
	return &fixture{srv: srv, handler: srv.Handler(), dispatcher: dispatcher}
}

func token(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func aliceToken(t *testing.T) string {
	return token(t, testSecret, jwt.MapClaims{"id": "alice", "exp": time.Now().Add(time.Hour).Unix()})
}

func do(h http.Handler, method, path, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_RootAndHealth(t *testing.T) {
	f := newFixture(t, Options{})

	rec := do(f.handler, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, rootText, rec.Body.String())

	rec = do(f.handler, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "fresh", body["market"].(map[string]any)["state"])

	rec = do(f.handler, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Coins(t *testing.T) {
	f := newFixture(t, Options{})

	rec := do(f.handler, http.MethodGet, "/trade/coins", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fresh", rec.Header().Get(cacheStateHeader))

	var quotes []domain.CoinQuote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quotes))
	require.Len(t, quotes, 1)
	assert.Equal(t, 50000.0, quotes[0].CurrentPrice)
	assert.Contains(t, rec.Body.String(), `"current_price":50000`)
}

func TestServer_BasePath(t *testing.T) {
	f := newFixture(t, Options{BasePath: "/api/"})

	assert.Equal(t, http.StatusOK, do(f.handler, http.MethodGet, "/api/trade/coins", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(f.handler, http.MethodGet, "/trade/coins", "", "").Code)
	assert.Equal(t, http.StatusOK, do(f.handler, http.MethodGet, "/", "", "").Code)
}

func TestServer_ExecuteTrade(t *testing.T) {
	f := newFixture(t, Options{})

	rec := do(f.handler, http.MethodPost, "/trade/execute", aliceToken(t),
		`{"coinId":"bitcoin","symbol":"btc","amount":0.1,"price":"50000","type":"buy"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Successfully bought 0.1 BTC", body["message"])
	assert.Equal(t, 5000.0, body["balance"])
	portfolio := body["portfolio"].([]any)
	require.Len(t, portfolio, 1)
	assert.Equal(t, "bitcoin", portfolio[0].(map[string]any)["coinId"])
	assert.Equal(t, 50000.0, portfolio[0].(map[string]any)["averagePrice"])

	rec = do(f.handler, http.MethodPost, "/trade/execute", aliceToken(t),
		`{"coinId":"bitcoin","symbol":"btc","amount":"0.1","price":52000,"type":"sell"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	assert.Equal(t, "Successfully sold 0.1 BTC", body["message"])
	assert.Equal(t, 10200.0, body["balance"])
	assert.Empty(t, body["portfolio"])
}

func TestServer_ExecuteTradeErrors(t *testing.T) {
	f := newFixture(t, Options{})

	tests := map[string]struct {
		bearer  string
		body    string
		status  int
		message string
	}{
		"insufficient balance": {
			bearer: aliceToken(t), body: `{"coinId":"bitcoin","symbol":"btc","amount":1,"price":50000,"type":"buy"}`,
			status: http.StatusBadRequest, message: "Insufficient balance",
		},
		"nothing to sell": {
			bearer: aliceToken(t), body: `{"coinId":"bitcoin","symbol":"btc","amount":1,"price":50000,"type":"sell"}`,
			status: http.StatusBadRequest, message: "Not enough coins to sell",
		},
		"zero amount": {
			bearer: aliceToken(t), body: `{"coinId":"bitcoin","symbol":"btc","amount":0,"price":50000,"type":"buy"}`,
			status: http.StatusBadRequest, message: "amount must be greater than zero",
		},
		"extreme exponent": {
			bearer: aliceToken(t), body: `{"coinId":"bitcoin","symbol":"btc","amount":1e-20000000,"price":1,"type":"buy"}`,
			status: http.StatusBadRequest, message: "amount must have at most 18 decimal places",
		},
		"oversized price": {
			bearer: aliceToken(t), body: `{"coinId":"bitcoin","symbol":"btc","amount":"1","price":"1e400","type":"sell"}`,
			status: http.StatusBadRequest, message: "price is too large",
		},
		"dust buy": {
			bearer: aliceToken(t), body: `{"coinId":"bitcoin","symbol":"btc","amount":"0.000000001","price":50000,"type":"buy"}`,
			status: http.StatusBadRequest, message: "amount must be greater than 0.00000001",
		},
		"buy below one cent": {
			bearer: aliceToken(t), body: `{"coinId":"bitcoin","symbol":"btc","amount":"0.0000001","price":50000,"type":"buy"}`,
			status: http.StatusBadRequest, message: "trade total must be at least 0.01",
		},
		"unknown type": {
			bearer: aliceToken(t), body: `{"coinId":"bitcoin","symbol":"btc","amount":1,"price":1,"type":"hold"}`,
			status: http.StatusBadRequest, message: `type must be "buy" or "sell"`,
		},
		"malformed body": {
			bearer: aliceToken(t), body: `{"amount":"lots"}`,
			status: http.StatusBadRequest, message: "Invalid trade request",
		},
		"unknown user": {
			bearer: token(t, testSecret, jwt.MapClaims{"id": "ghost"}), body: `{"coinId":"bitcoin","symbol":"btc","amount":1,"price":1,"type":"buy"}`,
			status: http.StatusNotFound, message: "User not found",
		},
		"no token": {
			body:   `{}`,
			status: http.StatusUnauthorized, message: msgNoToken,
		},
		"wrong secret": {
			bearer: token(t, "other", jwt.MapClaims{"id": "alice"}), body: `{}`,
			status: http.StatusUnauthorized, message: msgTokenFailed,
		},
		"expired token": {
			bearer: token(t, testSecret, jwt.MapClaims{"id": "alice", "exp": time.Now().Add(-time.Hour).Unix()}), body: `{}`,
			status: http.StatusUnauthorized, message: msgTokenFailed,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			rec := do(f.handler, http.MethodPost, "/trade/execute", tt.bearer, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, decodeBody(t, rec)["message"])
		})
	}
}

func TestServer_InternalErrorDetail(t *testing.T) {
	market := &stubMarket{snap: &domain.MarketSnapshot{}, state: domain.CacheFallback}
	body := `{"coinId":"bitcoin","symbol":"btc","amount":1,"price":1,"type":"buy"}`
	cause := errors.Wrap(domain.ErrConflict, "save account after 3 retries")

	dev := NewServer(nil, Options{JWTSecret: testSecret}, failingLedger{err: cause}, market, nil).Handler()
	rec := do(dev, http.MethodPost, "/trade/execute", aliceToken(t), body)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, msgTradeFailed, resp["message"])
	assert.Contains(t, resp["detail"], "account was modified concurrently")

	prod := NewServer(nil, Options{JWTSecret: testSecret, Production: true}, failingLedger{err: cause}, market, nil).Handler()
	rec = do(prod, http.MethodPost, "/trade/execute", aliceToken(t), body)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp = decodeBody(t, rec)
	assert.Equal(t, msgTradeFailed, resp["message"])
	assert.NotContains(t, resp, "detail")
}

func TestServer_Portfolio(t *testing.T) {
	f := newFixture(t, Options{})

	rec := do(f.handler, http.MethodPost, "/trade/execute", aliceToken(t),
		`{"coinId":"ethereum","symbol":"ETH","amount":2,"price":3000,"type":"buy"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(f.handler, http.MethodGet, "/trade/portfolio", aliceToken(t), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Balance      float64 `json:"balance"`
		Portfolio    []map[string]any
		TradeHistory []map[string]any `json:"tradeHistory"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 4000.0, resp.Balance)
	require.Len(t, resp.Portfolio, 1)
	require.Len(t, resp.TradeHistory, 1)
	assert.Equal(t, "buy", resp.TradeHistory[0]["type"])
	assert.NotEmpty(t, resp.TradeHistory[0]["id"])

	assert.Equal(t, http.StatusUnauthorized, do(f.handler, http.MethodGet, "/trade/portfolio", "", "").Code)
}

func TestServer_CORS(t *testing.T) {
	f := newFixture(t, Options{CORSOrigins: []string{"https://app.example.com/"}})

	req := httptest.NewRequest(http.MethodOptions, "/trade/execute", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, corsMethods, rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, corsHeaders, rec.Header().Get("Access-Control-Allow-Headers"))

	req = httptest.NewRequest(http.MethodGet, "/trade/coins", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	wildcard := newFixture(t, Options{})
	rec = do(wildcard.handler, http.MethodGet, "/trade/coins", "", "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_TradeStream(t *testing.T) {
	f := newFixture(t, Options{})
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/trade/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+aliceToken(t))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	rec := do(f.handler, http.MethodPost, "/trade/execute", aliceToken(t),
		`{"coinId":"bitcoin","symbol":"BTC","amount":0.1,"price":50000,"type":"buy"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimRight(line, "\n"); line != "" {
			lines = append(lines, line)
		}
	}
	assert.True(t, strings.HasPrefix(lines[0], "id: "))
	assert.Equal(t, "event: trade", lines[1])
	require.True(t, strings.HasPrefix(lines[2], "data: "))

	var evt map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &evt))
	assert.Equal(t, 5000.0, evt["balance"])
	assert.Equal(t, "buy", evt["trade"].(map[string]any)["type"])
}

func TestServer_TradeStreamEndsOnShutdown(t *testing.T) {
	f := newFixture(t, Options{})
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/trade/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+aliceToken(t))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	f.srv.stopStreams()
	f.srv.stopStreams()

	_, err = io.ReadAll(reader)
	require.NoError(t, err)
	assert.NoError(t, ctx.Err(), "stream should end before the client gives up")
}

func TestServer_RequestContextOutlivesShutdownSignal(t *testing.T) {
	f := newFixture(t, Options{})

	type key struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	server := f.srv.newHTTPServer(ctx, ":0", f.handler)
	cancel()

	base := server.BaseContext(nil)
	assert.NoError(t, base.Err())
	assert.Equal(t, "v", base.Value(key{}))
}

func TestServer_Journal(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, Options{})
		rec := do(f.handler, http.MethodGet, "/trade/journal", aliceToken(t), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "trade journal is disabled", decodeBody(t, rec)["message"])
	})

	journal := &stubJournal{entries: []tradejournal.Entry{{
		Index: 5,
		Event: domain.TradeEvent{
			UserID: "alice",
			Record: domain.TradeRecord{
				ID: "t5", Type: domain.SideSell, CoinID: "bitcoin", Symbol: "btc",
				Amount: decimal.RequireFromString("0.1"), Price: decimal.NewFromInt(52000),
			},
			Balance:   decimal.RequireFromString("10200"),
			Portfolio: []domain.Position{},
		},
	}}}
	f := newFixture(t, Options{Journal: journal})

	t.Run("requires a token", func(t *testing.T) {
		rec := do(f.handler, http.MethodGet, "/trade/journal", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad after", func(t *testing.T) {
		rec := do(f.handler, http.MethodGet, "/trade/journal?after=-1", aliceToken(t), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("replay", func(t *testing.T) {
		rec := do(f.handler, http.MethodGet, "/trade/journal?after=4", aliceToken(t), "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", journal.gotUser)
		assert.Equal(t, uint64(4), journal.gotAfter)

		body := decodeBody(t, rec)
		assert.Equal(t, 7.0, body["currentIndex"])
		entries := body["entries"].([]any)
		require.Len(t, entries, 1)
		entry := entries[0].(map[string]any)
		assert.Equal(t, 5.0, entry["index"])
		assert.Equal(t, 10200.0, entry["balance"])
		assert.Equal(t, "t5", entry["trade"].(map[string]any)["id"])
	})
}

func TestAuthGate_Verify(t *testing.T) {
	gate := NewAuthGate(nil, testSecret)

	id, err := gate.Verify(token(t, testSecret, jwt.MapClaims{"id": "alice", "sub": "ignored"}))
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	id, err = gate.Verify(token(t, testSecret, jwt.MapClaims{"sub": "bob"}))
	require.NoError(t, err)
	assert.Equal(t, "bob", id)

	_, err = gate.Verify(token(t, testSecret, jwt.MapClaims{"name": "nobody"}))
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"id": "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = gate.Verify(none)
	assert.Error(t, err)

	_, err = NewAuthGate(nil, "").Verify(token(t, testSecret, jwt.MapClaims{"id": "alice"}))
	assert.Error(t, err)
}

func TestStatusOf(t *testing.T) {
	tests := map[string]struct {
		err    error
		status int
		msg    string
	}{
		"validation":      {err: domain.Invalid("symbol is required"), status: http.StatusBadRequest, msg: "symbol is required"},
		"price deviation": {err: domain.InvalidBecause(domain.ErrPriceDeviation, "too far"), status: http.StatusBadRequest, msg: "too far"},
		"funds":           {err: domain.ErrInsufficientFunds, status: http.StatusBadRequest, msg: "Insufficient balance"},
		"holdings":        {err: errors.Wrap(domain.ErrInsufficientHoldings, "sell"), status: http.StatusBadRequest, msg: "Not enough coins to sell"},
		"not found":       {err: domain.ErrNotFound, status: http.StatusNotFound, msg: "User not found"},
		"conflict":        {err: domain.ErrConflict, status: http.StatusInternalServerError, msg: msgTradeFailed},
		"cancelled":       {err: context.Canceled, status: http.StatusInternalServerError, msg: msgTradeFailed},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			status, msg := statusOf(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.msg, msg)
		})
	}
}

func TestNewServer_Defaults(t *testing.T) {
	srv := NewServer(nil, Options{BasePath: "/api/"}, failingLedger{}, &stubMarket{snap: &domain.MarketSnapshot{}}, nil)

	assert.Equal(t, "/api", srv.opts.BasePath)
	assert.Equal(t, defaultHeartbeat, srv.opts.Heartbeat)
	assert.Equal(t, defaultShutdownTimeout, srv.opts.ShutdownTimeout)
	assert.Equal(t, defaultCertCacheDir, srv.opts.CertCacheDir)

	rec := do(srv.Handler(), http.MethodGet, "/api/trade/stream", aliceToken(t), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "empty secret rejects every token")
}
