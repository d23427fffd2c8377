// Command sse_load opens many authenticated trade streams against a running
// papertrade instance and optionally places trades so the streams carry events.
//
// The accounts load-0..load-N must exist, e.g. via ledger.seed_users.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type counters struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	events      atomic.Int64
	trades      atomic.Int64
	tradeErrs   atomic.Int64
}

func main() {
	var (
		baseURL     string
		secret      string
		connections int
		users       int
		duration    time.Duration
		rampUp      time.Duration
		tradeEvery  time.Duration
	)

	flag.StringVar(&baseURL, "url", "http://localhost:5000", "papertrade base URL including the base path")
	flag.StringVar(&secret, "secret", "", "JWT secret the server verifies tokens with")
	flag.IntVar(&connections, "conns", 1000, "number of concurrent streams to open")
	flag.IntVar(&users, "users", 10, "number of distinct users the streams are spread over")
	flag.DurationVar(&duration, "dur", 60*time.Second, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 0, "spread connection starts across this window")
	flag.DurationVar(&tradeEvery, "trade-every", time.Second, "interval between trades per user (0 disables trading)")
	flag.Parse()

	if connections <= 0 || users <= 0 {
		log.Fatalf("invalid conns=%d users=%d", connections, users)
	}
	if secret == "" {
		log.Fatal("--secret is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	tokens := make([]string, users)
	for i := range tokens {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"id":  fmt.Sprintf("load-%d", i),
			"exp": time.Now().Add(24 * time.Hour).Unix(),
		}).SignedString([]byte(secret))
		if err != nil {
			log.Fatalf("sign token: %v", err)
		}
		tokens[i] = signed
	}

	if rampUp == 0 && connections > 100 {
		// 1 second per 500 connections
		rampUp = max(time.Duration(connections/500)*time.Second, time.Second)
		log.Printf("no ramp-up given, using %s", rampUp)
	}

	log.Printf("starting load: url=%s conns=%d users=%d duration=%s ramp=%s trade_every=%s",
		baseURL, connections, users, duration, rampUp, tradeEvery)

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     connections + users + 100,
			MaxIdleConns:        connections + users + 100,
			MaxIdleConnsPerHost: connections + users + 100,
			DisableCompression:  true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	var (
		c     counters
		wg    sync.WaitGroup
		start = time.Now()
	)

	if tradeEvery > 0 {
		price, err := bitcoinPrice(ctx, client, baseURL)
		if err != nil {
			log.Fatalf("read market price: %v", err)
		}
		log.Printf("trading bitcoin at %s", price)

		for _, token := range tokens {
			wg.Add(1)
			go func() {
				defer wg.Done()
				trade(ctx, client, baseURL, token, price, tradeEvery, &c)
			}()
		}
	}

	var interval time.Duration
	if rampUp > 0 {
		interval = rampUp / time.Duration(connections)
	}

	for i := 0; i < connections && ctx.Err() == nil; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				continue
			case <-time.After(interval):
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			stream(ctx, client, baseURL, tokens[i%users], &c)
		}()
	}

	go report(ctx, start, &c)

	wg.Wait()

	elapsed := max(time.Since(start), time.Millisecond)
	fmt.Printf("done: connected=%d connect_errs=%d stream_errs=%d events=%d trades=%d trade_errs=%d elapsed=%s events/s=%.2f\n",
		c.connected.Load(), c.connectErrs.Load(), c.streamErrs.Load(), c.events.Load(),
		c.trades.Load(), c.tradeErrs.Load(),
		elapsed.Truncate(time.Millisecond),
		float64(c.events.Load())/elapsed.Seconds(),
	)
}

// stream holds one trade stream open and counts delivered events.
func stream(ctx context.Context, client *http.Client, baseURL, token string, c *counters) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/trade/stream", nil)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.connectErrs.Add(1)
		return
	}

	c.connected.Add(1)
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				c.streamErrs.Add(1)
			}
			return
		}
		if strings.HasPrefix(line, "event: trade") {
			c.events.Add(1)
		}
	}
}

// trade alternates small buys and sells for one user.
func trade(ctx context.Context, client *http.Client, baseURL, token, price string, every time.Duration, c *counters) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	side := "buy"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		body := fmt.Sprintf(`{"coinId":"bitcoin","symbol":"BTC","amount":"0.001","price":%q,"type":%q}`, price, side)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/trade/execute", bytes.NewBufferString(body))
		if err != nil {
			c.tradeErrs.Add(1)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				c.tradeErrs.Add(1)
			}
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			c.tradeErrs.Add(1)
			continue
		}

		c.trades.Add(1)
		if side == "buy" {
			side = "sell"
		} else {
			side = "buy"
		}
	}
}

// bitcoinPrice reads the quote the server currently serves, so trades pass its price check.
func bitcoinPrice(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/trade/coins", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var quotes []struct {
		ID           string      `json:"id"`
		CurrentPrice json.Number `json:"current_price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return "", err
	}
	for _, q := range quotes {
		if q.ID == "bitcoin" {
			return q.CurrentPrice.String(), nil
		}
	}
	return "", fmt.Errorf("bitcoin is not quoted")
}

func report(ctx context.Context, start time.Time, c *counters) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("status: connected=%d connect_errs=%d stream_errs=%d events=%d trades=%d trade_errs=%d elapsed=%s",
				c.connected.Load(), c.connectErrs.Load(), c.streamErrs.Load(), c.events.Load(),
				c.trades.Load(), c.tradeErrs.Load(),
				time.Since(start).Truncate(time.Second))
		}
	}
}
