package web

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vadiminshakov/papertrade/internal/domain"
	"github.com/vadiminshakov/papertrade/internal/storage/tradejournal"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

const (
	defaultHeartbeat       = 30 * time.Second
	defaultCertCacheDir    = "cert-cache"
	defaultShutdownTimeout = 5 * time.Second
	maxBodyBytes           = 1 << 20
)

type tradeLedger interface {
	ExecuteTrade(ctx context.Context, userID string, req domain.TradeRequest) (*domain.TradeResult, error)
	Account(ctx context.Context, userID string) (*domain.Account, error)
}

type marketData interface {
	Quotes(ctx context.Context) (*domain.MarketSnapshot, domain.CacheState)
	Status() (domain.CacheState, time.Time)
}

type tradeSubscriber interface {
	Subscribe(userID string) chan domain.TradeEvent
	Unsubscribe(ch chan domain.TradeEvent)
}

// Options configure the HTTP surface.
type Options struct {
	Addr            string
	BasePath        string
	CORSOrigins     []string
	JWTSecret       string
	Production      bool
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration
	// TLSDomains enables HTTPS with ACME certificates cached in CertCacheDir.
	TLSDomains   []string
	CertCacheDir string
	// Journal serves /trade/journal; nil answers it with 404.
	Journal JournalReader
}

// JournalReader replays committed trades of one user.
type JournalReader interface {
	UserEntries(userID string, after uint64) ([]tradejournal.Entry, error)
	CurrentIndex() uint64
}

// Server exposes the trading API and the SSE trade stream.
type Server struct {
	l       *zap.Logger
	opts    Options
	ledger  tradeLedger
	market  marketData
	trades  tradeSubscriber
	auth    *AuthGate
	started time.Time

	// stop is closed when shutdown begins so open trade streams end
	// instead of holding the drain until ShutdownTimeout.
	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new web server instance. trades may be nil, which disables the stream.
func NewServer(l *zap.Logger, opts Options, ledger tradeLedger, market marketData, trades tradeSubscriber) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.CertCacheDir == "" {
		opts.CertCacheDir = defaultCertCacheDir
	}
	opts.BasePath = strings.TrimRight(opts.BasePath, "/")

	return &Server{
		l:       l,
		opts:    opts,
		ledger:  ledger,
		market:  market,
		trades:  trades,
		auth:    NewAuthGate(l, opts.JWTSecret),
		started: time.Now(),
		stop:    make(chan struct{}),
	}
}

// Handler returns the routed handler wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	base := s.opts.BasePath
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET "+base+"/trade/coins", s.handleCoins)
	mux.Handle("POST "+base+"/trade/execute", s.auth.Require(http.HandlerFunc(s.handleExecute)))
	mux.Handle("GET "+base+"/trade/portfolio", s.auth.Require(http.HandlerFunc(s.handlePortfolio)))
	mux.Handle("GET "+base+"/trade/stream", s.auth.Require(http.HandlerFunc(s.handleTradeStream)))
	mux.Handle("GET "+base+"/trade/journal", s.auth.Require(http.HandlerFunc(s.handleJournal)))

	return cors(s.opts.CORSOrigins, mux)
}

// Start runs the server (blocking) and shuts it down when ctx is cancelled.
// With TLS domains configured it serves HTTPS, see startWithAutoTLS.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(s.opts.TLSDomains) > 0 {
		return s.startWithAutoTLS(ctx)
	}

	server := s.newHTTPServer(ctx, s.opts.Addr, s.Handler())
	go s.shutdownOnDone(ctx, server)

	s.l.Info("http server listening", zap.String("addr", s.opts.Addr), zap.String("base_path", s.opts.BasePath))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startWithAutoTLS serves HTTPS with ACME certificates. A second server on
// port 80 answers HTTP-01 challenges and redirects everything else to HTTPS.
func (s *Server) startWithAutoTLS(ctx context.Context) error {
	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.opts.TLSDomains...),
		Cache:      autocert.DirCache(s.opts.CertCacheDir),
	}

	challenge := s.newHTTPServer(ctx, ":80", manager.HTTPHandler(nil))
	server := s.newHTTPServer(ctx, s.opts.Addr, s.Handler())
	server.TLSConfig = manager.TLSConfig()
	server.TLSConfig.MinVersion = tls.VersionTLS12

	go s.shutdownOnDone(ctx, challenge)
	go s.shutdownOnDone(ctx, server)

	go func() {
		if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("acme challenge server failed", zap.Error(err))
		}
	}()

	s.l.Info("https server listening",
		zap.String("addr", s.opts.Addr),
		zap.Strings("domains", s.opts.TLSDomains),
		zap.String("base_path", s.opts.BasePath))
	if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newHTTPServer builds a server whose request contexts carry ctx values but not
// its cancellation, so in-flight trades can finish while Shutdown drains them.
func (s *Server) newHTTPServer(ctx context.Context, addr string, h http.Handler) *http.Server {
	base := context.WithoutCancel(ctx)
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
}

func (s *Server) shutdownOnDone(ctx context.Context, server *http.Server) {
	<-ctx.Done()
	s.stopStreams()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.l.Warn("http server shutdown", zap.String("addr", server.Addr), zap.Error(err))
		_ = server.Close()
	}
}

func (s *Server) stopStreams() {
	s.stopOnce.Do(func() { close(s.stop) })
}
