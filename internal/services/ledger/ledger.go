// Package ledger executes simulated trades against user accounts.
//
// Trades of one user are serialized by a per-user lock; the store's version
// check protects against writers outside this process, and conflicts are retried.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/papertrade/internal/domain"
	"github.com/vadiminshakov/papertrade/pkg/retrier"
	"go.uber.org/zap"
)

const defaultConflictRetries = 3

// DefaultMaxDeviation is the default tolerated distance between the requested price and the market quote.
var DefaultMaxDeviation = decimal.NewFromFloat(0.05)

// Store loads and conditionally saves accounts.
type Store interface {
	Load(ctx context.Context, userID string) (*domain.Account, error)
	Save(ctx context.Context, acc *domain.Account) error
	Create(ctx context.Context, acc *domain.Account) error
}

// PriceSource provides the current market price of a coin.
type PriceSource interface {
	Price(ctx context.Context, coinID string) (decimal.Decimal, bool)
}

// Dispatcher receives committed trades.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt domain.TradeEvent)
}

// Ledger applies trades to accounts.
type Ledger struct {
	l            *zap.Logger
	store        Store
	locks        *userLocks
	retrier      *retrier.Retrier
	prices       PriceSource
	maxDeviation decimal.Decimal
	dispatcher   Dispatcher
	now          func() time.Time
	newID        func() string
}

// Option configures the Ledger.
type Option func(*Ledger)

// WithPriceGuard rejects trades whose price is further than maxDeviation (a fraction)
// from the quote reported by src. A zero maxDeviation disables the guard.
func WithPriceGuard(src PriceSource, maxDeviation decimal.Decimal) Option {
	return func(l *Ledger) {
		l.prices = src
		l.maxDeviation = maxDeviation
	}
}

// WithDispatcher sets where committed trades are announced.
func WithDispatcher(d Dispatcher) Option {
	return func(l *Ledger) {
		l.dispatcher = d
	}
}

// WithConflictRetries bounds how often a trade is re-run after a version conflict.
func WithConflictRetries(n int) Option {
	return func(l *Ledger) {
		l.retrier = newConflictRetrier(n)
	}
}

// WithClock overrides the trade timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithIDGenerator overrides the trade id source.
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) {
		l.newID = newID
	}
}

func newConflictRetrier(n int) *retrier.Retrier {
	return retrier.New(
		retrier.WithMaxRetries(n),
		retrier.WithInitialInterval(5*time.Millisecond),
		retrier.WithMaxInterval(100*time.Millisecond),
		retrier.WithRetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrConflict)
		}),
	)
}

// New creates a ledger on top of store.
func New(l *zap.Logger, store Store, opts ...Option) *Ledger {
	if l == nil {
		l = zap.NewNop()
	}

	ledger := &Ledger{
		l:       l,
		store:   store,
		locks:   newUserLocks(),
		retrier: newConflictRetrier(defaultConflictRetries),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(ledger)
	}

	return ledger
}

// ExecuteTrade validates req and applies it to the user's account.
//
// Validation and business-rule failures leave the account untouched. Once the
// account is saved the trade is final, even if ctx is cancelled afterwards.
func (l *Ledger) ExecuteTrade(ctx context.Context, userID string, req domain.TradeRequest) (*domain.TradeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := l.checkPrice(ctx, req); err != nil {
		return nil, err
	}

	unlock, err := l.locks.lock(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "wait for account lock")
	}
	defer unlock()

	var (
		committed *domain.Account
		record    domain.TradeRecord
	)
	err = l.retrier.Do(ctx, func(ctx context.Context) error {
		acc, err := l.store.Load(ctx, userID)
		if err != nil {
			return err
		}

		rec, err := acc.Apply(req, l.newID(), l.now())
		if err != nil {
			return err
		}

		if err := l.store.Save(ctx, acc); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				l.l.Debug("account version conflict, retrying", zap.String("user_id", userID))
			}
			return err
		}

		committed, record = acc, rec
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, errors.Wrapf(err, "save account after %d retries", l.retrier.MaxRetries())
		}
		return nil, err
	}

	l.l.Info("trade executed",
		zap.String("user_id", userID),
		zap.String("trade_id", record.ID),
		zap.String("trade", req.String()),
		zap.String("balance", committed.Balance.String()))

	if l.dispatcher != nil {
		// dispatch under the user lock keeps per-user event order equal to commit order
		l.dispatcher.Dispatch(context.WithoutCancel(ctx), domain.TradeEvent{
			UserID:    userID,
			Record:    record,
			Balance:   committed.Balance,
			Portfolio: committed.Portfolio,
		})
	}

	return &domain.TradeResult{
		Balance:   committed.Balance,
		Portfolio: committed.Portfolio,
		Record:    record,
	}, nil
}

func (l *Ledger) checkPrice(ctx context.Context, req domain.TradeRequest) error {
	if l.prices == nil || !l.maxDeviation.IsPositive() {
		return nil
	}

	quote, ok := l.prices.Price(ctx, req.CoinID)
	if !ok || !quote.IsPositive() {
		l.l.Warn("no market quote to check trade price against",
			zap.String("coin_id", req.CoinID),
			zap.String("price", req.Price.String()))
		return nil
	}

	deviation := req.Price.Sub(quote).Abs().Div(quote)
	if deviation.GreaterThan(l.maxDeviation) {
		return domain.InvalidBecause(domain.ErrPriceDeviation,
			"price %s deviates from market price %s by more than %s%%",
			req.Price.String(), quote.String(), l.maxDeviation.Shift(2).String())
	}

	return nil
}

// Account returns the current state of the user's account without taking the user lock.
func (l *Ledger) Account(ctx context.Context, userID string) (*domain.Account, error) {
	return l.store.Load(ctx, userID)
}

// OpenAccount creates an account holding only startingBalance.
func (l *Ledger) OpenAccount(ctx context.Context, userID string, startingBalance decimal.Decimal) (*domain.Account, error) {
	acc, err := domain.NewAccount(userID, startingBalance)
	if err != nil {
		return nil, domain.InvalidBecause(err, "%s", err.Error())
	}
	if err := l.store.Create(ctx, acc); err != nil {
		return nil, err
	}

	l.l.Info("account opened",
		zap.String("user_id", userID),
		zap.String("balance", acc.Balance.String()))

	return acc, nil
}
