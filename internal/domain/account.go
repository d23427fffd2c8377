package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// balancePlaces is the display precision the balance is rounded to after each trade.
const balancePlaces = 2

// DustThreshold is the quantity at or below which a position counts as fully liquidated.
var DustThreshold = decimal.New(1, -8)

// Position is the holding of a single coin.
type Position struct {
	CoinID string          `json:"coinId"`
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
	// AveragePrice is the price of the first acquisition; later buys do not change it.
	AveragePrice decimal.Decimal `json:"averagePrice"`
}

// TradeRecord is an immutable entry of the account trade history.
type TradeRecord struct {
	ID        string          `json:"id"`
	Type      Side            `json:"type"`
	CoinID    string          `json:"coinId"`
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Account is the persisted state of one user: cash balance, holdings and history.
type Account struct {
	UserID       string          `json:"userId"`
	Balance      decimal.Decimal `json:"balance"`
	Portfolio    []Position      `json:"portfolio"`
	TradeHistory []TradeRecord   `json:"tradeHistory"`
	// Version is bumped by the store on every successful save and used for compare-and-swap.
	Version uint64 `json:"version"`
}

// NewAccount creates an empty account holding only cash.
func NewAccount(userID string, balance decimal.Decimal) (*Account, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if balance.IsNegative() {
		return nil, errors.Errorf("starting balance must not be negative, got %s", balance.String())
	}

	return &Account{
		UserID:       userID,
		Balance:      balance.Round(balancePlaces),
		Portfolio:    []Position{},
		TradeHistory: []TradeRecord{},
	}, nil
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Portfolio = append(make([]Position, 0, len(a.Portfolio)), a.Portfolio...)
	clone.TradeHistory = append(make([]TradeRecord, 0, len(a.TradeHistory)), a.TradeHistory...)
	return &clone
}

// Position returns the holding for coinID if there is one.
func (a *Account) Position(coinID string) (Position, bool) {
	if i := a.indexOf(coinID); i >= 0 {
		return a.Portfolio[i], true
	}
	return Position{}, false
}

func (a *Account) indexOf(coinID string) int {
	for i := range a.Portfolio {
		if a.Portfolio[i].CoinID == coinID {
			return i
		}
	}
	return -1
}

// Apply executes req against the account and appends the resulting record.
// Business-rule failures are detected before anything is modified, so a failed
// Apply leaves the account untouched.
func (a *Account) Apply(req TradeRequest, id string, at time.Time) (TradeRecord, error) {
	if err := req.Validate(); err != nil {
		return TradeRecord{}, err
	}
	total := req.Total()

	switch req.Side {
	case SideBuy:
		if a.Balance.LessThan(total) {
			return TradeRecord{}, ErrInsufficientFunds
		}
		a.Balance = a.Balance.Sub(total)
		if i := a.indexOf(req.CoinID); i >= 0 {
			a.Portfolio[i].Amount = a.Portfolio[i].Amount.Add(req.Amount)
		} else {
			a.Portfolio = append(a.Portfolio, Position{
				CoinID:       req.CoinID,
				Symbol:       req.Symbol,
				Amount:       req.Amount,
				AveragePrice: req.Price,
			})
		}
	case SideSell:
		i := a.indexOf(req.CoinID)
		if i < 0 || a.Portfolio[i].Amount.LessThan(req.Amount) {
			return TradeRecord{}, ErrInsufficientHoldings
		}
		a.Balance = a.Balance.Add(total)
		remaining := a.Portfolio[i].Amount.Sub(req.Amount)
		if remaining.LessThanOrEqual(DustThreshold) {
			a.Portfolio = append(a.Portfolio[:i], a.Portfolio[i+1:]...)
		} else {
			a.Portfolio[i].Amount = remaining
		}
	}

	a.Balance = a.Balance.Round(balancePlaces)

	record := TradeRecord{
		ID:        id,
		Type:      req.Side,
		CoinID:    req.CoinID,
		Symbol:    req.Symbol,
		Amount:    req.Amount,
		Price:     req.Price,
		Timestamp: at,
	}
	a.TradeHistory = append(a.TradeHistory, record)

	return record, nil
}
