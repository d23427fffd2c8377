// Package accounts persists user accounts with optimistic concurrency control.
//
// Every driver follows the same contract: Save succeeds only when the stored
// version equals the version of the account being saved, and bumps it on success.
package accounts

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/papertrade/internal/domain"
)

// Store is the persistence port of the trade ledger.
type Store interface {
	// Load returns the account or domain.ErrNotFound.
	Load(ctx context.Context, userID string) (*domain.Account, error)
	// Save writes acc if nobody saved it since it was loaded, otherwise returns
	// domain.ErrConflict. On success acc.Version is advanced.
	Save(ctx context.Context, acc *domain.Account) error
	// Create stores a new account or returns domain.ErrExists.
	Create(ctx context.Context, acc *domain.Account) error
	Close() error
}

// record is the serialized form of domain.Account.
// Decimals are kept as strings so no driver loses precision.
type record struct {
	UserID       string               `json:"user_id"`
	Balance      string               `json:"balance"`
	Portfolio    []storedPosition     `json:"portfolio"`
	TradeHistory []domain.TradeRecord `json:"trade_history"`
	Version      uint64               `json:"version"`
}

type storedPosition struct {
	CoinID       string `json:"coin_id"`
	Symbol       string `json:"symbol"`
	Amount       string `json:"amount"`
	AveragePrice string `json:"average_price"`
}

func toRecord(acc *domain.Account) record {
	positions := make([]storedPosition, 0, len(acc.Portfolio))
	for _, p := range acc.Portfolio {
		positions = append(positions, storedPosition{
			CoinID:       p.CoinID,
			Symbol:       p.Symbol,
			Amount:       p.Amount.String(),
			AveragePrice: p.AveragePrice.String(),
		})
	}

	history := acc.TradeHistory
	if history == nil {
		history = []domain.TradeRecord{}
	}

	return record{
		UserID:       acc.UserID,
		Balance:      acc.Balance.String(),
		Portfolio:    positions,
		TradeHistory: history,
		Version:      acc.Version,
	}
}

func (r record) toAccount() (*domain.Account, error) {
	balance, err := decimal.NewFromString(r.Balance)
	if err != nil {
		return nil, errors.Wrap(err, "decode balance")
	}

	portfolio := make([]domain.Position, 0, len(r.Portfolio))
	for _, p := range r.Portfolio {
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return nil, errors.Wrapf(err, "decode amount of %s", p.CoinID)
		}
		avg, err := decimal.NewFromString(p.AveragePrice)
		if err != nil {
			return nil, errors.Wrapf(err, "decode average price of %s", p.CoinID)
		}
		portfolio = append(portfolio, domain.Position{
			CoinID:       p.CoinID,
			Symbol:       p.Symbol,
			Amount:       amount,
			AveragePrice: avg,
		})
	}

	history := r.TradeHistory
	if history == nil {
		history = []domain.TradeRecord{}
	}

	return &domain.Account{
		UserID:       r.UserID,
		Balance:      balance,
		Portfolio:    portfolio,
		TradeHistory: history,
		Version:      r.Version,
	}, nil
}

func encode(acc *domain.Account) ([]byte, error) {
	payload, err := json.Marshal(toRecord(acc))
	if err != nil {
		return nil, errors.Wrap(err, "encode account")
	}
	return payload, nil
}

func decode(payload []byte) (*domain.Account, error) {
	var r record
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, errors.Wrap(err, "decode account")
	}
	return r.toAccount()
}
