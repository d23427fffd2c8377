package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// maxDecimalPlaces bounds the scale of amount and price.
	maxDecimalPlaces = 18
	// maxIntegerDigits bounds the magnitude of amount and price.
	maxIntegerDigits = 18
)

// MinNotional is the smallest buy total; anything cheaper would round away from the balance.
var MinNotional = decimal.New(1, -balancePlaces)

// TradeRequest is a buy or sell instruction for one coin.
type TradeRequest struct {
	CoinID string
	Symbol string
	Amount decimal.Decimal
	Price  decimal.Decimal
	Side   Side
}

// Validate checks the request shape; it knows nothing about the account.
func (r TradeRequest) Validate() error {
	if strings.TrimSpace(r.CoinID) == "" {
		return Invalid("coinId is required")
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return Invalid("symbol is required")
	}
	if !r.Side.IsValid() {
		return Invalid("type must be %q or %q", SideBuy, SideSell)
	}
	if !r.Amount.IsPositive() {
		return Invalid("amount must be greater than zero")
	}
	if !r.Price.IsPositive() {
		return Invalid("price must be greater than zero")
	}
	if err := checkMagnitude("amount", r.Amount); err != nil {
		return err
	}
	if err := checkMagnitude("price", r.Price); err != nil {
		return err
	}
	if r.Side == SideBuy {
		if r.Amount.LessThanOrEqual(DustThreshold) {
			return Invalid("amount must be greater than %s", DustThreshold.String())
		}
		if r.Total().LessThan(MinNotional) {
			return Invalid("trade total must be at least %s", MinNotional.StringFixed(balancePlaces))
		}
	}
	return nil
}

// checkMagnitude rejects values whose scale or size would make decimal arithmetic unbounded.
// d must be positive.
func checkMagnitude(field string, d decimal.Decimal) error {
	exp := int64(d.Exponent())
	if exp < -maxDecimalPlaces {
		return Invalid("%s must have at most %d decimal places", field, maxDecimalPlaces)
	}
	if exp > maxIntegerDigits || int64(d.NumDigits())+exp > maxIntegerDigits {
		return Invalid("%s is too large", field)
	}
	return nil
}

// Total returns the notional value of the trade.
func (r TradeRequest) Total() decimal.Decimal {
	return r.Amount.Mul(r.Price)
}

// String returns a human-readable string representation.
func (r TradeRequest) String() string {
	return fmt.Sprintf("%s %s %s @ %s", r.Side, r.Amount.String(), r.CoinID, r.Price.String())
}

// TradeResult is the account state after a committed trade.
type TradeResult struct {
	Balance   decimal.Decimal
	Portfolio []Position
	Record    TradeRecord
}

// TradeEvent is emitted once per committed trade.
type TradeEvent struct {
	UserID    string          `json:"userId"`
	Record    TradeRecord     `json:"trade"`
	Balance   decimal.Decimal `json:"balance"`
	Portfolio []Position      `json:"portfolio"`
}
