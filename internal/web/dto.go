package web

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/papertrade/internal/domain"
	"github.com/vadiminshakov/papertrade/internal/storage/tradejournal"
)

// executeRequest accepts amount and price as JSON numbers or numeric strings.
type executeRequest struct {
	CoinID string          `json:"coinId"`
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	Type   string          `json:"type"`
}

func (r executeRequest) toTrade() domain.TradeRequest {
	side, _ := domain.ParseSide(r.Type)
	return domain.TradeRequest{
		CoinID: r.CoinID,
		Symbol: r.Symbol,
		Amount: r.Amount,
		Price:  r.Price,
		Side:   side,
	}
}

type executeResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Balance   json.Number    `json:"balance"`
	Portfolio []positionJSON `json:"portfolio"`
}

type portfolioResponse struct {
	Balance      json.Number       `json:"balance"`
	Portfolio    []positionJSON    `json:"portfolio"`
	TradeHistory []tradeRecordJSON `json:"tradeHistory"`
}

type tradeEventJSON struct {
	Trade     tradeRecordJSON `json:"trade"`
	Balance   json.Number     `json:"balance"`
	Portfolio []positionJSON  `json:"portfolio"`
}

type journalResponse struct {
	CurrentIndex uint64             `json:"currentIndex"`
	Entries      []journalEntryJSON `json:"entries"`
}

type journalEntryJSON struct {
	Index uint64 `json:"index"`
	tradeEventJSON
}

type positionJSON struct {
	CoinID       string      `json:"coinId"`
	Symbol       string      `json:"symbol"`
	Amount       json.Number `json:"amount"`
	AveragePrice json.Number `json:"averagePrice"`
}

type tradeRecordJSON struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	CoinID    string      `json:"coinId"`
	Symbol    string      `json:"symbol"`
	Amount    json.Number `json:"amount"`
	Price     json.Number `json:"price"`
	Timestamp time.Time   `json:"timestamp"`
}

// number renders a decimal as a bare JSON number without going through float64.
func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func positionsJSON(positions []domain.Position) []positionJSON {
	out := make([]positionJSON, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionJSON{
			CoinID:       p.CoinID,
			Symbol:       p.Symbol,
			Amount:       number(p.Amount),
			AveragePrice: number(p.AveragePrice),
		})
	}
	return out
}

func recordJSON(r domain.TradeRecord) tradeRecordJSON {
	return tradeRecordJSON{
		ID:        r.ID,
		Type:      r.Type.String(),
		CoinID:    r.CoinID,
		Symbol:    r.Symbol,
		Amount:    number(r.Amount),
		Price:     number(r.Price),
		Timestamp: r.Timestamp,
	}
}

func historyJSON(records []domain.TradeRecord) []tradeRecordJSON {
	out := make([]tradeRecordJSON, 0, len(records))
	for _, r := range records {
		out = append(out, recordJSON(r))
	}
	return out
}

func eventJSON(evt domain.TradeEvent) tradeEventJSON {
	return tradeEventJSON{
		Trade:     recordJSON(evt.Record),
		Balance:   number(evt.Balance),
		Portfolio: positionsJSON(evt.Portfolio),
	}
}

func journalJSON(entries []tradejournal.Entry) []journalEntryJSON {
	out := make([]journalEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, journalEntryJSON{Index: e.Index, tradeEventJSON: eventJSON(e.Event)})
	}
	return out
}
