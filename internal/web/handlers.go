package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vadiminshakov/papertrade/internal/domain"
	"go.uber.org/zap"
)

const (
	rootText         = "Crypto Trading API is live and running..."
	cacheStateHeader = "X-Cache-State"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, rootText)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state, fetchedAt := s.market.Status()

	market := map[string]any{"state": state}
	if !fetchedAt.IsZero() {
		market["fetchedAt"] = fetchedAt.UTC()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"market": market,
	})
}

func (s *Server) handleCoins(w http.ResponseWriter, r *http.Request) {
	snap, state := s.market.Quotes(r.Context())

	quotes := snap.Quotes
	if quotes == nil {
		quotes = []domain.CoinQuote{}
	}

	w.Header().Set(cacheStateHeader, string(state))
	writeJSON(w, http.StatusOK, quotes)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var body executeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.l.Debug("malformed trade request", zap.String("user_id", userID), zap.Error(err))
		writeMessage(w, http.StatusBadRequest, "Invalid trade request")
		return
	}

	result, err := s.ledger.ExecuteTrade(r.Context(), userID, body.toTrade())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{
		Success:   true,
		Message:   confirmation(result.Record),
		Balance:   number(result.Balance),
		Portfolio: positionsJSON(result.Portfolio),
	})
}

// confirmation is the user-facing success message, e.g. "Successfully bought 0.5 BTC".
func confirmation(rec domain.TradeRecord) string {
	return fmt.Sprintf("Successfully %s %s %s", rec.Type.PastTense(), rec.Amount.String(), strings.ToUpper(rec.Symbol))
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	acc, err := s.ledger.Account(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, portfolioResponse{
		Balance:      number(acc.Balance),
		Portfolio:    positionsJSON(acc.Portfolio),
		TradeHistory: historyJSON(acc.TradeHistory),
	})
}

// handleJournal replays the caller's journaled trades; ?after=<index> resumes from a known index.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		writeMessage(w, http.StatusNotFound, "trade journal is disabled")
		return
	}
	userID, _ := UserID(r.Context())

	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	// read the index first so a client resuming from it never skips a trade
	current := s.opts.Journal.CurrentIndex()
	entries, err := s.opts.Journal.UserEntries(userID, after)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, journalResponse{
		CurrentIndex: current,
		Entries:      journalJSON(entries),
	})
}
