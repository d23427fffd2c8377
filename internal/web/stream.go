package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vadiminshakov/papertrade/internal/domain"
	"go.uber.org/zap"
)

// handleTradeStream pushes the caller's committed trades as server-sent events.
func (s *Server) handleTradeStream(w http.ResponseWriter, r *http.Request) {
	if s.trades == nil {
		writeMessage(w, http.StatusServiceUnavailable, "trade stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	userID, _ := UserID(r.Context())
	ch := s.trades.Subscribe(userID)
	defer s.trades.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	// comment heartbeats keep proxies from closing an idle connection
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stop:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			if err := writeTradeEvent(w, evt); err != nil {
				s.l.Warn("trade stream write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeTradeEvent(w http.ResponseWriter, evt domain.TradeEvent) error {
	payload, err := json.Marshal(eventJSON(evt))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: trade\ndata: %s\n\n", evt.Record.ID, payload)
	return err
}
