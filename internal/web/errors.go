package web

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/papertrade/internal/domain"
	"go.uber.org/zap"
)

const msgTradeFailed = "Server Error during trade"

type errorResponse struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// statusOf maps ledger errors to an HTTP status and the message shown to the user.
func statusOf(err error) (int, string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Reason
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, domain.ErrValidation.Error()
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusBadRequest, domain.ErrInsufficientFunds.Error()
	case errors.Is(err, domain.ErrInsufficientHoldings):
		return http.StatusBadRequest, domain.ErrInsufficientHoldings.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, domain.ErrNotFound.Error()
	default:
		return http.StatusInternalServerError, msgTradeFailed
	}
}

// writeError answers with the mapped status. Internal errors are logged and,
// outside production, their text is returned in "detail".
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusOf(err)
	resp := errorResponse{Message: msg}

	if status == http.StatusInternalServerError {
		s.l.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if !s.opts.Production {
			resp.Detail = err.Error()
		}
	}

	writeJSON(w, status, resp)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
