package relayserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"sealdm/internal/domain"
	"sealdm/internal/relay"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status and wire code. Internal errors are
// logged and replaced with a generic message.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status, code := http.StatusInternalServerError, relay.CodeInternal
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, relay.CodeNotFound
	case errors.Is(err, domain.ErrNotSender):
		status, code = http.StatusForbidden, relay.CodeNotSender
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, relay.CodeForbidden
	case errors.Is(err, domain.ErrDeleted):
		status, code = http.StatusGone, relay.CodeDeleted
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, relay.CodeConflict
	case errors.Is(err, ErrInvalid):
		status, code = http.StatusBadRequest, relay.CodeInvalid
	case errors.Is(err, domain.ErrUnauthorized):
		status, code = http.StatusUnauthorized, relay.CodeUnauthorized
	case errors.As(err, &tooLarge):
		status, code = http.StatusRequestEntityTooLarge, relay.CodeTooLarge
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if log != nil {
			log.Error("request failed", zap.Error(err))
		}
		msg = "internal error"
	}
	writeJSON(w, status, relay.ErrorBody{Error: msg, Code: code})
}
