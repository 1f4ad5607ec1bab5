// Package httpx holds the JSON response helpers shared by every HTTP handler.
package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/peerlend/escrow-engine/internal/model"
)

// UserHeader carries the caller identity set by the upstream auth gateway.
const UserHeader = "X-User-ID"

// UserID returns the caller identity of r, or "" when absent.
func UserID(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": message}.
func WriteError(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrWalletNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrVersionConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// WriteErr writes err with its mapped status. Unclassified errors are logged
// and reported as a generic failure so internals never reach the client.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		WriteError(w, "internal error", status)
		return
	}
	WriteError(w, userMessage(err), status)
}

// userMessage strips wrapping prefixes from the well-known user-facing errors.
func userMessage(err error) string {
	var m interface{ UserMessage() string }
	if errors.As(err, &m) {
		return m.UserMessage()
	}
	return err.Error()
}

// QueryInt parses an integer query parameter, returning def when absent or
// malformed.
func QueryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
