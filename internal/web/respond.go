package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/camuig/coinfolio/internal/config"
	"github.com/camuig/coinfolio/internal/storage"
)

const ownerHeader = "X-User-ID"

type ctxKey int

const ownerKey ctxKey = iota

var errBadRequest = errors.New("bad request")

// ownerMiddleware resolves the requesting user from X-User-ID (or ?user_id= for WebSocket
// clients) and falls back to the configured default user.
func (s *Server) ownerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(ownerHeader)
		if raw == "" {
			raw = r.URL.Query().Get("user_id")
		}

		owner := s.config.Portfolio.DefaultUserID
		if raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil || id == 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user id %q", raw))
				return
			}
			owner = uint(id)
		}

		ctx := context.WithValue(r.Context(), ownerKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(r *http.Request) uint {
	id, _ := r.Context().Value(ownerKey).(uint)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeStoreError maps repository errors to 404/400 and hides everything else behind a 500.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrInvalidPosition),
		errors.Is(err, storage.ErrInvalidAlert),
		errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, err)
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func decode(r *http.Request, dest any) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func parseID(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid id %q", errBadRequest, raw)
	}
	return uint(id), nil
}

// displayCurrency reads ?currency=, defaulting to the configured display currency.
func (s *Server) displayCurrency(r *http.Request) (string, error) {
	cur := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("currency")))
	if cur == "" {
		return s.config.Portfolio.DefaultCurrency, nil
	}
	if !config.IsSupportedCurrency(cur) {
		return "", fmt.Errorf("%w: unsupported currency %q", errBadRequest, cur)
	}
	return cur, nil
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
