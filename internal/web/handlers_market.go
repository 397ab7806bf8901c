package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/camuig/coinfolio/internal/config"
	"github.com/camuig/coinfolio/internal/currency"
)

type ratesResponse struct {
	Base      string             `json:"base"`
	Rates     map[string]float64 `json:"rates"`
	Source    currency.Source    `json:"source"`
	FetchedAt *time.Time         `json:"fetched_at,omitempty"`
}

func (s *Server) ratesResponse(rates map[string]float64, source currency.Source) ratesResponse {
	resp := ratesResponse{Base: currency.Pivot, Rates: rates, Source: source}
	if _, ts := s.rates.Source(); !ts.IsZero() {
		resp.FetchedAt = &ts
	}
	return resp
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	rates, source := s.rates.Rates(r.Context())
	writeJSON(w, http.StatusOK, s.ratesResponse(rates, source))
}

func (s *Server) handleRefreshRates(w http.ResponseWriter, r *http.Request) {
	rates, source := s.rates.Refresh(r.Context())
	if source == currency.SourceLive {
		s.invalidateAllPortfolios(r)
	}
	writeJSON(w, http.StatusOK, s.ratesResponse(rates, source))
}

func (s *Server) invalidateAllPortfolios(r *http.Request) {
	if s.cache != nil {
		s.cache.InvalidatePattern(r.Context(), "portfolio:*")
	}
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := strconv.ParseFloat(q.Get("amount"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount %q", q.Get("amount")))
		return
	}
	from := strings.ToUpper(q.Get("from"))
	to := strings.ToUpper(q.Get("to"))
	for _, c := range []string{from, to} {
		if !config.IsSupportedCurrency(c) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported currency %q", c))
			return
		}
	}

	result := s.rates.Convert(r.Context(), amount, from, to)
	source, _ := s.rates.Source()
	writeJSON(w, http.StatusOK, map[string]any{
		"amount":       amount,
		"from":         from,
		"to":           to,
		"result":       result,
		"rates_source": source,
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	symbols := splitSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("symbols query parameter is required"))
		return
	}

	prices := s.prices.CurrentPrices(r.Context(), symbols)
	writeJSON(w, http.StatusOK, map[string]any{
		"prices":    prices,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleListSymbols(w http.ResponseWriter, r *http.Request) {
	list, err := s.repo.ListTrackedSymbols(r.Context(), ownerFrom(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddSymbol(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		writeError(w, http.StatusBadRequest, errors.New("symbol is required"))
		return
	}

	ts, err := s.repo.AddTrackedSymbol(r.Context(), ownerFrom(r), req.Symbol)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ts)
}

func (s *Server) handleRemoveSymbol(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.RemoveTrackedSymbol(r.Context(), ownerFrom(r), chi.URLParam(r, "symbol")); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateTelegram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotToken string `json:"bot_token"`
		ChatID   int64  `json:"chat_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if (req.BotToken == "") != (req.ChatID == 0) {
		writeError(w, http.StatusBadRequest, errors.New("bot_token and chat_id must be set together"))
		return
	}

	owner := ownerFrom(r)
	if _, err := s.repo.EnsureUser(r.Context(), owner); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if err := s.repo.UpdateUserTelegram(r.Context(), owner, req.BotToken, req.ChatID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	user, err := s.repo.GetUser(r.Context(), owner)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                  user.ID,
		"telegram_chat_id":    user.TelegramChatID,
		"telegram_configured": user.HasTelegram(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}

	if s.rates != nil {
		source, fetchedAt := s.rates.Source()
		resp["rates_source"] = source
		if !fetchedAt.IsZero() {
			resp["rates_fetched_at"] = fetchedAt
		}
	}
	if s.ticks != nil {
		last, res := s.ticks.LastTick()
		if !last.IsZero() {
			resp["last_tick"] = last
			resp["last_tick_prices"] = res.Prices
		}
	}
	if s.hub != nil {
		resp["ws_clients"] = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	s.hub.Serve(conn, ownerFrom(r))
}
