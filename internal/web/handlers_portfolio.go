package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/camuig/coinfolio/internal/storage"
	"github.com/camuig/coinfolio/internal/valuation"
)

type positionRequest struct {
	Symbol       *string  `json:"symbol"`
	Amount       *float64 `json:"amount"`
	BuyPrice     *float64 `json:"buy_price"`
	BuyCurrency  *string  `json:"buy_currency"`
	PurchaseDate *string  `json:"purchase_date"`
	Source       *string  `json:"source"`
	Commission   *float64 `json:"commission"`
}

// apply copies the fields present in the request onto pos.
func (req positionRequest) apply(pos *storage.Position) error {
	if req.Symbol != nil {
		pos.Symbol = *req.Symbol
	}
	if req.Amount != nil {
		pos.Amount = *req.Amount
	}
	if req.BuyPrice != nil {
		pos.BuyPrice = *req.BuyPrice
	}
	if req.BuyCurrency != nil {
		pos.BuyCurrency = *req.BuyCurrency
	}
	if req.Source != nil {
		pos.Source = *req.Source
	}
	if req.Commission != nil {
		pos.Commission = *req.Commission
	}
	if req.PurchaseDate != nil {
		if strings.TrimSpace(*req.PurchaseDate) == "" {
			pos.PurchaseDate = nil
			return nil
		}
		d, err := parseDate(*req.PurchaseDate)
		if err != nil {
			return err
		}
		pos.PurchaseDate = &d
	}
	return nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: purchase_date must be YYYY-MM-DD or RFC3339", errBadRequest)
}

func summaryKey(owner uint, cur string) string {
	return fmt.Sprintf("portfolio:%d:summary:%s", owner, cur)
}

func (s *Server) invalidatePortfolio(ctx context.Context, owner uint) {
	if s.cache != nil {
		s.cache.InvalidatePattern(ctx, fmt.Sprintf("portfolio:%d:*", owner))
	}
}

// revalueNow prices a freshly written position so it is not shown with zero value until the next tick.
func (s *Server) revalueNow(ctx context.Context, pos *storage.Position) {
	if s.prices == nil {
		return
	}
	prices := s.prices.CurrentPrices(ctx, []string{pos.Symbol})
	price, ok := prices[pos.Symbol]
	if !ok {
		return
	}
	s.valuation.Revalue(ctx, pos, price)
	if err := s.repo.UpdateValuation(ctx, pos); err != nil {
		s.logger.Warn("persist valuation", "position_id", pos.ID, "error", err)
	}
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	cur, err := s.displayCurrency(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	positions, err := s.repo.ListPositions(r.Context(), ownerFrom(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.valuation.ProjectAll(r.Context(), positions, cur))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	cur, err := s.displayCurrency(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	owner := ownerFrom(r)
	key := summaryKey(owner, cur)
	var summary valuation.Summary
	if s.cache != nil && s.cache.Get(r.Context(), key, &summary) {
		writeJSON(w, http.StatusOK, summary)
		return
	}

	positions, err := s.repo.ListPositions(r.Context(), owner)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	summary = s.valuation.Summarize(r.Context(), positions, cur)
	if s.cache != nil {
		s.cache.Set(r.Context(), key, summary, s.config.PriceInterval())
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cur, err := s.displayCurrency(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pos, err := s.repo.GetPosition(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.valuation.Project(r.Context(), *pos, cur))
}

func (s *Server) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	owner := ownerFrom(r)
	pos := &storage.Position{OwnerID: owner}
	if err := req.apply(pos); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.repo.CreatePosition(r.Context(), pos); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.revalueNow(r.Context(), pos)
	s.invalidatePortfolio(r.Context(), owner)

	s.logger.Info("position created", "owner_id", owner, "position_id", pos.ID, "symbol", pos.Symbol)
	writeJSON(w, http.StatusCreated, s.valuation.Project(r.Context(), *pos, pos.BuyCurrency))
}

func (s *Server) handleUpdatePosition(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req positionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	owner := ownerFrom(r)
	pos, err := s.repo.GetPosition(r.Context(), owner, id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if err := req.apply(pos); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.repo.UpdatePosition(r.Context(), pos); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.revalueNow(r.Context(), pos)
	s.invalidatePortfolio(r.Context(), owner)

	writeJSON(w, http.StatusOK, s.valuation.Project(r.Context(), *pos, pos.BuyCurrency))
}

func (s *Server) handleDeletePosition(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	owner := ownerFrom(r)
	if err := s.repo.DeletePosition(r.Context(), owner, id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.invalidatePortfolio(r.Context(), owner)
	w.WriteHeader(http.StatusNoContent)
}
