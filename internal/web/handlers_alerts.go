package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/camuig/coinfolio/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type alertRequest struct {
	Symbol         *string  `json:"symbol"`
	AlertType      *string  `json:"alert_type"`
	ThresholdPrice *float64 `json:"threshold_price"`
	Message        *string  `json:"message"`
	IsActive       *bool    `json:"is_active"`
}

func (req alertRequest) apply(a *storage.PriceAlert) {
	if req.Symbol != nil {
		a.Symbol = *req.Symbol
	}
	if req.AlertType != nil {
		a.AlertType = *req.AlertType
	}
	if req.ThresholdPrice != nil {
		a.ThresholdPrice = *req.ThresholdPrice
	}
	if req.Message != nil {
		a.Message = *req.Message
	}
	if req.IsActive != nil {
		a.IsActive = *req.IsActive
	}
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	list, err := s.repo.ListAlerts(r.Context(), ownerFrom(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	owner := ownerFrom(r)
	alert := &storage.PriceAlert{OwnerID: owner, IsActive: true}
	req.apply(alert)

	if err := s.repo.CreateAlert(r.Context(), alert); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.invalidatePortfolio(r.Context(), owner)

	s.logger.Info("alert created", "owner_id", owner, "alert_id", alert.ID,
		"symbol", alert.Symbol, "type", alert.AlertType, "threshold", alert.ThresholdPrice)
	writeJSON(w, http.StatusCreated, alert)
}

// handleUpdateAlert merges the request onto the stored alert. Sending is_active=true re-arms a fired alert.
func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req alertRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	owner := ownerFrom(r)
	alert, err := s.repo.GetAlert(r.Context(), owner, id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	req.apply(alert)

	if err := s.repo.UpdateAlert(r.Context(), alert); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.invalidatePortfolio(r.Context(), owner)
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	owner := ownerFrom(r)
	if err := s.repo.DeleteAlert(r.Context(), owner, id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.invalidatePortfolio(r.Context(), owner)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.repo.ListAlertHistory(r.Context(), ownerFrom(r), limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
