package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/budget"
	"github.com/xela07ax/spaceai-gateway/internal/console/service"
)

type BudgetHandler struct {
	service *service.BudgetService
	logger  *zap.Logger
}

func NewBudgetHandler(s *service.BudgetService, logger *zap.Logger) *BudgetHandler {
	return &BudgetHandler{service: s, logger: logger.Named("budget-handler")}
}

type capRequest struct {
	Cap *float64 `json:"cap"`
}

// List handles GET /v1/budget.
func (h *BudgetHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Windows())
}

// SetCap handles PUT /v1/budget/{backend}/cap with {"cap": 12.5}. 0 removes the cap.
func (h *BudgetHandler) SetCap(w http.ResponseWriter, r *http.Request) {
	var req capRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Cap == nil {
		writeError(w, http.StatusBadRequest, `body must be {"cap": <number>}`)
		return
	}

	win, err := h.service.SetCap(chi.URLParam(r, "backend"), *req.Cap)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

// Reset handles POST /v1/budget/{backend}/reset.
func (h *BudgetHandler) Reset(w http.ResponseWriter, r *http.Request) {
	win, err := h.service.Reset(chi.URLParam(r, "backend"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

func (h *BudgetHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownBackend):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, budget.ErrInvalidCap):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("budget operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "budget operation failed")
	}
}
