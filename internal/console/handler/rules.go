package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/console/service"
)

type RulesHandler struct {
	service *service.RulesService
	logger  *zap.Logger
}

func NewRulesHandler(s *service.RulesService, logger *zap.Logger) *RulesHandler {
	return &RulesHandler{service: s, logger: logger.Named("rules-handler")}
}

// Current handles GET /v1/rules.
func (h *RulesHandler) Current(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Current())
}

// Reload handles POST /v1/rules/reload. An invalid file is reported and the old table kept.
func (h *RulesHandler) Reload(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Reload(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   err.Error(),
			"version": st.Version,
		})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Backends handles GET /v1/backends.
func (h *RulesHandler) Backends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Backends())
}

// Halted handles GET /v1/backends/halted.
func (h *RulesHandler) Halted(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"halted": h.service.Halted()})
}

// Halt handles PUT /v1/backends/{backend}/halt. Every instance stops routing to the backend.
func (h *RulesHandler) Halt(w http.ResponseWriter, r *http.Request) {
	h.setHalted(w, r, true)
}

// Resume handles DELETE /v1/backends/{backend}/halt.
func (h *RulesHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setHalted(w, r, false)
}

func (h *RulesHandler) setHalted(w http.ResponseWriter, r *http.Request, halted bool) {
	id := chi.URLParam(r, "backend")
	err := h.service.SetHalted(r.Context(), id, halted)
	switch {
	case errors.Is(err, service.ErrUnknownBackend):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		h.logger.Error("kill switch failed", zap.String("backend_id", id), zap.Bool("halted", halted), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "kill switch failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
