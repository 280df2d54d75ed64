package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/audit"
	"github.com/xela07ax/spaceai-gateway/internal/console/service"
)

type AuditHandler struct {
	service *service.AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger.Named("audit-handler")}
}

// Get handles GET /v1/traces/{taskId}.
func (h *AuditHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	tr, err := h.service.Trace(r.Context(), taskID)
	if errors.Is(err, audit.ErrTraceNotFound) {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	if err != nil {
		h.logger.Error("trace lookup failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch trace")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// List handles GET /v1/traces?from=&to=&limit=. Bounds are RFC 3339, both optional.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	traces, err := h.service.Traces(r.Context(), from, to, limit)
	if err != nil {
		h.logger.Error("trace range failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch traces")
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
