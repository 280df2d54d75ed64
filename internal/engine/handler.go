package engine

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/infra/auth"
)

const maxBodyBytes = 1 << 20

// NewHTTPHandler builds the data-plane router. authMW authenticates the caller; the
// submit route additionally requires the task.submit scope.
func NewHTTPHandler(g *Gateway, authMW func(http.Handler) http.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(AccessLog(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "rules_version": g.rules.Current().Label()})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMW)
		r.Use(auth.RequireScope(domain.ScopeTaskSubmit))
		r.Post("/v1/tasks", g.HandleSubmit)
	})
	return r
}

// HandleSubmit handles POST /v1/tasks.
func (g *Gateway) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	sub, err := req.Submission(TraceIDFromContext(r.Context()))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res := g.Submit(r.Context(), sub)
	if res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
	writeJSON(w, HTTPStatus(res), res)
}

// HTTPStatus maps an outcome to its status code.
func HTTPStatus(res Result) int {
	switch res.Kind {
	case "":
		return http.StatusOK
	case domain.KindDefenseBlocked, domain.KindPolicyReject:
		return http.StatusForbidden
	case domain.KindBudgetExhausted:
		return http.StatusTooManyRequests
	case domain.KindBackendTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
