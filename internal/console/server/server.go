package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/console/handler"
	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/engine"
	"github.com/xela07ax/spaceai-gateway/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256). Без ключа auth.Anonymous
	authMW  func(http.Handler) http.Handler
	metrics http.Handler // nil: /metrics здесь не отдается

	// Обработчики бизнес-доменов
	authHandler   *handler.AuthHandler   // /auth/token, nil без ключа подписи
	budgetHandler *handler.BudgetHandler // /v1/budget
	auditHandler  *handler.AuditHandler  // /v1/traces
	rulesHandler  *handler.RulesHandler  // /v1/rules, /v1/backends
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	authMW func(http.Handler) http.Handler,
	metrics http.Handler,
	authH *handler.AuthHandler,
	budgetH *handler.BudgetHandler,
	auditH *handler.AuditHandler,
	rulesH *handler.RulesHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authMW:        authMW,
		metrics:       metrics,
		authHandler:   authH,
		budgetHandler: budgetH,
		auditHandler:  auditH,
		rulesHandler:  rulesH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(engine.AccessLog(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		if s.authHandler != nil {
			r.Post("/auth/token", s.authHandler.Login)
		}
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics)
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (токен оператора, свой scope на каждую область) ---
	r.Group(func(r chi.Router) {
		r.Use(s.authMW)

		// Бюджет: лимиты и сброс окон
		r.With(auth.RequireScope(domain.ScopeBudgetAdmin)).Route("/v1/budget", func(r chi.Router) {
			r.Get("/", s.budgetHandler.List)
			r.Put("/{backend}/cap", s.budgetHandler.SetCap)
			r.Post("/{backend}/reset", s.budgetHandler.Reset)
		})

		// Трассы решений (только чтение)
		r.With(auth.RequireScope(domain.ScopeAuditRead)).Route("/v1/traces", func(r chi.Router) {
			r.Get("/", s.auditHandler.List)
			r.Get("/{taskId}", s.auditHandler.Get)
		})

		r.Group(func(r chi.Router) {
			// Правила и бэкенды, включая Kill-switch
			r.Use(auth.RequireScope(domain.ScopeRulesAdmin))
			r.Get("/v1/rules", s.rulesHandler.Current)
			r.Post("/v1/rules/reload", s.rulesHandler.Reload)
			r.Get("/v1/backends", s.rulesHandler.Backends)
			r.Get("/v1/backends/halted", s.rulesHandler.Halted)
			r.Put("/v1/backends/{backend}/halt", s.rulesHandler.Halt)
			r.Delete("/v1/backends/{backend}/halt", s.rulesHandler.Resume)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как обычный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
