package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/console/service"
	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

type AuthHandler struct {
	service *service.AuthService
	logger  *zap.Logger
}

func NewAuthHandler(s *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{service: s, logger: logger.Named("auth-handler")}
}

// Login handles POST /auth/token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	resp, err := h.service.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		// Один ответ и для неизвестного пользователя, и для неверного пароля
		h.logger.Warn("login failed", zap.String("username", req.Username))
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
