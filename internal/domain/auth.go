package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Scopes checked by the gateway.
const (
	ScopeTaskSubmit  = "task.submit"
	ScopeAuditRead   = "audit.read"
	ScopeBudgetAdmin = "budget.admin"
	ScopeRulesAdmin  = "rules.admin"
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "budget.admin": true
	jwt.RegisteredClaims
}

func (c *CustomClaims) HasScope(scope string) bool {
	return c != nil && (c.Scopes[scope] || c.Scopes["admin"])
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Always "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// Operator is a human allowed to use the console API. Credentials live in config.
type Operator struct {
	Username     string   `mapstructure:"username" json:"username"`
	PasswordHash string   `mapstructure:"password_hash" json:"-"` // bcrypt
	Scopes       []string `mapstructure:"scopes" json:"scopes"`
}
