package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/infra/auth"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// OperatorDirectory resolves console operators by username.
type OperatorDirectory interface {
	Operator(ctx context.Context, username string) (*domain.Operator, error)
}

// StaticOperators это операторы, объявленные в конфиге сервиса.
type StaticOperators map[string]domain.Operator

func NewStaticOperators(ops []domain.Operator) StaticOperators {
	out := make(StaticOperators, len(ops))
	for _, op := range ops {
		out[op.Username] = op
	}
	return out
}

func (s StaticOperators) Operator(_ context.Context, username string) (*domain.Operator, error) {
	op, ok := s[username]
	if !ok {
		return nil, fmt.Errorf("operator %q not found", username)
	}
	return &op, nil
}

// AuthService подписывает токены операторов, а через встроенный BaseValidator их же и проверяет.
type AuthService struct {
	*auth.BaseValidator
	operators  OperatorDirectory
	privateKey *rsa.PrivateKey
	ttl        time.Duration
}

func NewAuthService(operators OperatorDirectory, privateKey *rsa.PrivateKey, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		BaseValidator: auth.NewBaseValidator(&privateKey.PublicKey),
		operators:     operators,
		privateKey:    privateKey,
		ttl:           ttl,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	op, err := s.operators.Operator(ctx, username)
	if err != nil || op == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	scopes := make(map[string]bool, len(op.Scopes))
	for _, sc := range op.Scopes {
		scopes[sc] = true
	}

	now := time.Now()
	expiresAt := now.Add(s.ttl)
	claims := &domain.CustomClaims{
		UserID: op.Username,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.Issuer,
			Subject:   op.Username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	// RS256: шлюзу нужна только публичная половина ключа
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}
