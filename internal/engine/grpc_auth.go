package engine

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/infra/auth"
)

// UnaryAuthInterceptor проверяет токен в метаданных gRPC вызова и требует scope task.submit.
// С nil валидатором пропускает всех (разработка).
func UnaryAuthInterceptor(v auth.TokenValidator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if v == nil {
			return handler(auth.WithClaims(ctx, auth.AnonymousClaims()), req)
		}

		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		// 2. Ищем токен (в gRPC заголовки в нижнем регистре)
		tokens := md.Get("authorization")
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing access token")
		}

		claims, err := v.VerifyToken(tokens[0])
		if err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Errorf(codes.Unauthenticated, "invalid access token")
		}
		// 3. Та же проверка scope, что и в HTTP
		if !claims.HasScope(domain.ScopeTaskSubmit) {
			return nil, status.Errorf(codes.PermissionDenied, "token does not grant %s", domain.ScopeTaskSubmit)
		}

		// 4. Обогащаем контекст и идем дальше по цепочке
		return handler(auth.WithClaims(ctx, claims), req)
	}
}
