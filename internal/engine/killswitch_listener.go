package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/infra"
)

// SetHalted меняет состояние бэкенда на этом инстансе, а при наличии Redis и на всех остальных.
// Set хранит состояние, канал разносит живой сигнал.
func (m *KillSwitchManager) SetHalted(ctx context.Context, backendID string, halted bool) error {
	if backendID == "" {
		return fmt.Errorf("killswitch: empty backend id")
	}
	m.mark(backendID, halted)
	if m.rdb == nil {
		return nil
	}

	pipe := m.rdb.TxPipeline()
	if halted {
		pipe.SAdd(ctx, infra.RedisKeyHaltedBackends, backendID)
	} else {
		pipe.SRem(ctx, infra.RedisKeyHaltedBackends, backendID)
	}
	pipe.Publish(ctx, infra.RedisChanBackendHalt, backendID+":"+onOff(halted))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("killswitch: propagate %s: %w", backendID, err)
	}
	return nil
}

// StartListener подписывается на Redis и обновляет состояние, пока жив ctx
func (m *KillSwitchManager) StartListener(ctx context.Context, logger *zap.Logger) {
	if m.rdb == nil {
		return
	}
	logger = logger.Named("killswitch")
	logger.Info("backend kill-switch listener started")

	ListenResilient(ctx, m.rdb, logger, infra.RedisChanBackendHalt, m.Init, func(payload string) {
		// Формат "<backend_id>:on|off", в самом id тоже может быть двоеточие
		i := strings.LastIndex(payload, ":")
		if i <= 0 {
			logger.Error("invalid signal format", zap.String("payload", payload))
			return
		}
		id, state := payload[:i], payload[i+1:]
		halted := state == "on" || state == "true"
		logger.Warn("backend kill-switch signal", zap.String("backend_id", id), zap.Bool("halted", halted))
		m.mark(id, halted)
	})
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
