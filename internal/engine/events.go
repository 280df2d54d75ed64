package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/infra"
)

// LogSink writes events to the log. Critical events carry alert=true for log-based alerting.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Emit(_ context.Context, ev domain.Event) {
	fields := []zap.Field{
		zap.String("type", string(ev.Type)),
		zap.String("backend_id", ev.BackendID),
		zap.String("task_id", ev.TaskID),
		zap.Any("attrs", ev.Attrs),
	}
	switch ev.Severity {
	case domain.SeverityCritical:
		s.logger.Error(ev.Message, append(fields, zap.Bool("alert", true))...)
	case domain.SeverityWarning:
		s.logger.Warn(ev.Message, fields...)
	default:
		s.logger.Info(ev.Message, fields...)
	}
}

// RedisPublisher fans events out on the events channel for dashboards. Publishing runs
// in the background with its own timeout: a slow Redis never holds up a task.
type RedisPublisher struct {
	rdb     redis.Cmdable
	channel string
	timeout time.Duration
	logger  *zap.Logger
}

func NewRedisPublisher(rdb redis.Cmdable, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		rdb:     rdb,
		channel: infra.RedisChanEvents,
		timeout: 2 * time.Second,
		logger:  logger.Named("event-publisher"),
	}
}

func (p *RedisPublisher) Emit(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		if err := p.rdb.Publish(pctx, p.channel, payload).Err(); err != nil {
			p.logger.Warn("publish event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}()
}

// MultiSink delivers every event to each sink in order.
type MultiSink []domain.EventSink

func (m MultiSink) Emit(ctx context.Context, ev domain.Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}
