package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/infra"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

// RulesReloader reloads the rule file and reports the outcome as an event. Shared by the
// file watcher, the Redis signal and the console endpoint.
type RulesReloader struct {
	store  *rules.Store
	sink   domain.EventSink
	logger *zap.Logger
}

func NewRulesReloader(store *rules.Store, sink domain.EventSink, logger *zap.Logger) *RulesReloader {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &RulesReloader{store: store, sink: sink, logger: logger.Named("rules-sync")}
}

// Reload returns the installed version and whether it changed.
func (r *RulesReloader) Reload(ctx context.Context, source string) (string, bool, error) {
	changed, err := r.store.Reload()
	if err != nil {
		r.sink.Emit(ctx, domain.Event{
			Type:     domain.EventRulesReloaded,
			Severity: domain.SeverityWarning,
			Message:  "rule table rejected, previous table kept",
			Attrs:    map[string]any{"source": source, "error": err.Error(), "version": r.store.Current().Label()},
			At:       time.Now().UTC(),
		})
		return r.store.Current().Label(), false, err
	}
	version := r.store.Current().Label()
	if changed {
		r.sink.Emit(ctx, domain.Event{
			Type:     domain.EventRulesReloaded,
			Severity: domain.SeverityInfo,
			Message:  "rule table installed",
			Attrs:    map[string]any{"source": source, "version": version},
			At:       time.Now().UTC(),
		})
	}
	r.logger.Info("rule reload", zap.String("source", source), zap.String("version", version), zap.Bool("changed", changed))
	return version, changed, nil
}

// ListenPolicyUpdates перечитывает правила на каждое сообщение канала policy-update
// и один раз после каждой (пере)подписки, на случай пропущенного сигнала.
func (r *RulesReloader) ListenPolicyUpdates(ctx context.Context, rdb *redis.Client) {
	ListenResilient(ctx, rdb, r.logger, infra.RedisChanPolicyUpdate,
		func(ctx context.Context) error {
			_, _, err := r.Reload(ctx, "redis-resubscribe")
			return err
		},
		func(string) {
			r.Reload(ctx, "redis")
		},
	)
}

// PublishPolicyUpdate велит всем инстансам перечитать файл правил.
func PublishPolicyUpdate(ctx context.Context, rdb redis.Cmdable, version string) error {
	return rdb.Publish(ctx, infra.RedisChanPolicyUpdate, version).Err()
}
