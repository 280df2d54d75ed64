package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/engine"
	"github.com/xela07ax/spaceai-gateway/internal/router"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

// Reloader is implemented by *engine.RulesReloader.
type Reloader interface {
	Reload(ctx context.Context, source string) (string, bool, error)
}

// HaltSwitch is implemented by *engine.KillSwitchManager.
type HaltSwitch interface {
	SetHalted(ctx context.Context, backendID string, halted bool) error
	IsHalted(backendID string) bool
	List() []string
}

// BreakerView is implemented by *router.Router.
type BreakerView interface {
	Statuses() []router.Status
}

type RulesStatus struct {
	Version  string    `json:"version"`
	Changed  bool      `json:"changed"`
	LoadedAt time.Time `json:"loaded_at"`
	Backends int       `json:"backends"`
}

// BackendView is a rule-table backend joined with its live router state.
type BackendView struct {
	domain.Backend
	Halted    bool    `json:"halted"`
	State     string  `json:"state"`
	Live      bool    `json:"live"`
	LatencyMs float64 `json:"latency_ms"`
}

type RulesService struct {
	store    *rules.Store
	reloader Reloader
	halts    HaltSwitch
	breakers BreakerView
	rdb      redis.Cmdable // nil: один инстанс, рассылать некому
	sink     domain.EventSink
	logger   *zap.Logger
}

func NewRulesService(store *rules.Store, reloader Reloader, halts HaltSwitch, breakers BreakerView, rdb redis.Cmdable, sink domain.EventSink, logger *zap.Logger) *RulesService {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &RulesService{
		store:    store,
		reloader: reloader,
		halts:    halts,
		breakers: breakers,
		rdb:      rdb,
		sink:     sink,
		logger:   logger.Named("rules-service"),
	}
}

func (s *RulesService) Current() RulesStatus {
	set := s.store.Current()
	return RulesStatus{Version: set.Label(), LoadedAt: set.LoadedAt, Backends: len(set.Backends)}
}

// Reload перечитывает файл правил здесь и сигналит остальным инстансам сделать то же.
// Отвергнутая таблица оставляет текущую на месте и возвращает ошибку разбора.
func (s *RulesService) Reload(ctx context.Context) (RulesStatus, error) {
	version, changed, err := s.reloader.Reload(ctx, "console")
	if err != nil {
		return RulesStatus{Version: version}, err
	}
	if s.rdb != nil {
		if err := engine.PublishPolicyUpdate(ctx, s.rdb, version); err != nil {
			s.logger.Warn("policy update signal failed", zap.String("version", version), zap.Error(err))
		}
	}
	st := s.Current()
	st.Changed = changed
	return st, nil
}

// SetHalted останавливает (или возвращает) маршрутизацию на бэкенд на всех инстансах.
func (s *RulesService) SetHalted(ctx context.Context, backendID string, halted bool) error {
	if _, ok := s.store.Current().Backend(backendID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	if err := s.halts.SetHalted(ctx, backendID, halted); err != nil {
		return err
	}

	sev, msg := domain.SeverityInfo, "backend resumed by operator"
	if halted {
		sev, msg = domain.SeverityWarning, "backend halted by operator"
	}
	s.logger.Warn(msg, zap.String("backend_id", backendID))
	s.sink.Emit(ctx, domain.Event{
		Type:      domain.EventBackendHalted,
		Severity:  sev,
		BackendID: backendID,
		Message:   msg,
		Attrs:     map[string]any{"halted": halted},
		At:        time.Now().UTC(),
	})
	return nil
}

func (s *RulesService) Halted() []string {
	return s.halts.List()
}

// Backends lists the current table's backends in table order.
func (s *RulesService) Backends() []BackendView {
	statuses := make(map[string]router.Status)
	for _, st := range s.breakers.Statuses() {
		statuses[st.BackendID] = st
	}

	set := s.store.Current()
	out := make([]BackendView, 0, len(set.Backends))
	for _, b := range set.Backends {
		v := BackendView{Backend: b, Halted: s.halts.IsHalted(b.ID), State: "closed", Live: true}
		if st, ok := statuses[b.ID]; ok {
			v.State, v.Live, v.LatencyMs = st.State, st.Live, st.LatencyMs
		}
		out = append(out, v)
	}
	return out
}
