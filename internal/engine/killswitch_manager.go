package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/spaceai-gateway/internal/infra"
)

// KillSwitchManager хранит бэкенды, остановленные оператором на весь кластер.
// Политика выкидывает их из каждого решения до возврата.
// Без Redis рубильник действует только на этом инстансе.
type KillSwitchManager struct {
	mu     sync.RWMutex
	halted map[string]struct{}
	rdb    *redis.Client
}

func NewKillSwitchManager(rdb *redis.Client) *KillSwitchManager {
	return &KillSwitchManager{
		halted: make(map[string]struct{}),
		rdb:    rdb,
	}
}

// Init загружает текущее состояние блокировок при старте и после каждой переподписки
func (m *KillSwitchManager) Init(ctx context.Context) error {
	if m.rdb == nil {
		return nil
	}
	ids, err := m.rdb.SMembers(ctx, infra.RedisKeyHaltedBackends).Result()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.halted = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m.halted[id] = struct{}{}
	}
	m.mu.Unlock()
	return nil
}

func (m *KillSwitchManager) IsHalted(backendID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.halted[backendID]
	return ok
}

// Snapshot отдает копию для одного решения политики. nil, если ничего не остановлено.
func (m *KillSwitchManager) Snapshot() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.halted) == 0 {
		return nil
	}
	out := make(map[string]bool, len(m.halted))
	for id := range m.halted {
		out[id] = true
	}
	return out
}

func (m *KillSwitchManager) List() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.halted))
	for id := range m.halted {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *KillSwitchManager) mark(backendID string, halted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if halted {
		m.halted[backendID] = struct{}{}
	} else {
		delete(m.halted, backendID)
	}
}
