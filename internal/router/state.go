package router

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

type backendState struct {
	breaker *gobreaker.TwoStepCircuitBreaker
	limiter *rate.Limiter

	mu        sync.Mutex
	latencyMs float64 // EWMA, 0 until the first success
	samples   int
}

func (s *backendState) observeLatency(d time.Duration, alpha float64) {
	ms := float64(d) / float64(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples == 0 {
		s.latencyMs = ms
	} else {
		s.latencyMs = alpha*ms + (1-alpha)*s.latencyMs
	}
	s.samples++
}

// latency returns the EWMA; a backend never measured sorts after measured ones of the
// same cost so known-good backends are preferred.
func (s *backendState) latency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples == 0 {
		return math.MaxFloat64
	}
	return s.latencyMs
}

// state returns the per-backend breaker and limiter, creating them on first use.
// Cost and timeout are not kept here: they come from the decision's backend list, so a
// rule reload takes effect on the next task.
func (r *Router) state(backendID string) *backendState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.backends[backendID]; ok {
		return st
	}

	limit := rate.Inf
	if r.cfg.RateLimit > 0 {
		limit = rate.Limit(r.cfg.RateLimit)
	}
	st := &backendState{limiter: rate.NewLimiter(limit, r.cfg.RateBurst)}
	threshold := r.cfg.BreakerThreshold
	st.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        backendID,
		MaxRequests: 1, // One success in half-open closes the breaker
		Timeout:     r.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: r.onStateChange,
	})
	r.backends[backendID] = st
	return st
}

func (r *Router) onStateChange(name string, from, to gobreaker.State) {
	r.observer.BreakerState(name, to)
	sev := domain.SeverityInfo
	if to == gobreaker.StateOpen {
		sev = domain.SeverityWarning
	}
	r.logger.Warn("circuit breaker state changed",
		zap.String("backend_id", name), zap.String("from", from.String()), zap.String("to", to.String()))
	r.sink.Emit(context.Background(), domain.Event{
		Type:      domain.EventBreakerState,
		Severity:  sev,
		BackendID: name,
		Message:   fmt.Sprintf("breaker %s -> %s", from, to),
		At:        time.Now().UTC(),
	})
}

// Status is the operator view of one backend.
type Status struct {
	BackendID           string  `json:"backend_id"`
	State               string  `json:"state"`
	Live                bool    `json:"live"`
	LatencyMs           float64 `json:"latency_ms"`
	ConsecutiveFailures uint32  `json:"consecutive_failures"`
	Requests            uint32  `json:"requests"`
}

// Live reports whether the backend's breaker admits traffic.
func (r *Router) Live(backendID string) bool {
	r.mu.Lock()
	st, ok := r.backends[backendID]
	r.mu.Unlock()
	return !ok || st.breaker.State() != gobreaker.StateOpen
}

// Statuses lists every backend the router has seen, by id.
func (r *Router) Statuses() []Status {
	r.mu.Lock()
	states := make([]*backendState, 0, len(r.backends))
	for _, st := range r.backends {
		states = append(states, st)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(states))
	for _, st := range states {
		state := st.breaker.State()
		counts := st.breaker.Counts()
		lat := st.latency()
		if lat == math.MaxFloat64 {
			lat = 0
		}
		out = append(out, Status{
			BackendID:           st.breaker.Name(),
			State:               state.String(),
			Live:                state != gobreaker.StateOpen,
			LatencyMs:           lat,
			ConsecutiveFailures: counts.ConsecutiveFailures,
			Requests:            counts.Requests,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out
}

// Forget drops state of backends no longer declared, after a rule reload.
func (r *Router) Forget(keep []domain.Backend) {
	ids := make(map[string]bool, len(keep))
	for _, b := range keep {
		ids[b.ID] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.backends {
		if !ids[id] {
			delete(r.backends, id)
		}
	}
}
