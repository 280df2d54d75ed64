// Package router picks an execution backend for an allowed task and dispatches it.
//
// Every backend gets its own rate limiter and circuit breaker. Candidates are the
// policy-allowed backends whose breaker is not open, cheapest first, ties broken by
// observed latency. A timeout or transient failure is retried once on the next candidate,
// never on the same backend. Budget is reserved before each call and committed or
// released afterwards, whatever happens to the call.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/budget"
	"github.com/xela07ax/spaceai-gateway/internal/connectors"
	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

type Config struct {
	DispatchTimeout  time.Duration // Per-attempt ceiling; a backend's own timeout wins when shorter
	MaxAttempts      uint          // Backends tried per task
	BreakerThreshold uint32        // Consecutive failures that open a breaker
	BreakerCooldown  time.Duration // Open -> half-open delay
	RateLimit        float64       // Calls per second per backend, 0 means unlimited
	RateBurst        int
	EstimateUnits    float64 // Units reserved when the task gives no hint
	LatencyAlpha     float64 // EWMA smoothing factor
}

func (c Config) withDefaults() Config {
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 2
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.EstimateUnits <= 0 {
		c.EstimateUnits = 1000
	}
	if c.LatencyAlpha <= 0 || c.LatencyAlpha > 1 {
		c.LatencyAlpha = 0.3
	}
	return c
}

// Ledger is the budget gate. *budget.Ledger implements it.
type Ledger interface {
	Reserve(backendID string, estimate float64) (budget.Reservation, error)
	Commit(reservationID string, actual float64) error
	Release(reservationID string) error
}

// Executors resolves backend ids. *connectors.Registry implements it.
type Executors interface {
	Get(backendID string) (connectors.Executor, bool)
}

// Observer receives per-call measurements; the engine's metrics implement it.
type Observer interface {
	BackendCall(backendID, result string, latency time.Duration)
	BreakerState(backendID string, state gobreaker.State)
}

type nopObserver struct{}

func (nopObserver) BackendCall(string, string, time.Duration) {}
func (nopObserver) BreakerState(string, gobreaker.State)      {}

type Option func(*Router)

func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

func WithEventSink(s domain.EventSink) Option {
	return func(r *Router) { r.sink = s }
}

type Router struct {
	cfg       Config
	ledger    Ledger
	executors Executors
	observer  Observer
	sink      domain.EventSink
	logger    *zap.Logger

	mu       sync.Mutex
	backends map[string]*backendState
}

func New(cfg Config, ledger Ledger, executors Executors, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		cfg:       cfg.withDefaults(),
		ledger:    ledger,
		executors: executors,
		observer:  nopObserver{},
		sink:      domain.NopSink{},
		logger:    logger.Named("router"),
		backends:  make(map[string]*backendState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request describes one dispatch.
type Request struct {
	Task    domain.Task
	Level   domain.SensitivityLevel
	Allowed []domain.Backend
	Units   float64 // Estimated work units, 0 means Config.EstimateUnits
}

// Dispatch records what happened on the successful path (or how far a failed one got).
type Dispatch struct {
	Response domain.Response
	Attempts int      // Backends actually called
	Tried    []string // Every backend considered, including budget-denied ones
}

var errNoCandidate = errors.New("router: no candidate left")

// Dispatch runs the attempt loop. Errors are *domain.GatewayError with kind
// BackendUnavailable, BudgetExhausted, BackendTimeout, BackendError or Canceled.
func (r *Router) Dispatch(ctx context.Context, req Request) (Dispatch, error) {
	var out Dispatch
	candidates := r.candidates(req.Allowed)
	if len(candidates) == 0 {
		return out, &domain.GatewayError{
			Kind:   domain.KindBackendUnavailable,
			Reason: "no eligible backend is currently available",
			Err:    fmt.Errorf("allowed %v: all breakers open or executors missing", ids(req.Allowed)),
		}
	}

	units := req.Units
	if units <= 0 {
		units = r.cfg.EstimateUnits
	}

	next := 0
	var budgetErr *domain.GatewayError
	var lastCall error

	attempt := func() error {
		for next < len(candidates) {
			c := candidates[next]
			next++
			out.Tried = append(out.Tried, c.backend.ID)

			// Rate limit first, so a reservation only spans the call itself.
			if err := r.admit(ctx, c); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Debug("rate limit wait exceeds dispatch timeout, trying next backend",
					zap.String("backend_id", c.backend.ID), zap.Error(err))
				continue
			}

			res, err := r.ledger.Reserve(c.backend.ID, c.backend.EstimateCost(units))
			if err != nil {
				// Budget denial moves on without spending an attempt.
				var gErr *domain.GatewayError
				if errors.As(err, &gErr) && (budgetErr == nil || gErr.RetryAfter < budgetErr.RetryAfter) {
					budgetErr = gErr
				}
				r.logger.Debug("budget denied, trying next backend",
					zap.String("backend_id", c.backend.ID), zap.Error(err))
				continue
			}

			out.Attempts++
			resp, err := r.call(ctx, c, res, req, units)
			if err != nil {
				lastCall = err
				return err
			}
			out.Response = resp
			return nil
		}
		return errNoCandidate
	}

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(r.cfg.MaxAttempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, errNoCandidate) && connectors.Retryable(err) && next < len(candidates)
		}),
		// Failover goes to a different backend, nothing to wait for.
		retry.DelayType(func(uint, error, retry.DelayContext) time.Duration { return 0 }),
	).Do(attempt)

	if err == nil {
		return out, nil
	}
	return out, r.classify(ctx, err, lastCall, budgetErr)
}

// classify turns the attempt loop result into the caller-facing error kind.
func (r *Router) classify(ctx context.Context, err, lastCall error, budgetErr *domain.GatewayError) error {
	if ctx.Err() != nil && !errors.Is(lastCall, context.DeadlineExceeded) {
		return &domain.GatewayError{Kind: domain.KindCanceled, Reason: "request canceled", Err: ctx.Err()}
	}
	if lastCall == nil {
		if budgetErr != nil {
			return domain.ErrBudgetExhausted(budgetErr.RetryAfter, budgetErr)
		}
		return &domain.GatewayError{Kind: domain.KindBackendUnavailable, Reason: "no eligible backend is currently available", Err: err}
	}

	var gErr *domain.GatewayError
	if errors.As(lastCall, &gErr) {
		return gErr
	}
	return &domain.GatewayError{Kind: domain.KindBackendError, Reason: "backend failed", Err: lastCall}
}

// timeout is the per-attempt ceiling; a backend's own timeout wins when shorter.
func (r *Router) timeout(b domain.Backend) time.Duration {
	if b.Timeout > 0 && b.Timeout < r.cfg.DispatchTimeout {
		return b.Timeout
	}
	return r.cfg.DispatchTimeout
}

// admit waits for the backend's rate limiter, no longer than one dispatch timeout.
func (r *Router) admit(ctx context.Context, c candidate) error {
	waitCtx, cancel := context.WithTimeout(ctx, r.timeout(c.backend))
	defer cancel()
	return c.limiter.Wait(waitCtx)
}

// call performs one attempt on one backend: breaker, bounded timeout, then commit or
// release of the reservation.
func (r *Router) call(ctx context.Context, c candidate, res budget.Reservation, req Request, units float64) (domain.Response, error) {
	committed := false
	defer func() {
		if !committed {
			if err := r.ledger.Release(res.ID); err != nil {
				r.logger.Warn("release reservation", zap.String("reservation_id", res.ID), zap.Error(err))
			}
		}
	}()

	exec, ok := r.executors.Get(c.backend.ID)
	if !ok {
		return domain.Response{}, &domain.GatewayError{
			Kind: domain.KindBackendUnavailable, BackendID: c.backend.ID,
			Reason: "backend executor missing", Err: &connectors.TransientError{Cause: errors.New("executor not registered")},
		}
	}

	done, err := c.breaker.Allow()
	if err != nil {
		r.observer.BackendCall(c.backend.ID, "breaker_open", 0)
		return domain.Response{}, &domain.GatewayError{
			Kind: domain.KindBackendUnavailable, BackendID: c.backend.ID,
			Reason: "backend call failed", Err: &connectors.TransientError{Cause: err},
		}
	}
	trial := c.breaker.State() == gobreaker.StateHalfOpen

	timeout := r.timeout(c.backend)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := exec.Execute(callCtx, req.Task.Prompt(), connectors.Constraints{
		TaskID:     req.Task.ID(),
		Capability: req.Task.Capability(),
		Level:      req.Level,
		MaxUnits:   units,
		Timeout:    timeout,
	})
	latency := time.Since(start)
	settle(ctx, done, err, trial)

	if err != nil {
		outcome := "error"
		kind := domain.KindBackendError
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			outcome, kind = "timeout", domain.KindBackendTimeout
			err = errors.Join(context.DeadlineExceeded, err)
		}
		r.observer.BackendCall(c.backend.ID, outcome, latency)
		r.logger.Warn("backend call failed",
			zap.String("backend_id", c.backend.ID),
			zap.String("task_id", req.Task.ID()),
			zap.String("result", outcome),
			zap.Duration("latency", latency),
			zap.Error(err))
		return domain.Response{}, &domain.GatewayError{
			Kind: kind, BackendID: c.backend.ID, Reason: "backend call failed", Err: err,
		}
	}

	c.observeLatency(latency, r.cfg.LatencyAlpha)
	r.observer.BackendCall(c.backend.ID, "ok", latency)

	cost := c.backend.EstimateCost(result.Units)
	if err := r.ledger.Commit(res.ID, cost); err != nil {
		r.logger.Error("commit after successful call failed",
			zap.String("reservation_id", res.ID), zap.Float64("cost", cost), zap.Error(err))
	}
	committed = true

	return domain.Response{
		BackendID: c.backend.ID,
		Payload:   result.Output,
		Units:     result.Units,
		Cost:      cost,
		Latency:   latency,
	}, nil
}

// settle reports a finished call to the breaker. A call the caller abandoned says nothing
// about the backend and is not counted, unless it was the single half-open trial call:
// that one must resolve, and it did not succeed.
func settle(ctx context.Context, done func(success bool), err error, trial bool) {
	switch {
	case err == nil:
		done(true)
	case ctx.Err() != nil && !trial:
	default:
		done(false)
	}
}

type candidate struct {
	backend domain.Backend
	*backendState
	ewma float64 // Latency snapshot taken once so sorting is stable
}

// candidates returns live allowed backends, cheapest first, then fastest.
func (r *Router) candidates(allowed []domain.Backend) []candidate {
	out := make([]candidate, 0, len(allowed))
	for _, b := range allowed {
		if _, ok := r.executors.Get(b.ID); !ok {
			continue
		}
		st := r.state(b.ID)
		if st.breaker.State() == gobreaker.StateOpen {
			continue
		}
		out = append(out, candidate{backend: b, backendState: st, ewma: st.latency()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.backend.CostPerUnit != b.backend.CostPerUnit {
			return a.backend.CostPerUnit < b.backend.CostPerUnit
		}
		return a.ewma < b.ewma
	})
	return out
}

func ids(backends []domain.Backend) []string {
	out := make([]string, len(backends))
	for i, b := range backends {
		out[i] = b.ID
	}
	return out
}
