// Package engine is the gateway data plane: the per-task pipeline and the HTTP and gRPC
// surfaces in front of it.
//
// Classifier -> Sanitizer -> Policy -> Cache -> Router (budget, breaker, retry) ->
// Cache store -> Recorder. Every task ends in exactly one trace, whatever the outcome.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/cache"
	"github.com/xela07ax/spaceai-gateway/internal/classify"
	"github.com/xela07ax/spaceai-gateway/internal/defense"
	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/policy"
	"github.com/xela07ax/spaceai-gateway/internal/router"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

// Dispatcher sends an allowed task to a backend. *router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req router.Request) (router.Dispatch, error)
}

// TraceRecorder is the decision recorder. *audit.Recorder implements it.
type TraceRecorder interface {
	Append(ctx context.Context, t domain.Trace) (domain.Trace, error)
	Log(t domain.Trace) domain.Trace
}

type Status string

const (
	StatusServed   Status = "served"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// Result is what the caller sees. Internal error detail stays in the trace.
type Result struct {
	Status      Status           `json:"status"`
	Response    string           `json:"response,omitempty"`
	BackendID   string           `json:"backendId,omitempty"`
	CacheServed bool             `json:"cacheServed,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	TraceID     string           `json:"traceId"`
	TaskID      string           `json:"taskId"`
	Kind        domain.ErrorKind `json:"-"`
	RetryAfter  time.Duration    `json:"-"`
}

// Evaluation is the side-effect-free part of the pipeline.
type Evaluation struct {
	Classification classify.Result
	Defense        domain.DefenseVerdict
	Decision       domain.PolicyDecision
}

var (
	classifier   = classify.New()
	sanitizer    = defense.New()
	policyEngine = policy.NewEngine()
)

// Evaluate classifies, inspects and decides one task against a rule set. No I/O.
func Evaluate(set *rules.Set, task domain.Task, halted map[string]bool) Evaluation {
	cls := classifier.Explain(set, task)
	verdict := sanitizer.Inspect(set, task)
	decision := policyEngine.Decide(set, policy.Input{
		TaskID:       task.ID(),
		Level:        cls.Level,
		ClassRuleIDs: cls.RuleIDs,
		Defense:      verdict,
		Capability:   task.Capability(),
		Halted:       halted,
	})
	return Evaluation{Classification: cls, Defense: verdict, Decision: decision}
}

type Gateway struct {
	rules    *rules.Store
	cache    *cache.Cache
	router   Dispatcher
	recorder TraceRecorder
	halts    *KillSwitchManager
	metrics  *Metrics
	logger   *zap.Logger
}

func NewGateway(store *rules.Store, c *cache.Cache, r Dispatcher, rec TraceRecorder, halts *KillSwitchManager, metrics *Metrics, logger *zap.Logger) *Gateway {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Gateway{
		rules:    store,
		cache:    c,
		router:   r,
		recorder: rec,
		halts:    halts,
		metrics:  metrics,
		logger:   logger.Named("gateway"),
	}
}

// Submit прогоняет одну задачу через конвейер. Это и есть наш "Hot Path".
// Ошибку не возвращает: любой исход, включая сбои, это Result с записанной трассой.
func (g *Gateway) Submit(ctx context.Context, sub Submission) Result {
	start := time.Now()
	task := domain.NewTask(sub.Content, sub.Purpose, sub.Capability)
	set := g.rules.Current()

	var halted map[string]bool
	if g.halts != nil {
		halted = g.halts.Snapshot()
	}
	ev := Evaluate(set, task, halted)
	decision := ev.Decision
	level := ev.Classification.Level

	logger := g.logger.With(zap.String("task_id", task.ID()), zap.String("request_id", sub.RequestID))
	logger.Debug("policy decision",
		zap.Stringer("level", level),
		zap.Stringer("verdict", ev.Defense.Verdict),
		zap.Strings("allowed", decision.AllowedIDs()),
		zap.Strings("rationale", decision.Rationale),
		zap.String("rules_version", decision.RulesVersion))

	tr := domain.Trace{
		TaskID:      task.ID(),
		RequestID:   sub.RequestID,
		Purpose:     task.Purpose(),
		Decision:    decision,
		SubmittedAt: task.SubmittedAt(),
	}
	res := Result{TaskID: task.ID()}

	if decision.Rejected() {
		gErr := domain.ErrPolicyReject(decision.Rationale)
		if ev.Defense.Blocked() {
			gErr = domain.ErrDefenseBlocked(ev.Defense.RuleIDs)
		}
		logger.Info("task rejected", zap.String("kind", string(gErr.Kind)), zap.Strings("rationale", decision.Rationale))
		tr.Outcome = domain.OutcomeRejected
		tr.Error = gErr.Error()
		res.fail(gErr)
		return g.record(ctx, logger, tr, res, start)
	}

	key := cache.Key(task, level)
	if entry, ok := g.cache.Get(ctx, key); ok {
		g.metrics.CacheLookups.WithLabelValues("hit").Inc()
		tr.Outcome = domain.OutcomeCacheServed
		tr.BackendID = entry.Response.BackendID
		tr.DurationMs = time.Since(start).Milliseconds()
		saved := g.recorder.Log(tr)

		res.Status = StatusServed
		res.Response = entry.Response.Payload
		res.BackendID = entry.Response.BackendID
		res.CacheServed = true
		res.TraceID = saved.ID
		g.observe(res, tr.Outcome, start)
		return res
	}
	g.metrics.CacheLookups.WithLabelValues("miss").Inc()

	d, err := g.router.Dispatch(ctx, router.Request{
		Task:    task,
		Level:   level,
		Allowed: decision.Allowed,
		Units:   sub.Units,
	})
	tr.Attempts = d.Attempts
	if err != nil {
		var gErr *domain.GatewayError
		if !errors.As(err, &gErr) {
			gErr = &domain.GatewayError{Kind: domain.KindBackendError, Reason: "backend failed", Err: err}
		}
		logger.Warn("task failed", zap.String("kind", string(gErr.Kind)), zap.Strings("tried", d.Tried), zap.Error(err))
		tr.Outcome = outcomeOf(gErr.Kind)
		tr.BackendID = gErr.BackendID
		tr.Error = gErr.Error()
		res.fail(gErr)
		return g.record(ctx, logger, tr, res, start)
	}

	g.cache.Put(ctx, key, level, d.Response, g.cache.TTLFor(level))

	tr.Outcome = domain.OutcomeServed
	tr.BackendID = d.Response.BackendID
	tr.Cost = d.Response.Cost
	res.Status = StatusServed
	res.Response = d.Response.Payload
	res.BackendID = d.Response.BackendID
	return g.record(ctx, logger, tr, res, start)
}

// record пишет трассу до того, как уйдет ответ. Про сбой записи рекордер уже
// поднял алерт и отложил трассу, клиент все равно получает ответ.
func (g *Gateway) record(ctx context.Context, logger *zap.Logger, tr domain.Trace, res Result, start time.Time) Result {
	tr.DurationMs = time.Since(start).Milliseconds()
	saved, err := g.recorder.Append(ctx, tr)
	if err != nil {
		logger.Warn("trace not durable yet", zap.Error(err))
	}
	res.TraceID = saved.ID
	g.observe(res, tr.Outcome, start)
	return res
}

func (g *Gateway) observe(res Result, outcome domain.Outcome, start time.Time) {
	g.metrics.TotalRequests.WithLabelValues(string(res.Status), string(outcome)).Inc()
	g.metrics.RequestDuration.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())
}

func (r *Result) fail(gErr *domain.GatewayError) {
	r.Kind = gErr.Kind
	r.Reason = gErr.Reason
	r.RetryAfter = gErr.RetryAfter
	if gErr.Terminal() {
		r.Status = StatusRejected
		return
	}
	r.Status = StatusError
}

func outcomeOf(kind domain.ErrorKind) domain.Outcome {
	switch kind {
	case domain.KindDefenseBlocked, domain.KindPolicyReject:
		return domain.OutcomeRejected
	case domain.KindBudgetExhausted:
		return domain.OutcomeBudgetExhausted
	case domain.KindBackendTimeout:
		return domain.OutcomeTimeout
	}
	return domain.OutcomeError
}
