// Package budget implements the spend ledger that gates every dispatch.
//
// Spend is tracked in fixed time windows, one per backend plus a global window keyed
// GlobalWindow. Dispatch uses a two-phase protocol: Reserve holds the estimated cost
// before the backend is called, then Commit charges the actual cost or Release drops the
// hold. Every operation runs under a single mutex, so concurrent reservations can never
// together exceed a cap.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

// GlobalWindow is the cross-backend window id.
const GlobalWindow = "*"

var (
	ErrUnknownReservation = errors.New("budget: unknown or expired reservation")
	ErrInvalidCap         = errors.New("budget: cap must be >= 0")
)

type Config struct {
	Window         time.Duration // Window length; windows are aligned to multiples of it
	WarnRatio      float64       // Fraction of cap that emits budget.warning (once per window)
	GlobalCap      float64       // 0 means no global cap
	ReservationTTL time.Duration // Holds older than this are released by Sweep
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.WarnRatio <= 0 || c.WarnRatio >= 1 {
		c.WarnRatio = 0.8
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 2 * time.Minute
	}
	return c
}

// Window is a point-in-time copy of one budget window.
type Window struct {
	BackendID string    `json:"backend_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Spent     float64   `json:"spent"`
	Held      float64   `json:"held"` // Outstanding reservations
	Cap       float64   `json:"cap"`  // 0 means unlimited
	Overage   float64   `json:"overage"`
	Shutoff   bool      `json:"shutoff"`
	Warned    bool      `json:"warned"`
}

// Utilization returns (spent+held)/cap, or 0 for an uncapped window.
func (w Window) Utilization() float64 {
	if w.Cap <= 0 {
		return 0
	}
	return (w.Spent + w.Held) / w.Cap
}

// Reservation is a provisional hold created before dispatch.
type Reservation struct {
	ID        string    `json:"id"`
	BackendID string    `json:"backend_id"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Option func(*Ledger)

// WithClock replaces time.Now, for window and TTL tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type Ledger struct {
	cfg    Config
	now    func() time.Time
	sink   domain.EventSink
	logger *zap.Logger

	mu           sync.Mutex
	windows      map[string]*Window
	caps         map[string]float64
	pinned       map[string]bool // Caps set by an operator survive rule reloads
	reservations map[string]*Reservation
	expired      map[string]*Reservation // Swept holds; a late Commit still books its cost
}

func NewLedger(cfg Config, sink domain.EventSink, logger *zap.Logger, opts ...Option) *Ledger {
	if sink == nil {
		sink = domain.NopSink{}
	}
	cfg = cfg.withDefaults()
	l := &Ledger{
		cfg:          cfg,
		now:          time.Now,
		sink:         sink,
		logger:       logger.Named("budget"),
		windows:      make(map[string]*Window),
		caps:         map[string]float64{GlobalWindow: cfg.GlobalCap},
		pinned:       make(map[string]bool),
		reservations: make(map[string]*Reservation),
		expired:      make(map[string]*Reservation),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SyncBackends applies per-backend caps from the rule table. Caps pinned by an operator
// through SetCap are left alone.
func (l *Ledger) SyncBackends(backends []domain.Backend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range backends {
		if l.pinned[b.ID] {
			continue
		}
		l.caps[b.ID] = b.BudgetCap
		if w, ok := l.windows[b.ID]; ok {
			w.Cap = b.BudgetCap
		}
	}
}

// Reserve holds estimate against the backend and global windows. A denial is a
// *domain.GatewayError of kind BudgetExhausted carrying the time until rollover.
func (l *Ledger) Reserve(backendID string, estimate float64) (Reservation, error) {
	if estimate < 0 {
		estimate = 0
	}
	var events []domain.Event
	defer func() { l.emit(events) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	targets := []*Window{l.window(backendID, now), l.window(GlobalWindow, now)}
	for _, w := range targets {
		if reason := w.denyReason(estimate); reason != "" {
			return Reservation{}, &domain.GatewayError{
				Kind:       domain.KindBudgetExhausted,
				Reason:     "budget exhausted",
				BackendID:  backendID,
				RetryAfter: w.End.Sub(now),
				Err:        fmt.Errorf("budget: window %q: %s", w.BackendID, reason),
			}
		}
	}

	r := &Reservation{
		ID:        uuid.NewString(),
		BackendID: backendID,
		Amount:    estimate,
		CreatedAt: now,
		ExpiresAt: now.Add(l.cfg.ReservationTTL),
	}
	for _, w := range targets {
		w.Held += estimate
		events = l.checkThresholds(w, now, events)
	}
	l.reservations[r.ID] = r
	return *r, nil
}

// Commit charges the actual cost of a reservation. Committed spend never exceeds the
// cap: anything above it is booked as overage and trips the shutoff.
func (l *Ledger) Commit(reservationID string, actual float64) error {
	if actual < 0 {
		actual = 0
	}
	var events []domain.Event
	defer func() { l.emit(events) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	held := true
	r, ok := l.reservations[reservationID]
	if !ok {
		if r, ok = l.expired[reservationID]; !ok {
			return ErrUnknownReservation
		}
		// The sweeper already dropped the hold; the call still happened.
		held = false
		delete(l.expired, reservationID)
		l.logger.Warn("commit after reservation expired, charging anyway",
			zap.String("reservation_id", r.ID),
			zap.String("backend_id", r.BackendID),
			zap.Float64("actual", actual))
	}
	delete(l.reservations, reservationID)

	now := l.now()
	for _, w := range []*Window{l.window(r.BackendID, now), l.window(GlobalWindow, now)} {
		if held {
			w.Held = max(w.Held-r.Amount, 0)
		}
		w.Spent += actual
		if w.Cap > 0 && w.Spent > w.Cap {
			over := w.Spent - w.Cap
			w.Overage += over
			w.Spent = w.Cap
			l.logger.Warn("actual cost exceeded cap, booked as overage",
				zap.String("window", w.BackendID), zap.Float64("overage", over))
		}
		events = l.checkThresholds(w, now, events)
	}
	return nil
}

// Release drops a reservation without charging it.
func (l *Ledger) Release(reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		if _, ok := l.expired[reservationID]; ok {
			delete(l.expired, reservationID)
			return nil
		}
		return ErrUnknownReservation
	}
	l.release(r)
	return nil
}

func (l *Ledger) release(r *Reservation) {
	delete(l.reservations, r.ID)
	now := l.now()
	for _, w := range []*Window{l.window(r.BackendID, now), l.window(GlobalWindow, now)} {
		w.Held = max(w.Held-r.Amount, 0)
	}
}

// Sweep releases reservations past their TTL and returns how many it dropped. A swept
// reservation can still be committed for one more TTL.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id, r := range l.expired {
		if !now.Before(r.ExpiresAt) {
			delete(l.expired, id)
		}
	}
	n := 0
	for _, r := range l.reservations {
		if now.Before(r.ExpiresAt) {
			continue
		}
		l.release(r)
		r.ExpiresAt = now.Add(l.cfg.ReservationTTL)
		l.expired[r.ID] = r
		n++
		l.logger.Warn("reservation expired without commit, released",
			zap.String("reservation_id", r.ID),
			zap.String("backend_id", r.BackendID),
			zap.Float64("amount", r.Amount))
	}
	return n
}

// Run sweeps expired reservations every interval until ctx is done.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.cfg.ReservationTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Snapshot returns every known window, global first, then by backend id.
func (l *Ledger) Snapshot() []Window {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id := range l.caps {
		l.window(id, now)
	}
	out := make([]Window, 0, len(l.windows))
	for id := range l.windows {
		out = append(out, *l.window(id, now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BackendID == GlobalWindow || out[j].BackendID == GlobalWindow {
			return out[i].BackendID == GlobalWindow
		}
		return out[i].BackendID < out[j].BackendID
	})
	return out
}

// Outstanding returns the number of open reservations.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reservations)
}

// SetCap changes a window's cap. Raising the cap above current spend lifts an active
// shutoff; lowering it below spend trips one.
func (l *Ledger) SetCap(backendID string, capAmount float64) (Window, error) {
	if capAmount < 0 {
		return Window{}, ErrInvalidCap
	}
	var events []domain.Event
	defer func() { l.emit(events) }()

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.caps[backendID] = capAmount
	l.pinned[backendID] = true
	w := l.window(backendID, now)
	w.Cap = capAmount
	if w.Shutoff && (capAmount == 0 || w.Spent < capAmount) {
		w.Shutoff = false
	}
	w.Warned = w.Cap > 0 && w.Utilization() >= l.cfg.WarnRatio
	events = append(events, domain.Event{
		Type:      domain.EventBudgetCapChanged,
		Severity:  domain.SeverityInfo,
		BackendID: backendID,
		Message:   fmt.Sprintf("cap set to %.4f", capAmount),
		At:        now,
	})
	events = l.checkThresholds(w, now, events)
	return *w, nil
}

// Reset zeroes the current window and lifts the auto-shutoff. Held reservations stay.
func (l *Ledger) Reset(backendID string) Window {
	var events []domain.Event
	defer func() { l.emit(events) }()

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w := l.window(backendID, now)
	w.Spent, w.Overage, w.Shutoff, w.Warned = 0, 0, false, false
	events = append(events, domain.Event{
		Type:      domain.EventBudgetReset,
		Severity:  domain.SeverityInfo,
		BackendID: backendID,
		Message:   "window reset by operator",
		At:        now,
	})
	return *w
}

// window returns the active window for id, rolling it over when its period ended.
// Caller holds l.mu.
func (l *Ledger) window(id string, now time.Time) *Window {
	start := now.Truncate(l.cfg.Window)
	w, ok := l.windows[id]
	if !ok {
		w = &Window{BackendID: id, Start: start, End: start.Add(l.cfg.Window), Cap: l.caps[id]}
		l.windows[id] = w
		return w
	}
	if start.After(w.Start) {
		w.Start, w.End = start, start.Add(l.cfg.Window)
		w.Spent, w.Overage, w.Shutoff, w.Warned = 0, 0, false, false
	}
	return w
}

func (w *Window) denyReason(estimate float64) string {
	if w.Shutoff {
		return "auto-shutoff active"
	}
	if w.Cap > 0 && w.Spent+w.Held+estimate > w.Cap {
		return fmt.Sprintf("spent %.4f + held %.4f + estimate %.4f exceeds cap %.4f", w.Spent, w.Held, estimate, w.Cap)
	}
	return ""
}

// checkThresholds flips warning and shutoff flags and queues their events.
func (l *Ledger) checkThresholds(w *Window, now time.Time, events []domain.Event) []domain.Event {
	if w.Cap <= 0 {
		return events
	}
	if !w.Warned && w.Utilization() >= l.cfg.WarnRatio {
		w.Warned = true
		events = append(events, domain.Event{
			Type:      domain.EventBudgetWarning,
			Severity:  domain.SeverityWarning,
			BackendID: w.BackendID,
			Message:   fmt.Sprintf("budget at %.0f%% of cap", w.Utilization()*100),
			Attrs:     map[string]any{"spent": w.Spent, "held": w.Held, "cap": w.Cap},
			At:        now,
		})
	}
	if !w.Shutoff && w.Spent >= w.Cap {
		w.Shutoff = true
		events = append(events, domain.Event{
			Type:      domain.EventBudgetShutoff,
			Severity:  domain.SeverityCritical,
			BackendID: w.BackendID,
			Message:   "budget cap reached, reservations denied until reset or rollover",
			Attrs:     map[string]any{"spent": w.Spent, "overage": w.Overage, "cap": w.Cap, "window_end": w.End},
			At:        now,
		})
	}
	return events
}

// emit runs outside the lock: sinks may do network I/O.
func (l *Ledger) emit(events []domain.Event) {
	for _, ev := range events {
		l.sink.Emit(context.Background(), ev)
	}
}
