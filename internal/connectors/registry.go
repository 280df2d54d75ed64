package connectors

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

type entry struct {
	fingerprint string // kind|endpoint|timeout; a change rebuilds the executor
	exec        Executor
	pinned      bool // Registered by hand, never replaced by Sync
}

// Registry maps backend ids to executors and rebuilds them when the rule table changes.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	httpClient  *http.Client
	mockLatency [2]time.Duration
	logger      *zap.Logger
}

type RegistryOption func(*Registry)

func WithHTTPClient(c *http.Client) RegistryOption {
	return func(r *Registry) { r.httpClient = c }
}

// WithMockLatency sets the simulated latency range of mock backends.
func WithMockLatency(lo, hi time.Duration) RegistryOption {
	return func(r *Registry) { r.mockLatency = [2]time.Duration{lo, hi} }
}

func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:     make(map[string]entry),
		httpClient:  &http.Client{},
		mockLatency: [2]time.Duration{50 * time.Millisecond, 300 * time.Millisecond},
		logger:      logger.Named("connectors"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs an executor that Sync will not touch.
func (r *Registry) Register(backendID string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeEntry(backendID)
	r.entries[backendID] = entry{exec: e, pinned: true}
}

func (r *Registry) Get(backendID string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[backendID]
	return e.exec, ok
}

// Sync brings the registry in line with the declared backends: new ones are built,
// changed ones rebuilt, removed ones closed. A backend that fails to build is skipped
// (the router treats it as unavailable) and reported in the returned error.
func (r *Registry) Sync(backends []domain.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		seen[b.ID] = true
		cur, ok := r.entries[b.ID]
		if ok && cur.pinned {
			continue
		}
		fp := fmt.Sprintf("%s|%s|%s", b.Kind, b.Endpoint, b.Timeout)
		if ok && cur.fingerprint == fp {
			continue
		}
		exec, err := r.build(b)
		if err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", b.ID, err))
			continue
		}
		r.closeEntry(b.ID)
		r.entries[b.ID] = entry{fingerprint: fp, exec: exec}
		r.logger.Info("executor ready", zap.String("backend_id", b.ID), zap.String("kind", b.Kind))
	}
	for id, e := range r.entries {
		if !seen[id] && !e.pinned {
			r.closeEntry(id)
			delete(r.entries, id)
			r.logger.Info("executor removed", zap.String("backend_id", id))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) build(b domain.Backend) (Executor, error) {
	switch b.Kind {
	case domain.ExecutorGRPC:
		return NewGRPCExecutor(b.Endpoint, b.Timeout)
	case domain.ExecutorHTTP:
		return NewHTTPExecutor(b.Endpoint, b.Timeout, r.httpClient), nil
	case domain.ExecutorMock, "":
		return &MockExecutor{Name: b.ID, MinLatency: r.mockLatency[0], MaxLatency: r.mockLatency[1]}, nil
	}
	return nil, fmt.Errorf("unknown executor kind %q", b.Kind)
}

// Close releases every executor that holds a connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.entries {
		r.closeEntry(id)
	}
	r.entries = make(map[string]entry)
	return nil
}

// Caller holds r.mu.
func (r *Registry) closeEntry(id string) {
	e, ok := r.entries[id]
	if !ok {
		return
	}
	if c, ok := e.exec.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Warn("executor close failed", zap.String("backend_id", id), zap.Error(err))
		}
	}
}
