package rules

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Store publishes the current rule Set. Readers take a snapshot with Current and use it
// for the whole pipeline, so no task ever observes a half-applied table.
type Store struct {
	current atomic.Pointer[Set]
	path    string
	logger  *zap.Logger

	mu        sync.Mutex // Serializes reloads and subscriber notification
	listeners []func(*Set)
}

func NewStore(initial *Set, path string, logger *zap.Logger) *Store {
	s := &Store{path: path, logger: logger.Named("rules")}
	s.current.Store(initial)
	return s
}

func (s *Store) Current() *Set {
	return s.current.Load()
}

func (s *Store) Path() string { return s.path }

// OnChange registers a callback invoked after every successful swap (and once immediately
// with the current set).
func (s *Store) OnChange(fn func(*Set)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	fn(s.current.Load())
}

// Swap installs a compiled set and notifies subscribers.
func (s *Store) Swap(set *Set) *Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.current.Swap(set)
	for _, fn := range s.listeners {
		fn(set)
	}
	s.logger.Info("rule table installed",
		zap.String("version", set.Label()),
		zap.Int("classification_rules", len(set.Classification)),
		zap.Int("backends", len(set.Backends)))
	return old
}

// Reload re-reads the rule file. On any error the current table stays in place.
// Returns true when a different table was installed.
func (s *Store) Reload() (bool, error) {
	set, err := LoadFile(s.path)
	if err != nil {
		s.logger.Error("rule reload rejected, keeping current table", zap.Error(err))
		return false, err
	}
	if cur := s.Current(); cur != nil && cur.Hash == set.Hash {
		return false, nil
	}
	s.Swap(set)
	return true, nil
}
