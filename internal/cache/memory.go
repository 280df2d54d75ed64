package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local store with lazy expiry and an entry ceiling.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	maxEntries int
	now        func() time.Time
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), maxEntries: maxEntries, now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && e.Expired(s.now()) {
		s.mu.Lock()
		if cur, still := s.entries[key]; still && cur.Expired(s.now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return Entry{}, false, nil
	}
	return e, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.Key]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictLocked()
	}
	s.entries[e.Key] = e
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Purge drops expired entries and returns how many it removed.
func (s *MemoryStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// evictLocked drops expired entries, or the oldest one when none expired.
func (s *MemoryStore) evictLocked() {
	now := s.now()
	var oldestKey string
	var oldest time.Time
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			continue
		}
		if oldestKey == "" || e.CreatedAt.Before(oldest) {
			oldestKey, oldest = k, e.CreatedAt
		}
	}
	if len(s.entries) >= s.maxEntries && oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}
