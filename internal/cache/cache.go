// Package cache stores backend responses for repeated tasks.
//
// Keys combine a hash of the normalized task content with the sensitivity level, so the
// same text classified at two levels never shares an entry. SECRET content is never
// cached. The cache is only consulted after the policy engine allowed the task.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

// Entry is one cached response.
type Entry struct {
	Key       string                  `json:"key"`
	Level     domain.SensitivityLevel `json:"level"`
	Response  domain.Response         `json:"response"`
	CreatedAt time.Time               `json:"created_at"`
	TTL       time.Duration           `json:"ttl"`
}

func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// Store is the backing storage. Concurrent writers race; the last one wins.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
}

// Key derives the cache key of a task at a level.
func Key(task domain.Task, level domain.SensitivityLevel) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(task.Capability())))
	for _, f := range task.Content() {
		h.Write([]byte{0x1e})
		h.Write([]byte(strings.ToLower(strings.TrimSpace(f.Name))))
		h.Write([]byte{0x1f})
		h.Write([]byte(normalize(f.Value)))
	}
	return level.String() + ":" + hex.EncodeToString(h.Sum(nil))
}

// normalize folds compatibility forms and collapses whitespace; case is kept because it
// can change the meaning of code and identifiers.
func normalize(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// TTLs per level. A zero TTL disables caching for that level.
type TTLs map[domain.SensitivityLevel]time.Duration

func DefaultTTLs() TTLs {
	return TTLs{
		domain.LevelPublic:       time.Hour,
		domain.LevelInternal:     10 * time.Minute,
		domain.LevelConfidential: 2 * time.Minute,
	}
}

type Cache struct {
	store  Store
	ttls   TTLs
	now    func() time.Time
	logger *zap.Logger
}

func New(store Store, ttls TTLs, logger *zap.Logger) *Cache {
	if ttls == nil {
		ttls = DefaultTTLs()
	}
	return &Cache{store: store, ttls: ttls, now: time.Now, logger: logger.Named("cache")}
}

// TTLFor returns the configured TTL of a level; SECRET is always 0.
func (c *Cache) TTLFor(level domain.SensitivityLevel) time.Duration {
	if level >= domain.LevelSecret {
		return 0
	}
	return c.ttls[level]
}

// Get returns the entry under key. Store errors are logged and reported as a miss:
// the cache must never fail a task.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
		return Entry{}, false
	}
	if !ok || e.Expired(c.now()) {
		return Entry{}, false
	}
	return e, true
}

// Put stores resp under key for ttl. Nothing is stored for SECRET or a non-positive ttl.
func (c *Cache) Put(ctx context.Context, key string, level domain.SensitivityLevel, resp domain.Response, ttl time.Duration) {
	if level >= domain.LevelSecret || ttl <= 0 {
		return
	}
	resp.CacheServed = false
	e := Entry{Key: key, Level: level, Response: resp, CreatedAt: c.now(), TTL: ttl}
	if err := c.store.Put(ctx, e); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}
