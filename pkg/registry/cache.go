package registry

import (
	"context"
	"sync"
	"time"

	"github.com/tokenreg/quorum/pkg/rules"
)

// DefaultCacheTTL bounds how long a roster read may be served from memory.
const DefaultCacheTTL = 10 * time.Second

type idEntry struct {
	v         *Validator
	expiresAt time.Time
}

type rosterEntry struct {
	validators []Validator
	expiresAt  time.Time
}

// CachedStore wraps Store with a TTL cache on the read path. Entries are
// lazily expired on read and the whole cache is invalidated on every
// write, so deactivation takes effect immediately through this instance
// and within the TTL across replicas. Misses always fall through to the
// database.
type CachedStore struct {
	inner *Store
	ttl   time.Duration

	mu     sync.RWMutex
	byID   map[string]idEntry
	roster map[rules.Role]rosterEntry
}

// NewCachedStore wraps inner with the given TTL (DefaultCacheTTL when
// ttl <= 0).
func NewCachedStore(inner *Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		inner:  inner,
		ttl:    ttl,
		byID:   make(map[string]idEntry),
		roster: make(map[rules.Role]rosterEntry),
	}
}

// Get returns a validator by id, serving from cache when fresh. Negative
// results are cached too; Upsert invalidates them.
func (c *CachedStore) Get(ctx context.Context, id string) (*Validator, error) {
	c.mu.RLock()
	e, ok := c.byID[id]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.v, nil
	}

	v, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byID[id] = idEntry{v: v, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}

// ListActive returns the active roster for a role, cached per role.
func (c *CachedStore) ListActive(ctx context.Context, role rules.Role) ([]Validator, error) {
	c.mu.RLock()
	e, ok := c.roster[role]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.validators, nil
	}

	vs, err := c.inner.ListActive(ctx, role)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.roster[role] = rosterEntry{validators: vs, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return vs, nil
}

// List passes through to the store; full listings are administrative and
// not worth caching.
func (c *CachedStore) List(ctx context.Context) ([]Validator, error) {
	return c.inner.List(ctx)
}

// Upsert writes through and invalidates the cache.
func (c *CachedStore) Upsert(ctx context.Context, v *Validator) error {
	if err := c.inner.Upsert(ctx, v); err != nil {
		return err
	}
	c.InvalidateAll()
	return nil
}

// Deactivate writes through and invalidates the cache.
func (c *CachedStore) Deactivate(ctx context.Context, id string) error {
	if err := c.inner.Deactivate(ctx, id); err != nil {
		return err
	}
	c.InvalidateAll()
	return nil
}

// InvalidateAll drops every cached entry.
func (c *CachedStore) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]idEntry)
	c.roster = make(map[rules.Role]rosterEntry)
}
