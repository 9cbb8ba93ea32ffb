// Package session provides the process-local session cache for evermind.
// A session is the expensive-to-construct set of agent components
// (tools, skills, subagents) serving one tenant/project/mode; building
// one costs hundreds of milliseconds, so cached entries are reused
// across turns as long as their component hashes still match and they
// have not idled out. Invalidation can race with concurrent reuse, so
// explicit clears use a soft-delete grace window instead of immediate
// destruction.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/evermind-ai/evermind/internal/telemetry"
	"github.com/evermind-ai/evermind/pkg/models"
)

// DefaultTTL is the idle time after which a cached session expires.
const DefaultTTL = 30 * time.Minute

// BuildFunc constructs the session components for one key.
type BuildFunc func(ctx context.Context) (any, error)

// Params identifies the session a caller needs and the component
// fingerprint it expects.
type Params struct {
	TenantID  string
	ProjectID string
	AgentMode string
	Hashes    models.ComponentHashes
}

// Key returns the composite cache key.
func (p Params) Key() string {
	return models.SessionKey(p.TenantID, p.ProjectID, p.AgentMode)
}

// Context is one cached session.
type Context struct {
	mu                  sync.Mutex
	key                 string
	tenantID            string
	projectID           string
	agentMode           string
	hashes              models.ComponentHashes
	components          any
	useCount            int64
	createdAt           time.Time
	lastUsedAt          time.Time
	markedForDeletionAt time.Time // zero when not soft-deleted
}

// Components returns the cached components.
func (c *Context) Components() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.components
}

// UseCount returns how many times the session has been handed out.
func (c *Context) UseCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCount
}

// IsValidFor reports whether the cached wiring matches the requested
// hashes. All three must match.
func (c *Context) IsValidFor(hashes models.ComponentHashes) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hashes.Equal(hashes)
}

// IsExpired reports whether the session idled past ttl. Expiry is
// independent of soft-delete marking.
func (c *Context) IsExpired(now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ttl > 0 && now.Sub(c.lastUsedAt) > ttl
}

// Touch marks one more use, refreshing the idle clock and clearing any
// soft-delete mark: in-flight reuse rescues a marked entry.
func (c *Context) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useCount++
	c.lastUsedAt = time.Now()
	c.markedForDeletionAt = time.Time{}
}

// Info returns a read-only snapshot.
func (c *Context) Info() models.SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := models.SessionInfo{
		Key:             c.key,
		TenantID:        c.tenantID,
		ProjectID:       c.projectID,
		AgentMode:       c.agentMode,
		UseCount:        c.useCount,
		CreatedAtEpoch:  c.createdAt.UnixMilli(),
		LastUsedAtEpoch: c.lastUsedAt.UnixMilli(),
	}
	if !c.markedForDeletionAt.IsZero() {
		info.MarkedForDeletionAt = c.markedForDeletionAt.UnixMilli()
	}
	return info
}

// markedPast reports whether the soft-delete deadline has passed.
func (c *Context) markedPast(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.markedForDeletionAt.IsZero() && !now.Before(c.markedForDeletionAt)
}

// Cache is the process-local session pool. It is intentionally not
// shared across coordinator instances: the persisted store and the
// transport carry all cross-process state.
type Cache struct {
	ttl     time.Duration
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	entries   map[string]*Context
	group     singleflight.Group
	onEvicted func(key string)
}

// NewCache creates a cache with the given idle TTL (DefaultTTL when 0).
func NewCache(ttl time.Duration, metrics *telemetry.Metrics) *Cache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		metrics: metrics,
		entries: make(map[string]*Context),
	}
}

// SetOnEvicted registers a callback invoked with the key of every
// hard-deleted session.
func (c *Cache) SetOnEvicted(fn func(key string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvicted = fn
}

// GetOrCreate returns a valid cached session for the params, building
// one when the key is absent, the hashes changed, or the entry expired.
// Concurrent callers for the same key serialize on construction: the
// first builds, the rest reuse the result. The bool reports a cache hit.
func (c *Cache) GetOrCreate(ctx context.Context, p Params, build BuildFunc) (*Context, bool, error) {
	key := p.Key()

	if entry := c.lookupValid(key, p.Hashes); entry != nil {
		entry.Touch()
		c.metrics.CacheHit(ctx)
		return entry, true, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have finished building while we queued.
		if entry := c.lookupValid(key, p.Hashes); entry != nil {
			return entry, nil
		}
		return c.build(ctx, key, p, build)
	})
	if err != nil {
		return nil, false, err
	}
	entry := v.(*Context)
	entry.Touch()
	c.metrics.CacheMiss(ctx)
	return entry, false, nil
}

// Refresh force-rebuilds the session for the params, replacing any
// cached entry regardless of validity.
func (c *Cache) Refresh(ctx context.Context, p Params, build BuildFunc) (*Context, error) {
	key := p.Key()
	v, err, _ := c.group.Do(key+":refresh", func() (interface{}, error) {
		return c.build(ctx, key, p, build)
	})
	if err != nil {
		return nil, err
	}
	entry := v.(*Context)
	entry.Touch()
	c.metrics.CacheMiss(ctx)
	return entry, nil
}

// build constructs and inserts a fresh entry, replacing any existing one.
func (c *Cache) build(ctx context.Context, key string, p Params, build BuildFunc) (*Context, error) {
	start := time.Now()
	components, err := build(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	entry := &Context{
		key:        key,
		tenantID:   p.TenantID,
		projectID:  p.ProjectID,
		agentMode:  p.AgentMode,
		hashes:     p.Hashes,
		components: components,
		createdAt:  now,
		lastUsedAt: now,
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	c.metrics.CacheBuild(ctx, time.Since(start).Seconds())
	log.Debug().Str("sessionKey", key).Dur("buildTime", time.Since(start)).Msg("Session components built")
	return entry, nil
}

// lookupValid returns the cached entry when it matches the hashes, has
// not expired, and is either unmarked or still inside its grace window.
func (c *Cache) lookupValid(key string, hashes models.ComponentHashes) *Context {
	c.mu.RLock()
	entry := c.entries[key]
	c.mu.RUnlock()
	if entry == nil {
		return nil
	}
	now := time.Now()
	if !entry.IsValidFor(hashes) || entry.IsExpired(now, c.ttl) || entry.markedPast(now) {
		return nil
	}
	return entry
}

// Clear invalidates a session. With no grace period, or when the
// session was barely used, it is destroyed immediately. Otherwise it is
// soft-deleted: marked for removal at now+grace but still reusable,
// because an invalidation signal can race concurrent reuse and
// destroying in-flight state would be worse than serving it slightly
// longer. Returns false when the key is unknown.
func (c *Cache) Clear(key string, grace time.Duration) bool {
	c.mu.Lock()
	entry := c.entries[key]
	if entry == nil {
		c.mu.Unlock()
		return false
	}

	if grace <= 0 || entry.UseCount() <= 1 {
		delete(c.entries, key)
		onEvicted := c.onEvicted
		c.mu.Unlock()
		log.Debug().Str("sessionKey", key).Msg("Session hard-deleted")
		if onEvicted != nil {
			onEvicted(key)
		}
		return true
	}
	c.mu.Unlock()

	entry.mu.Lock()
	entry.markedForDeletionAt = time.Now().Add(grace)
	entry.mu.Unlock()
	log.Debug().Str("sessionKey", key).Dur("grace", grace).Msg("Session soft-deleted")
	return true
}

// Sweep hard-deletes sessions past their soft-delete deadline or idle
// TTL and returns how many were removed. Invoked periodically by the
// hosting process.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	var victims []string
	for key, entry := range c.entries {
		if entry.markedPast(now) || entry.IsExpired(now, c.ttl) {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		delete(c.entries, key)
	}
	onEvicted := c.onEvicted
	c.mu.Unlock()

	for _, key := range victims {
		log.Debug().Str("sessionKey", key).Msg("Session swept")
		if onEvicted != nil {
			onEvicted(key)
		}
	}
	return len(victims)
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns read-only info for every cached session.
func (c *Cache) Snapshot() []models.SessionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.SessionInfo, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry.Info())
	}
	return out
}
