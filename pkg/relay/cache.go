package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultContextReuseTimeout is how long a cached conversation stays
// resumable after its device disconnects.
const DefaultContextReuseTimeout = 300 * time.Second

type cacheEntry struct {
	context   *ConversationContext
	timestamp time.Time
}

// ContextCache keeps per-device conversation snapshots so a reconnecting
// device resumes its prior conversation within the reuse window. Entries are
// in-memory only and expire lazily on lookup; the cache is the only resource
// shared across concurrent device links.
type ContextCache struct {
	reuseTimeout time.Duration
	log          *zap.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry

	// test hook; defaults to time.Now
	now func() time.Time
}

// NewContextCache creates a cache whose entries expire after reuseTimeout.
func NewContextCache(reuseTimeout time.Duration, log *zap.Logger) *ContextCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &ContextCache{
		reuseTimeout: reuseTimeout,
		log:          log,
		entries:      make(map[string]cacheEntry),
		now:          time.Now,
	}
}

// Put stores a context snapshot for deviceID, overwriting any prior entry.
// At most one live entry exists per device; last write wins.
func (c *ContextCache) Put(deviceID string, ctx *ConversationContext) {
	if ctx == nil {
		return
	}
	c.mu.Lock()
	c.entries[deviceID] = cacheEntry{context: ctx, timestamp: c.now()}
	c.mu.Unlock()

	c.log.Info("cached conversation context",
		zap.String("device_id", deviceID),
		zap.Int("messages", ctx.Len()))
}

// Get returns the cached context for deviceID if it is still within the
// reuse window. An expired entry is purged and treated as absent.
func (c *ContextCache) Get(deviceID string) *ConversationContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(deviceID)
}

func (c *ContextCache) getLocked(deviceID string) *ConversationContext {
	entry, ok := c.entries[deviceID]
	if !ok {
		return nil
	}
	age := c.now().Sub(entry.timestamp)
	if age >= c.reuseTimeout {
		delete(c.entries, deviceID)
		c.log.Info("context cache entry expired",
			zap.String("device_id", deviceID),
			zap.Duration("age", age))
		return nil
	}
	return entry.context
}

// TakeForResume clones the cached messages into a fresh context for a new
// session and consumes the entry. The clone keeps the cache decoupled from
// the structure the new session mutates; the session re-caches on drain.
// Returns nil when no valid entry exists.
func (c *ContextCache) TakeForResume(deviceID string) *ConversationContext {
	c.mu.Lock()
	cached := c.getLocked(deviceID)
	if cached != nil {
		delete(c.entries, deviceID)
	}
	c.mu.Unlock()

	if cached == nil {
		return nil
	}
	c.log.Info("resuming conversation from cache",
		zap.String("device_id", deviceID),
		zap.Int("messages", cached.Len()))
	return NewConversationContextWith(cached.Messages())
}

// Len returns the number of entries currently held, including any that
// would expire on their next lookup.
func (c *ContextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
