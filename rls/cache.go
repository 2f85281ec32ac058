package rls

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	memory "github.com/mira-labs/mira-memory"
)

// CachingStore decorates a Store with a Redis fast path for LoadRecent,
// generalizing the teacher's HybridMemory (hybrid.go): writes go to the
// underlying store first, then a best-effort cache update follows; reads
// try Redis, falling back to the underlying store and repopulating the
// cache on miss. Redis is never the source of truth — ordering and
// durability guarantees come entirely from the wrapped Store.
type CachingStore struct {
	Store
	redis      *redis.Client
	maxEntries int
	ttl        time.Duration
}

// NewCachingStore wraps inner with a Redis-backed recent-message cache.
func NewCachingStore(inner Store, addr, password string, db int, maxEntries int, ttl time.Duration) (*CachingStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", memory.ErrStorageUnavailable, err)
	}

	if maxEntries <= 0 {
		maxEntries = 50
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &CachingStore{Store: inner, redis: client, maxEntries: maxEntries, ttl: ttl}, nil
}

func recentKey(sessionID string) string {
	return fmt.Sprintf("mira:session:%s:recent", sessionID)
}

// Append writes through to the inner store, then pushes the new entry onto
// the Redis cache (best effort — a cache failure never fails the append).
func (c *CachingStore) Append(ctx context.Context, entry *memory.MemoryEntry) (int64, error) {
	id, err := c.Store.Append(ctx, entry)
	if err != nil {
		return id, err
	}

	payload, merr := json.Marshal(entry)
	if merr != nil {
		return id, nil
	}
	key := recentKey(entry.SessionID)
	pipe := c.redis.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(c.maxEntries-1))
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", entry.SessionID).Msg("rls: cache append failed")
	}
	return id, nil
}

// LoadRecent tries Redis first; when the cached list cannot supply all n
// entries (or on any Redis error) it falls back to the wrapped store and
// repopulates the cache asynchronously.
func (c *CachingStore) LoadRecent(ctx context.Context, sessionID string, n int) ([]memory.MemoryEntry, error) {
	if n <= 0 {
		return []memory.MemoryEntry{}, nil
	}

	key := recentKey(sessionID)
	raw, err := c.redis.LRange(ctx, key, 0, int64(n-1)).Result()
	if err == nil && len(raw) == n {
		entries := make([]memory.MemoryEntry, 0, len(raw))
		for _, item := range raw { // Redis list is newest-first, as LoadRecent returns
			var e memory.MemoryEntry
			if jerr := json.Unmarshal([]byte(item), &e); jerr == nil {
				entries = append(entries, e)
			}
		}
		if len(entries) == n {
			return entries, nil
		}
	}

	entries, err := c.Store.LoadRecent(ctx, sessionID, n)
	if err != nil {
		return nil, err
	}
	go c.repopulate(context.Background(), sessionID, entries)
	return entries, nil
}

func (c *CachingStore) repopulate(ctx context.Context, sessionID string, entries []memory.MemoryEntry) {
	key := recentKey(sessionID)
	c.redis.Del(ctx, key)
	for i := len(entries) - 1; i >= 0; i-- {
		payload, err := json.Marshal(entries[i])
		if err != nil {
			continue
		}
		c.redis.LPush(ctx, key, payload)
	}
	c.redis.Expire(ctx, key, c.ttl)
}

// Delete deletes through to the wrapped store. The cache is not precise
// enough to target a single id, so on delete we drop the whole cached list
// for the entry's session; the next LoadRecent repopulates it from the source
// of truth. The session is found through the wrapped store's GetByID, when it
// has one.
func (c *CachingStore) Delete(ctx context.Context, id int64) error {
	type byID interface {
		GetByID(ctx context.Context, id int64) (memory.MemoryEntry, error)
	}
	if g, ok := c.Store.(byID); ok {
		if e, err := g.GetByID(ctx, id); err == nil {
			defer c.InvalidateSession(ctx, e.SessionID)
		}
	}
	return c.Store.Delete(ctx, id)
}

// InvalidateSession drops the cached recent-message list for a session. Delete
// calls it; DecayTick is not wrapped, so entries it evicts stay in a session's
// cached list until that list expires or is repopulated.
func (c *CachingStore) InvalidateSession(ctx context.Context, sessionID string) {
	c.redis.Del(ctx, recentKey(sessionID))
}

// Close closes both the Redis client and the wrapped store.
func (c *CachingStore) Close() error {
	if err := c.redis.Close(); err != nil {
		log.Warn().Err(err).Msg("rls: redis close failed")
	}
	return c.Store.Close()
}

var _ Store = (*CachingStore)(nil)
