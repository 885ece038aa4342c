package orchestration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/orchestrator-core/core"
)

// HandoffCacheProvider is an optional read-through cache in front of the
// Handoff Registry, for deployments that want to shed repeated
// get_handoffs lookups onto Redis. Disabled by default (NoOpCacheProvider);
// not part of the durability guarantee — the Registry remains the source
// of truth.
type HandoffCacheProvider interface {
	Get(ctx context.Context, handoffID string) (*HandoffRecord, bool)
	Set(ctx context.Context, rec HandoffRecord, ttl time.Duration)
	Invalidate(ctx context.Context, handoffID string)
}

// NoOpCacheProvider is the default HandoffCacheProvider: always a miss,
// writes are discarded.
type NoOpCacheProvider struct{}

func (NoOpCacheProvider) Get(context.Context, string) (*HandoffRecord, bool) { return nil, false }
func (NoOpCacheProvider) Set(context.Context, HandoffRecord, time.Duration) {}
func (NoOpCacheProvider) Invalidate(context.Context, string)                {}

// RedisCacheProvider caches HandoffRecords in Redis, keyed by handoff id.
type RedisCacheProvider struct {
	client *redis.Client
	prefix string
	logger core.Logger
}

// NewRedisCacheProvider constructs a cache backed by client. prefix
// namespaces keys (e.g. "orchestrator:handoff:").
func NewRedisCacheProvider(client *redis.Client, prefix string, logger core.Logger) *RedisCacheProvider {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if prefix == "" {
		prefix = "orchestrator:handoff:"
	}
	return &RedisCacheProvider{client: client, prefix: prefix, logger: logger}
}

func (c *RedisCacheProvider) key(handoffID string) string {
	return c.prefix + handoffID
}

// Get looks up handoffID. A cache error is treated as a miss and logged,
// never propagated — the cache is an optimization, not a dependency.
func (c *RedisCacheProvider) Get(ctx context.Context, handoffID string) (*HandoffRecord, bool) {
	data, err := c.client.Get(ctx, c.key(handoffID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("handoff cache get failed", map[string]interface{}{"handoff_id": handoffID, "error": err.Error()})
		}
		return nil, false
	}
	var rec HandoffRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warn("handoff cache entry corrupt", map[string]interface{}{"handoff_id": handoffID, "error": err.Error()})
		return nil, false
	}
	return &rec, true
}

// Set stores rec with the given ttl (0 means no expiry).
func (c *RedisCacheProvider) Set(ctx context.Context, rec HandoffRecord, ttl time.Duration) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("handoff cache marshal failed", map[string]interface{}{"handoff_id": rec.HandoffID, "error": err.Error()})
		return
	}
	if err := c.client.Set(ctx, c.key(rec.HandoffID), data, ttl).Err(); err != nil {
		c.logger.Warn("handoff cache set failed", map[string]interface{}{"handoff_id": rec.HandoffID, "error": err.Error()})
	}
}

// Invalidate removes handoffID from the cache.
func (c *RedisCacheProvider) Invalidate(ctx context.Context, handoffID string) {
	if err := c.client.Del(ctx, c.key(handoffID)).Err(); err != nil {
		c.logger.Warn("handoff cache invalidate failed", map[string]interface{}{"handoff_id": handoffID, "error": err.Error()})
	}
}

// handoffCacheTTL bounds how long a cached handoff is trusted before a
// read falls back to the registry.
const handoffCacheTTL = 5 * time.Minute

// GetHandoffCached resolves handoffID through cache first, falling back
// to the registry on a miss and populating the cache on the way out.
func GetHandoffCached(ctx context.Context, cache HandoffCacheProvider, registry *HandoffRegistry, handoffID string) (*HandoffRecord, error) {
	if rec, ok := cache.Get(ctx, handoffID); ok {
		return rec, nil
	}
	recs, err := registry.GetHandoffs(ctx, HandoffQuery{HandoffID: handoffID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	cache.Set(ctx, recs[0], handoffCacheTTL)
	return &recs[0], nil
}
