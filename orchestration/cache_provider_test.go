package orchestration

import (
	"context"
	"testing"
	"time"
)

type fakeCacheProvider struct {
	store map[string]HandoffRecord
}

func newFakeCacheProvider() *fakeCacheProvider {
	return &fakeCacheProvider{store: make(map[string]HandoffRecord)}
}

func (c *fakeCacheProvider) Get(ctx context.Context, handoffID string) (*HandoffRecord, bool) {
	rec, ok := c.store[handoffID]
	if !ok {
		return nil, false
	}
	return &rec, true
}

func (c *fakeCacheProvider) Set(ctx context.Context, rec HandoffRecord, ttl time.Duration) {
	c.store[rec.HandoffID] = rec
}

func (c *fakeCacheProvider) Invalidate(ctx context.Context, handoffID string) {
	delete(c.store, handoffID)
}

func TestNoOpCacheProviderAlwaysMisses(t *testing.T) {
	var c NoOpCacheProvider
	if _, ok := c.Get(context.Background(), "h1"); ok {
		t.Fatalf("expected NoOpCacheProvider.Get to always miss")
	}
}

func TestGetHandoffCachedMissPopulatesCache(t *testing.T) {
	registry := testHandoffRegistry(t)
	ctx := context.Background()
	if err := registry.RegisterHandoff(ctx, sampleHandoff("h1"), "exec-1", "wf-1"); err != nil {
		t.Fatalf("RegisterHandoff: %v", err)
	}

	cache := newFakeCacheProvider()
	rec, err := GetHandoffCached(ctx, cache, registry, "h1")
	if err != nil {
		t.Fatalf("GetHandoffCached: %v", err)
	}
	if rec == nil || rec.HandoffID != "h1" {
		t.Fatalf("expected handoff h1, got %+v", rec)
	}
	if _, ok := cache.store["h1"]; !ok {
		t.Fatalf("expected a cache-miss lookup to populate the cache")
	}
}

func TestGetHandoffCachedHitSkipsRegistry(t *testing.T) {
	registry := testHandoffRegistry(t)
	ctx := context.Background()

	cache := newFakeCacheProvider()
	cache.store["h1"] = sampleHandoff("h1")

	rec, err := GetHandoffCached(ctx, cache, registry, "h1")
	if err != nil {
		t.Fatalf("GetHandoffCached: %v", err)
	}
	if rec == nil || rec.HandoffID != "h1" {
		t.Fatalf("expected cached handoff h1 to be returned, got %+v", rec)
	}
}

func TestGetHandoffCachedMissingEverywhereReturnsNil(t *testing.T) {
	registry := testHandoffRegistry(t)
	cache := newFakeCacheProvider()

	rec, err := GetHandoffCached(context.Background(), cache, registry, "nope")
	if err != nil {
		t.Fatalf("GetHandoffCached: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for a handoff absent from both cache and registry, got %+v", rec)
	}
}
