// Package router selects a backend channel for an (endpoint, model)
// pair. Channel metadata is read-mostly and cached per process; the
// router never mutates it.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/modelrelay/dispatch/pkg/types"
)

// Source is the external channel metadata query the router depends on.
// Implementations return only channels with active status.
type Source interface {
	ListActive(ctx context.Context, entityType types.EntityType, entityCode string) ([]*types.Channel, error)
}

// StaticSource is an in-memory Source fed from configuration. It also
// serves as the test double for the administrative metadata store.
type StaticSource struct {
	mu       sync.RWMutex
	channels []*types.Channel
}

// NewStaticSource creates a StaticSource with the given channels.
func NewStaticSource(channels ...*types.Channel) *StaticSource {
	return &StaticSource{channels: channels}
}

// Replace swaps the full channel set (admin edits happen externally and
// arrive here wholesale).
func (s *StaticSource) Replace(channels []*types.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = channels
}

// ListActive returns active channels matching the entity.
func (s *StaticSource) ListActive(_ context.Context, entityType types.EntityType, entityCode string) ([]*types.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		if c.EntityType == entityType && c.EntityCode == entityCode && c.IsActive() {
			out = append(out, c)
		}
	}
	return out, nil
}

// CachedSource decorates a Source with a process-local TTL cache.
// Invalidation is external: the admin process calls Invalidate after an
// edit.
type CachedSource struct {
	inner Source
	cache *gocache.Cache
}

// NewCachedSource creates a caching decorator with the given TTL.
func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedSource{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func cacheKey(entityType types.EntityType, entityCode string) string {
	return fmt.Sprintf("%s/%s", entityType, entityCode)
}

// ListActive serves from cache when possible.
func (s *CachedSource) ListActive(ctx context.Context, entityType types.EntityType, entityCode string) ([]*types.Channel, error) {
	key := cacheKey(entityType, entityCode)
	if v, ok := s.cache.Get(key); ok {
		return v.([]*types.Channel), nil
	}

	channels, err := s.inner.ListActive(ctx, entityType, entityCode)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(key, channels)
	return channels, nil
}

// Invalidate drops the cached entry for one entity.
func (s *CachedSource) Invalidate(entityType types.EntityType, entityCode string) {
	s.cache.Delete(cacheKey(entityType, entityCode))
}

// InvalidateAll drops every cached entry.
func (s *CachedSource) InvalidateAll() {
	s.cache.Flush()
}
