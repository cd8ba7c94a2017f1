package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type MemoryCache struct {
	store *gocache.Cache
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		store: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

func (mc *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	item, found := mc.store.Get(key)
	if !found {
		return nil, ErrNotFound
	}

	value := item.([]byte)
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	return valueCopy, nil
}

func (mc *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	mc.store.Set(key, valueCopy, ttl)
	return nil
}

func (mc *MemoryCache) Delete(ctx context.Context, key string) error {
	mc.store.Delete(key)
	return nil
}

func (mc *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	_, found := mc.store.Get(key)
	return found, nil
}

func (mc *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

func (mc *MemoryCache) Close() error {
	mc.store.Flush()
	return nil
}
