package cache

import (
	"context"
	"errors"
	"time"

	"github.com/marcogenualdo/oidc-rp/internal/config"
)

var ErrNotFound = errors.New("key not found")

// Cache is a keyed blob store. A zero ttl keeps the entry until it is deleted.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

func New(cfg config.StorageConfig) (Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryCache(), nil
	case "redis":
		if cfg.Redis == nil {
			return nil, errors.New("redis config is required for redis storage type")
		}
		return NewRedisCache(*cfg.Redis, cfg.Prefix)
	default:
		return nil, errors.New("unsupported storage type: " + cfg.Type)
	}
}

type namespaced struct {
	Cache
	prefix string
}

// Namespace scopes every key of c under prefix. Closing the returned cache is
// a no-op; the underlying cache is owned by its creator.
func Namespace(c Cache, prefix string) Cache {
	return &namespaced{Cache: c, prefix: prefix}
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.Cache.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.Cache.Set(ctx, n.prefix+key, value, ttl)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.Cache.Delete(ctx, n.prefix+key)
}

func (n *namespaced) Exists(ctx context.Context, key string) (bool, error) {
	return n.Cache.Exists(ctx, n.prefix+key)
}

func (n *namespaced) Close() error {
	return nil
}
