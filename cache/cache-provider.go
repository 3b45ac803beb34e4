package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownProvider is returned by NewProvider for an unsupported provider name.
var ErrUnknownProvider = errors.New("unknown cache provider")

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses.
// Entries are namespaced by a cache name, so that many caches can share one provider.
// It has no notion of expiry; entries live until they are overwritten.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Match returns the stored response for the given key, if it exists.
	// The boolean is false on a miss; an error means the lookup itself failed.
	Match(ctx context.Context, cacheName, key string) ([]byte, bool, error)
	// Put stores the given response under the given key, overwriting any previous entry.
	Put(ctx context.Context, cacheName, key string, bytes []byte) error
	// Close releases the resources held by the provider.
	Close() error
}

// NewProvider creates a provider by name.
// Supported providers are "memory", "sqlite" (dsn is the database file name,
// empty for an in-memory db) and "redis" (dsn is a redis:// URL).
func NewProvider(provider, dsn string) (CacheProvider, error) {
	switch strings.ToLower(provider) {
	case "memory", "":
		return NewMemCache(), nil
	case "sqlite":
		return NewSQLiteCache(dsn)
	case "redis":
		return NewRedisCacheFromURL(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}
