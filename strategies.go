package routecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/route-cache/metadata"
	cachekey "github.com/always-cache/route-cache/pkg/cache-key"
	serializer "github.com/always-cache/route-cache/pkg/response-serializer"
	"github.com/always-cache/route-cache/rfc9211"
)

// missingMetadataIsExpired is the freshness of a cached response without a
// metadata record. Such responses are left behind when the metadata write
// fails after the response was stored, and are refetched rather than trusted.
const missingMetadataIsExpired = true

// NetworkError is a connection-level failure of the upstream request.
// HTTP error statuses are not network errors.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// CacheFirst returns a fresh cached response if there is one,
// and otherwise fetches (and caches) the response from the network.
func (c *Caching) CacheFirst(req *http.Request, opts Options) (*http.Response, error) {
	key, err := c.resolveKey(req)
	if err != nil {
		return nil, err
	}
	cached, fwd, err := c.cachedResponse(req, key, opts, "")
	if err != nil {
		return nil, err
	}
	if cached != nil {
		c.metrics.lookup(CacheFirst, "hit")
		return cached, nil
	}
	c.metrics.lookup(CacheFirst, string(fwd))
	return c.fetchAndCache(req, key, CacheFirst, fwd)
}

// NetworkFirst fetches (and caches) the response from the network.
// If the network fails, a fresh cached response is returned instead.
// Without one, the network error is returned.
func (c *Caching) NetworkFirst(req *http.Request, opts Options) (*http.Response, error) {
	key, err := c.resolveKey(req)
	if err != nil {
		return nil, err
	}
	res, err := c.fetchAndCache(req, key, NetworkFirst, rfc9211.FwdReasonRequest)
	var netErr *NetworkError
	if err == nil || !errors.As(err, &netErr) {
		return res, err
	}

	c.log.Debug().Err(err).Str("key", key).Msg("Network failed, trying cache")
	cached, fwd, cacheErr := c.cachedResponse(req, key, opts, "network-fallback")
	if cacheErr != nil {
		return nil, errors.Join(err, cacheErr)
	}
	if cached == nil {
		c.metrics.lookup(NetworkFirst, string(fwd))
		return nil, err
	}
	c.metrics.lookup(NetworkFirst, "fallback")
	return cached, nil
}

// StaleWhileRevalidate returns a fresh cached response immediately if there is one,
// while refreshing it from the network in the background.
// Without one, the response is fetched (and cached) from the network.
func (c *Caching) StaleWhileRevalidate(req *http.Request, opts Options) (*http.Response, error) {
	key, err := c.resolveKey(req)
	if err != nil {
		return nil, err
	}
	// the lookup happens before the refresh starts,
	// so it never sees the refreshed response
	cached, fwd, err := c.cachedResponse(req, key, opts, "")
	if err != nil {
		return nil, err
	}
	if cached == nil {
		c.metrics.lookup(StaleWhileRevalidate, string(fwd))
		return c.fetchAndCache(req, key, StaleWhileRevalidate, fwd)
	}
	c.metrics.lookup(StaleWhileRevalidate, "hit")
	c.revalidate(req, key)
	return cached, nil
}

// revalidate refreshes the cache for the key in the background.
// The request may be reused by the caller as soon as we return,
// so the refresh gets its own copy that is not canceled with the original.
func (c *Caching) revalidate(req *http.Request, key string) {
	bg := req.Clone(context.WithoutCancel(req.Context()))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			c.log.Error().Err(err).Str("key", key).Msg("Could not copy request body for refresh")
			c.metrics.refresh("error")
			return
		}
		bg.Body = body
	}

	c.refreshes.Add(1)
	go func() {
		defer c.refreshes.Done()
		res, err := c.fetchAndCache(bg, key, StaleWhileRevalidate, rfc9211.FwdReasonRequest)
		if err != nil {
			c.log.Error().Err(err).Str("key", key).Msg("Background refresh failed")
			c.metrics.refresh("error")
			return
		}
		res.Body.Close()
		c.log.Trace().Str("key", key).Int("status", res.StatusCode).Msg("Background refresh done")
		c.metrics.refresh("ok")
	}()
}

// IsExpired checks whether the response cached under the key is older than maxAge.
// A missing metadata record means expired.
func (c *Caching) IsExpired(ctx context.Context, key string, maxAge time.Duration) (bool, error) {
	expired, _, err := c.freshness(ctx, key, maxAge)
	return expired, err
}

// freshness returns whether the entry is expired, and if not, how long it stays fresh.
func (c *Caching) freshness(ctx context.Context, key string, maxAge time.Duration) (bool, time.Duration, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	rec, ok, err := c.metadata.GetMetadata(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return missingMetadataIsExpired, 0, nil
	}
	expiresAt := rec.Timestamp + maxAge.Milliseconds()
	now := c.now().UnixMilli()
	if now > expiresAt {
		return true, 0, nil
	}
	return false, time.Duration(expiresAt-now) * time.Millisecond, nil
}

// cachedResponse returns the cached response for the key if it is fresh,
// with a Cache-Status hit member carrying the detail.
// If there is none, the returned reason says why.
func (c *Caching) cachedResponse(req *http.Request, key string, opts Options, detail string) (*http.Response, rfc9211.FwdReason, error) {
	ctx := req.Context()
	bytes, ok, err := c.cache.Match(ctx, c.cacheName, key)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, "", fmt.Errorf("cache match: %w", err)
	}
	if !ok {
		c.log.Trace().Str("key", key).Msg("Cache miss")
		return nil, rfc9211.FwdReasonUriMiss, nil
	}

	expired, ttl, err := c.freshness(ctx, key, opts.maxAge())
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not retrieve metadata")
		return nil, "", fmt.Errorf("metadata lookup: %w", err)
	}
	if expired {
		c.log.Trace().Str("key", key).Msg("Cached response expired")
		return nil, rfc9211.FwdReasonStale, nil
	}

	res, err := serializer.BytesToResponse(bytes, req)
	if err != nil {
		// a corrupted entry is treated as a miss, it is overwritten by the next fetch
		c.log.Error().Err(err).Str("key", key).Msg("Could not read cached response")
		return nil, rfc9211.FwdReasonMiss, nil
	}
	c.log.Trace().Str("key", key).Dur("ttl", ttl).Msg("Cache hit")
	rfc9211.CacheStatus{Hit: true, TimeToLive: int(ttl.Seconds()), Detail: detail}.Set(res, c.cacheName)
	return res, "", nil
}

// fetchAndCache fetches the response from the network.
// Successful (2xx) responses are stored along with a metadata record.
// Other responses are returned as is and never stored.
func (c *Caching) fetchAndCache(req *http.Request, key string, strategy Strategy, fwd rfc9211.FwdReason) (*http.Response, error) {
	c.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("key", key).
		Msg("Requesting content from network")

	res, err := c.upstreamFor(req).RoundTrip(req)
	if err != nil {
		c.metrics.fetch(strategy, "network-error")
		return nil, &NetworkError{Err: err}
	}
	cs := rfc9211.CacheStatus{FwdReason: fwd, FwdStatus: res.StatusCode}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.metrics.fetch(strategy, "error-status")
		c.log.Trace().Str("key", key).Int("status", res.StatusCode).Msg("Non-cacheable response")
		cs.Set(res, c.cacheName)
		return res, nil
	}
	c.metrics.fetch(strategy, "ok")

	bytes, err := serializer.ResponseToBytes(res)
	if err != nil {
		// the body could not be read from the network
		return nil, &NetworkError{Err: err}
	}
	if err := c.store(req.Context(), key, bytes); err != nil {
		res.Body.Close()
		return nil, err
	}
	cs.Stored = true
	cs.Set(res, c.cacheName)
	return res, nil
}

// store writes the response and its metadata.
// The two writes are independent; if the second fails, the stored response
// has no metadata and counts as expired.
func (c *Caching) store(ctx context.Context, key string, bytes []byte) error {
	timestamp := c.now().UnixMilli()
	if err := c.cache.Put(ctx, c.cacheName, key, bytes); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		c.metrics.store("error")
		return fmt.Errorf("cache put: %w", err)
	}
	if err := c.metadata.SaveMetadata(ctx, metadata.Record{CacheKey: key, Timestamp: timestamp}); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not write metadata")
		c.metrics.store("error")
		return fmt.Errorf("metadata save: %w", err)
	}
	c.log.Trace().Str("key", key).Int64("timestamp", timestamp).Msg("Cache write")
	c.metrics.store("ok")
	return nil
}

func (c *Caching) resolveKey(req *http.Request) (string, error) {
	key, err := cachekey.Resolve(req, c.cacheKey)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	return key, nil
}
