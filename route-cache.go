package routecache

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/route-cache/cache"
	"github.com/always-cache/route-cache/metadata"
	cachekey "github.com/always-cache/route-cache/pkg/cache-key"

	"github.com/rs/zerolog"
)

const (
	DefaultCacheName           = "Cache"
	DefaultMetadataStorageName = "ServiceWorkerCache"
	// DefaultMaxAge is the freshness window of routes that do not set one.
	DefaultMaxAge = 600 * time.Second
)

// ErrNoRouteMatcher is returned by New if the config has no route matcher.
var ErrNoRouteMatcher = errors.New("route matcher is required")

// Strategy is the order in which the cache and the network are consulted.
type Strategy string

const (
	// CacheFirst serves fresh cached responses without going to the network.
	CacheFirst Strategy = "CacheFirst"
	// NetworkFirst always goes to the network, falling back to a fresh
	// cached response if the network fails.
	NetworkFirst Strategy = "NetworkFirst"
	// StaleWhileRevalidate serves fresh cached responses immediately and
	// refreshes them from the network in the background.
	StaleWhileRevalidate Strategy = "StaleWhileRevalidate"
)

// Options are per-route cache options.
type Options struct {
	// How long a cached response stays fresh. DefaultMaxAge if zero.
	MaxAge time.Duration
}

func (o Options) maxAge() time.Duration {
	if o.MaxAge <= 0 {
		return DefaultMaxAge
	}
	return o.MaxAge
}

// Route is the caching decision for a request.
type Route struct {
	Strategy Strategy
	Options  Options
}

// RouteMatcher decides whether and how a request is cached.
// It returns false if the request should not be handled by the cache.
type RouteMatcher func(r *http.Request) (Route, bool)

type Config struct {
	// Required. Decides the strategy for each request.
	RouteMatcher RouteMatcher
	// Optional override of the default cache key scheme.
	GenerateCacheKey cachekey.Generator
	// Namespace of the cached responses. DefaultCacheName if empty.
	CacheName string
	// Name of the metadata database. DefaultMetadataStorageName if empty.
	// Ignored if Metadata is set.
	MetadataStorageName string
	// Storage for cached responses. An in-memory cache is used if nil.
	Cache cache.CacheProvider
	// Storage for freshness metadata. Opened from MetadataStorageName if nil.
	Metadata *metadata.Store
	// Used for upstream requests. http.DefaultTransport if nil.
	// It must not be a Transport wrapping this cache.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *Metrics
	// Clock, mostly for tests. time.Now if nil.
	Now func() time.Time
}

// Caching applies caching strategies to intercepted requests.
type Caching struct {
	routeMatcher RouteMatcher
	cacheKey     cachekey.Generator
	cacheName    string
	cache        cache.CacheProvider
	metadata     *metadata.Store
	upstream     http.RoundTripper
	log          zerolog.Logger
	metrics      *Metrics
	now          func() time.Time

	// resources created by New and released by Close
	owned []interface{ Close() error }
	// outstanding background refreshes
	refreshes sync.WaitGroup
}

// New creates the caching engine.
func New(config Config) (*Caching, error) {
	if config.RouteMatcher == nil {
		return nil, ErrNoRouteMatcher
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	c := &Caching{
		routeMatcher: config.RouteMatcher,
		cacheKey:     config.GenerateCacheKey,
		cacheName:    config.CacheName,
		cache:        config.Cache,
		metadata:     config.Metadata,
		upstream:     config.Transport,
		metrics:      config.Metrics,
		now:          config.Now,
	}
	if c.cacheName == "" {
		c.cacheName = DefaultCacheName
	}
	// create a child logger and add defaults
	c.log = logger.With().
		Str("cache", c.cacheName).
		Logger()

	if c.cache == nil {
		c.cache = cache.NewMemCache()
		c.owned = append(c.owned, c.cache)
	}
	if c.metadata == nil {
		name := config.MetadataStorageName
		if name == "" {
			name = DefaultMetadataStorageName
		}
		c.metadata = metadata.Open(name, metadata.Logger(c.log))
		c.owned = append(c.owned, c.metadata)
	}
	if c.upstream == nil {
		c.upstream = http.DefaultTransport
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// ApplyCache handles the intercepted request if a route matches it.
// Only GET and POST requests are considered. On a match, the response
// is provided to the event and true is returned. Otherwise the event is
// left alone, and the request should proceed to the network unmodified.
func (c *Caching) ApplyCache(ev Event) bool {
	req := ev.Request()
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		return false
	}

	route, ok := c.routeMatcher(req)
	if !ok {
		c.log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("No route matched")
		return false
	}

	var strategy func(*http.Request, Options) (*http.Response, error)
	switch route.Strategy {
	case CacheFirst:
		strategy = c.CacheFirst
	case NetworkFirst:
		strategy = c.NetworkFirst
	case StaleWhileRevalidate:
		strategy = c.StaleWhileRevalidate
	default:
		c.log.Warn().Str("strategy", string(route.Strategy)).Str("url", req.URL.String()).Msg("Unknown strategy")
		return false
	}

	c.log.Trace().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("strategy", string(route.Strategy)).
		Msg("Route matched")
	ev.RespondWith(Go(func() (*http.Response, error) {
		return strategy(req, route.Options)
	}))
	return true
}

// Wait blocks until all background refreshes have finished.
func (c *Caching) Wait() {
	c.refreshes.Wait()
}

// Close waits for background refreshes and closes the stores created by New.
// Stores passed in the config are left open.
func (c *Caching) Close() error {
	c.Wait()
	var errs []error
	for _, r := range c.owned {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
