package routecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/route-cache/metadata"
	"github.com/always-cache/route-cache/rfc9211"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type origin struct {
	*httptest.Server
	hits atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			o.hits.Add(1)
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/api/items", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("items"))
	})
	r.Get("/api/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	r.Get("/static/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("app"))
	})
	r.Post("/graphql", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write([]byte("result for " + string(body)))
	})
	r.Put("/api/items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	o.Server = httptest.NewServer(r)
	t.Cleanup(o.Close)
	return o
}

func apiRoutes(r *http.Request) (Route, bool) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/"):
		return Route{Strategy: CacheFirst}, true
	case r.URL.Path == "/graphql":
		return Route{Strategy: CacheFirst, Options: Options{MaxAge: time.Minute}}, true
	}
	return Route{}, false
}

func newClient(t *testing.T, config Config) (*http.Client, *Caching) {
	t.Helper()
	logger := zerolog.Nop()
	config.Logger = &logger
	if config.Metadata == nil {
		store := metadata.Open(t.Name(), metadata.InMemory())
		t.Cleanup(func() { store.Close() })
		config.Metadata = store
	}
	c, err := New(config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return &http.Client{Transport: &Transport{Caching: c}}, c
}

func fetch(t *testing.T, client *http.Client, method, url, body string) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, string(b)
}

func TestTransportCachesMatchedRoutes(t *testing.T) {
	o := newOrigin(t)
	client, _ := newClient(t, Config{RouteMatcher: apiRoutes})

	for i := 0; i < 3; i++ {
		res, body := fetch(t, client, "GET", o.URL+"/api/items", "")
		if res.StatusCode != 200 || body != "items" {
			t.Fatalf("Got %d %s", res.StatusCode, body)
		}
	}
	if n := o.hits.Load(); n != 1 {
		t.Fatalf("Origin hit %d times", n)
	}
}

func TestTransportPassesUnmatchedRoutes(t *testing.T) {
	o := newOrigin(t)
	client, _ := newClient(t, Config{RouteMatcher: apiRoutes})

	for i := 0; i < 2; i++ {
		res, body := fetch(t, client, "GET", o.URL+"/static/app.js", "")
		if body != "app" {
			t.Fatalf("Body is %s", body)
		}
		if cs := res.Header.Get(rfc9211.HeaderName); cs != "" {
			t.Fatalf("Cache-Status is %s", cs)
		}
	}
	if n := o.hits.Load(); n != 2 {
		t.Fatalf("Origin hit %d times", n)
	}
}

func TestTransportPassesOtherMethods(t *testing.T) {
	o := newOrigin(t)
	client, _ := newClient(t, Config{RouteMatcher: apiRoutes})

	for i := 0; i < 2; i++ {
		res, _ := fetch(t, client, "PUT", o.URL+"/api/items", "x")
		if res.StatusCode != http.StatusNoContent {
			t.Fatalf("Status is %d", res.StatusCode)
		}
	}
	if n := o.hits.Load(); n != 2 {
		t.Fatalf("Origin hit %d times", n)
	}
}

func TestTransportDoesNotCacheNotFound(t *testing.T) {
	o := newOrigin(t)
	client, _ := newClient(t, Config{RouteMatcher: apiRoutes})

	for i := 0; i < 2; i++ {
		res, _ := fetch(t, client, "GET", o.URL+"/api/missing", "")
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("Status is %d", res.StatusCode)
		}
	}
	if n := o.hits.Load(); n != 2 {
		t.Fatalf("Origin hit %d times", n)
	}
}

func TestTransportCachesPostByBody(t *testing.T) {
	o := newOrigin(t)
	client, _ := newClient(t, Config{RouteMatcher: apiRoutes})

	for _, q := range []string{"{a}", "{b}", "{a}"} {
		_, body := fetch(t, client, "POST", o.URL+"/graphql", q)
		if body != "result for "+q {
			t.Fatalf("Body for %s is %s", q, body)
		}
	}
	if n := o.hits.Load(); n != 2 {
		t.Fatalf("Origin hit %d times", n)
	}
}

func TestTransportNetworkFirstOffline(t *testing.T) {
	o := newOrigin(t)
	client, _ := newClient(t, Config{
		RouteMatcher: func(*http.Request) (Route, bool) { return Route{Strategy: NetworkFirst}, true },
	})

	fetch(t, client, "GET", o.URL+"/api/items", "")
	o.Close()

	res, body := fetch(t, client, "GET", o.URL+"/api/items", "")
	if body != "items" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(rfc9211.HeaderName); !strings.Contains(cs, "network-fallback") {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestFutureWaitCanceled(t *testing.T) {
	release := make(chan struct{})
	f := Go(func() (*http.Response, error) {
		<-release
		return nil, errors.New("late")
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Error is %v", err)
	}
}

func TestMetrics(t *testing.T) {
	o := newOrigin(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	client, c := newClient(t, Config{
		RouteMatcher: func(*http.Request) (Route, bool) { return Route{Strategy: StaleWhileRevalidate}, true },
		Metrics:      metrics,
	})

	fetch(t, client, "GET", o.URL+"/api/items", "")
	fetch(t, client, "GET", o.URL+"/api/items", "")
	fetch(t, client, "GET", o.URL+"/api/missing", "")
	c.Wait()

	if n := testutil.ToFloat64(metrics.lookupsTotal.WithLabelValues("StaleWhileRevalidate", "hit")); n != 1 {
		t.Fatalf("%v hits", n)
	}
	if n := testutil.ToFloat64(metrics.lookupsTotal.WithLabelValues("StaleWhileRevalidate", "uri-miss")); n != 2 {
		t.Fatalf("%v misses", n)
	}
	if n := testutil.ToFloat64(metrics.fetchesTotal.WithLabelValues("StaleWhileRevalidate", "error-status")); n != 1 {
		t.Fatalf("%v error statuses", n)
	}
	if n := testutil.ToFloat64(metrics.storesTotal.WithLabelValues("ok")); n != 2 {
		t.Fatalf("%v stores", n)
	}
	if n := testutil.ToFloat64(metrics.refreshesTotal.WithLabelValues("ok")); n != 1 {
		t.Fatalf("%v refreshes", n)
	}
}
