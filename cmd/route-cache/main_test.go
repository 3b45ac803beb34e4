package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	routecache "github.com/always-cache/route-cache"
	"github.com/always-cache/route-cache/rfc9211"

	"github.com/prometheus/client_golang/prometheus"
)

const testConfig = `
cacheName: Pages
cache:
  provider: sqlite
metadata:
  name: pages
  inMemory: true
routes:
  - prefix: /api/
    strategy: CacheFirst
    maxAge: 60
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "route-cache.yaml")
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestGetConfig(t *testing.T) {
	config, err := getConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if config.CacheName != "Pages" || config.Cache.Provider != "sqlite" || !config.Metadata.InMemory {
		t.Fatalf("Incorrect config %+v", config)
	}
	if len(config.Routes) != 1 || config.Routes[0].MaxAge != 60 {
		t.Fatalf("Incorrect routes %+v", config.Routes)
	}

	if _, err := getConfig(writeConfig(t, "routes:\n  - strategy: Nope\n")); err == nil {
		t.Fatal("Invalid strategy accepted")
	}
	if _, err := getConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Missing file accepted")
	}
}

func TestProxy(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, "origin "+r.URL.Path)
	}))
	defer origin.Close()

	config, err := getConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	config.Origin = origin.URL
	config.Metadata.Name = t.Name()

	reg := prometheus.NewRegistry()
	caching, closeStores, err := newCaching(config, routecache.NewMetrics(reg))
	if err != nil {
		t.Fatal(err)
	}
	defer closeStores()
	handler, err := newHandler(config, caching, reg)
	if err != nil {
		t.Fatal(err)
	}
	proxy := httptest.NewServer(handler)
	defer proxy.Close()

	get := func(path string) (*http.Response, string) {
		res, err := http.Get(proxy.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer res.Body.Close()
		body, _ := io.ReadAll(res.Body)
		return res, string(body)
	}

	for i := 0; i < 2; i++ {
		res, body := get("/api/items")
		if body != "origin /api/items" {
			t.Fatalf("Body is %s", body)
		}
		if i == 1 && !strings.Contains(res.Header.Get(rfc9211.HeaderName), "hit") {
			t.Fatalf("Cache-Status is %s", res.Header.Get(rfc9211.HeaderName))
		}
	}
	get("/index.html")
	get("/index.html")
	if n := hits.Load(); n != 3 {
		t.Fatalf("Origin hit %d times", n)
	}

	_, metrics := get("/metrics")
	if !strings.Contains(metrics, `routecache_lookups_total{result="hit",strategy="CacheFirst"} 1`) {
		t.Fatalf("Metrics missing hit:\n%s", metrics)
	}
}

func TestNewHandlerRejectsRelativeOrigin(t *testing.T) {
	if _, err := newHandler(Config{Origin: "example.com"}, nil, prometheus.NewRegistry()); err == nil {
		t.Fatal("Relative origin accepted")
	}
}
