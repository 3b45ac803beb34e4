package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	routecache "github.com/always-cache/route-cache"
	"github.com/always-cache/route-cache/cache"
	"github.com/always-cache/route-cache/metadata"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// CLI flags
	portFlag           int
	configFlag         string
	originFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "route-cache.yaml", "Config file with cache settings and routes")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := getConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Str("file", configFlag).Msg("Could not read config")
	}
	if originFlag != "" {
		config.Origin = originFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, config, fmt.Sprintf(":%d", portFlag)); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

// run serves the caching proxy on addr until the context is done.
func run(ctx context.Context, config Config, addr string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	caching, closeStores, err := newCaching(config, routecache.NewMetrics(reg))
	if err != nil {
		return err
	}
	defer closeStores()

	handler, err := newHandler(config, caching, reg)
	if err != nil {
		return err
	}
	server := &http.Server{Addr: addr, Handler: handler}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Proxying %s to %s", addr, config.Origin)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		// let background refreshes finish writing
		caching.Wait()
		return nil
	})
	return g.Wait()
}

// newCaching creates the caching engine with the configured stores.
// The returned func waits for the engine and closes the stores.
func newCaching(config Config, metrics *routecache.Metrics) (*routecache.Caching, func(), error) {
	provider, err := cache.NewProvider(config.Cache.Provider, config.Cache.DSN)
	if err != nil {
		return nil, nil, err
	}

	name := config.Metadata.Name
	if name == "" {
		name = routecache.DefaultMetadataStorageName
	}
	opts := []metadata.Option{metadata.Logger(log.Logger)}
	if config.Metadata.InMemory {
		opts = append(opts, metadata.InMemory())
	} else if config.Metadata.Dir != "" {
		opts = append(opts, metadata.Dir(config.Metadata.Dir))
	}
	store := metadata.Open(name, opts...)

	caching, err := routecache.New(routecache.Config{
		RouteMatcher: config.Routes.Match,
		CacheName:    config.CacheName,
		Cache:        provider,
		Metadata:     store,
		Logger:       &log.Logger,
		Metrics:      metrics,
	})
	closeStores := func() {
		if caching != nil {
			caching.Close()
		}
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close metadata store")
		}
		if err := provider.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close cache")
		}
	}
	if err != nil {
		closeStores()
		return nil, nil, err
	}
	return caching, closeStores, nil
}

// newHandler routes /metrics to the registry and everything else
// through the cache to the origin.
func newHandler(config Config, caching *routecache.Caching, reg *prometheus.Registry) (http.Handler, error) {
	origin, err := url.Parse(config.Origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin: %q is not an absolute URL", config.Origin)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(origin)
			r.SetXForwarded()
		},
		Transport: &routecache.Transport{Caching: caching},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			hlog.FromRequest(r).Error().Err(err).Msg("Upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Handle("/*", proxy)
	return r, nil
}
