package routecache

import (
	"context"
	"io"
	"net/http"

	recorder "github.com/always-cache/route-cache/pkg/response-recorder"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

type upstreamKey struct{}

func withUpstream(ctx context.Context, rt http.RoundTripper) context.Context {
	return context.WithValue(ctx, upstreamKey{}, rt)
}

// upstreamFor returns the round tripper fetching req from the network.
// Requests coming through Middleware are served by the wrapped handler.
func (c *Caching) upstreamFor(req *http.Request) http.RoundTripper {
	if rt, ok := req.Context().Value(upstreamKey{}).(http.RoundTripper); ok {
		return rt
	}
	return c.upstream
}

type handlerEvent struct {
	req    *http.Request
	future *Future
}

func (e *handlerEvent) Request() *http.Request {
	return e.req
}

func (e *handlerEvent) RespondWith(f *Future) {
	e.future = f
}

// Middleware caches the responses of the next handler.
// The next handler takes the place of the network for matched requests;
// unmatched requests are passed to it as is.
func (c *Caching) Middleware(next http.Handler) http.Handler {
	upstream := recorder.HandlerTransport{Handler: next}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ev := &handlerEvent{req: absoluteURL(r.WithContext(withUpstream(r.Context(), upstream)))}
		if !c.ApplyCache(ev) || ev.future == nil {
			next.ServeHTTP(w, r)
			return
		}

		res, err := ev.future.Wait(r.Context())
		if err != nil {
			getLogger(r).Error().Err(err).Str("url", r.URL.String()).Msg("Could not serve request")
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		defer res.Body.Close()
		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.StatusCode)
		if _, err := io.Copy(w, res.Body); err != nil {
			getLogger(r).Debug().Err(err).Msg("Could not write response")
		}
	})
}

// absoluteURL sets the scheme and host of a server request's URL,
// which only carries the path, so that virtual hosts get separate keys.
// r must be a copy; its URL is replaced, not modified.
func absoluteURL(r *http.Request) *http.Request {
	if r.URL.Host != "" {
		return r
	}
	u := *r.URL
	u.Host = r.Host
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	r.URL = &u
	return r
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the default logger.
func getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	return logger
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
