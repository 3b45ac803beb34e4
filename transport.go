package routecache

import (
	"context"
	"net/http"
)

// Event is an intercepted request.
type Event interface {
	// Request returns the intercepted request.
	Request() *http.Request
	// RespondWith substitutes the eventual response for the one from the network.
	RespondWith(f *Future)
}

// Future is the eventual result of handling a request.
type Future struct {
	done chan struct{}
	res  *http.Response
	err  error
}

// Go runs fn in a new goroutine and returns its future result.
func Go(fn func() (*http.Response, error)) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.res, f.err = fn()
	}()
	return f
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or the context is done.
// If the context is done first, a response arriving later is closed.
func (f *Future) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		go func() {
			<-f.done
			if f.res != nil {
				f.res.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Transport is a http.RoundTripper that applies the cache to outgoing requests.
// Requests the cache does not handle are sent with Next unmodified.
type Transport struct {
	Caching *Caching
	// http.DefaultTransport if nil.
	Next http.RoundTripper
}

type roundTripEvent struct {
	req    *http.Request
	future *Future
}

func (e *roundTripEvent) Request() *http.Request {
	return e.req
}

func (e *roundTripEvent) RespondWith(f *Future) {
	e.future = f
}

// RoundTrip implements the http.RoundTripper interface.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	// the cache may replace the body while deriving the key,
	// and a round tripper must not modify the request
	ev := &roundTripEvent{req: r.Clone(r.Context())}
	if !t.Caching.ApplyCache(ev) || ev.future == nil {
		return t.next().RoundTrip(r)
	}
	return ev.future.Wait(r.Context())
}

func (t *Transport) next() http.RoundTripper {
	if t.Next == nil {
		return http.DefaultTransport
	}
	return t.Next
}
