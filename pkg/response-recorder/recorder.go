package recorder

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// ResponseRecorder is a http.ResponseWriter that saves the response to a buffer,
// so that it can be returned as a *http.Response.
type ResponseRecorder struct {
	b            *bytes.Buffer
	header       http.Header
	written      http.Header // header as of WriteHeader
	status       int
	wroteHeaders bool
}

// NewResponseRecorder returns a new ResponseRecorder.
func NewResponseRecorder() *ResponseRecorder {
	return &ResponseRecorder{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) WriteHeader(statusCode int) {
	// only the first call counts, as with net/http
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	// later header changes are not part of the response
	t.written = t.header.Clone()
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// StatusCode returns the status code of the response.
func (t *ResponseRecorder) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Result returns the recorded response to req.
func (t *ResponseRecorder) Result(req *http.Request) *http.Response {
	header := t.written
	if !t.wroteHeaders {
		header = t.header
	}
	header = header.Clone()
	if header == nil {
		header = http.Header{}
	}
	body := t.b.Bytes()
	if header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return &http.Response{
		Status:        strconv.Itoa(t.StatusCode()) + " " + http.StatusText(t.StatusCode()),
		StatusCode:    t.StatusCode(),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// HandlerTransport is a http.RoundTripper that serves requests with a handler
// instead of the network.
type HandlerTransport struct {
	Handler http.Handler
}

func (h HandlerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	rec := NewResponseRecorder()
	h.Handler.ServeHTTP(rec, r)
	return rec.Result(r), nil
}
