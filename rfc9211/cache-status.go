// Package rfc9211 implements the Cache-Status HTTP response header field (RFC 9211).
package rfc9211

import (
	"net/http"
	"strconv"
)

// HeaderName is the name of the header field.
const HeaderName = "Cache-Status"

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// The cache did not contain any responses that matched the request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
	// The cache was configured to forward this request, regardless of stored responses.
	FwdReasonRequest FwdReason = "request"
	// The cache was able to select a response for the request, but it was stale.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus is a single Cache-Status list member.
type CacheStatus struct {
	Hit       bool
	FwdReason FwdReason
	// Status code received from the next hop, 0 if not forwarded.
	FwdStatus int
	Stored    bool
	// Remaining freshness in seconds, only written for hits.
	TimeToLive int
	Detail     string
}

// String returns the header value for the given cache name.
func (cs CacheStatus) String(cacheName string) string {
	status := strconv.Quote(cacheName)
	if cs.Hit {
		status += "; hit"
		if cs.TimeToLive != 0 {
			status += "; ttl=" + strconv.Itoa(cs.TimeToLive)
		}
	} else if cs.FwdReason != "" {
		status += "; fwd=" + string(cs.FwdReason)
		if cs.FwdStatus != 0 {
			status += "; fwd-status=" + strconv.Itoa(cs.FwdStatus)
		}
	}
	if cs.Stored {
		status += "; stored"
	}
	if cs.Detail != "" {
		status += "; detail=" + strconv.Quote(cs.Detail)
	}
	return status
}

// Set adds the cache's member to the Cache-Status header of the response.
// Members added by other caches are kept.
func (cs CacheStatus) Set(res *http.Response, cacheName string) {
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	res.Header.Add(HeaderName, cs.String(cacheName))
}
