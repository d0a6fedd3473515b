package httpcache

import (
	"net/http"
	"strings"
	"time"
)

// storedHeaders are the response headers replayed on a hit.
var storedHeaders = []string{
	"Content-Type",
	"Content-Encoding",
	"Content-Language",
	"ETag",
	"Last-Modified",
	"Vary",
}

// Response represents a cached handler response.
type Response struct {
	// Body is the response body
	Body []byte `json:"body"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag,omitempty"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the replayable response headers
	Headers http.Header `json:"headers,omitempty"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// newResponse snapshots a handler result.
func newResponse(status int, header http.Header, body []byte, now time.Time) *Response {
	h := make(http.Header, len(storedHeaders))
	for _, name := range storedHeaders {
		if v := header.Values(name); len(v) > 0 {
			h[name] = append([]string(nil), v...)
		}
	}
	return &Response{
		Body:       body,
		ETag:       header.Get("ETag"),
		StatusCode: status,
		Headers:    h,
		CachedAt:   now,
	}
}

// Size implements localcache.Sized.
func (r *Response) Size() int64 {
	n := int64(len(r.Body) + len(r.ETag) + 64)
	for k, vs := range r.Headers {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Age returns how long ago the response was cached.
func (r *Response) Age(now time.Time) time.Duration {
	if age := now.Sub(r.CachedAt); age > 0 {
		return age
	}
	return 0
}

// NotModified reports whether req carries an If-None-Match header matching
// the cached ETag.
func (r *Response) NotModified(req *http.Request) bool {
	if r.ETag == "" {
		return false
	}
	inm := req.Header.Get("If-None-Match")
	if inm == "" {
		return false
	}
	if strings.TrimSpace(inm) == "*" {
		return true
	}
	for _, tag := range strings.Split(inm, ",") {
		if strings.TrimSpace(tag) == r.ETag {
			return true
		}
	}
	return false
}
