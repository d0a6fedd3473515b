package httpcache

import (
	"bytes"
	"net/http"
)

// captureWriter records the status and, up to limit bytes, the body of a
// response. A negative limit records the status only. When passthrough is set everything is forwarded to the
// underlying writer as it is produced; otherwise the response is only
// buffered and replayed by the caller.
type captureWriter struct {
	w           http.ResponseWriter
	header      http.Header
	passthrough bool
	limit       int64

	status   int
	body     bytes.Buffer
	overflow bool

	// beforeHeader runs once, right before the status line is written.
	beforeHeader func(status int, h http.Header)
}

func newPassthrough(w http.ResponseWriter, limit int64) *captureWriter {
	return &captureWriter{w: w, header: w.Header(), passthrough: true, limit: limit}
}

func newBuffered(limit int64) *captureWriter {
	return &captureWriter{header: make(http.Header), limit: limit}
}

func (c *captureWriter) Header() http.Header {
	return c.header
}

func (c *captureWriter) WriteHeader(status int) {
	if c.status != 0 {
		return
	}
	c.status = status
	if c.beforeHeader != nil {
		c.beforeHeader(status, c.header)
	}
	if c.passthrough {
		c.w.WriteHeader(status)
	}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.WriteHeader(http.StatusOK)
	}
	if c.passthrough {
		c.record(p)
		return c.w.Write(p)
	}

	// Buffered responses are kept whole for replay.
	c.body.Write(p)
	if c.limit > 0 && int64(c.body.Len()) > c.limit {
		c.overflow = true
	}
	return len(p), nil
}

func (c *captureWriter) record(p []byte) {
	if c.overflow || c.limit < 0 {
		return
	}
	if c.limit > 0 && int64(c.body.Len()+len(p)) > c.limit {
		c.overflow = true
		c.body.Reset()
		return
	}
	c.body.Write(p)
}

// Flush forwards to the underlying writer when streaming.
func (c *captureWriter) Flush() {
	if c.status == 0 {
		c.WriteHeader(http.StatusOK)
	}
	if f, ok := c.w.(http.Flusher); ok && c.passthrough {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController.
func (c *captureWriter) Unwrap() http.ResponseWriter {
	return c.w
}

func (c *captureWriter) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// cacheable reports whether the captured response may be stored.
func (c *captureWriter) cacheable() bool {
	s := c.statusCode()
	return s >= 200 && s < 300 && !c.overflow
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
