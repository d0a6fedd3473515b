package store

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

// observerHook records command metrics and reports transport errors to the
// store so it can flip to reconnecting without failing the process.
type observerHook struct {
	store *RedisStore
}

func (h *observerHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil && isTransportError(err) {
			h.store.markDown(err)
		}
		return conn, err
	}
}

func (h *observerHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.observe(cmd.Name(), start, err)
		return err
	}
}

func (h *observerHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.observe("pipeline", start, err)
		return err
	}
}

func (h *observerHook) observe(op string, start time.Time, err error) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		StoreOperations.WithLabelValues(op, "ok").Inc()
	case errors.Is(err, redis.Nil):
		StoreOperations.WithLabelValues(op, "miss").Inc()
	default:
		StoreOperations.WithLabelValues(op, "error").Inc()
		if isTransportError(err) {
			h.store.markDown(err)
		}
	}
}

// isTransportError reports whether err means the connection is gone.
// Timeouts are not: the server may just be slow.
func isTransportError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return !opErr.Timeout()
	}
	return false
}
