package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestBackoffConfig_Delay(t *testing.T) {
	cfg := DefaultBackoffConfig()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 5, want: 500 * time.Millisecond},
		{attempt: 30, want: 3 * time.Second},
		{attempt: 31, want: 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			if got := cfg.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffConfig_Defaults(t *testing.T) {
	cfg := BackoffConfig{}.withDefaults()
	if cfg != DefaultBackoffConfig() {
		t.Errorf("withDefaults() = %+v, want %+v", cfg, DefaultBackoffConfig())
	}

	custom := BackoffConfig{Step: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 3}.withDefaults()
	if custom.Step != time.Millisecond || custom.MaxRetries != 3 {
		t.Errorf("withDefaults() overwrote explicit values: %+v", custom)
	}
}

func TestConnState_Transitions(t *testing.T) {
	var s connState

	if s.get().State != StateDisconnected {
		t.Fatalf("initial state = %v, want disconnected", s.get().State)
	}

	if s.transition(StateConnected, StateConnecting, nil) {
		t.Error("transition from wrong state should fail")
	}

	s.set(StateConnected, nil)
	if !s.transition(StateConnected, StateConnecting, io.EOF) {
		t.Fatal("transition from connected should succeed")
	}
	if got := s.get(); got.State != StateConnecting || got.LastError != io.EOF.Error() {
		t.Errorf("status after transition = %+v", got)
	}

	s.retry()
	s.retry()
	if got := s.get().Retries; got != 2 {
		t.Errorf("Retries = %d, want 2", got)
	}

	s.set(StateConnected, nil)
	if got := s.get().Retries; got != 0 {
		t.Errorf("Retries after connect = %d, want 0", got)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateFailed:       "failed",
		State(42):         "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestOpError(t *testing.T) {
	err := &OpError{Op: "get", Key: "voxcache:agents:1", Err: ErrNotConnected}

	if !errors.Is(err, ErrNotConnected) {
		t.Error("errors.Is should find ErrNotConnected")
	}
	if !IsUnavailable(err) {
		t.Error("IsUnavailable should be true")
	}
	if IsUnavailable(ErrNotFound) {
		t.Error("ErrNotFound is not unavailability")
	}

	var opErr *OpError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &opErr) || opErr.Op != "get" {
		t.Error("errors.As should extract OpError")
	}

	want := `store get "voxcache:agents:1": store not connected`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "redis nil", err: redis.Nil, want: false},
		{name: "closed", err: redis.ErrClosed, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: true},
		{name: "reset wrapped", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		{name: "generic", err: errors.New("WRONGTYPE"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransportError(tt.err); got != tt.want {
				t.Errorf("isTransportError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewRedisStore_URL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantAddr string
		wantErr  bool
	}{
		{name: "redis url", url: "redis://cache.internal:6380/2", wantAddr: "cache.internal:6380"},
		{name: "bare address", url: "localhost:6379", wantAddr: "localhost:6379"},
		{name: "empty", url: "", wantErr: true},
		{name: "bad scheme", url: "http://localhost:6379", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewRedisStore(RedisOptions{URL: tt.url})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRedisStore() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if s.redisOpts.Addr != tt.wantAddr {
				t.Errorf("Addr = %q, want %q", s.redisOpts.Addr, tt.wantAddr)
			}
			if s.redisOpts.MaxRetries != -1 {
				t.Errorf("MaxRetries = %d, want -1", s.redisOpts.MaxRetries)
			}
		})
	}
}

func TestRedisStore_OperationsFailFastWhenDisconnected(t *testing.T) {
	s, err := NewRedisStore(RedisOptions{URL: "localhost:6379"})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	ctx := context.Background()

	if s.Connected() {
		t.Fatal("new store should not be connected")
	}

	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Get() error = %v, want ErrNotConnected", err)
	}
	if err := s.SetWithExpiry(ctx, "k", "v", time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetWithExpiry() error = %v, want ErrNotConnected", err)
	}
	if _, err := s.IncrBy(ctx, "k", 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("IncrBy() error = %v, want ErrNotConnected", err)
	}
	if err := s.Scan(ctx, "*", func(string) error { return nil }); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Scan() error = %v, want ErrNotConnected", err)
	}
	if err := s.Delete(ctx); err != nil {
		t.Errorf("Delete() with no keys error = %v, want nil", err)
	}
}

func TestRedisStore_ReconnectGivesUp(t *testing.T) {
	// Port 1 is reserved and refuses connections.
	s, err := NewRedisStore(RedisOptions{
		URL:         "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		Backoff:     BackoffConfig{Step: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 3},
	})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer s.Disconnect(context.Background())

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect() to closed port should fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.Status().State != StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want failed", s.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := s.Get(context.Background(), "k"); !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("Get() after give up error = %v, want ErrRetriesExhausted", err)
	}
}
