package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// URL is a redis:// URL or a bare host:port address.
	URL string

	// OpTimeout bounds every read and write on the connection.
	OpTimeout time.Duration

	// DialTimeout bounds connection establishment and reconnect pings.
	DialTimeout time.Duration

	// ScanCount is the COUNT hint passed to SCAN.
	ScanCount int64

	// Backoff is the reconnection schedule.
	Backoff BackoffConfig

	// Logger receives connection lifecycle events.
	Logger zerolog.Logger
}

// DefaultRedisOptions returns options for a local Redis.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		URL:         "redis://localhost:6379/0",
		OpTimeout:   500 * time.Millisecond,
		DialTimeout: 2 * time.Second,
		ScanCount:   100,
		Backoff:     DefaultBackoffConfig(),
		Logger:      zerolog.Nop(),
	}
}

// RedisStore implements Store with go-redis.
type RedisStore struct {
	opts      RedisOptions
	redisOpts *redis.Options
	logger    zerolog.Logger

	client atomic.Pointer[redis.Client]
	state  connState

	connectMu sync.Mutex // serializes Connect and Disconnect

	loopMu sync.Mutex
	loop   *reconnectLoop
}

type reconnectLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisStore parses opts and returns a disconnected store.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	redisOpts, err := parseRedisURL(opts.URL)
	if err != nil {
		return nil, err
	}
	return newRedisStore(opts, redisOpts), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes
// ownership of the client and closes it on Disconnect.
func NewRedisStoreFromClient(client *redis.Client, opts RedisOptions) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	s := newRedisStore(opts, client.Options())
	client.AddHook(&observerHook{store: s})
	s.client.Store(client)
	return s
}

func newRedisStore(opts RedisOptions, redisOpts *redis.Options) *RedisStore {
	def := DefaultRedisOptions()
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = def.OpTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = def.ScanCount
	}
	opts.Backoff = opts.Backoff.withDefaults()

	redisOpts.DialTimeout = opts.DialTimeout
	redisOpts.ReadTimeout = opts.OpTimeout
	redisOpts.WriteTimeout = opts.OpTimeout
	// Reconnection is handled by the store, not per command.
	redisOpts.MaxRetries = -1

	s := &RedisStore{
		opts:      opts,
		redisOpts: redisOpts,
		logger:    opts.Logger.With().Str("component", "redis-store").Logger(),
	}
	s.state.status.Since = time.Now()
	return s
}

func parseRedisURL(raw string) (*redis.Options, error) {
	if raw == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	if !strings.Contains(raw, "://") {
		return &redis.Options{Addr: raw}, nil
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opts, nil
}

// Connect pings the server and marks the store connected. If the ping fails
// a background reconnect loop is started and the error is returned.
func (s *RedisStore) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.state.get().State == StateConnected {
		return nil
	}

	s.stopReconnect()

	client := s.client.Load()
	if client == nil {
		client = redis.NewClient(s.redisOpts)
		client.AddHook(&observerHook{store: s})
		s.client.Store(client)
	}

	s.state.reset(StateConnecting)

	pingCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		s.state.set(StateConnecting, err)
		StoreConnected.Set(0)
		s.logger.Warn().Err(err).Str("addr", s.redisOpts.Addr).Msg("Redis connect failed, reconnecting in background")
		s.startReconnect()
		return &OpError{Op: "connect", Err: err}
	}

	s.state.set(StateConnected, nil)
	StoreConnected.Set(1)
	s.logger.Info().Str("addr", s.redisOpts.Addr).Msg("Connected to Redis")
	return nil
}

// Disconnect stops reconnection and closes the client.
func (s *RedisStore) Disconnect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.stopReconnect()
	s.state.set(StateDisconnected, nil)
	StoreConnected.Set(0)

	client := s.client.Swap(nil)
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return &OpError{Op: "disconnect", Err: err}
	}
	s.logger.Info().Msg("Disconnected from Redis")
	return nil
}

// Connected reports whether the store is connected.
func (s *RedisStore) Connected() bool {
	return s.state.get().Connected()
}

// Status returns the connection state snapshot.
func (s *RedisStore) Status() Status {
	return s.state.get()
}

// markDown flips a connected store to reconnecting after a transport error.
func (s *RedisStore) markDown(err error) {
	if !s.state.transition(StateConnected, StateConnecting, err) {
		return
	}
	StoreConnected.Set(0)
	s.logger.Warn().Err(err).Msg("Redis connection lost, reconnecting")
	s.startReconnect()
}

func (s *RedisStore) startReconnect() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.loop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &reconnectLoop{cancel: cancel, done: make(chan struct{})}
	s.loop = l
	go s.reconnect(ctx, l)
}

func (s *RedisStore) stopReconnect() {
	s.loopMu.Lock()
	l := s.loop
	s.loop = nil
	s.loopMu.Unlock()

	if l != nil {
		l.cancel()
		<-l.done
	}
}

// reconnect pings with min(attempt*step, max) delays until it succeeds,
// the retry ceiling is hit, or the loop is cancelled.
func (s *RedisStore) reconnect(ctx context.Context, l *reconnectLoop) {
	defer func() {
		s.loopMu.Lock()
		if s.loop == l {
			s.loop = nil
		}
		s.loopMu.Unlock()
		close(l.done)
	}()

	cfg := s.opts.Backoff
	for {
		attempt := s.state.retry()
		if attempt > cfg.MaxRetries {
			s.state.set(StateFailed, ErrRetriesExhausted)
			StoreReconnectsExhausted.Inc()
			s.logger.Error().
				Int("max_retries", cfg.MaxRetries).
				Msg("Redis reconnect attempts exhausted, staying disconnected until Connect")
			return
		}

		delay := cfg.Delay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		client := s.client.Load()
		if client == nil {
			return
		}

		StoreReconnects.Inc()
		pingCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			s.state.set(StateConnected, nil)
			StoreConnected.Set(1)
			s.logger.Info().Int("attempt", attempt).Msg("Reconnected to Redis")
			return
		}

		s.state.set(StateConnecting, err)
		s.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Redis reconnect attempt failed")
	}
}

// conn returns the client if the store is connected.
func (s *RedisStore) conn(op, key string) (*redis.Client, error) {
	client := s.client.Load()
	if client == nil || !s.Connected() {
		if s.state.get().State == StateFailed {
			return nil, &OpError{Op: op, Key: key, Err: ErrRetriesExhausted}
		}
		return nil, &OpError{Op: op, Key: key, Err: ErrNotConnected}
	}
	return client, nil
}

// Get retrieves the value at key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	client, err := s.conn("get", key)
	if err != nil {
		return "", err
	}
	val, err := client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", &OpError{Op: "get", Key: key, Err: err}
	}
	return val, nil
}

// SetWithExpiry stores value at key with ttl (SETEX semantics).
func (s *RedisStore) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	client, err := s.conn("set", key)
	if err != nil {
		return err
	}
	if err := client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &OpError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete removes keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	client, err := s.conn("del", keys[0])
	if err != nil {
		return err
	}
	if err := client.Del(ctx, keys...).Err(); err != nil {
		return &OpError{Op: "del", Key: keys[0], Err: err}
	}
	return nil
}

// Scan iterates keys matching pattern with SCAN MATCH.
func (s *RedisStore) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	client, err := s.conn("scan", pattern)
	if err != nil {
		return err
	}
	iter := client.Scan(ctx, 0, pattern, s.opts.ScanCount).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return &OpError{Op: "scan", Key: pattern, Err: err}
	}
	return nil
}

// MGet retrieves multiple keys in one round trip.
func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	client, err := s.conn("mget", keys[0])
	if err != nil {
		return nil, err
	}
	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &OpError{Op: "mget", Key: keys[0], Err: err}
	}
	out := make([]*string, len(keys))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = &str
		}
	}
	return out, nil
}

// MSetWithExpiry stores entries in one pipeline. MSET has no expiry, so
// each entry is a SET with EX.
func (s *RedisStore) MSetWithExpiry(ctx context.Context, entries map[string]string, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	client, err := s.conn("mset", "")
	if err != nil {
		return err
	}
	pipe := client.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, k, v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &OpError{Op: "mset", Err: err}
	}
	return nil
}

// IncrBy atomically increments key by n.
func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	client, err := s.conn("incrby", key)
	if err != nil {
		return 0, err
	}
	val, err := client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, &OpError{Op: "incrby", Key: key, Err: err}
	}
	return val, nil
}

// ExpireNX sets ttl on key unless it already has one. Requires Redis 7.
func (s *RedisStore) ExpireNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	client, err := s.conn("expire", key)
	if err != nil {
		return false, err
	}
	ok, err := client.ExpireNX(ctx, key, ttl).Result()
	if err != nil {
		return false, &OpError{Op: "expire", Key: key, Err: err}
	}
	return ok, nil
}

// CountKeys counts keys matching pattern by scanning.
func (s *RedisStore) CountKeys(ctx context.Context, pattern string) (int64, error) {
	var n int64
	err := s.Scan(ctx, pattern, func(string) error {
		n++
		return nil
	})
	return n, err
}
