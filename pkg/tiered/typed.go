package tiered

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Typed is a view of a Facade namespace holding values of one type.
// Values are JSON encoded at the boundary; a payload that no longer decodes
// into V is logged, deleted and reported as ErrMiss.
type Typed[V any] struct {
	f         *Facade
	namespace string
}

// NewTyped returns a typed view of namespace.
func NewTyped[V any](f *Facade, namespace string) *Typed[V] {
	return &Typed[V]{f: f, namespace: namespace}
}

// Namespace returns the namespace of the view.
func (t *Typed[V]) Namespace() string {
	return t.namespace
}

func (t *Typed[V]) opts(opts []Option) []Option {
	return append([]Option{WithNamespace(t.namespace)}, opts...)
}

func (t *Typed[V]) decode(ctx context.Context, key string, data []byte) (V, bool) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		DecodeErrors.WithLabelValues(t.namespace).Inc()
		t.f.logger.Warn().
			Err(err).
			Str("namespace", t.namespace).
			Str("key", key).
			Msg("Discarding cached payload that does not decode")
		_ = t.f.Delete(ctx, key, WithNamespace(t.namespace))
		var zero V
		return zero, false
	}
	return v, true
}

// Get returns the value for key or ErrMiss.
func (t *Typed[V]) Get(ctx context.Context, key string, opts ...Option) (V, error) {
	var zero V
	data, err := t.f.Get(ctx, key, t.opts(opts)...)
	if err != nil {
		return zero, err
	}
	v, ok := t.decode(ctx, key, data)
	if !ok {
		return zero, ErrMiss
	}
	return v, nil
}

// Set encodes and stores v.
func (t *Typed[V]) Set(ctx context.Context, key string, v V, opts ...Option) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s value: %w", t.namespace, err)
	}
	return t.f.Set(ctx, key, data, t.opts(opts)...)
}

// Delete removes key.
func (t *Typed[V]) Delete(ctx context.Context, key string, opts ...Option) error {
	return t.f.Delete(ctx, key, t.opts(opts)...)
}

// DelPattern removes keys of the namespace matching pattern.
func (t *Typed[V]) DelPattern(ctx context.Context, pattern string) (int, error) {
	return t.f.DelPattern(ctx, pattern, WithNamespace(t.namespace))
}

// Wrap returns the cached value for key or calls fn and caches its result.
func (t *Typed[V]) Wrap(ctx context.Context, key string, fn func(ctx context.Context) (V, error), opts ...Option) (V, error) {
	v, err := t.Get(ctx, key, opts...)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrMiss) {
		return v, err
	}

	v, err = fn(ctx)
	if err != nil {
		return v, err
	}
	if err := t.Set(ctx, key, v, opts...); err != nil {
		t.f.logger.Warn().Err(err).Str("namespace", t.namespace).Str("key", key).Msg("Failed to cache value")
	}
	return v, nil
}

// MGet returns one entry per key; nil marks a miss or an undecodable payload.
func (t *Typed[V]) MGet(ctx context.Context, keys []string, opts ...Option) ([]*V, error) {
	raw, err := t.f.MGet(ctx, keys, t.opts(opts)...)
	if err != nil {
		return nil, err
	}
	out := make([]*V, len(raw))
	for i, data := range raw {
		if data == nil {
			continue
		}
		if v, ok := t.decode(ctx, keys[i], data); ok {
			out[i] = &v
		}
	}
	return out, nil
}

// MSet encodes and stores all entries.
func (t *Typed[V]) MSet(ctx context.Context, entries map[string]V, opts ...Option) error {
	encoded := make(map[string][]byte, len(entries))
	for k, v := range entries {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s value %q: %w", t.namespace, k, err)
		}
		encoded[k] = data
	}
	return t.f.MSet(ctx, encoded, t.opts(opts)...)
}
