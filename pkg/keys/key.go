// Package keys builds canonical cache keys, wildcard patterns and typed
// invalidation descriptors shared by every cache tier.
package keys

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter separates key segments. It is reserved: namespaces may not
// contain it.
const Delimiter = ":"

// globMeta are the characters Redis MATCH treats specially.
const globMeta = `*?[]\`

var (
	// ErrInvalidNamespace indicates a namespace containing reserved characters.
	ErrInvalidNamespace = errors.New("invalid cache namespace")

	// ErrInvalidKey indicates an empty raw key or one containing the wildcard.
	ErrInvalidKey = errors.New("invalid cache key")
)

// Key identifies a cache entry across all tiers.
type Key struct {
	// Prefix is the fixed application identifier (e.g. "voxcache").
	Prefix string

	// Namespace partitions the key space by purpose (e.g. "agents"). Optional.
	Namespace string

	// Raw is the caller supplied key.
	Raw string
}

// New validates and returns a key.
func New(prefix, namespace, raw string) (Key, error) {
	if err := ValidateNamespace(prefix); err != nil {
		return Key{}, fmt.Errorf("prefix %q: %w", prefix, err)
	}
	if err := ValidateNamespace(namespace); err != nil {
		return Key{}, err
	}
	if err := ValidateRaw(raw); err != nil {
		return Key{}, err
	}
	return Key{Prefix: prefix, Namespace: namespace, Raw: raw}, nil
}

// String generates the canonical key string.
// Format: prefix:namespace:raw. The namespace segment is always present, so
// root keys render as prefix::raw and never alias a namespaced key.
//
// Example:
//
//	voxcache:agents:org_1:list
func (k Key) String() string {
	return NamespaceRoot(k.Prefix, k.Namespace) + Delimiter + k.Raw
}

// NamespaceRoot returns the canonical head shared by every key of namespace
// under prefix: "prefix:namespace", "prefix:" for the root namespace.
func NamespaceRoot(prefix, namespace string) string {
	if prefix == "" {
		return namespace
	}
	return prefix + Delimiter + namespace
}

// Parse splits a canonical key produced with the given prefix.
func Parse(prefix, s string) (Key, error) {
	rest := s
	if prefix != "" {
		p := prefix + Delimiter
		if !strings.HasPrefix(s, p) {
			return Key{}, fmt.Errorf("%w: %q lacks prefix %q", ErrInvalidKey, s, prefix)
		}
		rest = strings.TrimPrefix(s, p)
	}
	ns, raw, ok := strings.Cut(rest, Delimiter)
	if !ok || raw == "" {
		return Key{}, fmt.Errorf("%w: %q lacks a namespace segment", ErrInvalidKey, s)
	}
	return Key{Prefix: prefix, Namespace: ns, Raw: raw}, nil
}

// ValidateNamespace rejects namespaces that would make canonical keys ambiguous.
// The empty namespace is valid.
func ValidateNamespace(ns string) error {
	if strings.Contains(ns, Delimiter) || strings.ContainsAny(ns, globMeta) {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	return nil
}

// ValidateRaw rejects empty raw keys and keys containing the '*' wildcard.
// Raw keys may contain the delimiter; other glob metacharacters are escaped
// by Pattern.Glob.
func ValidateRaw(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.Contains(raw, "*") {
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidKey, raw)
	}
	return nil
}

// Join concatenates segments with the delimiter, skipping empty ones.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, Delimiter)
}
