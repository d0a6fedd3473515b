package keys

import (
	"errors"
	"fmt"
)

// ErrMissingIdentity indicates a key or pattern required a tenant or user
// identity that was not available. Callers must fail instead of guessing.
var ErrMissingIdentity = errors.New("missing identity for cache key")

// Identity is the tenant and user a cached value belongs to.
type Identity struct {
	TenantID string
	UserID   string
}

// Scope selects how much of a resource's key space an invalidation covers.
type Scope int

const (
	// ScopeTenant covers every key of the resource for one tenant.
	ScopeTenant Scope = iota

	// ScopeUser covers the resource's keys for one user of one tenant.
	ScopeUser

	// ScopeGlobal covers the resource's keys for all tenants.
	ScopeGlobal
)

// String implements fmt.Stringer.
func (s Scope) String() string {
	switch s {
	case ScopeTenant:
		return "tenant"
	case ScopeUser:
		return "user"
	case ScopeGlobal:
		return "global"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Invalidation names a set of keys to drop when a resource changes.
type Invalidation struct {
	// Resource is the resource kind, e.g. "agents". It is the first key segment.
	Resource string

	// Scope narrows the invalidation to a tenant or user.
	Scope Scope
}

// ResourceKey returns the key for a resource entry owned by id.
// Layout: resource:tenant:user:suffix for ScopeUser, resource:tenant:suffix
// for ScopeTenant and resource:suffix for ScopeGlobal.
func ResourceKey(resource string, scope Scope, id Identity, suffix string) (string, error) {
	if err := ValidateNamespace(resource); err != nil || resource == "" {
		return "", fmt.Errorf("%w: resource %q", ErrInvalidKey, resource)
	}
	segs, err := scopeSegments(scope, id)
	if err != nil {
		return "", err
	}
	key := Join(append(append([]string{resource}, segs...), suffix)...)
	if err := ValidateRaw(key); err != nil {
		return "", err
	}
	return key, nil
}

// Resolve turns the descriptor into a concrete pattern for id.
func (inv Invalidation) Resolve(id Identity) (Pattern, error) {
	if err := ValidateNamespace(inv.Resource); err != nil || inv.Resource == "" {
		return Pattern{}, fmt.Errorf("%w: resource %q", ErrInvalidKey, inv.Resource)
	}
	segs, err := scopeSegments(inv.Scope, id)
	if err != nil {
		return Pattern{}, err
	}
	return Compile(Join(append([]string{inv.Resource}, segs...)...) + Delimiter + "*"), nil
}

func scopeSegments(scope Scope, id Identity) ([]string, error) {
	switch scope {
	case ScopeGlobal:
		return nil, nil
	case ScopeTenant:
		if err := checkSegment("tenant", id.TenantID); err != nil {
			return nil, err
		}
		return []string{id.TenantID}, nil
	case ScopeUser:
		if err := checkSegment("tenant", id.TenantID); err != nil {
			return nil, err
		}
		if err := checkSegment("user", id.UserID); err != nil {
			return nil, err
		}
		return []string{id.TenantID, id.UserID}, nil
	default:
		return nil, fmt.Errorf("unknown invalidation scope %d", int(scope))
	}
}

// checkSegment guards identity values: they become key segments, so they may
// not be empty, contain the delimiter or inject wildcards into patterns.
func checkSegment(what, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s", ErrMissingIdentity, what)
	}
	if err := ValidateNamespace(v); err != nil {
		return fmt.Errorf("%s identity: %w", what, err)
	}
	return nil
}
