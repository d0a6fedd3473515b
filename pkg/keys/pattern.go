package keys

import (
	"strings"
)

// Pattern is a compiled key pattern where '*' matches any run of characters,
// including the delimiter. Every other character matches itself.
type Pattern struct {
	raw   string
	parts []string
}

// Compile compiles a wildcard pattern.
func Compile(pattern string) Pattern {
	return Pattern{raw: pattern, parts: strings.Split(pattern, "*")}
}

// String returns the pattern as written.
func (p Pattern) String() string {
	return p.raw
}

// IsLiteral reports whether the pattern contains no wildcard.
func (p Pattern) IsLiteral() bool {
	return len(p.parts) == 1
}

// Match reports whether key matches the pattern.
func (p Pattern) Match(key string) bool {
	if p.IsLiteral() {
		return key == p.raw
	}

	first, last := p.parts[0], p.parts[len(p.parts)-1]
	if !strings.HasPrefix(key, first) {
		return false
	}
	key = key[len(first):]
	if len(key) < len(last) || !strings.HasSuffix(key, last) {
		return false
	}
	key = key[:len(key)-len(last)]

	// Middle segments match greedily left to right.
	for _, part := range p.parts[1 : len(p.parts)-1] {
		if part == "" {
			continue
		}
		i := strings.Index(key, part)
		if i < 0 {
			return false
		}
		key = key[i+len(part):]
	}
	return true
}

// WithPrefix returns a pattern matching the same keys under the given
// canonical prefix (e.g. "voxcache:agents").
func (p Pattern) WithPrefix(prefix string) Pattern {
	if prefix == "" {
		return p
	}
	return Compile(prefix + Delimiter + p.raw)
}

// Glob renders the pattern for Redis SCAN MATCH. Only '*' stays special.
func (p Pattern) Glob() string {
	var b strings.Builder
	for i, part := range p.parts {
		if i > 0 {
			b.WriteByte('*')
		}
		for _, r := range part {
			if strings.ContainsRune(`?[]\`, r) {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
