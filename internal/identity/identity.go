// Package identity implements the semantic service identity grammar:
// 1-3 colon-separated segments naming project[:stack[:context]].
//
// The same glob rules back service pattern release, webhook filter matching,
// and activity-log target filtering, so the translation to SQL LIKE lives
// here and nowhere else.
package identity

import (
	"strings"

	"github.com/erichowens/port-daddy/internal/types"
)

const (
	maxSegments   = 3
	maxSegmentLen = 64
)

// Identity is a parsed semantic identity.
type Identity struct {
	Segments    []string
	Canonical   string
	HasWildcard bool

	// Project, Stack and Context mirror Segments positionally. Normalize
	// fills Stack/Context with defaults without reshaping Canonical.
	Project string
	Stack   string
	Context string
}

func validSegmentChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.' || c == '_' || c == '*' || c == '-':
		return true
	}
	return false
}

// Parse validates and splits an identity string. Empty input, more than
// three segments, an empty segment between colons, an over-length segment,
// or a forbidden character all fail with IDENTITY_INVALID.
func Parse(s string) (*Identity, error) {
	if s == "" {
		return nil, types.E(types.CodeIdentityInvalid, "identity is empty")
	}
	segments := strings.Split(s, ":")
	if len(segments) > maxSegments {
		return nil, types.E(types.CodeIdentityInvalid, "identity %q has more than %d segments", s, maxSegments)
	}
	wildcard := false
	for _, seg := range segments {
		if seg == "" {
			return nil, types.E(types.CodeIdentityInvalid, "identity %q has an empty segment", s)
		}
		if len(seg) > maxSegmentLen {
			return nil, types.E(types.CodeIdentityInvalid, "identity segment %q exceeds %d characters", seg, maxSegmentLen)
		}
		for i := 0; i < len(seg); i++ {
			if !validSegmentChar(seg[i]) {
				return nil, types.E(types.CodeIdentityInvalid, "identity segment %q contains forbidden character %q", seg, seg[i])
			}
		}
		if strings.Contains(seg, "*") {
			wildcard = true
		}
	}
	id := &Identity{
		Segments:    segments,
		Canonical:   strings.Join(segments, ":"),
		HasWildcard: wildcard,
		Project:     segments[0],
	}
	if len(segments) > 1 {
		id.Stack = segments[1]
	}
	if len(segments) > 2 {
		id.Context = segments[2]
	}
	return id, nil
}

// Match reports whether pattern matches id under the glob rule: segment i
// matches iff the pattern segment is "*" or literally equal (case
// sensitive). A shorter pattern matches any identity sharing its prefix
// segments; a longer pattern never matches a shorter identity.
func Match(pattern, id string) (bool, error) {
	p, err := Parse(pattern)
	if err != nil {
		return false, err
	}
	target, err := Parse(id)
	if err != nil {
		return false, err
	}
	if len(p.Segments) > len(target.Segments) {
		return false, nil
	}
	for i, seg := range p.Segments {
		if seg == "*" {
			continue
		}
		if seg != target.Segments[i] {
			return false, nil
		}
	}
	return true, nil
}

// ToLike translates a glob pattern to a SQL LIKE expression: each segment
// that is exactly "*" becomes "%", literal segments and colons are
// preserved. Returns ok=false when the pattern does not parse.
func ToLike(pattern string) (string, bool) {
	p, err := Parse(pattern)
	if err != nil {
		return "", false
	}
	out := make([]string, len(p.Segments))
	for i, seg := range p.Segments {
		if seg == "*" {
			out[i] = "%"
		} else {
			out[i] = seg
		}
	}
	return strings.Join(out, ":"), true
}

// Defaults supplies fallback stack/context segments for Normalize.
type Defaults struct {
	Stack   string
	Context string
}

// Normalize parses s and fills missing Stack/Context fields with the given
// defaults. The canonical string stays as parsed: defaults never reshape the
// stored identity.
func Normalize(s string, d Defaults) (*Identity, error) {
	id, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if id.Stack == "" {
		id.Stack = d.Stack
	}
	if id.Context == "" {
		id.Context = d.Context
	}
	return id, nil
}
