package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichowens/port-daddy/internal/types"
)

func TestParseValid(t *testing.T) {
	tests := []struct {
		input    string
		segments []string
		wildcard bool
	}{
		{"myapp", []string{"myapp"}, false},
		{"myapp:api", []string{"myapp", "api"}, false},
		{"myapp:api:dev", []string{"myapp", "api", "dev"}, false},
		{"myapp:*", []string{"myapp", "*"}, true},
		{"my-app.v2_x", []string{"my-app.v2_x"}, false},
		{"my*partial", []string{"my*partial"}, true},
	}
	for _, tt := range tests {
		id, err := Parse(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.segments, id.Segments)
		assert.Equal(t, tt.input, id.Canonical)
		assert.Equal(t, tt.wildcard, id.HasWildcard)
	}
}

func TestParseInvalid(t *testing.T) {
	long := strings.Repeat("a", 65)
	tests := []string{
		"",
		"a:b:c:d",
		"myapp:",
		":api",
		"my app",
		"my/app",
		long,
		"ok:" + long,
	}
	for _, input := range tests {
		_, err := Parse(input)
		require.Error(t, err, "input %q", input)
		assert.Equal(t, types.CodeIdentityInvalid, types.CodeOf(err))
	}
}

func TestParseSegmentLengthBoundary(t *testing.T) {
	ok := strings.Repeat("a", 64)
	id, err := Parse(ok)
	require.NoError(t, err)
	assert.Equal(t, ok, id.Canonical)

	_, err = Parse(ok + "a")
	require.Error(t, err)
}

func TestParseRoundTrip(t *testing.T) {
	for _, input := range []string{"myapp", "myapp:api", "myapp:api:dev", "a.b:c_d:e-f"} {
		id, err := Parse(input)
		require.NoError(t, err)
		again, err := Parse(id.Canonical)
		require.NoError(t, err)
		assert.Equal(t, id.Canonical, again.Canonical)
		assert.Equal(t, id.Segments, again.Segments)
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		id      string
		want    bool
	}{
		{"myapp", "myapp", true},
		{"myapp", "myapp:api", true},         // shorter pattern matches prefix
		{"myapp:api", "myapp", false},        // longer pattern never matches
		{"myapp:*", "myapp:api", true},
		{"myapp:*", "myapp:web", true},
		{"myapp:*", "other:api", false},
		{"*", "anything", true},
		{"*", "myapp:api:dev", true},
		{"*:api", "myapp:api", true},
		{"*:api", "myapp:web", false},
		{"myapp:*:dev", "myapp:api:dev", true},
		{"myapp:*:dev", "myapp:api:prod", false},
		{"Myapp", "myapp", false}, // case sensitive
	}
	for _, tt := range tests {
		got, err := Match(tt.pattern, tt.id)
		require.NoError(t, err, "%s vs %s", tt.pattern, tt.id)
		assert.Equal(t, tt.want, got, "%s vs %s", tt.pattern, tt.id)
	}
}

func TestMatchInvalidInputs(t *testing.T) {
	_, err := Match("", "myapp")
	require.Error(t, err)
	_, err = Match("myapp", "bad segment")
	require.Error(t, err)
}

func TestToLike(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
		ok      bool
	}{
		{"myapp:*", "myapp:%", true},
		{"*", "%", true},
		{"*:api", "%:api", true},
		{"myapp:api", "myapp:api", true},
		{"myapp:*:dev", "myapp:%:dev", true},
		{"", "", false},
		{"a:b:c:d", "", false},
	}
	for _, tt := range tests {
		got, ok := ToLike(tt.pattern)
		assert.Equal(t, tt.ok, ok, tt.pattern)
		assert.Equal(t, tt.want, got, tt.pattern)
	}
}

func TestNormalize(t *testing.T) {
	id, err := Normalize("myapp", Defaults{Stack: "web", Context: "dev"})
	require.NoError(t, err)
	assert.Equal(t, "web", id.Stack)
	assert.Equal(t, "dev", id.Context)
	// Canonical string stays as parsed; defaults never reshape it.
	assert.Equal(t, "myapp", id.Canonical)

	id, err = Normalize("myapp:api", Defaults{Stack: "web", Context: "dev"})
	require.NoError(t, err)
	assert.Equal(t, "api", id.Stack)
	assert.Equal(t, "dev", id.Context)
	assert.Equal(t, "myapp:api", id.Canonical)
}
