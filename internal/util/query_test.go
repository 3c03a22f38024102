package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMergeQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		defaults string
		caller   string
		del      bool
		expected string
	}{
		{
			name:     "caller keys appended after defaults",
			path:     "/q",
			defaults: "b=2&c=3",
			caller:   "a=2",
			expected: "/q?b=2&c=3&a=2",
		},
		{
			name:     "caller overwrites shared key in place",
			path:     "/q",
			defaults: "a=1&b=2&c=3",
			caller:   "a=2",
			expected: "/q?a=2&b=2&c=3",
		},
		{
			name:     "shared key shadowed when deleting overrides",
			path:     "/q",
			defaults: "a=1&b=2&c=3",
			caller:   "a=2",
			del:      true,
			expected: "/q?b=2&c=3&a=2",
		},
		{
			// Caller entries are part of the result: the request carries
			// them upstream after the remaining defaults, never "/q?a=2".
			name:     "delete without shared keys keeps defaults first",
			path:     "/q",
			defaults: "b=2&c=3",
			caller:   "a=2",
			del:      true,
			expected: "/q?b=2&c=3&a=2",
		},
		{
			name:     "existing query on path replaced",
			path:     "/q?stale=1",
			defaults: "a=1",
			expected: "/q?a=1",
		},
		{
			name:     "empty merge leaves path untouched",
			path:     "/q?keep=1",
			expected: "/q?keep=1",
		},
		{
			name:     "repeated caller keys preserved",
			path:     "/list",
			defaults: "size=10",
			caller:   "id=1&id=2",
			del:      true,
			expected: "/list?size=10&id=1&id=2",
		},
		{
			name:     "values escaped",
			path:     "/s",
			caller:   "q=a%20b%26c",
			expected: "/s?q=a+b%26c",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := MergeQuery(tt.path, ParseQuery(tt.defaults), ParseQuery(tt.caller), tt.del)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestMergeQuery_DoesNotMutateDefaults(t *testing.T) {
	t.Parallel()

	defaults := ParseQuery("a=1&b=2")
	MergeQuery("/q", defaults, ParseQuery("a=9&c=3"), false)
	MergeQuery("/q", defaults, ParseQuery("a=9"), true)

	assert.Equal(t, "a=1&b=2", defaults.Encode())
}

func TestParseQuery(t *testing.T) {
	t.Parallel()

	q := ParseQuery("?x=1&&y=&x=2&bad=%zz&=skip")

	assert.Equal(t, []string{"x", "y", "bad"}, q.Keys())
	assert.Equal(t, []string{"1", "2"}, q.Values("x"))
	assert.True(t, q.Has("y"))
	assert.Equal(t, "", q.Get("y"))
	assert.Equal(t, "%zz", q.Get("bad"))
}

func TestQuery_SetKeepsPosition(t *testing.T) {
	t.Parallel()

	var q Query
	q.Set("a", "1")
	q.Set("b", "2")
	q.Set("a", "3")
	q.Del("missing")

	assert.Equal(t, "a=3&b=2", q.Encode())

	q.Del("a")
	assert.Equal(t, "b=2", q.Encode())
	assert.Equal(t, 1, q.Len())
}

func TestQueryFromMap(t *testing.T) {
	t.Parallel()

	q := QueryFromMap(map[string]any{
		"z":      "last",
		"a":      float64(1),
		"list":   []any{"x", true},
		"nested": map[string]any{"k": "v"},
	})

	assert.Equal(t, "a=1&list=x&list=true&nested=%7B%22k%22%3A%22v%22%7D&z=last", q.Encode())
}

func TestQuery_Map(t *testing.T) {
	t.Parallel()

	q := ParseQuery("a=1&b=2&b=3")

	assert.Equal(t, map[string]any{"a": "1", "b": []string{"2", "3"}}, q.Map())
}

func TestQuery_UnmarshalYAML(t *testing.T) {
	t.Parallel()

	t.Run("string form", func(t *testing.T) {
		t.Parallel()

		var q Query
		require.NoError(t, yaml.Unmarshal([]byte(`"a=1&b=2"`), &q))
		assert.Equal(t, "a=1&b=2", q.Encode())
	})

	t.Run("mapping keeps order", func(t *testing.T) {
		t.Parallel()

		var holder struct {
			Q Query `yaml:"q"`
		}
		require.NoError(t, yaml.Unmarshal([]byte("q:\n  z: 1\n  a: [x, y]\n  m: 2\n"), &holder))
		assert.Equal(t, "z=1&a=x&a=y&m=2", holder.Q.Encode())
	})

	t.Run("nested mapping rejected", func(t *testing.T) {
		t.Parallel()

		var q Query
		err := yaml.Unmarshal([]byte("a:\n  b: 1\n"), &q)
		assert.Error(t, err)
	})
}
