package util

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Query is an ordered query-string multimap. Keys serialize in the order
// they were first added; replacing the values of an existing key keeps its
// position. The zero value is an empty, ready to use Query.
type Query struct {
	keys   []string
	values map[string][]string
}

// ParseQuery parses a raw query string, with or without the leading '?'.
// Malformed escapes are kept verbatim rather than rejected.
func ParseQuery(raw string) Query {
	var q Query
	raw = strings.TrimPrefix(raw, "?")
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key = unescapeQueryComponent(key)
		if key == "" {
			continue
		}
		q.Add(key, unescapeQueryComponent(value))
	}
	return q
}

func unescapeQueryComponent(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// QueryFromMap converts structured data into a Query. Keys are sorted so the
// result is deterministic; slices become repeated keys and nested objects
// are JSON encoded.
func QueryFromMap(data map[string]any) Query {
	var q Query
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := data[k].(type) {
		case []any:
			for _, item := range v {
				q.Add(k, stringifyQueryValue(item))
			}
		case []string:
			q.Set(k, v...)
		default:
			q.Add(k, stringifyQueryValue(v))
		}
	}
	return q
}

func stringifyQueryValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case json.Number:
		return val.String()
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// Len returns the number of distinct keys.
func (q *Query) Len() int {
	return len(q.keys)
}

// Keys returns the keys in serialization order.
func (q *Query) Keys() []string {
	out := make([]string, len(q.keys))
	copy(out, q.keys)
	return out
}

// Has reports whether key is present.
func (q *Query) Has(key string) bool {
	_, ok := q.values[key]
	return ok
}

// Get returns the first value associated with key.
func (q *Query) Get(key string) string {
	if vv := q.values[key]; len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// Values returns all values associated with key.
func (q *Query) Values(key string) []string {
	return q.values[key]
}

// Set replaces the values of key, keeping its position if it already exists.
func (q *Query) Set(key string, values ...string) {
	if q.values == nil {
		q.values = make(map[string][]string)
	}
	if _, ok := q.values[key]; !ok {
		q.keys = append(q.keys, key)
	}
	q.values[key] = append([]string(nil), values...)
}

// Add appends a value to key.
func (q *Query) Add(key, value string) {
	if q.values == nil {
		q.values = make(map[string][]string)
	}
	if _, ok := q.values[key]; !ok {
		q.keys = append(q.keys, key)
	}
	q.values[key] = append(q.values[key], value)
}

// Del removes key.
func (q *Query) Del(key string) {
	if _, ok := q.values[key]; !ok {
		return
	}
	delete(q.values, key)
	for i, k := range q.keys {
		if k == key {
			q.keys = append(q.keys[:i:i], q.keys[i+1:]...)
			break
		}
	}
}

// Clone returns a deep copy of q.
func (q *Query) Clone() Query {
	var out Query
	for _, k := range q.keys {
		out.Set(k, q.values[k]...)
	}
	return out
}

// Without returns a copy of q with every key of other removed.
func (q *Query) Without(other Query) Query {
	out := q.Clone()
	for _, k := range other.keys {
		out.Del(k)
	}
	return out
}

// Encode serializes q as "k=v&k2=v2" in key order.
func (q *Query) Encode() string {
	var sb strings.Builder
	for _, k := range q.keys {
		ek := url.QueryEscape(k)
		for _, v := range q.values[k] {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(ek)
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	return sb.String()
}

// Map returns q as structured data: single values as strings and repeated
// keys as string slices.
func (q *Query) Map() map[string]any {
	out := make(map[string]any, len(q.keys))
	for _, k := range q.keys {
		vv := q.values[k]
		if len(vv) == 1 {
			out[k] = vv[0]
			continue
		}
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// String implements fmt.Stringer.
func (q Query) String() string {
	return q.Encode()
}

// UnmarshalYAML accepts either a raw query string or a mapping whose order
// is preserved. Mapping values may be scalars or sequences of scalars.
func (q *Query) UnmarshalYAML(node *yaml.Node) error {
	*q = Query{}
	switch node.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		*q = ParseQuery(raw)
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			val := node.Content[i+1]
			switch val.Kind {
			case yaml.SequenceNode:
				values := make([]string, 0, len(val.Content))
				for _, item := range val.Content {
					values = append(values, item.Value)
				}
				q.Set(key, values...)
			case yaml.ScalarNode:
				q.Set(key, val.Value)
			default:
				return fmt.Errorf("query value for %q must be a scalar or a list, line %d", key, val.Line)
			}
		}
		return nil
	default:
		return fmt.Errorf("query must be a string or a mapping, line %d", node.Line)
	}
}

// MergeQuery merges a rule's default query with the caller's query and
// appends the result to the query-free prefix of path.
//
// When deleteCallerOverrides is true, keys present in the caller's query are
// removed from the defaults first and the caller's entries follow the
// remaining defaults; defaults can be shadowed for one call but are never
// rewritten in place. When false, caller entries overwrite same-named
// defaults in place and new caller keys are appended.
//
// An empty merge returns path unchanged.
func MergeQuery(path string, defaults, caller Query, deleteCallerOverrides bool) string {
	var merged Query
	if deleteCallerOverrides {
		merged = defaults.Without(caller)
	} else {
		merged = defaults.Clone()
	}
	for _, k := range caller.keys {
		merged.Set(k, caller.values[k]...)
	}

	encoded := merged.Encode()
	if encoded == "" {
		return path
	}
	prefix, _, _ := strings.Cut(path, "?")
	return prefix + "?" + encoded
}
