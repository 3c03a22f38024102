package router

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidPattern is returned for route patterns that cannot be compiled.
var ErrInvalidPattern = errors.New("invalid route pattern")

// namedParamRegex finds :name placeholders in backend path templates.
var namedParamRegex = regexp.MustCompile(`:([A-Za-z0-9_]+)`)

// Pattern is a compiled route path.
//
// A segment ":name" captures one path segment under that name. A "*"
// captures greedily, across slashes, under its position ("0", "1", ...).
// A trailing "/*" also matches the bare prefix with an empty capture.
// A single trailing slash on the request path is ignored.
type Pattern struct {
	raw       string
	keys      []string
	wildcards int

	// re matches a whole request path.
	re *regexp.Regexp
	// search finds the pattern at the end of a raw request target that
	// may still carry an outer mount prefix and a query string.
	search *regexp.Regexp
}

// CompilePattern compiles path. Matching is case-sensitive.
func CompilePattern(path string) (*Pattern, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidPattern, path)
	}

	p := &Pattern{raw: path}
	seen := make(map[string]bool)

	rest := path
	tailWildcard := strings.HasSuffix(path, "/*")
	if tailWildcard {
		rest = strings.TrimSuffix(path, "/*")
	}

	var body strings.Builder
	for i := 0; i < len(rest); {
		switch c := rest[i]; {
		case c == ':':
			j := i + 1
			for j < len(rest) && isParamNameChar(rest[j]) {
				j++
			}
			name := rest[i+1 : j]
			if name == "" {
				return nil, fmt.Errorf("%w: %q has an unnamed parameter", ErrInvalidPattern, path)
			}
			if seen[name] {
				return nil, fmt.Errorf("%w: %q repeats parameter %q", ErrInvalidPattern, path, name)
			}
			seen[name] = true
			p.keys = append(p.keys, name)
			body.WriteString(`([^/]+?)`)
			i = j
		case c == '*':
			p.keys = append(p.keys, strconv.Itoa(p.wildcards))
			p.wildcards++
			body.WriteString(`(.*)`)
			i++
		default:
			j := i
			for j < len(rest) && rest[j] != ':' && rest[j] != '*' {
				j++
			}
			body.WriteString(regexp.QuoteMeta(rest[i:j]))
			i = j
		}
	}
	if tailWildcard {
		p.keys = append(p.keys, strconv.Itoa(p.wildcards))
		p.wildcards++
		body.WriteString(`(?:/(.*))?`)
	}

	var err error
	if p.re, err = regexp.Compile("^" + body.String() + "/?$"); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPattern, path, err)
	}
	if p.search, err = regexp.Compile(body.String() + `/?(?:\?.*)?$`); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPattern, path, err)
	}
	return p, nil
}

// MustCompilePattern is like CompilePattern but panics on error.
func MustCompilePattern(path string) *Pattern {
	p, err := CompilePattern(path)
	if err != nil {
		panic(err)
	}
	return p
}

func isParamNameChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// String returns the source pattern.
func (p *Pattern) String() string {
	return p.raw
}

// HasWildcard reports whether the pattern contains a "*" segment.
func (p *Pattern) HasWildcard() bool {
	return p.wildcards > 0
}

// Keys returns the capture names in the order they appear.
func (p *Pattern) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Match matches an escaped request path. Captured values are unescaped.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	m := p.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(p.keys))
	for i, key := range p.keys {
		params[key] = unescapePathValue(m[i+1])
	}
	return params, true
}

// WithPrefix compiles the pattern behind an outer mount prefix.
func (p *Pattern) WithPrefix(prefix string) (*Pattern, error) {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return p, nil
	}
	return CompilePattern(prefix + p.raw)
}

// wildcardValues returns the raw, still escaped wildcard captures of
// rawTarget. When rawTarget does not match, the decoded positional params
// are used instead.
func (p *Pattern) wildcardValues(rawTarget string, params map[string]string) []string {
	if p == nil {
		return positionalParams(params)
	}
	out := make([]string, 0, p.wildcards)
	if m := p.search.FindStringSubmatch(rawTarget); m != nil {
		for i, key := range p.keys {
			if isPositionalKey(key) {
				out = append(out, m[i+1])
			}
		}
		return out
	}
	for i := 0; i < p.wildcards; i++ {
		out = append(out, params[strconv.Itoa(i)])
	}
	return out
}

func positionalParams(params map[string]string) []string {
	var out []string
	for i := 0; ; i++ {
		v, ok := params[strconv.Itoa(i)]
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func isPositionalKey(key string) bool {
	_, err := strconv.Atoi(key)
	return err == nil
}

func unescapePathValue(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}

// SubstitutePath fills a backend path template.
//
// Each ":name" placeholder is replaced by the escaped capture of the same
// name. Each "*" is replaced, left to right, by the matching wildcard
// capture of rawTarget against pattern. rawTarget is the original request
// target, so an outer router that already stripped a prefix does not shift
// the captures. Any query component left in the result is dropped.
func SubstitutePath(template string, params map[string]string, pattern *Pattern, rawTarget string) string {
	out := namedParamRegex.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := params[m[1:]]; ok {
			return url.PathEscape(v)
		}
		return m
	})

	if strings.Contains(out, "*") {
		wild := pattern.wildcardValues(rawTarget, params)
		var sb strings.Builder
		n := 0
		for i := 0; i < len(out); i++ {
			if out[i] != '*' {
				sb.WriteByte(out[i])
				continue
			}
			if n < len(wild) {
				sb.WriteString(wild[n])
			}
			n++
		}
		out = sb.String()
	}

	out, _, _ = strings.Cut(out, "?")
	return out
}
