package headers

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// StaticSource adds fixed headers.
type StaticSource map[string]string

// Name implements Extension.
func (s StaticSource) Name() string { return "static" }

// Headers implements Extension.
func (s StaticSource) Headers(context.Context, *Input) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// FuncSource adapts a registered Func.
type FuncSource struct {
	FuncName string
	Fn       Func
}

// Name implements Extension.
func (s *FuncSource) Name() string { return "func:" + s.FuncName }

// Headers implements Extension.
func (s *FuncSource) Headers(ctx context.Context, in *Input) (map[string]string, error) {
	return s.Fn(ctx, in)
}

// celProgram is one compiled header expression.
type celProgram struct {
	header  string
	program cel.Program
}

// CELSource evaluates one CEL expression per header. Expressions see
// "request" (method, path, host, headers, query, params, remoteAddr) and
// "service" (name, values). A null result omits the header.
type CELSource struct {
	programs []celProgram
}

// NewCELEnv creates the environment CEL header expressions compile against.
func NewCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("service", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewCELSource compiles exprs, keyed by header name, in env.
func NewCELSource(env *cel.Env, exprs map[string]string) (*CELSource, error) {
	names := make([]string, 0, len(exprs))
	for name := range exprs {
		names = append(names, name)
	}
	sort.Strings(names)

	s := &CELSource{programs: make([]celProgram, 0, len(names))}
	for _, name := range names {
		ast, issues := env.Compile(exprs[name])
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile expression for %s: %w", name, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to build program for %s: %w", name, err)
		}
		s.programs = append(s.programs, celProgram{header: name, program: program})
	}
	return s, nil
}

// Name implements Extension.
func (s *CELSource) Name() string { return "cel" }

// Headers implements Extension.
func (s *CELSource) Headers(_ context.Context, in *Input) (map[string]string, error) {
	vars := map[string]interface{}{
		"request": requestVars(in),
		"service": map[string]interface{}{
			"name":   in.Service,
			"values": nonNilValues(in.ServiceValues),
		},
	}

	out := make(map[string]string, len(s.programs))
	for _, p := range s.programs {
		val, _, err := p.program.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("evaluating %s: %w", p.header, err)
		}
		if val.Type() == types.NullType {
			continue
		}
		if str, ok := val.Value().(string); ok {
			out[p.header] = str
			continue
		}
		out[p.header] = fmt.Sprint(val.Value())
	}
	return out, nil
}

func requestVars(in *Input) map[string]interface{} {
	vars := map[string]interface{}{
		"method":     "",
		"path":       "",
		"host":       "",
		"remoteAddr": "",
		"headers":    map[string]string{},
		"query":      map[string]string{},
		"params":     nonNilParams(in.Params),
	}
	r := in.Request
	if r == nil {
		return vars
	}

	hdrs := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			hdrs[strings.ToLower(k)] = v[0]
		}
	}
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	vars["method"] = r.Method
	vars["path"] = r.URL.Path
	vars["host"] = r.Host
	vars["remoteAddr"] = r.RemoteAddr
	vars["headers"] = hdrs
	vars["query"] = query
	return vars
}

func nonNilParams(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}

func nonNilValues(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

var placeholderRe = regexp.MustCompile(`\{(header|param|query)\.([^}]+)\}|\{service\}`)

// RedisSource reads header values from a redis hash. The key may contain
// {header.Name}, {param.name}, {query.name} and {service} placeholders.
// Fields are emitted as Prefix+field; no fields means the whole hash.
// A missing hash adds nothing.
type RedisSource struct {
	Client redis.Cmdable
	Key    string
	Fields []string
	Prefix string
}

// Name implements Extension.
func (s *RedisSource) Name() string { return "redis:" + s.Key }

// Headers implements Extension.
func (s *RedisSource) Headers(ctx context.Context, in *Input) (map[string]string, error) {
	key := s.renderKey(in)
	out := make(map[string]string)

	if len(s.Fields) == 0 {
		values, err := s.Client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading hash %s: %w", key, err)
		}
		for field, v := range values {
			out[s.Prefix+field] = v
		}
		return out, nil
	}

	values, err := s.Client.HMGet(ctx, key, s.Fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading hash %s: %w", key, err)
	}
	for i, v := range values {
		if str, ok := v.(string); ok {
			out[s.Prefix+s.Fields[i]] = str
		}
	}
	return out, nil
}

func (s *RedisSource) renderKey(in *Input) string {
	return placeholderRe.ReplaceAllStringFunc(s.Key, func(m string) string {
		if m == "{service}" {
			return in.Service
		}
		sub := placeholderRe.FindStringSubmatch(m)
		switch sub[1] {
		case "header":
			if in.Request != nil {
				return in.Request.Header.Get(sub[2])
			}
		case "param":
			return in.Params[sub[2]]
		case "query":
			if in.Request != nil {
				return in.Request.URL.Query().Get(sub[2])
			}
		}
		return ""
	})
}

// RequestIDSource sets a request ID header. The caller's value is reused,
// then the ID carried in the context, otherwise a new UUID is generated.
type RequestIDSource struct {
	Header string
}

// Name implements Extension.
func (s *RequestIDSource) Name() string { return "requestId" }

// Headers implements Extension.
func (s *RequestIDSource) Headers(ctx context.Context, in *Input) (map[string]string, error) {
	if in.Request != nil {
		if v := in.Request.Header.Get(s.Header); v != "" {
			return map[string]string{s.Header: v}, nil
		}
	}
	if id := util.RequestIDFromContext(ctx); id != "" {
		return map[string]string{s.Header: id}, nil
	}
	return map[string]string{s.Header: uuid.NewString()}, nil
}
