package headers

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/svcproxy/internal/config"
)

// Builder turns header extension configuration into Extensions. It is used
// once per compile; the results are immutable.
type Builder struct {
	funcs map[string]Func
	redis redis.Cmdable
	env   *cel.Env
}

// NewBuilder creates a Builder. funcs is the registry of named header
// functions; rdb may be nil when no redis sources are configured.
func NewBuilder(funcs map[string]Func, rdb redis.Cmdable) (*Builder, error) {
	env, err := NewCELEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Builder{funcs: funcs, redis: rdb, env: env}, nil
}

// Build converts the extension entries in order. An entry with several sources yields one
// extension per source in the order static, func, cel, redis, requestId.
func (b *Builder) Build(defs []config.HeaderExtension) ([]Extension, error) {
	var out []Extension
	for i := range defs {
		exts, err := b.buildOne(&defs[i])
		if err != nil {
			return nil, fmt.Errorf("headerExtension[%d]: %w", i, err)
		}
		out = append(out, exts...)
	}
	return out, nil
}

func (b *Builder) buildOne(def *config.HeaderExtension) ([]Extension, error) {
	var out []Extension

	if len(def.Static) > 0 {
		out = append(out, StaticSource(def.Static))
	}

	if def.Func != "" {
		fn, ok := b.funcs[def.Func]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFunc, def.Func)
		}
		out = append(out, &FuncSource{FuncName: def.Func, Fn: fn})
	}

	if len(def.CEL) > 0 {
		src, err := NewCELSource(b.env, def.CEL)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}

	if def.Redis != nil {
		if b.redis == nil {
			return nil, ErrRedisNotConfigured
		}
		if def.Redis.Key == "" {
			return nil, fmt.Errorf("redis header source: key is required")
		}
		out = append(out, &RedisSource{
			Client: b.redis,
			Key:    def.Redis.Key,
			Fields: def.Redis.Fields,
			Prefix: def.Redis.Prefix,
		})
	}

	if def.RequestID != "" {
		out = append(out, &RequestIDSource{Header: def.RequestID})
	}

	if len(out) == 0 {
		return nil, ErrEmptyExtension
	}
	return out, nil
}
