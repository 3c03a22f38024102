package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrNotReady is returned by ReadyFlag while the flag is unset.
var ErrNotReady = errors.New("not ready")

// RedisCheck pings rdb.
func RedisCheck(rdb redis.Cmdable) CheckFunc {
	return func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		return nil
	}
}

// ReadyFlag fails until ready reports true.
func ReadyFlag(ready func() bool) CheckFunc {
	return func(context.Context) error {
		if !ready() {
			return ErrNotReady
		}
		return nil
	}
}
