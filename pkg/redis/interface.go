package redis

import (
	"context"
	"time"
)

// ClientInterface is the Redis surface consumed by the core, kept
// narrow so tests can fake it.
type ClientInterface interface {
	SetWithExpiration(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetString(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
	RPush(ctx context.Context, key string, values ...interface{}) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Close() error
}

var _ ClientInterface = (*Client)(nil)
