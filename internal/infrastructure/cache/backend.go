package cache

import (
	"context"
	"time"
)

// Backend 字节级 KV 缓存，单键操作原子
type Backend interface {
	// Get returns ok=false on a miss. err is reserved for backend failures.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores val for ttl. A non-positive ttl deletes the key.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
