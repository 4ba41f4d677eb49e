package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// FailOpen 主后端（Redis）出错时退回到本地后端，不向调用方返回错误。
// 可用性优先于一致性：降级期间各实例各自缓存。
type FailOpen struct {
	primary  Backend
	fallback Backend
	degraded atomic.Bool
	onChange func(degraded bool)
}

type FailOpenOption func(*FailOpen)

// WithStateHook is called whenever the degraded flag flips.
func WithStateHook(fn func(degraded bool)) FailOpenOption {
	return func(f *FailOpen) { f.onChange = fn }
}

func NewFailOpen(primary, fallback Backend, opts ...FailOpenOption) *FailOpen {
	f := &FailOpen{primary: primary, fallback: fallback}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FailOpen) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := f.primary.Get(ctx, key)
	if err == nil {
		f.markHealthy()
		return v, ok, nil
	}
	f.markDegraded("get", key, err)
	v, ok, _ = f.fallback.Get(ctx, key)
	return v, ok, nil
}

func (f *FailOpen) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := f.primary.Set(ctx, key, val, ttl); err != nil {
		f.markDegraded("set", key, err)
		_ = f.fallback.Set(ctx, key, val, ttl)
		return nil
	}
	// 主写成功也同步本地副本，下次降级时不会读到被覆盖的旧值
	_ = f.fallback.Set(ctx, key, val, ttl)
	f.markHealthy()
	return nil
}

func (f *FailOpen) Delete(ctx context.Context, key string) error {
	// 本地副本总是删除，避免恢复后再次降级时读到旧值
	_ = f.fallback.Delete(ctx, key)
	if err := f.primary.Delete(ctx, key); err != nil {
		f.markDegraded("delete", key, err)
	}
	return nil
}

// Degraded reports whether the last primary call failed.
func (f *FailOpen) Degraded() bool { return f.degraded.Load() }

func (f *FailOpen) markDegraded(op, key string, err error) {
	if f.degraded.CompareAndSwap(false, true) {
		log.Warn().Err(err).Str("op", op).Str("key", key).Msg("cache primary failed, serving from local fallback")
		if f.onChange != nil {
			f.onChange(true)
		}
		return
	}
	log.Debug().Err(err).Str("op", op).Str("key", key).Msg("cache primary still failing")
}

func (f *FailOpen) markHealthy() {
	if f.degraded.CompareAndSwap(true, false) {
		log.Info().Msg("cache primary recovered")
		if f.onChange != nil {
			f.onChange(false)
		}
	}
}

var _ Backend = (*FailOpen)(nil)
