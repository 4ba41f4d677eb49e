package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"arbengine/internal/domain/model"
)

// Memory 进程内缓存。过期条目读时视为未命中并惰性删除，Sweep 批量清理。
type Memory struct {
	mu    sync.Mutex
	items map[string]model.CacheEntry
	now   func() time.Time
}

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items: make(map[string]model.CacheEntry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if !e.Live(m.now()) {
		delete(m.items, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.Value))
	copy(out, e.Value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		delete(m.items, key)
		return nil
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	m.items[key] = model.CacheEntry{Key: key, Value: cp, InsertedAt: m.now(), TTL: ttl}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Sweep removes every expired entry and returns how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for k, e := range m.items {
		if !e.Live(now) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Len counts stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// RunJanitor sweeps every interval until ctx is done.
func (m *Memory) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Debug().Int("evicted", n).Msg("memory cache sweep")
			}
		}
	}
}

var _ Backend = (*Memory)(nil)
