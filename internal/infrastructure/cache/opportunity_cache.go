package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

// CatalogKey 全目录视图的缓存键
const CatalogKey = "current_opportunities"

// OpportunityCache 以 JSON 形式把机会集合存进 Backend。
// 条目有效期 = min(ttl, 最早过期的机会 - now)，读出时再剔除已过期的机会。
type OpportunityCache struct {
	backend Backend
	now     func() time.Time
}

func NewOpportunityCache(backend Backend, now func() time.Time) *OpportunityCache {
	if now == nil {
		now = time.Now
	}
	return &OpportunityCache{backend: backend, now: now}
}

func productKey(productID string) string { return "opportunities:" + productID }

func (c *OpportunityCache) Get(ctx context.Context, productID string) (model.OpportunitySet, bool) {
	var set model.OpportunitySet
	if !c.load(ctx, productKey(productID), &set) {
		return model.OpportunitySet{}, false
	}
	return set.Live(c.now()), true
}

func (c *OpportunityCache) Set(ctx context.Context, set model.OpportunitySet, ttl time.Duration) error {
	return c.store(ctx, productKey(set.ProductID), set, c.effectiveTTL(ttl, set.Opportunities))
}

func (c *OpportunityCache) Invalidate(ctx context.Context, productID string) error {
	return c.backend.Delete(ctx, productKey(productID))
}

func (c *OpportunityCache) GetCatalog(ctx context.Context) ([]model.Opportunity, bool) {
	var opps []model.Opportunity
	if !c.load(ctx, CatalogKey, &opps) {
		return nil, false
	}
	now := c.now()
	live := make([]model.Opportunity, 0, len(opps))
	for _, o := range opps {
		if !o.Expired(now) {
			live = append(live, o)
		}
	}
	return live, true
}

func (c *OpportunityCache) SetCatalog(ctx context.Context, opps []model.Opportunity, ttl time.Duration) error {
	return c.store(ctx, CatalogKey, opps, c.effectiveTTL(ttl, opps))
}

func (c *OpportunityCache) effectiveTTL(ttl time.Duration, opps []model.Opportunity) time.Duration {
	earliest := model.EarliestExpiry(opps)
	if earliest.IsZero() {
		return ttl
	}
	return min(ttl, earliest.Sub(c.now()))
}

func (c *OpportunityCache) load(ctx context.Context, key string, dst any) bool {
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("corrupt cache entry dropped")
		_ = c.backend.Delete(ctx, key)
		return false
	}
	return true
}

func (c *OpportunityCache) store(ctx context.Context, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return c.backend.Delete(ctx, key)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.backend.Set(ctx, key, b, ttl)
}

var _ port.OpportunityCache = (*OpportunityCache)(nil)
