package port

import (
	"context"
	"time"

	"arbengine/internal/domain/model"
)

// OpportunityCache 机会集合缓存。读失败一律视为未命中。
type OpportunityCache interface {
	Get(ctx context.Context, productID string) (model.OpportunitySet, bool)
	Set(ctx context.Context, set model.OpportunitySet, ttl time.Duration) error
	Invalidate(ctx context.Context, productID string) error

	GetCatalog(ctx context.Context) ([]model.Opportunity, bool)
	SetCatalog(ctx context.Context, opps []model.Opportunity, ttl time.Duration) error
}
