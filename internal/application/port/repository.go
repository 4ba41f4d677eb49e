package port

import (
	"context"
	"errors"
	"time"

	"arbengine/internal/domain/model"
)

// ErrProductNotFound 商品不存在
var ErrProductNotFound = errors.New("product not found")

// ProductCatalog 商品目录（只读）
type ProductCatalog interface {
	GetAllProducts(ctx context.Context) ([]model.ProductRef, error)
	// GetProduct returns ErrProductNotFound when id is unknown.
	GetProduct(ctx context.Context, id string) (model.ProductRef, error)
}

// SnapshotWriter 持久化每次重算得到的机会集合
type SnapshotWriter interface {
	StoreOpportunitySnapshot(ctx context.Context, snap model.OpportunitySnapshot) error
}

// PredictionWriter 持久化 /predict 的结果
type PredictionWriter interface {
	StorePrediction(ctx context.Context, rec model.PredictionRecord) error
}

// SnapshotPruner 删除 before 之前的快照和预测记录，返回删除行数
type SnapshotPruner interface {
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}

// Storage 主存储：目录 + 快照 + 预测
type Storage interface {
	ProductCatalog
	SnapshotWriter
	PredictionWriter
	SnapshotPruner
	UpsertProduct(ctx context.Context, p model.ProductRef) error
	LatestSnapshot(ctx context.Context, productID string) (model.OpportunitySnapshot, bool, error)

	// Connection management
	Close() error
}
