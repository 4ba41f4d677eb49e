package composite

import (
	"context"
	"time"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

// Repo 读走主存储；快照、预测和清理同时作用于主存储和支持该操作的镜像，返回第一个错误
type Repo struct {
	port.Storage
	mirrors []port.SnapshotWriter
}

func New(primary port.Storage, mirrors ...port.SnapshotWriter) *Repo {
	// nil mirrors are allowed; filter in constructor for safety
	out := make([]port.SnapshotWriter, 0, len(mirrors))
	for _, m := range mirrors {
		if m != nil {
			out = append(out, m)
		}
	}
	return &Repo{Storage: primary, mirrors: out}
}

func (r *Repo) StoreOpportunitySnapshot(ctx context.Context, snap model.OpportunitySnapshot) error {
	firstErr := r.Storage.StoreOpportunitySnapshot(ctx, snap)
	for _, m := range r.mirrors {
		if err := m.StoreOpportunitySnapshot(ctx, snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) StorePrediction(ctx context.Context, rec model.PredictionRecord) error {
	firstErr := r.Storage.StorePrediction(ctx, rec)
	for _, m := range r.mirrors {
		w, ok := m.(port.PredictionWriter)
		if !ok {
			continue
		}
		if err := w.StorePrediction(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PruneSnapshots 返回主存储删除的行数；镜像只清理，不计数
func (r *Repo) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	n, firstErr := r.Storage.PruneSnapshots(ctx, before)
	for _, m := range r.mirrors {
		p, ok := m.(port.SnapshotPruner)
		if !ok {
			continue
		}
		if _, err := p.PruneSnapshots(ctx, before); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return n, firstErr
}

var _ port.Storage = (*Repo)(nil)
