package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"arbengine/internal/domain/model"
)

// StoreOpportunitySnapshot 追加一条快照；payload 为整个机会集合的 JSON
func (r *Repo) StoreOpportunitySnapshot(ctx context.Context, snap model.OpportunitySnapshot) error {
	payload, err := json.Marshal(snap.Set)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	best := 0.0
	if len(snap.Set.Opportunities) > 0 {
		best = snap.Set.Opportunities[0].ProfitMargin
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO opportunity_snapshots(product_id, ts_ms, opportunity_count, best_margin, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, snap.ProductID, snap.TakenAt.UnixMilli(), len(snap.Set.Opportunities), best, string(payload), r.now().UnixMilli())
	return err
}

// LatestSnapshot 获取某商品最近一次快照
func (r *Repo) LatestSnapshot(ctx context.Context, productID string) (model.OpportunitySnapshot, bool, error) {
	var (
		ts      int64
		payload string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT ts_ms, payload
		FROM opportunity_snapshots
		WHERE product_id = ?
		ORDER BY ts_ms DESC, id DESC
		LIMIT 1
	`, productID).Scan(&ts, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OpportunitySnapshot{}, false, nil
	}
	if err != nil {
		return model.OpportunitySnapshot{}, false, err
	}

	snap := model.OpportunitySnapshot{ProductID: productID, TakenAt: time.UnixMilli(ts).UTC()}
	if err := json.Unmarshal([]byte(payload), &snap.Set); err != nil {
		return model.OpportunitySnapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// StorePrediction 追加一条预测记录
func (r *Repo) StorePrediction(ctx context.Context, rec model.PredictionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode prediction: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO predictions(product_id, ts_ms, confidence, payload, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, rec.ProductID, rec.GeneratedAt.UnixMilli(), rec.Confidence, string(payload), r.now().UnixMilli())
	return err
}

// PruneSnapshots 删除 before 之前的快照和预测，返回删除条数
func (r *Repo) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM opportunity_snapshots WHERE ts_ms < ?`,
		`DELETE FROM predictions WHERE ts_ms < ?`,
	} {
		res, err := r.db.ExecContext(ctx, q, before.UnixMilli())
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
