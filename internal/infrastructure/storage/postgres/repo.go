package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := NewFromDB(db)
	if err := r.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewFromDB wraps an open handle without running migrations.
func NewFromDB(db *sql.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS products (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  source_market TEXT NOT NULL,
  base_price DOUBLE PRECISION NOT NULL,
  unit TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS opportunity_snapshots (
  id BIGSERIAL PRIMARY KEY,
  product_id TEXT NOT NULL,
  taken_at TIMESTAMPTZ NOT NULL,
  payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_product_taken ON opportunity_snapshots(product_id, taken_at DESC);
CREATE TABLE IF NOT EXISTS predictions (
  id BIGSERIAL PRIMARY KEY,
  product_id TEXT NOT NULL,
  generated_at TIMESTAMPTZ NOT NULL,
  confidence DOUBLE PRECISION NOT NULL,
  payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_predictions_product_generated ON predictions(product_id, generated_at DESC);
`)
	return err
}

func (r *Repo) UpsertProduct(ctx context.Context, p model.ProductRef) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO products(id, name, source_market, base_price, unit, updated_at)
VALUES($1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name, source_market = EXCLUDED.source_market,
  base_price = EXCLUDED.base_price, unit = EXCLUDED.unit, updated_at = now()`,
		p.ID, p.Name, p.SourceMarket, p.BasePrice, p.Unit)
	return err
}

func (r *Repo) GetProduct(ctx context.Context, id string) (model.ProductRef, error) {
	var p model.ProductRef
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, source_market, base_price, unit FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.SourceMarket, &p.BasePrice, &p.Unit)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProductRef{}, fmt.Errorf("%s: %w", id, port.ErrProductNotFound)
	}
	return p, err
}

func (r *Repo) GetAllProducts(ctx context.Context) ([]model.ProductRef, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, source_market, base_price, unit FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProductRef
	for rows.Next() {
		var p model.ProductRef
		if err := rows.Scan(&p.ID, &p.Name, &p.SourceMarket, &p.BasePrice, &p.Unit); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) StoreOpportunitySnapshot(ctx context.Context, snap model.OpportunitySnapshot) error {
	payload, err := json.Marshal(snap.Set)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO opportunity_snapshots(product_id, taken_at, payload) VALUES($1, $2, $3)`,
		snap.ProductID, snap.TakenAt, payload)
	return err
}

func (r *Repo) LatestSnapshot(ctx context.Context, productID string) (model.OpportunitySnapshot, bool, error) {
	var (
		takenAt time.Time
		payload []byte
	)
	err := r.db.QueryRowContext(ctx, `
SELECT taken_at, payload FROM opportunity_snapshots
WHERE product_id = $1 ORDER BY taken_at DESC, id DESC LIMIT 1`, productID).Scan(&takenAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OpportunitySnapshot{}, false, nil
	}
	if err != nil {
		return model.OpportunitySnapshot{}, false, err
	}
	snap := model.OpportunitySnapshot{ProductID: productID, TakenAt: takenAt}
	if err := json.Unmarshal(payload, &snap.Set); err != nil {
		return model.OpportunitySnapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

func (r *Repo) StorePrediction(ctx context.Context, rec model.PredictionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode prediction: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO predictions(product_id, generated_at, confidence, payload) VALUES($1, $2, $3, $4)`,
		rec.ProductID, rec.GeneratedAt, rec.Confidence, payload)
	return err
}

// PruneSnapshots 删除 before 之前的快照和预测，返回删除行数
func (r *Repo) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM opportunity_snapshots WHERE taken_at < $1`,
		`DELETE FROM predictions WHERE generated_at < $1`,
	} {
		res, err := r.db.ExecContext(ctx, q, before)
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

var _ port.Storage = (*Repo)(nil)
