package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

type Repo struct {
	db  *sql.DB
	now func() time.Time
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db, now: time.Now}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS products (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  source_market TEXT NOT NULL,
  base_price REAL NOT NULL,
  unit TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS opportunity_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  product_id TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  opportunity_count INTEGER NOT NULL,
  best_margin REAL NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_product_ts ON opportunity_snapshots(product_id, ts_ms);

CREATE TABLE IF NOT EXISTS predictions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  product_id TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  confidence REAL NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_predictions_product_ts ON predictions(product_id, ts_ms);
`)
	return err
}

// UpsertProduct 新增或更新商品（按 id）
func (r *Repo) UpsertProduct(ctx context.Context, p model.ProductRef) error {
	if p.ID == "" {
		return errors.New("product id is empty")
	}
	ts := r.now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products(id, name, source_market, base_price, unit, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		name=excluded.name, source_market=excluded.source_market,
		base_price=excluded.base_price, unit=excluded.unit, updated_at=excluded.updated_at
	`, p.ID, p.Name, p.SourceMarket, p.BasePrice, p.Unit, ts, ts)
	return err
}

func (r *Repo) GetProduct(ctx context.Context, id string) (model.ProductRef, error) {
	var p model.ProductRef
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, source_market, base_price, unit FROM products WHERE id = ?`, id).
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

var _ port.Storage = (*Repo)(nil)
