package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "data", "test.db"))
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteRepoUpsertProduct(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p := model.ProductRef{ID: "saffron", Name: "Saffron", SourceMarket: "IN", BasePrice: 2500, Unit: "kg"}
	if err := repo.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("UpsertProduct failed: %v", err)
	}
	p.BasePrice = 2600
	if err := repo.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("UpsertProduct (update) failed: %v", err)
	}

	got, err := repo.GetProduct(ctx, "saffron")
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if got != p {
		t.Errorf("expected %+v, got %+v", p, got)
	}
}

func TestSQLiteRepoGetProductNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetProduct(context.Background(), "nope")
	if !errors.Is(err, port.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestSQLiteRepoGetAllProducts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"turmeric", "cardamom", "saffron"} {
		if err := repo.UpsertProduct(ctx, model.ProductRef{ID: id, Name: id, SourceMarket: "IN", BasePrice: 100}); err != nil {
			t.Fatalf("UpsertProduct failed: %v", err)
		}
	}

	all, err := repo.GetAllProducts(ctx)
	if err != nil {
		t.Fatalf("GetAllProducts failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "cardamom" || all[2].ID != "turmeric" {
		t.Errorf("unexpected products: %+v", all)
	}
}

func TestSQLiteRepoSnapshots(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, ok, err := repo.LatestSnapshot(ctx, "saffron"); err != nil || ok {
		t.Fatalf("expected no snapshot, got ok=%v err=%v", ok, err)
	}

	for i, margin := range []float64{0.21, 0.35} {
		set := model.OpportunitySet{
			ProductID:     "saffron",
			ComputedAt:    t0.Add(time.Duration(i) * time.Hour),
			Opportunities: []model.Opportunity{{ProductID: "saffron", MarketID: "US", ProfitMargin: margin}},
		}
		snap := model.OpportunitySnapshot{ProductID: "saffron", Set: set, TakenAt: set.ComputedAt}
		if err := repo.StoreOpportunitySnapshot(ctx, snap); err != nil {
			t.Fatalf("StoreOpportunitySnapshot failed: %v", err)
		}
	}

	latest, ok, err := repo.LatestSnapshot(ctx, "saffron")
	if err != nil || !ok {
		t.Fatalf("LatestSnapshot failed: ok=%v err=%v", ok, err)
	}
	if !latest.TakenAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("expected latest snapshot at %v, got %v", t0.Add(time.Hour), latest.TakenAt)
	}
	if got := latest.Set.Opportunities[0].ProfitMargin; got != 0.35 {
		t.Errorf("expected margin 0.35, got %v", got)
	}

	n, err := repo.PruneSnapshots(ctx, t0.Add(30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PruneSnapshots: n=%d err=%v", n, err)
	}
}

func TestSQLiteRepoPredictionsArePruned(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := range 3 {
		rec := model.PredictionRecord{
			ProductID:   "saffron",
			Predictions: []model.MarketPrediction{{MarketID: "US", Value: 5000, Confidence: 0.9}},
			Confidence:  0.9,
			GeneratedAt: t0.Add(time.Duration(i) * time.Hour),
		}
		if err := repo.StorePrediction(ctx, rec); err != nil {
			t.Fatalf("StorePrediction failed: %v", err)
		}
	}
	snap := model.OpportunitySnapshot{ProductID: "saffron", TakenAt: t0}
	if err := repo.StoreOpportunitySnapshot(ctx, snap); err != nil {
		t.Fatalf("StoreOpportunitySnapshot failed: %v", err)
	}

	// 一条快照 + 两条预测早于 t0+90m
	n, err := repo.PruneSnapshots(ctx, t0.Add(90*time.Minute))
	if err != nil || n != 3 {
		t.Fatalf("PruneSnapshots: n=%d err=%v", n, err)
	}

	var left int
	if err := repo.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM predictions`).Scan(&left); err != nil {
		t.Fatalf("count predictions: %v", err)
	}
	if left != 1 {
		t.Errorf("expected 1 prediction left, got %d", left)
	}
}
