package composite

import (
	"context"
	"errors"
	"testing"
	"time"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

type mockStorage struct {
	snaps  []model.OpportunitySnapshot
	preds  []model.PredictionRecord
	pruned []time.Time
	pruneN int64
	err    error
}

func (m *mockStorage) GetAllProducts(ctx context.Context) ([]model.ProductRef, error) {
	return []model.ProductRef{{ID: "saffron"}}, nil
}

func (m *mockStorage) GetProduct(ctx context.Context, id string) (model.ProductRef, error) {
	return model.ProductRef{}, port.ErrProductNotFound
}

func (m *mockStorage) UpsertProduct(ctx context.Context, p model.ProductRef) error { return nil }

func (m *mockStorage) LatestSnapshot(ctx context.Context, productID string) (model.OpportunitySnapshot, bool, error) {
	return model.OpportunitySnapshot{}, false, nil
}

func (m *mockStorage) StoreOpportunitySnapshot(ctx context.Context, snap model.OpportunitySnapshot) error {
	m.snaps = append(m.snaps, snap)
	return m.err
}

func (m *mockStorage) StorePrediction(ctx context.Context, rec model.PredictionRecord) error {
	m.preds = append(m.preds, rec)
	return m.err
}

func (m *mockStorage) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	m.pruned = append(m.pruned, before)
	return m.pruneN, m.err
}

func (m *mockStorage) Close() error { return nil }

// snapshotOnly 只实现 SnapshotWriter 的镜像
type snapshotOnly struct{ n int }

func (s *snapshotOnly) StoreOpportunitySnapshot(ctx context.Context, snap model.OpportunitySnapshot) error {
	s.n++
	return nil
}

func TestCompositeFansOutSnapshots(t *testing.T) {
	primary := &mockStorage{}
	failing := &mockStorage{err: errors.New("redis down")}
	healthy := &mockStorage{}
	repo := New(primary, failing, nil, healthy)

	err := repo.StoreOpportunitySnapshot(context.Background(), model.OpportunitySnapshot{ProductID: "saffron"})
	if err == nil || err.Error() != "redis down" {
		t.Fatalf("expected mirror error, got %v", err)
	}
	if len(primary.snaps) != 1 || len(failing.snaps) != 1 || len(healthy.snaps) != 1 {
		t.Errorf("every writer should see the snapshot: %d %d %d", len(primary.snaps), len(failing.snaps), len(healthy.snaps))
	}
}

func TestCompositeReadsFromPrimary(t *testing.T) {
	repo := New(&mockStorage{})

	all, err := repo.GetAllProducts(context.Background())
	if err != nil || len(all) != 1 {
		t.Fatalf("unexpected result: %v %v", all, err)
	}
	if _, err := repo.GetProduct(context.Background(), "x"); !errors.Is(err, port.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}
}

func TestCompositeFansOutPredictions(t *testing.T) {
	primary := &mockStorage{}
	mirror := &mockStorage{}
	plain := &snapshotOnly{}
	repo := New(primary, plain, mirror)

	if err := repo.StorePrediction(context.Background(), model.PredictionRecord{ProductID: "saffron"}); err != nil {
		t.Fatalf("StorePrediction failed: %v", err)
	}
	if len(primary.preds) != 1 || len(mirror.preds) != 1 {
		t.Errorf("prediction writers should see the record: %d %d", len(primary.preds), len(mirror.preds))
	}
	if plain.n != 0 {
		t.Errorf("snapshot-only mirror should be skipped")
	}
}

func TestCompositePrunesPrimaryAndMirrors(t *testing.T) {
	primary := &mockStorage{pruneN: 7}
	mirror := &mockStorage{pruneN: 3, err: errors.New("mirror locked")}
	repo := New(primary, &snapshotOnly{}, mirror)
	before := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	n, err := repo.PruneSnapshots(context.Background(), before)
	if err == nil || err.Error() != "mirror locked" {
		t.Fatalf("expected mirror error, got %v", err)
	}
	if n != 7 {
		t.Errorf("expected primary count 7, got %d", n)
	}
	if len(primary.pruned) != 1 || len(mirror.pruned) != 1 || !mirror.pruned[0].Equal(before) {
		t.Errorf("both stores should be pruned: %v %v", primary.pruned, mirror.pruned)
	}
}
