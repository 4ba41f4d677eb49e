package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbengine/internal/domain/model"
)

func TestStoreOpportunitySnapshotMirrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	repo := New(rdb, "arb", "", "", 100)
	assert.Equal(t, "arb:opportunities", repo.Stream())
	assert.Equal(t, "arb:opportunities:pub", repo.Channel())

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, repo.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	takenAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	set := model.OpportunitySet{
		ProductID:     "saffron",
		ComputedAt:    takenAt,
		Opportunities: []model.Opportunity{{ProductID: "saffron", MarketID: "US", ProfitMargin: 0.21}},
	}
	require.NoError(t, repo.StoreOpportunitySnapshot(ctx, model.OpportunitySnapshot{ProductID: "saffron", Set: set, TakenAt: takenAt}))

	entries, err := rdb.XRange(ctx, repo.Stream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "saffron", entries[0].Values["product_id"])
	assert.Equal(t, "1", entries[0].Values["count"])

	select {
	case msg := <-sub.Channel():
		var upd UpdateMessage
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &upd))
		assert.Equal(t, "saffron", upd.ProductID)
		assert.Equal(t, takenAt.UnixMilli(), upd.TsMs)
		assert.Equal(t, "US", upd.Set.Opportunities[0].MarketID)
	case <-time.After(2 * time.Second):
		t.Fatal("no pubsub message received")
	}
}

func TestStoreOpportunitySnapshotRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	repo := New(rdb, "arb", "", "", 0)
	err := repo.StoreOpportunitySnapshot(context.Background(), model.OpportunitySnapshot{ProductID: "x"})
	assert.Error(t, err)
}

func TestStorePredictionAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	repo := New(rdb, "arb", "", "", 100)
	assert.Equal(t, "arb:predictions", repo.PredictionStream())

	ctx := context.Background()
	rec := model.PredictionRecord{
		ProductID:   "saffron",
		Predictions: []model.MarketPrediction{{MarketID: "US", Value: 5000, Confidence: 0.9}},
		Confidence:  0.85,
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.StorePrediction(ctx, rec))

	entries, err := rdb.XRange(ctx, repo.PredictionStream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "saffron", entries[0].Values["product_id"])

	var got model.PredictionRecord
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &got))
	assert.Equal(t, "US", got.Predictions[0].MarketID)
	assert.Equal(t, 0.85, got.Confidence)

	// 快照 Stream 不受影响
	n, err := rdb.XLen(ctx, repo.Stream()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
