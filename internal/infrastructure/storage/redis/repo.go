package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

// Repo 把每次重算的机会集合镜像到 Redis，供下游消费者使用：
// Stream 保留历史，PubSub 推送实时更新。
type Repo struct {
	rdb         *redis.Client
	stream      string
	predictions string
	channel     string
	streamMaxN  int64
}

// UpdateMessage 发布到 PubSub 的消息体
type UpdateMessage struct {
	ProductID string               `json:"product_id"`
	TsMs      int64                `json:"ts_ms"`
	Count     int                  `json:"count"`
	Set       model.OpportunitySet `json:"set"`
}

func New(rdb *redis.Client, prefix, stream, channel string, maxLen int64) *Repo {
	if strings.TrimSpace(stream) == "" {
		stream = prefix + ":opportunities"
	}
	if strings.TrimSpace(channel) == "" {
		channel = prefix + ":opportunities:pub"
	}
	return &Repo{
		rdb:         rdb,
		stream:      stream,
		predictions: prefix + ":predictions",
		channel:     channel,
		streamMaxN:  maxLen,
	}
}

func (r *Repo) Stream() string  { return r.stream }
func (r *Repo) Channel() string { return r.channel }

// PredictionStream 预测记录的 Stream 名
func (r *Repo) PredictionStream() string { return r.predictions }

func (r *Repo) StoreOpportunitySnapshot(ctx context.Context, snap model.OpportunitySnapshot) error {
	payload, err := json.Marshal(snap.Set)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ts := snap.TakenAt.UnixMilli()

	// 1) Stream: XADD <stream> MAXLEN ~ n * product_id ts_ms count payload
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"product_id": snap.ProductID,
			"ts_ms":      ts,
			"count":      len(snap.Set.Opportunities),
			"payload":    string(payload),
		},
	}
	if err := r.xadd(ctx, args); err != nil {
		return err
	}

	// 2) PubSub: PUBLISH <channel> json
	msg, err := json.Marshal(UpdateMessage{
		ProductID: snap.ProductID,
		TsMs:      ts,
		Count:     len(snap.Set.Opportunities),
		Set:       snap.Set,
	})
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel, msg).Err()
}

// StorePrediction XADD <prefix>:predictions，不走 PubSub
func (r *Repo) StorePrediction(ctx context.Context, rec model.PredictionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode prediction: %w", err)
	}
	return r.xadd(ctx, &redis.XAddArgs{
		Stream: r.predictions,
		Values: map[string]any{
			"product_id": rec.ProductID,
			"ts_ms":      rec.GeneratedAt.UnixMilli(),
			"confidence": rec.Confidence,
			"payload":    string(payload),
		},
	})
}

func (r *Repo) xadd(ctx context.Context, args *redis.XAddArgs) error {
	if r.streamMaxN > 0 {
		args.MaxLen = r.streamMaxN
		args.Approx = true
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

var (
	_ port.SnapshotWriter   = (*Repo)(nil)
	_ port.PredictionWriter = (*Repo)(nil)
)
