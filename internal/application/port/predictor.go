package port

import (
	"context"

	"arbengine/internal/domain/model"
)

// MarketContext 传给价格预测模型的输入
type MarketContext struct {
	MarketID    string              `json:"market_id"`
	SourcePrice float64             `json:"source_price"`
	Quantity    int                 `json:"quantity"`
	Profile     model.MarketProfile `json:"profile"`
	Signal      model.Signal        `json:"signal"`
}

// PricePredictor 黑盒价格预测模型
type PricePredictor interface {
	Predict(ctx context.Context, productID string, mc MarketContext) (model.Prediction, error)
}

// MarketSignalSource 市场信号源（合成或真实数据）
type MarketSignalSource interface {
	MarketSignal(ctx context.Context, productID, marketID string) (model.Signal, error)
}
