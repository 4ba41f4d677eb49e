package predictor

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

// Synthetic 本地合成的价格预测：源价 × 市场倍数区间内随机值
type Synthetic struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSynthetic(seed uint64) *Synthetic {
	return &Synthetic{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *Synthetic) Predict(ctx context.Context, productID string, mc port.MarketContext) (model.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return model.Prediction{}, err
	}
	if mc.SourcePrice <= 0 {
		return model.Prediction{}, errors.New("source price must be positive")
	}
	r := mc.Profile.PriceMultiplierRange
	if r.Max < r.Min {
		r.Min, r.Max = r.Max, r.Min
	}

	s.mu.Lock()
	mult := r.Min + s.rng.Float64()*(r.Max-r.Min)
	s.mu.Unlock()

	return model.Prediction{
		Value:      mc.SourcePrice * mult,
		Confidence: mc.Profile.ConfidenceFactor,
	}, nil
}

// SignalRanges 合成信号的取值区间
type SignalRanges struct {
	Demand     model.PriceRange
	Supply     model.PriceRange
	Volatility model.PriceRange
}

func DefaultSignalRanges() SignalRanges {
	return SignalRanges{
		Demand:     model.PriceRange{Min: 0.4, Max: 1.0},
		Supply:     model.PriceRange{Min: 0.3, Max: 0.9},
		Volatility: model.PriceRange{Min: 0.1, Max: 0.4},
	}
}

// SyntheticSignals 合成的市场信号源
type SyntheticSignals struct {
	mu     sync.Mutex
	rng    *rand.Rand
	ranges SignalRanges
}

func NewSyntheticSignals(seed uint64, ranges SignalRanges) *SyntheticSignals {
	return &SyntheticSignals{
		rng:    rand.New(rand.NewPCG(seed, seed^0xbf58476d1ce4e5b9)),
		ranges: ranges,
	}
}

func (s *SyntheticSignals) MarketSignal(ctx context.Context, productID, marketID string) (model.Signal, error) {
	if err := ctx.Err(); err != nil {
		return model.Signal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Signal{
		Demand:     s.draw(s.ranges.Demand),
		Supply:     s.draw(s.ranges.Supply),
		Volatility: s.draw(s.ranges.Volatility),
	}, nil
}

func (s *SyntheticSignals) draw(r model.PriceRange) float64 {
	return r.Min + s.rng.Float64()*(r.Max-r.Min)
}

var (
	_ port.PricePredictor     = (*Synthetic)(nil)
	_ port.MarketSignalSource = (*SyntheticSignals)(nil)
)
