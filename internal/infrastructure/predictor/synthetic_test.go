package predictor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

func TestSyntheticPredictStaysInMultiplierRange(t *testing.T) {
	s := NewSynthetic(42)
	us := model.DefaultMarkets()[0]
	mc := port.MarketContext{MarketID: us.ID, SourcePrice: 1000, Profile: us}

	for i := 0; i < 500; i++ {
		p, err := s.Predict(context.Background(), "saffron", mc)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p.Value, 1000*us.PriceMultiplierRange.Min)
		assert.LessOrEqual(t, p.Value, 1000*us.PriceMultiplierRange.Max+1e-9)
		assert.Equal(t, us.ConfidenceFactor, p.Confidence)
	}
}

func TestSyntheticPredictIsSeeded(t *testing.T) {
	mc := port.MarketContext{SourcePrice: 1000, Profile: model.DefaultMarkets()[1]}
	a, _ := NewSynthetic(7).Predict(context.Background(), "p", mc)
	b, _ := NewSynthetic(7).Predict(context.Background(), "p", mc)
	assert.Equal(t, a, b)
}

func TestSyntheticPredictRejectsBadInput(t *testing.T) {
	s := NewSynthetic(1)
	_, err := s.Predict(context.Background(), "p", port.MarketContext{SourcePrice: 0})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Predict(ctx, "p", port.MarketContext{SourcePrice: 10})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSyntheticSignalsRanges(t *testing.T) {
	s := NewSyntheticSignals(3, DefaultSignalRanges())
	for i := 0; i < 500; i++ {
		sig, err := s.MarketSignal(context.Background(), "saffron", "US")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, sig.Demand, 0.4)
		assert.LessOrEqual(t, sig.Demand, 1.0)
		assert.GreaterOrEqual(t, sig.Supply, 0.3)
		assert.LessOrEqual(t, sig.Supply, 0.9)
		assert.GreaterOrEqual(t, sig.Volatility, 0.1)
		assert.LessOrEqual(t, sig.Volatility, 0.4)
	}
}
