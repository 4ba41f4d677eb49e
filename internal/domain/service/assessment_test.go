package service

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbengine/internal/application/apperr"
	"arbengine/internal/domain/model"
)

func newTestAssessor() *Assessor {
	return NewAssessor(DefaultAssessmentConfig(), NewCostModel(DefaultCostConfig()))
}

func TestAssessRiskLevels(t *testing.T) {
	a := newTestAssessor()
	risks := func(vs ...float64) []model.Opportunity {
		out := make([]model.Opportunity, 0, len(vs))
		for _, v := range vs {
			out = append(out, model.Opportunity{RiskScore: v})
		}
		return out
	}

	tests := []struct {
		name  string
		opps  []model.Opportunity
		level model.RiskLevel
		score float64
	}{
		{"empty", nil, model.RiskLow, 0.2},
		{"low", risks(0.1, 0.3), model.RiskLow, 0.2},
		{"medium at low boundary", risks(0.3), model.RiskMedium, 0.3},
		{"medium", risks(0.4, 0.6), model.RiskMedium, 0.5},
		{"high", risks(0.6, 0.9), model.RiskHigh, 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.AssessRisk(tt.opps)
			assert.Equal(t, tt.level, got.Level)
			assert.InDelta(t, tt.score, got.Score, 1e-9)
		})
	}
}

func TestAssessOrderSumsLines(t *testing.T) {
	a := newTestAssessor()
	src := model.MarketProfile{ID: "IN"}

	res, err := a.AssessOrder("o1", usMarket, []OrderLine{
		{ProductID: "a", Quantity: 10, UnitPrice: 100, BuyPrice: 50, Source: src},
		{ProductID: "b", Quantity: 20, UnitPrice: 200, BuyPrice: 80, Source: src},
	})

	require.NoError(t, err)
	require.Len(t, res.Lines, 2)
	assert.Equal(t, 5000.0, res.TotalValue)
	assert.Equal(t, 400.0, res.Costs.DocumentationCost)
	assert.InDelta(t, res.Lines[0].Costs.TotalCost+res.Lines[1].Costs.TotalCost, res.Costs.TotalCost, 0.02)
	assert.InDelta(t, res.TotalValue-res.Costs.TotalCost, res.Profit, 0.02)
	assert.Equal(t, 0.8, res.Confidence)
}

func TestAssessOrderSameMarketSkipsFreight(t *testing.T) {
	a := newTestAssessor()

	res, err := a.AssessOrder("o2", usMarket, []OrderLine{
		{ProductID: "a", Quantity: 1, UnitPrice: 1000, BuyPrice: 500, Source: usMarket},
	})

	require.NoError(t, err)
	assert.Zero(t, res.Costs.TransportCost)
	assert.Zero(t, res.Costs.DutyCost)
	assert.Equal(t, 300.0, res.Profit)
}

func TestAssessOrderNonFiniteIsComputationError(t *testing.T) {
	a := newTestAssessor()

	_, err := a.AssessOrder("o3", usMarket, []OrderLine{
		{ProductID: "a", Quantity: 1, UnitPrice: math.Inf(1), BuyPrice: 1},
	})

	assert.ErrorIs(t, err, apperr.Computation)
}
