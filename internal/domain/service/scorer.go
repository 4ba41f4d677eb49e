package service

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"arbengine/internal/application/apperr"
	"arbengine/internal/domain/model"
)

// ScorerConfig 评分参数，全部可通过配置调整
type ScorerConfig struct {
	MarginFloor     float64 // 准入最低利润率
	TopN            int     // 每个商品保留的机会数
	DefaultQuantity int     // 未指定数量时的下单数量

	ConfidenceBase  float64
	ConfidenceSlope float64
	ConfidenceCap   float64

	BaseRisk      float64
	MinMarginRisk float64 // margin 风险项下限
	RiskPivot     float64 // margin 风险项 = max(MinMarginRisk, RiskPivot - margin)

	WeightMargin  float64
	WeightDemand  float64
	WeightSafety  float64 // 作用于 (1 - risk)
	DefaultDemand float64

	HighSensitivityMargin   float64
	MediumSensitivityMargin float64

	// 按 AboveMargin 从高到低匹配，都不满足时用 BaseQuantity
	QuantityTiers []QuantityTier
	BaseQuantity  model.QuantityBand

	ExpiryMin time.Duration
	ExpiryMax time.Duration
}

// QuantityTier margin 严格大于 AboveMargin 时建议的下单区间
type QuantityTier struct {
	AboveMargin float64
	Band        model.QuantityBand
}

func DefaultQuantityTiers() []QuantityTier {
	return []QuantityTier{
		{AboveMargin: 0.30, Band: model.QuantityBand{Min: 200, Max: 500}},
		{AboveMargin: 0.20, Band: model.QuantityBand{Min: 100, Max: 300}},
		{AboveMargin: 0.15, Band: model.QuantityBand{Min: 50, Max: 200}},
	}
}

func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		MarginFloor:             0.10,
		TopN:                    5,
		DefaultQuantity:         1000,
		ConfidenceBase:          0.7,
		ConfidenceSlope:         2,
		ConfidenceCap:           0.95,
		BaseRisk:                0.3,
		MinMarginRisk:           0.1,
		RiskPivot:               0.5,
		WeightMargin:            0.4,
		WeightDemand:            0.3,
		WeightSafety:            0.3,
		DefaultDemand:           0.5,
		HighSensitivityMargin:   0.25,
		MediumSensitivityMargin: 0.15,
		QuantityTiers:           DefaultQuantityTiers(),
		BaseQuantity:            model.QuantityBand{Min: 25, Max: 100},
		ExpiryMin:               6 * time.Hour,
		ExpiryMax:               48 * time.Hour,
	}
}

// Quote 某市场的预测售价和可选的需求信号
type Quote struct {
	Price     float64
	Demand    float64
	HasDemand bool
}

type ScoreRequest struct {
	ProductID   string
	SourcePrice float64
	Quantity    int
	Source      model.MarketProfile
	Markets     []model.MarketProfile
	Quotes      map[string]Quote // market id -> quote
}

// MarketSkip 某个市场未产出机会的原因
type MarketSkip struct {
	MarketID    string
	Reason      string
	Computation bool  // 数值异常，而不是正常的准入过滤
	Err         error // Computation 时为 *apperr.Error
}

type ScoreResult struct {
	Set     model.OpportunitySet
	Skipped []MarketSkip
}

type Scorer struct {
	cfg    ScorerConfig
	costs  *CostModel
	jitter JitterFunc
	now    func() time.Time
}

type ScorerOption func(*Scorer)

func WithClock(now func() time.Time) ScorerOption {
	return func(s *Scorer) { s.now = now }
}

func WithJitter(j JitterFunc) ScorerOption {
	return func(s *Scorer) { s.jitter = j }
}

func NewScorer(cfg ScorerConfig, costs *CostModel, opts ...ScorerOption) *Scorer {
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	if cfg.DefaultQuantity <= 0 {
		cfg.DefaultQuantity = 1000
	}
	tiers := append([]QuantityTier(nil), cfg.QuantityTiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].AboveMargin > tiers[j].AboveMargin })
	cfg.QuantityTiers = tiers
	s := &Scorer{
		cfg:    cfg,
		costs:  costs,
		jitter: HashJitter,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scorer) Config() ScorerConfig { return s.cfg }

// Score ranks every market with a quote and returns the admitted top-N.
func (s *Scorer) Score(req ScoreRequest) ScoreResult {
	now := s.now()
	qty := req.Quantity
	if qty <= 0 {
		qty = s.cfg.DefaultQuantity
	}

	res := ScoreResult{Set: model.OpportunitySet{ProductID: req.ProductID, ComputedAt: now}}
	opps := make([]model.Opportunity, 0, len(req.Markets))

	for _, m := range req.Markets {
		q, ok := req.Quotes[m.ID]
		if !ok {
			res.Skipped = append(res.Skipped, MarketSkip{MarketID: m.ID, Reason: "no price prediction"})
			continue
		}
		opp, reason, err := s.scoreMarket(req, m, q, qty, now)
		if err != nil {
			res.Skipped = append(res.Skipped, MarketSkip{MarketID: m.ID, Reason: err.Error(), Computation: true, Err: err})
			continue
		}
		if reason != "" {
			res.Skipped = append(res.Skipped, MarketSkip{MarketID: m.ID, Reason: reason})
			continue
		}
		opps = append(opps, opp)
	}

	SortOpportunities(opps)
	if len(opps) > s.cfg.TopN {
		opps = opps[:s.cfg.TopN]
	}
	res.Set.Opportunities = opps
	return res
}

// scoreMarket returns either an opportunity, a filter reason, or an error for
// non-finite intermediate values.
func (s *Scorer) scoreMarket(req ScoreRequest, m model.MarketProfile, q Quote, qty int, now time.Time) (model.Opportunity, string, error) {
	op := "score " + req.ProductID + "/" + m.ID
	if !finite(q.Price) || q.Price <= 0 {
		return model.Opportunity{}, "", apperr.ComputationError(op, fmt.Sprintf("invalid predicted price %v", q.Price))
	}

	cb := s.costs.LandedCost(req.Source, m, qty, req.SourcePrice, q.Price)
	profit := q.Price - cb.TotalCost
	margin := 0.0
	if cb.TotalCost > 0 {
		margin = profit / cb.TotalCost
	}
	if !finite(profit) || !finite(margin) {
		return model.Opportunity{}, "", apperr.ComputationError(op, fmt.Sprintf("non-finite profit %v / margin %v", profit, margin))
	}

	// 硬准入过滤，按写入记录的舍入值比较
	netProfit := roundMoney(profit)
	storedMargin := roundRatio(margin)
	if netProfit <= 0 {
		return model.Opportunity{}, fmt.Sprintf("unprofitable (profit %.2f)", profit), nil
	}
	if storedMargin < s.cfg.MarginFloor {
		return model.Opportunity{}, fmt.Sprintf("margin %.4f below floor %.4f", margin, s.cfg.MarginFloor), nil
	}

	demand := s.cfg.DefaultDemand
	if q.HasDemand && finite(q.Demand) {
		demand = clamp(q.Demand, 0, 1)
	}

	confidence := s.confidence(margin, m)
	risk := s.risk(margin, m)
	score := s.cfg.WeightMargin*margin + s.cfg.WeightDemand*demand + s.cfg.WeightSafety*(1-risk)
	if !finite(confidence) || !finite(risk) || !finite(score) {
		return model.Opportunity{}, "", apperr.ComputationError(op, "non-finite score components")
	}

	return model.Opportunity{
		ProductID:         req.ProductID,
		MarketID:          m.ID,
		BuyPrice:          roundMoney(cb.UnitPrice),
		SellPrice:         roundMoney(q.Price),
		TransportCost:     roundMoney(cb.TransportCost),
		DutyCost:          roundMoney(cb.DutyCost),
		DocumentationCost: roundMoney(cb.DocumentationCost),
		TotalCost:         roundMoney(cb.TotalCost),
		NetProfit:         netProfit,
		ProfitMargin:      storedMargin,
		Confidence:        confidence,
		RiskScore:         risk,
		Score:             score,
		DemandProxy:       demand,
		OptimalQuantity:   s.QuantityBand(margin),
		TimeSensitivity:   s.timeSensitivity(margin),
		ExpiresAt:         now.Add(s.jitter(req.ProductID, m.ID, s.cfg.ExpiryMin, s.cfg.ExpiryMax)),
	}, "", nil
}

// confidence = min(base + slope*margin, cap) * market factor, within [0, cap]
func (s *Scorer) confidence(margin float64, m model.MarketProfile) float64 {
	c := math.Min(s.cfg.ConfidenceBase+margin*s.cfg.ConfidenceSlope, s.cfg.ConfidenceCap)
	return clamp(c*clamp(m.ConfidenceFactor, 0, 1), 0, s.cfg.ConfidenceCap)
}

// risk = min(base + market base + max(min, pivot - margin), 1), within [0, 1]
func (s *Scorer) risk(margin float64, m model.MarketProfile) float64 {
	marginRisk := math.Max(s.cfg.MinMarginRisk, s.cfg.RiskPivot-margin)
	return clamp(s.cfg.BaseRisk+m.RiskBase+marginRisk, 0, 1)
}

func (s *Scorer) timeSensitivity(margin float64) model.TimeSensitivity {
	switch {
	case margin > s.cfg.HighSensitivityMargin:
		return model.SensitivityHigh
	case margin > s.cfg.MediumSensitivityMargin:
		return model.SensitivityMedium
	default:
		return model.SensitivityLow
	}
}

// QuantityBand maps a margin to the suggested lot size of the first tier it exceeds.
func (s *Scorer) QuantityBand(margin float64) model.QuantityBand {
	for _, t := range s.cfg.QuantityTiers {
		if margin > t.AboveMargin {
			return t.Band
		}
	}
	return s.cfg.BaseQuantity
}

// SortOpportunities orders by margin desc, then score desc, then market id.
func SortOpportunities(opps []model.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		a, b := opps[i], opps[j]
		if a.ProfitMargin != b.ProfitMargin {
			return a.ProfitMargin > b.ProfitMargin
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.ProductID < b.ProductID
	})
}

func roundMoney(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func roundRatio(v float64) float64 {
	return decimal.NewFromFloat(v).Round(4).InexactFloat64()
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(v, hi))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
