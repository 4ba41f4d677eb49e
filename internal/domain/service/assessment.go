package service

import (
	"fmt"

	"arbengine/internal/application/apperr"
	"arbengine/internal/domain/model"
)

// AssessmentConfig 批量分析和整单利润分析的阈值
type AssessmentConfig struct {
	// 平均风险 < LowRisk 为 low，< HighRisk 为 medium，其余 high
	LowRisk   float64
	HighRisk  float64
	EmptyRisk float64 // 没有任何机会时的风险分

	// 整单风险：货值超过 HighValueOrder / MediumValueOrder 时的风险分，否则 BaseOrderRisk
	HighValueOrder   float64
	MediumValueOrder float64
	HighValueRisk    float64
	MediumValueRisk  float64
	BaseOrderRisk    float64

	// 整单置信度：单品 / 不超过 FewItems 个 / 更多
	SingleItemConfidence float64
	FewItems             int
	FewItemsConfidence   float64
	ManyItemsConfidence  float64

	LargeQuantity int     // 任一商品数量超过即提示
	ComplexItems  int     // 商品种类超过即提示
	HighMargin    float64 // 超过建议扩大订单
	LowMargin     float64 // 低于建议重新议价
}

func DefaultAssessmentConfig() AssessmentConfig {
	return AssessmentConfig{
		LowRisk:              0.3,
		HighRisk:             0.6,
		EmptyRisk:            0.2,
		HighValueOrder:       100000,
		MediumValueOrder:     50000,
		HighValueRisk:        0.7,
		MediumValueRisk:      0.5,
		BaseOrderRisk:        0.3,
		SingleItemConfidence: 0.9,
		FewItems:             3,
		FewItemsConfidence:   0.8,
		ManyItemsConfidence:  0.6,
		LargeQuantity:        1000,
		ComplexItems:         5,
		HighMargin:           0.2,
		LowMargin:            0.1,
	}
}

// OrderLine 一行订单：按 UnitPrice 卖出 Quantity 件，采购价 BuyPrice
type OrderLine struct {
	ProductID string
	Quantity  int
	UnitPrice float64
	BuyPrice  float64
	Source    model.MarketProfile
}

type Assessor struct {
	cfg   AssessmentConfig
	costs *CostModel
}

func NewAssessor(cfg AssessmentConfig, costs *CostModel) *Assessor {
	return &Assessor{cfg: cfg, costs: costs}
}

// AssessRisk averages the risk scores of opps into a level.
func (a *Assessor) AssessRisk(opps []model.Opportunity) model.RiskAssessment {
	if len(opps) == 0 {
		return model.RiskAssessment{Level: model.RiskLow, Score: a.cfg.EmptyRisk}
	}
	sum := 0.0
	for _, o := range opps {
		sum += o.RiskScore
	}
	avg := sum / float64(len(opps))

	level := model.RiskHigh
	switch {
	case avg < a.cfg.LowRisk:
		level = model.RiskLow
	case avg < a.cfg.HighRisk:
		level = model.RiskMedium
	}
	return model.RiskAssessment{Level: level, Score: roundRatio(avg)}
}

// AssessOrder prices every line as one shipment into dest and totals the
// landed costs. Margin is profit over order value.
func (a *Assessor) AssessOrder(orderID string, dest model.MarketProfile, lines []OrderLine) (model.OrderAnalysis, error) {
	res := model.OrderAnalysis{OrderID: orderID, MarketID: dest.ID}
	largeQty := false

	for _, l := range lines {
		value := float64(l.Quantity) * l.UnitPrice
		purchase := float64(l.Quantity) * l.BuyPrice
		// 整行口径：CostBreakdown.UnitPrice 存放整行采购额
		cb := a.costs.LandedCost(l.Source, dest, l.Quantity, purchase, value)
		profit := value - cb.TotalCost
		margin := 0.0
		if value > 0 {
			margin = profit / value
		}
		if !finite(value) || !finite(profit) || !finite(margin) {
			return model.OrderAnalysis{}, apperr.ComputationError("assess order "+orderID,
				fmt.Sprintf("non-finite totals for %s", l.ProductID))
		}
		if l.Quantity > a.cfg.LargeQuantity {
			largeQty = true
		}

		res.Lines = append(res.Lines, model.OrderLineResult{
			ProductID:    l.ProductID,
			Quantity:     l.Quantity,
			UnitPrice:    roundMoney(l.UnitPrice),
			Value:        roundMoney(value),
			Costs:        roundBreakdown(cb),
			Profit:       roundMoney(profit),
			ProfitMargin: roundRatio(margin),
		})
		res.TotalValue += value
		res.Costs.UnitPrice += cb.UnitPrice
		res.Costs.TransportCost += cb.TransportCost
		res.Costs.DutyCost += cb.DutyCost
		res.Costs.DocumentationCost += cb.DocumentationCost
		res.Costs.TotalCost += cb.TotalCost
	}

	profit := res.TotalValue - res.Costs.TotalCost
	margin := 0.0
	if res.TotalValue > 0 {
		margin = profit / res.TotalValue
	}
	res.Profit = roundMoney(profit)
	res.ProfitMargin = roundRatio(margin)

	switch {
	case res.TotalValue > a.cfg.HighValueOrder:
		res.RiskScore = a.cfg.HighValueRisk
		res.RiskFactors = append(res.RiskFactors, "high_value_risk")
	case res.TotalValue > a.cfg.MediumValueOrder:
		res.RiskScore = a.cfg.MediumValueRisk
	default:
		res.RiskScore = a.cfg.BaseOrderRisk
	}
	if len(lines) > a.cfg.ComplexItems {
		res.RiskFactors = append(res.RiskFactors, "complex_order_risk")
	}
	if largeQty {
		res.RiskFactors = append(res.RiskFactors, "large_quantity_risk")
	}
	if len(res.RiskFactors) == 0 {
		res.RiskFactors = []string{"low_risk"}
	}

	switch {
	case len(lines) == 1:
		res.Confidence = a.cfg.SingleItemConfidence
	case len(lines) <= a.cfg.FewItems:
		res.Confidence = a.cfg.FewItemsConfidence
	default:
		res.Confidence = a.cfg.ManyItemsConfidence
	}

	res.Recommendations = []string{}
	switch {
	case margin > a.cfg.HighMargin:
		res.Recommendations = append(res.Recommendations, "High profit margin - consider expanding order")
	case margin < a.cfg.LowMargin:
		res.Recommendations = append(res.Recommendations, "Low profit margin - consider renegotiating prices")
	}
	if res.RiskScore >= a.cfg.HighValueRisk {
		res.Recommendations = append(res.Recommendations, "High risk order - consider insurance coverage")
	}
	if len(lines) > a.cfg.FewItems {
		res.Recommendations = append(res.Recommendations, "Complex order - consider splitting into smaller orders")
	}

	res.TotalValue = roundMoney(res.TotalValue)
	res.Costs = roundBreakdown(res.Costs)
	return res, nil
}

func roundBreakdown(cb model.CostBreakdown) model.CostBreakdown {
	return model.CostBreakdown{
		UnitPrice:         roundMoney(cb.UnitPrice),
		TransportCost:     roundMoney(cb.TransportCost),
		DutyCost:          roundMoney(cb.DutyCost),
		DocumentationCost: roundMoney(cb.DocumentationCost),
		TotalCost:         roundMoney(cb.TotalCost),
	}
}
