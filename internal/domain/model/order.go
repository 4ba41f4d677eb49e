package model

import "time"

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskAssessment 一组机会的整体风险
type RiskAssessment struct {
	Level RiskLevel `json:"risk_level"`
	Score float64   `json:"risk_score"`
}

// OrderLineResult 订单中单个商品的价值、到岸成本和利润
type OrderLineResult struct {
	ProductID    string        `json:"product_id"`
	Quantity     int           `json:"quantity"`
	UnitPrice    float64       `json:"unit_price"`
	Value        float64       `json:"value"`
	Costs        CostBreakdown `json:"costs"`
	Profit       float64       `json:"profit"`
	ProfitMargin float64       `json:"profit_margin"` // profit / value
}

// OrderAnalysis 整单利润分析
type OrderAnalysis struct {
	OrderID         string            `json:"order_id"`
	MarketID        string            `json:"market_id"`
	Lines           []OrderLineResult `json:"lines"`
	TotalValue      float64           `json:"total_value"`
	Costs           CostBreakdown     `json:"cost_breakdown"`
	Profit          float64           `json:"predicted_profit"`
	ProfitMargin    float64           `json:"profit_margin"`
	RiskScore       float64           `json:"risk_score"`
	Confidence      float64           `json:"confidence"`
	RiskFactors     []string          `json:"risk_factors"`
	Recommendations []string          `json:"recommendations"`
	GeneratedAt     time.Time         `json:"generated_at"`
}
