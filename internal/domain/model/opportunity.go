package model

import "time"

// ========== Market reference data ==========

// PriceRange 价格倍数区间（目标市场售价 / 源市场采购价）
type PriceRange struct {
	Min float64 `json:"min" toml:"min"`
	Max float64 `json:"max" toml:"max"`
}

// MarketProfile 目标市场的静态参数，运行期间不可变
type MarketProfile struct {
	ID                   string     `json:"market_id" toml:"id"`
	TransportCostBase    float64    `json:"transport_cost_base" toml:"transport_cost_base"`
	DutyRate             float64    `json:"duty_rate" toml:"duty_rate"`
	PriceMultiplierRange PriceRange `json:"price_multiplier_range" toml:"price_multiplier_range"`
	ConfidenceFactor     float64    `json:"market_confidence_factor" toml:"confidence_factor"`
	RiskBase             float64    `json:"market_risk_base" toml:"risk_base"`
}

// ========== Catalog ==========

// ProductRef 商品目录中的一条记录（来自存储层）
type ProductRef struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	SourceMarket string  `json:"source_market"`
	BasePrice    float64 `json:"base_price"` // 源市场当前采购单价
	Unit         string  `json:"unit"`
}

// ========== Collaborator outputs ==========

// Prediction 价格预测结果（黑盒模型输出）
type Prediction struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// MarketPrediction 单个市场的预测售价
type MarketPrediction struct {
	MarketID   string  `json:"market_id"`
	Value      float64 `json:"predicted_price"`
	Confidence float64 `json:"confidence"`
}

// PredictionRecord 一次预测请求的结果，持久化并推送给订阅者
type PredictionRecord struct {
	ProductID     string             `json:"product_id"`
	Predictions   []MarketPrediction `json:"predictions"`
	Opportunities []Opportunity      `json:"arbitrage_opportunities"`
	Confidence    float64            `json:"confidence"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// Signal 市场信号（需求/供给/波动率），用作 demand proxy
type Signal struct {
	Demand     float64 `json:"demand"`
	Supply     float64 `json:"supply"`
	Volatility float64 `json:"volatility"`
}

// ========== Scoring output ==========

// CostBreakdown 到岸成本拆分
type CostBreakdown struct {
	UnitPrice         float64 `json:"unit_price"`
	TransportCost     float64 `json:"transport_cost"`
	DutyCost          float64 `json:"duty_cost"`
	DocumentationCost float64 `json:"documentation_cost"`
	TotalCost         float64 `json:"total_cost"`
}

type TimeSensitivity string

const (
	SensitivityLow    TimeSensitivity = "low"
	SensitivityMedium TimeSensitivity = "medium"
	SensitivityHigh   TimeSensitivity = "high"
)

// QuantityBand 建议下单数量区间（单位与商品 Unit 一致）
type QuantityBand struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Opportunity 单个市场的套利机会。创建后不再修改，重算时整体替换。
type Opportunity struct {
	ProductID         string          `json:"product_id"`
	MarketID          string          `json:"market_id"`
	BuyPrice          float64         `json:"buy_price"`
	SellPrice         float64         `json:"sell_price"`
	TransportCost     float64         `json:"transport_cost"`
	DutyCost          float64         `json:"duty_cost"`
	DocumentationCost float64         `json:"documentation_cost"`
	TotalCost         float64         `json:"total_cost"`
	NetProfit         float64         `json:"net_profit"`
	ProfitMargin      float64         `json:"profit_margin"`
	Confidence        float64         `json:"confidence"`  // [0, 0.95]
	RiskScore         float64         `json:"risk_score"`  // [0, 1]
	Score             float64         `json:"opportunity_score"`
	DemandProxy       float64         `json:"demand_proxy"`
	OptimalQuantity   QuantityBand    `json:"optimal_quantity_band"`
	TimeSensitivity   TimeSensitivity `json:"time_sensitivity"`
	ExpiresAt         time.Time       `json:"expires_at"`
}

// Expired reports whether the opportunity must no longer be served at now.
func (o Opportunity) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// OpportunitySet 单个商品的有序机会列表
type OpportunitySet struct {
	ProductID     string        `json:"product_id"`
	Opportunities []Opportunity `json:"opportunities"`
	ComputedAt    time.Time     `json:"computed_at"`
}

// EarliestExpiry returns the earliest ExpiresAt among opps, or the zero time
// when opps is empty.
func EarliestExpiry(opps []Opportunity) time.Time {
	var t time.Time
	for _, o := range opps {
		if t.IsZero() || o.ExpiresAt.Before(t) {
			t = o.ExpiresAt
		}
	}
	return t
}

// Live returns a copy of the set without opportunities expired at now.
func (s OpportunitySet) Live(now time.Time) OpportunitySet {
	out := OpportunitySet{ProductID: s.ProductID, ComputedAt: s.ComputedAt}
	out.Opportunities = make([]Opportunity, 0, len(s.Opportunities))
	for _, o := range s.Opportunities {
		if !o.Expired(now) {
			out.Opportunities = append(out.Opportunities, o)
		}
	}
	return out
}

// OpportunitySnapshot 持久化到存储层的一次计算结果
type OpportunitySnapshot struct {
	ProductID string         `json:"product_id"`
	Set       OpportunitySet `json:"set"`
	TakenAt   time.Time      `json:"taken_at"`
}

// RefreshReport 一轮批量重算的结果
type RefreshReport struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed"` // product id -> reason
	Skipped   []string          `json:"skipped,omitempty"`
}

// AllFailed reports whether the batch had products and none succeeded.
func (r RefreshReport) AllFailed() bool {
	return len(r.Succeeded) == 0 && len(r.Failed) > 0
}

// CacheEntry 缓存条目；InsertedAt+TTL 之前有效
type CacheEntry struct {
	Key        string
	Value      []byte
	InsertedAt time.Time
	TTL        time.Duration
}

// Live reports whether the entry may still be served at now.
func (e CacheEntry) Live(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.InsertedAt) < e.TTL
}
