package service

import (
	"math"

	"arbengine/internal/domain/model"
)

// CostConfig 到岸成本参数
type CostConfig struct {
	DocumentationCost       float64 // 每票固定单证费用
	VolumeDiscountMax       float64 // 运费最大折扣比例 (0.20 = 20%)
	VolumeDiscountThreshold int     // 达到最大折扣所需数量
}

func DefaultCostConfig() CostConfig {
	return CostConfig{
		DocumentationCost:       200,
		VolumeDiscountMax:       0.20,
		VolumeDiscountThreshold: 10000,
	}
}

// CostModel 纯函数：不修改状态，不返回错误
type CostModel struct {
	cfg CostConfig
}

func NewCostModel(cfg CostConfig) *CostModel {
	cfg.DocumentationCost = nonNegative(cfg.DocumentationCost)
	cfg.VolumeDiscountMax = math.Min(nonNegative(cfg.VolumeDiscountMax), 0.95)
	if cfg.VolumeDiscountThreshold <= 0 {
		cfg.VolumeDiscountThreshold = 1
	}
	return &CostModel{cfg: cfg}
}

// VolumeDiscount returns the transport discount fraction for quantity:
// linear in quantity, capped at VolumeDiscountMax.
func (m *CostModel) VolumeDiscount(quantity int) float64 {
	if quantity <= 0 {
		return 0
	}
	d := m.cfg.VolumeDiscountMax * float64(quantity) / float64(m.cfg.VolumeDiscountThreshold)
	return math.Min(d, m.cfg.VolumeDiscountMax)
}

// TransportCost 运费 = 基础运费 * (1 - 数量折扣)
func (m *CostModel) TransportCost(dest model.MarketProfile, quantity int) float64 {
	return nonNegative(dest.TransportCostBase) * (1 - m.VolumeDiscount(quantity))
}

// DutyCost 关税按预测售价计
func (m *CostModel) DutyCost(dest model.MarketProfile, sellPrice float64) float64 {
	return nonNegative(sellPrice) * nonNegative(dest.DutyRate)
}

// LandedCost computes the landed cost of delivering one lot into dest.
// A sale inside the source market carries no transport or duty.
func (m *CostModel) LandedCost(source, dest model.MarketProfile, quantity int, unitPrice, sellPrice float64) model.CostBreakdown {
	cb := model.CostBreakdown{
		UnitPrice:         nonNegative(unitPrice),
		DocumentationCost: m.cfg.DocumentationCost,
	}
	if source.ID == "" || source.ID != dest.ID {
		cb.TransportCost = m.TransportCost(dest, quantity)
		cb.DutyCost = m.DutyCost(dest, sellPrice)
	}
	cb.TotalCost = cb.UnitPrice + cb.TransportCost + cb.DutyCost + cb.DocumentationCost
	return cb
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
