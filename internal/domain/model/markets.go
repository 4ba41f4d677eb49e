package model

import "sort"

// DefaultSourceMarket 默认采购市场（出口国）
const DefaultSourceMarket = "IN"

// FallbackProfile 未知市场使用的默认成本参数
var FallbackProfile = MarketProfile{
	TransportCostBase:    1000,
	DutyRate:             0.08,
	PriceMultiplierRange: PriceRange{Min: 1.35, Max: 1.65},
	ConfidenceFactor:     0.85,
	RiskBase:             0.30,
}

// DefaultMarkets returns the built-in destination market table.
func DefaultMarkets() []MarketProfile {
	return []MarketProfile{
		{ID: "US", TransportCostBase: 800, DutyRate: 0.05, PriceMultiplierRange: PriceRange{1.62, 1.98}, ConfidenceFactor: 1.0, RiskBase: 0.20},
		{ID: "EU", TransportCostBase: 600, DutyRate: 0.08, PriceMultiplierRange: PriceRange{1.44, 1.76}, ConfidenceFactor: 0.95, RiskBase: 0.25},
		{ID: "UK", TransportCostBase: 700, DutyRate: 0.06, PriceMultiplierRange: PriceRange{1.53, 1.87}, ConfidenceFactor: 0.90, RiskBase: 0.30},
		{ID: "Canada", TransportCostBase: 900, DutyRate: 0.07, PriceMultiplierRange: PriceRange{1.71, 2.09}, ConfidenceFactor: 0.85, RiskBase: 0.35},
		{ID: "Australia", TransportCostBase: 1200, DutyRate: 0.10, PriceMultiplierRange: PriceRange{1.89, 2.31}, ConfidenceFactor: 0.80, RiskBase: 0.40},
		{ID: "Japan", TransportCostBase: 1000, DutyRate: 0.04, PriceMultiplierRange: PriceRange{1.35, 1.65}, ConfidenceFactor: 0.90, RiskBase: 0.25},
	}
}

// MarketTable 只读市场表，按 ID 查找，未知 ID 回落到 FallbackProfile
type MarketTable struct {
	byID  map[string]MarketProfile
	order []string
}

func NewMarketTable(profiles []MarketProfile) *MarketTable {
	t := &MarketTable{byID: make(map[string]MarketProfile, len(profiles))}
	for _, p := range profiles {
		if p.ID == "" {
			continue
		}
		if _, dup := t.byID[p.ID]; !dup {
			t.order = append(t.order, p.ID)
		}
		t.byID[p.ID] = p
	}
	return t
}

// Profile returns the profile for id and whether it was known.
func (t *MarketTable) Profile(id string) (MarketProfile, bool) {
	if p, ok := t.byID[id]; ok {
		return p, true
	}
	p := FallbackProfile
	p.ID = id
	return p, false
}

// Destinations returns all known profiles in configuration order.
func (t *MarketTable) Destinations() []MarketProfile {
	out := make([]MarketProfile, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// Select resolves ids against the table; unknown ids get the fallback
// profile. Duplicates are dropped and the result is sorted by id.
func (t *MarketTable) Select(ids []string) []MarketProfile {
	seen := make(map[string]struct{}, len(ids))
	out := make([]MarketProfile, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		p, _ := t.Profile(id)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
