package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"arbengine/internal/domain/model"
)

// Market [[markets]] 条目
type Market struct {
	ID                string  `toml:"id"`
	TransportCostBase float64 `toml:"transport_cost_base"`
	DutyRate          float64 `toml:"duty_rate"`
	MultiplierMin     float64 `toml:"multiplier_min"`
	MultiplierMax     float64 `toml:"multiplier_max"`
	ConfidenceFactor  float64 `toml:"confidence_factor"`
	RiskBase          float64 `toml:"risk_base"`
}

// QuantityTier [[scoring.quantity_tiers]] 条目：margin > above_margin 时建议 [min, max]
type QuantityTier struct {
	AboveMargin float64 `toml:"above_margin"`
	Min         int     `toml:"min"`
	Max         int     `toml:"max"`
}

// Product [[products]] 条目，目录为空时写入存储
type Product struct {
	ID           string  `toml:"id"`
	Name         string  `toml:"name"`
	SourceMarket string  `toml:"source_market"`
	BasePrice    float64 `toml:"base_price"`
	Unit         string  `toml:"unit"`
}

type Config struct {
	App struct {
		LogLevel     string `toml:"log_level"`
		SourceMarket string `toml:"source_market"`
	} `toml:"app"`

	Scoring struct {
		MarginFloor     float64 `toml:"margin_floor"`
		TopN            int     `toml:"top_n"`
		DefaultQuantity int     `toml:"default_quantity"`
		DefaultDemand   float64 `toml:"default_demand"`
		WeightMargin    float64 `toml:"weight_margin"`
		WeightDemand    float64 `toml:"weight_demand"`
		WeightSafety    float64 `toml:"weight_safety"`
		ConfidenceCap   float64 `toml:"confidence_cap"`

		ConfidenceBase          float64 `toml:"confidence_base"`
		ConfidenceSlope         float64 `toml:"confidence_slope"`
		BaseRisk                float64 `toml:"base_risk"`
		MinMarginRisk           float64 `toml:"min_margin_risk"`
		RiskPivot               float64 `toml:"risk_pivot"`
		HighSensitivityMargin   float64 `toml:"high_sensitivity_margin"`
		MediumSensitivityMargin float64 `toml:"medium_sensitivity_margin"`

		BaseQuantityMin int            `toml:"base_quantity_min"`
		BaseQuantityMax int            `toml:"base_quantity_max"`
		QuantityTiers   []QuantityTier `toml:"quantity_tiers"`
	} `toml:"scoring"`

	Assessment struct {
		LowRisk              float64 `toml:"low_risk"`
		HighRisk             float64 `toml:"high_risk"`
		EmptyRisk            float64 `toml:"empty_risk"`
		HighValueOrder       float64 `toml:"high_value_order"`
		MediumValueOrder     float64 `toml:"medium_value_order"`
		HighValueRisk        float64 `toml:"high_value_risk"`
		MediumValueRisk      float64 `toml:"medium_value_risk"`
		BaseOrderRisk        float64 `toml:"base_order_risk"`
		SingleItemConfidence float64 `toml:"single_item_confidence"`
		FewItems             int     `toml:"few_items"`
		FewItemsConfidence   float64 `toml:"few_items_confidence"`
		ManyItemsConfidence  float64 `toml:"many_items_confidence"`
		LargeQuantity        int     `toml:"large_quantity"`
		ComplexItems         int     `toml:"complex_items"`
		HighMargin           float64 `toml:"high_margin"`
		LowMargin            float64 `toml:"low_margin"`
	} `toml:"assessment"`

	Cost struct {
		DocumentationCost       float64 `toml:"documentation_cost"`
		VolumeDiscountMax       float64 `toml:"volume_discount_max"`
		VolumeDiscountThreshold int     `toml:"volume_discount_threshold"`
	} `toml:"cost"`

	Expiry struct {
		Min  time.Duration `toml:"min"`
		Max  time.Duration `toml:"max"`
		Mode string        `toml:"mode"` // hash | random
	} `toml:"expiry"`

	Cache struct {
		TTL           time.Duration `toml:"ttl"`
		CatalogTTL    time.Duration `toml:"catalog_ttl"`
		SweepInterval time.Duration `toml:"sweep_interval"`
	} `toml:"cache"`

	Refresh struct {
		Disabled       bool          `toml:"disabled"` // serve 时不启动后台刷新
		Interval       time.Duration `toml:"interval"`
		BackoffInitial time.Duration `toml:"backoff_initial"`
		BackoffMax     time.Duration `toml:"backoff_max"`
		Concurrency    int           `toml:"concurrency"`
		CallTimeout    time.Duration `toml:"call_timeout"`
		ComputeTimeout time.Duration `toml:"compute_timeout"`
		SnapshotKeep   time.Duration `toml:"snapshot_keep"`
	} `toml:"refresh"`

	Predictor struct {
		Mode            string        `toml:"mode"` // synthetic | http
		Seed            uint64        `toml:"seed"`
		BaseURL         string        `toml:"base_url"`
		Timeout         time.Duration `toml:"timeout"`
		RatePerSecond   float64       `toml:"rate_per_second"`
		Burst           int           `toml:"burst"`
		BreakerFailures uint32        `toml:"breaker_failures"`
		BreakerCooldown time.Duration `toml:"breaker_cooldown"`
	} `toml:"predictor"`

	Hub struct {
		QueueSize  int           `toml:"queue_size"`
		WriteWait  time.Duration `toml:"write_wait"`
		PongWait   time.Duration `toml:"pong_wait"`
		PingPeriod time.Duration `toml:"ping_period"`
	} `toml:"hub"`

	HTTP struct {
		Addr            string        `toml:"addr"`
		ReadTimeout     time.Duration `toml:"read_timeout"`
		WriteTimeout    time.Duration `toml:"write_timeout"`
		ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
		CatalogLimit    int           `toml:"catalog_limit"`
	} `toml:"http"`

	Redis struct {
		Enabled  bool   `toml:"enabled"`
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
		Prefix   string `toml:"prefix"`
		Stream   string `toml:"stream"`
		Channel  string `toml:"channel"`
		MaxLen   int64  `toml:"max_len"`
		Mirror   bool   `toml:"mirror"` // 把快照同时写入 stream + channel
	} `toml:"redis"`

	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	Markets  []Market  `toml:"markets"`
	Products []Product `toml:"products"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.SQLite.Enabled = true
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	setStr(&cfg.App.LogLevel, "info")
	setStr(&cfg.App.SourceMarket, model.DefaultSourceMarket)

	setFloat(&cfg.Scoring.MarginFloor, 0.10)
	setInt(&cfg.Scoring.TopN, 5)
	setInt(&cfg.Scoring.DefaultQuantity, 1000)
	setFloat(&cfg.Scoring.DefaultDemand, 0.5)
	if cfg.Scoring.WeightMargin <= 0 && cfg.Scoring.WeightDemand <= 0 && cfg.Scoring.WeightSafety <= 0 {
		cfg.Scoring.WeightMargin, cfg.Scoring.WeightDemand, cfg.Scoring.WeightSafety = 0.4, 0.3, 0.3
	}
	setFloat(&cfg.Scoring.ConfidenceCap, 0.95)
	setFloat(&cfg.Scoring.ConfidenceBase, 0.7)
	setFloat(&cfg.Scoring.ConfidenceSlope, 2)
	setFloat(&cfg.Scoring.BaseRisk, 0.3)
	setFloat(&cfg.Scoring.MinMarginRisk, 0.1)
	setFloat(&cfg.Scoring.RiskPivot, 0.5)
	setFloat(&cfg.Scoring.HighSensitivityMargin, 0.25)
	setFloat(&cfg.Scoring.MediumSensitivityMargin, 0.15)
	setInt(&cfg.Scoring.BaseQuantityMin, 25)
	setInt(&cfg.Scoring.BaseQuantityMax, 100)
	if len(cfg.Scoring.QuantityTiers) == 0 {
		cfg.Scoring.QuantityTiers = []QuantityTier{
			{AboveMargin: 0.30, Min: 200, Max: 500},
			{AboveMargin: 0.20, Min: 100, Max: 300},
			{AboveMargin: 0.15, Min: 50, Max: 200},
		}
	}

	a := &cfg.Assessment
	setFloat(&a.LowRisk, 0.3)
	setFloat(&a.HighRisk, 0.6)
	setFloat(&a.EmptyRisk, 0.2)
	setFloat(&a.HighValueOrder, 100000)
	setFloat(&a.MediumValueOrder, 50000)
	setFloat(&a.HighValueRisk, 0.7)
	setFloat(&a.MediumValueRisk, 0.5)
	setFloat(&a.BaseOrderRisk, 0.3)
	setFloat(&a.SingleItemConfidence, 0.9)
	setInt(&a.FewItems, 3)
	setFloat(&a.FewItemsConfidence, 0.8)
	setFloat(&a.ManyItemsConfidence, 0.6)
	setInt(&a.LargeQuantity, 1000)
	setInt(&a.ComplexItems, 5)
	setFloat(&a.HighMargin, 0.2)
	setFloat(&a.LowMargin, 0.1)

	setFloat(&cfg.Cost.DocumentationCost, 200)
	setFloat(&cfg.Cost.VolumeDiscountMax, 0.20)
	setInt(&cfg.Cost.VolumeDiscountThreshold, 10000)

	setDur(&cfg.Expiry.Min, 6*time.Hour)
	setDur(&cfg.Expiry.Max, 48*time.Hour)
	setStr(&cfg.Expiry.Mode, "hash")

	setDur(&cfg.Cache.TTL, 30*time.Minute)
	setDur(&cfg.Cache.CatalogTTL, 5*time.Minute)
	setDur(&cfg.Cache.SweepInterval, time.Minute)

	setDur(&cfg.Refresh.Interval, 30*time.Minute)
	setDur(&cfg.Refresh.BackoffInitial, 5*time.Minute)
	if cfg.Refresh.BackoffMax <= 0 {
		cfg.Refresh.BackoffMax = min(25*time.Minute, cfg.Refresh.Interval*5/6)
	}
	setInt(&cfg.Refresh.Concurrency, 4)
	setDur(&cfg.Refresh.CallTimeout, 10*time.Second)
	setDur(&cfg.Refresh.ComputeTimeout, 2*time.Minute)
	setDur(&cfg.Refresh.SnapshotKeep, 7*24*time.Hour)

	setStr(&cfg.Predictor.Mode, "synthetic")
	setDur(&cfg.Predictor.Timeout, 10*time.Second)
	setFloat(&cfg.Predictor.RatePerSecond, 20)
	setInt(&cfg.Predictor.Burst, 5)
	if cfg.Predictor.BreakerFailures == 0 {
		cfg.Predictor.BreakerFailures = 5
	}
	setDur(&cfg.Predictor.BreakerCooldown, 30*time.Second)

	setInt(&cfg.Hub.QueueSize, 64)
	setDur(&cfg.Hub.WriteWait, 10*time.Second)
	setDur(&cfg.Hub.PongWait, 60*time.Second)
	if cfg.Hub.PingPeriod <= 0 {
		cfg.Hub.PingPeriod = cfg.Hub.PongWait * 9 / 10
	}

	setStr(&cfg.HTTP.Addr, ":8080")
	setDur(&cfg.HTTP.ReadTimeout, 15*time.Second)
	setDur(&cfg.HTTP.WriteTimeout, 30*time.Second)
	setDur(&cfg.HTTP.ShutdownTimeout, 10*time.Second)
	setInt(&cfg.HTTP.CatalogLimit, 20)

	setStr(&cfg.Redis.Addr, "127.0.0.1:6379")
	setStr(&cfg.Redis.Prefix, "arbengine")

	setStr(&cfg.SQLite.Path, "data/arbengine.db")

	if len(cfg.Markets) == 0 {
		for _, m := range model.DefaultMarkets() {
			cfg.Markets = append(cfg.Markets, Market{
				ID:                m.ID,
				TransportCostBase: m.TransportCostBase,
				DutyRate:          m.DutyRate,
				MultiplierMin:     m.PriceMultiplierRange.Min,
				MultiplierMax:     m.PriceMultiplierRange.Max,
				ConfidenceFactor:  m.ConfidenceFactor,
				RiskBase:          m.RiskBase,
			})
		}
	}
	if len(cfg.Products) == 0 {
		cfg.Products = []Product{
			{ID: "saffron", Name: "Kashmiri Saffron", BasePrice: 2500, Unit: "kg"},
			{ID: "cardamom", Name: "Green Cardamom", BasePrice: 1800, Unit: "kg"},
			{ID: "turmeric", Name: "Organic Turmeric", BasePrice: 150, Unit: "kg"},
		}
	}
	for i := range cfg.Products {
		setStr(&cfg.Products[i].SourceMarket, cfg.App.SourceMarket)
		setStr(&cfg.Products[i].Unit, "kg")
	}
}

func validate(cfg *Config) error {
	cfg.App.LogLevel = strings.ToLower(strings.TrimSpace(cfg.App.LogLevel))

	if cfg.Scoring.MarginFloor <= 0 || cfg.Scoring.MarginFloor >= 1 {
		return errors.New("scoring.margin_floor must be in (0, 1)")
	}
	if cfg.Scoring.TopN < 1 {
		return errors.New("scoring.top_n must be >= 1")
	}
	if cfg.Scoring.ConfidenceCap <= 0 || cfg.Scoring.ConfidenceCap > 1 {
		return errors.New("scoring.confidence_cap must be in (0, 1]")
	}
	if cfg.Scoring.ConfidenceBase > cfg.Scoring.ConfidenceCap {
		return errors.New("scoring.confidence_base must not exceed scoring.confidence_cap")
	}
	if cfg.Scoring.BaseRisk >= 1 || cfg.Scoring.MinMarginRisk >= 1 || cfg.Scoring.RiskPivot >= 1 {
		return errors.New("scoring.base_risk, min_margin_risk and risk_pivot must be below 1")
	}
	if cfg.Scoring.MediumSensitivityMargin >= cfg.Scoring.HighSensitivityMargin {
		return errors.New("scoring.medium_sensitivity_margin must be below scoring.high_sensitivity_margin")
	}
	if cfg.Scoring.BaseQuantityMin > cfg.Scoring.BaseQuantityMax {
		return errors.New("scoring.base_quantity_min > scoring.base_quantity_max")
	}
	tierSeen := map[float64]struct{}{}
	for i, t := range cfg.Scoring.QuantityTiers {
		if t.AboveMargin <= 0 || t.AboveMargin >= 1 {
			return fmt.Errorf("scoring.quantity_tiers[%d]: above_margin must be in (0, 1)", i)
		}
		if t.Min <= 0 || t.Min > t.Max {
			return fmt.Errorf("scoring.quantity_tiers[%d]: need 0 < min <= max", i)
		}
		if _, dup := tierSeen[t.AboveMargin]; dup {
			return fmt.Errorf("scoring.quantity_tiers[%d]: duplicate above_margin %v", i, t.AboveMargin)
		}
		tierSeen[t.AboveMargin] = struct{}{}
	}

	a := cfg.Assessment
	if a.LowRisk >= a.HighRisk {
		return errors.New("assessment.low_risk must be below assessment.high_risk")
	}
	if a.MediumValueOrder >= a.HighValueOrder {
		return errors.New("assessment.medium_value_order must be below assessment.high_value_order")
	}
	if a.LowMargin >= a.HighMargin {
		return errors.New("assessment.low_margin must be below assessment.high_margin")
	}
	for name, v := range map[string]float64{
		"empty_risk": a.EmptyRisk, "high_value_risk": a.HighValueRisk, "medium_value_risk": a.MediumValueRisk,
		"base_order_risk": a.BaseOrderRisk, "single_item_confidence": a.SingleItemConfidence,
		"few_items_confidence": a.FewItemsConfidence, "many_items_confidence": a.ManyItemsConfidence,
	} {
		if v > 1 {
			return fmt.Errorf("assessment.%s must be in (0, 1]", name)
		}
	}

	if cfg.Expiry.Min >= cfg.Expiry.Max {
		return errors.New("expiry.min must be shorter than expiry.max")
	}
	cfg.Expiry.Mode = strings.ToLower(strings.TrimSpace(cfg.Expiry.Mode))
	if cfg.Expiry.Mode != "hash" && cfg.Expiry.Mode != "random" {
		return fmt.Errorf("expiry.mode %q is not one of hash, random", cfg.Expiry.Mode)
	}
	if cfg.Refresh.BackoffMax >= cfg.Refresh.Interval {
		return errors.New("refresh.backoff_max must be shorter than refresh.interval")
	}
	if cfg.Hub.PingPeriod >= cfg.Hub.PongWait {
		return errors.New("hub.ping_period must be shorter than hub.pong_wait")
	}

	switch cfg.Predictor.Mode {
	case "synthetic":
	case "http":
		if strings.TrimSpace(cfg.Predictor.BaseURL) == "" {
			return errors.New("predictor.base_url empty but mode is http")
		}
	default:
		return fmt.Errorf("predictor.mode %q is not one of synthetic, http", cfg.Predictor.Mode)
	}

	if !cfg.SQLite.Enabled && !cfg.Postgres.Enabled {
		return errors.New("no storage enabled: enable sqlite or postgres")
	}
	if cfg.SQLite.Enabled && strings.TrimSpace(cfg.SQLite.Path) == "" {
		return errors.New("sqlite.path empty but enabled")
	}
	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}

	seen := map[string]struct{}{}
	for _, m := range cfg.Markets {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return errors.New("markets: id is empty")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("markets: duplicate id %q", id)
		}
		seen[id] = struct{}{}
		if m.MultiplierMin > m.MultiplierMax {
			return fmt.Errorf("markets.%s: multiplier_min > multiplier_max", id)
		}
	}
	for _, p := range cfg.Products {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("products: id is empty")
		}
		if p.BasePrice <= 0 {
			return fmt.Errorf("products.%s: base_price must be positive", p.ID)
		}
	}
	return nil
}

// MarketProfiles converts the [[markets]] table for the domain layer.
func (c *Config) MarketProfiles() []model.MarketProfile {
	out := make([]model.MarketProfile, 0, len(c.Markets))
	for _, m := range c.Markets {
		out = append(out, model.MarketProfile{
			ID:                   strings.TrimSpace(m.ID),
			TransportCostBase:    m.TransportCostBase,
			DutyRate:             m.DutyRate,
			PriceMultiplierRange: model.PriceRange{Min: m.MultiplierMin, Max: m.MultiplierMax},
			ConfidenceFactor:     m.ConfidenceFactor,
			RiskBase:             m.RiskBase,
		})
	}
	return out
}

// SeedProducts converts the [[products]] table.
func (c *Config) SeedProducts() []model.ProductRef {
	out := make([]model.ProductRef, 0, len(c.Products))
	for _, p := range c.Products {
		out = append(out, model.ProductRef{
			ID:           strings.TrimSpace(p.ID),
			Name:         p.Name,
			SourceMarket: p.SourceMarket,
			BasePrice:    p.BasePrice,
			Unit:         p.Unit,
		})
	}
	return out
}

func setStr(p *string, def string) {
	if strings.TrimSpace(*p) == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p <= 0 {
		*p = def
	}
}

func setFloat(p *float64, def float64) {
	if *p <= 0 {
		*p = def
	}
}

func setDur(p *time.Duration, def time.Duration) {
	if *p <= 0 {
		*p = def
	}
}
