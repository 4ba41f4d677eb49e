package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"arbengine/internal/application/apperr"
	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
	domainservice "arbengine/internal/domain/service"
)

// 没有机会时参与置信度取 max 的下限
const predictionConfidenceFloor = 0.5

// PredictRequest 价格预测，默认附带套利机会
type PredictRequest struct {
	ProductID        string   `json:"product_id" validate:"required,max=128"`
	Markets          []string `json:"markets,omitempty" validate:"omitempty,max=50,dive,required,max=64"`
	IncludeArbitrage *bool    `json:"include_arbitrage,omitempty"`
}

func (r PredictRequest) withArbitrage() bool {
	return r.IncludeArbitrage == nil || *r.IncludeArbitrage
}

// BatchRequest 多商品市场分析
type BatchRequest struct {
	ProductIDs []string `json:"product_ids" validate:"required,min=1,max=100,dive,required,max=128"`
	Markets    []string `json:"markets,omitempty" validate:"omitempty,max=50,dive,required,max=64"`
	Quantity   int      `json:"quantity,omitempty" validate:"gte=0,lte=10000000"`
}

// BatchResult 合并排序后的机会和整体风险评估
type BatchResult struct {
	Products         []model.OpportunitySet `json:"products"`
	Opportunities    []model.Opportunity    `json:"opportunities"`
	Failed           map[string]string      `json:"failed,omitempty"`
	Risk             model.RiskAssessment   `json:"risk_assessment"`
	ProductsAnalyzed int                    `json:"products_analyzed"`
	MarketsAnalyzed  int                    `json:"markets_analyzed"`
	GeneratedAt      time.Time              `json:"generated_at"`
}

type OrderItem struct {
	ProductID string  `json:"product_id" validate:"required,max=128"`
	Quantity  int     `json:"quantity" validate:"gt=0,lte=10000000"`
	UnitPrice float64 `json:"unit_price" validate:"gt=0"`
}

// OrderRequest 整单利润分析，所有行运往同一目标市场
type OrderRequest struct {
	OrderID string      `json:"order_id,omitempty" validate:"omitempty,max=128"`
	Market  string      `json:"target_market" validate:"required,max=64"`
	Items   []OrderItem `json:"items" validate:"required,min=1,max=100,dive"`
}

// Predict returns the raw per-market price predictions for productID,
// optionally with the arbitrage opportunities they imply. Every prediction
// is persisted and announced as a prediction_update. A default-market run
// with arbitrage also refreshes the cached set like Recompute does.
func (o *Orchestrator) Predict(ctx context.Context, req PredictRequest) (model.PredictionRecord, error) {
	const op = "Predict"
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return model.PredictionRecord{}, apperr.InputError(op, "product id is required")
	}

	product, err := o.lookupProduct(ctx, req.ProductID)
	if err != nil {
		return model.PredictionRecord{}, err
	}
	markets := o.deps.Markets.Destinations()
	if len(req.Markets) > 0 {
		markets = o.deps.Markets.Select(req.Markets)
	}

	set, preds, err := o.evaluate(ctx, product, product.BasePrice, markets, 0)
	if err != nil {
		return model.PredictionRecord{}, err
	}

	rec := model.PredictionRecord{
		ProductID:   product.ID,
		Predictions: preds,
		GeneratedAt: o.deps.Now().UTC(),
	}
	if req.withArbitrage() {
		rec.Opportunities = set.Opportunities
	}
	rec.Confidence = predictionConfidence(preds, rec.Opportunities)

	if req.withArbitrage() && len(req.Markets) == 0 {
		o.store(ctx, set)
	}
	o.storePrediction(ctx, rec)
	return rec, nil
}

// predictionConfidence 预测均值置信度，受最佳机会置信度约束
func predictionConfidence(preds []model.MarketPrediction, opps []model.Opportunity) float64 {
	if len(preds) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range preds {
		sum += p.Confidence
	}
	best := predictionConfidenceFloor
	for _, o := range opps {
		best = math.Max(best, o.Confidence)
	}
	return math.Min(sum/float64(len(preds)), best)
}

func (o *Orchestrator) storePrediction(ctx context.Context, rec model.PredictionRecord) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
	defer cancel()

	if o.deps.Predictions != nil {
		if err := o.deps.Predictions.StorePrediction(wctx, rec); err != nil {
			log.Warn().Err(err).Str("product", rec.ProductID).Msg("prediction write failed")
		}
	}
	if o.deps.Publisher != nil {
		o.deps.Publisher.BroadcastTopic(rec.ProductID, port.Envelope{
			Type:      port.MsgPredictionUpdate,
			Data:      rec,
			Timestamp: rec.GeneratedAt,
		})
	}
}

// AnalyzeBatch runs Analyze for every product and merges the results into
// one ranking with an overall risk level. Products that fail are reported
// per id; the call fails only when all of them do.
func (o *Orchestrator) AnalyzeBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	const op = "AnalyzeBatch"
	ids := make([]string, 0, len(req.ProductIDs))
	seen := make(map[string]struct{}, len(req.ProductIDs))
	for _, id := range req.ProductIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return BatchResult{}, apperr.InputError(op, "at least one product id is required")
	}
	if req.Quantity < 0 {
		return BatchResult{}, apperr.InputError(op, "quantity must not be negative")
	}

	res := BatchResult{Failed: make(map[string]string)}
	var firstErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return BatchResult{}, apperr.UnavailableError(op, err)
		}
		set, err := o.Analyze(ctx, AnalyzeRequest{ProductID: id, Markets: req.Markets, Quantity: req.Quantity})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			res.Failed[id] = err.Error()
			log.Warn().Err(err).Str("product", id).Msg("market analysis: product skipped")
			continue
		}
		res.Products = append(res.Products, set)
		res.Opportunities = append(res.Opportunities, set.Opportunities...)
	}
	if len(res.Products) == 0 {
		return BatchResult{}, firstErr
	}

	domainservice.SortOpportunities(res.Opportunities)
	res.Risk = o.deps.Assessor.AssessRisk(res.Opportunities)
	res.ProductsAnalyzed = len(res.Products)
	res.MarketsAnalyzed = len(o.deps.Markets.Destinations())
	if len(req.Markets) > 0 {
		res.MarketsAnalyzed = len(o.deps.Markets.Select(req.Markets))
	}
	res.GeneratedAt = o.deps.Now().UTC()
	return res, nil
}

// AnalyzeOrder prices a whole order into one target market. Each line buys
// at the product's catalog price from its source market.
func (o *Orchestrator) AnalyzeOrder(ctx context.Context, req OrderRequest) (model.OrderAnalysis, error) {
	const op = "AnalyzeOrder"
	req.Market = strings.TrimSpace(req.Market)
	switch {
	case req.Market == "":
		return model.OrderAnalysis{}, apperr.InputError(op, "target market is required")
	case len(req.Items) == 0:
		return model.OrderAnalysis{}, apperr.InputError(op, "order has no items")
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}

	lines := make([]domainservice.OrderLine, 0, len(req.Items))
	for _, it := range req.Items {
		id := strings.TrimSpace(it.ProductID)
		switch {
		case id == "":
			return model.OrderAnalysis{}, apperr.InputError(op, "item product id is required")
		case it.Quantity <= 0:
			return model.OrderAnalysis{}, apperr.InputError(op, "item quantity must be positive")
		case it.UnitPrice <= 0 || math.IsNaN(it.UnitPrice) || math.IsInf(it.UnitPrice, 0):
			return model.OrderAnalysis{}, apperr.InputError(op, "item unit price must be a positive number")
		}
		product, err := o.lookupProduct(ctx, id)
		if err != nil {
			return model.OrderAnalysis{}, err
		}
		srcID := product.SourceMarket
		if srcID == "" {
			srcID = o.cfg.SourceMarket
		}
		source, _ := o.deps.Markets.Profile(srcID)
		lines = append(lines, domainservice.OrderLine{
			ProductID: product.ID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			BuyPrice:  product.BasePrice,
			Source:    source,
		})
	}

	dest, _ := o.deps.Markets.Profile(req.Market)
	res, err := o.deps.Assessor.AssessOrder(req.OrderID, dest, lines)
	if err != nil {
		return model.OrderAnalysis{}, err
	}
	res.GeneratedAt = o.deps.Now().UTC()
	return res, nil
}
