package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"arbengine/internal/application/apperr"
	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
	domainservice "arbengine/internal/domain/service"
)

// OrchestratorConfig 编排参数
type OrchestratorConfig struct {
	SourceMarket   string        // 商品未指定源市场时使用
	CacheTTL       time.Duration // 单商品机会集合的缓存时长
	CatalogTTL     time.Duration // 全目录视图的缓存时长
	CallTimeout    time.Duration // 单次外部调用超时（存储/预测/信号）
	ComputeTimeout time.Duration // 单商品一次完整重算的上限
	Concurrency    int           // 每个商品并发请求的市场数
	CatalogLimit   int           // 全目录视图最多返回的机会数
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		SourceMarket:   model.DefaultSourceMarket,
		CacheTTL:       30 * time.Minute,
		CatalogTTL:     5 * time.Minute,
		CallTimeout:    10 * time.Second,
		ComputeTimeout: 2 * time.Minute,
		Concurrency:    4,
		CatalogLimit:   20,
	}
}

// OrchestratorDeps 外部协作者。Snapshots / Predictions / Signals / Publisher / Recorder 可为 nil。
type OrchestratorDeps struct {
	Catalog     port.ProductCatalog
	Snapshots   port.SnapshotWriter
	Predictions port.PredictionWriter
	Predictor   port.PricePredictor
	Signals     port.MarketSignalSource
	Cache       port.OpportunityCache
	Publisher   port.Publisher
	Recorder    port.Recorder
	Scorer      *domainservice.Scorer
	Assessor    *domainservice.Assessor
	Markets     *model.MarketTable
	Now         func() time.Time
}

// AnalyzeRequest 按需计算，可指定市场、数量和源价
type AnalyzeRequest struct {
	ProductID   string   `json:"product_id" validate:"required,max=128"`
	Markets     []string `json:"markets,omitempty" validate:"omitempty,max=50,dive,required,max=64"`
	Quantity    int      `json:"quantity,omitempty" validate:"gte=0,lte=10000000"`
	SourcePrice float64  `json:"source_price,omitempty" validate:"gte=0"`
}

// Orchestrator 串起 目录 → 预测 → 评分 → 缓存 → 快照 → 推送
type Orchestrator struct {
	cfg   OrchestratorConfig
	deps  OrchestratorDeps
	group singleflight.Group
}

func NewOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps) *Orchestrator {
	def := DefaultOrchestratorConfig()
	if cfg.SourceMarket == "" {
		cfg.SourceMarket = def.SourceMarket
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CatalogTTL <= 0 {
		cfg.CatalogTTL = def.CatalogTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = def.ComputeTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CatalogLimit <= 0 {
		cfg.CatalogLimit = def.CatalogLimit
	}
	if deps.Recorder == nil {
		deps.Recorder = port.NopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Markets == nil {
		deps.Markets = model.NewMarketTable(model.DefaultMarkets())
	}
	if deps.Assessor == nil {
		deps.Assessor = domainservice.NewAssessor(domainservice.DefaultAssessmentConfig(),
			domainservice.NewCostModel(domainservice.DefaultCostConfig()))
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

func (o *Orchestrator) Config() OrchestratorConfig { return o.cfg }

// GetOpportunities returns the cached set for productID, recomputing on a miss.
func (o *Orchestrator) GetOpportunities(ctx context.Context, productID string) (model.OpportunitySet, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return model.OpportunitySet{}, apperr.InputError("GetOpportunities", "product id is required")
	}
	if set, ok := o.deps.Cache.Get(ctx, productID); ok {
		o.deps.Recorder.CacheLookup(true)
		return set, nil
	}
	o.deps.Recorder.CacheLookup(false)
	return o.Recompute(ctx, productID)
}

// Recompute bypasses the cache read, scores productID against every
// destination market and stores the result. Concurrent calls for the same
// product share one computation. The computation is detached from ctx so a
// caller going away never leaves a half-finished write behind.
func (o *Orchestrator) Recompute(ctx context.Context, productID string) (model.OpportunitySet, error) {
	ch := o.group.DoChan(productID, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ComputeTimeout)
		defer cancel()

		product, err := o.lookupProduct(cctx, productID)
		if err != nil {
			return model.OpportunitySet{}, err
		}
		set, err := o.compute(cctx, product, product.BasePrice, o.deps.Markets.Destinations(), 0)
		if err != nil {
			return model.OpportunitySet{}, err
		}
		o.store(cctx, set)
		return set, nil
	})

	select {
	case <-ctx.Done():
		return model.OpportunitySet{}, apperr.UnavailableError("Recompute", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return model.OpportunitySet{}, res.Err
		}
		return res.Val.(model.OpportunitySet), nil
	}
}

// RefreshAll recomputes every product in order and reports per-product
// outcomes. It never fails; once ctx is done the remaining products are
// reported as skipped.
func (o *Orchestrator) RefreshAll(ctx context.Context, productIDs []string) model.RefreshReport {
	report := model.RefreshReport{Failed: make(map[string]string)}

	for i, id := range productIDs {
		if ctx.Err() != nil {
			report.Skipped = append(report.Skipped, productIDs[i:]...)
			break
		}
		// 当前商品总会跑完，取消只在商品之间生效
		_, err := o.Recompute(context.WithoutCancel(ctx), id)
		if err != nil {
			report.Failed[id] = err.Error()
			o.deps.Recorder.ProductRefreshed(false)
			log.Warn().Err(err).Str("product", id).Msg("refresh product failed")
			continue
		}
		report.Succeeded = append(report.Succeeded, id)
		o.deps.Recorder.ProductRefreshed(true)
	}
	return report
}

// Analyze computes opportunities on demand with optional overrides. The
// result is cached only when it matches what GetOpportunities would compute.
func (o *Orchestrator) Analyze(ctx context.Context, req AnalyzeRequest) (model.OpportunitySet, error) {
	const op = "Analyze"
	req.ProductID = strings.TrimSpace(req.ProductID)
	switch {
	case req.ProductID == "":
		return model.OpportunitySet{}, apperr.InputError(op, "product id is required")
	case req.Quantity < 0:
		return model.OpportunitySet{}, apperr.InputError(op, "quantity must not be negative")
	case req.SourcePrice < 0 || math.IsNaN(req.SourcePrice) || math.IsInf(req.SourcePrice, 0):
		return model.OpportunitySet{}, apperr.InputError(op, "source price must be a non-negative number")
	}

	product, err := o.lookupProduct(ctx, req.ProductID)
	if err != nil {
		return model.OpportunitySet{}, err
	}

	markets := o.deps.Markets.Destinations()
	if len(req.Markets) > 0 {
		markets = o.deps.Markets.Select(req.Markets)
	}
	sourcePrice := product.BasePrice
	if req.SourcePrice > 0 {
		sourcePrice = req.SourcePrice
	}

	set, err := o.compute(ctx, product, sourcePrice, markets, req.Quantity)
	if err != nil {
		return model.OpportunitySet{}, err
	}

	defaultQty := req.Quantity == 0 || req.Quantity == o.deps.Scorer.Config().DefaultQuantity
	if len(req.Markets) == 0 && defaultQty && req.SourcePrice == 0 {
		o.store(ctx, set)
	}
	return set, nil
}

// CatalogOpportunities merges the per-product sets of the whole catalog into
// one ranking, cached under the catalog key.
func (o *Orchestrator) CatalogOpportunities(ctx context.Context, limit int) ([]model.Opportunity, error) {
	if limit <= 0 || limit > o.cfg.CatalogLimit {
		limit = o.cfg.CatalogLimit
	}
	if opps, ok := o.deps.Cache.GetCatalog(ctx); ok {
		o.deps.Recorder.CacheLookup(true)
		return truncate(opps, limit), nil
	}
	o.deps.Recorder.CacheLookup(false)

	products, err := o.listProducts(ctx)
	if err != nil {
		return nil, err
	}

	var (
		all    []model.Opportunity
		failed int
	)
	for _, p := range products {
		set, err := o.GetOpportunities(ctx, p.ID)
		if err != nil {
			failed++
			log.Warn().Err(err).Str("product", p.ID).Msg("catalog view: product skipped")
			continue
		}
		all = append(all, set.Opportunities...)
	}
	if len(products) > 0 && failed == len(products) {
		return nil, apperr.UnavailableError("CatalogOpportunities", errors.New("every product failed"))
	}

	domainservice.SortOpportunities(all)
	all = truncate(all, o.cfg.CatalogLimit)
	if err := o.deps.Cache.SetCatalog(ctx, all, o.cfg.CatalogTTL); err != nil {
		log.Warn().Err(err).Msg("catalog cache write failed")
	}
	return truncate(all, limit), nil
}

// ListProducts exposes the catalog to the refresh loop and the CLI.
func (o *Orchestrator) ListProducts(ctx context.Context) ([]model.ProductRef, error) {
	return o.listProducts(ctx)
}

func (o *Orchestrator) listProducts(ctx context.Context) ([]model.ProductRef, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	products, err := o.deps.Catalog.GetAllProducts(cctx)
	if err != nil {
		return nil, apperr.UnavailableError("ListProducts", err)
	}
	return products, nil
}

func (o *Orchestrator) lookupProduct(ctx context.Context, id string) (model.ProductRef, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	p, err := o.deps.Catalog.GetProduct(cctx, id)
	if errors.Is(err, port.ErrProductNotFound) {
		return model.ProductRef{}, apperr.NotFoundError("GetProduct", "unknown product "+id)
	}
	if err != nil {
		return model.ProductRef{}, apperr.UnavailableError("GetProduct", err)
	}
	return p, nil
}

// compute gathers quotes and scores them. Nothing is written here.
func (o *Orchestrator) compute(ctx context.Context, product model.ProductRef, sourcePrice float64, markets []model.MarketProfile, qty int) (model.OpportunitySet, error) {
	set, _, err := o.evaluate(ctx, product, sourcePrice, markets, qty)
	return set, err
}

// evaluate is compute plus the raw per-market predictions, in market order.
// When every predicted market fails on a numeric error the computation error
// is returned instead of an empty set.
func (o *Orchestrator) evaluate(ctx context.Context, product model.ProductRef, sourcePrice float64, markets []model.MarketProfile, qty int) (model.OpportunitySet, []model.MarketPrediction, error) {
	const op = "compute"
	if sourcePrice <= 0 || math.IsNaN(sourcePrice) || math.IsInf(sourcePrice, 0) {
		return model.OpportunitySet{}, nil, apperr.InputError(op, "product "+product.ID+" has no valid source price")
	}
	start := o.deps.Now()
	defer func() { o.deps.Recorder.ComputeDuration(o.deps.Now().Sub(start)) }()

	srcID := product.SourceMarket
	if srcID == "" {
		srcID = o.cfg.SourceMarket
	}
	source, _ := o.deps.Markets.Profile(srcID)
	if qty <= 0 {
		qty = o.deps.Scorer.Config().DefaultQuantity
	}

	quotes, preds := o.gatherQuotes(ctx, product.ID, sourcePrice, qty, markets)
	if err := ctx.Err(); err != nil {
		return model.OpportunitySet{}, nil, apperr.UnavailableError(op, err)
	}
	if len(markets) > 0 && len(quotes) == 0 {
		return model.OpportunitySet{}, nil, apperr.UnavailableError(op, errors.New("price predictor failed for every market"))
	}

	res := o.deps.Scorer.Score(domainservice.ScoreRequest{
		ProductID:   product.ID,
		SourcePrice: sourcePrice,
		Quantity:    qty,
		Source:      source,
		Markets:     markets,
		Quotes:      quotes,
	})
	var computeErrs []error
	for _, sk := range res.Skipped {
		if sk.Computation {
			computeErrs = append(computeErrs, sk.Err)
			log.Warn().Err(sk.Err).Str("product", product.ID).Str("market", sk.MarketID).Msg("market skipped")
			continue
		}
		log.Debug().Str("product", product.ID).Str("market", sk.MarketID).Str("reason", sk.Reason).Msg("market skipped")
	}
	if len(quotes) > 0 && len(computeErrs) == len(quotes) {
		return model.OpportunitySet{}, nil, computeErrs[0]
	}
	log.Info().
		Str("product", product.ID).
		Int("markets", len(markets)).
		Int("opportunities", len(res.Set.Opportunities)).
		Msg("opportunities computed")
	return res.Set, preds, nil
}

func (o *Orchestrator) gatherQuotes(ctx context.Context, productID string, sourcePrice float64, qty int, markets []model.MarketProfile) (map[string]domainservice.Quote, []model.MarketPrediction) {
	var (
		mu     sync.Mutex
		quotes = make(map[string]domainservice.Quote, len(markets))
		raw    = make([]*model.MarketPrediction, len(markets))
		g      errgroup.Group
	)
	g.SetLimit(o.cfg.Concurrency)

	for i, m := range markets {
		g.Go(func() error {
			q, pred, ok := o.quote(ctx, productID, sourcePrice, qty, m)
			if ok {
				mu.Lock()
				quotes[m.ID] = q
				mu.Unlock()
				raw[i] = &model.MarketPrediction{MarketID: m.ID, Value: pred.Value, Confidence: pred.Confidence}
			}
			return nil
		})
	}
	_ = g.Wait()

	preds := make([]model.MarketPrediction, 0, len(quotes))
	for _, p := range raw {
		if p != nil {
			preds = append(preds, *p)
		}
	}
	return quotes, preds
}

// quote asks the signal source and the predictor about one market. A failed
// signal falls back to the default demand; a failed prediction skips the market.
func (o *Orchestrator) quote(ctx context.Context, productID string, sourcePrice float64, qty int, m model.MarketProfile) (domainservice.Quote, model.Prediction, bool) {
	var (
		sig    model.Signal
		hasSig bool
	)
	if o.deps.Signals != nil {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		s, err := o.deps.Signals.MarketSignal(sctx, productID, m.ID)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("product", productID).Str("market", m.ID).Msg("market signal unavailable, using default demand")
		} else {
			sig, hasSig = s, true
		}
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	pred, err := o.deps.Predictor.Predict(pctx, productID, port.MarketContext{
		MarketID:    m.ID,
		SourcePrice: sourcePrice,
		Quantity:    qty,
		Profile:     m,
		Signal:      sig,
	})
	if err != nil {
		o.deps.Recorder.PredictionFailed(m.ID)
		log.Warn().Err(err).Str("product", productID).Str("market", m.ID).Msg("price prediction failed, market skipped")
		return domainservice.Quote{}, model.Prediction{}, false
	}
	return domainservice.Quote{Price: pred.Value, Demand: sig.Demand, HasDemand: hasSig}, pred, true
}

// store writes a complete set to the cache and the snapshot store and
// announces it. Failures here are logged; the caller still gets the set.
func (o *Orchestrator) store(ctx context.Context, set model.OpportunitySet) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
	defer cancel()

	if err := o.deps.Cache.Set(wctx, set, o.cfg.CacheTTL); err != nil {
		log.Warn().Err(err).Str("product", set.ProductID).Msg("cache write failed")
	}
	if o.deps.Snapshots != nil {
		snap := model.OpportunitySnapshot{ProductID: set.ProductID, Set: set, TakenAt: set.ComputedAt}
		if err := o.deps.Snapshots.StoreOpportunitySnapshot(wctx, snap); err != nil {
			log.Warn().Err(err).Str("product", set.ProductID).Msg("snapshot write failed")
		}
	}
	if o.deps.Publisher != nil {
		o.deps.Publisher.BroadcastTopic(set.ProductID, port.Envelope{
			Type:      port.MsgArbitrageUpdate,
			Data:      set,
			Timestamp: o.deps.Now().UTC(),
		})
	}
}

func truncate(opps []model.Opportunity, n int) []model.Opportunity {
	if len(opps) > n {
		return opps[:n]
	}
	return opps
}
