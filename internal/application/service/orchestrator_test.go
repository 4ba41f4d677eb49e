package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbengine/internal/application/apperr"
	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
	domainservice "arbengine/internal/domain/service"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCatalog struct {
	products map[string]model.ProductRef
	err      error
}

func (f *fakeCatalog) GetAllProducts(ctx context.Context) ([]model.ProductRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.ProductRef
	for _, id := range []string{"cardamom", "pepper", "saffron", "turmeric"} {
		if p, ok := f.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeCatalog) GetProduct(ctx context.Context, id string) (model.ProductRef, error) {
	if f.err != nil {
		return model.ProductRef{}, f.err
	}
	p, ok := f.products[id]
	if !ok {
		return model.ProductRef{}, port.ErrProductNotFound
	}
	return p, nil
}

type fakePredictor struct {
	mult  float64
	fail  map[string]bool // market id
	gate  chan struct{}   // nil 表示不阻塞
	nan   bool            // 返回 NaN 价格
	calls atomic.Int32
}

func (f *fakePredictor) Predict(ctx context.Context, productID string, mc port.MarketContext) (model.Prediction, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.fail[mc.MarketID] || f.fail["*"] {
		return model.Prediction{}, errors.New("model offline")
	}
	if f.nan {
		return model.Prediction{Value: math.NaN(), Confidence: 0.9}, nil
	}
	return model.Prediction{Value: mc.SourcePrice * f.mult, Confidence: 0.9}, nil
}

type fakeSignals struct{ err error }

func (f fakeSignals) MarketSignal(ctx context.Context, productID, marketID string) (model.Signal, error) {
	if f.err != nil {
		return model.Signal{}, f.err
	}
	return model.Signal{Demand: 0.8, Supply: 0.5, Volatility: 0.2}, nil
}

type fakeCache struct {
	mu      sync.Mutex
	sets    map[string]model.OpportunitySet
	catalog []model.Opportunity
	hasCat  bool
}

func newFakeCache() *fakeCache { return &fakeCache{sets: map[string]model.OpportunitySet{}} }

func (c *fakeCache) Get(ctx context.Context, id string) (model.OpportunitySet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sets[id]
	return s, ok
}

func (c *fakeCache) Set(ctx context.Context, set model.OpportunitySet, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[set.ProductID] = set
	return nil
}

func (c *fakeCache) Invalidate(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets, id)
	return nil
}

func (c *fakeCache) GetCatalog(ctx context.Context) ([]model.Opportunity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog, c.hasCat
}

func (c *fakeCache) SetCatalog(ctx context.Context, opps []model.Opportunity, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog, c.hasCat = opps, true
	return nil
}

func (c *fakeCache) stored(id string) bool {
	_, ok := c.Get(context.Background(), id)
	return ok
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snaps []model.OpportunitySnapshot
	err   error
}

func (f *fakeSnapshots) StoreOpportunitySnapshot(ctx context.Context, snap model.OpportunitySnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
	return f.err
}

func (f *fakeSnapshots) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snaps)
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	msgs   []port.Envelope
}

func (f *fakePublisher) Broadcast(msg port.Envelope) int {
	return f.BroadcastTopic("", msg)
}

func (f *fakePublisher) BroadcastTopic(topic string, msg port.Envelope) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.msgs = append(f.msgs, msg)
	return 1
}

type fakeRecorder struct {
	mu          sync.Mutex
	hits        int
	misses      int
	predFails   map[string]int
	refreshedOK int
	refreshedKO int
}

func (r *fakeRecorder) CacheLookup(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func (r *fakeRecorder) ComputeDuration(time.Duration) {}

func (r *fakeRecorder) PredictionFailed(market string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.predFails == nil {
		r.predFails = map[string]int{}
	}
	r.predFails[market]++
}

func (r *fakeRecorder) ProductRefreshed(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.refreshedOK++
	} else {
		r.refreshedKO++
	}
}

func (r *fakeRecorder) RefreshCycle(string, time.Duration) {}

type fixture struct {
	orch      *Orchestrator
	catalog   *fakeCatalog
	predictor *fakePredictor
	cache     *fakeCache
	snapshots *fakeSnapshots
	preds     *fakePredictions
	publisher *fakePublisher
	recorder  *fakeRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		catalog: &fakeCatalog{products: map[string]model.ProductRef{
			"saffron":  {ID: "saffron", Name: "Saffron", SourceMarket: "IN", BasePrice: 2000, Unit: "kg"},
			"pepper":   {ID: "pepper", Name: "Black pepper", SourceMarket: "IN", BasePrice: 400, Unit: "kg"},
			"cardamom": {ID: "cardamom", Name: "Cardamom", BasePrice: 0, Unit: "kg"},
		}},
		predictor: &fakePredictor{mult: 2.5},
		cache:     newFakeCache(),
		snapshots: &fakeSnapshots{},
		preds:     &fakePredictions{},
		publisher: &fakePublisher{},
		recorder:  &fakeRecorder{},
	}
	scorer := domainservice.NewScorer(
		domainservice.DefaultScorerConfig(),
		domainservice.NewCostModel(domainservice.DefaultCostConfig()),
		domainservice.WithClock(func() time.Time { return testNow }),
	)
	f.orch = NewOrchestrator(OrchestratorConfig{CallTimeout: time.Second, ComputeTimeout: 5 * time.Second}, OrchestratorDeps{
		Catalog:     f.catalog,
		Snapshots:   f.snapshots,
		Predictions: f.preds,
		Predictor:   f.predictor,
		Signals:     fakeSignals{},
		Cache:       f.cache,
		Publisher:   f.publisher,
		Recorder:    f.recorder,
		Scorer:      scorer,
		Markets:     model.NewMarketTable(model.DefaultMarkets()),
		Now:         func() time.Time { return testNow },
	})
	return f
}

func TestGetOpportunitiesComputesThenServesFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	set, err := f.orch.GetOpportunities(ctx, "saffron")
	require.NoError(t, err)
	assert.Equal(t, "saffron", set.ProductID)
	require.NotEmpty(t, set.Opportunities)
	assert.LessOrEqual(t, len(set.Opportunities), domainservice.DefaultScorerConfig().TopN)
	// 有信号时使用信号需求
	assert.Equal(t, 0.8, set.Opportunities[0].DemandProxy)

	calls := f.predictor.calls.Load()
	assert.Equal(t, int32(len(model.DefaultMarkets())), calls)
	assert.True(t, f.cache.stored("saffron"))
	assert.Equal(t, 1, f.snapshots.count())
	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t, "saffron", f.publisher.topics[0])
	assert.Equal(t, port.MsgArbitrageUpdate, f.publisher.msgs[0].Type)

	again, err := f.orch.GetOpportunities(ctx, " saffron ")
	require.NoError(t, err)
	assert.Equal(t, set, again)
	assert.Equal(t, calls, f.predictor.calls.Load())
	assert.Equal(t, 1, f.recorder.hits)
	assert.Equal(t, 1, f.recorder.misses)
}

func TestGetOpportunitiesErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.GetOpportunities(ctx, "  ")
	assert.ErrorIs(t, err, apperr.Input)

	_, err = f.orch.GetOpportunities(ctx, "vanilla")
	assert.True(t, apperr.IsNotFound(err))

	_, err = f.orch.GetOpportunities(ctx, "cardamom")
	assert.ErrorIs(t, err, apperr.Input)
	assert.False(t, f.cache.stored("cardamom"))

	f.catalog.err = errors.New("db is gone")
	_, err = f.orch.GetOpportunities(ctx, "saffron")
	assert.ErrorIs(t, err, apperr.Unavailable)
}

func TestRecomputeFailsWhenEveryPredictionFails(t *testing.T) {
	f := newFixture(t)
	f.predictor.fail = map[string]bool{"*": true}

	_, err := f.orch.Recompute(context.Background(), "saffron")

	assert.ErrorIs(t, err, apperr.Unavailable)
	assert.False(t, f.cache.stored("saffron"))
	assert.Zero(t, f.snapshots.count())
	assert.Empty(t, f.publisher.msgs)
}

func TestRecomputeSurfacesComputationError(t *testing.T) {
	f := newFixture(t)
	f.predictor.nan = true

	_, err := f.orch.Recompute(context.Background(), "saffron")

	assert.ErrorIs(t, err, apperr.Computation)
	assert.Equal(t, 500, apperr.StatusCode(err))
	assert.False(t, f.cache.stored("saffron"))
	assert.Zero(t, f.snapshots.count())
	assert.Empty(t, f.publisher.msgs)
}

func TestRecomputeSkipsFailedMarket(t *testing.T) {
	f := newFixture(t)
	f.predictor.fail = map[string]bool{"US": true}

	set, err := f.orch.Recompute(context.Background(), "saffron")

	require.NoError(t, err)
	for _, o := range set.Opportunities {
		assert.NotEqual(t, "US", o.MarketID)
	}
	assert.Equal(t, 1, f.recorder.predFails["US"])
}

func TestRecomputeUsesDefaultDemandWithoutSignals(t *testing.T) {
	f := newFixture(t)
	f.orch.deps.Signals = fakeSignals{err: errors.New("no signal")}

	set, err := f.orch.Recompute(context.Background(), "saffron")

	require.NoError(t, err)
	require.NotEmpty(t, set.Opportunities)
	assert.Equal(t, domainservice.DefaultScorerConfig().DefaultDemand, set.Opportunities[0].DemandProxy)
}

func TestSnapshotFailureStillReturnsSet(t *testing.T) {
	f := newFixture(t)
	f.snapshots.err = errors.New("disk full")

	set, err := f.orch.Recompute(context.Background(), "saffron")

	require.NoError(t, err)
	assert.NotEmpty(t, set.Opportunities)
	assert.True(t, f.cache.stored("saffron"))
}

func TestConcurrentRecomputeSharesOneComputation(t *testing.T) {
	f := newFixture(t)
	f.predictor.gate = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]model.OpportunitySet, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := f.orch.Recompute(ctx, "saffron")
			assert.NoError(t, err)
			results[i] = set
		}()
	}
	require.Eventually(t, func() bool { return f.predictor.calls.Load() > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(f.predictor.gate)
	wg.Wait()

	assert.Equal(t, int32(len(model.DefaultMarkets())), f.predictor.calls.Load())
	assert.Equal(t, 1, f.snapshots.count())
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}

func TestCancelledCallerDoesNotAbortWrite(t *testing.T) {
	f := newFixture(t)
	f.predictor.gate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Recompute(ctx, "saffron")
		done <- err
	}()
	require.Eventually(t, func() bool { return f.predictor.calls.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperr.Unavailable)
	case <-time.After(time.Second):
		t.Fatal("Recompute did not return after cancel")
	}

	close(f.predictor.gate)
	require.Eventually(t, func() bool { return f.cache.stored("saffron") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.snapshots.count())
}

func TestRefreshAllReportsPerProduct(t *testing.T) {
	f := newFixture(t)

	report := f.orch.RefreshAll(context.Background(), []string{"saffron", "vanilla", "pepper"})

	assert.ElementsMatch(t, []string{"saffron", "pepper"}, report.Succeeded)
	require.Contains(t, report.Failed, "vanilla")
	assert.Empty(t, report.Skipped)
	assert.False(t, report.AllFailed())
	assert.Equal(t, 2, f.recorder.refreshedOK)
	assert.Equal(t, 1, f.recorder.refreshedKO)
}

func TestRefreshAllStopsBetweenProductsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := f.orch.RefreshAll(ctx, []string{"saffron", "pepper"})

	assert.Empty(t, report.Succeeded)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"saffron", "pepper"}, report.Skipped)
	assert.False(t, f.cache.stored("saffron"))
}

func TestAnalyzeOverridesAreNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	set, err := f.orch.Analyze(ctx, AnalyzeRequest{ProductID: "saffron", Markets: []string{"UK", "US", "US"}, Quantity: 5000})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(set.Opportunities), 2)
	for _, o := range set.Opportunities {
		assert.Contains(t, []string{"UK", "US"}, o.MarketID)
	}
	assert.False(t, f.cache.stored("saffron"))

	_, err = f.orch.Analyze(ctx, AnalyzeRequest{ProductID: "saffron"})
	require.NoError(t, err)
	assert.True(t, f.cache.stored("saffron"))
}

func TestAnalyzeUnknownMarketUsesFallback(t *testing.T) {
	f := newFixture(t)

	set, err := f.orch.Analyze(context.Background(), AnalyzeRequest{ProductID: "saffron", Markets: []string{"Brazil"}})

	require.NoError(t, err)
	require.Len(t, set.Opportunities, 1)
	assert.Equal(t, "Brazil", set.Opportunities[0].MarketID)
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Analyze(ctx, AnalyzeRequest{ProductID: "saffron", Quantity: -1})
	assert.ErrorIs(t, err, apperr.Input)

	_, err = f.orch.Analyze(ctx, AnalyzeRequest{ProductID: "saffron", SourcePrice: -3})
	assert.ErrorIs(t, err, apperr.Input)

	_, err = f.orch.Analyze(ctx, AnalyzeRequest{})
	assert.ErrorIs(t, err, apperr.Input)
}

func TestCatalogOpportunitiesMergesAndCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opps, err := f.orch.CatalogOpportunities(ctx, 3)
	require.NoError(t, err)
	require.Len(t, opps, 3)
	for i := 1; i < len(opps); i++ {
		assert.GreaterOrEqual(t, opps[i-1].ProfitMargin, opps[i].ProfitMargin)
	}
	require.True(t, f.cache.hasCat)
	assert.LessOrEqual(t, len(f.cache.catalog), f.orch.Config().CatalogLimit)

	calls := f.predictor.calls.Load()
	again, err := f.orch.CatalogOpportunities(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, opps, again)
	assert.Equal(t, calls, f.predictor.calls.Load())
}

func TestCatalogOpportunitiesUnavailable(t *testing.T) {
	f := newFixture(t)
	f.catalog.err = errors.New("db is gone")

	_, err := f.orch.CatalogOpportunities(context.Background(), 10)

	assert.ErrorIs(t, err, apperr.Unavailable)
}
