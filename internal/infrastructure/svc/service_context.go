package svc

import (
	"context"
	"fmt"
	"os"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"arbengine/internal/application/port"
	"arbengine/internal/application/service"
	"arbengine/internal/application/usecase/refresh"
	"arbengine/internal/domain/model"
	domainservice "arbengine/internal/domain/service"
	"arbengine/internal/infrastructure/cache"
	"arbengine/internal/infrastructure/config"
	"arbengine/internal/infrastructure/hub"
	"arbengine/internal/infrastructure/metrics"
	"arbengine/internal/infrastructure/predictor"
	"arbengine/internal/infrastructure/storage/composite"
	pgrepo "arbengine/internal/infrastructure/storage/postgres"
	redisrepo "arbengine/internal/infrastructure/storage/redis"
	sqliterepo "arbengine/internal/infrastructure/storage/sqlite"
	"arbengine/internal/interfaces/console"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	redisClient *redisclient.Client
	sqliteRepo  *sqliterepo.Repo
	pgRepo      *pgrepo.Repo
	redisRepo   *redisrepo.Repo
	Storage     port.Storage
	MemoryCache *cache.Memory
	Cache       *cache.OpportunityCache
	Metrics     *metrics.Metrics
	Hub         *hub.Hub

	// 输出端口
	Sink port.Sink

	// 应用业务组件（依赖基础设施）
	Markets      *model.MarketTable
	Scorer       *domainservice.Scorer
	Assessor     *domainservice.Assessor
	Orchestrator *service.Orchestrator
	Scheduler    *refresh.Scheduler

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 所有依赖在这里按顺序构建一次，之后注入到各层
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Metrics:     metrics.New(),
		Sink:        console.NewSink(os.Stdout),
		closerChain: make([]func() error, 0),
	}

	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖顺序初始化
func (sc *ServiceContext) initializeComponents() error {
	// 0. 存储层
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageInitFailed, err)
	}
	if err := sc.seedCatalog(); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	// 1. 缓存 + 推送
	sc.initCache()
	sc.Hub = hub.New(
		hub.WithQueueSize(sc.Config.Hub.QueueSize),
		hub.WithRemoveHook(func(_, reason string) { sc.Metrics.SubscriberDropped(reason) }),
		hub.WithCountHook(sc.Metrics.SetSubscribers),
	)
	sc.closerChain = append(sc.closerChain, func() error {
		sc.Hub.Close()
		return nil
	})

	// 2. 领域服务
	sc.Markets = model.NewMarketTable(sc.Config.MarketProfiles())
	costs := domainservice.NewCostModel(CostConfig(sc.Config))
	sc.Scorer = domainservice.NewScorer(ScorerConfig(sc.Config), costs, ScorerOptions(sc.Config)...)
	sc.Assessor = domainservice.NewAssessor(AssessmentConfig(sc.Config), costs)

	// 3. 预测模型
	pred, signals, err := sc.buildPredictor()
	if err != nil {
		return err
	}

	// 4. 应用服务
	sc.Orchestrator = service.NewOrchestrator(service.OrchestratorConfig{
		SourceMarket:   sc.Config.App.SourceMarket,
		CacheTTL:       sc.Config.Cache.TTL,
		CatalogTTL:     sc.Config.Cache.CatalogTTL,
		CallTimeout:    sc.Config.Refresh.CallTimeout,
		ComputeTimeout: sc.Config.Refresh.ComputeTimeout,
		Concurrency:    sc.Config.Refresh.Concurrency,
		CatalogLimit:   sc.Config.HTTP.CatalogLimit,
	}, service.OrchestratorDeps{
		Catalog:     sc.Storage,
		Snapshots:   sc.Storage,
		Predictions: sc.Storage,
		Predictor:   pred,
		Signals:     signals,
		Cache:       sc.Cache,
		Publisher:   sc.Hub,
		Recorder:    sc.Metrics,
		Scorer:      sc.Scorer,
		Assessor:    sc.Assessor,
		Markets:     sc.Markets,
	})

	sched, err := refresh.NewScheduler(refresh.Config{
		Interval:       sc.Config.Refresh.Interval,
		BackoffInitial: sc.Config.Refresh.BackoffInitial,
		BackoffMax:     sc.Config.Refresh.BackoffMax,
	}, refresh.Deps{
		Refresher: sc.Orchestrator,
		Publisher: sc.Hub,
		Sink:      sc.Sink,
		Recorder:  sc.Metrics,
		Observer:  sc.pruneSnapshots,
	})
	if err != nil {
		return err
	}
	sc.Scheduler = sched

	log.Info().
		Int("markets", len(sc.Markets.Destinations())).
		Str("predictor", sc.Config.Predictor.Mode).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 主存储优先 Postgres，其次 SQLite；另一个和 Redis 作为快照镜像
func (sc *ServiceContext) initializeStorage() error {
	if sc.Config.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			// Redis 只承载缓存和镜像，连不上不影响启动
			log.Warn().Err(err).Msg("redis unavailable, continuing without it")
		}
	}
	if sc.Config.SQLite.Enabled {
		if err := sc.initSQLite(); err != nil {
			return fmt.Errorf("sqlite initialization failed: %w", err)
		}
	}
	if sc.Config.Postgres.Enabled {
		if err := sc.initPostgres(); err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
	}

	var (
		primary port.Storage
		mirrors []port.SnapshotWriter
	)
	switch {
	case sc.pgRepo != nil:
		primary = sc.pgRepo
		if sc.sqliteRepo != nil {
			mirrors = append(mirrors, sc.sqliteRepo)
		}
	case sc.sqliteRepo != nil:
		primary = sc.sqliteRepo
	default:
		return ErrNoStorageEnabled
	}
	if sc.redisRepo != nil && sc.Config.Redis.Mirror {
		mirrors = append(mirrors, sc.redisRepo)
	}
	sc.Storage = composite.New(primary, mirrors...)
	return nil
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() error {
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	sc.redisRepo = redisrepo.New(
		rdb,
		sc.Config.Redis.Prefix,
		sc.Config.Redis.Stream,
		sc.Config.Redis.Channel,
		sc.Config.Redis.MaxLen,
	)

	// 注册关闭回调
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Msg("✓ Redis initialized")
	return nil
}

// initSQLite 初始化 SQLite 数据库
func (sc *ServiceContext) initSQLite() error {
	repo, err := sqliterepo.New(sc.Config.SQLite.Path)
	if err != nil {
		return fmt.Errorf("sqlite repo creation failed: %w", err)
	}
	sc.sqliteRepo = repo

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})

	log.Info().
		Str("path", sc.Config.SQLite.Path).
		Msg("✓ SQLite initialized")
	return nil
}

// initPostgres 初始化 Postgres
func (sc *ServiceContext) initPostgres() error {
	repo, err := pgrepo.New(sc.Config.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres repo creation failed: %w", err)
	}
	sc.pgRepo = repo

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing postgres connection")
		return repo.Close()
	})

	log.Info().Msg("✓ Postgres initialized")
	return nil
}

// seedCatalog 目录为空时写入配置中的商品
func (sc *ServiceContext) seedCatalog() error {
	ctx, cancel := context.WithTimeout(sc.Ctx, 10*time.Second)
	defer cancel()

	existing, err := sc.Storage.GetAllProducts(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	seed := sc.Config.SeedProducts()
	for _, p := range seed {
		if err := sc.Storage.UpsertProduct(ctx, p); err != nil {
			return fmt.Errorf("upsert %s: %w", p.ID, err)
		}
	}
	log.Info().Int("products", len(seed)).Msg("✓ catalog seeded")
	return nil
}

// initCache 内存缓存始终可用；Redis 可用时放在前面，出错回落到内存
func (sc *ServiceContext) initCache() {
	sc.MemoryCache = cache.NewMemory()

	var backend cache.Backend = sc.MemoryCache
	if sc.redisClient != nil {
		backend = cache.NewFailOpen(
			cache.NewRedis(sc.redisClient, sc.Config.Redis.Prefix),
			sc.MemoryCache,
			cache.WithStateHook(sc.Metrics.SetCacheDegraded),
		)
		log.Info().Msg("✓ cache: redis with in-memory fallback")
	} else {
		log.Info().Msg("✓ cache: in-memory")
	}
	sc.Cache = cache.NewOpportunityCache(backend, time.Now)
}

func (sc *ServiceContext) buildPredictor() (port.PricePredictor, port.MarketSignalSource, error) {
	pc := sc.Config.Predictor
	switch pc.Mode {
	case "http":
		client := predictor.NewHTTPClient(predictor.HTTPConfig{
			BaseURL:         pc.BaseURL,
			Timeout:         pc.Timeout,
			RatePerSecond:   pc.RatePerSecond,
			Burst:           pc.Burst,
			BreakerFailures: pc.BreakerFailures,
			BreakerCooldown: pc.BreakerCooldown,
		})
		return client, client, nil
	case "synthetic":
		seed := pc.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		return predictor.NewSynthetic(seed), predictor.NewSyntheticSignals(seed+1, predictor.DefaultSignalRanges()), nil
	default:
		return nil, nil, fmt.Errorf("unknown predictor mode %q", pc.Mode)
	}
}

// pruneSnapshots 每轮刷新后清理主存储和镜像中过期的快照和预测
func (sc *ServiceContext) pruneSnapshots(c refresh.Cycle) {
	if sc.Storage == nil || sc.Config.Refresh.SnapshotKeep <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(sc.Ctx, sc.Config.Refresh.CallTimeout)
	defer cancel()

	n, err := sc.Storage.PruneSnapshots(ctx, c.Started.Add(-sc.Config.Refresh.SnapshotKeep))
	if err != nil {
		log.Warn().Err(err).Msg("prune snapshots failed")
		return
	}
	if n > 0 {
		log.Info().Int64("rows", n).Msg("old snapshots pruned")
	}
}

// ScorerConfig maps the [scoring] and [expiry] sections onto the scorer.
func ScorerConfig(cfg *config.Config) domainservice.ScorerConfig {
	s := cfg.Scoring
	sc := domainservice.ScorerConfig{
		MarginFloor:             s.MarginFloor,
		TopN:                    s.TopN,
		DefaultQuantity:         s.DefaultQuantity,
		ConfidenceBase:          s.ConfidenceBase,
		ConfidenceSlope:         s.ConfidenceSlope,
		ConfidenceCap:           s.ConfidenceCap,
		BaseRisk:                s.BaseRisk,
		MinMarginRisk:           s.MinMarginRisk,
		RiskPivot:               s.RiskPivot,
		WeightMargin:            s.WeightMargin,
		WeightDemand:            s.WeightDemand,
		WeightSafety:            s.WeightSafety,
		DefaultDemand:           s.DefaultDemand,
		HighSensitivityMargin:   s.HighSensitivityMargin,
		MediumSensitivityMargin: s.MediumSensitivityMargin,
		BaseQuantity:            model.QuantityBand{Min: s.BaseQuantityMin, Max: s.BaseQuantityMax},
		ExpiryMin:               cfg.Expiry.Min,
		ExpiryMax:               cfg.Expiry.Max,
	}
	for _, t := range s.QuantityTiers {
		sc.QuantityTiers = append(sc.QuantityTiers, domainservice.QuantityTier{
			AboveMargin: t.AboveMargin,
			Band:        model.QuantityBand{Min: t.Min, Max: t.Max},
		})
	}
	return sc
}

// ScorerOptions 根据 expiry.mode 选择过期时间抖动方式
func ScorerOptions(cfg *config.Config) []domainservice.ScorerOption {
	if cfg.Expiry.Mode == "random" {
		return []domainservice.ScorerOption{domainservice.WithJitter(domainservice.RandomJitter)}
	}
	return []domainservice.ScorerOption{domainservice.WithJitter(domainservice.HashJitter)}
}

func AssessmentConfig(cfg *config.Config) domainservice.AssessmentConfig {
	a := cfg.Assessment
	return domainservice.AssessmentConfig{
		LowRisk:              a.LowRisk,
		HighRisk:             a.HighRisk,
		EmptyRisk:            a.EmptyRisk,
		HighValueOrder:       a.HighValueOrder,
		MediumValueOrder:     a.MediumValueOrder,
		HighValueRisk:        a.HighValueRisk,
		MediumValueRisk:      a.MediumValueRisk,
		BaseOrderRisk:        a.BaseOrderRisk,
		SingleItemConfidence: a.SingleItemConfidence,
		FewItems:             a.FewItems,
		FewItemsConfidence:   a.FewItemsConfidence,
		ManyItemsConfidence:  a.ManyItemsConfidence,
		LargeQuantity:        a.LargeQuantity,
		ComplexItems:         a.ComplexItems,
		HighMargin:           a.HighMargin,
		LowMargin:            a.LowMargin,
	}
}

func CostConfig(cfg *config.Config) domainservice.CostConfig {
	return domainservice.CostConfig{
		DocumentationCost:       cfg.Cost.DocumentationCost,
		VolumeDiscountMax:       cfg.Cost.VolumeDiscountMax,
		VolumeDiscountThreshold: cfg.Cost.VolumeDiscountThreshold,
	}
}

// Close 按照初始化的相反顺序关闭所有资源
func (sc *ServiceContext) Close() error {
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	sc.closerChain = nil
	return nil
}
