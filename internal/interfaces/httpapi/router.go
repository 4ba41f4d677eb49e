package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"arbengine/internal/application/service"
	"arbengine/internal/domain/model"
	"arbengine/internal/infrastructure/hub"
	wsession "arbengine/internal/infrastructure/websocket"
)

// Opportunities 由 service.Orchestrator 实现
type Opportunities interface {
	GetOpportunities(ctx context.Context, productID string) (model.OpportunitySet, error)
	CatalogOpportunities(ctx context.Context, limit int) ([]model.Opportunity, error)
	Analyze(ctx context.Context, req service.AnalyzeRequest) (model.OpportunitySet, error)
	Predict(ctx context.Context, req service.PredictRequest) (model.PredictionRecord, error)
	AnalyzeBatch(ctx context.Context, req service.BatchRequest) (service.BatchResult, error)
	AnalyzeOrder(ctx context.Context, req service.OrderRequest) (model.OrderAnalysis, error)
}

type Deps struct {
	Opportunities Opportunities
	Hub           *hub.Hub
	Metrics       http.Handler // 可为 nil
	WS            wsession.Config
	Now           func() time.Time
}

// NewRouter wires every HTTP endpoint.
//
//	GET  /opportunities                top-N across the catalog (?limit=)
//	GET  /opportunities/{product_id}   one product
//	POST /analyze                      on-demand compute with overrides
//	POST /predict                      raw price predictions (+ arbitrage)
//	POST /market-analysis              batch analysis with risk level
//	POST /analyze-order-profit         landed-cost profit of one order
//	GET  /ws                           update stream (?products=a,b)
//	GET  /health
//	GET  /metrics
func NewRouter(deps Deps) *mux.Router {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handler{
		deps:     deps,
		validate: newValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.Use(Recovery)
	router.Use(Logging)

	router.HandleFunc("/opportunities", h.catalog).Methods(http.MethodGet)
	router.HandleFunc("/opportunities/{product_id}", h.product).Methods(http.MethodGet)
	router.HandleFunc("/analyze", h.analyze).Methods(http.MethodPost)
	router.HandleFunc("/predict", h.predict).Methods(http.MethodPost)
	router.HandleFunc("/market-analysis", h.marketAnalysis).Methods(http.MethodPost)
	router.HandleFunc("/analyze-order-profit", h.orderProfit).Methods(http.MethodPost)
	router.HandleFunc("/ws", h.stream).Methods(http.MethodGet)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}
	return router
}

// NewServer wraps the router with the configured timeouts.
func NewServer(addr string, h http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}
