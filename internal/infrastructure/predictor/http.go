package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

// HTTPConfig 远程预测服务参数
type HTTPConfig struct {
	BaseURL         string
	Timeout         time.Duration // 单次调用超时
	RatePerSecond   float64
	Burst           int
	BreakerFailures uint32        // 连续失败多少次熔断
	BreakerCooldown time.Duration // 熔断后多久进入半开
}

// StatusError 非 2xx 响应
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("predictor returned %d: %s", e.Code, e.Body)
}

// HTTPClient 调用远程价格预测 / 市场信号服务。
// 每个端点各有一个熔断器，共享一个限速器。
type HTTPClient struct {
	base      string
	http      *http.Client
	timeout   time.Duration
	limiter   *rate.Limiter
	predictCB *gobreaker.CircuitBreaker[model.Prediction]
	signalCB  *gobreaker.CircuitBreaker[model.Signal]
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	return &HTTPClient{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		http:      &http.Client{},
		timeout:   cfg.Timeout,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		predictCB: gobreaker.NewCircuitBreaker[model.Prediction](breakerSettings("predictor-predict", cfg)),
		signalCB:  gobreaker.NewCircuitBreaker[model.Signal](breakerSettings("predictor-signal", cfg)),
	}
}

func breakerSettings(name string, cfg HTTPConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// 4xx 是调用方的问题，不计入熔断
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
}

type predictRequest struct {
	ProductID string             `json:"product_id"`
	Context   port.MarketContext `json:"market_context"`
}

func (c *HTTPClient) Predict(ctx context.Context, productID string, mc port.MarketContext) (model.Prediction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.Prediction{}, err
	}
	return c.predictCB.Execute(func() (model.Prediction, error) {
		body, err := json.Marshal(predictRequest{ProductID: productID, Context: mc})
		if err != nil {
			return model.Prediction{}, err
		}
		var out model.Prediction
		err = c.do(ctx, http.MethodPost, c.base+"/predict", body, &out)
		return out, err
	})
}

func (c *HTTPClient) MarketSignal(ctx context.Context, productID, marketID string) (model.Signal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.Signal{}, err
	}
	return c.signalCB.Execute(func() (model.Signal, error) {
		q := url.Values{"product_id": {productID}, "market_id": {marketID}}
		var out model.Signal
		err := c.do(ctx, http.MethodGet, c.base+"/signals?"+q.Encode(), nil, &out)
		return out, err
	})
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	return nil
}

var (
	_ port.PricePredictor     = (*HTTPClient)(nil)
	_ port.MarketSignalSource = (*HTTPClient)(nil)
)
