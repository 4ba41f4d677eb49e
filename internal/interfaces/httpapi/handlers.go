package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"arbengine/internal/application/apperr"
	"arbengine/internal/application/service"
	wsession "arbengine/internal/infrastructure/websocket"
)

const maxBodyBytes = 64 << 10

type handler struct {
	deps     Deps
	validate *validator.Validate
	upgrader websocket.Upgrader
}

// ErrorBody 错误响应 {"error":{"code":..,"message":..}}
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CatalogResponse GET /opportunities
type CatalogResponse struct {
	Opportunities any `json:"opportunities"`
	Count         int `json:"count"`
}

func (h *handler) catalog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, apperr.InputError("CatalogOpportunities", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	opps, err := h.deps.Opportunities.CatalogOpportunities(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CatalogResponse{Opportunities: opps, Count: len(opps)})
}

func (h *handler) product(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["product_id"]
	set, err := h.deps.Opportunities.GetOpportunities(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (h *handler) analyze(w http.ResponseWriter, r *http.Request) {
	var req service.AnalyzeRequest
	if !h.decode(w, r, "Analyze", &req, func() { req.ProductID = strings.TrimSpace(req.ProductID) }) {
		return
	}

	set, err := h.deps.Opportunities.Analyze(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (h *handler) predict(w http.ResponseWriter, r *http.Request) {
	var req service.PredictRequest
	if !h.decode(w, r, "Predict", &req, func() { req.ProductID = strings.TrimSpace(req.ProductID) }) {
		return
	}

	rec, err := h.deps.Opportunities.Predict(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) marketAnalysis(w http.ResponseWriter, r *http.Request) {
	var req service.BatchRequest
	if !h.decode(w, r, "AnalyzeBatch", &req, nil) {
		return
	}

	res, err := h.deps.Opportunities.AnalyzeBatch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) orderProfit(w http.ResponseWriter, r *http.Request) {
	var req service.OrderRequest
	if !h.decode(w, r, "AnalyzeOrder", &req, func() { req.Market = strings.TrimSpace(req.Market) }) {
		return
	}

	res, err := h.deps.Opportunities.AnalyzeOrder(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decode 读取并校验 JSON 请求体；失败时已写好 400，返回 false
func (h *handler) decode(w http.ResponseWriter, r *http.Request, op string, dst any, normalize func()) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, apperr.InputError(op, "invalid JSON body: "+err.Error()))
		return false
	}
	if normalize != nil {
		normalize()
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, apperr.InputError(op, validationMessage(err)))
		return false
	}
	return true
}

func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	if h.deps.Hub == nil {
		writeError(w, apperr.UnavailableError("stream", errors.New("streaming disabled")))
		return
	}
	var topics []string
	for _, p := range strings.Split(r.URL.Query().Get("products"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			topics = append(topics, p)
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写了错误响应
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	wsession.Serve(r.Context(), h.deps.Hub, ws, h.deps.WS, topics...)
}

// HealthResponse GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
	Time        string `json:"time"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Time: h.deps.Now().UTC().Format("2006-01-02T15:04:05Z")}
	if h.deps.Hub != nil {
		resp.Subscribers = h.deps.Hub.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		err = apperr.InternalError("http", err)
	}
	status := apperr.StatusCode(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: apperr.Code(err), Message: msg}})
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed validation: %s", e.Field(), e.Tag()))
	}
	return strings.Join(msgs, "; ")
}
