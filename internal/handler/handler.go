// Package handler HTTP 接口
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/boomtrade/bridge/internal/metrics"
	"github.com/boomtrade/bridge/internal/middleware"
	"github.com/boomtrade/bridge/internal/order"
	"github.com/boomtrade/bridge/internal/quote"
	"github.com/boomtrade/bridge/internal/supervisor"
	"github.com/boomtrade/bridge/internal/upstream"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
	"github.com/boomtrade/bridge/pkg/health"
	"github.com/boomtrade/bridge/pkg/logger"
	"github.com/boomtrade/bridge/pkg/response"
)

// Gateway is the supervisor as seen by the HTTP surface.
type Gateway interface {
	Start(ctx context.Context, creds supervisor.Credentials) error
	Stop(ctx context.Context) error
	EnsureReady() error
	AccountHint() string
	Status() supervisor.Status
}

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, r order.Request) (*order.Result, error)
}

type Quoter interface {
	Snapshot(ctx context.Context, symbol string) (*quote.Quote, error)
}

// Portfolio is the read-only account part of the gateway API.
type Portfolio interface {
	Accounts(ctx context.Context) ([]upstream.Account, error)
	Positions(ctx context.Context, accountID string) ([]upstream.Position, error)
	Orders(ctx context.Context, accountID string) ([]upstream.OpenOrder, error)
}

// Deps 依赖
type Deps struct {
	Gateway      Gateway
	Orders       OrderPlacer
	Quotes       Quoter
	Portfolio    Portfolio
	Health       *health.Health
	Metrics      *metrics.Metrics
	Stream       http.HandlerFunc
	MetricsToken string
	Simulation   bool
	Logger       *logger.Logger
}

// Handler HTTP 处理器
type Handler struct {
	deps Deps
	log  *logger.Logger
}

func New(deps Deps) *Handler {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	if deps.Health == nil {
		deps.Health = health.New()
	}
	return &Handler{deps: deps, log: log.Component("handler")}
}

// Routes 注册路由
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /live", h.deps.Health.LiveHandler())
	mux.HandleFunc("GET /ready", h.deps.Health.ReadyHandler())
	mux.HandleFunc("GET /metrics", h.handleMetrics)

	mux.HandleFunc("POST /gateway/start", h.handleGatewayStart)
	mux.HandleFunc("POST /gateway/stop", h.handleGatewayStop)
	mux.HandleFunc("GET /gateway/status", h.handleGatewayStatus)

	mux.HandleFunc("GET /account", h.handleAccount)
	mux.HandleFunc("GET /positions", h.handlePositions)
	mux.HandleFunc("GET /orders", h.handleOpenOrders)

	mux.HandleFunc("POST /order/stock", h.handlePlaceOrder(order.StockRequest))
	mux.HandleFunc("POST /order/option", h.handlePlaceOrder(order.OptionRequest))

	mux.HandleFunc("GET /market-data/{symbol}", h.handleMarketData)
	if h.deps.Stream != nil {
		mux.HandleFunc("GET /ws/market-data", h.deps.Stream)
	}
	return mux
}

type healthResponse struct {
	Status       health.Status                 `json:"status"`
	GatewayReady bool                          `json:"gateway_ready"`
	Gateway      supervisor.Status             `json:"gateway"`
	Simulation   bool                          `json:"simulation"`
	Dependencies map[string]health.CheckResult `json:"dependencies,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.deps.Health.Health(r.Context())
	st := h.deps.Gateway.Status()
	response.WriteJSON(w, health.StatusCode(resp.Status), healthResponse{
		Status:       resp.Status,
		GatewayReady: st.State == supervisor.StateReady,
		Gateway:      st,
		Simulation:   h.deps.Simulation,
		Dependencies: resp.Dependencies,
	})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !middleware.MetricsAuthorized(r, h.deps.MetricsToken) {
		response.WriteErrorCode(w, r, bridgeerrors.CodeUnauthenticated, "unauthorized")
		return
	}
	h.deps.Metrics.Handler().ServeHTTP(w, r)
}

type startRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Account  string `json:"account,omitempty"`
}

type gatewayResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Gateway supervisor.Status `json:"gateway"`
}

func (h *Handler) handleGatewayStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}

	h.log.WithContext(r.Context()).Infof("gateway start requested", logger.Fields{
		"username":    req.Username,
		"has_account": req.Account != "",
	})
	err := h.deps.Gateway.Start(r.Context(), supervisor.Credentials{
		Username:    strings.TrimSpace(req.Username),
		Secret:      req.Password,
		AccountHint: strings.TrimSpace(req.Account),
	})
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, gatewayResponse{
		Status:  "ready",
		Message: "gateway session is authenticated",
		Gateway: h.deps.Gateway.Status(),
	})
}

func (h *Handler) handleGatewayStop(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Gateway.Stop(r.Context()); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, gatewayResponse{Status: "stopped", Gateway: h.deps.Gateway.Status()})
}

func (h *Handler) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.deps.Gateway.Status())
}

type accountResponse struct {
	upstream.Account
	Accounts []upstream.Account `json:"accounts"`
}

func (h *Handler) handleAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Gateway.EnsureReady(); err != nil {
		response.WriteError(w, r, err)
		return
	}
	accounts, err := h.deps.Portfolio.Accounts(r.Context())
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	acct, err := pickAccount(accounts, h.deps.Gateway.AccountHint())
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, accountResponse{Account: acct, Accounts: accounts})
}

func (h *Handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.readyAccount(w, r)
	if !ok {
		return
	}
	positions, err := h.deps.Portfolio.Positions(r.Context(), acct)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	if positions == nil {
		positions = []upstream.Position{}
	}
	response.WriteJSON(w, http.StatusOK, positions)
}

func (h *Handler) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.readyAccount(w, r)
	if !ok {
		return
	}
	orders, err := h.deps.Portfolio.Orders(r.Context(), acct)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	if orders == nil {
		orders = []upstream.OpenOrder{}
	}
	response.WriteJSON(w, http.StatusOK, orders)
}

// readyAccount writes the error response itself when it returns false.
func (h *Handler) readyAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	if err := h.deps.Gateway.EnsureReady(); err != nil {
		response.WriteError(w, r, err)
		return "", false
	}
	if hint := h.deps.Gateway.AccountHint(); hint != "" {
		return hint, true
	}
	accounts, err := h.deps.Portfolio.Accounts(r.Context())
	if err != nil {
		response.WriteError(w, r, err)
		return "", false
	}
	acct, err := pickAccount(accounts, "")
	if err != nil {
		response.WriteError(w, r, err)
		return "", false
	}
	return acct.AccountID, true
}

func pickAccount(accounts []upstream.Account, hint string) (upstream.Account, error) {
	var first *upstream.Account
	for i := range accounts {
		a := &accounts[i]
		if a.AccountID == "" {
			continue
		}
		if hint != "" && a.AccountID == hint {
			return *a, nil
		}
		if first == nil {
			first = a
		}
	}
	if hint != "" {
		return upstream.Account{AccountID: hint}, nil
	}
	if first == nil {
		return upstream.Account{}, bridgeerrors.New(bridgeerrors.CodeUpstreamRejected, "gateway reported no brokerage accounts")
	}
	return *first, nil
}

func (h *Handler) handlePlaceOrder(kind func(order.Request) order.Request) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req order.Request
		if err := decodeJSON(r, &req); err != nil {
			response.WriteError(w, r, err)
			return
		}
		res, err := h.deps.Orders.PlaceOrder(r.Context(), kind(req))
		if err != nil {
			response.WriteError(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) handleMarketData(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
	q, err := h.deps.Quotes.Snapshot(r.Context(), symbol)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, q)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return bridgeerrors.New(bridgeerrors.CodeInvalidRequest, "request body too large")
		case errors.Is(err, io.EOF):
			return bridgeerrors.New(bridgeerrors.CodeInvalidRequest, "request body is required")
		default:
			return bridgeerrors.New(bridgeerrors.CodeInvalidRequest, "invalid JSON body")
		}
	}
	return nil
}
