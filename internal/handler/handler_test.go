package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boomtrade/bridge/internal/contract"
	"github.com/boomtrade/bridge/internal/metrics"
	"github.com/boomtrade/bridge/internal/order"
	"github.com/boomtrade/bridge/internal/quote"
	"github.com/boomtrade/bridge/internal/sim"
	"github.com/boomtrade/bridge/internal/supervisor"
	"github.com/boomtrade/bridge/internal/upstream"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
	"github.com/boomtrade/bridge/pkg/health"
)

type testEnv struct {
	server *httptest.Server
	sup    *supervisor.Supervisor
	broker *sim.Brokerage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	m := metrics.New()
	sup := supervisor.New(supervisor.Config{
		ProbeInterval: 10 * time.Millisecond,
		StartTimeout:  2 * time.Second,
		StopGrace:     100 * time.Millisecond,
	}, sim.NewLauncher(), sim.Prober{}, nil, m)
	broker := sim.NewBrokerage(42)
	resolver := contract.NewResolver(broker, contract.Options{TTL: time.Hour}, nil, m)
	mux := quote.NewMultiplexer(sup, resolver, broker, nil, quote.Options{Interval: 20 * time.Millisecond}, nil, m)

	hc := health.New()
	hc.SetReady(true)
	h := New(Deps{
		Gateway:      sup,
		Orders:       order.NewMediator(sup, resolver, broker, nil, m),
		Quotes:       mux,
		Portfolio:    broker,
		Health:       hc,
		Metrics:      m,
		MetricsToken: "scrape",
		Simulation:   true,
	})
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		srv.Close()
		mux.Close()
		sup.Shutdown(context.Background())
	})
	return &testEnv{server: srv, sup: sup, broker: broker}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err == nil && len(raw) > 0 && raw[0] == '{' {
		_ = json.Unmarshal(raw, &out)
	} else if err == nil {
		out = map[string]interface{}{"items": json.RawMessage(raw)}
	}
	return resp, out
}

func (e *testEnv) start(t *testing.T, account string) {
	t.Helper()
	body := `{"username":"trader","password":"hunter2"}`
	if account != "" {
		body = `{"username":"trader","password":"hunter2","account":"` + account + `"}`
	}
	resp, out := e.do(t, http.MethodPost, "/gateway/start", body)
	if resp.StatusCode != http.StatusOK || out["status"] != "ready" {
		t.Fatalf("start: %d %v", resp.StatusCode, out)
	}
}

func TestHealthReportsGateway(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["gateway_ready"] != false || out["simulation"] != true {
		t.Fatalf("unexpected health body: %v", out)
	}

	env.start(t, "")
	_, out = env.do(t, http.MethodGet, "/health", "")
	if out["gateway_ready"] != true {
		t.Fatalf("gateway should be ready: %v", out)
	}
	gw, _ := out["gateway"].(map[string]interface{})
	if gw["state"] != "ready" {
		t.Fatalf("gateway status = %v", gw)
	}
}

func TestGatewayStartValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.do(t, http.MethodPost, "/gateway/start", `{"username":"trader"}`)
	if resp.StatusCode != http.StatusBadRequest || out["code"] != string(bridgeerrors.CodeInvalidParam) {
		t.Fatalf("missing password: %d %v", resp.StatusCode, out)
	}
	resp, out = env.do(t, http.MethodPost, "/gateway/start", `{"username":`)
	if resp.StatusCode != http.StatusBadRequest || out["code"] != string(bridgeerrors.CodeInvalidRequest) {
		t.Fatalf("malformed body: %d %v", resp.StatusCode, out)
	}
	if env.sup.State() != supervisor.StateStopped {
		t.Fatalf("rejected start must not launch, state = %s", env.sup.State())
	}
}

func TestGatewayStopAndStatus(t *testing.T) {
	env := newTestEnv(t)

	resp, out := env.do(t, http.MethodPost, "/gateway/stop", "")
	if resp.StatusCode != http.StatusOK || out["status"] != "stopped" {
		t.Fatalf("stop on stopped gateway: %d %v", resp.StatusCode, out)
	}

	env.start(t, "")
	_, out = env.do(t, http.MethodGet, "/gateway/status", "")
	if out["state"] != "ready" || out["pid"] == nil {
		t.Fatalf("status = %v", out)
	}
	env.do(t, http.MethodPost, "/gateway/stop", "")
	_, out = env.do(t, http.MethodGet, "/gateway/status", "")
	if out["state"] != "stopped" {
		t.Fatalf("state after stop = %v", out["state"])
	}
}

func TestAccountRoutesRequireReadyGateway(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/account", "/positions", "/orders", "/market-data/AAPL"} {
		resp, out := env.do(t, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusServiceUnavailable || out["code"] != string(bridgeerrors.CodeGatewayNotReady) {
			t.Fatalf("%s before start: %d %v", path, resp.StatusCode, out)
		}
	}
	resp, out := env.do(t, http.MethodPost, "/order/stock", `{"symbol":"AAPL","quantity":1,"action":"BUY","order_type":"MARKET"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("order before start: %d %v", resp.StatusCode, out)
	}
}

func TestAccountAndPositions(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "")

	resp, out := env.do(t, http.MethodGet, "/account", "")
	if resp.StatusCode != http.StatusOK || out["accountId"] != sim.AccountID {
		t.Fatalf("account: %d %v", resp.StatusCode, out)
	}

	resp, out = env.do(t, http.MethodGet, "/positions", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("positions: %d", resp.StatusCode)
	}
	var positions []upstream.Position
	if err := json.Unmarshal(out["items"].(json.RawMessage), &positions); err != nil {
		t.Fatalf("decode positions: %v", err)
	}
	if len(positions) != 2 || positions[0].Symbol != "AAPL" {
		t.Fatalf("positions = %+v", positions)
	}
}

func TestUnknownAccountHintIsPassedThrough(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "U999")

	resp, out := env.do(t, http.MethodGet, "/positions", "")
	if resp.StatusCode != http.StatusUnprocessableEntity || out["code"] != string(bridgeerrors.CodeUpstreamRejected) {
		t.Fatalf("positions for unknown account: %d %v", resp.StatusCode, out)
	}
}

func TestPlaceStockOrder(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "")

	resp, out := env.do(t, http.MethodPost, "/order/stock",
		`{"symbol":"AAPL","quantity":10,"action":"buy","order_type":"LMT","limit_price":180.25}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("order: %d %v", resp.StatusCode, out)
	}
	if out["orderId"] != "SIM-1" || out["status"] != "Submitted" || out["account"] != sim.AccountID {
		t.Fatalf("order result = %v", out)
	}
	if out["summary"] != "BUY 10 AAPL LIMIT @ 180.25 DAY" {
		t.Fatalf("summary = %v", out["summary"])
	}

	resp, out = env.do(t, http.MethodGet, "/orders", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open orders: %d", resp.StatusCode)
	}
	var orders []upstream.OpenOrder
	if err := json.Unmarshal(out["items"].(json.RawMessage), &orders); err != nil {
		t.Fatalf("decode orders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "SIM-1" {
		t.Fatalf("open orders = %+v", orders)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "")

	resp, out := env.do(t, http.MethodPost, "/order/stock", `{"symbol":"AAPL","quantity":10,"action":"BUY","order_type":"LIMIT"}`)
	if resp.StatusCode != http.StatusBadRequest || out["code"] != string(bridgeerrors.CodeInvalidOrderParameters) {
		t.Fatalf("limit without price: %d %v", resp.StatusCode, out)
	}
	resp, out = env.do(t, http.MethodPost, "/order/stock", `{"symbol":"AAPL","quantity":10,"action":"BUY","order_type":"TRAIL"}`)
	if resp.StatusCode != http.StatusBadRequest || out["code"] != string(bridgeerrors.CodeUnsupportedOrderType) {
		t.Fatalf("unsupported type: %d %v", resp.StatusCode, out)
	}
	if orders, _ := env.broker.Orders(context.Background(), sim.AccountID); len(orders) != 0 {
		t.Fatalf("invalid orders must not reach the broker: %+v", orders)
	}
}

func TestPlaceOptionOrder(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "")

	resp, out := env.do(t, http.MethodPost, "/order/option",
		`{"symbol":"AAPL","quantity":2,"action":"SELL","order_type":"LIMIT","limit_price":2.5,"expiry":"20250117","strike":150,"right":"P"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("option order: %d %v", resp.StatusCode, out)
	}
	if out["summary"] != "SELL 2 AAPL 20250117 150 PUT LIMIT @ 2.5 DAY" {
		t.Fatalf("summary = %v", out["summary"])
	}
}

func TestMarketDataSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "")

	resp, out := env.do(t, http.MethodGet, "/market-data/tsla", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("market data: %d %v", resp.StatusCode, out)
	}
	if out["symbol"] != "TSLA" {
		t.Fatalf("symbol = %v", out["symbol"])
	}
	if last, _ := out["last"].(float64); last <= 0 {
		t.Fatalf("last = %v", out["last"])
	}
}

func TestMetricsRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("metrics without token: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/metrics", nil)
	req.Header.Set("X-Metrics-Token", "scrape")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics with token: %d", res.StatusCode)
	}
}

func TestPickAccount(t *testing.T) {
	accounts := []upstream.Account{{AccountID: ""}, {AccountID: "DU1"}, {AccountID: "DU2"}}

	if a, _ := pickAccount(accounts, ""); a.AccountID != "DU1" {
		t.Fatalf("first account = %s", a.AccountID)
	}
	if a, _ := pickAccount(accounts, "DU2"); a.AccountID != "DU2" {
		t.Fatalf("hinted account = %s", a.AccountID)
	}
	if _, err := pickAccount(nil, ""); bridgeerrors.CodeOf(err) != bridgeerrors.CodeUpstreamRejected {
		t.Fatalf("no accounts err = %v", err)
	}
}
