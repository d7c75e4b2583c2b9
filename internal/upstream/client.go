package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/boomtrade/bridge/internal/metrics"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
	"github.com/boomtrade/bridge/pkg/tracing"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 4 << 20

// Options configure Client. Zero values fall back to sane defaults.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	InsecureTLS bool
	RateLimit   float64 // requests per second
	RateBurst   int
	Fields      []string // snapshot field codes
	HTTPClient  *http.Client
	Metrics     *metrics.Metrics
}

// Client talks to the gateway REST API. Read calls go through a circuit
// breaker; order submission bypasses it and is never retried.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	fields  string
	metrics *metrics.Metrics
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(opts.Timeout, opts.InsecureTLS)
	}

	settings := gobreaker.Settings{
		Name:        "gateway-read",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejection means the gateway answered; only outages count against it.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, bridgeerrors.ErrUpstreamUnavailable)
		},
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		breaker: gobreaker.NewCircuitBreaker(settings),
		fields:  strings.Join(opts.Fields, ","),
		metrics: opts.Metrics,
	}
}

func (c *Client) AuthStatus(ctx context.Context) (*AuthStatus, error) {
	var out AuthStatus
	if err := c.read(ctx, "auth_status", "/auth/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("symbol", params.Symbol)
	if params.SecType != "" {
		q.Set("secType", params.SecType)
	}
	if params.Expiry != "" {
		q.Set("expiry", params.Expiry)
	}
	if params.Strike > 0 {
		q.Set("strike", strconv.FormatFloat(params.Strike, 'f', -1, 64))
	}
	if params.Right != "" {
		q.Set("right", params.Right)
	}

	var out []SearchResult
	if err := c.read(ctx, "search", "/search", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Snapshot(ctx context.Context, id InstrumentID) (*Snapshot, error) {
	q := url.Values{}
	q.Set("ids", id.String())
	if c.fields != "" {
		q.Set("fields", c.fields)
	}
	var out Snapshot
	if err := c.read(ctx, "snapshot", "/marketdata/snapshot", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var out []Account
	if err := c.read(ctx, "accounts", "/accounts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Positions(ctx context.Context, accountID string) ([]Position, error) {
	q := url.Values{}
	q.Set("accountId", accountID)
	var out []Position
	if err := c.read(ctx, "positions", "/positions", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Orders lists the account's working orders.
func (c *Client) Orders(ctx context.Context, accountID string) ([]OpenOrder, error) {
	q := url.Values{}
	q.Set("accountId", accountID)
	var out []OpenOrder
	if err := c.read(ctx, "orders", "/account/orders", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Tickle keeps the gateway session alive.
func (c *Client) Tickle(ctx context.Context) error {
	_, err := c.do(ctx, "tickle", http.MethodPost, "/tickle", nil, nil)
	return err
}

type orderReply struct {
	OrderID json.RawMessage `json:"orderId"`
	Status  string          `json:"status"`
	Message json.RawMessage `json:"message"`
	Error   string          `json:"error"`
}

// PlaceOrder submits exactly one request. An empty reply or a reply without
// an order id is reported as a rejection carrying the gateway's message.
func (c *Client) PlaceOrder(ctx context.Context, accountID string, payload OrderPayload) (*OrderAck, error) {
	body := map[string]interface{}{"orders": []OrderPayload{payload}}
	path := "/account/" + url.PathEscape(accountID) + "/orders"

	raw, err := c.do(ctx, "place_order", http.MethodPost, path, nil, body)
	if err != nil {
		return nil, err
	}

	var replies []orderReply
	if err := json.Unmarshal(raw, &replies); err != nil {
		var single orderReply
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, bridgeerrors.Wrap(bridgeerrors.CodeUpstreamUnavailable, err, "decode order reply")
		}
		replies = []orderReply{single}
	}
	if len(replies) == 0 {
		return nil, bridgeerrors.New(bridgeerrors.CodeUpstreamRejected, "gateway returned no order acknowledgement")
	}

	reply := replies[0]
	id := strings.Trim(strings.TrimSpace(string(reply.OrderID)), `"`)
	if id == "" || id == "null" {
		msg := reply.Error
		if msg == "" {
			msg = messageText(reply.Message)
		}
		if msg == "" {
			msg = "order rejected without message"
		}
		return nil, bridgeerrors.New(bridgeerrors.CodeUpstreamRejected, msg)
	}
	return &OrderAck{OrderID: id, Status: reply.Status}, nil
}

// messageText flattens a string or []string message field.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return strings.Join(list, "; ")
	}
	return string(raw)
}

func (c *Client) read(ctx context.Context, endpoint, path string, q url.Values, out interface{}) error {
	raw, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, endpoint, http.MethodGet, path, q, nil)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return bridgeerrors.Wrap(bridgeerrors.CodeUpstreamUnavailable, err, endpoint)
		}
		return err
	}
	if err := json.Unmarshal(raw.([]byte), out); err != nil {
		return bridgeerrors.Wrap(bridgeerrors.CodeUpstreamUnavailable, err, "decode "+endpoint)
	}
	return nil
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, q url.Values, body interface{}) (raw []byte, err error) {
	ctx, span := tracing.StartGatewaySpan(ctx, endpoint, method)
	start := time.Now()
	defer func() {
		c.metrics.ObserveUpstream(endpoint, outcome(err), time.Since(start))
		tracing.SetError(ctx, err)
		span.End()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, bridgeerrors.Wrap(bridgeerrors.CodeUpstreamUnavailable, err, endpoint+": rate limit wait")
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectHTTP(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, bridgeerrors.Wrap(bridgeerrors.CodeUpstreamUnavailable, err, endpoint)
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, bridgeerrors.Wrap(bridgeerrors.CodeUpstreamUnavailable, err, endpoint+": read response")
	}
	if err := classify(endpoint, resp.StatusCode, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// classify maps a gateway response onto the bridge error codes:
// 5xx is an outage, 4xx is a rejection with the gateway's message kept verbatim.
func classify(endpoint string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return bridgeerrors.Newf(bridgeerrors.CodeUpstreamUnavailable, "%s: gateway status %d", endpoint, status)
	default:
		msg := rejectionMessage(body)
		if msg == "" {
			msg = fmt.Sprintf("%s: gateway status %d", endpoint, status)
		}
		return bridgeerrors.New(bridgeerrors.CodeUpstreamRejected, msg)
	}
}

func rejectionMessage(body []byte) string {
	var payload struct {
		Error   string          `json:"error"`
		Message json.RawMessage `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if msg := messageText(payload.Message); msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(string(body))
}

func outcome(err error) string {
	switch bridgeerrors.CodeOf(err) {
	case bridgeerrors.CodeOK:
		return "ok"
	case bridgeerrors.CodeUpstreamRejected:
		return "rejected"
	default:
		return "unavailable"
	}
}
