// Package order validates order requests and submits them to the gateway.
package order

import (
	"github.com/boomtrade/bridge/internal/contract"
)

// 订单方向
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// 订单类型
const (
	TypeMarket    = "MARKET"
	TypeLimit     = "LIMIT"
	TypeStop      = "STOP"
	TypeStopLimit = "STOP_LIMIT"
)

// 有效期
const (
	TIFDay = "DAY"
	TIFGTC = "GTC"
	TIFIOC = "IOC"
	TIFOPG = "OPG"
)

// 期权方向
const (
	RightCall = "CALL"
	RightPut  = "PUT"
)

// Request is an order as received from a client. The JSON names follow the
// mobile client's wire format.
type Request struct {
	Symbol      string   `json:"symbol"`
	Quantity    int      `json:"quantity"`
	Action      string   `json:"action"`
	OrderType   string   `json:"order_type"`
	TimeInForce string   `json:"time_in_force,omitempty"`
	LimitPrice  *float64 `json:"limit_price,omitempty"`
	StopPrice   *float64 `json:"stop_price,omitempty"`

	// Option-only fields.
	Expiry string  `json:"expiry,omitempty"`
	Strike float64 `json:"strike,omitempty"`
	Right  string  `json:"right,omitempty"`

	// SecType is set by the route, never by the client.
	SecType string `json:"-"`
}

// StockRequest marks r as a stock order.
func StockRequest(r Request) Request {
	r.SecType = contract.SecTypeStock
	return r
}

// OptionRequest marks r as an option order.
func OptionRequest(r Request) Request {
	r.SecType = contract.SecTypeOption
	return r
}

// Order is a validated request with every alias expanded.
type Order struct {
	Query       contract.Query
	Side        string
	Quantity    int
	Type        string
	TimeInForce string
	LimitPrice  *float64
	StopPrice   *float64
	Right       string // CALL or PUT, options only
}

// Result 下单结果
type Result struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Summary       string `json:"summary"`
	Account       string `json:"account"`
	Ambiguous     bool   `json:"ambiguous,omitempty"`
}
