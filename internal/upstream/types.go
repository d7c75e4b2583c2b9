package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// API is the subset of the gateway REST API the bridge uses.
type API interface {
	AuthStatus(ctx context.Context) (*AuthStatus, error)
	Search(ctx context.Context, params SearchParams) ([]SearchResult, error)
	Snapshot(ctx context.Context, id InstrumentID) (*Snapshot, error)
	PlaceOrder(ctx context.Context, accountID string, payload OrderPayload) (*OrderAck, error)
	Accounts(ctx context.Context) ([]Account, error)
	Positions(ctx context.Context, accountID string) ([]Position, error)
	Orders(ctx context.Context, accountID string) ([]OpenOrder, error)
	Tickle(ctx context.Context) error
}

// InstrumentID is the broker's contract identifier. The gateway reports it
// as a number; it is kept as a string so the bridge never does arithmetic on it.
type InstrumentID string

func (id *InstrumentID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = InstrumentID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("instrument id: %w", err)
	}
	*id = InstrumentID(n.String())
	return nil
}

// MarshalJSON writes numeric ids as JSON numbers, anything else as a string.
func (id InstrumentID) MarshalJSON() ([]byte, error) {
	s := string(id)
	if s != "" && strings.Trim(s, "0123456789") == "" {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

func (id InstrumentID) String() string { return string(id) }

type AuthStatus struct {
	Authenticated bool `json:"authenticated"`
	Competing     bool `json:"competing"`
	Connected     bool `json:"connected"`
}

// SearchParams Symbol is required; the option fields are set only for OPT lookups.
type SearchParams struct {
	Symbol  string
	SecType string
	Expiry  string
	Strike  float64
	Right   string
}

type SearchResult struct {
	InstrumentID InstrumentID `json:"instrumentId"`
	Symbol       string       `json:"symbol"`
	Description  string       `json:"description"`
}

type Snapshot struct {
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Volume float64 `json:"volume"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
}

// OrderPayload is the normalized order sent to the gateway.
type OrderPayload struct {
	InstrumentID  InstrumentID `json:"instrumentId"`
	SecType       string       `json:"secType"`
	Side          string       `json:"side"`
	Quantity      int          `json:"quantity"`
	OrderType     string       `json:"orderType"`
	TIF           string       `json:"tif"`
	LimitPrice    *float64     `json:"limitPrice,omitempty"`
	StopPrice     *float64     `json:"stopPrice,omitempty"`
	ClientOrderID string       `json:"clientOrderId"`
}

type OrderAck struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

type Account struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
	Currency    string `json:"currency"`
}

type Position struct {
	InstrumentID  InstrumentID `json:"instrumentId"`
	Symbol        string       `json:"symbol"`
	Position      float64      `json:"position"`
	AvgCost       float64      `json:"avgCost"`
	MktPrice      float64      `json:"mktPrice"`
	MktValue      float64      `json:"mktValue"`
	UnrealizedPnl float64      `json:"unrealizedPnl"`
	Currency      string       `json:"currency"`
}

// OpenOrder is a working order as reported by the gateway.
type OpenOrder struct {
	OrderID    string   `json:"orderId"`
	Symbol     string   `json:"symbol"`
	SecType    string   `json:"secType"`
	Side       string   `json:"side"`
	Quantity   float64  `json:"quantity"`
	Filled     float64  `json:"filledQuantity"`
	OrderType  string   `json:"orderType"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
	Status     string   `json:"status"`
}
