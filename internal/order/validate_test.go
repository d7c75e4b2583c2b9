package order

import (
	"errors"
	"testing"

	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
)

func price(v float64) *float64 { return &v }

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want *bridgeerrors.Error
	}{
		{"market ok", StockRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "buy", OrderType: "MKT"}), nil},
		{"limit ok", StockRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "SELL", OrderType: "LMT", LimitPrice: price(10)}), nil},
		{"limit missing price", StockRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "LIMIT"}), bridgeerrors.ErrInvalidOrderParameters},
		{"stop missing price", StockRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "STP"}), bridgeerrors.ErrInvalidOrderParameters},
		{"stop limit needs both", StockRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "STP_LMT", StopPrice: price(5)}), bridgeerrors.ErrInvalidOrderParameters},
		{"market with limit price", StockRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "MKT", LimitPrice: price(5)}), bridgeerrors.ErrInvalidOrderParameters},
		{"negative price", StockRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "LMT", LimitPrice: price(-1)}), bridgeerrors.ErrInvalidOrderParameters},
		{"zero quantity", StockRequest(Request{Symbol: "AAPL", Action: "BUY", OrderType: "MKT"}), bridgeerrors.ErrInvalidOrderParameters},
		{"empty symbol", StockRequest(Request{Symbol: "  ", Quantity: 1, Action: "BUY", OrderType: "MKT"}), bridgeerrors.ErrInvalidOrderParameters},
		{"unknown action", StockRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "HOLD", OrderType: "MKT"}), bridgeerrors.ErrUnsupportedOrderType},
		{"missing action", StockRequest(Request{Symbol: "AAPL", Quantity: 1, OrderType: "MKT"}), bridgeerrors.ErrInvalidOrderParameters},
		{"unsupported type", StockRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "TRAIL"}), bridgeerrors.ErrUnsupportedOrderType},
		{"bad tif", StockRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "MKT", TimeInForce: "FOK"}), bridgeerrors.ErrInvalidOrderParameters},
		{"option ok", OptionRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "LMT", LimitPrice: price(2.5), Expiry: "20250117", Strike: 150, Right: "C"}), nil},
		{"option bad expiry", OptionRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "MKT", Expiry: "2025-01-17", Strike: 150, Right: "C"}), bridgeerrors.ErrInvalidOrderParameters},
		{"option impossible date", OptionRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "MKT", Expiry: "20250231", Strike: 150, Right: "C"}), bridgeerrors.ErrInvalidOrderParameters},
		{"option zero strike", OptionRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "MKT", Expiry: "20250117", Right: "P"}), bridgeerrors.ErrInvalidOrderParameters},
		{"option bad right", OptionRequest(Request{Symbol: "AAPL", Quantity: 1, Action: "BUY", OrderType: "MKT", Expiry: "20250117", Strike: 150, Right: "X"}), bridgeerrors.ErrInvalidOrderParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.req)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %s", err, tt.want.Code)
			}
		})
	}
}

func TestValidateNormalizesAliases(t *testing.T) {
	o, err := Validate(OptionRequest(Request{
		Symbol: "AAPL", Quantity: 2, Action: "sell", OrderType: "stp_lmt",
		LimitPrice: price(2.5), StopPrice: price(2.4), Expiry: "20250117", Strike: 150, Right: "put",
	}))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if o.Type != TypeStopLimit || o.Side != SideSell || o.TimeInForce != TIFDay || o.Right != RightPut {
		t.Fatalf("unexpected order: %+v", o)
	}
	if o.Query.Key() != "AAPL|20250117|150|P" {
		t.Fatalf("query key = %q", o.Query.Key())
	}
	if got := Summary(o); got != "SELL 2 AAPL 20250117 150 PUT STOP_LIMIT stop 2.4 @ 2.5 DAY" {
		t.Fatalf("summary = %q", got)
	}
}
