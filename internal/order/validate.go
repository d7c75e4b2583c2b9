package order

import (
	"math"
	"strings"
	"time"

	"github.com/boomtrade/bridge/internal/contract"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
)

var orderTypeAliases = map[string]string{
	"MARKET":     TypeMarket,
	"MKT":        TypeMarket,
	"LIMIT":      TypeLimit,
	"LMT":        TypeLimit,
	"STOP":       TypeStop,
	"STP":        TypeStop,
	"STOP_LIMIT": TypeStopLimit,
	"STP_LMT":    TypeStopLimit,
}

// upstream order type codes
var gatewayOrderTypes = map[string]string{
	TypeMarket:    "MKT",
	TypeLimit:     "LMT",
	TypeStop:      "STP",
	TypeStopLimit: "STP_LMT",
}

var rightAliases = map[string]string{
	"C":    RightCall,
	"CALL": RightCall,
	"P":    RightPut,
	"PUT":  RightPut,
}

func invalid(format string, args ...interface{}) error {
	return bridgeerrors.Newf(bridgeerrors.CodeInvalidOrderParameters, format, args...)
}

func validPrice(p *float64) bool {
	return p != nil && *p > 0 && !math.IsInf(*p, 0) && !math.IsNaN(*p)
}

// Validate checks r without touching the gateway and returns the normalized order.
func Validate(r Request) (*Order, error) {
	symbol := strings.TrimSpace(r.Symbol)
	if symbol == "" {
		return nil, invalid("symbol is required")
	}
	if r.Quantity <= 0 {
		return nil, invalid("quantity must be a positive integer, got %d", r.Quantity)
	}

	side := strings.ToUpper(strings.TrimSpace(r.Action))
	switch side {
	case SideBuy, SideSell:
	case "":
		return nil, invalid("action is required")
	default:
		return nil, bridgeerrors.Newf(bridgeerrors.CodeUnsupportedOrderType, "unsupported action %q, want BUY or SELL", r.Action)
	}

	rawType := strings.ToUpper(strings.TrimSpace(r.OrderType))
	if rawType == "" {
		return nil, invalid("order_type is required")
	}
	orderType, ok := orderTypeAliases[rawType]
	if !ok {
		return nil, bridgeerrors.Newf(bridgeerrors.CodeUnsupportedOrderType, "unsupported order type %q", r.OrderType)
	}

	tif := strings.ToUpper(strings.TrimSpace(r.TimeInForce))
	switch tif {
	case "":
		tif = TIFDay
	case TIFDay, TIFGTC, TIFIOC, TIFOPG:
	default:
		return nil, invalid("time_in_force must be one of DAY, GTC, IOC, OPG, got %q", r.TimeInForce)
	}

	needsLimit := orderType == TypeLimit || orderType == TypeStopLimit
	needsStop := orderType == TypeStop || orderType == TypeStopLimit
	switch {
	case needsLimit && r.LimitPrice == nil:
		return nil, invalid("limit_price is required for %s orders", orderType)
	case needsLimit && !validPrice(r.LimitPrice):
		return nil, invalid("limit_price must be a positive number")
	case !needsLimit && r.LimitPrice != nil:
		return nil, invalid("limit_price is not allowed for %s orders", orderType)
	}
	switch {
	case needsStop && r.StopPrice == nil:
		return nil, invalid("stop_price is required for %s orders", orderType)
	case needsStop && !validPrice(r.StopPrice):
		return nil, invalid("stop_price must be a positive number")
	case !needsStop && r.StopPrice != nil:
		return nil, invalid("stop_price is not allowed for %s orders", orderType)
	}

	o := &Order{
		Side:        side,
		Quantity:    r.Quantity,
		Type:        orderType,
		TimeInForce: tif,
		LimitPrice:  r.LimitPrice,
		StopPrice:   r.StopPrice,
	}

	switch r.SecType {
	case contract.SecTypeStock, "":
		o.Query = contract.StockQuery(symbol)
	case contract.SecTypeOption:
		expiry := strings.TrimSpace(r.Expiry)
		if _, err := time.Parse("20060102", expiry); err != nil || len(expiry) != 8 {
			return nil, invalid("expiry must be a YYYYMMDD date, got %q", r.Expiry)
		}
		if r.Strike <= 0 || math.IsInf(r.Strike, 0) || math.IsNaN(r.Strike) {
			return nil, invalid("strike must be positive")
		}
		right, ok := rightAliases[strings.ToUpper(strings.TrimSpace(r.Right))]
		if !ok {
			return nil, invalid("right must be CALL or PUT, got %q", r.Right)
		}
		o.Right = right
		o.Query = contract.OptionQuery(symbol, expiry, r.Strike, right[:1])
	default:
		return nil, invalid("unknown security type %q", r.SecType)
	}
	return o, nil
}
