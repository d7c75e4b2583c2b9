package order

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/boomtrade/bridge/internal/contract"
	"github.com/boomtrade/bridge/internal/metrics"
	"github.com/boomtrade/bridge/internal/upstream"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
	"github.com/boomtrade/bridge/pkg/logger"
	"github.com/google/uuid"
)

// Gate reports whether the gateway session can take requests.
type Gate interface {
	EnsureReady() error
	AccountHint() string
}

type Resolver interface {
	Resolve(ctx context.Context, q contract.Query) (contract.Instrument, error)
}

// Broker is the part of the gateway API used for order entry.
type Broker interface {
	Accounts(ctx context.Context) ([]upstream.Account, error)
	PlaceOrder(ctx context.Context, accountID string, payload upstream.OrderPayload) (*upstream.OrderAck, error)
}

// Mediator turns client order requests into gateway submissions.
type Mediator struct {
	gate     Gate
	resolver Resolver
	broker   Broker
	log      *logger.Logger
	metrics  *metrics.Metrics
	newID    func() string
}

func NewMediator(gate Gate, resolver Resolver, broker Broker, log *logger.Logger, m *metrics.Metrics) *Mediator {
	if log == nil {
		log = logger.Nop()
	}
	return &Mediator{
		gate:     gate,
		resolver: resolver,
		broker:   broker,
		log:      log.Component("order"),
		metrics:  m,
		newID:    uuid.NewString,
	}
}

// PlaceOrder validates, resolves and submits r exactly once.
func (m *Mediator) PlaceOrder(ctx context.Context, r Request) (*Result, error) {
	start := time.Now()
	res, err := m.place(ctx, r)
	if err != nil {
		m.metrics.IncOrderRejected(string(bridgeerrors.CodeOf(err)))
		return nil, err
	}
	m.metrics.ObserveOrderLatency(time.Since(start))
	return res, nil
}

func (m *Mediator) place(ctx context.Context, r Request) (*Result, error) {
	o, err := Validate(r)
	if err != nil {
		return nil, err
	}
	if err := m.gate.EnsureReady(); err != nil {
		return nil, err
	}

	inst, err := m.resolver.Resolve(ctx, o.Query)
	if err != nil {
		return nil, err
	}

	account, err := m.account(ctx)
	if err != nil {
		return nil, err
	}

	payload := upstream.OrderPayload{
		InstrumentID:  inst.UpstreamID,
		SecType:       o.Query.SecType,
		Side:          o.Side,
		Quantity:      o.Quantity,
		OrderType:     gatewayOrderTypes[o.Type],
		TIF:           o.TimeInForce,
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
		ClientOrderID: m.newID(),
	}
	summary := Summary(o)

	ack, err := m.broker.PlaceOrder(ctx, account, payload)
	if err != nil {
		m.log.WithError(err).Warnf("order not accepted", logger.Fields{
			"client_order_id": payload.ClientOrderID,
			"account":         account,
			"summary":         summary,
			"code":            string(bridgeerrors.CodeOf(err)),
		})
		return nil, err
	}

	m.metrics.IncOrderSubmitted(o.Query.SecType, o.Side)
	m.log.Infof("order submitted", logger.Fields{
		"order_id":        ack.OrderID,
		"client_order_id": payload.ClientOrderID,
		"account":         account,
		"instrument_id":   inst.UpstreamID.String(),
		"summary":         summary,
		"status":          ack.Status,
	})

	return &Result{
		OrderID:       ack.OrderID,
		Status:        ack.Status,
		ClientOrderID: payload.ClientOrderID,
		Summary:       summary,
		Account:       account,
		Ambiguous:     inst.Ambiguous,
	}, nil
}

// account 优先使用登录时提供的账户，否则取网关返回的第一个账户
func (m *Mediator) account(ctx context.Context) (string, error) {
	if hint := m.gate.AccountHint(); hint != "" {
		return hint, nil
	}
	accounts, err := m.broker.Accounts(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range accounts {
		if a.AccountID != "" {
			return a.AccountID, nil
		}
	}
	return "", bridgeerrors.New(bridgeerrors.CodeUpstreamRejected, "gateway reported no brokerage accounts")
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// Summary renders o for humans, e.g. "BUY 10 AAPL LIMIT @ 180.25 DAY".
func Summary(o *Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s", o.Side, o.Quantity, o.Query.Symbol)
	if o.Query.SecType == contract.SecTypeOption {
		fmt.Fprintf(&b, " %s %s %s", o.Query.Expiry, formatPrice(o.Query.Strike), o.Right)
	}
	b.WriteString(" " + o.Type)
	if o.StopPrice != nil {
		b.WriteString(" stop " + formatPrice(*o.StopPrice))
	}
	if o.LimitPrice != nil {
		b.WriteString(" @ " + formatPrice(*o.LimitPrice))
	}
	b.WriteString(" " + o.TimeInForce)
	return b.String()
}
