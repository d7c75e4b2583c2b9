// Package sim is the SIMULATION_MODE backend: a launcher whose children never
// exit on their own, a prober that always reports an authenticated session
// and an in-memory brokerage that quotes a random walk.
package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boomtrade/bridge/internal/probe"
	"github.com/boomtrade/bridge/internal/supervisor"
	"github.com/boomtrade/bridge/internal/upstream"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
)

// AccountID is the only account the simulated brokerage knows.
const AccountID = "SIM123"

// Launcher starts fake gateway children.
type Launcher struct {
	nextPID atomic.Int64
}

func NewLauncher() *Launcher {
	l := &Launcher{}
	l.nextPID.Store(40000)
	return l
}

func (l *Launcher) Launch(ctx context.Context, env []string) (supervisor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &process{pid: int(l.nextPID.Add(1)), done: make(chan struct{})}, nil
}

type process struct {
	pid  int
	once sync.Once
	done chan struct{}
}

func (p *process) Pid() int              { return p.pid }
func (p *process) Done() <-chan struct{} { return p.done }
func (p *process) Err() error            { return nil }

func (p *process) Terminate(time.Duration) {
	p.once.Do(func() { close(p.done) })
}

// Prober always answers authenticated.
type Prober struct{}

func (Prober) Probe(context.Context) probe.Result {
	return probe.Result{Status: probe.Authenticated, Connected: true, CheckedAt: time.Now()}
}

type instrument struct {
	id     upstream.InstrumentID
	symbol string
	price  float64
	open   float64
	high   float64
	low    float64
	volume float64
}

type holding struct {
	symbol  string
	qty     float64
	avgCost float64
}

// Brokerage implements upstream.API in memory.
type Brokerage struct {
	mu          sync.Mutex
	rng         *rand.Rand
	instruments map[upstream.InstrumentID]*instrument
	bySymbol    map[string]upstream.InstrumentID
	holdings    []holding
	orders      []upstream.OpenOrder
	orderSeq    int
}

var basePrices = map[string]float64{
	"AAPL": 178.25,
	"TSLA": 245.50,
	"MSFT": 415.10,
	"SPY":  520.40,
	"QQQ":  445.80,
	"NVDA": 880.00,
}

// NewBrokerage seeds the random walk with seed so tests are repeatable.
func NewBrokerage(seed uint64) *Brokerage {
	b := &Brokerage{
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		instruments: make(map[upstream.InstrumentID]*instrument),
		bySymbol:    make(map[string]upstream.InstrumentID),
		holdings: []holding{
			{symbol: "AAPL", qty: 100, avgCost: 175.50},
			{symbol: "TSLA", qty: 50, avgCost: 240.00},
		},
	}
	return b
}

func (b *Brokerage) AuthStatus(context.Context) (*upstream.AuthStatus, error) {
	return &upstream.AuthStatus{Authenticated: true, Connected: true}, nil
}

func (b *Brokerage) Tickle(context.Context) error { return nil }

// Search answers any well-formed symbol with one match.
func (b *Brokerage) Search(ctx context.Context, params upstream.SearchParams) ([]upstream.SearchResult, error) {
	symbol := strings.ToUpper(strings.TrimSpace(params.Symbol))
	if symbol == "" {
		return nil, nil
	}
	key := symbol
	desc := symbol
	if params.SecType == "OPT" {
		key = fmt.Sprintf("%s %s %g %s", symbol, params.Expiry, params.Strike, params.Right)
		desc = key
	}

	b.mu.Lock()
	inst := b.instrumentLocked(key)
	b.mu.Unlock()
	return []upstream.SearchResult{{InstrumentID: inst.id, Symbol: symbol, Description: "SIM " + desc}}, nil
}

// instrumentLocked creates the instrument on first sight.
func (b *Brokerage) instrumentLocked(key string) *instrument {
	if id, ok := b.bySymbol[key]; ok {
		return b.instruments[id]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	id := upstream.InstrumentID(fmt.Sprintf("%d", 100000+h.Sum32()%900000))
	for {
		if _, taken := b.instruments[id]; !taken {
			break
		}
		id += "1"
	}

	base, ok := basePrices[key]
	if !ok {
		base = 20 + float64(h.Sum32()%480)
		if strings.Contains(key, " ") {
			base = 1 + float64(h.Sum32()%1500)/100
		}
	}
	inst := &instrument{id: id, symbol: key, price: base, open: base, high: base, low: base}
	b.instruments[id] = inst
	b.bySymbol[key] = id
	return inst
}

// Snapshot advances the walk by one step.
func (b *Brokerage) Snapshot(ctx context.Context, id upstream.InstrumentID) (*upstream.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instruments[id]
	if !ok {
		return nil, bridgeerrors.New(bridgeerrors.CodeUpstreamRejected, "unknown instrument "+id.String())
	}
	step := (b.rng.Float64() - 0.5) * 0.004 * inst.price
	inst.price = math.Max(0.01, round2(inst.price+step))
	inst.high = math.Max(inst.high, inst.price)
	inst.low = math.Min(inst.low, inst.price)
	inst.volume += float64(100 * (1 + b.rng.IntN(50)))

	spread := math.Max(0.01, round2(inst.price*0.0002))
	return &upstream.Snapshot{
		Bid:    round2(inst.price - spread),
		Ask:    round2(inst.price + spread),
		Last:   inst.price,
		Volume: inst.volume,
		High:   inst.high,
		Low:    inst.low,
		Close:  inst.open,
	}, nil
}

func (b *Brokerage) Accounts(context.Context) ([]upstream.Account, error) {
	return []upstream.Account{{
		AccountID:   AccountID,
		DisplayName: "Simulated account",
		Type:        "SIMULATION",
		Currency:    "USD",
	}}, nil
}

func (b *Brokerage) Positions(ctx context.Context, accountID string) ([]upstream.Position, error) {
	if accountID != AccountID {
		return nil, bridgeerrors.New(bridgeerrors.CodeUpstreamRejected, "unknown account "+accountID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]upstream.Position, 0, len(b.holdings))
	for _, h := range b.holdings {
		inst := b.instrumentLocked(h.symbol)
		out = append(out, upstream.Position{
			InstrumentID:  inst.id,
			Symbol:        h.symbol,
			Position:      h.qty,
			AvgCost:       h.avgCost,
			MktPrice:      inst.price,
			MktValue:      round2(h.qty * inst.price),
			UnrealizedPnl: round2(h.qty * (inst.price - h.avgCost)),
			Currency:      "USD",
		})
	}
	return out, nil
}

// PlaceOrder accepts every order. Market orders fill immediately; the rest
// stay working and show up in Orders.
func (b *Brokerage) PlaceOrder(ctx context.Context, accountID string, payload upstream.OrderPayload) (*upstream.OrderAck, error) {
	if accountID != AccountID {
		return nil, bridgeerrors.New(bridgeerrors.CodeUpstreamRejected, "unknown account "+accountID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instruments[payload.InstrumentID]
	if !ok {
		return nil, bridgeerrors.New(bridgeerrors.CodeUpstreamRejected, "unknown instrument "+payload.InstrumentID.String())
	}
	b.orderSeq++
	ack := &upstream.OrderAck{OrderID: fmt.Sprintf("SIM-%d", b.orderSeq), Status: "Submitted"}

	if payload.OrderType == "MKT" {
		ack.Status = "Filled"
		if payload.SecType != "OPT" {
			b.fillLocked(inst, payload.Side, float64(payload.Quantity))
		}
		return ack, nil
	}
	b.orders = append(b.orders, upstream.OpenOrder{
		OrderID:    ack.OrderID,
		Symbol:     inst.symbol,
		SecType:    payload.SecType,
		Side:       payload.Side,
		Quantity:   float64(payload.Quantity),
		OrderType:  payload.OrderType,
		LimitPrice: payload.LimitPrice,
		StopPrice:  payload.StopPrice,
		Status:     ack.Status,
	})
	return ack, nil
}

func (b *Brokerage) fillLocked(inst *instrument, side string, qty float64) {
	if side == "SELL" {
		qty = -qty
	}
	for i := range b.holdings {
		h := &b.holdings[i]
		if h.symbol != inst.symbol {
			continue
		}
		if qty > 0 {
			h.avgCost = round2((h.avgCost*h.qty + inst.price*qty) / (h.qty + qty))
		}
		h.qty += qty
		if h.qty == 0 {
			b.holdings = append(b.holdings[:i], b.holdings[i+1:]...)
		}
		return
	}
	b.holdings = append(b.holdings, holding{symbol: inst.symbol, qty: qty, avgCost: inst.price})
	sort.Slice(b.holdings, func(i, j int) bool { return b.holdings[i].symbol < b.holdings[j].symbol })
}

func (b *Brokerage) Orders(ctx context.Context, accountID string) ([]upstream.OpenOrder, error) {
	if accountID != AccountID {
		return nil, bridgeerrors.New(bridgeerrors.CodeUpstreamRejected, "unknown account "+accountID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]upstream.OpenOrder, len(b.orders))
	copy(out, b.orders)
	return out, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
