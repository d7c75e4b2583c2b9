package quote

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boomtrade/bridge/internal/contract"
	"github.com/boomtrade/bridge/internal/metrics"
	"github.com/boomtrade/bridge/internal/upstream"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
	"github.com/boomtrade/bridge/pkg/logger"
)

type Gate interface {
	EnsureReady() error
}

type Resolver interface {
	Resolve(ctx context.Context, q contract.Query) (contract.Instrument, error)
}

// Source fetches a single market data snapshot.
type Source interface {
	Snapshot(ctx context.Context, id upstream.InstrumentID) (*upstream.Snapshot, error)
}

type Options struct {
	Interval         time.Duration
	FailureThreshold int
	Buffer           int
	PublishTimeout   time.Duration
}

// Subscription is one subscriber's view of a symbol's stream.
type Subscription struct {
	SubscriberID string
	Symbol       string
	Instrument   contract.Instrument

	ticks   chan Tick
	m       *Multiplexer
	stop    func() bool
	removed bool // guarded by m.mu
}

// Ticks is closed when the subscription ends.
func (s *Subscription) Ticks() <-chan Tick {
	return s.ticks
}

func (s *Subscription) Cancel() {
	s.m.remove(s)
}

type poller struct {
	symbol     string
	instrument contract.Instrument
	cancel     context.CancelFunc
}

// Multiplexer keeps at most one poller per symbol regardless of how many
// subscribers want it.
type Multiplexer struct {
	gate      Gate
	resolver  Resolver
	source    Source
	publisher TickPublisher
	opts      Options
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	subs    map[string]map[string]*Subscription
	pollers map[string]*poller
	closed  bool
}

func NewMultiplexer(gate Gate, resolver Resolver, source Source, publisher TickPublisher, opts Options, log *logger.Logger, m *metrics.Metrics) *Multiplexer {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		gate:      gate,
		resolver:  resolver,
		source:    source,
		publisher: publisher,
		opts:      opts,
		log:       log.Component("quote"),
		metrics:   m,
		now:       time.Now,
		base:      base,
		cancel:    cancel,
		subs:      make(map[string]map[string]*Subscription),
		pollers:   make(map[string]*poller),
	}
}

// Subscribe registers subscriberID for symbol. The first subscriber of a symbol
// starts its poller. The subscription ends when ctx is done or on Unsubscribe.
func (m *Multiplexer) Subscribe(ctx context.Context, subscriberID, symbol string) (*Subscription, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, bridgeerrors.New(bridgeerrors.CodeInvalidParam, "symbol is required")
	}
	if err := m.gate.EnsureReady(); err != nil {
		return nil, err
	}
	if sub := m.existing(subscriberID, symbol); sub != nil {
		return sub, nil
	}

	inst, err := m.resolver.Resolve(ctx, contract.StockQuery(symbol))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, bridgeerrors.New(bridgeerrors.CodeUnavailable, "quote stream is shutting down")
	}
	set, ok := m.subs[symbol]
	if !ok {
		set = make(map[string]*Subscription)
		m.subs[symbol] = set
	}
	if sub, ok := set[subscriberID]; ok {
		return sub, nil
	}

	sub := &Subscription{
		SubscriberID: subscriberID,
		Symbol:       symbol,
		Instrument:   inst,
		ticks:        make(chan Tick, m.opts.Buffer),
		m:            m,
	}
	set[subscriberID] = sub
	sub.stop = context.AfterFunc(ctx, func() { m.remove(sub) })

	if _, running := m.pollers[symbol]; !running {
		m.startPollerLocked(symbol, inst)
	}
	m.updateGaugesLocked()
	m.log.Debugf("subscribed", logger.Fields{"symbol": symbol, "subscriber": subscriberID})
	return sub, nil
}

func (m *Multiplexer) existing(subscriberID, symbol string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[symbol][subscriberID]
}

// Unsubscribe removes subscriberID from symbol and closes its channel. Nothing
// is delivered to it after Unsubscribe returns.
func (m *Multiplexer) Unsubscribe(subscriberID, symbol string) {
	m.mu.Lock()
	sub := m.subs[strings.TrimSpace(symbol)][subscriberID]
	m.mu.Unlock()
	if sub != nil {
		m.remove(sub)
	}
}

func (m *Multiplexer) remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(sub)
}

func (m *Multiplexer) removeLocked(sub *Subscription) {
	if sub.removed {
		return
	}
	sub.removed = true
	if sub.stop != nil {
		sub.stop()
	}
	close(sub.ticks)

	set := m.subs[sub.Symbol]
	if set[sub.SubscriberID] == sub {
		delete(set, sub.SubscriberID)
	}
	if len(set) == 0 {
		delete(m.subs, sub.Symbol)
		if p, ok := m.pollers[sub.Symbol]; ok {
			p.cancel()
			delete(m.pollers, sub.Symbol)
			m.log.Debugf("poller stopped", logger.Fields{"symbol": sub.Symbol})
		}
	}
	m.updateGaugesLocked()
}

func (m *Multiplexer) startPollerLocked(symbol string, inst contract.Instrument) {
	ctx, cancel := context.WithCancel(m.base)
	p := &poller{symbol: symbol, instrument: inst, cancel: cancel}
	m.pollers[symbol] = p
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, p)
	}()
	m.log.Debugf("poller started", logger.Fields{"symbol": symbol, "instrument_id": inst.UpstreamID.String()})
}

func (m *Multiplexer) run(ctx context.Context, p *poller) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		q, err := m.poll(ctx, p)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			m.metrics.IncQuotePollError(p.symbol)
			// 连续失败达到阈值时只推送一次错误
			if failures == m.opts.FailureThreshold {
				m.log.WithError(err).Warnf("quote polling failing", logger.Fields{"symbol": p.symbol, "failures": failures})
				m.fanout(p, Tick{Symbol: p.symbol, Err: streamError(err)})
			}
		} else {
			if failures >= m.opts.FailureThreshold {
				m.log.Infof("quote polling recovered", logger.Fields{"symbol": p.symbol, "failures": failures})
			}
			failures = 0
			m.fanout(p, Tick{Symbol: p.symbol, Quote: &q})
			m.publish(ctx, q)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Multiplexer) poll(ctx context.Context, p *poller) (Quote, error) {
	if err := m.gate.EnsureReady(); err != nil {
		return Quote{}, err
	}
	snap, err := m.source.Snapshot(ctx, p.instrument.UpstreamID)
	if err != nil {
		return Quote{}, err
	}
	return fromSnapshot(p.symbol, p.instrument.UpstreamID, snap, m.now()), nil
}

func streamError(err error) *bridgeerrors.Error {
	if bridgeerrors.CodeOf(err) != bridgeerrors.CodeUnknown {
		return bridgeerrors.From(err)
	}
	return bridgeerrors.Wrap(bridgeerrors.CodeUpstreamUnavailable, err, "market data unavailable")
}

// fanout delivers t to the poller's current subscribers without blocking.
func (m *Multiplexer) fanout(p *poller, t Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollers[p.symbol] != p {
		return
	}
	for _, sub := range m.subs[p.symbol] {
		select {
		case sub.ticks <- t:
		default:
			m.metrics.IncQuoteDropped()
		}
	}
}

func (m *Multiplexer) publish(ctx context.Context, q Quote) {
	if m.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.opts.PublishTimeout)
	defer cancel()
	if err := m.publisher.PublishQuote(pctx, q); err != nil && ctx.Err() == nil {
		m.log.WithError(err).Debugf("quote publish failed", logger.Fields{"symbol": q.Symbol})
	}
}

// Snapshot returns one quote without subscribing.
func (m *Multiplexer) Snapshot(ctx context.Context, symbol string) (*Quote, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, bridgeerrors.New(bridgeerrors.CodeInvalidParam, "symbol is required")
	}
	if err := m.gate.EnsureReady(); err != nil {
		return nil, err
	}
	inst, err := m.resolver.Resolve(ctx, contract.StockQuery(symbol))
	if err != nil {
		return nil, err
	}
	snap, err := m.source.Snapshot(ctx, inst.UpstreamID)
	if err != nil {
		return nil, err
	}
	q := fromSnapshot(symbol, inst.UpstreamID, snap, m.now())
	return &q, nil
}

// ActiveSymbols returns the symbols that have at least one subscriber.
func (m *Multiplexer) ActiveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for symbol := range m.subs {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (m *Multiplexer) RunningPollers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollers)
}

func (m *Multiplexer) SubscriberCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[symbol])
}

// Close ends every subscription and waits for the pollers to exit.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	for _, set := range m.subs {
		for _, sub := range set {
			m.removeLocked(sub)
		}
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Multiplexer) updateGaugesLocked() {
	total := 0
	for _, set := range m.subs {
		total += len(set)
	}
	m.metrics.SetSubscribers(total)
	m.metrics.SetActivePollers(len(m.pollers))
}
