// Package contract resolves human-entered symbols into the gateway's
// instrument identifiers.
package contract

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/boomtrade/bridge/internal/metrics"
	"github.com/boomtrade/bridge/internal/upstream"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
	"github.com/boomtrade/bridge/pkg/logger"
	"golang.org/x/sync/singleflight"
)

const (
	SecTypeStock  = "STK"
	SecTypeOption = "OPT"
)

// Query identifies a contract. Expiry, Strike and Right are only used for options.
type Query struct {
	Symbol  string
	SecType string
	Expiry  string // YYYYMMDD
	Strike  float64
	Right   string // C or P
}

func StockQuery(symbol string) Query {
	return Query{Symbol: symbol, SecType: SecTypeStock}
}

func OptionQuery(symbol, expiry string, strike float64, right string) Query {
	return Query{Symbol: symbol, SecType: SecTypeOption, Expiry: expiry, Strike: strike, Right: right}
}

// Key is the cache key: the exact symbol for stocks, SYMBOL|EXPIRY|STRIKE|RIGHT for options.
func (q Query) Key() string {
	if q.SecType != SecTypeOption {
		return q.Symbol
	}
	return strings.Join([]string{q.Symbol, q.Expiry, strconv.FormatFloat(q.Strike, 'f', -1, 64), q.Right}, "|")
}

func (q Query) params() upstream.SearchParams {
	p := upstream.SearchParams{Symbol: q.Symbol}
	if q.SecType == SecTypeOption {
		p.SecType = SecTypeOption
		p.Expiry = q.Expiry
		p.Strike = q.Strike
		p.Right = q.Right
	}
	return p
}

// Instrument is a resolved contract.
type Instrument struct {
	QuerySymbol string                `json:"querySymbol"`
	UpstreamID  upstream.InstrumentID `json:"upstreamId"`
	ResolvedAt  time.Time             `json:"resolvedAt"`
	Ambiguous   bool                  `json:"ambiguous"`
	Candidates  int                   `json:"candidates"`
}

type Searcher interface {
	Search(ctx context.Context, params upstream.SearchParams) ([]upstream.SearchResult, error)
}

type Options struct {
	TTL           time.Duration
	LookupTimeout time.Duration
	// Strict rejects multiple matches instead of taking the first one.
	Strict bool
}

type Resolver struct {
	searcher Searcher
	opts     Options
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]Instrument
}

func NewResolver(searcher Searcher, opts Options, log *logger.Logger, m *metrics.Metrics) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = 12 * time.Hour
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Resolver{
		searcher: searcher,
		opts:     opts,
		log:      log.Component("resolver"),
		metrics:  m,
		now:      time.Now,
		cache:    make(map[string]Instrument),
	}
}

// Resolve returns a cached instrument younger than the TTL, otherwise performs
// one upstream search. Concurrent misses for the same key share a single
// search that is not cancelled when one of the callers goes away.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Instrument, error) {
	if strings.TrimSpace(q.Symbol) == "" {
		return Instrument{}, bridgeerrors.New(bridgeerrors.CodeInvalidParam, "symbol is required")
	}
	key := q.Key()
	if inst, ok := r.lookup(key); ok {
		r.metrics.IncResolverLookup("hit")
		return inst, nil
	}
	r.metrics.IncResolverLookup("miss")

	ch := r.group.DoChan(key, func() (interface{}, error) {
		// Another flight may have filled the entry between lookup and DoChan.
		if inst, ok := r.lookup(key); ok {
			return inst, nil
		}
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.LookupTimeout)
		defer cancel()
		return r.search(lookupCtx, key, q)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Instrument{}, res.Err
		}
		return res.Val.(Instrument), nil
	case <-ctx.Done():
		return Instrument{}, ctx.Err()
	}
}

func (r *Resolver) search(ctx context.Context, key string, q Query) (Instrument, error) {
	results, err := r.searcher.Search(ctx, q.params())
	if err != nil {
		return Instrument{}, err
	}

	var matches []upstream.SearchResult
	for _, res := range results {
		if res.InstrumentID != "" {
			matches = append(matches, res)
		}
	}

	switch {
	case len(matches) == 0:
		return Instrument{}, bridgeerrors.Newf(bridgeerrors.CodeInstrumentNotFound, "no instrument matches %s", key)
	case len(matches) > 1 && r.opts.Strict:
		return Instrument{}, bridgeerrors.Newf(bridgeerrors.CodeAmbiguousInstrument, "%d instruments match %s", len(matches), key)
	}

	inst := Instrument{
		QuerySymbol: q.Symbol,
		UpstreamID:  matches[0].InstrumentID,
		ResolvedAt:  r.now(),
		Ambiguous:   len(matches) > 1,
		Candidates:  len(matches),
	}
	if inst.Ambiguous {
		r.log.Warnf("ambiguous instrument, using first match", logger.Fields{
			"key":        key,
			"candidates": len(matches),
			"chosen":     inst.UpstreamID.String(),
		})
	}

	r.mu.Lock()
	r.cache[key] = inst
	r.mu.Unlock()
	return inst, nil
}

func (r *Resolver) lookup(key string) (Instrument, bool) {
	r.mu.RLock()
	inst, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok || r.now().Sub(inst.ResolvedAt) >= r.opts.TTL {
		return Instrument{}, false
	}
	return inst, true
}

// Invalidate drops the cached entry for q.
func (r *Resolver) Invalidate(q Query) {
	r.mu.Lock()
	delete(r.cache, q.Key())
	r.mu.Unlock()
}

// Len is the number of cached entries, stale ones included.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
