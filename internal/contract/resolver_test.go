package contract

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boomtrade/bridge/internal/upstream"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
)

type fakeSearcher struct {
	calls   atomic.Int32
	gate    chan struct{}
	results []upstream.SearchResult
	err     error
	last    atomic.Value // upstream.SearchParams
}

func (f *fakeSearcher) Search(ctx context.Context, params upstream.SearchParams) ([]upstream.SearchResult, error) {
	f.calls.Add(1)
	f.last.Store(params)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.results, f.err
}

func aapl() []upstream.SearchResult {
	return []upstream.SearchResult{{InstrumentID: "265598", Symbol: "AAPL"}}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestResolveCachesWithinTTL(t *testing.T) {
	s := &fakeSearcher{results: aapl()}
	clk := &clock{t: time.Date(2025, 1, 2, 9, 30, 0, 0, time.UTC)}
	r := NewResolver(s, Options{TTL: time.Hour}, nil, nil)
	r.now = clk.now

	first, err := r.Resolve(context.Background(), StockQuery("AAPL"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first.UpstreamID != "265598" || first.Ambiguous {
		t.Fatalf("unexpected instrument: %+v", first)
	}

	clk.advance(59 * time.Minute)
	second, err := r.Resolve(context.Background(), StockQuery("AAPL"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.calls.Load() != 1 {
		t.Fatalf("second resolve within TTL made %d upstream calls, want 1 total", s.calls.Load())
	}
	if second != first {
		t.Fatalf("cached result differs: %+v vs %+v", second, first)
	}

	clk.advance(2 * time.Minute)
	if _, err := r.Resolve(context.Background(), StockQuery("AAPL")); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.calls.Load() != 2 {
		t.Fatalf("expired entry should trigger exactly one more call, got %d", s.calls.Load())
	}
}

func TestResolveKeysAreCaseSensitive(t *testing.T) {
	s := &fakeSearcher{results: aapl()}
	r := NewResolver(s, Options{}, nil, nil)

	r.Resolve(context.Background(), StockQuery("AAPL"))
	r.Resolve(context.Background(), StockQuery("aapl"))
	if s.calls.Load() != 2 || r.Len() != 2 {
		t.Fatalf("calls = %d len = %d, want 2 and 2", s.calls.Load(), r.Len())
	}
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	s := &fakeSearcher{results: aapl(), gate: make(chan struct{})}
	r := NewResolver(s, Options{}, nil, nil)

	const n = 20
	var wg sync.WaitGroup
	results := make([]Instrument, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), StockQuery("AAPL"))
		}(i)
	}

	for s.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(s.gate)
	wg.Wait()

	if got := s.calls.Load(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got %+v, want %+v", i, results[i], results[0])
		}
	}
}

func TestCancelledCallerDoesNotCancelSharedLookup(t *testing.T) {
	s := &fakeSearcher{results: aapl(), gate: make(chan struct{})}
	r := NewResolver(s, Options{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, StockQuery("AAPL"))
		first <- err
	}()
	for s.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	second := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), StockQuery("AAPL"))
		second <- err
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller err = %v, want canceled", err)
	}
	close(s.gate)
	if err := <-second; err != nil {
		t.Fatalf("second caller should still get the shared result: %v", err)
	}
	if s.calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1", s.calls.Load())
	}
}

func TestResolveNotFound(t *testing.T) {
	s := &fakeSearcher{}
	r := NewResolver(s, Options{}, nil, nil)

	_, err := r.Resolve(context.Background(), StockQuery("ZZZZ"))
	if !errors.Is(err, bridgeerrors.ErrInstrumentNotFound) {
		t.Fatalf("err = %v, want INSTRUMENT_NOT_FOUND", err)
	}
	if r.Len() != 0 {
		t.Fatalf("failures must not be cached")
	}
}

func TestResolveAmbiguous(t *testing.T) {
	results := []upstream.SearchResult{
		{InstrumentID: "1", Symbol: "BRK", Description: "NYSE"},
		{InstrumentID: "2", Symbol: "BRK", Description: "LSE"},
	}

	r := NewResolver(&fakeSearcher{results: results}, Options{}, nil, nil)
	inst, err := r.Resolve(context.Background(), StockQuery("BRK"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if inst.UpstreamID != "1" || !inst.Ambiguous || inst.Candidates != 2 {
		t.Fatalf("expected first match flagged ambiguous, got %+v", inst)
	}

	strict := NewResolver(&fakeSearcher{results: results}, Options{Strict: true}, nil, nil)
	if _, err := strict.Resolve(context.Background(), StockQuery("BRK")); !errors.Is(err, bridgeerrors.ErrAmbiguousInstrument) {
		t.Fatalf("strict err = %v, want AMBIGUOUS_INSTRUMENT", err)
	}
}

func TestOptionQuery(t *testing.T) {
	s := &fakeSearcher{results: []upstream.SearchResult{{InstrumentID: "555"}}}
	r := NewResolver(s, Options{}, nil, nil)

	q := OptionQuery("AAPL", "20250117", 150, "C")
	if q.Key() != "AAPL|20250117|150|C" {
		t.Fatalf("key = %q", q.Key())
	}
	if _, err := r.Resolve(context.Background(), q); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	params := s.last.Load().(upstream.SearchParams)
	if params.SecType != "OPT" || params.Expiry != "20250117" || params.Strike != 150 || params.Right != "C" {
		t.Fatalf("unexpected search params: %+v", params)
	}

	r.Invalidate(q)
	if r.Len() != 0 {
		t.Fatalf("Invalidate should drop the entry")
	}
}

func TestResolveUpstreamErrorPassesThrough(t *testing.T) {
	s := &fakeSearcher{err: bridgeerrors.New(bridgeerrors.CodeUpstreamUnavailable, "gateway down")}
	r := NewResolver(s, Options{}, nil, nil)
	if _, err := r.Resolve(context.Background(), StockQuery("AAPL")); !errors.Is(err, bridgeerrors.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want UPSTREAM_UNAVAILABLE", err)
	}
}
