package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ahmethakanbesel/pricefeed/internal/price"
)

// gatedQuoter blocks every quote until release is closed or the call's
// context ends.
type gatedQuoter struct {
	source  price.Source
	price   float64
	release chan struct{}
	aborted chan error

	mu    sync.Mutex
	calls int
}

func newGatedQuoter(src price.Source, p float64) *gatedQuoter {
	return &gatedQuoter{source: src, price: p, release: make(chan struct{}), aborted: make(chan error, 8)}
}

func (g *gatedQuoter) Source() price.Source { return g.source }

func (g *gatedQuoter) Quote(ctx context.Context, _ string) (float64, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	select {
	case <-g.release:
		return g.price, nil
	case <-ctx.Done():
		g.aborted <- ctx.Err()
		return 0, ctx.Err()
	}
}

func (g *gatedQuoter) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func waitForWaiters(t *testing.T, f *Fetcher, symbol string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		got := 0
		if l, ok := f.lookups[symbol]; ok {
			got = l.waiters
		}
		f.mu.Unlock()
		if got == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("waiters on %s = %d, want %d", symbol, got, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type lookupResult struct {
	res *Result
	err error
}

func lookupAsync(f *Fetcher, ctx context.Context, symbol string) <-chan lookupResult {
	ch := make(chan lookupResult, 1)
	go func() {
		res, err := f.GetPriceWithFallback(ctx, symbol, true)
		ch <- lookupResult{res, err}
	}()
	return ch
}

func TestGetPriceWithFallback_CollapsesConcurrentLookups(t *testing.T) {
	q := newGatedQuoter(price.SourceEquity, 150)
	store := newMockStore()
	f := newTestFetcher(store, &sleepRecorder{}, q)

	a := lookupAsync(f, context.Background(), "AAPL")
	b := lookupAsync(f, context.Background(), "aapl")
	waitForWaiters(t, f, "AAPL", 2)
	close(q.release)

	for _, ch := range []<-chan lookupResult{a, b} {
		r := <-ch
		if r.err != nil || r.res.Price != 150 {
			t.Errorf("lookup = %+v, %v", r.res, r.err)
		}
	}
	if q.callCount() != 1 {
		t.Errorf("expected one upstream call, got %d", q.callCount())
	}
	if store.upserts != 1 {
		t.Errorf("expected one upsert, got %d", store.upserts)
	}
}

func TestGetPriceWithFallback_CancelledCallerDoesNotFailOthers(t *testing.T) {
	q := newGatedQuoter(price.SourceFund, 98.5)
	f := newTestFetcher(newMockStore(), &sleepRecorder{}, q)

	ctxA, cancelA := context.WithCancel(context.Background())
	a := lookupAsync(f, ctxA, "120503")
	b := lookupAsync(f, context.Background(), "120503")
	waitForWaiters(t, f, "120503", 2)

	cancelA()
	if r := <-a; !errors.Is(r.err, context.Canceled) {
		t.Fatalf("cancelled caller: expected context.Canceled, got %+v, %v", r.res, r.err)
	}
	waitForWaiters(t, f, "120503", 1)

	close(q.release)
	r := <-b
	if r.err != nil {
		t.Fatalf("remaining caller failed: %v", r.err)
	}
	if r.res.Price != 98.5 {
		t.Errorf("price = %v", r.res.Price)
	}
	if q.callCount() != 1 {
		t.Errorf("expected the in-flight call to be reused, got %d calls", q.callCount())
	}
	select {
	case err := <-q.aborted:
		t.Errorf("upstream call aborted while a caller was still waiting: %v", err)
	default:
	}
}

func TestGetPriceWithFallback_LastCallerLeavingAbortsLookup(t *testing.T) {
	q := newGatedQuoter(price.SourceEquity, 10)
	f := newTestFetcher(newMockStore(), &sleepRecorder{}, q)

	ctx, cancel := context.WithCancel(context.Background())
	a := lookupAsync(f, ctx, "MSFT")
	waitForWaiters(t, f, "MSFT", 1)
	cancel()

	if r := <-a; !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", r.err)
	}
	select {
	case <-q.aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream call kept running after every caller left")
	}

	f.mu.Lock()
	left := len(f.lookups)
	f.mu.Unlock()
	if left != 0 {
		t.Errorf("expected no registered lookups, got %d", left)
	}
}

func TestGetPriceWithFallback_RejoinsAfterAbandonedLookup(t *testing.T) {
	q := newGatedQuoter(price.SourceEquity, 77)
	f := newTestFetcher(newMockStore(), &sleepRecorder{}, q)

	ctx, cancel := context.WithCancel(context.Background())
	a := lookupAsync(f, ctx, "IBM")
	waitForWaiters(t, f, "IBM", 1)
	cancel()
	<-a

	b := lookupAsync(f, context.Background(), "IBM")
	waitForWaiters(t, f, "IBM", 1)
	close(q.release)

	r := <-b
	if r.err != nil || r.res.Price != 77 {
		t.Fatalf("lookup after abandoned one = %+v, %v", r.res, r.err)
	}
}
