package fetcher

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/pricefeed/internal/failure"
	"github.com/ahmethakanbesel/pricefeed/internal/price"
)

// BatchItem is the per-symbol outcome of a batch lookup.
type BatchItem struct {
	Symbol       string       `json:"symbol"`
	Price        float64      `json:"price,omitempty"`
	Source       price.Source `json:"source,omitempty"`
	Cached       bool         `json:"cached"`
	FallbackUsed bool         `json:"fallbackUsed"`
	Error        string       `json:"error,omitempty"`
	Err          error        `json:"-"`
}

func (i BatchItem) OK() bool { return i.Err == nil }

// BatchResult always holds exactly one item per requested symbol, in request
// order, so len(Success)+len(Failed) == len(symbols).
type BatchResult struct {
	Success []string    `json:"success"`
	Failed  []string    `json:"failed"`
	Results []BatchItem `json:"results"`
}

// BatchGetPrices looks up every symbol, grouped by upstream source so each
// group drains its own rate limiter. It never fails as a whole.
func (f *Fetcher) BatchGetPrices(ctx context.Context, symbols []string, forceRefresh bool) *BatchResult {
	items := make([]BatchItem, len(symbols))
	groups := make(map[price.Source][]int)

	for i, raw := range symbols {
		sym := price.NormalizeSymbol(raw)
		items[i].Symbol = sym
		src, ok := price.SourceFor(sym)
		if !ok {
			err := failure.Newf(failure.NotFound, sym, "unrecognised symbol format")
			items[i].Err = err
			items[i].Error = err.Error()
			continue
		}
		groups[src] = append(groups[src], i)
	}

	var wg sync.WaitGroup
	for _, idx := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.fetchGroup(ctx, idx, items, forceRefresh)
		}()
	}
	wg.Wait()

	res := &BatchResult{
		Success: make([]string, 0, len(items)),
		Failed:  make([]string, 0),
		Results: items,
	}
	for _, it := range items {
		if it.OK() {
			res.Success = append(res.Success, it.Symbol)
		} else {
			res.Failed = append(res.Failed, it.Symbol)
		}
	}
	return res
}

// fetchGroup resolves the symbols at idx. Each goroutine writes only its own
// slot of items.
func (f *Fetcher) fetchGroup(ctx context.Context, idx []int, items []BatchItem, forceRefresh bool) {
	var g errgroup.Group
	g.SetLimit(f.batchConcurrency)

	for _, i := range idx {
		g.Go(func() error {
			r, err := f.GetPriceWithFallback(ctx, items[i].Symbol, forceRefresh)
			if err != nil {
				items[i].Err = err
				items[i].Error = err.Error()
				return nil
			}
			items[i].Price = r.Price
			items[i].Source = r.Source
			items[i].Cached = r.Cached
			items[i].FallbackUsed = r.FallbackUsed
			return nil
		})
	}
	_ = g.Wait()
}
