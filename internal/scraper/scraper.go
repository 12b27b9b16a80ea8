package scraper

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahmethakanbesel/pricefeed/internal/price"
)

// Quoter fetches the latest price of a single symbol from an upstream source.
// Implementations return *failure.Error so callers can tell transient errors
// from terminal ones.
type Quoter interface {
	Source() price.Source
	Quote(ctx context.Context, symbol string) (float64, error)
}

type Registry struct {
	mu      sync.RWMutex
	quoters map[price.Source]Quoter
}

func NewRegistry() *Registry {
	return &Registry{
		quoters: make(map[price.Source]Quoter),
	}
}

func (r *Registry) Register(q Quoter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quoters[q.Source()] = q
}

func (r *Registry) Get(source price.Source) (Quoter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.quoters[source]
	if !ok {
		return nil, fmt.Errorf("quoter not found for source: %s", source)
	}
	return q, nil
}

func (r *Registry) Sources() []price.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sources := make([]price.Source, 0, len(r.quoters))
	for src := range r.quoters {
		sources = append(sources, src)
	}
	return sources
}
