package price

import (
	"context"
	"time"
)

// Store is the durable cache of last known prices, one row per symbol.
type Store interface {
	Get(ctx context.Context, symbol string) (*Record, error)
	Upsert(ctx context.Context, r Record) error
	ListTrackedSymbols(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	Delete(ctx context.Context, symbol string) error
	Clear(ctx context.Context) (int64, error)
}
