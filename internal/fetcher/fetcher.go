// Package fetcher resolves the current price of a symbol from the local cache
// and the rate-limited upstream sources, falling back to stale cached prices
// when the sources are unavailable.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ahmethakanbesel/pricefeed/internal/failure"
	"github.com/ahmethakanbesel/pricefeed/internal/price"
	"github.com/ahmethakanbesel/pricefeed/internal/scraper"
)

// Limits bounds how hard a single upstream source is hit.
type Limits struct {
	RatePerMinute int           `yaml:"rate_per_minute"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
}

type Config struct {
	Equity           Limits        `yaml:"equity"`
	Fund             Limits        `yaml:"fund"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BatchConcurrency int           `yaml:"batch_concurrency"`
}

func DefaultConfig() Config {
	return Config{
		Equity:           Limits{RatePerMinute: 100, Burst: 10, Timeout: 30 * time.Second},
		Fund:             Limits{RatePerMinute: 10, Burst: 5, Timeout: 45 * time.Second},
		MaxAttempts:      3,
		BackoffBase:      200 * time.Millisecond,
		BatchConcurrency: 4,
	}
}

// Result is the outcome of a single price lookup.
type Result struct {
	Symbol       string       `json:"symbol"`
	Price        float64      `json:"price"`
	Source       price.Source `json:"source"`
	FetchedAt    time.Time    `json:"fetchedAt"`
	Cached       bool         `json:"cached"`
	FallbackUsed bool         `json:"fallbackUsed"`
	Attempts     int          `json:"attempts"`
}

// Fetcher owns the per-source rate limiters. A process must share one Fetcher
// between all callers, otherwise each copy gets its own budget.
type Fetcher struct {
	store    price.Store
	registry *scraper.Registry

	limiters map[price.Source]*rate.Limiter
	timeouts map[price.Source]time.Duration

	maxAttempts      int
	backoffBase      time.Duration
	batchConcurrency int

	inflight singleflight.Group
	mu       sync.Mutex
	lookups  map[string]*lookup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Fetcher)

// WithClock overrides the wall clock used for freshness decisions.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithSleep overrides the backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

func New(store price.Store, registry *scraper.Registry, cfg Config, opts ...Option) *Fetcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	cfg.Equity = withDefaults(cfg.Equity, def.Equity)
	cfg.Fund = withDefaults(cfg.Fund, def.Fund)

	f := &Fetcher{
		store:    store,
		registry: registry,
		limiters: map[price.Source]*rate.Limiter{
			price.SourceEquity: newLimiter(cfg.Equity),
			price.SourceFund:   newLimiter(cfg.Fund),
		},
		timeouts: map[price.Source]time.Duration{
			price.SourceEquity: cfg.Equity.Timeout,
			price.SourceFund:   cfg.Fund.Timeout,
		},
		maxAttempts:      cfg.MaxAttempts,
		backoffBase:      cfg.BackoffBase,
		batchConcurrency: cfg.BatchConcurrency,
		lookups:          make(map[string]*lookup),
		now:              time.Now,
		sleep:            sleepContext,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func withDefaults(l, def Limits) Limits {
	if l.RatePerMinute <= 0 {
		l.RatePerMinute = def.RatePerMinute
	}
	if l.Burst <= 0 {
		l.Burst = def.Burst
	}
	if l.Timeout <= 0 {
		l.Timeout = def.Timeout
	}
	return l
}

func newLimiter(l Limits) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.RatePerMinute)), l.Burst)
}

// Backoff returns the delay before retry number attempt+1 (200ms, 400ms, ...).
func (f *Fetcher) Backoff(attempt int) time.Duration {
	return f.backoffBase << attempt
}

// GetPriceWithFallback returns a FRESH cached price when one exists (unless
// forceRefresh), otherwise fetches live with retries. When every attempt fails
// a cached price that has not yet EXPIRED is served with FallbackUsed set.
func (f *Fetcher) GetPriceWithFallback(ctx context.Context, symbol string, forceRefresh bool) (*Result, error) {
	symbol = price.NormalizeSymbol(symbol)
	src, ok := price.SourceFor(symbol)
	if !ok {
		return nil, failure.Newf(failure.NotFound, symbol, "unrecognised symbol format")
	}

	cached, err := f.store.Get(ctx, symbol)
	if err != nil {
		// A broken cache read must not block a live fetch.
		slog.Warn("read cached price", "symbol", symbol, "error", err)
		cached = nil
	}
	if cached != nil && !cached.Valid() {
		cached = nil
	}

	if !forceRefresh && cached != nil && cached.Freshness(f.now()) == price.Fresh {
		return cachedResult(cached, false), nil
	}

	v, err := f.shared(ctx, symbol, src)
	if err == nil {
		res := *v
		return &res, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if cached != nil && cached.Freshness(f.now()) != price.Expired {
		slog.Warn("serving cached price after live fetch failure",
			"symbol", symbol, "age", cached.Age(f.now()).Round(time.Second).String(), "error", err)
		return cachedResult(cached, true), nil
	}
	return nil, err
}

// shared joins the in-flight live lookup for symbol, starting one if needed.
// The lookup runs under a context that outlives any single caller and is
// cancelled only once every waiter has returned, so one caller giving up
// never fails the lookup for the others.
func (f *Fetcher) shared(ctx context.Context, symbol string, src price.Source) (*Result, error) {
	for {
		lookupCtx, leave := f.join(ctx, symbol)
		ch := f.inflight.DoChan(symbol, func() (any, error) {
			return f.fetchLive(lookupCtx, symbol, src)
		})

		var r singleflight.Result
		select {
		case <-ctx.Done():
			leave()
			return nil, ctx.Err()
		case r = <-ch:
			leave()
		}

		// A bare Canceled means this caller joined a lookup whose waiters had
		// all left before it finished. Source timeouts arrive as failure
		// errors and are not retried here.
		if r.Err == context.Canceled && ctx.Err() == nil { //nolint:errorlint // only the unwrapped sentinel qualifies
			f.inflight.Forget(symbol)
			continue
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	}
}

// lookup is the context shared by the callers of one in-flight symbol.
type lookup struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// join registers ctx as a waiter on symbol's lookup context. The returned
// func must be called exactly once when the caller stops waiting.
func (f *Fetcher) join(ctx context.Context, symbol string) (context.Context, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.lookups[symbol]
	if !ok {
		lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		l = &lookup{ctx: lctx, cancel: cancel}
		f.lookups[symbol] = l
	}
	l.waiters++

	return l.ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		l.waiters--
		if l.waiters == 0 {
			l.cancel()
			if f.lookups[symbol] == l {
				delete(f.lookups, symbol)
			}
		}
	}
}

func cachedResult(r *price.Record, fallback bool) *Result {
	return &Result{
		Symbol:       r.Symbol,
		Price:        r.Price,
		Source:       r.Source,
		FetchedAt:    r.FetchedAt,
		Cached:       true,
		FallbackUsed: fallback,
	}
}

// fetchLive tries the upstream source up to maxAttempts times. Only
// retryable failures are retried; the returned error carries the attempt count.
func (f *Fetcher) fetchLive(ctx context.Context, symbol string, src price.Source) (*Result, error) {
	q, err := f.registry.Get(src)
	if err != nil {
		return nil, failure.New(failure.NotFound, symbol, err)
	}

	var lastErr error
	attempts := 0
	for attempt := range f.maxAttempts {
		if attempt > 0 {
			if err := f.sleep(ctx, f.Backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		attempts++

		p, err := f.quoteOnce(ctx, q, src, symbol)
		if err == nil {
			rec := price.Record{Symbol: symbol, Price: p, Source: src, FetchedAt: f.now().UTC()}
			if err := f.store.Upsert(ctx, rec); err != nil {
				slog.Error("store fetched price", "symbol", symbol, "error", err)
			}
			return &Result{
				Symbol:    symbol,
				Price:     p,
				Source:    src,
				FetchedAt: rec.FetchedAt,
				Attempts:  attempts,
			}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !failure.IsRetryable(err) {
			break
		}
		slog.Debug("price fetch attempt failed", "symbol", symbol, "attempt", attempts, "error", err)
	}

	return nil, withAttempts(symbol, lastErr, attempts)
}

func (f *Fetcher) quoteOnce(ctx context.Context, q scraper.Quoter, src price.Source, symbol string) (float64, error) {
	if err := f.limiters[src].Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, failure.New(failure.RateLimit, symbol, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeouts[src])
	defer cancel()

	p, err := q.Quote(callCtx, symbol)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return 0, failure.New(failure.Timeout, symbol, fmt.Errorf("no response within %s: %w", f.timeouts[src], err))
		}
		return 0, err
	}
	if p <= 0 {
		return 0, failure.Rejected(symbol, p)
	}
	return p, nil
}

func withAttempts(symbol string, err error, attempts int) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		cp := *fe
		cp.Attempts = attempts
		if cp.Symbol == "" {
			cp.Symbol = symbol
		}
		return &cp
	}
	kind, ok := failure.KindOf(err)
	if !ok {
		kind = failure.Network
	}
	return &failure.Error{Kind: kind, Symbol: symbol, Attempts: attempts, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
