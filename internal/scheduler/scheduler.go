// Package scheduler runs the periodic full-universe price refresh.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ahmethakanbesel/pricefeed/internal/fetcher"
	"github.com/ahmethakanbesel/pricefeed/internal/price"
)

const (
	DefaultInterval = time.Hour
	MinInterval     = time.Minute
)

var ErrIntervalTooShort = fmt.Errorf("refresh interval must be at least %s", MinInterval)

// BatchFetcher is the part of the fetcher the scheduler drives.
type BatchFetcher interface {
	BatchGetPrices(ctx context.Context, symbols []string, forceRefresh bool) *fetcher.BatchResult
}

// Universe lists the tracked symbols and reports cache freshness.
type Universe interface {
	ListTrackedSymbols(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, now time.Time) (price.Stats, error)
}

// TickResult summarises one refresh run.
type TickResult struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Fallbacks int           `json:"fallbacks"`
	Error     string        `json:"error,omitempty"`
}

type Status struct {
	Running       bool          `json:"running"`
	Interval      time.Duration `json:"interval"`
	StartedAt     time.Time     `json:"startedAt,omitzero"`
	NextRunAt     time.Time     `json:"nextRunAt,omitzero"`
	LastRunAt     time.Time     `json:"lastRunAt,omitzero"`
	LastSuccessAt time.Time     `json:"lastSuccessAt,omitzero"`
	Ticks         int           `json:"ticks"`
	FailedTicks   int           `json:"failedTicks"`
	LastResult    *TickResult   `json:"lastResult,omitempty"`
}

// Scheduler owns a single recurring timer that refreshes every tracked symbol.
// Start and Stop are idempotent and may be called repeatedly.
type Scheduler struct {
	fetcher  BatchFetcher
	universe Universe
	baseCtx  context.Context
	now      func() time.Time

	defaultInterval time.Duration

	mu            sync.Mutex
	cron          *cron.Cron
	entry         cron.EntryID
	running       bool
	interval      time.Duration
	startedAt     time.Time
	lastRunAt     time.Time
	lastSuccessAt time.Time
	ticks         int
	failedTicks   int
	lastResult    *TickResult
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithDefaultInterval sets the interval used when Start is called with zero.
func WithDefaultInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.defaultInterval = d }
}

// New creates a stopped scheduler. Ticks run under baseCtx, so cancelling it
// aborts an in-flight refresh during shutdown.
func New(baseCtx context.Context, f BatchFetcher, u Universe, opts ...Option) *Scheduler {
	s := &Scheduler{
		fetcher:         f,
		universe:        u,
		baseCtx:         baseCtx,
		now:             time.Now,
		defaultInterval: DefaultInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start schedules the refresh every interval. A zero interval uses the
// configured default; anything below MinInterval is rejected.
func (s *Scheduler) Start(interval time.Duration) error {
	if interval == 0 {
		interval = s.defaultInterval
	}
	if interval < MinInterval {
		return ErrIntervalTooShort
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		slog.Info("background refresh already running", "interval", s.interval.String())
		return nil
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s.entry = c.Schedule(cron.Every(interval), cron.FuncJob(s.tick))
	c.Start()

	s.cron = c
	s.running = true
	s.interval = interval
	s.startedAt = s.now()
	slog.Info("background refresh started", "interval", interval.String())
	return nil
}

// Stop cancels the timer and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	<-c.Stop().Done()
	slog.Info("background refresh stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// tick is the cron job. It never panics or returns an error to cron; failures
// are recorded and the next tick fires on schedule.
func (s *Scheduler) tick() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("background refresh panicked", "panic", r)
			s.record(TickResult{StartedAt: s.now(), Error: fmt.Sprint(r)}, errors.New("panic"))
		}
	}()

	res, err := s.RunOnce(s.baseCtx)
	if err != nil {
		slog.Error("background refresh failed", "error", err)
		return
	}
	slog.Info("background refresh completed",
		"total", res.Total, "succeeded", res.Succeeded, "failed", res.Failed,
		"fallbacks", res.Fallbacks, "duration", res.Duration.String())
}

// RunOnce performs a single refresh of every tracked symbol synchronously.
// Failures are recorded in the status as well as returned.
func (s *Scheduler) RunOnce(ctx context.Context) (TickResult, error) {
	start := s.now()
	res := TickResult{StartedAt: start}

	symbols, err := s.universe.ListTrackedSymbols(ctx)
	if err != nil {
		err = fmt.Errorf("list tracked symbols: %w", err)
		res.Error = err.Error()
		res.Duration = s.now().Sub(start)
		s.record(res, err)
		return res, err
	}

	batch := s.fetcher.BatchGetPrices(ctx, symbols, false)
	res.Total = len(symbols)
	res.Succeeded = len(batch.Success)
	res.Failed = len(batch.Failed)
	for _, it := range batch.Results {
		if it.FallbackUsed {
			res.Fallbacks++
		}
	}
	res.Duration = s.now().Sub(start)

	// A tick where every symbol failed is a failed tick even though the batch
	// itself did not error.
	if res.Total > 0 && res.Succeeded == 0 {
		err = fmt.Errorf("all %d symbols failed to refresh", res.Total)
		res.Error = err.Error()
	}
	s.record(res, err)
	return res, err
}

func (s *Scheduler) record(res TickResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	s.lastRunAt = res.StartedAt
	s.lastResult = &res
	if err != nil {
		s.failedTicks++
		return
	}
	s.lastSuccessAt = res.StartedAt
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:       s.running,
		Interval:      s.interval,
		StartedAt:     s.startedAt,
		LastRunAt:     s.lastRunAt,
		LastSuccessAt: s.lastSuccessAt,
		Ticks:         s.ticks,
		FailedTicks:   s.failedTicks,
	}
	if !s.running {
		st.Interval = s.defaultInterval
	}
	if s.running && s.cron != nil {
		st.NextRunAt = s.cron.Entry(s.entry).Next
	}
	if s.lastResult != nil {
		r := *s.lastResult
		st.LastResult = &r
	}
	return st
}

// cronLogger forwards cron's internal events to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
