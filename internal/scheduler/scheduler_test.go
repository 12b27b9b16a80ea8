package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ahmethakanbesel/pricefeed/internal/fetcher"
	"github.com/ahmethakanbesel/pricefeed/internal/price"
)

type mockFetcher struct {
	mu      sync.Mutex
	calls   [][]string
	failAll bool
	panics  bool
}

func (m *mockFetcher) BatchGetPrices(_ context.Context, symbols []string, _ bool) *fetcher.BatchResult {
	m.mu.Lock()
	m.calls = append(m.calls, symbols)
	m.mu.Unlock()
	if m.panics {
		panic("boom")
	}
	res := &fetcher.BatchResult{}
	for i, s := range symbols {
		item := fetcher.BatchItem{Symbol: s}
		if m.failAll {
			item.Err = errors.New("down")
			item.Error = "down"
			res.Failed = append(res.Failed, s)
		} else {
			item.FallbackUsed = i == 0
			res.Success = append(res.Success, s)
		}
		res.Results = append(res.Results, item)
	}
	return res
}

type mockUniverse struct {
	symbols  []string
	listErr  error
	stats    price.Stats
	statsErr error
}

func (m *mockUniverse) ListTrackedSymbols(_ context.Context) ([]string, error) {
	return m.symbols, m.listErr
}

func (m *mockUniverse) Stats(_ context.Context, _ time.Time) (price.Stats, error) {
	return m.stats, m.statsErr
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(f *mockFetcher, u *mockUniverse) (*Scheduler, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(context.Background(), f, u, WithClock(clock.Now)), clock
}

func TestStartRejectsShortInterval(t *testing.T) {
	s, _ := newTestScheduler(&mockFetcher{}, &mockUniverse{})

	if err := s.Start(30 * time.Second); !errors.Is(err, ErrIntervalTooShort) {
		t.Fatalf("expected ErrIntervalTooShort, got %v", err)
	}
	if s.Running() {
		t.Error("scheduler must not be running after rejected start")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s, _ := newTestScheduler(&mockFetcher{}, &mockUniverse{})

	if err := s.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(5 * time.Minute); err != nil {
		t.Fatalf("second start: %v", err)
	}

	st := s.Status()
	if !st.Running {
		t.Fatal("expected running")
	}
	if st.Interval != DefaultInterval {
		t.Errorf("interval = %s, want %s (second start must be a no-op)", st.Interval, DefaultInterval)
	}
	if st.NextRunAt.IsZero() {
		t.Error("expected next run time to be set")
	}

	s.Stop()
	s.Stop()
	if s.Running() {
		t.Error("expected stopped")
	}

	if err := s.Start(2 * time.Minute); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := s.Status().Interval; got != 2*time.Minute {
		t.Errorf("interval after restart = %s", got)
	}
	s.Stop()
}

func TestRunOnceRecordsCounts(t *testing.T) {
	f := &mockFetcher{}
	s, _ := newTestScheduler(f, &mockUniverse{symbols: []string{"AAPL", "MSFT", "120503"}})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Total != 3 || res.Succeeded != 3 || res.Failed != 0 || res.Fallbacks != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	st := s.Status()
	if st.Ticks != 1 || st.FailedTicks != 0 {
		t.Errorf("ticks = %d failed = %d", st.Ticks, st.FailedTicks)
	}
	if st.LastSuccessAt.IsZero() {
		t.Error("expected last success to be recorded")
	}
	if len(f.calls) != 1 || len(f.calls[0]) != 3 {
		t.Errorf("fetcher calls = %v", f.calls)
	}
}

func TestRunOnceListFailure(t *testing.T) {
	f := &mockFetcher{}
	s, _ := newTestScheduler(f, &mockUniverse{listErr: errors.New("db locked")})

	_, err := s.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db locked") {
		t.Fatalf("expected list error, got %v", err)
	}
	if len(f.calls) != 0 {
		t.Error("fetcher must not be called when listing fails")
	}
	st := s.Status()
	if st.FailedTicks != 1 || !st.LastSuccessAt.IsZero() {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestTickSwallowsFailures(t *testing.T) {
	s, _ := newTestScheduler(&mockFetcher{failAll: true}, &mockUniverse{symbols: []string{"AAPL"}})
	s.tick()

	s2, _ := newTestScheduler(&mockFetcher{panics: true}, &mockUniverse{symbols: []string{"AAPL"}})
	s2.tick()

	if got := s.Status().FailedTicks; got != 1 {
		t.Errorf("failed ticks = %d, want 1", got)
	}
	st := s2.Status()
	if st.FailedTicks != 1 || st.LastResult == nil || st.LastResult.Error != "boom" {
		t.Errorf("panic not recorded: %+v", st)
	}
}

func TestHealth(t *testing.T) {
	symbols := []string{"AAPL", "MSFT"}

	t.Run("not running is unhealthy", func(t *testing.T) {
		s, _ := newTestScheduler(&mockFetcher{}, &mockUniverse{symbols: symbols, stats: price.Stats{Count: 2, Fresh: 2}})
		h := s.Health(context.Background())
		if h.State != Unhealthy {
			t.Errorf("state = %s, reasons %v", h.State, h.Reasons)
		}
	})

	t.Run("fresh cache and recent success is healthy", func(t *testing.T) {
		s, _ := newTestScheduler(&mockFetcher{}, &mockUniverse{symbols: symbols, stats: price.Stats{Count: 2, Fresh: 2}})
		if err := s.Start(time.Hour); err != nil {
			t.Fatal(err)
		}
		defer s.Stop()
		if _, err := s.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
		h := s.Health(context.Background())
		if h.State != Healthy || len(h.Reasons) != 0 {
			t.Errorf("state = %s, reasons %v", h.State, h.Reasons)
		}
	})

	t.Run("some expired prices degrade", func(t *testing.T) {
		s, _ := newTestScheduler(&mockFetcher{}, &mockUniverse{symbols: symbols, stats: price.Stats{Count: 10, Fresh: 8, Expired: 2}})
		if err := s.Start(time.Hour); err != nil {
			t.Fatal(err)
		}
		defer s.Stop()
		_, _ = s.RunOnce(context.Background())
		if h := s.Health(context.Background()); h.State != Degraded {
			t.Errorf("state = %s, reasons %v", h.State, h.Reasons)
		}
	})

	t.Run("half expired is unhealthy", func(t *testing.T) {
		s, _ := newTestScheduler(&mockFetcher{}, &mockUniverse{symbols: symbols, stats: price.Stats{Count: 4, Fresh: 2, Expired: 2}})
		if err := s.Start(time.Hour); err != nil {
			t.Fatal(err)
		}
		defer s.Stop()
		_, _ = s.RunOnce(context.Background())
		if h := s.Health(context.Background()); h.State != Unhealthy {
			t.Errorf("state = %s, reasons %v", h.State, h.Reasons)
		}
	})

	t.Run("old success degrades then becomes unhealthy", func(t *testing.T) {
		s, clock := newTestScheduler(&mockFetcher{}, &mockUniverse{symbols: symbols, stats: price.Stats{Count: 2, Fresh: 2}})
		if err := s.Start(time.Hour); err != nil {
			t.Fatal(err)
		}
		defer s.Stop()
		_, _ = s.RunOnce(context.Background())

		clock.Advance(150 * time.Minute)
		if h := s.Health(context.Background()); h.State != Degraded {
			t.Errorf("after 2.5 intervals: state = %s, reasons %v", h.State, h.Reasons)
		}
		clock.Advance(time.Hour)
		if h := s.Health(context.Background()); h.State != Unhealthy {
			t.Errorf("after 3.5 intervals: state = %s, reasons %v", h.State, h.Reasons)
		}
	})

	t.Run("failed last tick degrades", func(t *testing.T) {
		s, _ := newTestScheduler(&mockFetcher{failAll: true}, &mockUniverse{symbols: symbols, stats: price.Stats{Count: 2, Fresh: 2}})
		if err := s.Start(time.Hour); err != nil {
			t.Fatal(err)
		}
		defer s.Stop()
		_, _ = s.RunOnce(context.Background())
		if h := s.Health(context.Background()); h.State != Degraded {
			t.Errorf("state = %s, reasons %v", h.State, h.Reasons)
		}
	})
}
