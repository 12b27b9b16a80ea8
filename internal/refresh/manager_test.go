package refresh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/ahmethakanbesel/pricefeed/internal/failure"
	"github.com/ahmethakanbesel/pricefeed/internal/fetcher"
	"github.com/ahmethakanbesel/pricefeed/internal/price"
)

type mockFetcher struct {
	mu     sync.Mutex
	calls  []string
	errs   map[string]error
	gate   chan struct{}
	forced []bool
}

func (m *mockFetcher) GetPriceWithFallback(ctx context.Context, symbol string, force bool) (*fetcher.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, symbol)
	m.forced = append(m.forced, force)
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := m.errs[symbol]; ok {
		return nil, err
	}
	return &fetcher.Result{Symbol: symbol, Price: 10, Source: price.SourceEquity}, nil
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockLister struct {
	symbols []string
	err     error
}

func (m *mockLister) ListTrackedSymbols(_ context.Context) ([]string, error) {
	return m.symbols, m.err
}

func waitForStatus(t *testing.T, m *Manager, id string, done func(Session) bool) Session {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s, ok := m.GetRefreshStatus(id)
		if !ok {
			t.Fatalf("session %s not found", id)
		}
		if done(s) {
			return s
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for session %s, last status %s %+v", id, s.Status, s.Progress)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func terminal(s Session) bool { return s.Status.Terminal() }

func TestStartRefresh_CompletesAllBatches(t *testing.T) {
	f := &mockFetcher{}
	m := New(context.Background(), f, &mockLister{}, Config{})
	defer m.Close()

	id, err := m.StartRefresh(context.Background(), Request{
		Symbols:   []string{"AAPL", "MSFT", "GOOG", "120503", "118834"},
		BatchSize: 2,
	})
	if err != nil {
		t.Fatalf("StartRefresh: %v", err)
	}

	s := waitForStatus(t, m, id, terminal)
	if s.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	if s.Progress.Total != 5 || s.Progress.Completed != 5 || s.Progress.Failed != 0 {
		t.Errorf("progress = %+v", s.Progress)
	}
	if len(s.Results) != 5 {
		t.Errorf("results = %d, want 5", len(s.Results))
	}
	if s.Outcome() != OutcomeSucceeded {
		t.Errorf("outcome = %s", s.Outcome())
	}
	if s.EndTime.IsZero() {
		t.Error("expected end time")
	}
	for _, forced := range f.forced {
		if !forced {
			t.Error("manual refresh must bypass the fresh cache")
		}
	}
}

func TestStartRefresh_ProgressIsMonotonic(t *testing.T) {
	f := &mockFetcher{gate: make(chan struct{})}
	m := New(context.Background(), f, &mockLister{}, Config{})
	defer m.Close()

	id, err := m.StartRefresh(context.Background(), Request{Symbols: []string{"A", "B", "C", "D"}, BatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}

	last := 0
	for range 4 {
		f.gate <- struct{}{}
		s := waitForStatus(t, m, id, func(s Session) bool { return s.Progress.Completed > last })
		if s.Progress.Completed != last+1 {
			t.Fatalf("completed jumped from %d to %d", last, s.Progress.Completed)
		}
		last = s.Progress.Completed
	}

	s := waitForStatus(t, m, id, terminal)
	if s.Status != StatusCompleted || s.Progress.Completed != s.Progress.Total {
		t.Errorf("final = %s %+v", s.Status, s.Progress)
	}
}

func TestStartRefresh_UsesTrackedSymbols(t *testing.T) {
	f := &mockFetcher{}
	m := New(context.Background(), f, &mockLister{symbols: []string{"aapl", "AAPL", "120503"}}, Config{})
	defer m.Close()

	id, err := m.StartRefresh(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	s := waitForStatus(t, m, id, terminal)
	if s.Progress.Total != 2 || len(s.Symbols) != 2 {
		t.Errorf("expected 2 deduplicated symbols, got %v", s.Symbols)
	}
}

func TestStartRefresh_RejectsBlankSymbols(t *testing.T) {
	lister := &mockLister{symbols: []string{"AAPL", "MSFT"}}
	m := New(context.Background(), &mockFetcher{}, lister, Config{})
	defer m.Close()

	for _, symbols := range [][]string{{"  "}, {"", "\t"}} {
		if _, err := m.StartRefresh(context.Background(), Request{Symbols: symbols}); !errors.Is(err, ErrNoSymbols) {
			t.Errorf("StartRefresh(%q): expected ErrNoSymbols, got %v", symbols, err)
		}
	}
	if n := len(m.List()); n != 0 {
		t.Errorf("rejected requests created %d sessions", n)
	}
}

func TestStartRefresh_ListFailureFailsSession(t *testing.T) {
	m := New(context.Background(), &mockFetcher{}, &mockLister{err: errors.New("db closed")}, Config{})
	defer m.Close()

	id, err := m.StartRefresh(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	s := waitForStatus(t, m, id, terminal)
	if s.Status != StatusFailed || !strings.Contains(s.Error, "db closed") {
		t.Errorf("status = %s error = %q", s.Status, s.Error)
	}
	if s.Outcome() != OutcomeFailed {
		t.Errorf("outcome = %s", s.Outcome())
	}
}

func TestStartRefresh_RejectsBeyondCeiling(t *testing.T) {
	f := &mockFetcher{gate: make(chan struct{})}
	m := New(context.Background(), f, &mockLister{}, Config{MaxConcurrent: 2})
	defer m.Close()

	for range 2 {
		if _, err := m.StartRefresh(context.Background(), Request{Symbols: []string{"AAPL"}}); err != nil {
			t.Fatalf("StartRefresh: %v", err)
		}
	}
	if _, err := m.StartRefresh(context.Background(), Request{Symbols: []string{"MSFT"}}); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}

	close(f.gate)
	for _, s := range m.List() {
		waitForStatus(t, m, s.ID, terminal)
	}
	if _, err := m.StartRefresh(context.Background(), Request{Symbols: []string{"MSFT"}}); err != nil {
		t.Fatalf("slot should be free after completion: %v", err)
	}
}

func TestCancelRefresh(t *testing.T) {
	f := &mockFetcher{gate: make(chan struct{})}
	m := New(context.Background(), f, &mockLister{}, Config{})
	defer m.Close()

	id, err := m.StartRefresh(context.Background(), Request{Symbols: []string{"A", "B", "C", "D"}, BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, id, func(Session) bool { return f.callCount() == 2 })

	if !m.CancelRefresh(id) {
		t.Fatal("expected first cancel to succeed")
	}
	if m.CancelRefresh(id) {
		t.Error("second cancel must return false")
	}
	if m.CancelRefresh("missing") {
		t.Error("cancel of unknown session must return false")
	}

	// Release the in-flight batch; its results arrive after cancellation.
	close(f.gate)
	time.Sleep(50 * time.Millisecond)

	s, _ := m.GetRefreshStatus(id)
	if s.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", s.Status)
	}
	if s.Progress.Completed != 0 || len(s.Results) != 0 {
		t.Errorf("late results must be dropped, got %+v", s.Progress)
	}
	if got := f.callCount(); got != 2 {
		t.Errorf("no further batch should start after cancel, fetcher called %d times", got)
	}
}

func TestCancelRefresh_TerminalSession(t *testing.T) {
	m := New(context.Background(), &mockFetcher{}, &mockLister{}, Config{})
	defer m.Close()

	id, _ := m.StartRefresh(context.Background(), Request{Symbols: []string{"AAPL"}})
	waitForStatus(t, m, id, terminal)
	if m.CancelRefresh(id) {
		t.Error("cancel of completed session must return false")
	}
}

func TestStartRefresh_TranslatesFailures(t *testing.T) {
	f := &mockFetcher{errs: map[string]error{
		"MSFT":   failure.Newf(failure.RateLimit, "MSFT", "HTTP 429"),
		"BAD":    failure.Newf(failure.NotFound, "BAD", "no chart data"),
		"120503": failure.Newf(failure.Network, "120503", "connection reset"),
	}}
	m := New(context.Background(), f, &mockLister{}, Config{})
	defer m.Close()

	id, _ := m.StartRefresh(context.Background(), Request{Symbols: []string{"AAPL", "MSFT", "BAD", "120503"}})
	s := waitForStatus(t, m, id, terminal)

	if s.Progress.Failed != 3 || s.Outcome() != OutcomePartial {
		t.Fatalf("progress = %+v outcome = %s", s.Progress, s.Outcome())
	}

	byKind := map[failure.Kind]SymbolResult{}
	for _, r := range s.Results {
		if !r.OK() {
			byKind[r.Kind] = r
		}
	}
	for _, kind := range []failure.Kind{failure.RateLimit, failure.NotFound, failure.Network} {
		r, ok := byKind[kind]
		if !ok {
			t.Errorf("missing %s result", kind)
			continue
		}
		if r.Message == "" || len(r.Actions) == 0 || r.Error == "" {
			t.Errorf("%s result not annotated: %+v", kind, r)
		}
	}
	if byKind[failure.RateLimit].Message == byKind[failure.Network].Message {
		t.Error("rate limit and network failures should be framed differently")
	}
}

func TestStartRefresh_PerSymbolTimeout(t *testing.T) {
	f := &mockFetcher{gate: make(chan struct{})}
	m := New(context.Background(), f, &mockLister{}, Config{})
	defer m.Close()

	id, _ := m.StartRefresh(context.Background(), Request{Symbols: []string{"AAPL"}, Timeout: 20 * time.Millisecond})
	s := waitForStatus(t, m, id, terminal)

	if s.Status != StatusCompleted || s.Progress.Failed != 1 {
		t.Fatalf("status = %s progress = %+v", s.Status, s.Progress)
	}
	if s.Results[0].Kind != failure.Timeout {
		t.Errorf("kind = %s, want TIMEOUT", s.Results[0].Kind)
	}
	if s.Outcome() != OutcomeFailed {
		t.Errorf("outcome = %s", s.Outcome())
	}
}

func TestCleanupOldRefreshes(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := New(context.Background(), &mockFetcher{}, &mockLister{}, Config{Retention: time.Hour}, WithClock(clock))
	defer m.Close()

	id, _ := m.StartRefresh(context.Background(), Request{Symbols: []string{"AAPL"}})
	waitForStatus(t, m, id, terminal)

	if n := m.CleanupOldRefreshes(); n != 0 {
		t.Errorf("evicted %d fresh sessions", n)
	}

	mu.Lock()
	now = now.Add(61 * time.Minute)
	mu.Unlock()

	if n := m.CleanupOldRefreshes(); n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
	if _, ok := m.GetRefreshStatus(id); ok {
		t.Error("session should be gone")
	}
}

func TestGetRefreshStatus_ReturnsCopy(t *testing.T) {
	m := New(context.Background(), &mockFetcher{}, &mockLister{}, Config{})
	defer m.Close()

	id, _ := m.StartRefresh(context.Background(), Request{Symbols: []string{"AAPL"}})
	s := waitForStatus(t, m, id, terminal)
	s.Results[0].Symbol = "CHANGED"
	s.Symbols[0] = "CHANGED"

	again, _ := m.GetRefreshStatus(id)
	if again.Results[0].Symbol != "AAPL" || again.Symbols[0] != "AAPL" {
		t.Error("status read must not expose internal state")
	}
}

func TestClose_CancelsLiveSessions(t *testing.T) {
	f := &mockFetcher{gate: make(chan struct{})}
	m := New(context.Background(), f, &mockLister{}, Config{})

	id, _ := m.StartRefresh(context.Background(), Request{Symbols: []string{"AAPL", "MSFT"}, BatchSize: 1})
	m.Close()

	s, _ := m.GetRefreshStatus(id)
	if s.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", s.Status)
	}
	if _, err := m.StartRefresh(context.Background(), Request{Symbols: []string{"AAPL"}}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSessionSummary(t *testing.T) {
	s := Session{Status: StatusCompleted, Progress: Progress{Total: 1500, Completed: 1500, Failed: 3}}

	en := s.Summary(language.English)
	if en != "Refreshed 1,497 of 1,500 symbols, 3 failed" {
		t.Errorf("english summary = %q", en)
	}
	tr := s.Summary(language.Turkish)
	if !strings.Contains(tr, "başarısız") {
		t.Errorf("turkish summary = %q", tr)
	}
}
