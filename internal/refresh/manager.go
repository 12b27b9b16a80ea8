// Package refresh runs on-demand price refreshes as asynchronous sessions
// that can be polled for progress and cancelled.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/pricefeed/internal/failure"
	"github.com/ahmethakanbesel/pricefeed/internal/fetcher"
	"github.com/ahmethakanbesel/pricefeed/internal/price"
	"github.com/ahmethakanbesel/pricefeed/internal/scraper"
)

var (
	ErrTooManySessions = errors.New("too many refresh sessions in progress")
	ErrClosed          = errors.New("refresh manager is closed")
	ErrNoSymbols       = errors.New("symbols must contain at least one non-blank symbol")
)

// Fetcher resolves a single price. It is satisfied by *fetcher.Fetcher.
type Fetcher interface {
	GetPriceWithFallback(ctx context.Context, symbol string, forceRefresh bool) (*fetcher.Result, error)
}

type SymbolLister interface {
	ListTrackedSymbols(ctx context.Context) ([]string, error)
}

type Config struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	BatchSize     int           `yaml:"batch_size"`
	Retention     time.Duration `yaml:"retention"`
}

func DefaultConfig() Config {
	return Config{MaxConcurrent: 5, BatchSize: 5, Retention: time.Hour}
}

// Request describes a manual refresh. No symbols means every tracked symbol.
// Timeout bounds each symbol lookup, not the whole session.
type Request struct {
	Symbols   []string      `json:"symbols"`
	BatchSize int           `json:"batchSize"`
	Timeout   time.Duration `json:"timeout"`
}

// Manager owns every refresh session of the process. Sessions run on the
// manager's context, so they outlive the request that started them.
type Manager struct {
	fetcher Fetcher
	lister  SymbolLister
	cfg     Config
	now     func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	active   int
	closed   bool
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(baseCtx context.Context, f Fetcher, lister SymbolLister, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	ctx, cancel := context.WithCancel(baseCtx)
	m := &Manager{
		fetcher:  f,
		lister:   lister,
		cfg:      cfg,
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// StartRefresh creates a session and starts processing it in the background.
// When MaxConcurrent sessions are already live the request is rejected with
// ErrTooManySessions instead of being queued.
func (m *Manager) StartRefresh(_ context.Context, req Request) (string, error) {
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = m.cfg.BatchSize
	}
	symbols := dedupe(req.Symbols)
	// An empty list means every tracked symbol; a list of blanks does not.
	if len(req.Symbols) > 0 && len(symbols) == 0 {
		return "", ErrNoSymbols
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if m.active >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return "", ErrTooManySessions
	}
	s := &Session{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Symbols:   symbols,
		BatchSize: batchSize,
		Progress:  Progress{Total: len(symbols)},
		StartTime: m.now(),
		Results:   []SymbolResult{},
	}
	m.sessions[s.ID] = s
	m.active++
	m.wg.Add(1)
	m.mu.Unlock()

	slog.Info("refresh session created", "session", s.ID, "symbols", len(symbols), "batch_size", batchSize)
	go m.run(s.ID, symbols, batchSize, req.Timeout)
	return s.ID, nil
}

func (m *Manager) run(id string, symbols []string, batchSize int, timeout time.Duration) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("refresh session panicked", "session", id, "panic", r)
			m.finish(id, StatusFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if !m.update(id, func(s *Session) { s.Status = StatusInProgress }) {
		return
	}

	if len(symbols) == 0 {
		tracked, err := m.lister.ListTrackedSymbols(m.baseCtx)
		if err != nil {
			slog.Error("refresh session: list tracked symbols", "session", id, "error", err)
			m.finish(id, StatusFailed, fmt.Sprintf("list tracked symbols: %v", err))
			return
		}
		symbols = dedupe(tracked)
		m.update(id, func(s *Session) {
			s.Symbols = slices.Clone(symbols)
			s.Progress.Total = len(symbols)
		})
	}

	for _, batch := range scraper.Chunk(symbols, batchSize) {
		if m.baseCtx.Err() != nil || !m.live(id) {
			break
		}
		m.update(id, func(s *Session) { s.Progress.CurrentSymbol = batch[0] })

		var g errgroup.Group
		for _, sym := range batch {
			g.Go(func() error {
				m.record(id, m.resolve(sym, timeout))
				return nil
			})
		}
		_ = g.Wait()
	}

	if m.baseCtx.Err() != nil {
		m.finish(id, StatusCancelled, "")
		return
	}
	m.finish(id, StatusCompleted, "")
}

// resolve looks up one symbol. Manual refreshes always bypass the fresh cache;
// a stale fallback is still served when the source is down.
func (m *Manager) resolve(symbol string, timeout time.Duration) SymbolResult {
	ctx := m.baseCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := m.fetcher.GetPriceWithFallback(ctx, symbol, true)
	if err != nil {
		if m.baseCtx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = failure.New(failure.Timeout, symbol, fmt.Errorf("no price within %s: %w", timeout, err))
		}
		kind, msg, actions := translate(err)
		return SymbolResult{Symbol: symbol, Kind: kind, Error: err.Error(), Message: msg, Actions: actions}
	}
	return SymbolResult{
		Symbol:       res.Symbol,
		Price:        res.Price,
		Source:       res.Source,
		Cached:       res.Cached,
		FallbackUsed: res.FallbackUsed,
	}
}

// record appends a symbol result. Results arriving after the session turned
// terminal (cancelled) are dropped.
func (m *Manager) record(id string, r SymbolResult) {
	m.update(id, func(s *Session) {
		s.Results = append(s.Results, r)
		s.Progress.Completed++
		s.Progress.CurrentSymbol = r.Symbol
		if !r.OK() {
			s.Progress.Failed++
		}
	})
}

// update applies fn to a live session. It reports false when the session is
// unknown or already terminal.
func (m *Manager) update(id string, fn func(*Session)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status.Terminal() {
		return false
	}
	fn(s)
	return true
}

func (m *Manager) live(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return ok && !s.Status.Terminal()
}

func (m *Manager) finish(id string, status Status, errMsg string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.terminate(s, status)
	s.Error = errMsg
	snapshot := *s
	m.mu.Unlock()

	slog.Info("refresh session finished",
		"session", id, "status", status,
		"completed", snapshot.Progress.Completed, "failed", snapshot.Progress.Failed,
		"duration", snapshot.EndTime.Sub(snapshot.StartTime).Round(time.Millisecond).String())
}

// terminate moves s into a terminal state. Callers must hold m.mu.
func (m *Manager) terminate(s *Session, status Status) {
	s.Status = status
	s.EndTime = m.now()
	s.Progress.CurrentSymbol = ""
	m.active--
}

// CancelRefresh stops a live session from scheduling further batches.
// Lookups already in flight finish but are not recorded. It returns false for
// unknown or terminal sessions.
func (m *Manager) CancelRefresh(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status.Terminal() {
		return false
	}
	m.terminate(s, StatusCancelled)
	slog.Info("refresh session cancelled", "session", id, "completed", s.Progress.Completed)
	return true
}

// GetRefreshStatus returns a copy of the session.
func (m *Manager) GetRefreshStatus(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// List returns copies of all retained sessions, newest first.
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Session) int { return b.StartTime.Compare(a.StartTime) })
	return out
}

// CleanupOldRefreshes evicts sessions that have been terminal for longer than
// the retention window and returns how many were removed.
func (m *Manager) CleanupOldRefreshes() int {
	cutoff := m.now().Add(-m.cfg.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Status.Terminal() && s.EndTime.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		slog.Info("evicted old refresh sessions", "count", n)
	}
	return n
}

// Close cancels every live session and waits for their goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, s := range m.sessions {
		if !s.Status.Terminal() {
			m.terminate(s, StatusCancelled)
		}
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func dedupe(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		sym := price.NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}
