package refresh

import (
	"slices"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ahmethakanbesel/pricefeed/internal/failure"
	"github.com/ahmethakanbesel/pricefeed/internal/price"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the session can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Progress struct {
	Completed     int    `json:"completed"`
	Total         int    `json:"total"`
	CurrentSymbol string `json:"currentSymbol,omitempty"`
	Failed        int    `json:"failed"`
}

// SymbolResult is the outcome of refreshing one symbol. Failed lookups carry
// the raw error next to a message that can be shown to end users.
type SymbolResult struct {
	Symbol       string       `json:"symbol"`
	Price        float64      `json:"price,omitempty"`
	Source       price.Source `json:"source,omitempty"`
	Cached       bool         `json:"cached"`
	FallbackUsed bool         `json:"fallbackUsed"`
	Kind         failure.Kind `json:"kind,omitempty"`
	Error        string       `json:"error,omitempty"`
	Message      string       `json:"message,omitempty"`
	Actions      []string     `json:"actions,omitempty"`
}

func (r SymbolResult) OK() bool { return r.Error == "" }

type Session struct {
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	Symbols   []string       `json:"symbols"`
	BatchSize int            `json:"batchSize"`
	Progress  Progress       `json:"progress"`
	StartTime time.Time      `json:"startTime"`
	EndTime   time.Time      `json:"endTime,omitzero"`
	Results   []SymbolResult `json:"results"`
	Error     string         `json:"error,omitempty"`
}

func (s Session) clone() Session {
	c := s
	c.Symbols = slices.Clone(s.Symbols)
	c.Results = make([]SymbolResult, len(s.Results))
	for i, r := range s.Results {
		r.Actions = slices.Clone(r.Actions)
		c.Results[i] = r
	}
	return c
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

// Outcome classifies the symbols resolved so far. A session that failed as a
// whole is always OutcomeFailed.
func (s Session) Outcome() Outcome {
	switch {
	case s.Status == StatusFailed:
		return OutcomeFailed
	case s.Progress.Failed == 0:
		return OutcomeSucceeded
	case s.Progress.Failed < s.Progress.Completed:
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}

func init() {
	for _, e := range []struct {
		key, tr string
	}{
		{"Refreshing %d of %d symbols", "%[2]d sembolün %[1]d tanesi güncelleniyor"},
		{"Refreshed %d of %d symbols", "%[2]d sembolün %[1]d tanesi güncellendi"},
		{"Refreshed %d of %d symbols, %d failed", "%[2]d sembolün %[1]d tanesi güncellendi, %[3]d başarısız"},
		{"Refresh cancelled after %d of %d symbols", "Güncelleme %[2]d sembolün %[1]d tanesinden sonra iptal edildi"},
		{"Refresh failed: %s", "Güncelleme başarısız: %s"},
	} {
		_ = message.SetString(language.Turkish, e.key, e.tr)
	}
}

// Summary renders a one-line description of the session in the given
// language. Unknown languages fall back to English.
func (s Session) Summary(tag language.Tag) string {
	p := message.NewPrinter(tag)
	done, total := s.Progress.Completed, s.Progress.Total
	switch s.Status {
	case StatusPending, StatusInProgress:
		return p.Sprintf("Refreshing %d of %d symbols", done, total)
	case StatusCancelled:
		return p.Sprintf("Refresh cancelled after %d of %d symbols", done, total)
	case StatusFailed:
		return p.Sprintf("Refresh failed: %s", s.Error)
	}
	if s.Progress.Failed > 0 {
		return p.Sprintf("Refreshed %d of %d symbols, %d failed", done-s.Progress.Failed, total, s.Progress.Failed)
	}
	return p.Sprintf("Refreshed %d of %d symbols", done, total)
}
