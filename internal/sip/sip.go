// Package sip generates systematic investment plan transactions on their due
// dates, priced through the shared price fetcher.
package sip

import (
	"time"

	"github.com/shopspring/decimal"
)

const dateFormat = "2006-01-02"

type Frequency string

const (
	Monthly   Frequency = "MONTHLY"
	Quarterly Frequency = "QUARTERLY"
	Yearly    Frequency = "YEARLY"
)

// Months returns the length of one period, or 0 for an unknown frequency.
func (f Frequency) Months() int {
	switch f {
	case Monthly:
		return 1
	case Quarterly:
		return 3
	case Yearly:
		return 12
	default:
		return 0
	}
}

func (f Frequency) Valid() bool { return f.Months() > 0 }

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
)

type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
)

// SIP is a recurring fixed-amount purchase of one fund or equity.
type SIP struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`
	Frequency Frequency       `json:"frequency"`
	StartDate time.Time       `json:"startDate"`
	EndDate   *time.Time      `json:"endDate,omitempty"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NextDueDate returns StartDate when nothing has been recorded yet, otherwise
// one period after the last transaction. The day of month follows StartDate,
// clamped to the length of the target month, so a plan started on the 31st
// does not drift after February.
func (s SIP) NextDueDate(last *time.Time) time.Time {
	if last == nil {
		return dateOnly(s.StartDate)
	}
	return addMonths(dateOnly(*last), s.Frequency.Months(), s.StartDate.Day())
}

// Ended reports whether date falls after the plan's end date.
func (s SIP) Ended(date time.Time) bool {
	return s.EndDate != nil && dateOnly(date).After(dateOnly(*s.EndDate))
}

// Transaction is one executed (or failed) instalment. A FAILED transaction
// has zero NAV and units and explains itself in ErrorMessage.
type Transaction struct {
	ID              int64             `json:"id"`
	SIPID           int64             `json:"sipId"`
	Amount          decimal.Decimal   `json:"amount"`
	NAV             decimal.Decimal   `json:"nav"`
	Units           decimal.Decimal   `json:"units"`
	TransactionDate time.Time         `json:"transactionDate"`
	Status          TransactionStatus `json:"status"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func addMonths(t time.Time, months, day int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	return time.Date(first.Year(), first.Month(), min(day, last), 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a transaction date the way it is stored.
func FormatDate(t time.Time) string { return t.Format(dateFormat) }

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) { return time.Parse(dateFormat, s) }
