package sip

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateTransaction is returned when a transaction already exists for
// the same SIP and date.
var ErrDuplicateTransaction = errors.New("transaction already recorded for this date")

type Repository interface {
	Create(ctx context.Context, s *SIP) error
	Get(ctx context.Context, id int64) (*SIP, error)
	ListActive(ctx context.Context) ([]SIP, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error

	// LastTransactionDate returns the date of the latest transaction of any
	// status, or nil when the SIP has none.
	LastTransactionDate(ctx context.Context, sipID int64) (*time.Time, error)
	AppendTransaction(ctx context.Context, tx *Transaction) error
	ListFailed(ctx context.Context) ([]Transaction, error)
	// Supersede deletes the FAILED transaction failedID and inserts tx in its
	// place atomically.
	Supersede(ctx context.Context, failedID int64, tx *Transaction) error
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListTransactions(ctx context.Context, from, to time.Time) ([]Transaction, error)
}
