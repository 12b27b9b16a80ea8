package sip

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/pricefeed/internal/failure"
	"github.com/ahmethakanbesel/pricefeed/internal/fetcher"
)

// unitsPrecision is the number of decimal places units are rounded to.
const unitsPrecision = 4

// PriceFetcher prices a SIP instalment. It is satisfied by *fetcher.Fetcher.
type PriceFetcher interface {
	GetPriceWithFallback(ctx context.Context, symbol string, forceRefresh bool) (*fetcher.Result, error)
}

type Config struct {
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	FailedRetention time.Duration `yaml:"failed_retention"`
	Currency        string        `yaml:"currency"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency:     1,
		MaxRetries:      2,
		RetryDelay:      time.Second,
		FailedRetention: 90 * 24 * time.Hour,
		Currency:        "INR",
	}
}

// Due is a SIP together with the date of its next instalment.
type Due struct {
	SIP     SIP       `json:"sip"`
	DueDate time.Time `json:"dueDate"`
}

// Result is the outcome of one instalment within a batch.
type Result struct {
	SIPID           int64             `json:"sipId"`
	Symbol          string            `json:"symbol"`
	TransactionDate time.Time         `json:"transactionDate"`
	Status          TransactionStatus `json:"status,omitempty"`
	NAV             decimal.Decimal   `json:"nav"`
	Units           decimal.Decimal   `json:"units"`
	Retries         int               `json:"retries"`
	Error           string            `json:"error,omitempty"`
}

type BatchResult struct {
	TotalProcessed int      `json:"totalProcessed"`
	Successful     int      `json:"successful"`
	Failed         int      `json:"failed"`
	Results        []Result `json:"results"`
}

func (b *BatchResult) add(r Result) {
	b.TotalProcessed++
	if r.Status == TransactionCompleted {
		b.Successful++
	} else {
		b.Failed++
	}
	b.Results = append(b.Results, r)
}

func (b *BatchResult) sort() {
	slices.SortFunc(b.Results, func(x, y Result) int {
		if c := cmp.Compare(x.SIPID, y.SIPID); c != 0 {
			return c
		}
		return x.TransactionDate.Compare(y.TransactionDate)
	})
}

type Processor struct {
	repo   Repository
	prices PriceFetcher
	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Processor) { p.sleep = sleep }
}

func NewProcessor(repo Repository, prices PriceFetcher, cfg Config, opts ...Option) *Processor {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = def.FailedRetention
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}

	p := &Processor{
		repo:   repo,
		prices: prices,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// DueForProcessing returns the ACTIVE SIPs whose next due date is on or
// before asOf. SIPs whose next due date falls after their end date are marked
// COMPLETED and left out.
func (p *Processor) DueForProcessing(ctx context.Context, asOf time.Time) ([]Due, error) {
	asOf = dateOnly(asOf)

	sips, err := p.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sips: %w", err)
	}

	var due []Due
	for _, s := range sips {
		last, err := p.repo.LastTransactionDate(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("last transaction of sip %d: %w", s.ID, err)
		}
		next := s.NextDueDate(last)
		if s.Ended(next) {
			if err := p.complete(ctx, s); err != nil {
				return nil, err
			}
			continue
		}
		if !next.After(asOf) {
			due = append(due, Due{SIP: s, DueDate: next})
		}
	}
	return due, nil
}

func (p *Processor) complete(ctx context.Context, s SIP) error {
	if err := p.repo.UpdateStatus(ctx, s.ID, StatusCompleted); err != nil {
		return fmt.Errorf("complete sip %d: %w", s.ID, err)
	}
	slog.Info("sip completed", "sip", s.ID, "symbol", s.Symbol)
	return nil
}

// ProcessTransaction records the instalment of s dated date. Guard and pricing
// failures are recorded as FAILED transactions; the returned error is set only
// when the transaction could not be persisted.
func (p *Processor) ProcessTransaction(ctx context.Context, s SIP, date time.Time) (*Transaction, error) {
	tx, _, err := p.process(ctx, s, date, 0)
	return tx, err
}

// ProcessTransactionWithRetry is ProcessTransaction with up to MaxRetries
// extra attempts on transient pricing failures. It returns how many retries
// were used. Only the final attempt is persisted.
func (p *Processor) ProcessTransactionWithRetry(ctx context.Context, s SIP, date time.Time) (*Transaction, int, error) {
	return p.process(ctx, s, date, p.cfg.MaxRetries)
}

func (p *Processor) process(ctx context.Context, s SIP, date time.Time, maxRetries int) (*Transaction, int, error) {
	date = dateOnly(date)

	if tx := p.guard(ctx, s, date); tx != nil {
		if err := p.save(ctx, tx); err != nil {
			return nil, 0, err
		}
		return tx, 0, nil
	}

	tx, retries := p.priceWithRetry(ctx, s, date, maxRetries)
	if err := p.save(ctx, tx); err != nil {
		return nil, retries, err
	}
	return tx, retries, nil
}

// guard returns a FAILED transaction when s may not be charged on date.
func (p *Processor) guard(ctx context.Context, s SIP, date time.Time) *Transaction {
	if s.Status != StatusActive {
		return p.failed(s, date, fmt.Sprintf("SIP is not active (status: %s)", s.Status))
	}
	if s.Ended(date) {
		if err := p.complete(ctx, s); err != nil {
			slog.Error("mark ended sip completed", "sip", s.ID, "error", err)
		}
		return p.failed(s, date, fmt.Sprintf("SIP ended on %s", FormatDate(*s.EndDate)))
	}
	return nil
}

func (p *Processor) priceWithRetry(ctx context.Context, s SIP, date time.Time, maxRetries int) (*Transaction, int) {
	retries := 0
	for {
		tx, transient := p.price(ctx, s, date)
		if !transient || retries >= maxRetries || ctx.Err() != nil {
			return tx, retries
		}
		retries++
		slog.Warn("retrying sip transaction",
			"sip", s.ID, "symbol", s.Symbol, "date", FormatDate(date), "retry", retries, "reason", tx.ErrorMessage)
		if err := p.sleep(ctx, p.cfg.RetryDelay*time.Duration(retries)); err != nil {
			return tx, retries
		}
	}
}

// price builds the transaction for one attempt without persisting it. The
// second result reports whether the failure is worth retrying.
func (p *Processor) price(ctx context.Context, s SIP, date time.Time) (*Transaction, bool) {
	res, err := p.prices.GetPriceWithFallback(ctx, s.Symbol, false)
	if v, ok := failure.RejectedValue(err); ok {
		return p.failed(s, date, fmt.Sprintf("Invalid NAV received: %s", decimal.NewFromFloat(v))), false
	}
	if err != nil {
		return p.failed(s, date, fmt.Sprintf("NAV fetch failed: %v", err)), failure.IsRetryable(err)
	}

	nav := decimal.NewFromFloat(res.Price)
	if !nav.IsPositive() {
		return p.failed(s, date, fmt.Sprintf("Invalid NAV received: %s", nav)), false
	}

	return &Transaction{
		SIPID:           s.ID,
		Amount:          s.Amount,
		NAV:             nav,
		Units:           s.Amount.Div(nav).Round(unitsPrecision),
		TransactionDate: date,
		Status:          TransactionCompleted,
		CreatedAt:       p.now().UTC(),
	}, false
}

func (p *Processor) failed(s SIP, date time.Time, msg string) *Transaction {
	return &Transaction{
		SIPID:           s.ID,
		Amount:          s.Amount,
		NAV:             decimal.Zero,
		Units:           decimal.Zero,
		TransactionDate: date,
		Status:          TransactionFailed,
		ErrorMessage:    msg,
		CreatedAt:       p.now().UTC(),
	}
}

func (p *Processor) save(ctx context.Context, tx *Transaction) error {
	if err := p.repo.AppendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("record transaction for sip %d on %s: %w", tx.SIPID, FormatDate(tx.TransactionDate), err)
	}
	if tx.Status == TransactionFailed {
		slog.Warn("sip transaction failed", "sip", tx.SIPID, "date", FormatDate(tx.TransactionDate), "reason", tx.ErrorMessage)
	} else {
		slog.Info("sip transaction completed", "sip", tx.SIPID, "date", FormatDate(tx.TransactionDate),
			"nav", tx.NAV.String(), "units", tx.Units.String())
	}
	return nil
}

// ProcessBatch processes every instalment due on or before asOf. Each SIP is
// handled by exactly one worker, which catches up missed periods in date
// order; up to concurrency SIPs are processed in parallel.
func (p *Processor) ProcessBatch(ctx context.Context, asOf time.Time, concurrency int) (*BatchResult, error) {
	asOf = dateOnly(asOf)
	if concurrency <= 0 {
		concurrency = 1
	}

	due, err := p.DueForProcessing(ctx, asOf)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out = &BatchResult{Results: []Result{}}
	)
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, d := range due {
		g.Go(func() error {
			for _, r := range p.catchUp(ctx, d, asOf) {
				mu.Lock()
				out.add(r)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	out.sort()
	slog.Info("sip batch processed",
		"as_of", FormatDate(asOf), "sips", len(due),
		"processed", out.TotalProcessed, "successful", out.Successful, "failed", out.Failed)
	return out, nil
}

func (p *Processor) catchUp(ctx context.Context, d Due, asOf time.Time) []Result {
	var results []Result
	date := d.DueDate
	for !date.After(asOf) {
		if ctx.Err() != nil {
			break
		}
		if d.SIP.Ended(date) {
			if err := p.complete(ctx, d.SIP); err != nil {
				slog.Error("mark ended sip completed", "sip", d.SIP.ID, "error", err)
			}
			break
		}

		tx, retries, err := p.ProcessTransactionWithRetry(ctx, d.SIP, date)
		r := Result{SIPID: d.SIP.ID, Symbol: d.SIP.Symbol, TransactionDate: date, Retries: retries}
		if err != nil {
			if errors.Is(err, ErrDuplicateTransaction) {
				// Another run already recorded this date.
				slog.Info("sip transaction already recorded", "sip", d.SIP.ID, "date", FormatDate(date))
				date = d.SIP.NextDueDate(&date)
				continue
			}
			slog.Error("sip transaction", "sip", d.SIP.ID, "date", FormatDate(date), "error", err)
			r.Error = err.Error()
			results = append(results, r)
			break
		}
		r.Status = tx.Status
		r.NAV = tx.NAV
		r.Units = tx.Units
		r.Error = tx.ErrorMessage
		results = append(results, r)

		date = d.SIP.NextDueDate(&date)
	}
	return results
}

// ProcessDueToday processes everything due as of now.
func (p *Processor) ProcessDueToday(ctx context.Context) (*BatchResult, error) {
	return p.ProcessBatch(ctx, p.now(), p.cfg.Concurrency)
}

// RetryFailedTransactions re-prices every FAILED transaction of an ACTIVE SIP.
// A successful retry supersedes the FAILED row; a failing one leaves it as is.
func (p *Processor) RetryFailedTransactions(ctx context.Context) (*BatchResult, error) {
	failed, err := p.repo.ListFailed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list failed transactions: %w", err)
	}

	out := &BatchResult{Results: []Result{}}
	sips := make(map[int64]*SIP)
	for _, old := range failed {
		if ctx.Err() != nil {
			break
		}
		s, ok := sips[old.SIPID]
		if !ok {
			s, err = p.repo.Get(ctx, old.SIPID)
			if err != nil {
				slog.Error("load sip for retry", "sip", old.SIPID, "error", err)
				continue
			}
			sips[old.SIPID] = s
		}
		if s.Status != StatusActive {
			continue
		}

		tx, retries := p.priceWithRetry(ctx, *s, old.TransactionDate, p.cfg.MaxRetries)
		r := Result{SIPID: s.ID, Symbol: s.Symbol, TransactionDate: old.TransactionDate, Retries: retries, Status: tx.Status}
		if tx.Status == TransactionCompleted {
			if err := p.repo.Supersede(ctx, old.ID, tx); err != nil {
				slog.Error("supersede failed transaction", "transaction", old.ID, "error", err)
				r.Status = ""
				r.Error = err.Error()
			} else {
				r.NAV, r.Units = tx.NAV, tx.Units
				slog.Info("failed sip transaction superseded", "sip", s.ID, "date", FormatDate(old.TransactionDate), "units", tx.Units.String())
			}
		} else {
			r.Error = tx.ErrorMessage
		}
		out.add(r)
	}

	out.sort()
	slog.Info("failed sip transactions retried",
		"candidates", len(failed), "processed", out.TotalProcessed, "successful", out.Successful, "failed", out.Failed)
	return out, nil
}

// CleanupOldFailedTransactions deletes FAILED transactions recorded more than
// olderThan ago. A non-positive olderThan uses the configured retention.
func (p *Processor) CleanupOldFailedTransactions(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = p.cfg.FailedRetention
	}
	n, err := p.repo.DeleteFailedBefore(ctx, p.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("delete old failed transactions: %w", err)
	}
	if n > 0 {
		slog.Info("deleted old failed sip transactions", "count", n)
	}
	return n, nil
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
