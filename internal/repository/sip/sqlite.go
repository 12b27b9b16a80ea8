package sip

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/ahmethakanbesel/pricefeed/internal/apperror"
	"github.com/ahmethakanbesel/pricefeed/internal/platform/sqlite"
	domain "github.com/ahmethakanbesel/pricefeed/internal/sip"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: sqlx.NewDb(db, sqlite.DriverName)}
}

type sipRow struct {
	ID        int64          `db:"id"`
	Name      string         `db:"name"`
	Symbol    string         `db:"symbol"`
	Amount    string         `db:"amount"`
	Frequency string         `db:"frequency"`
	StartDate string         `db:"start_date"`
	EndDate   sql.NullString `db:"end_date"`
	Status    string         `db:"status"`
	CreatedAt string         `db:"created_at"`
}

func (r sipRow) toDomain() (*domain.SIP, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("sip %d amount %q: %w", r.ID, r.Amount, err)
	}
	start, err := domain.ParseDate(r.StartDate)
	if err != nil {
		return nil, fmt.Errorf("sip %d start date: %w", r.ID, err)
	}
	s := &domain.SIP{
		ID:        r.ID,
		Name:      r.Name,
		Symbol:    r.Symbol,
		Amount:    amount,
		Frequency: domain.Frequency(r.Frequency),
		StartDate: start,
		Status:    domain.Status(r.Status),
	}
	if r.EndDate.Valid {
		end, err := domain.ParseDate(r.EndDate.String)
		if err != nil {
			return nil, fmt.Errorf("sip %d end date: %w", r.ID, err)
		}
		s.EndDate = &end
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, r.CreatedAt)
	return s, nil
}

type txRow struct {
	ID              int64  `db:"id"`
	SIPID           int64  `db:"sip_id"`
	Amount          string `db:"amount"`
	NAV             string `db:"nav"`
	Units           string `db:"units"`
	TransactionDate string `db:"transaction_date"`
	Status          string `db:"status"`
	ErrorMessage    string `db:"error_message"`
	CreatedAt       int64  `db:"created_at"`
}

func (r txRow) toDomain() (domain.Transaction, error) {
	tx := domain.Transaction{
		ID:           r.ID,
		SIPID:        r.SIPID,
		Status:       domain.TransactionStatus(r.Status),
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    time.UnixMilli(r.CreatedAt).UTC(),
	}
	var err error
	if tx.Amount, err = decimal.NewFromString(r.Amount); err != nil {
		return tx, fmt.Errorf("transaction %d amount: %w", r.ID, err)
	}
	if tx.NAV, err = decimal.NewFromString(r.NAV); err != nil {
		return tx, fmt.Errorf("transaction %d nav: %w", r.ID, err)
	}
	if tx.Units, err = decimal.NewFromString(r.Units); err != nil {
		return tx, fmt.Errorf("transaction %d units: %w", r.ID, err)
	}
	if tx.TransactionDate, err = domain.ParseDate(r.TransactionDate); err != nil {
		return tx, fmt.Errorf("transaction %d date: %w", r.ID, err)
	}
	return tx, nil
}

func fromTransaction(tx *domain.Transaction) txRow {
	return txRow{
		SIPID:           tx.SIPID,
		Amount:          tx.Amount.String(),
		NAV:             tx.NAV.String(),
		Units:           tx.Units.String(),
		TransactionDate: domain.FormatDate(tx.TransactionDate),
		Status:          string(tx.Status),
		ErrorMessage:    tx.ErrorMessage,
		CreatedAt:       tx.CreatedAt.UnixMilli(),
	}
}

const sipColumns = `id, name, symbol, amount, frequency, start_date, end_date, status, created_at`

const txColumns = `id, sip_id, amount, nav, units, transaction_date, status, error_message, created_at`

func (r *Repository) Create(ctx context.Context, s *domain.SIP) error {
	if !s.Frequency.Valid() {
		return apperror.New(apperror.BadRequest, fmt.Sprintf("unknown frequency %q", s.Frequency))
	}
	if !s.Amount.IsPositive() {
		return apperror.New(apperror.BadRequest, "amount must be positive")
	}
	if s.Status == "" {
		s.Status = domain.StatusActive
	}

	var end sql.NullString
	if s.EndDate != nil {
		end = sql.NullString{String: domain.FormatDate(*s.EndDate), Valid: true}
	}

	const query = `INSERT INTO sips (name, symbol, amount, frequency, start_date, end_date, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		s.Name, s.Symbol, s.Amount.String(), string(s.Frequency),
		domain.FormatDate(s.StartDate), end, string(s.Status),
	)
	if err != nil {
		return fmt.Errorf("create sip: %w", err)
	}
	s.ID, _ = res.LastInsertId()
	s.CreatedAt = time.Now().UTC()
	return nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*domain.SIP, error) {
	var row sipRow
	err := r.db.GetContext(ctx, &row, `SELECT `+sipColumns+` FROM sips WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.NotFound, "sip not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get sip: %w", err)
	}
	return row.toDomain()
}

func (r *Repository) ListActive(ctx context.Context) ([]domain.SIP, error) {
	var rows []sipRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+sipColumns+` FROM sips WHERE status = ? ORDER BY id`, string(domain.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active sips: %w", err)
	}

	out := make([]domain.SIP, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, id int64, status domain.Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sips SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update sip status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.NotFound, "sip not found")
	}
	return nil
}

func (r *Repository) LastTransactionDate(ctx context.Context, sipID int64) (*time.Time, error) {
	var last sql.NullString
	err := r.db.GetContext(ctx, &last,
		`SELECT MAX(transaction_date) FROM sip_transactions WHERE sip_id = ?`, sipID)
	if err != nil {
		return nil, fmt.Errorf("last transaction date: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t, err := domain.ParseDate(last.String)
	if err != nil {
		return nil, fmt.Errorf("parse last transaction date: %w", err)
	}
	return &t, nil
}

func (r *Repository) AppendTransaction(ctx context.Context, tx *domain.Transaction) error {
	return insertTransaction(ctx, r.db, tx)
}

func insertTransaction(ctx context.Context, ext sqlx.ExtContext, tx *domain.Transaction) error {
	const query = `INSERT INTO sip_transactions
		(sip_id, amount, nav, units, transaction_date, status, error_message, created_at)
		VALUES (:sip_id, :amount, :nav, :units, :transaction_date, :status, :error_message, :created_at)`

	res, err := sqlx.NamedExecContext(ctx, ext, query, fromTransaction(tx))
	if err != nil {
		if sqlite.IsUniqueViolation(err) {
			return domain.ErrDuplicateTransaction
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	tx.ID, _ = res.LastInsertId()
	return nil
}

func (r *Repository) ListFailed(ctx context.Context) ([]domain.Transaction, error) {
	return r.listTransactions(ctx,
		`SELECT `+txColumns+` FROM sip_transactions WHERE status = ? ORDER BY sip_id, transaction_date`,
		string(domain.TransactionFailed))
}

func (r *Repository) Supersede(ctx context.Context, failedID int64, tx *domain.Transaction) error {
	dbtx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin supersede: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	res, err := dbtx.ExecContext(ctx,
		`DELETE FROM sip_transactions WHERE id = ? AND status = ?`, failedID, string(domain.TransactionFailed))
	if err != nil {
		return fmt.Errorf("delete failed transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.NotFound, "failed transaction not found")
	}

	if err := insertTransaction(ctx, dbtx, tx); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit supersede: %w", err)
	}
	return nil
}

func (r *Repository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sip_transactions WHERE status = ? AND created_at < ?`,
		string(domain.TransactionFailed), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete failed transactions: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) ListTransactions(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	return r.listTransactions(ctx,
		`SELECT `+txColumns+` FROM sip_transactions
		WHERE transaction_date BETWEEN ? AND ? ORDER BY transaction_date, sip_id`,
		domain.FormatDate(from), domain.FormatDate(to))
}

func (r *Repository) listTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	var rows []txRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		tx, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}
