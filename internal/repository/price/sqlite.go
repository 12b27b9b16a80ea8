package price

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/ahmethakanbesel/pricefeed/internal/price"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, symbol string) (*domain.Record, error) {
	const query = `SELECT symbol, price, source, fetched_at FROM prices WHERE symbol = ?`

	var rec domain.Record
	var src string
	var fetchedMs int64
	err := r.db.QueryRowContext(ctx, query, symbol).Scan(&rec.Symbol, &rec.Price, &src, &fetchedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get price: %w", err)
	}
	rec.Source = domain.Source(src)
	rec.FetchedAt = time.UnixMilli(fetchedMs).UTC()
	return &rec, nil
}

// Upsert replaces the record for a symbol. Non-positive prices are rejected
// so an invalid quote can never overwrite a good one.
func (r *Repository) Upsert(ctx context.Context, rec domain.Record) error {
	if !rec.Valid() {
		return fmt.Errorf("upsert price %s: price must be positive, got %v", rec.Symbol, rec.Price)
	}

	const query = `INSERT INTO prices (symbol, price, source, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			price = excluded.price,
			source = excluded.source,
			fetched_at = excluded.fetched_at,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`

	_, err := r.db.ExecContext(ctx, query, rec.Symbol, rec.Price, string(rec.Source), rec.FetchedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert price: %w", err)
	}
	return nil
}

func (r *Repository) ListTrackedSymbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol FROM prices ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tracked symbols: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

func (r *Repository) Stats(ctx context.Context, now time.Time) (domain.Stats, error) {
	const query = `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN fetched_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN fetched_at <= ? AND fetched_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN fetched_at <= ? THEN 1 ELSE 0 END), 0)
		FROM prices`

	freshCutoff := now.Add(-domain.FreshFor).UnixMilli()
	staleCutoff := now.Add(-domain.StaleFor).UnixMilli()

	var s domain.Stats
	err := r.db.QueryRowContext(ctx, query,
		freshCutoff,
		freshCutoff, staleCutoff,
		staleCutoff,
	).Scan(&s.Count, &s.Fresh, &s.Stale, &s.Expired)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("price stats: %w", err)
	}
	return s, nil
}

func (r *Repository) Delete(ctx context.Context, symbol string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM prices WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("delete price: %w", err)
	}
	return nil
}

func (r *Repository) Clear(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM prices`)
	if err != nil {
		return 0, fmt.Errorf("clear prices: %w", err)
	}
	return res.RowsAffected()
}
