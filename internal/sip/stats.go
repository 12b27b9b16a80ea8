package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

type Stats struct {
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
	Total          int             `json:"total"`
	Completed      int             `json:"completed"`
	Failed         int             `json:"failed"`
	SuccessRate    float64         `json:"successRate"`
	TotalInvested  decimal.Decimal `json:"totalInvested"`
	TotalUnits     decimal.Decimal `json:"totalUnits"`
	InvestedString string          `json:"investedDisplay"`
	Currency       string          `json:"currency"`
}

// Stats summarises transactions dated within [from, to]. Only COMPLETED
// transactions count towards the invested amount and units.
func (p *Processor) Stats(ctx context.Context, from, to time.Time) (*Stats, error) {
	from, to = dateOnly(from), dateOnly(to)
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: %s is before %s", FormatDate(to), FormatDate(from))
	}

	txs, err := p.repo.ListTransactions(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	st := &Stats{
		From:          from,
		To:            to,
		TotalInvested: decimal.Zero,
		TotalUnits:    decimal.Zero,
		Currency:      p.cfg.Currency,
	}
	for _, tx := range txs {
		st.Total++
		switch tx.Status {
		case TransactionCompleted:
			st.Completed++
			st.TotalInvested = st.TotalInvested.Add(tx.Amount)
			st.TotalUnits = st.TotalUnits.Add(tx.Units)
		case TransactionFailed:
			st.Failed++
		}
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Completed) / float64(st.Total)
	}
	st.InvestedString = display(st.TotalInvested, p.cfg.Currency)
	return st, nil
}

// display formats amount in the currency's conventional notation, e.g.
// "₹5,000.00". Unknown currency codes fall back to the plain decimal.
func display(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(2) + " " + currency
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, cur.Code).Display()
}
