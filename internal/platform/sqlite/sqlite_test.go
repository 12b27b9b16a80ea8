package sqlite

import (
	"errors"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestIsUniqueViolation(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Exec(`INSERT INTO sips (symbol, amount, frequency, start_date) VALUES ('120503', '5000', 'MONTHLY', '2024-01-01')`); err != nil {
		t.Fatalf("insert sip: %v", err)
	}
	const insertTx = `INSERT INTO sip_transactions (sip_id, amount, transaction_date, status, created_at) VALUES (1, '5000', '2024-01-01', 'COMPLETED', 0)`
	if _, err := db.Exec(insertTx); err != nil {
		t.Fatalf("first transaction: %v", err)
	}

	_, err := db.Exec(insertTx)
	if err == nil {
		t.Fatal("expected duplicate (sip_id, transaction_date) to fail")
	}
	if !IsUniqueViolation(err) {
		t.Errorf("duplicate transaction not reported as unique violation: %v", err)
	}

	_, err = db.Exec(`INSERT INTO prices (symbol, price, source, fetched_at) VALUES ('AAPL', 0, 'EQUITY', 0)`)
	if err == nil {
		t.Fatal("expected check constraint to fail")
	}
	if IsUniqueViolation(err) {
		t.Errorf("check violation reported as unique violation: %v", err)
	}

	_, err = db.Exec(`INSERT INTO sip_transactions (sip_id, amount, transaction_date, status, created_at) VALUES (1, '5000', '2024-02-01', 'PENDING', 0)`)
	if err == nil {
		t.Fatal("expected status check to fail")
	}
	if IsUniqueViolation(err) {
		t.Errorf("status check reported as unique violation: %v", err)
	}
}

func TestIsUniqueViolation_IgnoresMessageText(t *testing.T) {
	if IsUniqueViolation(errors.New("UNIQUE constraint failed: sip_transactions.sip_id")) {
		t.Error("plain error matched on its text")
	}
	if IsUniqueViolation(nil) {
		t.Error("nil error reported as unique violation")
	}
}
