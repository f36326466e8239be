package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Ledger deducts a commission from a driver's balance. Implementations are
// idempotent per order: a repeated deduction returns the balance recorded
// by the first one.
type Ledger interface {
	Deduct(ctx context.Context, driverID, orderID string, amount float64) (newBalance float64, err error)
}

// MemoryLedger keeps balances in process. Used in tests and when no ledger
// backend is configured.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]float64
	applied  map[string]float64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]float64), applied: make(map[string]float64)}
}

// Credit tops up a driver's balance.
func (l *MemoryLedger) Credit(driverID string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[driverID] += amount
}

func (l *MemoryLedger) Balance(driverID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[driverID]
}

func (l *MemoryLedger) Deduct(_ context.Context, driverID, orderID string, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.applied[orderID]; ok {
		return bal, nil
	}
	l.balances[driverID] -= amount
	bal := l.balances[driverID]
	l.applied[orderID] = bal
	return bal, nil
}

// PostgresLedger records each settlement in commission_settlements and
// keeps running balances in driver_balances, in one transaction.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger { return &PostgresLedger{db: db} }

func (l *PostgresLedger) Deduct(ctx context.Context, driverID, orderID string, amount float64) (float64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	var prior float64
	err = tx.QueryRowContext(ctx, `SELECT balance_after FROM commission_settlements WHERE order_id=$1`, orderID).Scan(&prior)
	switch {
	case err == nil:
		return prior, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	var bal float64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO driver_balances (driver_id, balance) VALUES ($1, -$2::double precision)
		ON CONFLICT (driver_id) DO UPDATE SET balance = driver_balances.balance - $2::double precision
		RETURNING balance`, driverID, amount).Scan(&bal)
	if err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO commission_settlements (order_id, driver_id, amount, balance_after)
		VALUES ($1,$2,$3,$4)`, orderID, driverID, amount, bal); err != nil {
		return 0, fmt.Errorf("record settlement: %w", err)
	}
	return bal, tx.Commit()
}
