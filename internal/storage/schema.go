package storage

import (
	"context"
	"database/sql"
)

// Schema creates the tables used by the order store and the commission ledger.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	requester_id TEXT NOT NULL,
	driver_id TEXT,
	pickup_address TEXT NOT NULL DEFAULT '',
	pickup_lat DOUBLE PRECISION NOT NULL,
	pickup_lon DOUBLE PRECISION NOT NULL,
	dropoff_address TEXT NOT NULL DEFAULT '',
	dropoff_lat DOUBLE PRECISION NOT NULL,
	dropoff_lon DOUBLE PRECISION NOT NULL,
	method TEXT NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	distance_km DOUBLE PRECISION NOT NULL,
	estimated_minutes DOUBLE PRECISION NOT NULL,
	status TEXT NOT NULL,
	proof_ref TEXT,
	cancel_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	assigned_at TIMESTAMPTZ,
	accepted_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_requester_idx ON orders(requester_id);
CREATE INDEX IF NOT EXISTS orders_driver_idx ON orders(driver_id);

CREATE TABLE IF NOT EXISTS offer_attempts (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders(id),
	driver_id TEXT NOT NULL,
	offered_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	outcome TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS offer_attempts_order_idx ON offer_attempts(order_id);

CREATE TABLE IF NOT EXISTS driver_balances (
	driver_id TEXT PRIMARY KEY,
	balance DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS commission_settlements (
	order_id TEXT PRIMARY KEY,
	driver_id TEXT NOT NULL,
	amount DOUBLE PRECISION NOT NULL,
	balance_after DOUBLE PRECISION NOT NULL,
	settled_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
