package storage

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/courier-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the pool so the commission ledger can share it.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveOrder(ctx context.Context, o models.Order) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders(id, requester_id, driver_id, pickup_address, pickup_lat, pickup_lon, dropoff_address, dropoff_lat, dropoff_lon, method, price, distance_km, estimated_minutes, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.RequesterID, nullString(o.DriverID), o.Pickup.Address, o.Pickup.Coord.Lat, o.Pickup.Coord.Lon,
		o.Dropoff.Address, o.Dropoff.Coord.Lat, o.Dropoff.Coord.Lon, string(o.Method), o.Price, o.DistanceKm,
		o.EstimatedMinutes, string(o.Status), o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateOrder(ctx context.Context, o models.Order) error {
	_, err := p.db.ExecContext(ctx, `UPDATE orders SET driver_id=$1, status=$2, proof_ref=$3, cancel_reason=$4, assigned_at=$5, accepted_at=$6, completed_at=$7, cancelled_at=$8, updated_at=$9 WHERE id=$10`,
		nullString(o.DriverID), string(o.Status), nullString(o.ProofRef), nullString(o.CancelReason),
		o.AssignedAt, o.AcceptedAt, o.CompletedAt, o.CancelledAt, o.UpdatedAt, o.ID)
	return err
}

func (p *PostgresStore) SaveOfferAttempt(ctx context.Context, a models.OfferAttempt) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO offer_attempts(id, order_id, driver_id, offered_at, expires_at, resolved_at, outcome)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET resolved_at=EXCLUDED.resolved_at, outcome=EXCLUDED.outcome`,
		a.ID, a.OrderID, a.DriverID, a.OfferedAt, a.ExpiresAt, a.ResolvedAt, string(a.Outcome))
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
