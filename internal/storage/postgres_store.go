package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/ride-lifecycle/internal/lifecycle"
	"github.com/example/ride-lifecycle/internal/models"
)

// PostgresStore persists rides, history and earnings in Postgres. The
// conditional update relies on `UPDATE ... WHERE id = $1 AND status = $2`
// with an affected-row check: the precondition is re-evaluated by the
// database at write time, so concurrent competing writes serialize there
// and exactly one observes a match.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rides (id, rider, driver, pickup_lat, pickup_lng, pickup_address,
			dest_lat, dest_lng, dest_address, status, fare, cancelled_at, created_at, updated_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,NULL,$12,$13)`,
		r.ID, r.Rider, r.Driver,
		r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		r.Destination.Lat, r.Destination.Lng, r.Destination.Address,
		r.Status, r.Fare, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	for _, h := range r.History {
		if err := insertHistory(ctx, tx, r.ID, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	return getRide(ctx, p.db, id)
}

func (p *PostgresStore) ConditionalUpdate(ctx context.Context, id string, expected models.RideStatus, m Mutation) (*models.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE rides
		SET status = $3,
		    driver = COALESCE(NULLIF($4, ''), driver),
		    cancelled_at = COALESCE($5, cancelled_at),
		    updated_at = $6
		WHERE id = $1 AND status = $2`,
		id, expected, m.Status, m.Driver, m.CancelledAt, m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// distinguish a lost race from a ride that never existed
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, lifecycle.ErrNotFound
		}
		return nil, ErrNoMatch
	}

	if err := insertHistory(ctx, tx, id, m.History); err != nil {
		return nil, err
	}
	if m.Earning != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO earnings (ride, driver, amount, description, created_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (ride) DO NOTHING`,
			m.Earning.Ride, m.Earning.Driver, m.Earning.Amount, m.Earning.Description, m.Earning.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert earning: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) RidesForRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	return p.listRides(ctx, `SELECT id FROM rides WHERE rider = $1 ORDER BY created_at DESC`, riderID)
}

func (p *PostgresStore) RidesForDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	return p.listRides(ctx, `SELECT id FROM rides WHERE driver = $1 ORDER BY created_at DESC`, driverID)
}

func (p *PostgresStore) EarningsForDriver(ctx context.Context, driverID string) ([]*models.Earning, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ride, driver, amount, description, created_at
		FROM earnings WHERE driver = $1 ORDER BY created_at DESC`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Earning
	for rows.Next() {
		e := &models.Earning{}
		if err := rows.Scan(&e.Ride, &e.Driver, &e.Amount, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) listRides(ctx context.Context, query, arg string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*models.Ride, 0, len(ids))
	for _, id := range ids {
		r, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getRide(ctx context.Context, q querier, id string) (*models.Ride, error) {
	r := &models.Ride{}
	var driver sql.NullString
	var cancelledAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, rider, driver, pickup_lat, pickup_lng, pickup_address,
			dest_lat, dest_lng, dest_address, status, fare, cancelled_at, created_at, updated_at
		FROM rides WHERE id = $1`, id).Scan(
		&r.ID, &r.Rider, &driver,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Destination.Lat, &r.Destination.Lng, &r.Destination.Address,
		&r.Status, &r.Fare, &cancelledAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, fmt.Errorf("query ride: %w", err)
	}
	if driver.Valid {
		r.Driver = driver.String
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		r.CancelledAt = &t
	}

	rows, err := q.QueryContext(ctx, `
		SELECT status, at, actor, COALESCE(note, '')
		FROM ride_history WHERE ride = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h models.HistoryEntry
		if err := rows.Scan(&h.Status, &h.At, &h.By, &h.Note); err != nil {
			return nil, err
		}
		r.History = append(r.History, h)
	}
	return r, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, rideID string, h models.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ride_history (ride, status, at, actor, note)
		VALUES ($1,$2,$3,$4,NULLIF($5,''))`,
		rideID, h.Status, h.At, h.By, h.Note)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}
