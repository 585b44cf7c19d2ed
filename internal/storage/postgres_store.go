package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/dispatch-engine/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent so it is safe to run on each start.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

const driverColumns = `id, name, capacity, rating, loc_x, loc_y, status, active_trips, available_from, available_until, registered_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(row rowScanner) (models.Driver, error) {
	var d models.Driver
	var from, until sql.NullTime
	err := row.Scan(&d.ID, &d.Name, &d.Capacity, &d.Rating, &d.Loc.X, &d.Loc.Y, &d.Status, &d.ActiveTrips, &from, &until, &d.RegisteredAt, &d.UpdatedAt)
	d.Availability = models.TimeWindow{Earliest: from.Time, Latest: until.Time}
	return d, err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (p *PostgresStore) CreateDriver(ctx context.Context, d models.Driver) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(`+driverColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.Name, d.Capacity, d.Rating, d.Loc.X, d.Loc.Y, d.Status, d.ActiveTrips,
		nullTime(d.Availability.Earliest), nullTime(d.Availability.Latest), d.RegisteredAt, d.UpdatedAt)
	return mapErr("driver", d.ID, err)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
	return d, mapErr("driver", id, err)
}

func (p *PostgresStore) ListDriversByStatus(ctx context.Context, status models.DriverStatus) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE status=$1 ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountDriversByStatus(ctx context.Context, status models.DriverStatus) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM drivers WHERE status=$1`, status).Scan(&n)
	return n, err
}

func (p *PostgresStore) UpdateDriverStatus(ctx context.Context, id string, to models.DriverStatus, cause models.Cause) (models.Driver, error) {
	var out models.Driver
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDriver(tx.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return mapErr("driver", id, err)
		}
		active, err := models.CheckDriverUpdate(d, to, cause)
		if err != nil {
			out = d
			return err
		}
		d.ActiveTrips = active
		d.UpdatedAt = time.Now().UTC()
		res, err := tx.ExecContext(ctx, `UPDATE drivers SET status=$1, active_trips=$2, updated_at=$3 WHERE id=$4 AND status=$5`,
			to, d.ActiveTrips, d.UpdatedAt, id, d.Status)
		if err != nil {
			return err
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
		d.Status = to
		out = d
		return nil
	})
	return out, err
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id string, loc models.Location) (models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx,
		`UPDATE drivers SET loc_x=$1, loc_y=$2, updated_at=$3 WHERE id=$4 RETURNING `+driverColumns,
		loc.X, loc.Y, time.Now().UTC(), id))
	return d, mapErr("driver", id, err)
}

func (p *PostgresStore) CreateRider(ctx context.Context, r models.Rider) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO riders(id, name, rating, phone, email, registered_at) VALUES($1,$2,$3,$4,$5,$6)`,
		r.ID, r.Name, r.Rating, r.Phone, r.Email, r.RegisteredAt)
	return mapErr("rider", r.ID, err)
}

func (p *PostgresStore) GetRider(ctx context.Context, id string) (models.Rider, error) {
	var r models.Rider
	err := p.db.QueryRowContext(ctx, `SELECT id, name, rating, phone, email, registered_at FROM riders WHERE id=$1`, id).
		Scan(&r.ID, &r.Name, &r.Rating, &r.Phone, &r.Email, &r.RegisteredAt)
	return r, mapErr("rider", id, err)
}

const requestColumns = `id, rider_id, start_x, start_y, end_x, end_y, earliest, latest, status, created_at, updated_at`

func scanRequest(row rowScanner) (models.RideRequest, error) {
	var r models.RideRequest
	var earliest, latest sql.NullTime
	err := row.Scan(&r.ID, &r.RiderID, &r.Start.X, &r.Start.Y, &r.End.X, &r.End.Y, &earliest, &latest, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	r.Window = models.TimeWindow{Earliest: earliest.Time, Latest: latest.Time}
	return r, err
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(`+requestColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.RiderID, r.Start.X, r.Start.Y, r.End.X, r.End.Y,
		nullTime(r.Window.Earliest), nullTime(r.Window.Latest), r.Status, r.CreatedAt, r.UpdatedAt)
	return mapErr("request", r.ID, err)
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.RideRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id=$1`, id))
	return r, mapErr("request", id, err)
}

func (p *PostgresStore) ListPendingRequests(ctx context.Context) ([]models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE status=$1 ORDER BY created_at, id`, models.RequestPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RideRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountPendingRequests(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM ride_requests WHERE status=$1`, models.RequestPending).Scan(&n)
	return n, err
}

func (p *PostgresStore) UpdateRequestStatus(ctx context.Context, id string, to models.RequestStatus, cause models.Cause) (models.RideRequest, error) {
	var out models.RideRequest
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return mapErr("request", id, err)
		}
		if err := models.CheckRequestTransition(r.Status, to, cause); err != nil {
			out = r
			return err
		}
		r.UpdatedAt = time.Now().UTC()
		res, err := tx.ExecContext(ctx, `UPDATE ride_requests SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`, to, r.UpdatedAt, id, r.Status)
		if err != nil {
			return err
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
		r.Status = to
		out = r
		return nil
	})
	return out, err
}

const tripColumns = `id, driver_id, rider_id, request_id, distance, status, matched_at, ended_at`

func scanTrip(row rowScanner) (models.Trip, error) {
	var t models.Trip
	var ended sql.NullTime
	err := row.Scan(&t.ID, &t.DriverID, &t.RiderID, &t.RequestID, &t.Distance, &t.Status, &t.MatchedAt, &ended)
	t.EndedAt = ended.Time
	return t, err
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(`+tripColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.DriverID, t.RiderID, t.RequestID, t.Distance, t.Status, t.MatchedAt, nullTime(t.EndedAt))
	return mapErr("trip", t.ID, err)
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id))
	return t, mapErr("trip", id, err)
}

func (p *PostgresStore) UpdateTripStatus(ctx context.Context, id string, to models.TripStatus) (models.Trip, error) {
	var out models.Trip
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTrip(tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return mapErr("trip", id, err)
		}
		if err := models.CheckTripTransition(t.Status, to); err != nil {
			out = t
			return err
		}
		t.EndedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE trips SET status=$1, ended_at=$2 WHERE id=$3`, to, t.EndedAt, id); err != nil {
			return err
		}
		t.Status = to
		out = t
		return nil
	})
	return out, err
}

func (p *PostgresStore) CountTripsByStatus(ctx context.Context, status models.TripStatus) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM trips WHERE status=$1`, status).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountDriverTrips(ctx context.Context, driverID string, status models.TripStatus) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM trips WHERE driver_id=$1 AND status=$2`, driverID, status).Scan(&n)
	return n, err
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

// mapErr translates driver errors into the package sentinels.
func mapErr(kind, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s %s: %w", kind, id, ErrAlreadyExists)
	}
	return err
}
