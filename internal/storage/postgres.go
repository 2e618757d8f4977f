package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
)

// PostgresStore implements Store on database/sql + lib/pq. Every ride
// transition is one WHERE-guarded UPDATE ... RETURNING; Postgres row
// locking serializes concurrent attempts so exactly one matches the
// precondition.
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

const rideCols = `id, passenger_id, driver_id, pickup_lat, pickup_lng, pickup_address,
	dest_lat, dest_lng, dest_address, status, fare_estimate, final_fare, payment_ref,
	created_at, accepted_at, completed_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID, paymentRef sql.NullString
	var finalFare sql.NullFloat64
	var acceptedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.PassengerID, &driverID,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Destination.Lat, &r.Destination.Lng, &r.Destination.Address,
		&r.Status, &r.FareEstimate, &finalFare, &paymentRef,
		&r.CreatedAt, &acceptedAt, &completedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.PaymentRef = paymentRef.String
	r.FinalFare = finalFare.Float64
	if acceptedAt.Valid {
		r.AcceptedAt = &acceptedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		r.CancelledAt = &cancelledAt.Time
	}
	return &r, nil
}

func infraErr(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, passenger_id, pickup_lat, pickup_lng, pickup_address,
			dest_lat, dest_lng, dest_address, status, fare_estimate, payment_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12)`,
		r.ID, r.PassengerID, r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		r.Destination.Lat, r.Destination.Lng, r.Destination.Address,
		r.Status, r.FareEstimate, r.PaymentRef, r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return ErrNotFound
		}
		return infraErr(err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infraErr(err)
	}
	return r, nil
}

func (p *PostgresStore) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides SET driver_id = $2, status = 'accepted', accepted_at = now()
		WHERE id = $1 AND status = 'pending'
		  AND EXISTS (SELECT 1 FROM drivers WHERE id = $2)
		  AND NOT EXISTS (SELECT 1 FROM rides busy WHERE busy.driver_id = $2 AND busy.status = 'accepted')
		RETURNING `+rideCols, rideID, driverID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.classifyRejection(ctx, rideID, driverID, "ride is not pending or driver is busy")
	}
	if err != nil {
		// the NOT EXISTS subquery cannot see a concurrent uncommitted accept
		// of another ride by the same driver; the rides_one_accepted_per_driver
		// partial unique index catches that race here
		if isUniqueViolation(err) {
			return nil, &ConflictError{RideID: rideID, Status: models.StatusPending, Reason: "driver already has an accepted ride"}
		}
		return nil, infraErr(err)
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}

func (p *PostgresStore) CompleteRide(ctx context.Context, rideID, driverID string, finalFare float64) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides SET status = 'completed', final_fare = $3, completed_at = now()
		WHERE id = $1 AND status = 'accepted' AND driver_id = $2
		RETURNING `+rideCols, rideID, driverID, finalFare)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.classifyRejection(ctx, rideID, "", "ride is not accepted by this driver")
	}
	if err != nil {
		return nil, infraErr(err)
	}
	return r, nil
}

func (p *PostgresStore) CancelRide(ctx context.Context, rideID, passengerID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides SET status = 'cancelled', cancelled_at = now()
		WHERE id = $1 AND passenger_id = $2 AND status IN ('pending','accepted')
		RETURNING `+rideCols, rideID, passengerID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.classifyRejection(ctx, rideID, "", "ride is not cancellable by this passenger")
	}
	if err != nil {
		return nil, infraErr(err)
	}
	return r, nil
}

// classifyRejection turns a zero-row conditional update into ErrNotFound or
// *ConflictError. driverID, when non-empty, narrows the accept case: a
// missing driver row is NotFound rather than Conflict.
func (p *PostgresStore) classifyRejection(ctx context.Context, rideID, driverID, reason string) error {
	var status models.RideStatus
	err := p.db.QueryRowContext(ctx, `SELECT status FROM rides WHERE id = $1`, rideID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return infraErr(err)
	}
	if driverID != "" {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM drivers WHERE id = $1)`, driverID).Scan(&exists); err != nil {
			return infraErr(err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return &ConflictError{RideID: rideID, Status: status, Reason: reason}
}

func (p *PostgresStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+rideCols+` FROM rides WHERE driver_id = $1 AND status = 'accepted' LIMIT 1`, driverID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infraErr(err)
	}
	return r, nil
}

func (p *PostgresStore) UpsertDriverLocation(ctx context.Context, loc models.DriverLocation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_locations (driver_id, latitude, longitude, available, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (driver_id) DO UPDATE
		SET latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
		    available = EXCLUDED.available, updated_at = EXCLUDED.updated_at`,
		loc.DriverID, loc.Lat, loc.Lng, loc.Available, loc.UpdatedAt)
	if err != nil {
		return infraErr(err)
	}
	return nil
}

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers (id, name, car_plate, rating, rides_total, available)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		d.ID, d.Name, d.CarPlate, d.Rating, d.RidesTotal, d.Available)
	if err != nil {
		return infraErr(err)
	}
	return nil
}

func (p *PostgresStore) CreatePassenger(ctx context.Context, ps *models.Passenger) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO passengers (id, name, rating) VALUES ($1,$2,$3)`, ps.ID, ps.Name, ps.Rating)
	if err != nil {
		return infraErr(err)
	}
	return nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var d models.Driver
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, car_plate, rating, rides_total, available FROM drivers WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.CarPlate, &d.Rating, &d.RidesTotal, &d.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infraErr(err)
	}
	return &d, nil
}

func (p *PostgresStore) LookupProfile(ctx context.Context, id string) (models.Profile, error) {
	d, err := p.GetDriver(ctx, id)
	if err == nil {
		return models.Profile{Driver: d}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Profile{}, err
	}
	var ps models.Passenger
	err = p.db.QueryRowContext(ctx,
		`SELECT id, name, rating FROM passengers WHERE id = $1`, id).
		Scan(&ps.ID, &ps.Name, &ps.Rating)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, nil
	}
	if err != nil {
		return models.Profile{}, infraErr(err)
	}
	return models.Profile{Passenger: &ps}, nil
}

func (p *PostgresStore) AddRating(ctx context.Context, rt *models.Rating) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ratings (ride_id, subject_id, rater_role, score, comment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rt.RideID, rt.SubjectID, rt.RaterRole, rt.Score, rt.Comment, rt.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return ErrNotFound
		}
		return infraErr(err)
	}
	return nil
}

func (p *PostgresStore) RecomputeRating(ctx context.Context, subjectID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE drivers SET rating = COALESCE(
			(SELECT AVG(score)::float8 FROM ratings WHERE subject_id = $1), 0)
		WHERE id = $1`, subjectID)
	if err != nil {
		return infraErr(err)
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE passengers SET rating = COALESCE(
			(SELECT AVG(score)::float8 FROM ratings WHERE subject_id = $1), 0)
		WHERE id = $1`, subjectID)
	if err != nil {
		return infraErr(err)
	}
	return nil
}

func (p *PostgresStore) IncrementDriverRides(ctx context.Context, driverID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET rides_total = rides_total + 1 WHERE id = $1`, driverID)
	if err != nil {
		return infraErr(err)
	}
	return nil
}
