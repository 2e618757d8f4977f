package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
)

var (
	// ErrNotFound reports that a referenced ride, driver or passenger
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable reports a transient infrastructure failure. No retry
	// is attempted at this layer; every conditional write is safe to
	// retry by the caller.
	ErrUnavailable = errors.New("store unavailable")
)

// ConflictError reports a conditional update whose precondition did not
// hold: wrong current status, wrong owner, or a driver already on a ride.
// It carries the status observed at conflict time so callers can tell
// "someone else already accepted this ride" from "ride does not exist".
type ConflictError struct {
	RideID string
	Status models.RideStatus
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ride %s: %s (status %s)", e.RideID, e.Reason, e.Status)
}

// Store is the durable source of truth for rides, profiles and ratings.
// Each ride transition is a single conditional update: the precondition is
// evaluated atomically against current record state, and a mismatch comes
// back as *ConflictError rather than a silent write.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)

	// AcceptRide moves pending -> accepted for driverID. The update also
	// requires the driver to have no other accepted ride; under concurrent
	// accepts of one ride exactly one caller wins.
	AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	// CompleteRide moves accepted -> completed, only for the assigned driver.
	CompleteRide(ctx context.Context, rideID, driverID string, finalFare float64) (*models.Ride, error)
	// CancelRide moves pending|accepted -> cancelled, only for the owning passenger.
	CancelRide(ctx context.Context, rideID, passengerID string) (*models.Ride, error)

	// ActiveRideForDriver returns the driver's ride in accepted status,
	// or ErrNotFound when there is none.
	ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error)
	UpsertDriverLocation(ctx context.Context, loc models.DriverLocation) error

	CreateDriver(ctx context.Context, d *models.Driver) error
	CreatePassenger(ctx context.Context, p *models.Passenger) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// LookupProfile resolves an identity to a driver profile, a passenger
	// profile, or neither (an empty Profile, not an error).
	LookupProfile(ctx context.Context, id string) (models.Profile, error)

	AddRating(ctx context.Context, rt *models.Rating) error
	// RecomputeRating refreshes the subject's aggregate rating from all
	// stored ratings.
	RecomputeRating(ctx context.Context, subjectID string) error
	IncrementDriverRides(ctx context.Context, driverID string) error
}
