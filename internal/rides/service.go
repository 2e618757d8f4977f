package rides

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/observability"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/storage"
)

// LocationPublisher feeds driver positions into the ingest pipeline.
// Publishing is best-effort; the synchronous path never depends on it.
type LocationPublisher interface {
	PublishLocation(loc models.DriverLocation) error
}

// GeoIndex is the driver search index the dispatch fan-out queries. Every
// location update refreshes it directly so radius searches work even when
// no ingest pipeline is running.
type GeoIndex interface {
	Upsert(ctx context.Context, loc models.DriverLocation) error
}

// Payments holds a fare estimate on request, captures the final fare on
// completion and releases the hold on cancel. Payment failures are logged
// and never block a ride transition.
type Payments interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentRef string, amount int64) error
	Release(ctx context.Context, paymentRef string) error
}

// Service is the ride state machine. Each operation validates input, then
// delegates the transition to a single conditional update in the store;
// precondition mismatches surface as *storage.ConflictError.
type Service struct {
	Store     storage.Store
	Geo       GeoIndex          // optional
	Publisher LocationPublisher // optional
	Payments  Payments          // optional
	Logger    *slog.Logger
	Currency  string
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Request inserts a new pending ride. No preconditions.
func (s *Service) Request(ctx context.Context, passengerID string, pickup, dest models.Location, estimate float64) (*models.Ride, error) {
	if passengerID == "" {
		return nil, invalid("passenger_id", "must not be empty")
	}
	if !pickup.Valid() {
		return nil, invalid("pickup", "coordinates out of range")
	}
	if !dest.Valid() {
		return nil, invalid("destination", "coordinates out of range")
	}
	if estimate < 0 {
		return nil, invalid("fare_estimate", "must not be negative")
	}

	r := &models.Ride{
		ID:           newID(),
		PassengerID:  passengerID,
		Pickup:       pickup,
		Destination:  dest,
		Status:       models.StatusPending,
		FareEstimate: estimate,
		CreatedAt:    time.Now(),
	}
	if s.Payments != nil && estimate > 0 {
		ref, err := s.Payments.Hold(ctx, minorUnits(estimate), s.currency(), passengerID)
		if err != nil {
			s.log().Warn("fare hold failed", "ride_id", r.ID, "error", err)
		} else {
			r.PaymentRef = ref
		}
	}
	if err := s.Store.CreateRide(ctx, r); err != nil {
		// the insert failed after the hold was placed; give the money back
		if s.Payments != nil && r.PaymentRef != "" {
			if rerr := s.Payments.Release(ctx, r.PaymentRef); rerr != nil {
				s.log().Warn("fare release failed", "ride_id", r.ID, "error", rerr)
			}
		}
		return nil, err
	}
	observability.RidesRequestedTotal.Inc()
	s.log().Info("ride requested", "ride_id", r.ID, "passenger_id", passengerID)
	return r, nil
}

// Accept moves pending -> accepted for driverID. Under concurrent accepts
// the store serializes the conditional update so exactly one caller wins.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, invalid("ride_id", "must not be empty")
	}
	if driverID == "" {
		return nil, invalid("driver_id", "must not be empty")
	}
	r, err := s.Store.AcceptRide(ctx, rideID, driverID)
	if err != nil {
		countConflict(err)
		return nil, err
	}
	observability.RidesAcceptedTotal.Inc()
	s.log().Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	return r, nil
}

// Complete moves accepted -> completed by the assigned driver, records the
// final fare, bumps the driver's ride counter and captures the fare hold.
func (s *Service) Complete(ctx context.Context, rideID, driverID string, finalFare float64) (*models.Ride, error) {
	if rideID == "" {
		return nil, invalid("ride_id", "must not be empty")
	}
	if driverID == "" {
		return nil, invalid("driver_id", "must not be empty")
	}
	if finalFare < 0 {
		return nil, invalid("final_fare", "must not be negative")
	}
	r, err := s.Store.CompleteRide(ctx, rideID, driverID, finalFare)
	if err != nil {
		countConflict(err)
		return nil, err
	}
	if err := s.Store.IncrementDriverRides(ctx, driverID); err != nil {
		s.log().Warn("ride counter update failed", "driver_id", driverID, "error", err)
	}
	if s.Payments != nil && r.PaymentRef != "" {
		if err := s.Payments.Capture(ctx, r.PaymentRef, minorUnits(finalFare)); err != nil {
			s.log().Warn("fare capture failed", "ride_id", rideID, "error", err)
		}
	}
	observability.RidesCompletedTotal.Inc()
	s.log().Info("ride completed", "ride_id", rideID, "driver_id", driverID, "final_fare", finalFare)
	return r, nil
}

// Cancel moves pending|accepted -> cancelled by the owning passenger and
// releases any fare hold.
func (s *Service) Cancel(ctx context.Context, rideID, passengerID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, invalid("ride_id", "must not be empty")
	}
	if passengerID == "" {
		return nil, invalid("passenger_id", "must not be empty")
	}
	r, err := s.Store.CancelRide(ctx, rideID, passengerID)
	if err != nil {
		countConflict(err)
		return nil, err
	}
	if s.Payments != nil && r.PaymentRef != "" {
		if err := s.Payments.Release(ctx, r.PaymentRef); err != nil {
			s.log().Warn("fare release failed", "ride_id", rideID, "error", err)
		}
	}
	observability.RidesCancelledTotal.Inc()
	s.log().Info("ride cancelled", "ride_id", rideID, "passenger_id", passengerID)
	return r, nil
}

// UpdateDriverLocation upserts the driver's last-known position
// (last writer wins) and returns the driver's accepted ride if one exists,
// so the caller can route a location push to its passenger. nil means no
// active ride.
func (s *Service) UpdateDriverLocation(ctx context.Context, driverID string, c models.Coord) (*models.Ride, error) {
	if driverID == "" {
		return nil, invalid("driver_id", "must not be empty")
	}
	if !c.Valid() {
		return nil, invalid("location", "coordinates out of range")
	}
	active, err := s.Store.ActiveRideForDriver(ctx, driverID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	loc := models.DriverLocation{
		DriverID:  driverID,
		Coord:     c,
		Available: active == nil,
		UpdatedAt: time.Now(),
	}
	if err := s.Store.UpsertDriverLocation(ctx, loc); err != nil {
		return nil, err
	}
	if s.Geo != nil {
		if err := s.Geo.Upsert(ctx, loc); err != nil {
			s.log().Warn("geo index update failed", "driver_id", driverID, "error", err)
		}
	}
	if s.Publisher != nil {
		if err := s.Publisher.PublishLocation(loc); err != nil {
			s.log().Warn("location publish failed", "driver_id", driverID, "error", err)
		}
	}
	return active, nil
}

// Rate appends feedback about the other party of a ride and refreshes the
// subject's aggregate rating.
func (s *Service) Rate(ctx context.Context, rideID string, raterRole models.Role, score int, comment string) (*models.Rating, error) {
	if rideID == "" {
		return nil, invalid("ride_id", "must not be empty")
	}
	if raterRole != models.RoleDriver && raterRole != models.RolePassenger {
		return nil, invalid("rater_role", "must be driver or passenger")
	}
	if score < 1 || score > 5 {
		return nil, invalid("score", "must be between 1 and 5")
	}
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	var subject string
	if raterRole == models.RoleDriver {
		subject = r.PassengerID
	} else {
		subject = r.DriverID
	}
	if subject == "" {
		return nil, invalid("ride_id", "ride has no driver to rate")
	}
	rt := &models.Rating{
		RideID:    rideID,
		SubjectID: subject,
		RaterRole: raterRole,
		Score:     score,
		Comment:   comment,
		CreatedAt: time.Now(),
	}
	if err := s.Store.AddRating(ctx, rt); err != nil {
		return nil, err
	}
	if err := s.Store.RecomputeRating(ctx, subject); err != nil {
		s.log().Warn("rating recompute failed", "subject_id", subject, "error", err)
	}
	return rt, nil
}

func (s *Service) currency() string {
	if s.Currency != "" {
		return s.Currency
	}
	return "huf"
}

func countConflict(err error) {
	var ce *storage.ConflictError
	if errors.As(err, &ce) {
		observability.ConflictsTotal.Inc()
	}
}

func minorUnits(amount float64) int64 { return int64(amount * 100) }

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
