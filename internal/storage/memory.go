package storage

import (
	"context"
	"sync"
	"time"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
)

// MemoryStore implements Store with the same conditional-update semantics
// as the Postgres store: every transition checks its precondition inside
// one critical section. Used in tests and when no PG_DSN is configured.
type MemoryStore struct {
	mu         sync.Mutex
	rides      map[string]*models.Ride
	drivers    map[string]*models.Driver
	passengers map[string]*models.Passenger
	locations  map[string]models.DriverLocation
	ratings    []models.Rating
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:      make(map[string]*models.Ride),
		drivers:    make(map[string]*models.Driver),
		passengers: make(map[string]*models.Passenger),
		locations:  make(map[string]models.DriverLocation),
	}
}

func cloneRide(r *models.Ride) *models.Ride {
	c := *r
	return &c
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.passengers[r.PassengerID]; !ok {
		return ErrNotFound
	}
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := m.drivers[driverID]; !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusPending {
		return nil, &ConflictError{RideID: rideID, Status: r.Status, Reason: "ride is not pending"}
	}
	for _, other := range m.rides {
		if other.DriverID == driverID && other.Status == models.StatusAccepted {
			return nil, &ConflictError{RideID: rideID, Status: r.Status, Reason: "driver already has an accepted ride"}
		}
	}
	now := time.Now()
	r.DriverID = driverID
	r.Status = models.StatusAccepted
	r.AcceptedAt = &now
	return cloneRide(r), nil
}

func (m *MemoryStore) CompleteRide(ctx context.Context, rideID, driverID string, finalFare float64) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusAccepted || r.DriverID != driverID {
		return nil, &ConflictError{RideID: rideID, Status: r.Status, Reason: "ride is not accepted by this driver"}
	}
	now := time.Now()
	r.Status = models.StatusCompleted
	r.FinalFare = finalFare
	r.CompletedAt = &now
	return cloneRide(r), nil
}

func (m *MemoryStore) CancelRide(ctx context.Context, rideID, passengerID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.PassengerID != passengerID || (r.Status != models.StatusPending && r.Status != models.StatusAccepted) {
		return nil, &ConflictError{RideID: rideID, Status: r.Status, Reason: "ride is not cancellable by this passenger"}
	}
	now := time.Now()
	r.Status = models.StatusCancelled
	r.CancelledAt = &now
	return cloneRide(r), nil
}

func (m *MemoryStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if r.DriverID == driverID && r.Status == models.StatusAccepted {
			return cloneRide(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpsertDriverLocation(ctx context.Context, loc models.DriverLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[loc.DriverID] = loc
	return nil
}

// DriverLocation returns the last stored position, for tests.
func (m *MemoryStore) DriverLocation(driverID string) (models.DriverLocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[driverID]
	return loc, ok
}

func (m *MemoryStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *d
	m.drivers[d.ID] = &c
	return nil
}

func (m *MemoryStore) CreatePassenger(ctx context.Context, p *models.Passenger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.passengers[p.ID] = &c
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (m *MemoryStore) LookupProfile(ctx context.Context, id string) (models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drivers[id]; ok {
		c := *d
		return models.Profile{Driver: &c}, nil
	}
	if p, ok := m.passengers[id]; ok {
		c := *p
		return models.Profile{Passenger: &c}, nil
	}
	return models.Profile{}, nil
}

func (m *MemoryStore) AddRating(ctx context.Context, rt *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[rt.RideID]; !ok {
		return ErrNotFound
	}
	m.ratings = append(m.ratings, *rt)
	return nil
}

func (m *MemoryStore) RecomputeRating(ctx context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum, n float64
	for _, rt := range m.ratings {
		if rt.SubjectID == subjectID {
			sum += float64(rt.Score)
			n++
		}
	}
	var avg float64
	if n > 0 {
		avg = sum / n
	}
	if d, ok := m.drivers[subjectID]; ok {
		d.Rating = avg
	}
	if p, ok := m.passengers[subjectID]; ok {
		p.Rating = avg
	}
	return nil
}

func (m *MemoryStore) IncrementDriverRides(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrNotFound
	}
	d.RidesTotal++
	return nil
}
