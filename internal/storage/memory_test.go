package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	m := NewMemoryStore()
	for _, d := range []string{"d1", "d2", "d3"} {
		if err := m.CreateDriver(ctx, &models.Driver{ID: d, Name: d, Available: true}); err != nil {
			t.Fatalf("seed driver %s: %v", d, err)
		}
	}
	if err := m.CreatePassenger(ctx, &models.Passenger{ID: "p1", Name: "p1"}); err != nil {
		t.Fatalf("seed passenger: %v", err)
	}
	return m
}

func newPendingRide(t *testing.T, m *MemoryStore, id string) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:          id,
		PassengerID: "p1",
		Pickup:      models.Location{Coord: models.Coord{Lat: 47.49, Lng: 19.04}},
		Destination: models.Location{Coord: models.Coord{Lat: 47.5, Lng: 19.08}},
		Status:      models.StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := m.CreateRide(context.Background(), r); err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	m := seedStore(t)
	newPendingRide(t, m, "r1")
	ctx := context.Background()

	drivers := []string{"d1", "d2", "d3"}
	var wg sync.WaitGroup
	winners := make(chan string, len(drivers))
	conflicts := make(chan error, len(drivers))
	for _, d := range drivers {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			if r, err := m.AcceptRide(ctx, "r1", driverID); err == nil {
				winners <- r.DriverID
			} else {
				conflicts <- err
			}
		}(d)
	}
	wg.Wait()
	close(winners)
	close(conflicts)

	if len(winners) != 1 {
		t.Fatalf("winners = %d; want exactly 1", len(winners))
	}
	winner := <-winners
	for err := range conflicts {
		var ce *ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("loser error = %v; want ConflictError", err)
		}
	}
	final, err := m.GetRide(ctx, "r1")
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if final.DriverID != winner || final.Status != models.StatusAccepted {
		t.Fatalf("final ride driver=%s status=%s; want %s accepted", final.DriverID, final.Status, winner)
	}
	if final.AcceptedAt == nil {
		t.Fatal("accepted_at not set")
	}
}

func TestAcceptWhileDriverBusy(t *testing.T) {
	m := seedStore(t)
	newPendingRide(t, m, "r1")
	newPendingRide(t, m, "r2")
	ctx := context.Background()

	if _, err := m.AcceptRide(ctx, "r1", "d1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	_, err := m.AcceptRide(ctx, "r2", "d1")
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("second accept by busy driver = %v; want ConflictError", err)
	}
}

func TestAcceptUnknownRideOrDriver(t *testing.T) {
	m := seedStore(t)
	newPendingRide(t, m, "r1")
	ctx := context.Background()
	if _, err := m.AcceptRide(ctx, "missing", "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown ride = %v; want ErrNotFound", err)
	}
	if _, err := m.AcceptRide(ctx, "r1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown driver = %v; want ErrNotFound", err)
	}
}

func TestCompleteGuards(t *testing.T) {
	m := seedStore(t)
	newPendingRide(t, m, "r1")
	ctx := context.Background()

	var ce *ConflictError
	if _, err := m.CompleteRide(ctx, "r1", "d1", 2500); !errors.As(err, &ce) {
		t.Fatalf("complete of pending ride = %v; want ConflictError", err)
	}
	if _, err := m.AcceptRide(ctx, "r1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.CompleteRide(ctx, "r1", "d2", 2500); !errors.As(err, &ce) {
		t.Fatalf("complete by wrong driver = %v; want ConflictError", err)
	}
	r, err := m.CompleteRide(ctx, "r1", "d1", 2500)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if r.Status != models.StatusCompleted || r.FinalFare != 2500 || r.CompletedAt == nil {
		t.Fatalf("completed ride = %+v", r)
	}
	if _, err := m.CompleteRide(ctx, "r1", "d1", 2500); !errors.As(err, &ce) {
		t.Fatalf("double complete = %v; want ConflictError", err)
	}
}

func TestCancelGuards(t *testing.T) {
	m := seedStore(t)
	newPendingRide(t, m, "r1")
	ctx := context.Background()

	var ce *ConflictError
	if _, err := m.CancelRide(ctx, "r1", "someone-else"); !errors.As(err, &ce) {
		t.Fatalf("cancel by non-owner = %v; want ConflictError", err)
	}
	if _, err := m.AcceptRide(ctx, "r1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	r, err := m.CancelRide(ctx, "r1", "p1")
	if err != nil {
		t.Fatalf("cancel of accepted ride: %v", err)
	}
	if r.Status != models.StatusCancelled || r.CancelledAt == nil {
		t.Fatalf("cancelled ride = %+v", r)
	}
	if _, err := m.CancelRide(ctx, "r1", "p1"); !errors.As(err, &ce) {
		t.Fatalf("cancel of cancelled ride = %v; want ConflictError", err)
	}
}

func TestActiveRideForDriver(t *testing.T) {
	m := seedStore(t)
	newPendingRide(t, m, "r1")
	ctx := context.Background()

	if _, err := m.ActiveRideForDriver(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no active ride = %v; want ErrNotFound", err)
	}
	if _, err := m.AcceptRide(ctx, "r1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	r, err := m.ActiveRideForDriver(ctx, "d1")
	if err != nil || r.ID != "r1" {
		t.Fatalf("active ride = %v, %v; want r1", r, err)
	}
}

func TestLookupProfileTaggedUnion(t *testing.T) {
	m := seedStore(t)
	ctx := context.Background()

	p, err := m.LookupProfile(ctx, "d1")
	if err != nil || p.Driver == nil || p.Passenger != nil {
		t.Fatalf("driver profile = %+v, %v", p, err)
	}
	p, err = m.LookupProfile(ctx, "p1")
	if err != nil || p.Passenger == nil || p.Driver != nil {
		t.Fatalf("passenger profile = %+v, %v", p, err)
	}
	p, err = m.LookupProfile(ctx, "nobody")
	if err != nil || !p.Empty() {
		t.Fatalf("unknown profile = %+v, %v; want empty", p, err)
	}
}

func TestRatingRecompute(t *testing.T) {
	m := seedStore(t)
	newPendingRide(t, m, "r1")
	ctx := context.Background()

	for _, score := range []int{5, 4} {
		if err := m.AddRating(ctx, &models.Rating{
			RideID: "r1", SubjectID: "d1", RaterRole: models.RolePassenger,
			Score: score, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("add rating: %v", err)
		}
	}
	if err := m.RecomputeRating(ctx, "d1"); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	d, err := m.GetDriver(ctx, "d1")
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if d.Rating != 4.5 {
		t.Fatalf("rating = %v; want 4.5", d.Rating)
	}
}
