package gateway

import (
	"context"
	"sync"
	"testing"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/dispatch"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/geo"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/registry"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/rides"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/storage"
)

type recordingConn struct {
	mu     sync.Mutex
	events []string
	coords []models.Coord
}

func (c *recordingConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	if coord, ok := payload.(models.Coord); ok {
		c.coords = append(c.coords, coord)
	}
	return nil
}

func newGateway(t *testing.T) (*Gateway, *storage.MemoryStore, *registry.Registry) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.CreateDriver(ctx, &models.Driver{ID: "d1", Name: "d1", Available: true}); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	if err := store.CreatePassenger(ctx, &models.Passenger{ID: "p1", Name: "p1"}); err != nil {
		t.Fatalf("seed passenger: %v", err)
	}
	reg := registry.New()
	g := &Gateway{
		Registry: reg,
		Rides:    &rides.Service{Store: store},
		Router:   &dispatch.Router{Registry: reg, Geo: geo.NewIndex()},
	}
	return g, store, reg
}

func TestDriverOnlineRegisters(t *testing.T) {
	g, _, reg := newGateway(t)
	sess := &Session{}

	err := g.handleEvent(context.Background(), sess, []byte(`{"event":"driver_online","data":{"driver_id":"d1"}}`))
	if err != nil {
		t.Fatalf("driver_online: %v", err)
	}
	if got, ok := reg.Lookup("d1"); !ok || got != sess {
		t.Fatalf("lookup d1 = %v, %v; want session", got, ok)
	}
	if sess.identity != "d1" || sess.role != models.RoleDriver {
		t.Fatalf("session state = %s/%s", sess.identity, sess.role)
	}
}

func TestReidentificationReregisters(t *testing.T) {
	g, _, reg := newGateway(t)
	sess := &Session{}

	for _, raw := range []string{
		`{"event":"passenger_online","data":{"passenger_id":"p1"}}`,
		`{"event":"passenger_online","data":{"passenger_id":"p1"}}`,
	} {
		if err := g.handleEvent(context.Background(), sess, []byte(raw)); err != nil {
			t.Fatalf("re-identification must not error: %v", err)
		}
	}
	if _, ok := reg.Lookup("p1"); !ok {
		t.Fatal("p1 not registered after re-identification")
	}
}

func TestUpdateLocationRoutesToPassenger(t *testing.T) {
	g, store, reg := newGateway(t)
	ctx := context.Background()

	// passenger online on their own connection
	passenger := &recordingConn{}
	reg.Announce("p1", passenger)

	// accepted ride between d1 and p1
	ride, err := g.Rides.Request(ctx, "p1",
		models.Location{Coord: models.Coord{Lat: 47.49, Lng: 19.04}},
		models.Location{Coord: models.Coord{Lat: 47.50, Lng: 19.08}}, 2000)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := g.Rides.Accept(ctx, ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	driverSess := &Session{}
	if err := g.handleEvent(ctx, driverSess, []byte(`{"event":"driver_online","data":{"driver_id":"d1"}}`)); err != nil {
		t.Fatalf("driver_online: %v", err)
	}
	updates := []string{
		`{"event":"update_location","data":{"driver_id":"d1","latitude":47.490,"longitude":19.040}}`,
		`{"event":"update_location","data":{"driver_id":"d1","latitude":47.491,"longitude":19.041}}`,
		`{"event":"update_location","data":{"driver_id":"d1","latitude":47.492,"longitude":19.042}}`,
	}
	for _, raw := range updates {
		if err := g.handleEvent(ctx, driverSess, []byte(raw)); err != nil {
			t.Fatalf("update_location: %v", err)
		}
	}

	if len(passenger.coords) != 3 {
		t.Fatalf("passenger got %d location events; want 3", len(passenger.coords))
	}
	want := []models.Coord{
		{Lat: 47.490, Lng: 19.040},
		{Lat: 47.491, Lng: 19.041},
		{Lat: 47.492, Lng: 19.042},
	}
	for i, c := range passenger.coords {
		if c != want[i] {
			t.Fatalf("event %d = %v; want %v (send order preserved)", i, c, want[i])
		}
	}

	// the position must be durably stored too
	if loc, ok := store.DriverLocation("d1"); !ok || loc.Lat != 47.492 {
		t.Fatalf("stored location = %+v, %v; want last update", loc, ok)
	}
}

func TestUpdateLocationWithoutActiveRidePushesNothing(t *testing.T) {
	g, store, reg := newGateway(t)
	ctx := context.Background()

	passenger := &recordingConn{}
	reg.Announce("p1", passenger)

	sess := &Session{}
	if err := g.handleEvent(ctx, sess, []byte(`{"event":"driver_online","data":{"driver_id":"d1"}}`)); err != nil {
		t.Fatalf("driver_online: %v", err)
	}
	if err := g.handleEvent(ctx, sess, []byte(`{"event":"update_location","data":{"driver_id":"d1","latitude":47.49,"longitude":19.04}}`)); err != nil {
		t.Fatalf("update_location: %v", err)
	}

	if len(passenger.events) != 0 {
		t.Fatalf("passenger events = %v; want none without an accepted ride", passenger.events)
	}
	if _, ok := store.DriverLocation("d1"); !ok {
		t.Fatal("coordinates must still be stored")
	}
}

func TestRejectedEvents(t *testing.T) {
	g, _, _ := newGateway(t)
	ctx := context.Background()
	sess := &Session{}

	cases := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{`},
		{"unknown event", `{"event":"fly_to_moon","data":{}}`},
		{"driver_online without id", `{"event":"driver_online","data":{}}`},
		{"location before identification", `{"event":"update_location","data":{"driver_id":"d1","latitude":1,"longitude":1}}`},
	}
	for _, tc := range cases {
		if err := g.handleEvent(ctx, sess, []byte(tc.raw)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestUpdateLocationBoundToSession(t *testing.T) {
	g, store, _ := newGateway(t)
	ctx := context.Background()

	// a passenger session cannot report driver positions
	passSess := &Session{}
	if err := g.handleEvent(ctx, passSess, []byte(`{"event":"passenger_online","data":{"passenger_id":"p1"}}`)); err != nil {
		t.Fatalf("passenger_online: %v", err)
	}
	if err := g.handleEvent(ctx, passSess, []byte(`{"event":"update_location","data":{"driver_id":"d1","latitude":47.49,"longitude":19.04}}`)); err == nil {
		t.Fatal("update_location from a passenger session must be rejected")
	}
	if _, ok := store.DriverLocation("d1"); ok {
		t.Fatal("rejected update must not reach the store")
	}

	// a driver cannot report for somebody else
	drvSess := &Session{}
	if err := g.handleEvent(ctx, drvSess, []byte(`{"event":"driver_online","data":{"driver_id":"d1"}}`)); err != nil {
		t.Fatalf("driver_online: %v", err)
	}
	if err := g.handleEvent(ctx, drvSess, []byte(`{"event":"update_location","data":{"driver_id":"d9","latitude":47.49,"longitude":19.04}}`)); err == nil {
		t.Fatal("mismatched driver_id must be rejected")
	}

	// omitting driver_id falls back to the session identity
	if err := g.handleEvent(ctx, drvSess, []byte(`{"event":"update_location","data":{"latitude":47.49,"longitude":19.04}}`)); err != nil {
		t.Fatalf("update_location without driver_id: %v", err)
	}
	if loc, ok := store.DriverLocation("d1"); !ok || loc.Lat != 47.49 {
		t.Fatalf("stored location = %+v, %v; want session driver's position", loc, ok)
	}
}

func TestDisconnectPrunesRegistry(t *testing.T) {
	g, _, reg := newGateway(t)
	sess := &Session{}
	if err := g.handleEvent(context.Background(), sess, []byte(`{"event":"driver_online","data":{"driver_id":"d1"}}`)); err != nil {
		t.Fatalf("driver_online: %v", err)
	}
	reg.Remove(sess)
	if _, ok := reg.Lookup("d1"); ok {
		t.Fatal("identity must be gone after disconnect")
	}
}
