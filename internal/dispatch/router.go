package dispatch

import (
	"context"
	"log/slog"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/geo"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/observability"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/registry"
)

// Outbound event names of the real-time protocol.
const (
	EventNewRideRequest = "new_ride_request"
	EventRideAccepted   = "ride_accepted"
	EventRideCompleted  = "ride_completed"
	EventRideCancelled  = "ride_cancelled"
	EventDriverLocation = "driver_location_update"
)

// Router translates ride-lifecycle facts into best-effort pushes resolved
// through the registry. Delivery is at-most-once: an offline target is a
// silent no-op and a failed write is only logged, because the durable store
// is the recovery path for every client.
type Router struct {
	Registry *registry.Registry
	Geo      geo.Geo
	Logger   *slog.Logger
}

func (rt *Router) log() *slog.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return slog.Default()
}

// RideRequested finds available drivers around the pickup point and offers
// the ride to each one currently connected. It returns how many drivers
// were nearby and how many were actually notified; drivers without a live
// connection discover the ride later through a listing query.
func (rt *Router) RideRequested(ctx context.Context, ride *models.Ride, radiusKm float64, limit int) (nearby, notified int, err error) {
	cands, err := rt.Geo.Near(ctx, ride.Pickup.Coord, radiusKm, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range cands {
		if rt.push(c.DriverID, EventNewRideRequest, map[string]any{
			"ride":     ride,
			"distance": c.DistanceKm,
		}) {
			notified++
		}
	}
	return len(cands), notified, nil
}

// RideAccepted notifies the passenger, attaching the accepting driver's
// profile when available.
func (rt *Router) RideAccepted(ride *models.Ride, driver *models.Driver) {
	rt.push(ride.PassengerID, EventRideAccepted, map[string]any{
		"ride":   ride,
		"driver": driver,
	})
}

func (rt *Router) RideCompleted(ride *models.Ride) {
	rt.push(ride.PassengerID, EventRideCompleted, map[string]any{"ride": ride})
}

// RideCancelled notifies the assigned driver, if any.
func (rt *Router) RideCancelled(ride *models.Ride) {
	if ride.DriverID == "" {
		return
	}
	rt.push(ride.DriverID, EventRideCancelled, map[string]any{"ride_id": ride.ID})
}

// DriverLocationChanged forwards a position update to the passenger of the
// driver's accepted ride.
func (rt *Router) DriverLocationChanged(ride *models.Ride, c models.Coord) {
	rt.push(ride.PassengerID, EventDriverLocation, c)
}

// push delivers one event to one identity. Returns false when the target
// is offline or the write failed; neither outcome fails the caller.
func (rt *Router) push(identity, event string, payload any) bool {
	conn, ok := rt.Registry.Lookup(identity)
	if !ok {
		observability.PushesSkippedTotal.WithLabelValues(event).Inc()
		rt.log().Debug("push skipped, target offline", "identity", identity, "event", event)
		return false
	}
	if err := conn.Send(event, payload); err != nil {
		rt.log().Warn("push failed", "identity", identity, "event", event, "error", err)
		return false
	}
	observability.PushesSentTotal.WithLabelValues(event).Inc()
	return true
}
