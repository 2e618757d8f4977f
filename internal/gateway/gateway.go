package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/dispatch"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/observability"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/registry"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/rides"
)

// Inbound event names of the real-time protocol.
const (
	eventDriverOnline    = "driver_online"
	eventPassengerOnline = "passenger_online"
	eventUpdateLocation  = "update_location"
)

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Session is one live connection handle. The write mutex lets the router
// and the read loop push concurrently on the same socket.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex

	// connection lifecycle state, touched only by the session's read loop
	identity string
	role     models.Role
}

func (s *Session) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(envelope{Event: event, Data: payload})
}

// Gateway terminates the real-time channel: it upgrades connections,
// registers identity announcements, feeds location updates through the
// ride state machine and the router, and prunes the registry on disconnect.
type Gateway struct {
	Registry *registry.Registry
	Rides    *rides.Service
	Router   *dispatch.Router
	Logger   *slog.Logger

	upgrader websocket.Upgrader
}

func (g *Gateway) log() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Handle upgrades the request and runs the connection's read loop until
// the transport signals disconnect.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		g.log().Warn("ws upgrade failed", "error", err)
		return
	}
	sess := &Session{conn: conn}
	observability.ConnectionsOpen.Inc()
	defer func() {
		g.Registry.Remove(sess)
		observability.ConnectionsOpen.Dec()
		_ = conn.Close()
		g.log().Info("ws disconnected", "identity", sess.identity)
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log().Warn("ws read error", "identity", sess.identity, "error", err)
			}
			return
		}
		if err := g.handleEvent(r.Context(), sess, payload); err != nil {
			g.log().Warn("ws event rejected", "identity", sess.identity, "error", err)
		}
	}
}

// handleEvent advances the connection's lifecycle: identity announcements
// (re-announcement simply re-registers), then location updates once
// identified. Errors are logged by the caller, never sent back.
func (g *Gateway) handleEvent(ctx context.Context, sess *Session, payload []byte) error {
	var ev inbound
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("malformed event: %w", err)
	}

	switch ev.Event {
	case eventDriverOnline:
		var data struct {
			DriverID string `json:"driver_id"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.DriverID == "" {
			return fmt.Errorf("driver_online: missing driver_id")
		}
		sess.identity, sess.role = data.DriverID, models.RoleDriver
		g.Registry.Announce(data.DriverID, sess)
		g.log().Info("driver online", "driver_id", data.DriverID)
		return nil

	case eventPassengerOnline:
		var data struct {
			PassengerID string `json:"passenger_id"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.PassengerID == "" {
			return fmt.Errorf("passenger_online: missing passenger_id")
		}
		sess.identity, sess.role = data.PassengerID, models.RolePassenger
		g.Registry.Announce(data.PassengerID, sess)
		g.log().Info("passenger online", "passenger_id", data.PassengerID)
		return nil

	case eventUpdateLocation:
		if sess.identity == "" {
			return fmt.Errorf("update_location before identification")
		}
		if sess.role != models.RoleDriver {
			return fmt.Errorf("update_location from a %s session", sess.role)
		}
		var data struct {
			DriverID string  `json:"driver_id"`
			Lat      float64 `json:"latitude"`
			Lng      float64 `json:"longitude"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("update_location: %w", err)
		}
		if data.DriverID == "" {
			data.DriverID = sess.identity
		}
		if data.DriverID != sess.identity {
			return fmt.Errorf("update_location: driver_id %q does not match session identity %q", data.DriverID, sess.identity)
		}
		coord := models.Coord{Lat: data.Lat, Lng: data.Lng}
		active, err := g.Rides.UpdateDriverLocation(ctx, data.DriverID, coord)
		if err != nil {
			return err
		}
		if active != nil {
			g.Router.DriverLocationChanged(active, coord)
		}
		return nil

	default:
		return fmt.Errorf("unknown event %q", ev.Event)
	}
}
