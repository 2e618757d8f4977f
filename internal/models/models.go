package models

import "time"

// Coord is a WGS84 point. Field names follow the wire protocol.
type Coord struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// Valid reports whether the coordinate is inside the WGS84 envelope.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Location is a coordinate plus the human-readable address shown to riders.
type Location struct {
	Coord
	Address string `json:"address,omitempty"`
}

type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

type RideStatus string

const (
	StatusPending   RideStatus = "pending"
	StatusAccepted  RideStatus = "accepted"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

// Ride is the durable ride record. Status is authoritative in the store;
// nothing in this process caches it beyond a single request.
type Ride struct {
	ID           string     `json:"id"`
	PassengerID  string     `json:"passenger_id"`
	DriverID     string     `json:"driver_id,omitempty"` // empty until accepted
	Pickup       Location   `json:"pickup"`
	Destination  Location   `json:"destination"`
	Status       RideStatus `json:"status"`
	FareEstimate float64    `json:"fare_estimate"`
	FinalFare    float64    `json:"final_fare,omitempty"`
	PaymentRef   string     `json:"-"` // payment intent id, never sent to clients
	CreatedAt    time.Time  `json:"created_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
}

type Driver struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	CarPlate   string  `json:"car_plate,omitempty"`
	Rating     float64 `json:"rating"`
	RidesTotal int     `json:"rides_total"`
	Available  bool    `json:"available"`
}

type Passenger struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Rating float64 `json:"rating"`
}

// Profile is the result of an identity lookup: at most one of Driver or
// Passenger is set; both nil means the id is unknown.
type Profile struct {
	Driver    *Driver    `json:"driver,omitempty"`
	Passenger *Passenger `json:"passenger,omitempty"`
}

func (p Profile) Empty() bool { return p.Driver == nil && p.Passenger == nil }

// Rating is append-only feedback about one party of a ride.
type Rating struct {
	RideID    string    `json:"ride_id"`
	SubjectID string    `json:"subject_id"`
	RaterRole Role      `json:"rater_role"`
	Score     int       `json:"score"` // 1..5
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DriverLocation is the last-writer-wins position record, also the shape
// published to the location topic.
type DriverLocation struct {
	DriverID string `json:"driver_id"`
	Coord
	Available bool      `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}
