package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TripType distinguishes what is being moved.
type TripType string

const (
	TypeRide   TripType = "ride"
	TypeParcel TripType = "parcel"
	TypeTravel TripType = "travel"
)

// TripStatus is the lifecycle state of a trip request.
type TripStatus string

const (
	StatusPending   TripStatus = "pending"
	StatusAccepted  TripStatus = "accepted"
	StatusOngoing   TripStatus = "ongoing"
	StatusCompleted TripStatus = "completed"
	StatusCancelled TripStatus = "cancelled"
	StatusReturning TripStatus = "returning"
	StatusReturned  TripStatus = "returned"
)

// Terminal reports whether no further transition can leave the status.
// Returning is not terminal: the parcel still has to come back.
func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusReturned
}

// Actor identifies which party initiated an action.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorDriver   Actor = "driver"
)

// TripRequest is the central dispatch entity. The status, driver and otp
// fields are owned exclusively by the dispatch core while the trip is active.
type TripRequest struct {
	ID     string   `json:"id"`
	Type   TripType `json:"type"`
	ZoneID string   `json:"zone_id"`

	CustomerID string `json:"customer_id"`
	DriverID   string `json:"driver_id,omitempty"`
	VehicleID  string `json:"vehicle_id,omitempty"`

	VehicleCategoryID string `json:"vehicle_category_id"`

	Pickup       Coord   `json:"pickup"`
	Destination  Coord   `json:"destination"`
	Intermediate []Coord `json:"intermediate,omitempty"`
	RequestPoint Coord   `json:"request_point"`

	Status TripStatus `json:"current_status"`

	EstimatedFare float64 `json:"estimated_fare"`
	ActualFare    float64 `json:"actual_fare"`
	PaidFare      float64 `json:"paid_fare"`
	BiddingOn     bool    `json:"bidding_on"`
	PaymentRef    string  `json:"payment_ref,omitempty"`

	OTP                string `json:"-"`
	IsPaused           bool   `json:"is_paused"`
	IdleMinutes        int    `json:"idle_minutes"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
	CancelledBy        Actor  `json:"cancelled_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	OngoingAt   *time.Time `json:"ongoing_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	ReturningAt *time.Time `json:"returning_at,omitempty"`
	ReturnedAt  *time.Time `json:"returned_at,omitempty"`
	ReturnTime  *time.Time `json:"return_time,omitempty"`
	PausedAt    *time.Time `json:"-"`

	DropOff *Coord `json:"drop_off,omitempty"`
}

// Snapshot is the caller-facing view of a trip, carrying enough state for a
// client to tell "nothing changed" from "state advanced" after a retry.
type Snapshot struct {
	ID          string     `json:"id"`
	Type        TripType   `json:"type"`
	Status      TripStatus `json:"current_status"`
	DriverID    string     `json:"driver_id,omitempty"`
	VehicleID   string     `json:"vehicle_id,omitempty"`
	OTPIssued   bool       `json:"otp_issued"`
	ActualFare  float64    `json:"actual_fare"`
	IsPaused    bool       `json:"is_paused"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	OngoingAt   *time.Time `json:"ongoing_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	ReturningAt *time.Time `json:"returning_at,omitempty"`
	ReturnedAt  *time.Time `json:"returned_at,omitempty"`
}

func (t *TripRequest) Snapshot() Snapshot {
	return Snapshot{
		ID:          t.ID,
		Type:        t.Type,
		Status:      t.Status,
		DriverID:    t.DriverID,
		VehicleID:   t.VehicleID,
		OTPIssued:   t.OTP != "",
		ActualFare:  t.ActualFare,
		IsPaused:    t.IsPaused,
		AcceptedAt:  t.AcceptedAt,
		OngoingAt:   t.OngoingAt,
		CompletedAt: t.CompletedAt,
		CancelledAt: t.CancelledAt,
		ReturningAt: t.ReturningAt,
		ReturnedAt:  t.ReturnedAt,
	}
}

// DriverLocation is the geo index entry for one driver: last known point
// plus the eligibility fields matching needs. No history is kept here.
type DriverLocation struct {
	DriverID   string      `json:"driver_id"`
	Loc        Coord       `json:"loc"`
	ZoneID     string      `json:"zone_id"`
	Categories CategorySet `json:"categories"`
	Online     bool        `json:"online"`
	Updated    time.Time   `json:"updated"`
}

// CandidateDriver is derived per matching query and never stored.
type CandidateDriver struct {
	DriverID       string  `json:"driver_id"`
	Loc            Coord   `json:"loc"`
	DistanceMeters float64 `json:"distance_meters"`
}

// TripSummary is the matching engine's view of a pending request for a
// polling driver.
type TripSummary struct {
	ID             string    `json:"id"`
	Type           TripType  `json:"type"`
	Pickup         Coord     `json:"pickup"`
	Destination    Coord     `json:"destination"`
	EstimatedFare  float64   `json:"estimated_fare"`
	BiddingOn      bool      `json:"bidding_on"`
	DistanceMeters float64   `json:"distance_meters"`
	CreatedAt      time.Time `json:"created_at"`
}

// BidOffer records one driver's fare offer against a pending trip.
// At most one offer may exist per (trip, driver).
type BidOffer struct {
	TripID    string    `json:"trip_request_id"`
	DriverID  string    `json:"driver_id"`
	Fare      float64   `json:"bid_fare"`
	CreatedAt time.Time `json:"created_at"`
}

// DriverProfile is what identity/vehicle management hands the core per call.
// The core trusts it as already verified.
type DriverProfile struct {
	DriverID      string      `json:"driver_id"`
	Online        bool        `json:"online"`
	Available     bool        `json:"available"`
	VehicleID     string      `json:"vehicle_id"`
	Categories    CategorySet `json:"categories"`
	ParcelsActive int         `json:"parcels_active"`
}
