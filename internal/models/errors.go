package models

import (
	"errors"
	"fmt"
)

// ErrKind buckets every user-visible dispatch failure. Transient failures
// (publish/notify) are logged and never surfaced, so they have no kind here.
type ErrKind string

const (
	KindNotFound    ErrKind = "not_found"
	KindConflict    ErrKind = "conflict"
	KindUnavailable ErrKind = "unavailable"
)

// DispatchError carries a stable code plus a terse human message. Internal
// diagnostic detail belongs in logs, not in this type.
type DispatchError struct {
	Kind    ErrKind
	Code    string
	Message string
}

func (e *DispatchError) Error() string { return e.Code + ": " + e.Message }

func NewError(kind ErrKind, code, format string, args ...any) *DispatchError {
	return &DispatchError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a DispatchError of the given kind.
func IsKind(err error, kind ErrKind) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Kind == kind
}

// The stable failure set of the core API surface.
var (
	ErrTripNotFound     = &DispatchError{Kind: KindNotFound, Code: "trip_not_found", Message: "trip request does not exist"}
	ErrDriverNotFound   = &DispatchError{Kind: KindNotFound, Code: "driver_not_found", Message: "driver does not exist"}
	ErrTripTaken        = &DispatchError{Kind: KindConflict, Code: "trip_taken", Message: "trip no longer available"}
	ErrTripTerminal     = &DispatchError{Kind: KindConflict, Code: "trip_terminal", Message: "trip already closed"}
	ErrBadTransition    = &DispatchError{Kind: KindConflict, Code: "conflicting_state", Message: "transition not allowed from current state"}
	ErrOTPMismatch      = &DispatchError{Kind: KindConflict, Code: "otp_mismatch", Message: "one-time code does not match"}
	ErrBidDuplicate     = &DispatchError{Kind: KindConflict, Code: "bid_exists", Message: "an offer for this trip was already submitted"}
	ErrNotTripDriver    = &DispatchError{Kind: KindConflict, Code: "not_trip_driver", Message: "trip is assigned to a different driver"}
	ErrTripPaused       = &DispatchError{Kind: KindConflict, Code: "trip_paused", Message: "trip is paused"}
	ErrDriverOffline    = &DispatchError{Kind: KindUnavailable, Code: "driver_unavailable", Message: "driver is offline or not available"}
	ErrNoVehicle        = &DispatchError{Kind: KindUnavailable, Code: "vehicle_unbound", Message: "driver has no eligible vehicle"}
	ErrNoLocation       = &DispatchError{Kind: KindUnavailable, Code: "no_location", Message: "driver has never reported a location"}
	ErrCategoryMismatch = &DispatchError{Kind: KindConflict, Code: "category_mismatch", Message: "vehicle category does not match the request"}
)
