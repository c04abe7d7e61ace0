package assign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/store"
	"github.com/example/trip-dispatch/internal/trip"
)

// Service provides the single-writer guarantee for the pending to
// accepted edge.
type Service struct {
	Lock   Lock
	Store  store.TripStore
	Logger *slog.Logger
}

// Result reports one lock-and-assign attempt.
type Result struct {
	Trip *models.TripRequest
	// Retry is set when the trip was already held by this driver and the
	// call was treated as an idempotent success.
	Retry bool
}

// LockAndAssign binds driverID to the trip if and only if the trip is still
// pending and unassigned. winningFare < 0 means "no bid fare to carry".
//
// The atomic step is bounded by cfg.LockTimeout and fails closed: on timeout
// nothing is mutated and the caller sees an error, never a half-assigned
// trip.
func (s *Service) LockAndAssign(ctx context.Context, cfg config.DispatchConfig, tripID, driverID, vehicleID string, winningFare float64) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.LockTimeout)
	defer cancel()
	start := time.Now()
	defer func() { observability.AssignLatency.Observe(time.Since(start).Seconds()) }()

	ok, holder, err := s.Lock.Acquire(ctx, tripID, driverID, cfg.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("acquire trip lock: %w", err)
	}
	if !ok {
		if holder == driverID {
			// client resubmitted after a timeout; finish whatever the first
			// attempt left undone and report success
			return s.resumeOwnAssignment(ctx, cfg, tripID, driverID, vehicleID, winningFare)
		}
		observability.AssignmentsLost.Inc()
		return Result{}, models.ErrTripTaken
	}

	outcome, cur, err := s.Store.AtomicAssign(ctx, tripID, driverID)
	if err != nil {
		// ambiguous attempts must not leave the gate held
		_ = s.Lock.Release(context.WithoutCancel(ctx), tripID, driverID)
		return Result{}, fmt.Errorf("atomic assign: %w", err)
	}

	switch outcome {
	case store.AssignWon:
		t, err := s.completeAssignment(ctx, cfg, tripID, driverID, vehicleID, winningFare)
		if err != nil {
			_ = s.Lock.Release(context.WithoutCancel(ctx), tripID, driverID)
			return Result{}, err
		}
		observability.AssignmentsWon.Inc()
		s.Logger.Info("trip assigned", "trip_id", tripID, "driver_id", driverID,
			"elapsed_ms", time.Since(start).Milliseconds())
		return Result{Trip: t}, nil

	case store.AssignRetry:
		return s.resumeOwnAssignment(ctx, cfg, tripID, driverID, vehicleID, winningFare)

	case store.AssignNotFound:
		_ = s.Lock.Release(context.WithoutCancel(ctx), tripID, driverID)
		return Result{}, models.ErrTripNotFound

	case store.AssignTerminal:
		_ = s.Lock.Release(context.WithoutCancel(ctx), tripID, driverID)
		return Result{Trip: cur}, models.ErrTripTerminal

	default:
		_ = s.Lock.Release(context.WithoutCancel(ctx), tripID, driverID)
		observability.AssignmentsLost.Inc()
		return Result{Trip: cur}, models.ErrTripTaken
	}
}

// resumeOwnAssignment handles the idempotent-retry path: the driver already
// owns the row, so make sure the downstream mutation (status raise, otp,
// vehicle binding, fare snapshot) completed, without re-running what did.
func (s *Service) resumeOwnAssignment(ctx context.Context, cfg config.DispatchConfig, tripID, driverID, vehicleID string, winningFare float64) (Result, error) {
	cur, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return Result{}, err
	}
	if cur.DriverID != driverID {
		observability.AssignmentsLost.Inc()
		return Result{}, models.ErrTripTaken
	}
	if cur.Status == models.StatusPending || cur.OTP == "" {
		cur, err = s.completeAssignment(ctx, cfg, tripID, driverID, vehicleID, winningFare)
		if err != nil {
			return Result{}, err
		}
	}
	observability.AssignmentRetries.Inc()
	s.Logger.Info("idempotent accept retry", "trip_id", tripID, "driver_id", driverID)
	return Result{Trip: cur, Retry: true}, nil
}

// completeAssignment runs the business mutation behind the CAS. Every step
// is guarded so a resumed call never duplicates a side effect; in
// particular no second otp is ever generated.
func (s *Service) completeAssignment(ctx context.Context, cfg config.DispatchConfig, tripID, driverID, vehicleID string, winningFare float64) (*models.TripRequest, error) {
	return s.Store.Mutate(ctx, tripID, func(t *models.TripRequest) error {
		if t.DriverID != driverID {
			return models.ErrTripTaken
		}
		if t.Status == models.StatusPending {
			if err := trip.Apply(t, models.StatusAccepted, time.Now()); err != nil {
				return err
			}
		}
		if t.OTP == "" {
			t.OTP = trip.NewOTP()
		}
		if t.VehicleID == "" {
			t.VehicleID = vehicleID
		}
		if cfg.BiddingEnabled && winningFare >= 0 && t.ActualFare == 0 {
			t.ActualFare = winningFare
		}
		return nil
	})
}
