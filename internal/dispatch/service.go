package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/assign"
	"github.com/example/trip-dispatch/internal/bidding"
	"github.com/example/trip-dispatch/internal/billing"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/match"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/store"
	"github.com/example/trip-dispatch/internal/trip"
)

// Service is the dispatch core: it owns every trip lifecycle mutation and
// sequences the collaborators around them. Order per call is fixed: commit
// state first, then release locks, then settle billing, then publish. Nothing
// after the commit can fail the call.
type Service struct {
	Store    store.TripStore
	Match    *match.Engine
	Assigner *assign.Service
	Locks    assign.Lock
	Bids     bidding.Ledger
	Events   *events.Publisher
	Fare     fare.Estimator
	Biller   billing.Biller
	Notifier notify.Notifier
	Logger   *slog.Logger

	parcels parcelLoad
}

func NewService(s store.TripStore, m *match.Engine, a *assign.Service, l assign.Lock, b bidding.Ledger, ev *events.Publisher, f fare.Estimator, bill billing.Biller, n notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		Store:    s,
		Match:    m,
		Assigner: a,
		Locks:    l,
		Bids:     b,
		Events:   ev,
		Fare:     f,
		Biller:   bill,
		Notifier: n,
		Logger:   logger,
		parcels:  parcelLoad{counts: make(map[string]int)},
	}
}

// CreateRequestInput is everything a customer submits for a new trip.
type CreateRequestInput struct {
	Type              models.TripType `json:"type"`
	ZoneID            string          `json:"zone_id"`
	CustomerID        string          `json:"customer_id"`
	VehicleCategoryID string          `json:"vehicle_category_id"`
	Pickup            models.Coord    `json:"pickup"`
	Destination       models.Coord    `json:"destination"`
	Intermediate      []models.Coord  `json:"intermediate,omitempty"`
	RequestPoint      models.Coord    `json:"request_point"`
	Bidding           bool            `json:"bidding"`
}

// CreateRequest opens a pending trip with an advisory fare quote. A failed
// quote is not fatal; the request goes out unquoted and the fare settles at
// assignment or completion.
func (s *Service) CreateRequest(ctx context.Context, cfg config.DispatchConfig, in CreateRequestInput) (*models.TripRequest, error) {
	t := &models.TripRequest{
		ID:                newTripID(),
		Type:              in.Type,
		ZoneID:            in.ZoneID,
		CustomerID:        in.CustomerID,
		VehicleCategoryID: in.VehicleCategoryID,
		Pickup:            in.Pickup,
		Destination:       in.Destination,
		Intermediate:      in.Intermediate,
		RequestPoint:      in.RequestPoint,
		Status:            models.StatusPending,
		BiddingOn:         cfg.BiddingEnabled && in.Bidding,
		CreatedAt:         time.Now(),
	}
	if quote, err := s.Fare.Estimate(in.Pickup, in.Destination); err == nil {
		t.EstimatedFare = quote
	} else {
		s.Logger.Warn("fare quote failed", "trip_id", t.ID, "error", err)
	}
	if err := s.Store.CreateTrip(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// RequestAccept is the driver's claim on a pending trip. Exactly one driver
// wins; a same-driver resubmission is reported as success with retry=true and
// the already-assigned trip.
func (s *Service) RequestAccept(ctx context.Context, cfg config.DispatchConfig, d models.DriverProfile, tripID string) (models.Snapshot, bool, error) {
	if !d.Online || !d.Available {
		return models.Snapshot{}, false, models.ErrDriverOffline
	}
	if d.VehicleID == "" {
		return models.Snapshot{}, false, models.ErrNoVehicle
	}

	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return models.Snapshot{}, false, err
	}
	want := models.ParseCategorySet(t.VehicleCategoryID)
	if !want.Empty() && !intersects(d.Categories, want) {
		return models.Snapshot{}, false, models.ErrCategoryMismatch
	}
	if t.Type == models.TypeParcel && cfg.ParcelLimitOn && s.ParcelsActive(d.DriverID) >= cfg.MaxParcelConcurrency {
		return models.Snapshot{}, false, models.NewError(models.KindConflict, "parcel_limit", "driver already carries %d parcels", cfg.MaxParcelConcurrency)
	}

	winningFare := -1.0
	if cfg.BiddingEnabled && t.BiddingOn {
		if f, ok, err := s.Bids.Fare(ctx, tripID, d.DriverID); err == nil && ok {
			winningFare = f
		}
	}

	res, err := s.Assigner.LockAndAssign(ctx, cfg, tripID, d.DriverID, d.VehicleID, winningFare)
	if err != nil {
		return models.Snapshot{}, false, err
	}
	cur := res.Trip

	if !res.Retry {
		if cur.Type == models.TypeParcel {
			s.parcels.add(d.DriverID, 1)
		}
		if err := s.Bids.Purge(ctx, tripID); err != nil {
			s.Logger.Warn("bid purge failed", "trip_id", tripID, "error", err)
		}
		cur = s.holdFare(ctx, cur)
		s.Events.Publish(ctx, events.NewEvent(events.EventAssigned, cur, audience(cur)...))
	}

	return cur.Snapshot(), res.Retry, nil
}

// RequestReject records that the driver passed on the request; matching stops
// showing it to them and their offer, if any, is discarded.
func (s *Service) RequestReject(ctx context.Context, driverID, tripID string) error {
	if _, err := s.Store.GetTrip(ctx, tripID); err != nil {
		return err
	}
	if err := s.Store.MarkRejected(ctx, tripID, driverID); err != nil {
		return err
	}
	if err := s.Bids.PurgeDriver(ctx, tripID, driverID); err != nil {
		s.Logger.Warn("bid purge failed", "trip_id", tripID, "driver_id", driverID, "error", err)
	}
	return nil
}

// OTPVerify is the pickup gate: the assigned driver supplies the code the
// customer holds and the trip goes ongoing. A repeat call on an already
// ongoing trip is success without a second event.
func (s *Service) OTPVerify(ctx context.Context, cfg config.DispatchConfig, driverID, tripID, code string) (models.Snapshot, error) {
	started := false
	cur, err := s.Store.Mutate(ctx, tripID, func(t *models.TripRequest) error {
		if t.DriverID != driverID {
			return models.ErrNotTripDriver
		}
		if t.Status == models.StatusOngoing {
			return nil
		}
		if t.Status != models.StatusAccepted {
			if t.Status.Terminal() {
				return models.ErrTripTerminal
			}
			return models.ErrBadTransition
		}
		if cfg.OTPRequired && !trip.VerifyOTP(t.OTP, code) {
			observability.OTPMismatches.Inc()
			return models.ErrOTPMismatch
		}
		if err := trip.Apply(t, models.StatusOngoing, time.Now()); err != nil {
			return err
		}
		started = true
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	if started {
		s.Events.Publish(ctx, events.NewEvent(events.EventOTPVerified, cur, events.Recipient{Role: models.ActorDriver, ID: cur.DriverID}))
		s.Events.Publish(ctx, events.NewEvent(events.EventStarted, cur, events.Recipient{Role: models.ActorCustomer, ID: cur.CustomerID}))
	}
	return cur.Snapshot(), nil
}

// StatusChange carries the optional payload of a StatusUpdate call.
type StatusChange struct {
	Reason    string        `json:"reason,omitempty"`
	DropOff   *models.Coord `json:"drop_off,omitempty"`
	FinalFare float64       `json:"final_fare,omitempty"`
	OTP       string        `json:"otp,omitempty"`
}

// StatusUpdate drives the remaining lifecycle edges: completed, cancelled and
// the parcel return confirmation. Pickup (accepted to ongoing) goes through
// OTPVerify instead. Retried terminal calls succeed without repeating side
// effects.
func (s *Service) StatusUpdate(ctx context.Context, cfg config.DispatchConfig, actor models.Actor, actorID, tripID string, to models.TripStatus, ch StatusChange) (models.Snapshot, error) {
	switch to {
	case models.StatusCompleted:
		return s.complete(ctx, actorID, tripID, ch)
	case models.StatusCancelled:
		return s.cancel(ctx, actor, actorID, tripID, ch)
	case models.StatusReturned:
		return s.confirmReturn(ctx, cfg, actorID, tripID, ch)
	default:
		return models.Snapshot{}, models.ErrBadTransition
	}
}

func (s *Service) complete(ctx context.Context, driverID, tripID string, ch StatusChange) (models.Snapshot, error) {
	changed := false
	cur, err := s.Store.Mutate(ctx, tripID, func(t *models.TripRequest) error {
		if t.DriverID != driverID {
			return models.ErrNotTripDriver
		}
		if t.Status == models.StatusCompleted {
			return nil
		}
		if t.IsPaused {
			return models.ErrTripPaused
		}
		if err := trip.Apply(t, models.StatusCompleted, time.Now()); err != nil {
			return err
		}
		if ch.DropOff != nil {
			t.DropOff = ch.DropOff
		}
		if ch.FinalFare > 0 {
			t.ActualFare = ch.FinalFare
		}
		if t.ActualFare == 0 {
			t.ActualFare = t.EstimatedFare
		}
		changed = true
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	if changed {
		s.closeOut(ctx, cur)
		if cur.PaymentRef != "" {
			if err := s.Biller.Capture(ctx, cur.PaymentRef, toMinor(cur.ActualFare)); err != nil {
				s.Logger.Error("fare capture failed", "trip_id", cur.ID, "payment_ref", cur.PaymentRef, "error", err)
			}
		}
		s.Events.Publish(ctx, events.NewEvent(events.EventCompleted, cur, audience(cur)...))
	}
	return cur.Snapshot(), nil
}

func (s *Service) cancel(ctx context.Context, actor models.Actor, actorID, tripID string, ch StatusChange) (models.Snapshot, error) {
	changed := false
	returning := false
	cur, err := s.Store.Mutate(ctx, tripID, func(t *models.TripRequest) error {
		switch actor {
		case models.ActorCustomer:
			if t.CustomerID != actorID {
				return models.ErrTripNotFound
			}
		case models.ActorDriver:
			if t.DriverID != actorID {
				return models.ErrNotTripDriver
			}
		default:
			return models.ErrBadTransition
		}
		if t.Status == models.StatusCancelled || t.Status == models.StatusReturning {
			return nil
		}
		wasOngoing := t.Status == models.StatusOngoing
		now := time.Now()
		if err := trip.Apply(t, models.StatusCancelled, now); err != nil {
			return err
		}
		t.CancellationReason = ch.Reason
		t.CancelledBy = actor
		t.IsPaused = false
		t.PausedAt = nil
		// a parcel cancelled mid-carry has to go back to the sender, gated
		// by a fresh code
		if t.Type == models.TypeParcel && wasOngoing {
			if err := trip.Apply(t, models.StatusReturning, now); err != nil {
				return err
			}
			t.OTP = trip.NewOTP()
			rt := now
			t.ReturnTime = &rt
			returning = true
		}
		changed = true
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	if changed {
		if !returning {
			s.closeOut(ctx, cur)
		}
		if err := s.Bids.Purge(ctx, tripID); err != nil {
			s.Logger.Warn("bid purge failed", "trip_id", tripID, "error", err)
		}
		if cur.PaymentRef != "" && !returning {
			if err := s.Biller.Release(ctx, cur.PaymentRef); err != nil {
				s.Logger.Error("fare release failed", "trip_id", cur.ID, "payment_ref", cur.PaymentRef, "error", err)
			}
		}
		s.Events.Publish(ctx, events.NewEvent(events.EventCancelled, cur, audience(cur)...))
		if returning {
			s.Events.Publish(ctx, events.NewEvent(events.EventReturning, cur, audience(cur)...))
		}
	}
	return cur.Snapshot(), nil
}

// confirmReturn closes the parcel loop: the sender's fresh code proves the
// goods came back.
func (s *Service) confirmReturn(ctx context.Context, cfg config.DispatchConfig, driverID, tripID string, ch StatusChange) (models.Snapshot, error) {
	changed := false
	cur, err := s.Store.Mutate(ctx, tripID, func(t *models.TripRequest) error {
		if t.DriverID != driverID {
			return models.ErrNotTripDriver
		}
		if t.Status == models.StatusReturned {
			return nil
		}
		if t.Status != models.StatusReturning {
			return models.ErrBadTransition
		}
		if cfg.OTPRequired && !trip.VerifyOTP(t.OTP, ch.OTP) {
			observability.OTPMismatches.Inc()
			return models.ErrOTPMismatch
		}
		if err := trip.Apply(t, models.StatusReturned, time.Now()); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	if changed {
		s.closeOut(ctx, cur)
		if cur.PaymentRef != "" {
			if err := s.Biller.Release(ctx, cur.PaymentRef); err != nil {
				s.Logger.Error("fare release failed", "trip_id", cur.ID, "payment_ref", cur.PaymentRef, "error", err)
			}
		}
		s.Events.Publish(ctx, events.NewEvent(events.EventReturned, cur, audience(cur)...))
	}
	return cur.Snapshot(), nil
}

// PauseResume toggles the wait state while the driver idles at the customer's
// request; the accumulated minutes feed the final fare.
func (s *Service) PauseResume(ctx context.Context, driverID, tripID string, pause bool) (models.Snapshot, error) {
	was := false
	cur, err := s.Store.Mutate(ctx, tripID, func(t *models.TripRequest) error {
		if t.DriverID != driverID {
			return models.ErrNotTripDriver
		}
		was = t.IsPaused
		if pause {
			return trip.Pause(t, time.Now())
		}
		return trip.Resume(t, time.Now())
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	if was != cur.IsPaused {
		name := events.EventResumed
		if cur.IsPaused {
			name = events.EventPaused
		}
		s.Events.Publish(ctx, events.NewEvent(name, cur, events.Recipient{Role: models.ActorCustomer, ID: cur.CustomerID}))
	}
	return cur.Snapshot(), nil
}

// PlaceBid records a driver's fare offer on a negotiable pending trip.
func (s *Service) PlaceBid(ctx context.Context, cfg config.DispatchConfig, driverID, tripID string, amount float64) error {
	if !cfg.BiddingEnabled {
		return models.NewError(models.KindConflict, "bidding_disabled", "fare negotiation is not enabled")
	}
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if !t.BiddingOn {
		return models.NewError(models.KindConflict, "bidding_disabled", "this trip does not take offers")
	}
	if t.Status != models.StatusPending {
		return models.ErrTripTaken
	}
	if err := s.Bids.Place(ctx, models.BidOffer{TripID: tripID, DriverID: driverID, Fare: amount, CreatedAt: time.Now()}); err != nil {
		return err
	}
	ev := events.NewEvent(events.EventBidPlaced, t, events.Recipient{Role: models.ActorCustomer, ID: t.CustomerID})
	ev.Data = map[string]any{"driver_id": driverID, "bid_fare": amount}
	s.Events.Publish(ctx, ev)
	return nil
}

// ResendOTP pushes the current pickup code to the customer's device again.
// The code is never regenerated here; a retry must match what the driver was
// already told to collect.
func (s *Service) ResendOTP(ctx context.Context, customerID, tripID, deviceToken string) error {
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if t.CustomerID != customerID {
		return models.ErrTripNotFound
	}
	if t.OTP == "" {
		return models.ErrBadTransition
	}
	if err := s.Notifier.Push(ctx, deviceToken, "Your pickup code", "Share this code with your driver.", map[string]string{"trip_request_id": t.ID, "otp": t.OTP}); err != nil {
		s.Logger.Warn("otp resend failed", "trip_id", t.ID, "error", err)
	}
	return nil
}

// RaiseSafetyAlert relays a panic signal to the other party. The core does
// not act on it; downstream safety tooling subscribes to the event channel.
func (s *Service) RaiseSafetyAlert(ctx context.Context, actor models.Actor, actorID, tripID, note string) error {
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	ev := events.NewEvent(events.EventSafetyAlert, t, audience(t)...)
	ev.Data = map[string]any{"raised_by": string(actor), "raised_by_id": actorID, "note": note}
	s.Events.Publish(ctx, ev)
	return nil
}

// NearbyPendingRequests is the driver's poll for work.
func (s *Service) NearbyPendingRequests(ctx context.Context, cfg config.DispatchConfig, d models.DriverProfile, page int) ([]models.TripSummary, error) {
	d.ParcelsActive = s.ParcelsActive(d.DriverID)
	return s.Match.NearbyPendingRequests(ctx, cfg, d, page)
}

// NearbyDrivers is the customer's pre-booking availability view.
func (s *Service) NearbyDrivers(ctx context.Context, cfg config.DispatchConfig, zoneID string, center models.Coord, filter models.CategorySet, limit int) ([]models.CandidateDriver, error) {
	return s.Match.NearbyDrivers(ctx, cfg, zoneID, center, filter, limit)
}

// ParcelsActive reports how many parcels the driver currently carries.
func (s *Service) ParcelsActive(driverID string) int {
	return s.parcels.get(driverID)
}

// holdFare places the manual-capture hold for the quoted fare and records
// the provider reference on the trip. Failures leave the trip unheld; the
// capture path tolerates an empty reference.
func (s *Service) holdFare(ctx context.Context, t *models.TripRequest) *models.TripRequest {
	amount := t.ActualFare
	if amount == 0 {
		amount = t.EstimatedFare
	}
	if amount <= 0 || t.PaymentRef != "" {
		return t
	}
	ref, err := s.Biller.Hold(ctx, toMinor(amount), "usd", t.CustomerID)
	if err != nil {
		s.Logger.Error("fare hold failed", "trip_id", t.ID, "error", err)
		return t
	}
	if ref == "" {
		return t
	}
	updated, err := s.Store.Mutate(ctx, t.ID, func(row *models.TripRequest) error {
		if row.PaymentRef == "" {
			row.PaymentRef = ref
		}
		return nil
	})
	if err != nil {
		s.Logger.Error("payment ref persist failed", "trip_id", t.ID, "payment_ref", ref, "error", err)
		return t
	}
	return updated
}

// closeOut runs the bookkeeping shared by every terminal edge: the
// assignment gate is freed and the driver's parcel load drops.
func (s *Service) closeOut(ctx context.Context, t *models.TripRequest) {
	if t.DriverID != "" {
		if err := s.Locks.Release(ctx, t.ID, t.DriverID); err != nil {
			s.Logger.Warn("lock release failed", "trip_id", t.ID, "error", err)
		}
		if t.Type == models.TypeParcel {
			s.parcels.add(t.DriverID, -1)
		}
	}
}

func audience(t *models.TripRequest) []events.Recipient {
	out := []events.Recipient{{Role: models.ActorCustomer, ID: t.CustomerID}}
	if t.DriverID != "" {
		out = append(out, events.Recipient{Role: models.ActorDriver, ID: t.DriverID})
	}
	return out
}

func intersects(a, b models.CategorySet) bool {
	for id := range a {
		if b.Contains(id) {
			return true
		}
	}
	return false
}

func toMinor(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func newTripID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:32]
	}
	return hex.EncodeToString(b[:])
}

// parcelLoad tracks in-flight parcels per driver for the concurrency cap.
type parcelLoad struct {
	mu     sync.Mutex
	counts map[string]int
}

func (p *parcelLoad) add(driverID string, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[driverID] += delta
	if p.counts[driverID] <= 0 {
		delete(p.counts, driverID)
	}
}

func (p *parcelLoad) get(driverID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[driverID]
}
