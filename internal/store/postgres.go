package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

// PostgresStore is the durable TripStore. AtomicAssign is a single
// conditional UPDATE so the pending-to-accepted race is settled by the
// database, never by a read-then-write pair.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const tripColumns = `id, type, zone_id, customer_id, driver_id, vehicle_id, vehicle_category_id,
	pickup_lat, pickup_lon, dest_lat, dest_lon, request_lat, request_lon, intermediate,
	current_status, estimated_fare, actual_fare, paid_fare, bidding_on, payment_ref,
	otp, is_paused, idle_minutes, cancellation_reason, cancelled_by,
	created_at, accepted_at, ongoing_at, completed_at, cancelled_at,
	returning_at, returned_at, return_time, drop_lat, drop_lon`

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.TripRequest) error {
	var intermediate any
	if len(t.Intermediate) > 0 {
		b, err := json.Marshal(t.Intermediate)
		if err != nil {
			return err
		}
		intermediate = b
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trip_requests (
			id, type, zone_id, customer_id, vehicle_category_id,
			pickup_lat, pickup_lon, dest_lat, dest_lon, request_lat, request_lon,
			intermediate, current_status, estimated_fare, bidding_on, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		t.ID, t.Type, t.ZoneID, t.CustomerID, t.VehicleCategoryID,
		t.Pickup.Lat, t.Pickup.Lon, t.Destination.Lat, t.Destination.Lon,
		t.RequestPoint.Lat, t.RequestPoint.Lon,
		intermediate, t.Status, t.EstimatedFare, t.BiddingOn, t.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.TripRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trip_requests WHERE id = $1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTripNotFound
	}
	return t, err
}

func (p *PostgresStore) AtomicAssign(ctx context.Context, tripID, driverID string) (AssignOutcome, *models.TripRequest, error) {
	// the compare-and-swap: only an unassigned pending row can take a driver
	res, err := p.db.ExecContext(ctx, `
		UPDATE trip_requests
		SET driver_id = $1
		WHERE id = $2 AND driver_id IS NULL AND current_status = 'pending'`,
		driverID, tripID)
	if err != nil {
		return AssignTaken, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AssignTaken, nil, err
	}
	cur, err := p.GetTrip(ctx, tripID)
	if errors.Is(err, models.ErrTripNotFound) {
		return AssignNotFound, nil, nil
	}
	if err != nil {
		return AssignTaken, nil, err
	}
	switch {
	case n == 1:
		return AssignWon, cur, nil
	case cur.DriverID == driverID:
		return AssignRetry, cur, nil
	case cur.Status.Terminal():
		return AssignTerminal, cur, nil
	default:
		return AssignTaken, cur, nil
	}
}

func (p *PostgresStore) Mutate(ctx context.Context, id string, fn func(*models.TripRequest) error) (*models.TripRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// row lock serializes concurrent mutations of this trip only
	row := tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trip_requests WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	if err := writeTrip(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) PendingForMatching(ctx context.Context, zoneID, driverID string) ([]*models.TripRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tripColumns+`
		FROM trip_requests t
		WHERE t.zone_id = $1
		  AND t.current_status = 'pending'
		  AND t.driver_id IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM rejected_trip_requests r
			WHERE r.trip_request_id = t.id AND r.driver_id = $2
		  )
		ORDER BY t.created_at ASC`, zoneID, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TripRequest
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkRejected(ctx context.Context, tripID, driverID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rejected_trip_requests (trip_request_id, driver_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (trip_request_id, driver_id) DO NOTHING`,
		tripID, driverID, time.Now())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.TripRequest, error) {
	var t models.TripRequest
	var driverID, vehicleID, paymentRef, reason, cancelledBy sql.NullString
	var intermediate []byte
	var dropLat, dropLon sql.NullFloat64
	var acceptedAt, ongoingAt, completedAt, cancelledAt, returningAt, returnedAt, returnTime sql.NullTime

	err := row.Scan(
		&t.ID, &t.Type, &t.ZoneID, &t.CustomerID, &driverID, &vehicleID, &t.VehicleCategoryID,
		&t.Pickup.Lat, &t.Pickup.Lon, &t.Destination.Lat, &t.Destination.Lon,
		&t.RequestPoint.Lat, &t.RequestPoint.Lon, &intermediate,
		&t.Status, &t.EstimatedFare, &t.ActualFare, &t.PaidFare, &t.BiddingOn, &paymentRef,
		&t.OTP, &t.IsPaused, &t.IdleMinutes, &reason, &cancelledBy,
		&t.CreatedAt, &acceptedAt, &ongoingAt, &completedAt, &cancelledAt,
		&returningAt, &returnedAt, &returnTime, &dropLat, &dropLon,
	)
	if err != nil {
		return nil, err
	}
	if len(intermediate) > 0 {
		if err := json.Unmarshal(intermediate, &t.Intermediate); err != nil {
			return nil, fmt.Errorf("decode intermediate stops for %s: %w", t.ID, err)
		}
	}
	t.DriverID = driverID.String
	t.VehicleID = vehicleID.String
	t.PaymentRef = paymentRef.String
	t.CancellationReason = reason.String
	t.CancelledBy = models.Actor(cancelledBy.String)
	t.AcceptedAt = timePtr(acceptedAt)
	t.OngoingAt = timePtr(ongoingAt)
	t.CompletedAt = timePtr(completedAt)
	t.CancelledAt = timePtr(cancelledAt)
	t.ReturningAt = timePtr(returningAt)
	t.ReturnedAt = timePtr(returnedAt)
	t.ReturnTime = timePtr(returnTime)
	if dropLat.Valid && dropLon.Valid {
		t.DropOff = &models.Coord{Lat: dropLat.Float64, Lon: dropLon.Float64}
	}
	return &t, nil
}

func writeTrip(ctx context.Context, tx *sql.Tx, t *models.TripRequest) error {
	var dropLat, dropLon any
	if t.DropOff != nil {
		dropLat, dropLon = t.DropOff.Lat, t.DropOff.Lon
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE trip_requests SET
			driver_id = NULLIF($1, ''), vehicle_id = NULLIF($2, ''),
			current_status = $3, estimated_fare = $4, actual_fare = $5, paid_fare = $6,
			payment_ref = NULLIF($7, ''), otp = $8, is_paused = $9, idle_minutes = $10,
			cancellation_reason = NULLIF($11, ''), cancelled_by = NULLIF($12, ''),
			accepted_at = $13, ongoing_at = $14, completed_at = $15, cancelled_at = $16,
			returning_at = $17, returned_at = $18, return_time = $19,
			drop_lat = $20, drop_lon = $21
		WHERE id = $22`,
		t.DriverID, t.VehicleID,
		t.Status, t.EstimatedFare, t.ActualFare, t.PaidFare,
		t.PaymentRef, t.OTP, t.IsPaused, t.IdleMinutes,
		t.CancellationReason, string(t.CancelledBy),
		t.AcceptedAt, t.OngoingAt, t.CompletedAt, t.CancelledAt,
		t.ReturningAt, t.ReturnedAt, t.ReturnTime,
		dropLat, dropLon,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("write trip %s: %w", t.ID, err)
	}
	return nil
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := v.Time
	return &ts
}
