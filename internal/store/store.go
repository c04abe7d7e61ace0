package store

import (
	"context"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// AssignOutcome classifies one atomic assignment attempt.
type AssignOutcome int

const (
	AssignWon AssignOutcome = iota
	// AssignRetry means the trip is already held by the same driver; the
	// caller treats this as success.
	AssignRetry
	AssignTaken
	AssignTerminal
	AssignNotFound
)

// TripStore persists trip requests. The status/driver fields are strongly
// consistent: AtomicAssign is a true compare-and-swap and Mutate serializes
// per trip id, so unrelated trips never contend.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.TripRequest) error
	GetTrip(ctx context.Context, id string) (*models.TripRequest, error)

	// AtomicAssign sets driver_id only if it is currently unset and the trip
	// is still pending, as one atomic operation. The returned trip is the
	// current row regardless of outcome (nil for AssignNotFound).
	AtomicAssign(ctx context.Context, tripID, driverID string) (AssignOutcome, *models.TripRequest, error)

	// Mutate runs fn on the current trip under the per-id lock and persists
	// the result if fn returns nil. fn errors abort without mutation.
	Mutate(ctx context.Context, id string, fn func(*models.TripRequest) error) (*models.TripRequest, error)

	// PendingForMatching returns pending, unassigned trips in the zone,
	// oldest first, excluding ones the driver rejected or ignored.
	PendingForMatching(ctx context.Context, zoneID, driverID string) ([]*models.TripRequest, error)

	// MarkRejected records that the driver declined or ignored a request.
	MarkRejected(ctx context.Context, tripID, driverID string) error
}

// MemoryStore is the in-process TripStore used by tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	trips    map[string]*models.TripRequest
	rejected map[string]map[string]bool // trip id -> driver id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:    make(map[string]*models.TripRequest),
		rejected: make(map[string]map[string]bool),
	}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.TripRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.TripRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, models.ErrTripNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) AtomicAssign(_ context.Context, tripID, driverID string) (AssignOutcome, *models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return AssignNotFound, nil, nil
	}
	switch {
	case t.DriverID == "" && t.Status == models.StatusPending:
		t.DriverID = driverID
		cp := *t
		return AssignWon, &cp, nil
	case t.DriverID == driverID:
		cp := *t
		return AssignRetry, &cp, nil
	case t.Status.Terminal():
		cp := *t
		return AssignTerminal, &cp, nil
	default:
		cp := *t
		return AssignTaken, &cp, nil
	}
}

func (m *MemoryStore) Mutate(_ context.Context, id string, fn func(*models.TripRequest) error) (*models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, models.ErrTripNotFound
	}
	cp := *t
	if err := fn(&cp); err != nil {
		return nil, err
	}
	m.trips[id] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) PendingForMatching(_ context.Context, zoneID, driverID string) ([]*models.TripRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TripRequest
	for _, t := range m.trips {
		if t.Status != models.StatusPending || t.DriverID != "" || t.ZoneID != zoneID {
			continue
		}
		if m.rejected[t.ID][driverID] {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) MarkRejected(_ context.Context, tripID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejected[tripID] == nil {
		m.rejected[tripID] = make(map[string]bool)
	}
	m.rejected[tripID][driverID] = true
	return nil
}
