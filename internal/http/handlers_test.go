package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.ServerConfig{
		RedisGeoKey: "drivers_geo",
		LogLevel:    "error",
		Dispatch: config.DispatchConfig{
			SearchRadiusSeed:     5000,
			RadiusExpandFactor:   1.5,
			SearchRadiusCeiling:  25000,
			ParcelLimitOn:        true,
			MaxParcelConcurrency: 3,
			OTPRequired:          true,
			LockTTL:              5 * time.Minute,
			LockTimeout:          3 * time.Second,
			PageSize:             20,
		},
	}
	return NewServer(cfg, logging.NewLogger("error"))
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestTripLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/trips", map[string]any{
		"type":                "ride",
		"zone_id":             "zone-1",
		"customer_id":         "c1",
		"vehicle_category_id": "cat-1",
		"pickup":              map[string]float64{"lat": 23.8103, "lon": 90.4125},
		"destination":         map[string]float64{"lat": 23.8603, "lon": 90.4125},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var created models.TripRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" || created.Status != models.StatusPending {
		t.Fatalf("created trip off: %+v", created)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/trips/"+created.ID+"/accept", map[string]any{
		"driver_id":  "d1",
		"online":     true,
		"available":  true,
		"vehicle_id": "veh-1",
		"categories": []string{"cat-1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status = %d body=%s", rec.Code, rec.Body.String())
	}
	var acceptResp struct {
		Trip  models.Snapshot `json:"trip"`
		Retry bool            `json:"retry"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &acceptResp); err != nil {
		t.Fatalf("decode accept: %v", err)
	}
	if acceptResp.Trip.Status != models.StatusAccepted || acceptResp.Retry {
		t.Fatalf("accept response off: %+v", acceptResp)
	}

	// a second driver gets a conflict
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/trips/"+created.ID+"/accept", map[string]any{
		"driver_id":  "d2",
		"online":     true,
		"available":  true,
		"vehicle_id": "veh-2",
		"categories": []string{"cat-1"},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second accept status = %d body=%s", rec.Code, rec.Body.String())
	}

	// wrong code: conflict and no movement
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/trips/"+created.ID+"/verify-otp", map[string]any{
		"driver_id": "d1",
		"otp":       "0000x",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("bad otp status = %d", rec.Code)
	}

	stored, err := srv.Dispatch.Store.GetTrip(httptest.NewRequest("GET", "/", nil).Context(), created.ID)
	if err != nil {
		t.Fatalf("GetTrip: %v", err)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/trips/"+created.ID+"/verify-otp", map[string]any{
		"driver_id": "d1",
		"otp":       stored.OTP,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/trips/"+created.ID+"/status", map[string]any{
		"actor":      "driver",
		"actor_id":   "d1",
		"status":     "completed",
		"final_fare": 250,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d body=%s", rec.Code, rec.Body.String())
	}
	var snap models.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if snap.Status != models.StatusCompleted || snap.ActualFare != 250 {
		t.Fatalf("complete snapshot off: %+v", snap)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/trips/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing trip status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/drivers/pending-trips", map[string]any{
		"driver_id":  "ghost",
		"online":     true,
		"available":  true,
		"vehicle_id": "veh-1",
		"categories": []string{"cat-1"},
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no-location status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/drivers/nearby?zone=z&lat=bad&lon=1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad coords status = %d", rec.Code)
	}
}

func TestDriverLocationIngestAndNearby(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/internal/driver/locations", map[string]any{
		"driver_id":  "d1",
		"loc":        map[string]float64{"lat": 23.8103, "lon": 90.4125},
		"zone_id":    "zone-1",
		"categories": []string{"cat-1"},
		"online":     true,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("ingest status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/drivers/nearby?zone=zone-1&lat=23.8103&lon=90.4125&category=cat-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("nearby status = %d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Drivers []models.CandidateDriver `json:"drivers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode nearby: %v", err)
	}
	if len(out.Drivers) != 1 || out.Drivers[0].DriverID != "d1" {
		t.Fatalf("nearby = %+v", out.Drivers)
	}
}
