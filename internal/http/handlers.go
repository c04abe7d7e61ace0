package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/assign"
	"github.com/example/trip-dispatch/internal/bidding"
	"github.com/example/trip-dispatch/internal/billing"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/match"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/store"
)

type Server struct {
	Cfg      config.ServerConfig
	Geo      geo.Geo
	Dispatch *dispatch.Service
	Producer *ingest.KafkaProducer
	Sessions *events.SessionRegistry

	router *mux.Router
	logger *slog.Logger
}

// NewServer wires the dispatch core from config. Redis, Postgres and Kafka
// are all optional; absent ones fall back to in-process implementations so
// the binary runs standalone.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	var g geo.Geo
	if rdb != nil {
		g = geo.NewRedisGeoWithClient(rdb, cfg.RedisGeoKey)
	} else {
		g = geo.NewIndex()
	}

	var st store.TripStore
	if cfg.PGDSN != "" {
		if ps, err := store.NewPostgresStore(cfg.PGDSN); err == nil {
			st = ps
		} else {
			logger.Error("postgres unavailable, using memory store", "error", err)
		}
	}
	if st == nil {
		st = store.NewMemoryStore()
	}

	var lock assign.Lock
	if rdb != nil {
		lock = assign.NewRedisLock(rdb)
	} else {
		lock = assign.NewMemoryLock()
	}

	var bids bidding.Ledger
	if rdb != nil {
		bids = bidding.NewRedisLedger(rdb, cfg.Dispatch.LockTTL)
	} else {
		bids = bidding.NewMemoryLedger()
	}

	var producer *ingest.KafkaProducer
	var mirror *kafka.Writer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.LocationTopic)
		mirror = kafka.NewWriter(kafka.WriterConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.TripEventsTopic, Balancer: &kafka.LeastBytes{}})
	}

	sessions := events.NewSessionRegistry()
	publisher := events.NewPublisher(sessions, rdb, mirror, logger)

	var quote fare.Estimator
	if osrm := os.Getenv("OSRM_URL"); osrm != "" {
		quote = fare.NewOSRMEstimator(osrm, fare.DefaultTariff())
	} else {
		quote = &fare.DistanceEstimator{Tariff: fare.DefaultTariff()}
	}
	quote = fare.NewCachedEstimator(quote, time.Minute)

	var biller billing.Biller = billing.NopBiller{}
	if os.Getenv("STRIPE_API_KEY") != "" {
		biller = billing.NewStripeBiller()
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if endpoint := os.Getenv("FCM_ENDPOINT"); endpoint != "" {
		notifier = notify.NewFCMNotifier(endpoint, os.Getenv("FCM_KEY"))
	}

	engine := match.NewEngine(g, st, logger)
	assigner := &assign.Service{Lock: lock, Store: st, Logger: logger}
	core := dispatch.NewService(st, engine, assigner, lock, bids, publisher, quote, biller, notifier, logger)

	s := &Server{
		Cfg:      cfg,
		Geo:      g,
		Dispatch: core,
		Producer: producer,
		Sessions: sessions,
		router:   mux.NewRouter(),
		logger:   logger,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	s.router.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.router.HandleFunc("/api/v1/trips/{id}", s.handleGetTrip).Methods("GET")
	s.router.HandleFunc("/api/v1/trips/{id}/accept", s.handleAccept).Methods("POST")
	s.router.HandleFunc("/api/v1/trips/{id}/reject", s.handleReject).Methods("POST")
	s.router.HandleFunc("/api/v1/trips/{id}/verify-otp", s.handleVerifyOTP).Methods("POST")
	s.router.HandleFunc("/api/v1/trips/{id}/status", s.handleStatusUpdate).Methods("POST")
	s.router.HandleFunc("/api/v1/trips/{id}/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/api/v1/trips/{id}/bids", s.handlePlaceBid).Methods("POST")
	s.router.HandleFunc("/api/v1/trips/{id}/resend-otp", s.handleResendOTP).Methods("POST")
	s.router.HandleFunc("/api/v1/trips/{id}/safety-alert", s.handleSafetyAlert).Methods("POST")

	s.router.HandleFunc("/api/v1/drivers/pending-trips", s.handlePendingTrips).Methods("POST")
	s.router.HandleFunc("/api/v1/drivers/nearby", s.handleNearbyDrivers).Methods("GET")

	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/ws/{role}/{id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	if s.Producer != nil {
		if err := s.Producer.PublishLocation(d); err != nil {
			s.logger.Warn("location publish failed", "driver_id", d.DriverID, "error", err)
		}
	}
	if err := s.Geo.Upsert(r.Context(), d); err != nil {
		s.logger.Error("geo upsert failed", "driver_id", d.DriverID, "error", err)
		http.Error(w, "location store unavailable", http.StatusServiceUnavailable)
		return
	}
	if d.Online {
		observability.DriversOnline.Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var in dispatch.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Dispatch.CreateRequest(r.Context(), s.Cfg.Dispatch, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.Dispatch.Store.GetTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var d models.DriverProfile
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, retry, err := s.Dispatch.RequestAccept(r.Context(), s.Cfg.Dispatch, d, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip": snap, "retry": retry})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Dispatch.RequestReject(r.Context(), in.DriverID, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DriverID string `json:"driver_id"`
		OTP      string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := s.Dispatch.OTPVerify(r.Context(), s.Cfg.Dispatch, in.DriverID, mux.Vars(r)["id"], in.OTP)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Actor   models.Actor      `json:"actor"`
		ActorID string            `json:"actor_id"`
		Status  models.TripStatus `json:"status"`
		dispatch.StatusChange
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := s.Dispatch.StatusUpdate(r.Context(), s.Cfg.Dispatch, in.Actor, in.ActorID, mux.Vars(r)["id"], in.Status, in.StatusChange)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DriverID string `json:"driver_id"`
		Paused   bool   `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := s.Dispatch.PauseResume(r.Context(), in.DriverID, mux.Vars(r)["id"], in.Paused)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DriverID string  `json:"driver_id"`
		Fare     float64 `json:"bid_fare"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Dispatch.PlaceBid(r.Context(), s.Cfg.Dispatch, in.DriverID, mux.Vars(r)["id"], in.Fare); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResendOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		CustomerID  string `json:"customer_id"`
		DeviceToken string `json:"device_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Dispatch.ResendOTP(r.Context(), in.CustomerID, mux.Vars(r)["id"], in.DeviceToken); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSafetyAlert(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Actor   models.Actor `json:"actor"`
		ActorID string       `json:"actor_id"`
		Note    string       `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Dispatch.RaiseSafetyAlert(r.Context(), in.Actor, in.ActorID, mux.Vars(r)["id"], in.Note); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePendingTrips(w http.ResponseWriter, r *http.Request) {
	var in struct {
		models.DriverProfile
		Page int `json:"page"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	page, err := s.Dispatch.NearbyPendingRequests(r.Context(), s.Cfg.Dispatch, in.DriverProfile, in.Page)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": page, "page": in.Page})
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lon required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := models.ParseCategorySet(q.Get("category"))

	out, err := s.Dispatch.NearbyDrivers(r.Context(), s.Cfg.Dispatch, q.Get("zone"), models.Coord{Lat: lat, Lon: lon}, filter, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": out})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, id := vars["role"], vars["id"]
	if (role != string(models.ActorCustomer) && role != string(models.ActorDriver)) || id == "" {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.Sessions.Add(role, id, conn)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case models.IsKind(err, models.KindNotFound):
		status = http.StatusNotFound
	case models.IsKind(err, models.KindConflict):
		status = http.StatusConflict
	case models.IsKind(err, models.KindUnavailable):
		status = http.StatusServiceUnavailable
	}
	var de *models.DispatchError
	if errors.As(err, &de) {
		writeJSON(w, status, map[string]string{"error": de.Code, "message": de.Message})
		return
	}
	s.logger.Error("request failed", "error", err)
	writeJSON(w, status, map[string]string{"error": "internal", "message": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
