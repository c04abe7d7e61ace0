package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "location_consumer_messages_consumed_total",
		Help: "Driver location messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "location_consumer_messages_invalid_total",
		Help: "Messages that failed to decode",
	})
	geoUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "location_consumer_geo_updates_total",
		Help: "Successful geo index updates",
	})
	geoErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "location_consumer_geo_errors_total",
		Help: "Geo index updates that failed after retries",
	})
)

// locationSink is the piece of the geo index the consumer writes to.
type locationSink interface {
	Upsert(ctx context.Context, d models.DriverLocation) error
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "trip-dispatch-location-consumer"
	}

	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	sink := geo.NewRedisGeoWithClient(rdb, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.LocationTopic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rdb.Close()
	}()

	logger.Info("location consumer running", "topic", cfg.LocationTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var d models.DriverLocation
		if err := json.Unmarshal(m.Value, &d); err != nil || d.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "error", err)
			continue
		}

		if err := upsertWithRetry(ctx, sink, d, 3, 200*time.Millisecond); err != nil {
			geoErrors.Inc()
			logger.Error("geo update failed", "driver_id", d.DriverID, "error", err)
			continue
		}
		geoUpdates.Inc()
	}
}

// upsertWithRetry writes one location with exponential backoff between
// attempts; the last error wins.
func upsertWithRetry(ctx context.Context, sink locationSink, d models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = sink.Upsert(ctx, d); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
