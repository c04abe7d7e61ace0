package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	LocationTopic   string
	TripEventsTopic string

	PGDSN string

	Dispatch DispatchConfig

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig is passed explicitly into matching, assignment and state
// machine calls so behavior is deterministic per call rather than read from
// ambient feature flags at use sites.
type DispatchConfig struct {
	// candidate search, meters
	SearchRadiusSeed    float64
	RadiusExpandFactor  float64
	SearchRadiusCeiling float64

	ParcelLimitOn        bool
	MaxParcelConcurrency int

	OTPRequired    bool
	BiddingEnabled bool

	LockTTL     time.Duration
	LockTimeout time.Duration

	PageSize int
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		LocationTopic:   "driver-locations",
		TripEventsTopic: "trip-events",
		LogLevel:        "info",
		Dispatch: DispatchConfig{
			SearchRadiusSeed:     5000,
			RadiusExpandFactor:   1.5,
			SearchRadiusCeiling:  25000,
			ParcelLimitOn:        true,
			MaxParcelConcurrency: 3,
			OTPRequired:          true,
			BiddingEnabled:       false,
			LockTTL:              5 * time.Minute,
			LockTimeout:          3 * time.Second,
			PageSize:             20,
		},
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.TripEventsTopic, "KAFKA_TRIP_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.Dispatch.SearchRadiusSeed, "SEARCH_RADIUS_SEED_M", &errs)
	setFloatFromEnv(&cfg.Dispatch.RadiusExpandFactor, "SEARCH_RADIUS_FACTOR", &errs)
	setFloatFromEnv(&cfg.Dispatch.SearchRadiusCeiling, "SEARCH_RADIUS_CEILING_M", &errs)
	setBoolFromEnv(&cfg.Dispatch.ParcelLimitOn, "PARCEL_LIMIT_ON")
	setIntFromEnv(&cfg.Dispatch.MaxParcelConcurrency, "MAX_PARCEL_CONCURRENCY", &errs)
	setBoolFromEnv(&cfg.Dispatch.OTPRequired, "OTP_REQUIRED")
	setBoolFromEnv(&cfg.Dispatch.BiddingEnabled, "BID_ON_FARE")
	setDurationFromEnv(&cfg.Dispatch.LockTTL, "ASSIGN_LOCK_TTL", &errs)
	setDurationFromEnv(&cfg.Dispatch.LockTimeout, "ASSIGN_LOCK_TIMEOUT", &errs)
	setIntFromEnv(&cfg.Dispatch.PageSize, "MATCH_PAGE_SIZE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.Dispatch.validate()...)

	return cfg, errors.Join(errs...)
}

func (d DispatchConfig) validate() []error {
	var errs []error
	if d.SearchRadiusSeed <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_SEED_M must be > 0"))
	}
	if d.RadiusExpandFactor <= 1 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_FACTOR must be > 1"))
	}
	if d.SearchRadiusCeiling < d.SearchRadiusSeed {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_CEILING_M must be >= seed radius"))
	}
	if d.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_LOCK_TIMEOUT must be > 0"))
	}
	if d.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_PAGE_SIZE must be > 0"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = strings.EqualFold(v, "true") || v == "1"
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
