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
// Values are loaded from environment variables with defaults that let the
// binary run locally on in-memory stores.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Dispatch tuning.
	OfferTTL         time.Duration
	SweepInterval    time.Duration
	Retention        time.Duration
	CandidateRadiusM float64
	CandidateLimit   int

	// Notification channels. Empty endpoints disable the channel.
	NotifyTimeout    time.Duration
	PushEndpoint     string
	PushKey          string
	PushFormat       string
	OSRMEndpoint     string
	DefaultSpeedMps  float64
	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	PGDSN string

	LogLevel      string
	RunMigrations bool
}

const (
	PushFormatWebhook = "webhook"
	PushFormatFCM     = "fcm"
)

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		OfferTTL:         15 * time.Second,
		SweepInterval:    3 * time.Second,
		Retention:        10 * time.Minute,
		CandidateRadiusM: 5000,
		CandidateLimit:   10,
		NotifyTimeout:    3 * time.Second,
		PushFormat:       PushFormatWebhook,
		DefaultSpeedMps:  10,
		KafkaTopic:       "driver-locations",
		KafkaEventsTopic: "dispatch-events",
		RedisGeoKey:      "drivers_geo",
		LogLevel:         "info",
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

	setDurationFromEnv(&cfg.OfferTTL, "OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Retention, "DISPATCH_RETENTION", &errs)
	setFloatFromEnv(&cfg.CandidateRadiusM, "CANDIDATE_RADIUS_M", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "CANDIDATE_LIMIT", &errs)

	setDurationFromEnv(&cfg.NotifyTimeout, "NOTIFY_TIMEOUT", &errs)
	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")
	if v := os.Getenv("PUSH_FORMAT"); v != "" {
		cfg.PushFormat = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.OfferTTL <= 0 {
		errs = append(errs, errors.New("OFFER_TTL must be > 0"))
	}
	if cfg.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be > 0"))
	}
	if cfg.Retention <= 0 {
		errs = append(errs, errors.New("DISPATCH_RETENTION must be > 0"))
	}
	if cfg.CandidateRadiusM <= 0 {
		errs = append(errs, errors.New("CANDIDATE_RADIUS_M must be > 0"))
	}
	if cfg.CandidateLimit <= 0 {
		errs = append(errs, errors.New("CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, errors.New("ETA_DEFAULT_SPEED_MPS must be > 0"))
	}
	if cfg.PushFormat != PushFormatWebhook && cfg.PushFormat != PushFormatFCM {
		errs = append(errs, fmt.Errorf("PUSH_FORMAT must be %q or %q", PushFormatWebhook, PushFormatFCM))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the availability consumer in cmd/consumer.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	UpdateAttempts int
	RetryDelay     time.Duration
	MaxBackoff     time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:    ":2112",
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaTopic:     "driver-locations",
		KafkaGroup:     "ride-dispatch-consumer",
		RedisAddr:      "localhost:6379",
		RedisGeoKey:    "drivers_geo",
		UpdateAttempts: 3,
		RetryDelay:     200 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		LogLevel:       "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.UpdateAttempts, "CONSUMER_UPDATE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.MaxBackoff, "CONSUMER_MAX_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.UpdateAttempts <= 0 {
		errs = append(errs, errors.New("CONSUMER_UPDATE_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
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
