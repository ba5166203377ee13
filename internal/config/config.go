package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/trip-dispatch/internal/fare"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	PGDSN         string
	RunMigrations bool

	KafkaBrokers   []string
	KafkaTripTopic string

	// EventsBackend is kafka, rabbitmq or none.
	EventsBackend string
	AMQPURL       string
	AMQPExchange  string

	FCMEndpoint  string
	FCMServerKey string
	PushTimeout  time.Duration

	BroadcastInterval time.Duration
	BroadcastCeiling  time.Duration

	StripeAPIKey        string
	PaymentCurrency     string
	DriverCommissionPct float64

	Tariffs     map[string]fare.Tariff
	DefaultTier string
	OSRMURL     string
	RouteTTL    time.Duration

	KVSweepSchedule string

	LogLevel  string
	LogFormat string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisKeyPrefix:      "dispatch",
		KafkaTripTopic:      "trip-events",
		EventsBackend:       "none",
		AMQPExchange:        "trip_events",
		PushTimeout:         5 * time.Second,
		BroadcastInterval:   30 * time.Second,
		BroadcastCeiling:    10 * time.Minute,
		PaymentCurrency:     "usd",
		DriverCommissionPct: 20,
		Tariffs: map[string]fare.Tariff{
			"economy": {Base: 2.5, PerKm: 1.2, Minimum: 5},
			"comfort": {Base: 4, PerKm: 1.8, Minimum: 8},
		},
		DefaultTier:     "economy",
		RouteTTL:        10 * time.Minute,
		KVSweepSchedule: "@every 1m",
		LogLevel:        "info",
		LogFormat:       "json",
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
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTripTopic, "KAFKA_TRIP_TOPIC")

	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	setStringFromEnv(&cfg.EventsBackend, "EVENTS_BACKEND")
	cfg.EventsBackend = strings.ToLower(cfg.EventsBackend)

	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMServerKey = strings.TrimSpace(os.Getenv("FCM_SERVER_KEY"))
	setDurationFromEnv(&cfg.PushTimeout, "PUSH_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.BroadcastInterval, "BROADCAST_INTERVAL", &errs)
	setDurationFromEnv(&cfg.BroadcastCeiling, "BROADCAST_CEILING", &errs)

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")
	setFloatFromEnv(&cfg.DriverCommissionPct, "DRIVER_COMMISSION_PCT", &errs)

	setTariffsFromEnv(cfg.Tariffs, &errs)
	setStringFromEnv(&cfg.DefaultTier, "FARE_DEFAULT_TIER")
	setStringFromEnv(&cfg.OSRMURL, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.RouteTTL, "ROUTE_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.KVSweepSchedule, "KV_SWEEP_SCHEDULE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.BroadcastInterval <= 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_INTERVAL must be > 0"))
	}
	if c.BroadcastCeiling < c.BroadcastInterval {
		errs = append(errs, fmt.Errorf("BROADCAST_CEILING must be >= BROADCAST_INTERVAL"))
	}
	if c.DriverCommissionPct < 0 || c.DriverCommissionPct > 100 {
		errs = append(errs, fmt.Errorf("DRIVER_COMMISSION_PCT must be within [0,100]"))
	}
	if _, ok := c.Tariffs[c.DefaultTier]; !ok {
		errs = append(errs, fmt.Errorf("FARE_DEFAULT_TIER %q has no tariff", c.DefaultTier))
	}
	switch c.EventsBackend {
	case "none":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("EVENTS_BACKEND=kafka requires KAFKA_BROKERS"))
		}
	case "rabbitmq":
		if c.AMQPURL == "" {
			errs = append(errs, fmt.Errorf("EVENTS_BACKEND=rabbitmq requires AMQP_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("EVENTS_BACKEND must be kafka, rabbitmq or none"))
	}
	return errs
}

// ConsumerConfig drives the driver presence consumer.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers     []string
	KafkaDriverTopic string
	KafkaGroup       string

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel  string
	LogFormat string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:      ":2112",
		KafkaBrokers:     []string{"localhost:9092"},
		KafkaDriverTopic: "driver-presence",
		KafkaGroup:       "trip-dispatch-presence",
		RedisAddr:        "localhost:6379",
		RedisKeyPrefix:   "dispatch",
		RetryAttempts:    3,
		RetryDelay:       200 * time.Millisecond,
		LogLevel:         "info",
		LogFormat:        "json",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaDriverTopic, "KAFKA_DRIVER_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// setTariffsFromEnv reads FARE_<TIER>_BASE, FARE_<TIER>_PER_KM and
// FARE_<TIER>_MINIMUM for every known tier, plus tiers listed in FARE_TIERS.
func setTariffsFromEnv(tariffs map[string]fare.Tariff, errs *[]error) {
	for _, tier := range splitAndTrim(os.Getenv("FARE_TIERS")) {
		tier = strings.ToLower(tier)
		if _, ok := tariffs[tier]; !ok {
			tariffs[tier] = fare.Tariff{}
		}
	}
	for tier, t := range tariffs {
		prefix := "FARE_" + strings.ToUpper(tier) + "_"
		setFloatFromEnv(&t.Base, prefix+"BASE", errs)
		setFloatFromEnv(&t.PerKm, prefix+"PER_KM", errs)
		setFloatFromEnv(&t.Minimum, prefix+"MINIMUM", errs)
		tariffs[tier] = t
	}
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
