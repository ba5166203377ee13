package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/registry"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver presence messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	registryUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_registry_updates_total",
		Help: "Total successful driver registry updates",
	})
	registryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_registry_errors_total",
		Help: "Total driver registry errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, registryUpdates, registryErrors)
}

// Presence is what driver apps report when they go on or off duty or
// refresh their push registration. Nil fields are left unchanged.
type Presence struct {
	DriverID    string   `json:"driver_id"`
	Active      *bool    `json:"active,omitempty"`
	DeviceToken *string  `json:"device_token,omitempty"`
	Region      *string  `json:"region,omitempty"`
	Language    *string  `json:"language,omitempty"`
	Name        *string  `json:"name,omitempty"`
	Phone       *string  `json:"phone,omitempty"`
	Vehicle     *string  `json:"vehicle,omitempty"`
	Tiers       []string `json:"tiers,omitempty"`
}

func (p Presence) apply(d *models.Driver) {
	if p.Active != nil {
		d.Active = *p.Active
	}
	if p.DeviceToken != nil {
		d.DeviceToken = *p.DeviceToken
	}
	if p.Region != nil {
		d.Region = *p.Region
	}
	if p.Language != nil {
		d.Language = *p.Language
	}
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Phone != nil {
		d.Phone = *p.Phone
	}
	if p.Vehicle != nil {
		d.Vehicle = *p.Vehicle
	}
	if p.Tiers != nil {
		d.Tiers = p.Tiers
	}
}

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadConsumerConfig()
	logger := logging.Component(logging.NewLogger(cfg.LogLevel, cfg.LogFormat), "presence-consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	drivers := registry.NewRedis(rc, cfg.RedisKeyPrefix)

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaDriverTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaDriverTopic, "brokers", strings.Join(cfg.KafkaBrokers, ","), "group", cfg.KafkaGroup)

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
			sleep(ctx, backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		p, err := decodePresence(m.Value, m.Key)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		if err := applyWithRetry(ctx, drivers, p, cfg.RetryAttempts, cfg.RetryDelay); err != nil {
			registryErrors.Inc()
			logger.Error("registry update failed", "driver_id", p.DriverID, "error", err)
			continue
		}
		registryUpdates.Inc()
		logger.Debug("presence applied", "driver_id", p.DriverID)
	}
}

func decodePresence(value, key []byte) (Presence, error) {
	var p Presence
	if err := json.Unmarshal(value, &p); err != nil {
		return Presence{}, err
	}
	if p.DriverID == "" {
		p.DriverID = string(key)
	}
	if strings.TrimSpace(p.DriverID) == "" {
		return Presence{}, errors.New("presence without driver id")
	}
	return p, nil
}

// DriverStore is the subset of the registry the consumer writes to.
type DriverStore interface {
	Get(ctx context.Context, id string) (models.Driver, error)
	Upsert(ctx context.Context, d models.Driver) error
}

func applyPresence(ctx context.Context, store DriverStore, p Presence) error {
	d, err := store.Get(ctx, p.DriverID)
	switch {
	case errors.Is(err, registry.ErrDriverNotFound):
		d = models.Driver{ID: p.DriverID}
	case err != nil:
		return err
	}
	p.apply(&d)
	return store.Upsert(ctx, d)
}

// applyWithRetry updates the registry with retry and exponential backoff.
func applyWithRetry(ctx context.Context, store DriverStore, p Presence, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = applyPresence(ctx, store, p); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
