package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/example/trip-dispatch/internal/broadcast"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/eligibility"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/fare"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/i18n"
	"github.com/example/trip-dispatch/internal/kv"
	"github.com/example/trip-dispatch/internal/ledger"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/push"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/route"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
	"github.com/example/trip-dispatch/migrations"
)

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP API and broadcast scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.HTTPAddr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", "", "listen address, overrides HTTP_ADDR")
	return cmd
}

// backends are the storage choices made from configuration.
type backends struct {
	trips   storage.TripStore
	ledger  ledger.Store
	drivers registry.Registry
	keys    kv.Store
	memKeys *kv.Memory
	leases  kv.Store
	closers []func() error
}

// leaseOwner names this process in broadcast leases; the hostname keeps
// lease values readable when inspecting Redis.
func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func openBackends(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*backends, error) {
	b := &backends{
		trips:   storage.NewMemoryStore(),
		ledger:  ledger.NewMemory(),
		drivers: registry.NewMemory(),
		memKeys: kv.NewMemory(),
	}
	b.keys = b.memKeys

	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		if cfg.RunMigrations {
			if err := migrations.Up(ctx, db); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
		}
		b.trips = storage.NewPostgresStore(db)
		b.ledger = ledger.NewPostgres(db)
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		b.closers = append(b.closers, rc.Close)
		b.drivers = registry.NewRedis(rc, cfg.RedisKeyPrefix)
		b.keys = kv.NewRedis(rc, cfg.RedisKeyPrefix)
		// leases only matter when several processes share the registry
		b.leases = b.keys
	}
	return b, nil
}

func (b *backends) close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func newPublisher(cfg config.ServerConfig) (events.Publisher, error) {
	switch cfg.EventsBackend {
	case "kafka":
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTripTopic), nil
	case "rabbitmq":
		return events.NewRabbitPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	default:
		return events.Nop{}, nil
	}
}

func newPushProvider(cfg config.ServerConfig, logger *slog.Logger) push.Provider {
	if cfg.FCMServerKey == "" {
		logger.Warn("FCM_SERVER_KEY not set; push notifications are logged only")
		return &push.LogProvider{Logger: logging.Component(logger, "push-log")}
	}
	return push.NewFCMProvider(cfg.FCMEndpoint, cfg.FCMServerKey, cfg.PushTimeout)
}

func serve(parent context.Context, cfg config.ServerConfig) error {
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("close backends", "error", err)
		}
	}()

	quoter := &fare.Quoter{
		Tariffs:     cfg.Tariffs,
		DefaultTier: cfg.DefaultTier,
		Cache:       route.NewCache(cfg.RouteTTL),
		Logger:      logging.Component(logger, "fare"),
	}
	if cfg.OSRMURL != "" {
		quoter.Router = route.NewOSRMClient(cfg.OSRMURL)
	}
	machine := trip.NewMachine(b.trips, b.drivers, quoter, logger)

	catalog := i18n.NewCatalog()
	resolver := i18n.NewResolver(i18n.English, i18n.DefaultRules()...)
	gateway := push.NewGateway(newPushProvider(cfg, logger), logger)

	scheduler := broadcast.NewScheduler(broadcast.Deps{
		Status:   machine,
		Eligible: eligibility.NewIndex(b.drivers, b.trips),
		Resolver: resolver,
		Catalog:  catalog,
		Gateway:  gateway,
		Tokens:   b.drivers,
		Leases:   b.leases,
	}, broadcast.Config{Interval: cfg.BroadcastInterval, Ceiling: cfg.BroadcastCeiling, Owner: leaseOwner()}, logger)

	ws := dispatch.NewWSRegistry(logger)
	riders := dispatch.NewRiderDevices(b.keys)
	notifier := dispatch.NewNotifier(riders, resolver, catalog, gateway, logger)

	pub, err := newPublisher(cfg)
	if err != nil {
		return fmt.Errorf("events publisher: %w", err)
	}
	forwarder := events.NewForwarder(pub, cfg.EventsBackend, logger)

	// the scheduler goes first so an accepted trip stops broadcasting
	// before slower listeners run
	machine.Subscribe(scheduler)
	machine.Subscribe(ws)
	machine.Subscribe(notifier)
	machine.Subscribe(forwarder)
	machine.Subscribe(ledger.NewEarnings(b.ledger, cfg.DriverCommissionPct, logger))
	if cfg.StripeAPIKey != "" {
		machine.Subscribe(payments.NewSettler(payments.NewStripeClient(cfg.StripeAPIKey), b.trips, cfg.PaymentCurrency, logger))
	}

	jobs, err := startJobs(cfg, b.memKeys, logger)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Trips:   machine,
		Drivers: b.drivers,
		Ledger:  b.ledger,
		Riders:  riders,
		WS:      ws,
		Logger:  logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr, "events", cfg.EventsBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	<-jobs.Stop().Done()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("broadcast shutdown", "error", err)
	}
	notifier.Wait()
	forwarder.Wait()
	if err := pub.Close(); err != nil {
		logger.Warn("close publisher", "error", err)
	}
	return nil
}

// startJobs schedules housekeeping. Expired in-memory keys are swept on
// KV_SWEEP_SCHEDULE; Redis expires its own.
func startJobs(cfg config.ServerConfig, mem *kv.Memory, logger *slog.Logger) (*cron.Cron, error) {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	if _, err := c.AddFunc(cfg.KVSweepSchedule, func() {
		if n := mem.Sweep(); n > 0 {
			logger.Debug("expired keys swept", "count", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule kv sweep %q: %w", cfg.KVSweepSchedule, err)
	}
	c.Start()
	return c, nil
}
