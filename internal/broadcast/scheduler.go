// Package broadcast repeatedly offers a waiting trip to every eligible
// driver until someone accepts it, the trip leaves WAITING for any other
// reason, or the session ceiling passes.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/eligibility"
	"github.com/example/trip-dispatch/internal/i18n"
	"github.com/example/trip-dispatch/internal/kv"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/push"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultCeiling  = 10 * time.Minute
)

var ErrShutdown = errors.New("broadcast scheduler is shut down")

type StatusReader interface {
	CurrentStatus(ctx context.Context, tripID string) (models.TripStatus, error)
}

type Eligibility interface {
	Eligible(ctx context.Context, region, tier string) ([]eligibility.Recipient, error)
}

type Renderer interface {
	Render(kind i18n.Kind, lang i18n.Language, fields map[string]string) (i18n.Content, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, envs []models.Envelope) push.Report
}

// TokenCleaner purges a device token the provider reported as dead.
type TokenCleaner interface {
	ClearToken(ctx context.Context, driverID, token string) error
}

type Config struct {
	Interval time.Duration
	Ceiling  time.Duration
	// Owner identifies this process in broadcast leases.
	Owner string
}

type Deps struct {
	Status   StatusReader
	Eligible Eligibility
	Resolver *i18n.Resolver
	Catalog  Renderer
	Gateway  Deliverer
	Tokens   TokenCleaner
	// Leases is optional. When set, only the process holding
	// broadcast:lease:<trip> broadcasts that trip.
	Leases kv.Store
}

// Session is one running broadcast for one trip.
type Session struct {
	ID      string
	TripID  string
	Started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	cycles atomic.Int64
}

// Cancel stops the session. Calling it more than once is harmless.
func (s *Session) Cancel() { s.cancel() }

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cycles reports how many cycles have started.
func (s *Session) Cycles() int64 { return s.cycles.Load() }

func (s *Session) cancelled() bool { return s.ctx.Err() != nil }

type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	base     context.Context
	stopAll  context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewScheduler(deps Deps, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if deps.Resolver == nil {
		deps.Resolver = i18n.NewResolver(i18n.English, i18n.DefaultRules()...)
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		deps:     deps,
		cfg:      cfg,
		logger:   logger.With("component", "broadcast"),
		base:     base,
		stopAll:  stop,
		sessions: make(map[string]*Session),
	}
}

func leaseKey(tripID string) string { return "broadcast:lease:" + tripID }

// Start begins broadcasting t. If a session for the trip is already running
// its id is returned with started=false. ctx only bounds lease acquisition;
// the session outlives it. The lease store is called without holding the
// scheduler lock: the trip's slot is reserved first and committed or rolled
// back once the lease answer is in.
func (s *Scheduler) Start(ctx context.Context, t models.Trip) (string, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", false, ErrShutdown
	}
	if existing, ok := s.sessions[t.ID]; ok {
		s.mu.Unlock()
		return existing.ID, false, nil
	}
	sctx, cancel := context.WithTimeout(s.base, s.cfg.Ceiling)
	sess := &Session{
		ID:      uuid.NewString(),
		TripID:  t.ID,
		Started: time.Now(),
		ctx:     sctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.sessions[t.ID] = sess
	s.mu.Unlock()

	if s.deps.Leases != nil {
		ok, err := s.deps.Leases.SetNX(ctx, leaseKey(t.ID), s.leaseValue(sess), s.cfg.Ceiling)
		if err != nil {
			s.abandon(sess, false)
			return "", false, fmt.Errorf("acquire broadcast lease: %w", err)
		}
		if !ok {
			s.abandon(sess, false)
			s.logger.Debug("broadcast lease held elsewhere", "trip_id", t.ID)
			return "", false, nil
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.abandon(sess, true)
		return "", false, ErrShutdown
	}
	s.wg.Add(1)
	s.mu.Unlock()
	observability.BroadcastSessionsActive.Inc()
	go s.run(sess, t)

	s.logger.Info("broadcast started", "trip_id", t.ID, "session_id", sess.ID, "region", t.Region, "tier", t.Tier)
	return sess.ID, true, nil
}

// abandon rolls back a reserved session that never ran.
func (s *Scheduler) abandon(sess *Session, release bool) {
	sess.cancel()
	s.mu.Lock()
	if s.sessions[sess.TripID] == sess {
		delete(s.sessions, sess.TripID)
	}
	s.mu.Unlock()
	if release {
		s.releaseLease(sess)
	}
	close(sess.done)
}

func (s *Scheduler) leaseValue(sess *Session) string { return s.cfg.Owner + "/" + sess.ID }

func (s *Scheduler) releaseLease(sess *Session) {
	if s.deps.Leases == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.deps.Leases.DeleteIfValue(ctx, leaseKey(sess.TripID), s.leaseValue(sess)); err != nil {
		s.logger.Warn("release broadcast lease", "trip_id", sess.TripID, "error", err)
	}
}

// Stop cancels the trip's session if one is running. It is safe to call for
// unknown trips and more than once.
func (s *Scheduler) Stop(tripID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[tripID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.Cancel()
	return true
}

// Session returns the running session for tripID.
func (s *Scheduler) Session(tripID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tripID]
	return sess, ok
}

// Active returns the number of running sessions.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown cancels every session and waits for their goroutines, or for
// ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TripChanged starts a session for newly created trips and stops it as soon
// as the trip leaves WAITING.
func (s *Scheduler) TripChanged(ctx context.Context, t models.Trip, from models.TripStatus) {
	if t.Status != models.StatusWaiting {
		s.Stop(t.ID)
		return
	}
	if from != "" {
		return
	}
	if _, _, err := s.Start(ctx, t); err != nil {
		s.logger.Error("start broadcast", "trip_id", t.ID, "error", err)
	}
}

func (s *Scheduler) run(sess *Session, t models.Trip) {
	defer s.wg.Done()
	defer s.finish(sess)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if sess.cancelled() || !s.cycle(sess, t) {
			return
		}
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) finish(sess *Session) {
	reason := "cancelled"
	if errors.Is(sess.ctx.Err(), context.DeadlineExceeded) {
		reason = "ceiling"
	}
	sess.cancel()

	s.mu.Lock()
	if s.sessions[sess.TripID] == sess {
		delete(s.sessions, sess.TripID)
	}
	s.mu.Unlock()
	observability.BroadcastSessionsActive.Dec()

	s.releaseLease(sess)
	close(sess.done)
	s.logger.Info("broadcast ended", "trip_id", sess.TripID, "session_id", sess.ID, "reason", reason, "cycles", sess.Cycles())
}

// cycle runs one broadcast round and reports whether the session should keep
// going. Failures skip the round; the next tick retries.
func (s *Scheduler) cycle(sess *Session, t models.Trip) (keep bool) {
	n := sess.cycles.Add(1)
	start := time.Now()
	log := s.logger.With("trip_id", t.ID, "cycle", n)
	outcome := "delivered"
	defer func() {
		if r := recover(); r != nil {
			log.Error("broadcast cycle panic", "panic", r)
			outcome, keep = "panic", true
		}
		observability.BroadcastCyclesTotal.WithLabelValues(outcome).Inc()
		observability.BroadcastCycleDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(sess.ctx, s.cfg.Interval)
	defer cancel()

	status, err := s.deps.Status.CurrentStatus(ctx, t.ID)
	if err != nil {
		log.Warn("read trip status", "error", err)
		outcome = "error"
		return true
	}
	if status != models.StatusWaiting {
		log.Info("trip no longer waiting", "status", status)
		outcome = "stopped"
		sess.Cancel()
		return false
	}

	recipients, err := s.deps.Eligible.Eligible(ctx, t.Region, t.Tier)
	if err != nil {
		log.Warn("eligible drivers", "error", err)
		outcome = "error"
		return true
	}
	if len(recipients) == 0 {
		log.Debug("no eligible drivers")
		outcome = "empty"
		return true
	}

	envs := s.envelopes(log, t, recipients)
	if len(envs) == 0 {
		outcome = "error"
		return true
	}

	if sess.cancelled() {
		outcome = "stopped"
		return false
	}
	report := s.deps.Gateway.Deliver(ctx, envs)
	for _, o := range report.InvalidTokens() {
		if err := s.deps.Tokens.ClearToken(ctx, o.DriverID, o.Token); err != nil {
			log.Warn("clear invalid token", "driver_id", o.DriverID, "error", err)
			continue
		}
		observability.InvalidTokensCleared.Inc()
	}
	log.Info("broadcast cycle", "recipients", len(envs), "delivered", report.Delivered(), "failed", report.Failed())
	return true
}

// envelopes renders one notification per recipient. A language that fails
// to render drops only the recipients who need it.
func (s *Scheduler) envelopes(log *slog.Logger, t models.Trip, recipients []eligibility.Recipient) []models.Envelope {
	payload := Payload(t)
	rendered := make(map[i18n.Language]i18n.Content)
	failed := make(map[i18n.Language]bool)
	out := make([]models.Envelope, 0, len(recipients))
	for _, r := range recipients {
		lang := s.deps.Resolver.Resolve(r.Language, r.Phone)
		if failed[lang] {
			observability.RenderFailuresTotal.Inc()
			continue
		}
		c, ok := rendered[lang]
		if !ok {
			var err error
			c, err = s.deps.Catalog.Render(i18n.KindNewTrip, lang, payload)
			if err != nil {
				log.Error("render new trip notification", "language", lang, "driver_id", r.DriverID, "error", err)
				observability.RenderFailuresTotal.Inc()
				failed[lang] = true
				continue
			}
			rendered[lang] = c
		}
		out = append(out, models.Envelope{
			Token:    r.Token,
			DriverID: r.DriverID,
			Title:    c.Title,
			Body:     c.Body,
			Language: string(c.Language),
			Payload:  payload,
		})
	}
	return out
}

// Payload is the data block attached to every new trip notification.
func Payload(t models.Trip) map[string]string {
	return map[string]string{
		"trip_id":     t.ID,
		"kind":        string(i18n.KindNewTrip),
		"pickup":      t.Pickup.Text,
		"dropoff":     t.Dropoff.Text,
		"fare":        strconv.FormatFloat(t.Price, 'f', -1, 64),
		"distance_km": strconv.FormatFloat(t.DistanceKm, 'f', -1, 64),
		"rider_name":  t.RiderName,
		"rider_phone": t.RiderPhone,
		"tier":        t.Tier,
	}
}
