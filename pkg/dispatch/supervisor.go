package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftlabs/faucet/pkg/metrics"
	"github.com/driftlabs/faucet/pkg/notify"
)

const (
	defaultHealthyThreshold = time.Minute
	defaultBackoffFloor     = time.Second
	defaultBackoffCeiling   = 10 * time.Minute
)

type SupervisorConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// Name identifies the supervised loop in logs and metrics.
	Name string
	// HealthyThreshold is the run length after which a failure is
	// forgiven: the next restart uses the floor delay instead of an
	// escalated one.
	HealthyThreshold time.Duration
	BackoffFloor     time.Duration
	BackoffCeiling   time.Duration
	Notifier         notify.Notifier
	// ReportError, when set, receives every crash error (e.g. a Sentry
	// capture).
	ReportError func(error)
}

func (cfg *SupervisorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Name == "" {
		return errors.New("name is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = defaultHealthyThreshold
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = defaultBackoffFloor
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = defaultBackoffCeiling
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	return nil
}

// Supervisor restarts a long-running, failure-prone loop. Fast failures
// escalate the restart delay exponentially up to a ceiling; a run that
// stays healthy past the threshold resets the delay to the floor. This
// keeps a crash-looping worker from spinning while recovering quickly
// from one-off blips.
type Supervisor struct {
	log *slog.Logger
	cfg SupervisorConfig
}

func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Run executes fn until the context is cancelled or fn returns an error
// wrapping ErrFatal. Any other error triggers a backoff-delayed restart.
func (s *Supervisor) Run(ctx context.Context, fn func(context.Context) error) error {
	delay := s.cfg.BackoffFloor

	for {
		start := s.cfg.Clock.Now()
		err := fn(ctx)

		if ctx.Err() != nil {
			s.log.Info("supervisor: stopping", "loop", s.cfg.Name, "reason", ctx.Err())
			return ctx.Err()
		}
		if err == nil {
			// A supervised loop runs forever; a nil return means it has
			// nothing more to do.
			s.log.Info("supervisor: loop finished", "loop", s.cfg.Name)
			return nil
		}
		if errors.Is(err, ErrFatal) {
			s.log.Error("supervisor: fatal error, not restarting", "loop", s.cfg.Name, "error", err)
			return err
		}

		elapsed := s.cfg.Clock.Since(start)
		delay = nextDelay(delay, elapsed, s.cfg.HealthyThreshold, s.cfg.BackoffFloor, s.cfg.BackoffCeiling)

		s.log.Error("supervisor: loop crashed, restarting",
			"loop", s.cfg.Name,
			"error", err,
			"ran_for", elapsed.String(),
			"restart_in", delay.String())
		metrics.SupervisorRestartsTotal.WithLabelValues(s.cfg.Name).Inc()
		if s.cfg.ReportError != nil {
			s.cfg.ReportError(err)
		}
		go s.cfg.Notifier.Notify(ctx, fmt.Sprintf("Faucet: %s crashed (%v), restarting in %s", s.cfg.Name, err, delay))

		timer := s.cfg.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}

// nextDelay implements the backoff policy: a failure within the healthy
// threshold doubles the delay up to the ceiling; a failure after a
// sustained healthy run resets it to the floor.
func nextDelay(current, elapsed, healthyThreshold, floor, ceiling time.Duration) time.Duration {
	if elapsed >= healthyThreshold {
		return floor
	}
	next := current * 2
	if next > ceiling {
		next = ceiling
	}
	return next
}
