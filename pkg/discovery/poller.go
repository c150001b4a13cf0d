package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftlabs/faucet/pkg/metrics"
	"github.com/driftlabs/faucet/pkg/state"
	"github.com/driftlabs/faucet/pkg/ticket"
)

const defaultPollInterval = 30 * time.Second

type PollerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Client   Client
	State    *state.State
	Query    string
	Interval time.Duration
}

func (cfg *PollerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.State == nil {
		return errors.New("state is required")
	}
	if cfg.Query == "" {
		return errors.New("query is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	return nil
}

// Poller periodically searches for claim posts and promotes the claims
// they complete. It is run under a supervisor: any search error aborts
// Run, and the restarted poller resumes from its cursor.
type Poller struct {
	log *slog.Logger
	cfg PollerConfig

	sinceID string
}

func NewPoller(cfg PollerConfig) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Poller{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Run polls until the context is cancelled or a search fails.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("discovery: polling for claims", "query", p.cfg.Query, "interval", p.cfg.Interval)

	for {
		if err := p.poll(ctx); err != nil {
			return err
		}

		timer := p.cfg.Clock.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	events, next, err := p.cfg.Client.SearchClaims(ctx, p.cfg.Query, p.sinceID)
	if err != nil {
		return fmt.Errorf("failed to poll claims: %w", err)
	}

	for _, ev := range events {
		p.handleEvent(ev)
	}
	p.sinceID = next
	return nil
}

func (p *Poller) handleEvent(ev ClaimEvent) {
	tkt, ok := ticket.FromText(ev.Text)
	if !ok {
		p.log.Debug("discovery: post carries no ticket", "post", ev.ID, "author", ev.AuthorName)
		metrics.DiscoveryEventsTotal.WithLabelValues("no_ticket").Inc()
		return
	}

	p.cfg.State.UpsertClaim(tkt, state.Claim{
		DisplayName: ev.AuthorName,
		ExternalID:  ev.ID,
	})
	if p.cfg.State.PromoteIfReady(tkt) {
		p.log.Info("discovery: claim promoted", "ticket", tkt, "post", ev.ID, "author", ev.AuthorName)
		metrics.DiscoveryEventsTotal.WithLabelValues("promoted").Inc()
		return
	}
	metrics.DiscoveryEventsTotal.WithLabelValues("recorded").Inc()
}
