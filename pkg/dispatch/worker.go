// Package dispatch drains the faucet's queue. A single worker pops
// tickets in FIFO order, issues the configured transfers sequentially,
// and advances state only after every transfer has confirmed. A
// supervisor restarts the worker with exponential backoff when the
// network misbehaves.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/driftlabs/faucet/pkg/metrics"
	"github.com/driftlabs/faucet/pkg/notify"
	"github.com/driftlabs/faucet/pkg/state"
)

// ErrFatal marks errors the supervisor must not retry: the process should
// terminate loudly instead. Snapshot failures are fatal because the
// faucet cannot claim durability while unable to persist.
var ErrFatal = errors.New("fatal")

const defaultPollInterval = 100 * time.Millisecond

// TransferClient is the worker's boundary to the network that moves
// funds. Implementations are treated as opaque and failure-prone.
type TransferClient interface {
	IsSigningKeySet(ctx context.Context) (bool, error)
	SetSigningKey(ctx context.Context, feeToken string) error
	Transfer(ctx context.Context, to, token string, amount *big.Int) (string, error)
	AwaitReceipt(ctx context.Context, txHash string) error
	Balance(ctx context.Context, token string) (*big.Int, error)
}

// TokenAmount is one transfer the worker issues per disbursed ticket, in
// base units.
type TokenAmount struct {
	Token  string
	Amount *big.Int
}

type WorkerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	State    *state.State
	Client   TransferClient
	Notifier notify.Notifier
	// Amounts are transferred per ticket in this exact order, each
	// confirmed before the next is issued.
	Amounts      []TokenAmount
	FeeToken     string
	PollInterval time.Duration
	// SnapshotPath, when set, persists state after every committed
	// disbursement.
	SnapshotPath string
}

func (cfg *WorkerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.State == nil {
		return errors.New("state is required")
	}
	if cfg.State.Mode() == state.ModeTransfer {
		if cfg.Client == nil {
			return errors.New("transfer client is required in transfer mode")
		}
		if len(cfg.Amounts) == 0 {
			return errors.New("at least one token amount is required in transfer mode")
		}
		for _, a := range cfg.Amounts {
			if a.Token == "" || a.Amount == nil || a.Amount.Sign() <= 0 {
				return fmt.Errorf("invalid token amount %+v", a)
			}
		}
		if cfg.FeeToken == "" {
			return errors.New("fee token is required in transfer mode")
		}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return nil
}

// Worker is the single consumer of the dispatch queue.
type Worker struct {
	log *slog.Logger
	cfg WorkerConfig
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Run drains the queue until the context is cancelled or an error
// propagates. Errors from the transfer client leave the front ticket in
// place; the supervisor restarts Run and the whole per-ticket transfer
// sequence is retried from the beginning.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.State.Mode() == state.ModeTransfer {
		if err := w.ensureSigningKey(ctx); err != nil {
			return err
		}
		w.logBalances(ctx)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tkt, ok := w.cfg.State.PeekFront()
		if !ok {
			timer := w.cfg.Clock.NewTimer(w.cfg.PollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.Chan():
			}
			continue
		}

		if err := w.disburse(ctx, tkt); err != nil {
			return err
		}
	}
}

func (w *Worker) ensureSigningKey(ctx context.Context) error {
	set, err := w.cfg.Client.IsSigningKeySet(ctx)
	if err != nil {
		return fmt.Errorf("failed to check signing key: %w", err)
	}
	if set {
		return nil
	}
	if err := w.cfg.Client.SetSigningKey(ctx, w.cfg.FeeToken); err != nil {
		return fmt.Errorf("failed to set signing key: %w", err)
	}
	w.log.Info("worker: signing key is set")
	return nil
}

func (w *Worker) logBalances(ctx context.Context) {
	for _, a := range w.cfg.Amounts {
		bal, err := w.cfg.Client.Balance(ctx, a.Token)
		if err != nil {
			w.log.Warn("worker: failed to fetch balance", "token", a.Token, "error", err)
			continue
		}
		w.log.Info("worker: faucet balance", "token", a.Token, "balance", bal.String())
	}
}

func (w *Worker) disburse(ctx context.Context, tkt string) error {
	claim, ok := w.cfg.State.Claim(tkt)
	if !ok {
		// A queue entry without a claim record can only come from a
		// snapshot written by an older build. Drop it; nothing to pay.
		w.log.Warn("worker: dropping queued ticket with no claim", "ticket", tkt)
		if err := w.cfg.State.DropFront(tkt); err != nil {
			return err
		}
		return w.snapshot()
	}

	if claim.Sent || w.cfg.State.AddressUsed(claim.Address) {
		// Another ticket already settled this address; commit without
		// transferring so the same address is never paid twice.
		w.log.Info("worker: address already settled, skipping transfer", "ticket", tkt, "address", claim.Address)
		metrics.DisbursementsTotal.WithLabelValues("skipped").Inc()
		if err := w.cfg.State.CommitDisbursed(tkt); err != nil {
			return err
		}
		return w.snapshot()
	}

	start := w.cfg.Clock.Now()
	attemptID := uuid.NewString()

	if w.cfg.State.Mode() == state.ModeTransfer {
		for _, a := range w.cfg.Amounts {
			hash, err := w.cfg.Client.Transfer(ctx, claim.Address, a.Token, a.Amount)
			if err != nil {
				metrics.TransfersTotal.WithLabelValues(a.Token, "error").Inc()
				metrics.DisbursementsTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("failed to transfer %s to %s (attempt %s): %w", a.Token, claim.Address, attemptID, err)
			}
			if err := w.cfg.Client.AwaitReceipt(ctx, hash); err != nil {
				metrics.TransfersTotal.WithLabelValues(a.Token, "error").Inc()
				metrics.DisbursementsTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("failed to confirm %s transfer %s (attempt %s): %w", a.Token, hash, attemptID, err)
			}
			metrics.TransfersTotal.WithLabelValues(a.Token, "ok").Inc()
			w.log.Debug("worker: transfer confirmed", "ticket", tkt, "token", a.Token, "tx", hash, "attempt", attemptID)
		}
	}

	// Every transfer confirmed: only now does the queue advance and the
	// address become used.
	if err := w.cfg.State.CommitDisbursed(tkt); err != nil {
		return err
	}
	if err := w.snapshot(); err != nil {
		return err
	}

	metrics.DisbursementsTotal.WithLabelValues("ok").Inc()
	metrics.DisbursementDuration.Observe(w.cfg.Clock.Since(start).Seconds())

	switch w.cfg.State.Mode() {
	case state.ModeAllow:
		w.log.Info("worker: withdrawal allowed", "ticket", tkt, "address", claim.Address)
		go w.cfg.Notifier.Notify(ctx, fmt.Sprintf("Faucet: withdrawal allowed for %s", claim.Address))
	default:
		w.log.Info("worker: funds transferred", "ticket", tkt, "address", claim.Address, "attempt", attemptID)
		go w.cfg.Notifier.Notify(ctx, fmt.Sprintf("Faucet: funds transferred to %s", claim.Address))
	}
	return nil
}

func (w *Worker) snapshot() error {
	if w.cfg.SnapshotPath == "" {
		return nil
	}
	if err := w.cfg.State.Snapshot(w.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return nil
}
