// Package state owns the faucet's in-memory source of truth: the claim
// store, the FIFO dispatch queue, and the used-address set. All mutation
// goes through one mutex so the dispatch-readiness check and enqueue are
// atomic with respect to concurrent producer upserts.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/driftlabs/faucet/pkg/metrics"
)

// Mode selects the terminal action applied once a ticket's disbursement
// completes.
type Mode string

const (
	// ModeTransfer marks the recipient address used after the worker has
	// pushed funds to it.
	ModeTransfer Mode = "transfer"
	// ModeAllow grants the recipient a withdrawal permission instead of
	// pushing funds; fund movement happens out of band.
	ModeAllow Mode = "allow"
)

// Readiness selects the predicate that promotes a claim to the dispatch
// queue.
type Readiness string

const (
	// ReadyOnAddress promotes a claim as soon as its address is known.
	ReadyOnAddress Readiness = "address"
	// ReadyOnProof additionally requires external proof (a social post
	// reference) before promoting.
	ReadyOnProof Readiness = "address+proof"
)

// Claim is one recipient's eligibility record, keyed by ticket.
type Claim struct {
	Address     string `json:"address,omitempty"`
	DisplayName string `json:"name,omitempty"`
	ExternalID  string `json:"id_str,omitempty"`
	Sent        bool   `json:"sent,omitempty"`
}

type Config struct {
	Logger    *slog.Logger
	Mode      Mode
	Readiness Readiness
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeTransfer
	}
	if cfg.Mode != ModeTransfer && cfg.Mode != ModeAllow {
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.Readiness == "" {
		cfg.Readiness = ReadyOnAddress
	}
	if cfg.Readiness != ReadyOnAddress && cfg.Readiness != ReadyOnProof {
		return fmt.Errorf("unknown readiness %q", cfg.Readiness)
	}
	return nil
}

// State holds the claim store, dispatch queue, and used-address set as one
// critical section. The queued set mirrors queue membership for O(1)
// at-most-once enqueue checks.
type State struct {
	log *slog.Logger
	cfg Config

	mu     sync.Mutex
	claims map[string]Claim
	queue  []string
	queued map[string]struct{}
	used   map[string]bool
}

func New(cfg Config) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &State{
		log:    cfg.Logger,
		cfg:    cfg,
		claims: make(map[string]Claim),
		queued: make(map[string]struct{}),
		used:   make(map[string]bool),
	}, nil
}

// Mode returns the configured terminal mode.
func (s *State) Mode() Mode {
	return s.cfg.Mode
}

// UpsertClaim merges the non-empty fields of partial into the claim for
// ticket, creating it if absent. Later writes fill in missing fields and
// never erase known ones.
func (s *State) UpsertClaim(tkt string, partial Claim) Claim {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.claims[tkt]
	if partial.Address != "" {
		c.Address = NormalizeAddress(partial.Address)
	}
	if partial.DisplayName != "" {
		c.DisplayName = partial.DisplayName
	}
	if partial.ExternalID != "" {
		c.ExternalID = partial.ExternalID
	}
	s.claims[tkt] = c
	return c
}

// Claim returns the claim for ticket, if known.
func (s *State) Claim(tkt string) (Claim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[tkt]
	return c, ok
}

// PromoteIfReady enqueues ticket for disbursement iff its claim is
// dispatch-ready: the readiness predicate holds, the claim is not already
// sent, its address has not already been paid, and the ticket is not
// already queued. The check and the enqueue happen under one lock.
func (s *State) PromoteIfReady(tkt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[tkt]
	if !ok || c.Sent {
		return false
	}
	if c.Address == "" {
		return false
	}
	if s.cfg.Readiness == ReadyOnProof && c.ExternalID == "" {
		return false
	}
	if s.used[c.Address] {
		return false
	}
	return s.enqueueIfAbsentLocked(tkt)
}

// EnqueueIfAbsent appends ticket to the dispatch queue unless it is
// already present. Returns true if the ticket was enqueued.
func (s *State) EnqueueIfAbsent(tkt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueIfAbsentLocked(tkt)
}

func (s *State) enqueueIfAbsentLocked(tkt string) bool {
	if _, ok := s.queued[tkt]; ok {
		return false
	}
	s.queue = append(s.queue, tkt)
	s.queued[tkt] = struct{}{}
	metrics.QueueDepth.Set(float64(len(s.queue)))
	return true
}

// PeekFront returns the ticket at the front of the queue without removing
// it. The front entry stays visible until CommitDisbursed.
func (s *State) PeekFront() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	return s.queue[0], true
}

// CommitDisbursed records a confirmed disbursement for the front ticket:
// the claim is marked sent, its address joins the used set, and the ticket
// leaves the queue. Callers must only invoke this after every transfer for
// the ticket has confirmed.
func (s *State) CommitDisbursed(tkt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 || s.queue[0] != tkt {
		return fmt.Errorf("ticket %s is not at the front of the queue", tkt)
	}
	c, ok := s.claims[tkt]
	if !ok {
		return fmt.Errorf("ticket %s has no claim", tkt)
	}
	c.Sent = true
	s.claims[tkt] = c
	if c.Address != "" {
		s.used[c.Address] = true
	}
	s.popFrontLocked()
	return nil
}

// DropFront removes the front ticket without marking anything settled.
// Used only for dangling queue entries restored from a snapshot whose
// claim record is missing.
func (s *State) DropFront(tkt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.queue[0] != tkt {
		return fmt.Errorf("ticket %s is not at the front of the queue", tkt)
	}
	s.popFrontLocked()
	return nil
}

func (s *State) popFrontLocked() {
	tkt := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, tkt)
	metrics.QueueDepth.Set(float64(len(s.queue)))
}

// AddressUsed reports whether addr has already been settled. Membership is
// monotonic: once used, always used.
func (s *State) AddressUsed(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[NormalizeAddress(addr)]
}

// WithdrawAllowed reports whether addr may withdraw. Only meaningful in
// ModeAllow, where the worker grants permission instead of pushing funds.
func (s *State) WithdrawAllowed(addr string) bool {
	return s.AddressUsed(addr)
}

// QueueLen returns the number of tickets awaiting disbursement.
func (s *State) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NormalizeAddress canonicalizes a recipient address: trimmed and
// lowercased. All address comparisons in the faucet use this form.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
