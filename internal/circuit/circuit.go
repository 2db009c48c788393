// Package circuit isolates failing or over-budget tenants. Each tenant has
// a CLOSED/OPEN/HALF_OPEN state row, and an organization-wide row pauses
// every tenant at once until an operator acknowledges it.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vnmchuo/llm-governor/internal/policy"
)

var ErrCircuitOpen = errors.New("circuit open")

// errStale aborts an Update without writing.
var errStale = errors.New("stale outcome")

// OrganizationID is the state row that pauses all tenants.
const OrganizationID = "*"

type Status string

const (
	StatusClosed   Status = "CLOSED"
	StatusOpen     Status = "OPEN"
	StatusHalfOpen Status = "HALF_OPEN"
)

type Reason string

const (
	ReasonNone     Reason = "none"
	ReasonBudget   Reason = "budget"
	ReasonFailures Reason = "failures"
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeNeutral is an outcome that says nothing about provider health,
	// such as output failing validation.
	OutcomeNeutral
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "neutral"
	}
}

type State struct {
	TenantID            string    `json:"tenant_id"`
	Status              Status    `json:"status"`
	Reason              Reason    `json:"reason"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TrialInFlight       bool      `json:"trial_in_flight"`
	// Generation advances on every status change. Outcomes carry the
	// generation they were admitted under.
	Generation          int64     `json:"generation"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
	UpdatedAt           time.Time `json:"updated_at,omitzero"`
}

// Closed is the state of a tenant that has never tripped.
func Closed(tenantID string) *State {
	return &State{TenantID: tenantID, Status: StatusClosed, Reason: ReasonNone}
}

// Ticket identifies an admitted call to RecordOutcome.
type Ticket struct {
	Generation int64
	// Trial is set for the single call admitted in HALF_OPEN.
	Trial bool
}

type Store interface {
	Get(ctx context.Context, tenantID string) (*State, error)
	// Update runs fn on the current state under an exclusive lock and
	// persists the result. Nothing is written when fn returns an error.
	Update(ctx context.Context, tenantID string, fn func(*State) error) (*State, error)
}

type Breaker struct {
	store  Store
	policy policy.Source
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, source policy.Source, logger *slog.Logger) *Breaker {
	return &Breaker{store: store, policy: source, logger: logger, now: time.Now}
}

func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Admit decides whether a call for tenantID may contact the provider. After
// the cooldown the first caller becomes the single HALF_OPEN trial; everyone
// else is refused until that trial reports its outcome.
func (b *Breaker) Admit(ctx context.Context, tenantID string) (Ticket, error) {
	org, err := b.store.Get(ctx, OrganizationID)
	if err != nil {
		return Ticket{}, fmt.Errorf("get organization circuit: %w", err)
	}
	if org.Status == StatusOpen {
		return Ticket{}, fmt.Errorf("%w: organization paused", ErrCircuitOpen)
	}

	var ticket Ticket
	_, err = b.store.Update(ctx, tenantID, func(s *State) error {
		now := b.now()
		switch s.Status {
		case StatusOpen:
			if now.Before(s.CooldownUntil) {
				return fmt.Errorf("%w: %s until %s", ErrCircuitOpen, s.Reason, s.CooldownUntil.Format(time.RFC3339))
			}
			b.transition(s, StatusHalfOpen)
			s.TrialInFlight = true
			s.UpdatedAt = now
			ticket.Trial = true
			b.logger.Info("circuit half-open, admitting trial", "tenant_id", tenantID, "reason", s.Reason)
		case StatusHalfOpen:
			if s.TrialInFlight {
				return fmt.Errorf("%w: trial in flight", ErrCircuitOpen)
			}
			s.TrialInFlight = true
			s.UpdatedAt = now
			ticket.Trial = true
		}
		ticket.Generation = s.Generation
		return nil
	})
	if err != nil {
		return Ticket{}, err
	}
	return ticket, nil
}

// RecordOutcome reports how an admitted call ended. It must be called
// exactly once per admitted call, except that a budget rejection reports
// through TripBudget instead. Outcomes from a generation the circuit has
// since left are dropped, so only the trial decides a HALF_OPEN circuit.
func (b *Breaker) RecordOutcome(ctx context.Context, tenantID string, ticket Ticket, outcome Outcome) error {
	p := b.policy.Current()
	_, err := b.store.Update(ctx, tenantID, func(s *State) error {
		if ticket.Generation != s.Generation || (s.Status == StatusHalfOpen && !ticket.Trial) {
			b.logger.Debug("stale circuit outcome ignored",
				"tenant_id", tenantID, "outcome", outcome,
				"generation", ticket.Generation, "current_generation", s.Generation)
			return errStale
		}
		now := b.now()
		s.UpdatedAt = now

		switch outcome {
		case OutcomeSuccess:
			if s.Status == StatusHalfOpen {
				b.logger.Info("circuit closed after successful trial", "tenant_id", tenantID)
				b.transition(s, StatusClosed)
				s.Reason = ReasonNone
				s.TrialInFlight = false
				s.OpenedAt = time.Time{}
				s.CooldownUntil = time.Time{}
			}
			if s.Status == StatusClosed {
				s.ConsecutiveFailures = 0
			}

		case OutcomeFailure:
			s.ConsecutiveFailures++
			switch s.Status {
			case StatusHalfOpen:
				b.open(s, ReasonFailures, now, p.CircuitCooldown())
				b.logger.Warn("circuit reopened after failed trial", "tenant_id", tenantID, "cooldown_until", s.CooldownUntil)
			case StatusClosed:
				if s.ConsecutiveFailures >= p.CircuitFailureThreshold {
					b.open(s, ReasonFailures, now, p.CircuitCooldown())
					b.logger.Warn("circuit opened",
						"tenant_id", tenantID, "reason", ReasonFailures,
						"consecutive_failures", s.ConsecutiveFailures, "cooldown_until", s.CooldownUntil)
				}
			}

		case OutcomeNeutral:
			if s.Status == StatusHalfOpen {
				s.TrialInFlight = false
			}
		}
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	return err
}

// TripBudget opens the tenant's circuit the moment its budget is exhausted.
func (b *Breaker) TripBudget(ctx context.Context, tenantID string) error {
	p := b.policy.Current()
	_, err := b.store.Update(ctx, tenantID, func(s *State) error {
		now := b.now()
		b.open(s, ReasonBudget, now, p.CircuitCooldown())
		s.UpdatedAt = now
		b.logger.Warn("circuit opened", "tenant_id", tenantID, "reason", ReasonBudget, "cooldown_until", s.CooldownUntil)
		return nil
	})
	return err
}

func (b *Breaker) transition(s *State, status Status) {
	s.Status = status
	s.Generation++
}

func (b *Breaker) open(s *State, reason Reason, now time.Time, cooldown time.Duration) {
	b.transition(s, StatusOpen)
	s.Reason = reason
	s.TrialInFlight = false
	s.OpenedAt = now
	s.CooldownUntil = now.Add(cooldown)
}

// PauseOrganization opens the organization-wide circuit. It stays open
// until Acknowledge. The returned bool is false when it was already paused.
func (b *Breaker) PauseOrganization(ctx context.Context, detail string) (bool, error) {
	paused := false
	_, err := b.store.Update(ctx, OrganizationID, func(s *State) error {
		if s.Status == StatusOpen {
			return nil
		}
		now := b.now()
		b.transition(s, StatusOpen)
		s.Reason = ReasonBudget
		s.OpenedAt = now
		s.CooldownUntil = time.Time{}
		s.UpdatedAt = now
		paused = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if paused {
		b.logger.Error("organization paused", "detail", detail)
	}
	return paused, nil
}

// Acknowledge clears an organization pause.
func (b *Breaker) Acknowledge(ctx context.Context, actor string) error {
	_, err := b.store.Update(ctx, OrganizationID, func(s *State) error {
		generation := s.Generation
		*s = *Closed(OrganizationID)
		s.Generation = generation + 1
		s.UpdatedAt = b.now()
		return nil
	})
	if err != nil {
		return err
	}
	b.logger.Warn("organization pause acknowledged", "actor", actor)
	return nil
}

func (b *Breaker) State(ctx context.Context, tenantID string) (*State, error) {
	return b.store.Get(ctx, tenantID)
}
