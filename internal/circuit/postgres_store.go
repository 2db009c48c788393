package circuit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore serializes transitions with SELECT ... FOR UPDATE so every
// replica sees a single authoritative row per tenant.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectState = `
	SELECT tenant_id, status, reason, consecutive_failures, trial_in_flight, generation,
	       opened_at, cooldown_until, updated_at
	FROM circuit_states
	WHERE tenant_id = $1
`

func scanState(row pgx.Row) (*State, error) {
	var s State
	var openedAt, cooldownUntil *time.Time
	err := row.Scan(
		&s.TenantID, &s.Status, &s.Reason, &s.ConsecutiveFailures, &s.TrialInFlight, &s.Generation,
		&openedAt, &cooldownUntil, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if openedAt != nil {
		s.OpenedAt = *openedAt
	}
	if cooldownUntil != nil {
		s.CooldownUntil = *cooldownUntil
	}
	return &s, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *PostgresStore) Get(ctx context.Context, tenantID string) (*State, error) {
	s, err := scanState(p.db.QueryRow(ctx, selectState, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Closed(tenantID), nil
		}
		return nil, fmt.Errorf("failed to get circuit state: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Update(ctx context.Context, tenantID string, fn func(*State) error) (*State, error) {
	var out *State
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO circuit_states (tenant_id) VALUES ($1)
			ON CONFLICT (tenant_id) DO NOTHING
		`, tenantID)
		if err != nil {
			return fmt.Errorf("failed to create circuit state: %w", err)
		}

		s, err := scanState(tx.QueryRow(ctx, selectState+" FOR UPDATE", tenantID))
		if err != nil {
			return fmt.Errorf("failed to lock circuit state: %w", err)
		}

		if err := fn(s); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE circuit_states
			SET status = $2, reason = $3, consecutive_failures = $4, trial_in_flight = $5,
			    generation = $6, opened_at = $7, cooldown_until = $8, updated_at = NOW()
			WHERE tenant_id = $1
		`, tenantID, s.Status, s.Reason, s.ConsecutiveFailures, s.TrialInFlight,
			s.Generation, nullTime(s.OpenedAt), nullTime(s.CooldownUntil))
		if err != nil {
			return fmt.Errorf("failed to update circuit state: %w", err)
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
