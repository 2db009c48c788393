package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps budgets in daily_budgets and the append-only log in
// spend_records. The reservation check is a single conditional UPDATE, so
// the row lock taken by Postgres is the serialization point.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ensureRow(ctx context.Context, q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, tenantID string, date time.Time, limit float64) error {
	query := `
		INSERT INTO daily_budgets (tenant_id, budget_date, tier_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, budget_date) DO NOTHING
	`
	if _, err := q.Exec(ctx, query, tenantID, date, limit); err != nil {
		return fmt.Errorf("failed to create daily budget: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reserve(ctx context.Context, tenantID string, date time.Time, limit, amount float64) (*DailyBudget, error) {
	if err := s.ensureRow(ctx, s.db, tenantID, date, limit); err != nil {
		return nil, err
	}

	query := `
		UPDATE daily_budgets
		SET reserved_amount = reserved_amount + $3, tier_limit = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND budget_date = $2
		  AND spent_amount + reserved_amount + $3 <= $4
		RETURNING tier_limit, spent_amount, reserved_amount
	`
	b := DailyBudget{TenantID: tenantID, Date: date}
	err := s.db.QueryRow(ctx, query, tenantID, date, Round(amount), limit).
		Scan(&b.TierLimit, &b.SpentAmount, &b.ReservedAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, cerr := s.Budget(ctx, tenantID, date)
			if cerr != nil {
				return nil, cerr
			}
			return current, ErrBudgetExceeded
		}
		return nil, fmt.Errorf("failed to reserve budget: %w", err)
	}

	return &b, nil
}

func (s *PostgresStore) Commit(ctx context.Context, rec *SpendRecord, reserved float64) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		insert := `
			INSERT INTO spend_records (
				call_id, tenant_id, tier, model, input_tokens, output_tokens,
				cached_input_tokens, cached, cost_amount, operation, turns,
				budget_date, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`
		_, err := tx.Exec(ctx, insert,
			rec.CallID, rec.TenantID, rec.Tier, rec.Model, rec.InputTokens, rec.OutputTokens,
			rec.CachedInputTokens, rec.Cached, rec.CostAmount, rec.Operation, rec.Turns,
			rec.BudgetDate, rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert spend record: %w", err)
		}

		if err := s.ensureRow(ctx, tx, rec.TenantID, rec.BudgetDate, 0); err != nil {
			return err
		}

		update := `
			UPDATE daily_budgets
			SET spent_amount = spent_amount + $3,
			    reserved_amount = GREATEST(reserved_amount - $4, 0),
			    updated_at = NOW()
			WHERE tenant_id = $1 AND budget_date = $2
		`
		if _, err := tx.Exec(ctx, update, rec.TenantID, rec.BudgetDate, rec.CostAmount, Round(reserved)); err != nil {
			return fmt.Errorf("failed to apply spend: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Release(ctx context.Context, tenantID string, date time.Time, amount float64) error {
	query := `
		UPDATE daily_budgets
		SET reserved_amount = GREATEST(reserved_amount - $3, 0), updated_at = NOW()
		WHERE tenant_id = $1 AND budget_date = $2
	`
	if _, err := s.db.Exec(ctx, query, tenantID, date, Round(amount)); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Budget(ctx context.Context, tenantID string, date time.Time) (*DailyBudget, error) {
	query := `
		SELECT tier_limit, spent_amount, reserved_amount
		FROM daily_budgets
		WHERE tenant_id = $1 AND budget_date = $2
	`
	b := DailyBudget{TenantID: tenantID, Date: date}
	err := s.db.QueryRow(ctx, query, tenantID, date).Scan(&b.TierLimit, &b.SpentAmount, &b.ReservedAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &b, nil
		}
		return nil, fmt.Errorf("failed to get daily budget: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) Records(ctx context.Context, tenantID string, date time.Time) ([]*SpendRecord, error) {
	query := `
		SELECT call_id, tenant_id, tier, model, input_tokens, output_tokens,
		       cached_input_tokens, cached, cost_amount, operation, turns,
		       budget_date, created_at
		FROM spend_records
		WHERE tenant_id = $1 AND budget_date = $2
		ORDER BY created_at
	`
	rows, err := s.db.Query(ctx, query, tenantID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query spend records: %w", err)
	}
	defer rows.Close()

	var records []*SpendRecord
	for rows.Next() {
		var r SpendRecord
		err := rows.Scan(
			&r.CallID, &r.TenantID, &r.Tier, &r.Model, &r.InputTokens, &r.OutputTokens,
			&r.CachedInputTokens, &r.Cached, &r.CostAmount, &r.Operation, &r.Turns,
			&r.BudgetDate, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spend record: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spend records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) DailyTotals(ctx context.Context, tenantID string, from, to time.Time) (map[time.Time]float64, error) {
	query := `
		SELECT budget_date, spent_amount
		FROM daily_budgets
		WHERE tenant_id = $1 AND budget_date BETWEEN $2 AND $3
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[time.Time]float64)
	for rows.Next() {
		var date time.Time
		var spent float64
		if err := rows.Scan(&date, &spent); err != nil {
			return nil, fmt.Errorf("failed to scan daily total: %w", err)
		}
		totals[Day(date)] = spent
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily totals: %w", err)
	}
	return totals, nil
}

func (s *PostgresStore) OrgTotal(ctx context.Context, date time.Time) (float64, error) {
	query := `SELECT COALESCE(SUM(spent_amount), 0) FROM daily_budgets WHERE budget_date = $1`
	var total float64
	if err := s.db.QueryRow(ctx, query, date).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get org total: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) CostByOperation(ctx context.Context, date time.Time) (map[string]float64, error) {
	query := `
		SELECT operation, COALESCE(SUM(cost_amount), 0)
		FROM spend_records
		WHERE budget_date = $1
		GROUP BY operation
	`
	rows, err := s.db.Query(ctx, query, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost by operation: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var op string
		var total float64
		if err := rows.Scan(&op, &total); err != nil {
			return nil, fmt.Errorf("failed to scan cost by operation: %w", err)
		}
		out[op] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost by operation: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AverageTurns(ctx context.Context, date time.Time) (float64, error) {
	query := `SELECT COALESCE(AVG(turns), 0)::float8 FROM spend_records WHERE budget_date = $1`
	var avg float64
	if err := s.db.QueryRow(ctx, query, date).Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to get average turns: %w", err)
	}
	return avg, nil
}
