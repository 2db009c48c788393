package rollout

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Lookup(ctx context.Context, workUnitID string) (*Assignment, bool, error) {
	query := `
		SELECT work_unit_id, bucket, percent_at_assignment, assigned_at
		FROM traffic_assignments
		WHERE work_unit_id = $1
	`
	var a Assignment
	var bucket string
	err := s.db.QueryRow(ctx, query, workUnitID).Scan(&a.WorkUnitID, &bucket, &a.PercentAtAssignment, &a.AssignedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get traffic assignment: %w", err)
	}
	a.Bucket = Bucket(bucket)
	return &a, true, nil
}

// Assign inserts without overwriting and reads back, so concurrent first
// assignments of one work unit all see the row that won.
func (s *PostgresStore) Assign(ctx context.Context, a *Assignment) (*Assignment, error) {
	query := `
		INSERT INTO traffic_assignments (work_unit_id, bucket, percent_at_assignment, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (work_unit_id) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, query, a.WorkUnitID, string(a.Bucket), a.PercentAtAssignment, a.AssignedAt); err != nil {
		return nil, fmt.Errorf("failed to insert traffic assignment: %w", err)
	}

	stored, ok, err := s.Lookup(ctx, a.WorkUnitID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("traffic assignment %s vanished after insert", a.WorkUnitID)
	}
	return stored, nil
}

const selectConfig = `
	SELECT traffic_percent, shadow_mode, updated_by, reason, updated_at
	FROM rollout_config
	WHERE id = 1
`

func scanConfig(row pgx.Row) (*Config, error) {
	var c Config
	if err := row.Scan(&c.TrafficPercent, &c.ShadowMode, &c.UpdatedBy, &c.Reason, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) Config(ctx context.Context) (*Config, error) {
	c, err := scanConfig(s.db.QueryRow(ctx, selectConfig))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to get rollout config: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateConfig(ctx context.Context, fn func(*Config) (*AuditEntry, error)) (*Config, error) {
	var out *Config
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO rollout_config (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
			return fmt.Errorf("failed to create rollout config: %w", err)
		}

		cfg, err := scanConfig(tx.QueryRow(ctx, selectConfig+" FOR UPDATE"))
		if err != nil {
			return fmt.Errorf("failed to lock rollout config: %w", err)
		}

		entry, err := fn(cfg)
		if err != nil {
			return err
		}

		update := `
			UPDATE rollout_config
			SET traffic_percent = $1, shadow_mode = $2, updated_by = $3, reason = $4, updated_at = $5
			WHERE id = 1
		`
		if _, err := tx.Exec(ctx, update, cfg.TrafficPercent, cfg.ShadowMode, cfg.UpdatedBy, cfg.Reason, cfg.UpdatedAt); err != nil {
			return fmt.Errorf("failed to update rollout config: %w", err)
		}

		audit := `
			INSERT INTO rollout_audit (id, action, old_percent, new_percent, old_shadow, new_shadow, actor, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		_, err = tx.Exec(ctx, audit,
			entry.ID, string(entry.Action), entry.OldPercent, entry.NewPercent,
			entry.OldShadow, entry.NewShadow, entry.Actor, entry.Reason, entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert rollout audit entry: %w", err)
		}

		out = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) AuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, old_percent, new_percent, old_shadow, new_shadow, actor, reason, created_at
		FROM rollout_audit
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollout audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var action string
		err := rows.Scan(&e.ID, &action, &e.OldPercent, &e.NewPercent, &e.OldShadow, &e.NewShadow, &e.Actor, &e.Reason, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollout audit entry: %w", err)
		}
		e.Action = Action(action)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollout audit: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) AppendShadow(ctx context.Context, c *ShadowComparison) error {
	query := `
		INSERT INTO shadow_comparisons (
			id, work_unit_id, tenant_id, governed_output, baseline_output,
			governed_cost, model, governed_error, matched, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.Exec(ctx, query,
		c.ID, c.WorkUnitID, c.TenantID, c.GovernedOutput, c.BaselineOutput,
		c.GovernedCost, c.Model, c.GovernedError, c.Matched, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert shadow comparison: %w", err)
	}
	return nil
}

func (s *PostgresStore) ShadowLog(ctx context.Context, limit int) ([]*ShadowComparison, error) {
	query := `
		SELECT id, work_unit_id, tenant_id, governed_output, baseline_output,
		       governed_cost::float8, model, governed_error, matched, created_at
		FROM shadow_comparisons
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query shadow comparisons: %w", err)
	}
	defer rows.Close()

	var out []*ShadowComparison
	for rows.Next() {
		var c ShadowComparison
		err := rows.Scan(&c.ID, &c.WorkUnitID, &c.TenantID, &c.GovernedOutput, &c.BaselineOutput,
			&c.GovernedCost, &c.Model, &c.GovernedError, &c.Matched, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan shadow comparison: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shadow comparisons: %w", err)
	}
	return out, nil
}
