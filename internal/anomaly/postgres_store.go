package anomaly

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, f *Flag) (bool, error) {
	query := `
		INSERT INTO anomaly_flags (id, scope, reference_id, observed_value, threshold, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope, reference_id) DO NOTHING
	`
	tag, err := s.db.Exec(ctx, query, f.ID, string(f.Scope), f.ReferenceID, f.ObservedValue, f.Threshold, f.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert anomaly flag: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Seen(ctx context.Context, scope Scope, referenceID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM anomaly_flags WHERE scope = $1 AND reference_id = $2)`
	var seen bool
	if err := s.db.QueryRow(ctx, query, string(scope), referenceID).Scan(&seen); err != nil {
		return false, fmt.Errorf("failed to check anomaly flag: %w", err)
	}
	return seen, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*Flag, error) {
	query := `
		SELECT id, scope, reference_id, observed_value::float8, threshold::float8, created_at
		FROM anomaly_flags
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomaly flags: %w", err)
	}
	defer rows.Close()

	var flags []*Flag
	for rows.Next() {
		var f Flag
		var scope string
		if err := rows.Scan(&f.ID, &scope, &f.ReferenceID, &f.ObservedValue, &f.Threshold, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly flag: %w", err)
		}
		f.Scope = Scope(scope)
		flags = append(flags, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating anomaly flags: %w", err)
	}
	return flags, nil
}
