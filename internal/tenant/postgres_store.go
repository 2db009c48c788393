package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectTenant = `
	SELECT id, name, tier, COALESCE(api_key_hash, ''), rate_limit, active, created_at
	FROM tenants
`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Tier, &t.KeyHash, &t.RateLimit, &t.Active, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return scanTenant(s.db.QueryRow(ctx, selectTenant+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetByKeyHash(ctx context.Context, keyHash string) (*Tenant, error) {
	return scanTenant(s.db.QueryRow(ctx, selectTenant+` WHERE api_key_hash = $1`, keyHash))
}

func (s *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	if t.ID == "" || t.Tier == "" {
		return fmt.Errorf("tenant id and tier are required")
	}

	query := `
		INSERT INTO tenants (id, name, tier, api_key_hash, rate_limit, active)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		RETURNING created_at
	`
	err := s.db.QueryRow(ctx, query, t.ID, t.Name, t.Tier, t.KeyHash, t.RateLimit, t.Active).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}
