// Package rollout assigns work units to the governed or baseline execution
// path and lets operators move traffic between them.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

var (
	ErrInvalidPercent  = errors.New("traffic percent must be between 0 and 100")
	ErrMissingWorkUnit = errors.New("work unit id is required")
)

type Bucket string

const (
	BucketGoverned Bucket = "governed"
	BucketBaseline Bucket = "baseline"
)

type Assignment struct {
	WorkUnitID          string    `json:"work_unit_id"`
	Bucket              Bucket    `json:"bucket"`
	PercentAtAssignment int       `json:"percent_at_assignment"`
	AssignedAt          time.Time `json:"assigned_at"`
}

type Config struct {
	TrafficPercent int       `json:"traffic_percent"`
	ShadowMode     bool      `json:"shadow_mode"`
	UpdatedBy      string    `json:"updated_by"`
	Reason         string    `json:"reason"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

type Action string

const (
	ActionSetPercent Action = "set_percent"
	ActionRollback   Action = "rollback"
	ActionShadowMode Action = "shadow_mode"
)

type AuditEntry struct {
	ID         string    `json:"id"`
	Action     Action    `json:"action"`
	OldPercent int       `json:"old_percent"`
	NewPercent int       `json:"new_percent"`
	OldShadow  bool      `json:"old_shadow"`
	NewShadow  bool      `json:"new_shadow"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

type ShadowComparison struct {
	ID             string    `json:"id"`
	WorkUnitID     string    `json:"work_unit_id"`
	TenantID       string    `json:"tenant_id"`
	GovernedOutput string    `json:"governed_output"`
	BaselineOutput string    `json:"baseline_output"`
	GovernedCost   float64   `json:"governed_cost"`
	Model          string    `json:"model"`
	GovernedError  string    `json:"governed_error,omitempty"`
	Matched        bool      `json:"matched"`
	CreatedAt      time.Time `json:"created_at"`
}

type Store interface {
	Lookup(ctx context.Context, workUnitID string) (*Assignment, bool, error)
	// Assign stores a if no assignment exists for its work unit and
	// returns whichever assignment is stored afterwards.
	Assign(ctx context.Context, a *Assignment) (*Assignment, error)

	Config(ctx context.Context) (*Config, error)
	// UpdateConfig applies fn to the current config and appends the audit
	// entry it returns, atomically with respect to other updates.
	UpdateConfig(ctx context.Context, fn func(*Config) (*AuditEntry, error)) (*Config, error)
	AuditLog(ctx context.Context, limit int) ([]*AuditEntry, error)

	AppendShadow(ctx context.Context, c *ShadowComparison) error
	ShadowLog(ctx context.Context, limit int) ([]*ShadowComparison, error)
}

// BucketFor is the stateless bucketing rule: a work unit is governed when
// its hash falls below percent.
func BucketFor(workUnitID string, percent int) Bucket {
	if xxhash.Sum64String(workUnitID)%100 < uint64(percent) {
		return BucketGoverned
	}
	return BucketBaseline
}

// Splitter pins each work unit to the bucket it was first assigned.
type Splitter struct {
	store Store
	now   func() time.Time
}

func NewSplitter(store Store) *Splitter {
	return &Splitter{store: store, now: time.Now}
}

func (s *Splitter) Assign(ctx context.Context, workUnitID string) (*Assignment, error) {
	if workUnitID == "" {
		return nil, ErrMissingWorkUnit
	}

	a, ok, err := s.store.Lookup(ctx, workUnitID)
	if err != nil {
		return nil, fmt.Errorf("lookup assignment: %w", err)
	}
	if ok {
		return a, nil
	}

	cfg, err := s.store.Config(ctx)
	if err != nil {
		return nil, fmt.Errorf("get rollout config: %w", err)
	}

	a, err = s.store.Assign(ctx, &Assignment{
		WorkUnitID:          workUnitID,
		Bucket:              BucketFor(workUnitID, cfg.TrafficPercent),
		PercentAtAssignment: cfg.TrafficPercent,
		AssignedAt:          s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("store assignment: %w", err)
	}
	return a, nil
}

// Controller changes the rollout configuration. Changes apply to work units
// assigned afterwards; calls already running are left alone.
type Controller struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewController(store Store, logger *slog.Logger) *Controller {
	return &Controller{store: store, logger: logger, now: time.Now}
}

func (c *Controller) Config(ctx context.Context) (*Config, error) {
	return c.store.Config(ctx)
}

func (c *Controller) update(ctx context.Context, action Action, actor, reason string, apply func(*Config)) (*Config, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate audit id: %w", err)
	}

	cfg, err := c.store.UpdateConfig(ctx, func(cfg *Config) (*AuditEntry, error) {
		entry := &AuditEntry{
			ID:         id.String(),
			Action:     action,
			OldPercent: cfg.TrafficPercent,
			OldShadow:  cfg.ShadowMode,
			Actor:      actor,
			Reason:     reason,
			CreatedAt:  c.now().UTC(),
		}
		apply(cfg)
		cfg.UpdatedBy = actor
		cfg.Reason = reason
		cfg.UpdatedAt = entry.CreatedAt
		entry.NewPercent = cfg.TrafficPercent
		entry.NewShadow = cfg.ShadowMode
		return entry, nil
	})
	if err != nil {
		return nil, fmt.Errorf("update rollout config: %w", err)
	}

	c.logger.Info("rollout config changed",
		"action", action, "traffic_percent", cfg.TrafficPercent,
		"shadow_mode", cfg.ShadowMode, "actor", actor, "reason", reason)
	return cfg, nil
}

func (c *Controller) SetTrafficPercent(ctx context.Context, percent int, actor, reason string) (*Config, error) {
	if percent < 0 || percent > 100 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPercent, percent)
	}
	return c.update(ctx, ActionSetPercent, actor, reason, func(cfg *Config) {
		cfg.TrafficPercent = percent
	})
}

// Rollback sends all new work units to the baseline path.
func (c *Controller) Rollback(ctx context.Context, actor, reason string) (*Config, error) {
	return c.update(ctx, ActionRollback, actor, reason, func(cfg *Config) {
		cfg.TrafficPercent = 0
	})
}

func (c *Controller) SetShadowMode(ctx context.Context, on bool, actor, reason string) (*Config, error) {
	return c.update(ctx, ActionShadowMode, actor, reason, func(cfg *Config) {
		cfg.ShadowMode = on
	})
}

func (c *Controller) AuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	return c.store.AuditLog(ctx, limit)
}

func (c *Controller) LogShadow(ctx context.Context, cmp *ShadowComparison) error {
	if cmp.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate comparison id: %w", err)
		}
		cmp.ID = id.String()
	}
	if cmp.CreatedAt.IsZero() {
		cmp.CreatedAt = c.now().UTC()
	}
	if err := c.store.AppendShadow(ctx, cmp); err != nil {
		return fmt.Errorf("log shadow comparison: %w", err)
	}
	return nil
}

func (c *Controller) ShadowLog(ctx context.Context, limit int) ([]*ShadowComparison, error) {
	return c.store.ShadowLog(ctx, limit)
}
