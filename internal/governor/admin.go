package governor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-governor/internal/anomaly"
	"github.com/vnmchuo/llm-governor/internal/cache"
	"github.com/vnmchuo/llm-governor/internal/circuit"
	"github.com/vnmchuo/llm-governor/internal/ledger"
	"github.com/vnmchuo/llm-governor/internal/rollout"
)

const metricsLogLimit = 50

type Metrics struct {
	CostByOperation map[string]float64          `json:"cost_by_operation"`
	Cache           cache.Stats                 `json:"cache"`
	AverageTurns    float64                     `json:"average_turns"`
	Rollout         *rollout.Config             `json:"rollout"`
	AuditLog        []*rollout.AuditEntry       `json:"audit_log"`
	ShadowLog       []*rollout.ShadowComparison `json:"shadow_log"`
	Anomalies       []*anomaly.Flag             `json:"anomalies"`
}

// Metrics gathers today's admin view. The sources are read concurrently.
func (g *Governor) Metrics(ctx context.Context) (*Metrics, error) {
	m := &Metrics{}
	if g.Cache != nil {
		m.Cache = g.Cache.Stats()
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		m.CostByOperation, err = g.Ledger.CostByOperation(ctx)
		return err
	})
	eg.Go(func() (err error) {
		m.AverageTurns, err = g.Ledger.AverageTurns(ctx)
		return err
	})
	eg.Go(func() (err error) {
		m.Rollout, err = g.Rollout.Config(ctx)
		return err
	})
	eg.Go(func() (err error) {
		m.AuditLog, err = g.Rollout.AuditLog(ctx, metricsLogLimit)
		return err
	})
	eg.Go(func() (err error) {
		m.ShadowLog, err = g.Rollout.ShadowLog(ctx, metricsLogLimit)
		return err
	})
	if g.Detector != nil {
		eg.Go(func() (err error) {
			m.Anomalies, err = g.Detector.Flags(ctx, metricsLogLimit)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	return m, nil
}

func (g *Governor) BudgetStatus(ctx context.Context, tenantID string) (*ledger.BudgetStatus, error) {
	tier, err := g.tierFor(ctx, Task{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return g.Ledger.Status(ctx, tenantID, tier)
}

func (g *Governor) SetTrafficPercent(ctx context.Context, percent int, actor, reason string) (*rollout.Config, error) {
	return g.Rollout.SetTrafficPercent(ctx, percent, actor, reason)
}

func (g *Governor) Rollback(ctx context.Context, actor, reason string) (*rollout.Config, error) {
	return g.Rollout.Rollback(ctx, actor, reason)
}

func (g *Governor) SetShadowMode(ctx context.Context, on bool, actor, reason string) (*rollout.Config, error) {
	return g.Rollout.SetShadowMode(ctx, on, actor, reason)
}

func (g *Governor) RolloutConfig(ctx context.Context) (*rollout.Config, error) {
	return g.Rollout.Config(ctx)
}

func (g *Governor) CircuitState(ctx context.Context, tenantID string) (*circuit.State, error) {
	return g.Breaker.State(ctx, tenantID)
}

// AcknowledgePause lifts an organization-wide pause.
func (g *Governor) AcknowledgePause(ctx context.Context, actor string) error {
	return g.Breaker.Acknowledge(ctx, actor)
}
