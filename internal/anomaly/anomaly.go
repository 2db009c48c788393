// Package anomaly flags unusual spend. Flags are informational; the one
// blocking effect is the organization-wide pause at the critical threshold.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-governor/internal/ledger"
	"github.com/vnmchuo/llm-governor/internal/policy"
)

type Scope string

const (
	ScopeCall        Scope = "call"
	ScopeDailyTrend  Scope = "daily_trend"
	ScopeOrgWarning  Scope = "org_warning"
	ScopeOrgCritical Scope = "org_critical"
)

type Flag struct {
	ID            string    `json:"id"`
	Scope         Scope     `json:"scope"`
	ReferenceID   string    `json:"reference_id"`
	ObservedValue float64   `json:"observed_value"`
	Threshold     float64   `json:"threshold"`
	CreatedAt     time.Time `json:"created_at"`
}

type Store interface {
	// Append stores f unless a flag with the same scope and reference
	// exists. It reports whether f was stored.
	Append(ctx context.Context, f *Flag) (bool, error)
	// Seen reports whether a flag with this scope and reference exists.
	Seen(ctx context.Context, scope Scope, referenceID string) (bool, error)
	Recent(ctx context.Context, limit int) ([]*Flag, error)
}

// Spend is the ledger view the detector reads.
type Spend interface {
	TrailingSpend(ctx context.Context, tenantID string, days int) (float64, []float64, error)
	OrgSpendToday(ctx context.Context) (float64, error)
	Today() time.Time
}

// Pauser stops spend for every tenant.
type Pauser interface {
	PauseOrganization(ctx context.Context, detail string) (bool, error)
}

type Detector struct {
	store    Store
	spend    Spend
	pauser   Pauser
	notifier Notifier
	policy   policy.Source
	logger   *slog.Logger
	now      func() time.Time
}

func NewDetector(store Store, spend Spend, pauser Pauser, notifier Notifier, source policy.Source, logger *slog.Logger) *Detector {
	return &Detector{
		store:    store,
		spend:    spend,
		pauser:   pauser,
		notifier: notifier,
		policy:   source,
		logger:   logger,
		now:      time.Now,
	}
}

func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// raise stores a flag. It returns nil when the same scope and reference
// was already flagged, so only one caller notifies.
func (d *Detector) raise(ctx context.Context, scope Scope, ref string, observed, threshold float64) (*Flag, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate flag id: %w", err)
	}
	f := &Flag{
		ID:            id.String(),
		Scope:         scope,
		ReferenceID:   ref,
		ObservedValue: ledger.Round(observed),
		Threshold:     ledger.Round(threshold),
		CreatedAt:     d.now().UTC(),
	}
	stored, err := d.store.Append(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("append anomaly flag: %w", err)
	}
	if !stored {
		return nil, nil
	}
	return f, nil
}

func (d *Detector) notify(ctx context.Context, level Level, f *Flag, message string) {
	n := Notification{Level: level, Flag: *f, Message: message}
	if err := d.notifier.Notify(ctx, n); err != nil {
		d.logger.Warn("anomaly notification failed", "scope", f.Scope, "error", err)
	}
}

// Evaluate flags a single call whose cost exceeds per_call_warn_threshold.
func (d *Detector) Evaluate(ctx context.Context, rec *ledger.SpendRecord) (*Flag, error) {
	threshold := d.policy.Current().PerCallWarnThreshold
	if threshold <= 0 || rec.CostAmount <= threshold {
		return nil, nil
	}
	f, err := d.raise(ctx, ScopeCall, rec.CallID, rec.CostAmount, threshold)
	if err != nil || f == nil {
		return nil, err
	}
	d.notify(ctx, LevelWarning, f, fmt.Sprintf("call %s by tenant %s cost %.4f (threshold %.2f)",
		rec.CallID, rec.TenantID, rec.CostAmount, threshold))
	return f, nil
}

// EvaluateDailyTrend flags a tenant whose spend today exceeds
// trend_multiplier times its trailing daily average. A tenant with no spend
// in the window has no baseline and is not flagged. Each tenant is flagged
// at most once per day.
func (d *Detector) EvaluateDailyTrend(ctx context.Context, tenantID string) (*Flag, error) {
	p := d.policy.Current()
	today, history, err := d.spend.TrailingSpend(ctx, tenantID, p.TrendWindowDays)
	if err != nil {
		return nil, err
	}

	var sum float64
	for _, v := range history {
		sum += v
	}
	if sum == 0 || len(history) == 0 {
		return nil, nil
	}
	avg := sum / float64(len(history))
	threshold := avg * p.TrendMultiplier
	if today <= threshold {
		return nil, nil
	}

	ref := tenantID + ":" + d.spend.Today().Format(time.DateOnly)
	f, err := d.raise(ctx, ScopeDailyTrend, ref, today, threshold)
	if err != nil || f == nil {
		return nil, err
	}
	d.notify(ctx, LevelWarning, f, fmt.Sprintf("tenant %s spent %.2f today, %.0f%% of its %d-day average %.2f",
		tenantID, today, today/avg*100, p.TrendWindowDays, avg))
	return f, nil
}

// EvaluateOrganization compares today's organization-wide spend with the
// warning and critical thresholds. Crossing critical pauses every tenant.
// Each threshold fires once per day, so an acknowledged pause is not
// reinstated by the next call. The critical flag is only stored once the
// pause holds; a failed pause is retried on the next evaluation.
func (d *Detector) EvaluateOrganization(ctx context.Context) (*Flag, error) {
	p := d.policy.Current()
	total, err := d.spend.OrgSpendToday(ctx)
	if err != nil {
		return nil, err
	}

	var scope Scope
	var threshold float64
	var level Level
	switch {
	case p.OrgCriticalThreshold > 0 && total > p.OrgCriticalThreshold:
		scope, threshold, level = ScopeOrgCritical, p.OrgCriticalThreshold, LevelCritical
	case p.OrgWarningThreshold > 0 && total > p.OrgWarningThreshold:
		scope, threshold, level = ScopeOrgWarning, p.OrgWarningThreshold, LevelWarning
	default:
		return nil, nil
	}

	ref := d.spend.Today().Format(time.DateOnly)
	msg := fmt.Sprintf("organization spend %.2f crossed %s threshold %.2f", total, scope, threshold)

	if scope == ScopeOrgCritical {
		seen, err := d.store.Seen(ctx, scope, ref)
		if err != nil || seen {
			return nil, err
		}
		if _, err := d.pauser.PauseOrganization(ctx, msg); err != nil {
			return nil, fmt.Errorf("pause organization: %w", err)
		}
		msg += "; all tenants paused until acknowledged"
	}

	f, err := d.raise(ctx, scope, ref, total, threshold)
	if err != nil || f == nil {
		return nil, err
	}
	d.notify(ctx, level, f, msg)
	return f, nil
}

func (d *Detector) Flags(ctx context.Context, limit int) ([]*Flag, error) {
	return d.store.Recent(ctx, limit)
}
