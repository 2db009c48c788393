// Package ledger records provider spend and enforces per-tenant daily
// budgets. Every check against the budget also places a hold for the
// projected cost, so concurrent callers can never jointly overshoot a cap.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-governor/internal/policy"
)

var (
	ErrBudgetExceeded = errors.New("daily budget exceeded")
	ErrUnknownTier    = errors.New("unknown tier")
)

// CachedInputDiscount is the fraction of the input rate charged for cached
// input tokens.
const CachedInputDiscount = 0.10

type SpendRecord struct {
	CallID            string
	TenantID          string
	Tier              string
	Model             string
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	Cached            bool
	CostAmount        float64
	Operation         string
	Turns             int
	BudgetDate        time.Time
	CreatedAt         time.Time
}

type DailyBudget struct {
	TenantID       string
	Date           time.Time
	TierLimit      float64
	SpentAmount    float64
	ReservedAmount float64
}

// Reservation is a hold on a tenant's daily budget for a projected cost.
// It is settled by Record or dropped by Release.
type Reservation struct {
	TenantID string
	Tier     string
	Date     time.Time
	Amount   float64
}

type BudgetStatus struct {
	TenantID  string  `json:"tenant_id"`
	Tier      string  `json:"tier"`
	Spent     float64 `json:"spent"`
	Reserved  float64 `json:"reserved"`
	Limit     float64 `json:"limit"`
	Remaining float64 `json:"remaining"`
}

type Store interface {
	// Reserve atomically checks spent+reserved+amount <= limit and adds
	// amount to reserved. It returns ErrBudgetExceeded without changing
	// anything when the check fails.
	Reserve(ctx context.Context, tenantID string, date time.Time, limit, amount float64) (*DailyBudget, error)
	// Commit appends rec and moves reserved into spent in one step.
	Commit(ctx context.Context, rec *SpendRecord, reserved float64) error
	Release(ctx context.Context, tenantID string, date time.Time, amount float64) error
	Budget(ctx context.Context, tenantID string, date time.Time) (*DailyBudget, error)
	Records(ctx context.Context, tenantID string, date time.Time) ([]*SpendRecord, error)
	DailyTotals(ctx context.Context, tenantID string, from, to time.Time) (map[time.Time]float64, error)
	OrgTotal(ctx context.Context, date time.Time) (float64, error)
	CostByOperation(ctx context.Context, date time.Time) (map[string]float64, error)
	AverageTurns(ctx context.Context, date time.Time) (float64, error)
}

type Ledger struct {
	store  Store
	policy policy.Source
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, source policy.Source, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		policy: source,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests and simulations.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today is the budget date for the ledger's clock.
func (l *Ledger) Today() time.Time {
	return Day(l.now())
}

func (l *Ledger) limitFor(tier string) (float64, error) {
	limit, ok := l.policy.Current().TierLimit(tier)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return limit, nil
}

// Reserve checks the projected cost against today's budget and holds it.
func (l *Ledger) Reserve(ctx context.Context, tenantID, tier string, projected float64) (*Reservation, error) {
	limit, err := l.limitFor(tier)
	if err != nil {
		return nil, err
	}
	if projected < 0 {
		projected = 0
	}
	projected = Round(projected)
	date := l.Today()

	b, err := l.store.Reserve(ctx, tenantID, date, limit, projected)
	if err != nil {
		if errors.Is(err, ErrBudgetExceeded) && b != nil {
			l.logger.Warn("budget exceeded",
				"tenant_id", tenantID, "tier", tier,
				"spent", b.SpentAmount, "reserved", b.ReservedAmount,
				"projected", projected, "limit", limit)
		}
		return nil, err
	}

	return &Reservation{TenantID: tenantID, Tier: tier, Date: date, Amount: projected}, nil
}

// Record appends rec and settles the reservation it was made under. A nil
// reservation records spend against today with nothing to release.
func (l *Ledger) Record(ctx context.Context, rec *SpendRecord, res *Reservation) error {
	if rec.CallID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate call id: %w", err)
		}
		rec.CallID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	rec.CostAmount = Round(rec.CostAmount)

	var reserved float64
	rec.BudgetDate = Day(rec.CreatedAt)
	if res != nil {
		rec.BudgetDate = res.Date
		reserved = res.Amount
		if rec.Tier == "" {
			rec.Tier = res.Tier
		}
	}

	if err := l.store.Commit(ctx, rec, reserved); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// Release drops a reservation that produced no spend.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if res == nil || res.Amount == 0 {
		return nil
	}
	if err := l.store.Release(ctx, res.TenantID, res.Date, res.Amount); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// Status reports today's budget for a tenant.
func (l *Ledger) Status(ctx context.Context, tenantID, tier string) (*BudgetStatus, error) {
	limit, err := l.limitFor(tier)
	if err != nil {
		return nil, err
	}
	b, err := l.store.Budget(ctx, tenantID, l.Today())
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}

	remaining := Round(limit - b.SpentAmount - b.ReservedAmount)
	if remaining < 0 {
		remaining = 0
	}
	return &BudgetStatus{
		TenantID:  tenantID,
		Tier:      tier,
		Spent:     b.SpentAmount,
		Reserved:  b.ReservedAmount,
		Limit:     limit,
		Remaining: remaining,
	}, nil
}

// TrailingSpend returns today's spend and the spend of each of the
// preceding days, oldest first. Days without spend count as zero.
func (l *Ledger) TrailingSpend(ctx context.Context, tenantID string, days int) (float64, []float64, error) {
	today := l.Today()
	from := today.AddDate(0, 0, -days)

	totals, err := l.store.DailyTotals(ctx, tenantID, from, today)
	if err != nil {
		return 0, nil, fmt.Errorf("daily totals: %w", err)
	}

	history := make([]float64, 0, days)
	for d := from; d.Before(today); d = d.AddDate(0, 0, 1) {
		history = append(history, totals[d])
	}
	return totals[today], history, nil
}

func (l *Ledger) OrgSpendToday(ctx context.Context) (float64, error) {
	return l.store.OrgTotal(ctx, l.Today())
}

func (l *Ledger) CostByOperation(ctx context.Context) (map[string]float64, error) {
	return l.store.CostByOperation(ctx, l.Today())
}

func (l *Ledger) AverageTurns(ctx context.Context) (float64, error) {
	return l.store.AverageTurns(ctx, l.Today())
}

func (l *Ledger) Records(ctx context.Context, tenantID string) ([]*SpendRecord, error) {
	return l.store.Records(ctx, tenantID, l.Today())
}

// Cost prices a call. Cached input tokens are charged at
// CachedInputDiscount of the input rate.
func Cost(p policy.Pricing, inputTokens, cachedInputTokens, outputTokens int) float64 {
	if cachedInputTokens > inputTokens {
		cachedInputTokens = inputTokens
	}
	if cachedInputTokens < 0 {
		cachedInputTokens = 0
	}
	uncached := float64(inputTokens - cachedInputTokens)
	cost := uncached * p.InputPerMillion
	cost += float64(cachedInputTokens) * p.InputPerMillion * CachedInputDiscount
	cost += float64(outputTokens) * p.OutputPerMillion
	return Round(cost / 1_000_000)
}

// Round rounds an amount to micro-units, the ledger's precision.
func Round(amount float64) float64 {
	return math.Round(amount*1e6) / 1e6
}

func toMicros(amount float64) int64 {
	return int64(math.Round(amount * 1e6))
}

func fromMicros(micros int64) float64 {
	return float64(micros) / 1e6
}
