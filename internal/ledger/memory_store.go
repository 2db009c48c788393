package ledger

import (
	"context"
	"sync"
	"time"
)

type budgetRow struct {
	limit    float64
	spent    int64
	reserved int64
}

type budgetKey struct {
	tenantID string
	date     time.Time
}

// MemoryStore is a single-process Store. One mutex serializes every
// budget mutation; amounts are held in micro-units so sums are exact.
type MemoryStore struct {
	mu      sync.Mutex
	budgets map[budgetKey]*budgetRow
	records []*SpendRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{budgets: make(map[budgetKey]*budgetRow)}
}

func (s *MemoryStore) row(tenantID string, date time.Time) *budgetRow {
	k := budgetKey{tenantID: tenantID, date: date}
	r, ok := s.budgets[k]
	if !ok {
		r = &budgetRow{}
		s.budgets[k] = r
	}
	return r
}

func (r *budgetRow) snapshot(tenantID string, date time.Time) *DailyBudget {
	return &DailyBudget{
		TenantID:       tenantID,
		Date:           date,
		TierLimit:      r.limit,
		SpentAmount:    fromMicros(r.spent),
		ReservedAmount: fromMicros(r.reserved),
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, tenantID string, date time.Time, limit, amount float64) (*DailyBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.row(tenantID, date)
	r.limit = limit
	want := toMicros(amount)
	if r.spent+r.reserved+want > toMicros(limit) {
		return r.snapshot(tenantID, date), ErrBudgetExceeded
	}
	r.reserved += want
	return r.snapshot(tenantID, date), nil
}

func (s *MemoryStore) Commit(ctx context.Context, rec *SpendRecord, reserved float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.records = append(s.records, &cp)

	r := s.row(rec.TenantID, rec.BudgetDate)
	r.spent += toMicros(rec.CostAmount)
	r.reserved -= toMicros(reserved)
	if r.reserved < 0 {
		r.reserved = 0
	}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, tenantID string, date time.Time, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.row(tenantID, date)
	r.reserved -= toMicros(amount)
	if r.reserved < 0 {
		r.reserved = 0
	}
	return nil
}

func (s *MemoryStore) Budget(ctx context.Context, tenantID string, date time.Time) (*DailyBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.budgets[budgetKey{tenantID: tenantID, date: date}]
	if !ok {
		return &DailyBudget{TenantID: tenantID, Date: date}, nil
	}
	return r.snapshot(tenantID, date), nil
}

func (s *MemoryStore) Records(ctx context.Context, tenantID string, date time.Time) ([]*SpendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*SpendRecord
	for _, rec := range s.records {
		if rec.TenantID == tenantID && rec.BudgetDate.Equal(date) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) DailyTotals(ctx context.Context, tenantID string, from, to time.Time) (map[time.Time]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[time.Time]float64)
	for k, r := range s.budgets {
		if k.tenantID != tenantID || k.date.Before(from) || k.date.After(to) {
			continue
		}
		out[k.date] = fromMicros(r.spent)
	}
	return out, nil
}

func (s *MemoryStore) OrgTotal(ctx context.Context, date time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for k, r := range s.budgets {
		if k.date.Equal(date) {
			total += r.spent
		}
	}
	return fromMicros(total), nil
}

func (s *MemoryStore) CostByOperation(ctx context.Context, date time.Time) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	micros := make(map[string]int64)
	for _, rec := range s.records {
		if rec.BudgetDate.Equal(date) {
			micros[rec.Operation] += toMicros(rec.CostAmount)
		}
	}
	out := make(map[string]float64, len(micros))
	for op, m := range micros {
		out[op] = fromMicros(m)
	}
	return out, nil
}

func (s *MemoryStore) AverageTurns(ctx context.Context, date time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var calls, turns int
	for _, rec := range s.records {
		if rec.BudgetDate.Equal(date) {
			calls++
			turns += rec.Turns
		}
	}
	if calls == 0 {
		return 0, nil
	}
	return float64(turns) / float64(calls), nil
}
