package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-governor/internal/database/dbtest"
)

func TestPostgresStore_ReserveAndCommit(t *testing.T) {
	store := NewPostgresStore(dbtest.Pool(t))
	ctx := context.Background()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	b, err := store.Reserve(ctx, "tenant-a", date, 50, 49.50)
	require.NoError(t, err)
	assert.Equal(t, 49.50, b.ReservedAmount)

	require.NoError(t, store.Commit(ctx, &SpendRecord{
		CallID: "call-1", TenantID: "tenant-a", Tier: "ignition", Model: "m",
		CostAmount: 49.50, Operation: "sentiment", Turns: 2,
		BudgetDate: date, CreatedAt: date.Add(time.Hour),
	}, 49.50))

	_, err = store.Reserve(ctx, "tenant-a", date, 50, 1.00)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	b, err = store.Budget(ctx, "tenant-a", date)
	require.NoError(t, err)
	assert.Equal(t, 49.50, b.SpentAmount)
	assert.Equal(t, 0.0, b.ReservedAmount)

	avg, err := store.AverageTurns(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, 2.0, avg)
}

func TestPostgresStore_ConcurrentReserve(t *testing.T) {
	store := NewPostgresStore(dbtest.Pool(t))
	ctx := context.Background()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Reserve(ctx, "tenant-a", date, 10, 1.5); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, accepted)
	b, err := store.Budget(ctx, "tenant-a", date)
	require.NoError(t, err)
	assert.Equal(t, 9.0, b.ReservedAmount)
}
