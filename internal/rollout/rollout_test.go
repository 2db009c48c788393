package rollout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-governor/internal/database/dbtest"
)

func newTestRollout(store Store) (*Splitter, *Controller) {
	return NewSplitter(store), NewController(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBucketFor_Boundaries(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("work-%d", i)
		assert.Equal(t, BucketBaseline, BucketFor(id, 0))
		assert.Equal(t, BucketGoverned, BucketFor(id, 100))
	}
}

func TestAssign_TenPercentDistribution(t *testing.T) {
	ctx := context.Background()
	splitter, controller := newTestRollout(NewMemoryStore())

	_, err := controller.SetTrafficPercent(ctx, 10, "ops@example.com", "canary")
	require.NoError(t, err)

	governed := 0
	for i := 0; i < 1000; i++ {
		a, err := splitter.Assign(ctx, fmt.Sprintf("work-%d", i))
		require.NoError(t, err)
		if a.Bucket == BucketGoverned {
			governed++
		}
		assert.Equal(t, 10, a.PercentAtAssignment)
	}
	assert.GreaterOrEqual(t, governed, 80)
	assert.LessOrEqual(t, governed, 120)
}

func TestAssign_PinnedAcrossPercentChanges(t *testing.T) {
	ctx := context.Background()
	splitter, controller := newTestRollout(NewMemoryStore())

	_, err := controller.SetTrafficPercent(ctx, 10, "ops", "")
	require.NoError(t, err)

	first := make(map[string]Bucket)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("work-%d", i)
		a, err := splitter.Assign(ctx, id)
		require.NoError(t, err)
		first[id] = a.Bucket
	}

	_, err = controller.SetTrafficPercent(ctx, 100, "ops", "full rollout")
	require.NoError(t, err)
	for id, bucket := range first {
		a, err := splitter.Assign(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, bucket, a.Bucket, id)
		assert.Equal(t, 10, a.PercentAtAssignment)
	}

	a, err := splitter.Assign(ctx, "work-new")
	require.NoError(t, err)
	assert.Equal(t, BucketGoverned, a.Bucket)

	_, err = controller.Rollback(ctx, "ops", "error spike")
	require.NoError(t, err)
	a, err = splitter.Assign(ctx, "work-new")
	require.NoError(t, err)
	assert.Equal(t, BucketGoverned, a.Bucket, "rollback does not move pinned units")

	a, err = splitter.Assign(ctx, "work-after-rollback")
	require.NoError(t, err)
	assert.Equal(t, BucketBaseline, a.Bucket)
}

func TestAssign_ConcurrentFirstAssignmentConverges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	splitter, controller := newTestRollout(store)

	var wg sync.WaitGroup
	buckets := make([]Bucket, 20)
	for i := range buckets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i == 10 {
				_, _ = controller.SetTrafficPercent(ctx, 100, "ops", "")
			}
			a, err := splitter.Assign(ctx, "work-race")
			if err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			buckets[i] = a.Bucket
		}()
	}
	wg.Wait()

	stored, ok, err := store.Lookup(ctx, "work-race")
	require.NoError(t, err)
	require.True(t, ok)
	for _, b := range buckets {
		assert.Equal(t, stored.Bucket, b)
	}
}

func TestAssign_RequiresWorkUnit(t *testing.T) {
	splitter, _ := newTestRollout(NewMemoryStore())
	_, err := splitter.Assign(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingWorkUnit)
}

func TestController_AuditLog(t *testing.T) {
	ctx := context.Background()
	_, controller := newTestRollout(NewMemoryStore())

	_, err := controller.SetTrafficPercent(ctx, 101, "ops", "")
	assert.ErrorIs(t, err, ErrInvalidPercent)
	_, err = controller.SetTrafficPercent(ctx, -1, "ops", "")
	assert.ErrorIs(t, err, ErrInvalidPercent)

	_, err = controller.SetTrafficPercent(ctx, 25, "alice", "canary")
	require.NoError(t, err)
	_, err = controller.SetShadowMode(ctx, true, "alice", "compare outputs")
	require.NoError(t, err)
	cfg, err := controller.Rollback(ctx, "bob", "latency regression")
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.TrafficPercent)
	assert.True(t, cfg.ShadowMode)
	assert.Equal(t, "bob", cfg.UpdatedBy)
	assert.Equal(t, "latency regression", cfg.Reason)

	log, err := controller.AuditLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, log, 3)

	assert.Equal(t, ActionRollback, log[0].Action)
	assert.Equal(t, 25, log[0].OldPercent)
	assert.Equal(t, 0, log[0].NewPercent)
	assert.Equal(t, "bob", log[0].Actor)

	assert.Equal(t, ActionShadowMode, log[1].Action)
	assert.False(t, log[1].OldShadow)
	assert.True(t, log[1].NewShadow)

	assert.Equal(t, ActionSetPercent, log[2].Action)
	assert.Equal(t, 0, log[2].OldPercent)
	assert.Equal(t, 25, log[2].NewPercent)
}

func TestController_ShadowLog(t *testing.T) {
	ctx := context.Background()
	_, controller := newTestRollout(NewMemoryStore())

	require.NoError(t, controller.LogShadow(ctx, &ShadowComparison{WorkUnitID: "w1", TenantID: "t1", GovernedOutput: "a", BaselineOutput: "a", Matched: true}))
	require.NoError(t, controller.LogShadow(ctx, &ShadowComparison{WorkUnitID: "w2", TenantID: "t1", GovernedOutput: "a", BaselineOutput: "b"}))

	log, err := controller.ShadowLog(ctx, 1)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "w2", log[0].WorkUnitID)
	assert.NotEmpty(t, log[0].ID)
	assert.False(t, log[0].CreatedAt.IsZero())
}

func TestPostgresStore(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx := context.Background()
	store := NewPostgresStore(pool)
	splitter, controller := newTestRollout(store)

	cfg, err := controller.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.TrafficPercent)

	_, err = controller.SetTrafficPercent(ctx, 10, "ops", "canary")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Assignment, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := splitter.Assign(ctx, "work-pg")
			if err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			results[i] = a
		}()
	}
	wg.Wait()
	for _, a := range results {
		require.NotNil(t, a)
		assert.Equal(t, results[0].Bucket, a.Bucket)
		assert.Equal(t, 10, a.PercentAtAssignment)
	}

	_, err = controller.Rollback(ctx, "ops", "incident")
	require.NoError(t, err)
	log, err := controller.AuditLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, ActionRollback, log[0].Action)
	assert.Equal(t, 10, log[0].OldPercent)

	require.NoError(t, controller.LogShadow(ctx, &ShadowComparison{WorkUnitID: "work-pg", TenantID: "t1", GovernedCost: 0.0125, Matched: true}))
	shadows, err := controller.ShadowLog(ctx, 5)
	require.NoError(t, err)
	require.Len(t, shadows, 1)
	assert.Equal(t, 0.0125, shadows[0].GovernedCost)
}
