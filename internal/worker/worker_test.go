package worker

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-governor/internal/governor"
)

type runnerFunc func(ctx context.Context, task governor.Task) governor.Result

func (f runnerFunc) Run(ctx context.Context, task governor.Task) governor.Result {
	return f(ctx, task)
}

func TestRunBatch_KeepsOrderAndIsolatesFailures(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, task governor.Task) governor.Result {
		if task.WorkUnitID == "bad" {
			return governor.Result{Error: governor.KindProviderError, Detail: "upstream 500"}
		}
		return governor.Result{Output: "done " + task.WorkUnitID, CostAmount: 0.01}
	})
	pool := NewPool(runner, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))

	results := pool.RunBatch(context.Background(), []governor.Task{
		{WorkUnitID: "a"}, {WorkUnitID: "bad"}, {WorkUnitID: "c"},
	})

	require.Len(t, results, 3)
	assert.Equal(t, "done a", results[0].Output)
	assert.Equal(t, governor.KindProviderError, results[1].Error)
	assert.Equal(t, "done c", results[2].Output)
}

func TestRunBatch_ConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int64
	runner := runnerFunc(func(ctx context.Context, task governor.Task) governor.Result {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return governor.Result{}
	})
	pool := NewPool(runner, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tasks := make([]governor.Task, 20)
	results := pool.RunBatch(context.Background(), tasks)

	assert.Len(t, results, 20)
	assert.LessOrEqual(t, peak.Load(), int64(3))
}
