// Package worker runs batches of governed tasks concurrently.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-governor/internal/governor"
)

const DefaultConcurrency = 8

type Runner interface {
	Run(ctx context.Context, task governor.Task) governor.Result
}

type Pool struct {
	runner      Runner
	concurrency int
	logger      *slog.Logger
}

func NewPool(runner Runner, concurrency int, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pool{runner: runner, concurrency: concurrency, logger: logger}
}

// RunBatch runs every task and returns their results in input order. One
// unit's failure never stops the others.
func (p *Pool) RunBatch(ctx context.Context, tasks []governor.Task) []governor.Result {
	results := make([]governor.Result, len(tasks))
	start := time.Now()

	var eg errgroup.Group
	eg.SetLimit(p.concurrency)
	for i, task := range tasks {
		eg.Go(func() error {
			results[i] = p.runner.Run(ctx, task)
			return nil
		})
	}
	_ = eg.Wait()

	failed := 0
	var cost float64
	for _, r := range results {
		if r.Error != governor.KindNone {
			failed++
		}
		cost += r.CostAmount
	}
	p.logger.Info("batch finished",
		"tasks", len(tasks), "failed", failed, "cost", cost,
		"duration_ms", time.Since(start).Milliseconds())
	return results
}
