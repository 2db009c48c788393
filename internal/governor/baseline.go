package governor

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-governor/internal/execution"
	"github.com/vnmchuo/llm-governor/internal/provider"
	"github.com/vnmchuo/llm-governor/internal/rollout"
	"github.com/vnmchuo/llm-governor/internal/routing"
)

// Baseline is the ungoverned execution path that rollout traffic is
// compared against.
type Baseline interface {
	Run(ctx context.Context, task Task) (string, error)
}

type BaselineFunc func(ctx context.Context, task Task) (string, error)

func (f BaselineFunc) Run(ctx context.Context, task Task) (string, error) {
	return f(ctx, task)
}

// DirectBaseline sends the task to the routed model once, with no budget,
// circuit, cache or turn governance.
type DirectBaseline struct {
	completer execution.Completer
	router    *routing.Router
}

func NewDirectBaseline(c execution.Completer, r *routing.Router) *DirectBaseline {
	return &DirectBaseline{completer: c, router: r}
}

func (b *DirectBaseline) Run(ctx context.Context, task Task) (string, error) {
	model, err := b.router.Route(task.TaskType)
	if err != nil {
		return "", err
	}
	resp, err := b.completer.Complete(ctx, &provider.Request{
		Model:     model,
		System:    joinSystem(task.System, task.Context),
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: task.Prompt}},
		MaxTokens: task.MaxTokens,
		TenantID:  task.TenantID,
	})
	if err != nil {
		return "", fmt.Errorf("baseline call: %w", err)
	}
	return resp.Text, nil
}

// baseline runs the baseline path, turning a panic into an error since it
// may run on its own goroutine.
func (g *Governor) baseline(ctx context.Context, task Task) (out string, err error) {
	if g.Baseline == nil {
		return "", fmt.Errorf("no baseline path configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("baseline panic: %v", r)
		}
	}()
	return g.Baseline.Run(ctx, task)
}

// runShadow executes the governed and baseline paths side by side. The
// caller gets the baseline output; the governed run is billed as usual and
// logged as a comparison.
func (g *Governor) runShadow(ctx context.Context, task Task, tier string) Result {
	var governed Result
	var baseline string
	var baselineErr error

	var eg errgroup.Group
	eg.Go(func() error {
		governed = g.runGoverned(ctx, task, tier)
		return nil
	})
	eg.Go(func() error {
		baseline, baselineErr = g.baseline(ctx, task)
		return nil
	})
	_ = eg.Wait()

	cmp := &rollout.ShadowComparison{
		WorkUnitID:     task.WorkUnitID,
		TenantID:       task.TenantID,
		GovernedOutput: governed.Output,
		BaselineOutput: baseline,
		GovernedCost:   governed.CostAmount,
		Model:          governed.ModelUsed,
		Matched:        governed.Error == KindNone && baselineErr == nil && strings.TrimSpace(governed.Output) == strings.TrimSpace(baseline),
	}
	if governed.Error != KindNone {
		cmp.GovernedError = string(governed.Error) + ": " + governed.Detail
	}
	if err := g.Rollout.LogShadow(context.WithoutCancel(ctx), cmp); err != nil {
		g.Logger.Error("shadow comparison not logged", "work_unit_id", task.WorkUnitID, "error", err)
	}

	res := governed
	res.Output = baseline
	res.Error = KindNone
	res.Detail = ""
	if baselineErr != nil {
		res.Error = KindProviderError
		res.Detail = baselineErr.Error()
	}
	return res
}
