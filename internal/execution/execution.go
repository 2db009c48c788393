// Package execution runs one governed call: the provider is asked in turns,
// tool calls are answered between turns, and the loop stops when the model
// finishes or a turn, time or cost allowance runs out.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/llm-governor/internal/ledger"
	"github.com/vnmchuo/llm-governor/internal/policy"
	"github.com/vnmchuo/llm-governor/internal/provider"
)

var (
	ErrRunawayAgent = errors.New("runaway agent")
	// ErrCostCapExceeded is a RunawayAgent abort caused by the per-call cap.
	ErrCostCapExceeded = fmt.Errorf("%w: per-call cost cap exceeded", ErrRunawayAgent)
	ErrCallTimeout     = errors.New("call timed out")
)

type Limits struct {
	MaxTurns    int
	Timeout     time.Duration
	HardCostCap float64 // zero disables the cap
}

// Budget is what a call has left. It is checked before every turn and
// charged after it.
type Budget struct {
	TurnsLeft int
	TimeLeft  time.Duration
	CostLeft  float64
	capped    bool
}

func NewBudget(l Limits) Budget {
	return Budget{TurnsLeft: l.MaxTurns, TimeLeft: l.Timeout, CostLeft: l.HardCostCap, capped: l.HardCostCap > 0}
}

func (b Budget) check() error {
	if b.TurnsLeft <= 0 {
		return fmt.Errorf("%w: turn limit reached", ErrRunawayAgent)
	}
	if b.TimeLeft <= 0 {
		return ErrCallTimeout
	}
	return nil
}

// charge deducts one turn. It reports how much of cost fits under the cap
// and whether the cap was crossed.
func (b *Budget) charge(cost float64) (float64, bool) {
	b.TurnsLeft--
	if !b.capped {
		return cost, false
	}
	if cost > b.CostLeft {
		billed := b.CostLeft
		b.CostLeft = 0
		return billed, true
	}
	b.CostLeft = ledger.Round(b.CostLeft - cost)
	return cost, false
}

// spend deducts wall-clock time, provider and tool time alike.
func (b *Budget) spend(elapsed time.Duration) {
	b.TimeLeft -= elapsed
}

// ToolHandler answers a tool call requested by the model.
type ToolHandler func(ctx context.Context, call provider.ToolCall) (string, error)

type Completer interface {
	Complete(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

type Input struct {
	Request *provider.Request
	Tools   ToolHandler
	Pricing policy.Pricing
	// CachedPrefixTokens estimates the cached share of each turn's input
	// when the provider does not report one.
	CachedPrefixTokens int
}

// Outcome is what the call consumed. It is returned alongside any error so
// that partial work is still billed.
type Outcome struct {
	Text              string
	Turns             int
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	Cost              float64
	StopReason        provider.StopReason
}

type Executor struct {
	completer Completer
	now       func() time.Time
}

func NewExecutor(c Completer) *Executor {
	return &Executor{completer: c, now: time.Now}
}

func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Run drives the call until the model stops asking for tools or a limit is
// hit. The timeout covers the whole call: every provider turn and every
// tool handler share one deadline.
func (e *Executor) Run(ctx context.Context, in Input, limits Limits) (*Outcome, error) {
	req := *in.Request
	req.Messages = append([]provider.Message(nil), in.Request.Messages...)

	runCtx, cancelRun := context.WithTimeout(ctx, limits.Timeout)
	defer cancelRun()

	budget := NewBudget(limits)
	out := &Outcome{}

	for {
		if err := budget.check(); err != nil {
			return out, err
		}
		if expired(ctx, runCtx) {
			return out, fmt.Errorf("%w after %d turns", ErrCallTimeout, out.Turns)
		}

		start := e.now()
		turnCtx, cancelTurn := context.WithTimeout(runCtx, budget.TimeLeft)
		resp, err := e.completer.Complete(turnCtx, &req)
		if err != nil {
			timedOut := expired(ctx, turnCtx)
			cancelTurn()
			if timedOut || errors.Is(err, context.DeadlineExceeded) {
				return out, fmt.Errorf("%w after %d turns: %v", ErrCallTimeout, out.Turns, err)
			}
			return out, fmt.Errorf("provider call: %w", err)
		}

		cached := resp.CachedInputTokens
		if cached == 0 && in.CachedPrefixTokens > 0 {
			cached = min(in.CachedPrefixTokens, resp.InputTokens)
		}
		cost := ledger.Cost(in.Pricing, resp.InputTokens, cached, resp.OutputTokens)

		out.Turns++
		out.InputTokens += resp.InputTokens
		out.OutputTokens += resp.OutputTokens
		out.CachedInputTokens += cached
		out.StopReason = resp.StopReason

		billed, capped := budget.charge(cost)
		out.Cost = ledger.Round(out.Cost + billed)
		if capped {
			cancelTurn()
			return out, fmt.Errorf("%w: cap %.2f", ErrCostCapExceeded, limits.HardCostCap)
		}

		if resp.StopReason != provider.StopToolUse || len(resp.ToolCalls) == 0 {
			cancelTurn()
			out.Text = resp.Text
			return out, nil
		}

		req.Messages = append(req.Messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			req.Messages = append(req.Messages, provider.Message{
				Role:       provider.RoleTool,
				ToolCallID: call.ID,
				Content:    runTool(turnCtx, in.Tools, call),
			})
		}
		cancelTurn()
		budget.spend(e.now().Sub(start))
	}
}

// expired reports whether c ran out of time while the caller's own context
// is still live.
func expired(parent, c context.Context) bool {
	return errors.Is(c.Err(), context.DeadlineExceeded) && parent.Err() == nil
}

func runTool(ctx context.Context, h ToolHandler, call provider.ToolCall) string {
	if h == nil {
		return fmt.Sprintf("error: tool %q is not available", call.Name)
	}
	result, err := h(ctx, call)
	if err != nil {
		return "error: " + err.Error()
	}
	return result
}
