// Package governor is the single entry point for governed LLM calls. Run
// threads a task through rollout assignment, the circuit breaker, the
// budget ledger, model routing, the prompt cache and the bounded executor,
// and always returns a structured Result.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/vnmchuo/llm-governor/internal/anomaly"
	"github.com/vnmchuo/llm-governor/internal/cache"
	"github.com/vnmchuo/llm-governor/internal/circuit"
	"github.com/vnmchuo/llm-governor/internal/execution"
	"github.com/vnmchuo/llm-governor/internal/ledger"
	"github.com/vnmchuo/llm-governor/internal/policy"
	"github.com/vnmchuo/llm-governor/internal/provider"
	"github.com/vnmchuo/llm-governor/internal/rollout"
	"github.com/vnmchuo/llm-governor/internal/routing"
	"github.com/vnmchuo/llm-governor/internal/tenant"
)

type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindBudgetExceeded  ErrorKind = "budget_exceeded"
	KindCircuitOpen     ErrorKind = "circuit_open"
	KindRunawayAgent    ErrorKind = "runaway_agent"
	KindCallTimeout     ErrorKind = "call_timeout"
	KindProviderError   ErrorKind = "provider_error"
	KindValidationError ErrorKind = "validation_error"
)

// Task is one unit of work submitted by the orchestration layer.
type Task struct {
	WorkUnitID string
	TenantID   string
	// Tier overrides the tier recorded for the tenant.
	Tier     string
	TaskType string
	System   string
	Prompt   string
	Tools    []provider.Tool
	// ToolHandler answers tool calls. Nil reports every tool as unavailable.
	ToolHandler execution.ToolHandler
	MaxTokens   int

	// ContextKind and ContextID name reusable prompt context. On a cache
	// hit the cached text is used and billed at the cached-input rate; on a
	// miss Context is used and stored for later calls.
	ContextKind cache.Kind
	ContextID   string
	Context     string

	// ProjectedCost overrides the estimate reserved against the budget.
	ProjectedCost float64
	// Validate checks the final output. A failure is a ValidationError.
	Validate func(output string) error
}

type Result struct {
	CallID     string         `json:"call_id,omitempty"`
	Output     string         `json:"output"`
	CostAmount float64        `json:"cost_amount"`
	ModelUsed  string         `json:"model_used,omitempty"`
	Cached     bool           `json:"cached"`
	TurnsUsed  int            `json:"turns_used"`
	Bucket     rollout.Bucket `json:"bucket,omitempty"`
	Error      ErrorKind      `json:"error,omitempty"`
	Detail     string         `json:"detail,omitempty"`
}

// TenantDirectory resolves a tenant's tier.
type TenantDirectory interface {
	Lookup(ctx context.Context, tenantID string) (*tenant.Tenant, error)
}

type Deps struct {
	Ledger   *ledger.Ledger
	Breaker  *circuit.Breaker
	Cache    *cache.PromptCache
	Router   *routing.Router
	Executor *execution.Executor
	Splitter *rollout.Splitter
	Rollout  *rollout.Controller
	Detector *anomaly.Detector
	Tenants  TenantDirectory
	Baseline Baseline
	Policy   policy.Source
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

type Governor struct {
	Deps

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

func New(deps Deps) *Governor {
	return &Governor{Deps: deps, slots: make(map[string]*semaphore.Weighted)}
}

// slot returns the tenant's concurrency limiter, sized by
// max_concurrent_per_tenant when first used.
func (g *Governor) slot(tenantID string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[tenantID]
	if !ok {
		n := g.Policy.Current().MaxConcurrentPerTenant
		if n <= 0 {
			n = 1
		}
		s = semaphore.NewWeighted(int64(n))
		g.slots[tenantID] = s
	}
	return s
}

// Run executes a task. It never panics and never returns a bare error:
// every failure is reported through Result.Error.
func (g *Governor) Run(ctx context.Context, task Task) (res Result) {
	ctx, span := g.Tracer.Start(ctx, "governor.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", task.TenantID),
		attribute.String("work_unit_id", task.WorkUnitID),
		attribute.String("task_type", task.TaskType),
	)

	defer func() {
		if r := recover(); r != nil {
			g.Logger.Error("governed run panicked", "tenant_id", task.TenantID, "work_unit_id", task.WorkUnitID, "panic", r)
			res = Result{Bucket: res.Bucket, Error: KindProviderError, Detail: fmt.Sprintf("panic: %v", r)}
		}
		span.SetAttributes(
			attribute.String("bucket", string(res.Bucket)),
			attribute.String("model", res.ModelUsed),
			attribute.Float64("cost_amount", res.CostAmount),
			attribute.Bool("cached", res.Cached),
		)
		if res.Error != KindNone {
			span.SetStatus(codes.Error, string(res.Error))
		}
	}()

	if err := validateTask(task); err != nil {
		return Result{Error: KindValidationError, Detail: err.Error()}
	}

	tier, err := g.tierFor(ctx, task)
	if err != nil {
		return Result{Error: KindValidationError, Detail: err.Error()}
	}

	sem := g.slot(task.TenantID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return Result{Error: KindCallTimeout, Detail: "waiting for a tenant slot: " + err.Error()}
	}
	defer sem.Release(1)

	assignment, err := g.Splitter.Assign(ctx, task.WorkUnitID)
	if err != nil {
		return Result{Error: KindProviderError, Detail: err.Error()}
	}
	res.Bucket = assignment.Bucket

	if assignment.Bucket == rollout.BucketBaseline {
		return g.runBaseline(ctx, task)
	}

	cfg, err := g.Rollout.Config(ctx)
	if err != nil {
		return Result{Bucket: assignment.Bucket, Error: KindProviderError, Detail: err.Error()}
	}
	if cfg.ShadowMode {
		return g.runShadow(ctx, task, tier)
	}
	return g.runGoverned(ctx, task, tier)
}

func validateTask(task Task) error {
	switch {
	case task.WorkUnitID == "":
		return errors.New("work_unit_id is required")
	case task.TenantID == "":
		return errors.New("tenant_id is required")
	case task.TaskType == "":
		return errors.New("task_type is required")
	case strings.TrimSpace(task.Prompt) == "":
		return errors.New("prompt is required")
	}
	return nil
}

func (g *Governor) tierFor(ctx context.Context, task Task) (string, error) {
	if task.Tier != "" {
		return task.Tier, nil
	}
	if g.Tenants == nil {
		return "", fmt.Errorf("no tier for tenant %s", task.TenantID)
	}
	t, err := g.Tenants.Lookup(ctx, task.TenantID)
	if err != nil {
		return "", fmt.Errorf("resolve tenant %s: %w", task.TenantID, err)
	}
	return t.Tier, nil
}

func (g *Governor) runBaseline(ctx context.Context, task Task) Result {
	res := Result{Bucket: rollout.BucketBaseline}
	out, err := g.baseline(ctx, task)
	if err != nil {
		res.Error = KindProviderError
		res.Detail = err.Error()
		return res
	}
	res.Output = out
	return res
}

// runGoverned is the fully governed path. The circuit outcome is reported
// exactly once per admitted call, including when the call panics.
func (g *Governor) runGoverned(ctx context.Context, task Task, tier string) (res Result) {
	res.Bucket = rollout.BucketGoverned

	ticket, err := g.Breaker.Admit(ctx, task.TenantID)
	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) {
			return Result{Bucket: res.Bucket, Error: KindCircuitOpen, Detail: err.Error()}
		}
		return Result{Bucket: res.Bucket, Error: KindProviderError, Detail: err.Error()}
	}

	// Bookkeeping outlives a cancelled caller.
	bg := context.WithoutCancel(ctx)
	outcome := circuit.OutcomeFailure
	budgetTrip := false
	var reservation *ledger.Reservation
	settled := false
	defer func() {
		if r := recover(); r != nil {
			g.Logger.Error("governed call panicked", "tenant_id", task.TenantID, "panic", r)
			res = Result{Bucket: rollout.BucketGoverned, CallID: res.CallID, ModelUsed: res.ModelUsed, Error: KindProviderError, Detail: fmt.Sprintf("panic: %v", r)}
			outcome = circuit.OutcomeFailure
			if !settled {
				if err := g.Ledger.Release(bg, reservation); err != nil {
					g.Logger.Error("release reservation failed", "tenant_id", task.TenantID, "error", err)
				}
			}
		}
		var err error
		if budgetTrip {
			err = g.Breaker.TripBudget(bg, task.TenantID)
		} else {
			err = g.Breaker.RecordOutcome(bg, task.TenantID, ticket, outcome)
		}
		if err != nil {
			g.Logger.Error("circuit bookkeeping failed", "tenant_id", task.TenantID, "error", err)
		}
	}()

	id, err := uuid.NewV7()
	if err != nil {
		outcome = circuit.OutcomeNeutral
		return Result{Bucket: res.Bucket, Error: KindProviderError, Detail: err.Error()}
	}
	res.CallID = id.String()

	model, err := g.Router.Route(task.TaskType)
	if err != nil {
		outcome = circuit.OutcomeNeutral
		res.Error, res.Detail = KindValidationError, err.Error()
		return res
	}
	res.ModelUsed = model

	p := g.Policy.Current()
	pricing := p.PricingFor(model)
	maxTokens := task.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.DefaultOutputTokens
	}

	projected := task.ProjectedCost
	if projected <= 0 {
		projected = ledger.Cost(pricing, estimateTokens(task.System, task.Context, task.Prompt), 0, maxTokens)
	}
	reservation, err = g.Ledger.Reserve(ctx, task.TenantID, tier, projected)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrBudgetExceeded):
			budgetTrip = true
			res.Error = KindBudgetExceeded
		case errors.Is(err, ledger.ErrUnknownTier):
			outcome = circuit.OutcomeNeutral
			res.Error = KindValidationError
		default:
			outcome = circuit.OutcomeNeutral
			res.Error = KindProviderError
		}
		res.Detail = err.Error()
		return res
	}

	system, cachedTokens := g.primeContext(ctx, task)
	res.Cached = cachedTokens > 0

	req := &provider.Request{
		Model:     model,
		System:    system,
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: task.Prompt}},
		Tools:     task.Tools,
		MaxTokens: maxTokens,
		TenantID:  task.TenantID,
		CallID:    res.CallID,
	}
	limits := execution.Limits{
		MaxTurns:    p.MaxTurns(task.TaskType),
		Timeout:     p.Timeout(task.TaskType),
		HardCostCap: p.PerCallHardCap,
	}

	out, runErr := g.Executor.Run(ctx, execution.Input{
		Request:            req,
		Tools:              task.ToolHandler,
		Pricing:            pricing,
		CachedPrefixTokens: cachedTokens,
	}, limits)

	res.TurnsUsed = out.Turns
	res.CostAmount = out.Cost
	settled = true
	g.settle(bg, task, tier, model, reservation, out, res)

	res.Error, outcome = classify(ctx, runErr)
	if runErr != nil {
		res.Detail = runErr.Error()
		g.Logger.Warn("governed call failed",
			"tenant_id", task.TenantID, "call_id", res.CallID, "model", model,
			"error_kind", res.Error, "turns", out.Turns, "cost", out.Cost, "error", runErr)
		return res
	}

	res.Output = out.Text
	if task.Validate != nil {
		if err := task.Validate(out.Text); err != nil {
			res.Error = KindValidationError
			res.Detail = err.Error()
			outcome = circuit.OutcomeNeutral
		}
	}
	return res
}

// settle records the spend of a finished call, or releases its hold when
// nothing was spent, and then runs anomaly checks.
func (g *Governor) settle(ctx context.Context, task Task, tier, model string, r *ledger.Reservation, out *execution.Outcome, res Result) {
	if out.Turns == 0 {
		if err := g.Ledger.Release(ctx, r); err != nil {
			g.Logger.Error("release reservation failed", "tenant_id", task.TenantID, "error", err)
		}
		return
	}

	rec := &ledger.SpendRecord{
		CallID:            res.CallID,
		TenantID:          task.TenantID,
		Tier:              tier,
		Model:             model,
		InputTokens:       out.InputTokens,
		OutputTokens:      out.OutputTokens,
		CachedInputTokens: out.CachedInputTokens,
		Cached:            res.Cached,
		CostAmount:        out.Cost,
		Operation:         task.TaskType,
		Turns:             out.Turns,
	}
	if err := g.Ledger.Record(ctx, rec, r); err != nil {
		g.Logger.Error("record spend failed", "tenant_id", task.TenantID, "call_id", res.CallID, "cost", out.Cost, "error", err)
		if err := g.Ledger.Release(ctx, r); err != nil {
			g.Logger.Error("release reservation failed", "tenant_id", task.TenantID, "error", err)
		}
		return
	}

	if g.Detector == nil {
		return
	}
	if _, err := g.Detector.Evaluate(ctx, rec); err != nil {
		g.Logger.Warn("per-call anomaly check failed", "call_id", rec.CallID, "error", err)
	}
	if _, err := g.Detector.EvaluateDailyTrend(ctx, task.TenantID); err != nil {
		g.Logger.Warn("daily trend check failed", "tenant_id", task.TenantID, "error", err)
	}
	if _, err := g.Detector.EvaluateOrganization(ctx); err != nil {
		g.Logger.Warn("organization spend check failed", "error", err)
	}
}

// primeContext builds the system prompt. A cache hit returns the estimated
// token count of the cached context so it can be billed at the discount.
func (g *Governor) primeContext(ctx context.Context, task Task) (string, int) {
	if task.ContextKind == "" || task.ContextID == "" || g.Cache == nil {
		return joinSystem(task.System, task.Context), 0
	}

	key := cache.Key(task.ContextKind, task.ContextID)
	if value, ok := g.Cache.Get(ctx, key); ok {
		return joinSystem(task.System, value), estimateTokens(value)
	}

	if task.Context != "" {
		if err := g.Cache.Put(ctx, key, task.Context, 0); err != nil {
			g.Logger.Warn("prompt cache write failed", "key", key, "error", err)
		}
	}
	return joinSystem(task.System, task.Context), 0
}

func joinSystem(system, context string) string {
	switch {
	case context == "":
		return system
	case system == "":
		return context
	}
	return system + "\n\n" + context
}

// estimateTokens approximates token counts at four characters per token.
func estimateTokens(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += utf8.RuneCountInString(p)
	}
	return (n + 3) / 4
}

// classify maps an execution error to a result kind and a circuit outcome.
func classify(ctx context.Context, err error) (ErrorKind, circuit.Outcome) {
	switch {
	case err == nil:
		return KindNone, circuit.OutcomeSuccess
	case errors.Is(err, execution.ErrRunawayAgent):
		return KindRunawayAgent, circuit.OutcomeFailure
	case errors.Is(err, execution.ErrCallTimeout):
		return KindCallTimeout, circuit.OutcomeFailure
	case ctx.Err() != nil:
		// The caller gave up; that says nothing about the provider.
		return KindCallTimeout, circuit.OutcomeNeutral
	case errors.Is(err, provider.ErrUnsupportedModel):
		return KindProviderError, circuit.OutcomeNeutral
	default:
		return KindProviderError, circuit.OutcomeFailure
	}
}
