// Package policy holds the governance document: tier caps, thresholds,
// model routing, pricing and execution limits. The document is read at
// call time through a Source so that changes apply without a redeploy.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pricing is the per-million-token rate for a model.
type Pricing struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

type Policy struct {
	TierLimits map[string]float64 `yaml:"tier_limits"`

	OrgWarningThreshold  float64 `yaml:"org_warning_threshold"`
	OrgCriticalThreshold float64 `yaml:"org_critical_threshold"`
	PerCallWarnThreshold float64 `yaml:"per_call_warn_threshold"`
	PerCallHardCap       float64 `yaml:"per_call_hard_cap"`
	TrendMultiplier      float64 `yaml:"trend_multiplier"`
	TrendWindowDays      int     `yaml:"trend_window_days"`

	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	ModelRouting map[string]string  `yaml:"model_routing"`
	DefaultModel string             `yaml:"default_model"`
	ModelPricing map[string]Pricing `yaml:"model_pricing"`

	MaxTurnsDefault       int            `yaml:"max_turns_default"`
	PerTaskMaxTurns       map[string]int `yaml:"per_task_max_turns"`
	PerTaskTimeouts       map[string]int `yaml:"per_task_timeouts"`
	DefaultTimeoutSeconds int            `yaml:"default_timeout_seconds"`
	DefaultOutputTokens   int            `yaml:"default_output_tokens"`

	CircuitFailureThreshold int `yaml:"circuit_failure_threshold"`
	CircuitCooldownSeconds  int `yaml:"circuit_cooldown_seconds"`

	MaxConcurrentPerTenant int `yaml:"max_concurrent_per_tenant"`
}

// Default returns the built-in policy used when no document is present
// and as the base every parsed document is layered on.
func Default() *Policy {
	return &Policy{
		TierLimits: map[string]float64{
			"ignition":  50,
			"velocity":  100,
			"dominance": 200,
		},
		OrgWarningThreshold:  150,
		OrgCriticalThreshold: 250,
		PerCallWarnThreshold: 2,
		PerCallHardCap:       5,
		TrendMultiplier:      1.5,
		TrendWindowDays:      7,
		CacheTTLSeconds:      300,
		ModelRouting: map[string]string{
			"classification":     "claude-3-5-haiku-20241022",
			"sentiment":          "claude-3-5-haiku-20241022",
			"template_selection": "claude-3-5-haiku-20241022",
			"deep_research":      "claude-3-5-sonnet-20241022",
			"long_form_writing":  "claude-3-5-sonnet-20241022",
			"objection_handling": "claude-3-5-sonnet-20241022",
		},
		DefaultModel: "claude-3-5-haiku-20241022",
		ModelPricing: map[string]Pricing{
			"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
			"claude-3-5-sonnet-20241022": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
			"gpt-4o-mini":                {InputPerMillion: 0.15, OutputPerMillion: 0.60},
			"gpt-4o":                     {InputPerMillion: 2.50, OutputPerMillion: 10.00},
			"gemini-2.0-flash":           {InputPerMillion: 0.10, OutputPerMillion: 0.40},
		},
		MaxTurnsDefault: 10,
		PerTaskMaxTurns: map[string]int{},
		PerTaskTimeouts: map[string]int{
			"classification":     60,
			"sentiment":          60,
			"template_selection": 60,
			"deep_research":      180,
			"long_form_writing":  120,
			"objection_handling": 120,
		},
		DefaultTimeoutSeconds:   120,
		DefaultOutputTokens:     1024,
		CircuitFailureThreshold: 3,
		CircuitCooldownSeconds:  300,
		MaxConcurrentPerTenant:  4,
	}
}

// Parse decodes a YAML document over the defaults and validates it.
// Scalars fall back to their default one by one. A map present in the
// document replaces the default map whole, so deleting an entry from the
// document removes it; a map left out keeps its default.
func Parse(data []byte) (*Policy, error) {
	p := Default()
	p.TierLimits = nil
	p.ModelRouting = nil
	p.ModelPricing = nil
	p.PerTaskMaxTurns = nil
	p.PerTaskTimeouts = nil
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}

	d := Default()
	if p.TierLimits == nil {
		p.TierLimits = d.TierLimits
	}
	if p.ModelRouting == nil {
		p.ModelRouting = d.ModelRouting
	}
	if p.ModelPricing == nil {
		p.ModelPricing = d.ModelPricing
	}
	if p.PerTaskMaxTurns == nil {
		p.PerTaskMaxTurns = d.PerTaskMaxTurns
	}
	if p.PerTaskTimeouts == nil {
		p.PerTaskTimeouts = d.PerTaskTimeouts
	}

	tiers, err := normalizeTiers(p.TierLimits)
	if err != nil {
		return nil, err
	}
	p.TierLimits = tiers

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Tier names are case-insensitive: "Ignition" and "ignition" are one tier.
func tierKey(tier string) string {
	return strings.ToLower(strings.TrimSpace(tier))
}

func normalizeTiers(in map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(in))
	for tier, limit := range in {
		key := tierKey(tier)
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("tier_limits: %q is listed twice", key)
		}
		out[key] = limit
	}
	return out, nil
}

func (p *Policy) Validate() error {
	var errs []error
	if len(p.TierLimits) == 0 {
		errs = append(errs, errors.New("tier_limits must not be empty"))
	}
	for tier, limit := range p.TierLimits {
		if limit < 0 {
			errs = append(errs, fmt.Errorf("tier_limits.%s must be >= 0", tier))
		}
	}
	if p.OrgCriticalThreshold > 0 && p.OrgCriticalThreshold < p.OrgWarningThreshold {
		errs = append(errs, errors.New("org_critical_threshold must be >= org_warning_threshold"))
	}
	if p.PerCallHardCap > 0 && p.PerCallWarnThreshold > p.PerCallHardCap {
		errs = append(errs, errors.New("per_call_warn_threshold must be below per_call_hard_cap"))
	}
	if p.TrendMultiplier <= 1 {
		errs = append(errs, errors.New("trend_multiplier must be > 1"))
	}
	if p.TrendWindowDays <= 0 {
		errs = append(errs, errors.New("trend_window_days must be > 0"))
	}
	if p.CacheTTLSeconds <= 0 {
		errs = append(errs, errors.New("cache_ttl_seconds must be > 0"))
	}
	if p.DefaultModel == "" {
		errs = append(errs, errors.New("default_model is required"))
	}
	if p.MaxTurnsDefault <= 0 {
		errs = append(errs, errors.New("max_turns_default must be > 0"))
	}
	if p.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("default_timeout_seconds must be > 0"))
	}
	if p.CircuitFailureThreshold <= 0 {
		errs = append(errs, errors.New("circuit_failure_threshold must be > 0"))
	}
	if p.CircuitCooldownSeconds <= 0 {
		errs = append(errs, errors.New("circuit_cooldown_seconds must be > 0"))
	}
	if p.MaxConcurrentPerTenant <= 0 {
		errs = append(errs, errors.New("max_concurrent_per_tenant must be > 0"))
	}
	return errors.Join(errs...)
}

// TierLimit returns the daily cap for a tier.
func (p *Policy) TierLimit(tier string) (float64, bool) {
	limit, ok := p.TierLimits[tierKey(tier)]
	return limit, ok
}

// MaxTurns returns the turn budget for a task type.
func (p *Policy) MaxTurns(taskType string) int {
	if n, ok := p.PerTaskMaxTurns[taskType]; ok && n > 0 {
		return n
	}
	return p.MaxTurnsDefault
}

// Timeout returns the wall-clock budget for a task type.
func (p *Policy) Timeout(taskType string) time.Duration {
	if s, ok := p.PerTaskTimeouts[taskType]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	return time.Duration(p.DefaultTimeoutSeconds) * time.Second
}

func (p *Policy) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLSeconds) * time.Second
}

func (p *Policy) CircuitCooldown() time.Duration {
	return time.Duration(p.CircuitCooldownSeconds) * time.Second
}

// PricingFor returns the rates for a model. Unknown models are priced at zero.
func (p *Policy) PricingFor(model string) Pricing {
	return p.ModelPricing[model]
}
