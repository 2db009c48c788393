package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

var (
	ErrUnsupportedModel = errors.New("no provider serves model")
	ErrAllUnavailable   = errors.New("all providers unavailable")
)

// Pool sends each request to the first provider that serves its model.
// Every provider sits behind its own transport breaker, independent of the
// per-tenant circuit, so a vendor outage fails fast for every tenant.
type Pool struct {
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewPool(providers ...Provider) *Pool {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// A caller giving up says nothing about the vendor.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Pool{
		providers: providers,
		breakers:  breakers,
	}
}

// Resolve picks the provider for model, skipping those whose breaker is open.
func (p *Pool) Resolve(model string) (Provider, error) {
	served := false
	for _, prov := range p.providers {
		if !supports(prov, model) {
			continue
		}
		served = true
		if p.breakers[prov.Name()].State() == gobreaker.StateOpen {
			continue
		}
		return prov, nil
	}
	if !served {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}
	return nil, ErrAllUnavailable
}

func supports(p Provider, model string) bool {
	for _, m := range p.SupportedModels() {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Pool) Complete(ctx context.Context, req *Request) (*Response, error) {
	prov, err := p.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	cb := p.breakers[prov.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return prov.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

func (p *Pool) Name() string {
	return "pool"
}

func (p *Pool) SupportedModels() []string {
	var models []string
	for _, prov := range p.providers {
		models = append(models, prov.SupportedModels()...)
	}
	return models
}

// States reports each provider's transport breaker for the admin surface.
func (p *Pool) States() map[string]string {
	out := make(map[string]string, len(p.breakers))
	for name, cb := range p.breakers {
		out[name] = cb.State().String()
	}
	return out
}
