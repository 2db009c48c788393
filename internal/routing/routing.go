// Package routing maps task types to models using the live policy.
package routing

import (
	"errors"

	"github.com/vnmchuo/llm-governor/internal/policy"
)

var ErrNoModel = errors.New("no model configured")

type Router struct {
	policy policy.Source
}

func New(source policy.Source) *Router {
	return &Router{policy: source}
}

// Route returns the model for taskType, falling back to default_model.
// The table is read on every call so a policy reload takes effect at once.
func (r *Router) Route(taskType string) (string, error) {
	p := r.policy.Current()
	if model, ok := p.ModelRouting[taskType]; ok && model != "" {
		return model, nil
	}
	if p.DefaultModel == "" {
		return "", ErrNoModel
	}
	return p.DefaultModel, nil
}
