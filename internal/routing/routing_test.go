package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-governor/internal/policy"
)

func TestRoute(t *testing.T) {
	r := New(policy.NewStaticSource(policy.Default()))

	tests := []struct {
		taskType string
		want     string
	}{
		{"classification", "claude-3-5-haiku-20241022"},
		{"sentiment", "claude-3-5-haiku-20241022"},
		{"template_selection", "claude-3-5-haiku-20241022"},
		{"deep_research", "claude-3-5-sonnet-20241022"},
		{"long_form_writing", "claude-3-5-sonnet-20241022"},
		{"objection_handling", "claude-3-5-sonnet-20241022"},
		{"unknown_task", "claude-3-5-haiku-20241022"},
	}
	for _, tt := range tests {
		t.Run(tt.taskType, func(t *testing.T) {
			got, err := r.Route(tt.taskType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoute_FollowsPolicyChanges(t *testing.T) {
	src := policy.NewStaticSource(policy.Default())
	r := New(src)

	next := policy.Default()
	next.ModelRouting["classification"] = "gpt-4o-mini"
	src.Set(next)

	got, err := r.Route("classification")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got)
}

func TestRoute_NoDefault(t *testing.T) {
	p := policy.Default()
	p.DefaultModel = ""
	r := New(policy.NewStaticSource(p))

	_, err := r.Route("unknown_task")
	assert.ErrorIs(t, err, ErrNoModel)
}
