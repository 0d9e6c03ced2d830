package planner

import (
	"context"

	"github.com/sabiseeds/agentmesh/internal/model"
)

// EchoPlanner is a deterministic, dependency-free Planner that proposes
// a single subtask covering the whole description. It exists as a
// default/local stand-in for an LLM-backed HTTPPlanner in tests and in
// deployments that have not wired an external decomposition service —
// the Decomposer's own ERR_BAD_PLAN fallback produces the same shape,
// so this Planner simply never triggers it.
type EchoPlanner struct {
	Capability model.Capability
}

// NewEchoPlanner builds an EchoPlanner defaulting to data_analysis.
func NewEchoPlanner() *EchoPlanner {
	return &EchoPlanner{Capability: model.DefaultFallbackCapability}
}

// Plan always returns exactly one proposal spanning the full description.
func (p *EchoPlanner) Plan(ctx context.Context, description string, vocabulary []model.Capability) (*Plan, error) {
	chosen := p.Capability
	if !model.ValidCapability(chosen) && len(vocabulary) > 0 {
		chosen = vocabulary[0]
	}
	return &Plan{
		Subtasks: []SubtaskProposal{
			{
				Description:          description,
				RequiredCapabilities: []model.Capability{chosen},
				DependencyIndices:    nil,
				Priority:             model.DefaultPriority,
			},
		},
	}, nil
}
