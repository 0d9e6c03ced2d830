// Package planner defines the boundary to the external task-decomposition
// call: a description goes in, a list of proposed subtask records comes
// out. The model/vendor behind it is out of scope (spec §1) — this
// package only fixes the wire contract the Decomposer normalizes against.
package planner

import (
	"context"
	"encoding/json"

	"github.com/sabiseeds/agentmesh/internal/model"
)

// SubtaskProposal is one entry of a Planner's raw output, prior to ID
// assignment and dependency-index rewriting.
type SubtaskProposal struct {
	Description             string            `json:"description"`
	RequiredCapabilities    []model.Capability `json:"required_capabilities"`
	DependencyIndices       []int             `json:"dependencies_indices"`
	Priority                int               `json:"priority"`
	EstimatedDurationSeconds *int             `json:"estimated_duration_seconds,omitempty"`
	InputData               json.RawMessage   `json:"input_data,omitempty"`
}

// Plan is a Planner's full response to one decomposition call.
type Plan struct {
	Subtasks []SubtaskProposal `json:"subtasks"`
}

// Planner turns a free-form task description into a Plan. Implementations
// may call out to an LLM, a rules engine, or (as here) echo a trivial
// single-step plan; the Decomposer treats every implementation the same way.
type Planner interface {
	Plan(ctx context.Context, description string, vocabulary []model.Capability) (*Plan, error)
}
