// Package decompose wraps a Planner call, normalizes its output into a
// validated subtask DAG, and computes the initial ready set (spec §4.1).
// Cycle detection is a full Kahn's-algorithm pass: in-degree tracking
// that runs the complete topological sort and fails unless every node
// is consumed by it, rather than stopping at "at least one root node
// exists" (which would accept a graph with a root but a cycle further
// downstream).
package decompose

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sabiseeds/agentmesh/internal/model"
	"github.com/sabiseeds/agentmesh/internal/orcherrors"
	"github.com/sabiseeds/agentmesh/internal/planner"
)

// Result is the Decomposer's output: the normalized subtask list plus
// the initial ready set (priority-descending, declaration-order stable).
type Result struct {
	Subtasks []model.SubTask
	Ready    []model.SubTask
}

// Decomposer turns a task description into a validated subtask DAG.
type Decomposer struct {
	planner       planner.Planner
	vocabulary    []model.Capability
	plannerTimeout time.Duration
}

// New builds a Decomposer over the given Planner.
func New(p planner.Planner, plannerTimeout time.Duration) *Decomposer {
	vocab := make([]model.Capability, 0, len(model.Capabilities))
	for c := range model.Capabilities {
		vocab = append(vocab, c)
	}
	sort.Slice(vocab, func(i, j int) bool { return vocab[i] < vocab[j] })
	return &Decomposer{planner: p, vocabulary: vocab, plannerTimeout: plannerTimeout}
}

// Decompose runs the full algorithm of spec §4.1: call Planner, parse,
// mint ids, rewrite dependency indices, validate, cycle-check, and
// compute the ready set. On ERR_BAD_PLAN or ERR_CYCLIC it falls back to
// a single-subtask DAG instead of returning an error to the caller —
// matching spec.md's "Decomposer MUST fall back" language, so the
// caller (TaskAPI.submit) never needs to render ERR_BAD_PLAN itself.
func (d *Decomposer) Decompose(ctx context.Context, taskID, description string) (*Result, error) {
	plannerCtx, cancel := context.WithTimeout(ctx, d.plannerTimeout)
	defer cancel()

	plan, err := d.planner.Plan(plannerCtx, description, d.vocabulary)
	if err != nil {
		return d.fallback(description), nil
	}

	subtasks, err := normalize(taskID, plan)
	if err != nil {
		return d.fallback(description), nil
	}

	if err := validateAcyclic(subtasks); err != nil {
		return d.fallback(description), nil
	}

	ready := readySet(subtasks)
	return &Result{Subtasks: subtasks, Ready: ready}, nil
}

// fallback builds the single-subtask DAG spec §4.1 mandates on
// ERR_BAD_PLAN / ERR_CYCLIC: the task description verbatim, a
// conservative default capability, priority 5, no dependencies.
func (d *Decomposer) fallback(description string) *Result {
	st := model.SubTask{
		ID:                   mintSubtaskID(),
		Description:          description,
		RequiredCapabilities: []model.Capability{model.DefaultFallbackCapability},
		Dependencies:         nil,
		Priority:             model.DefaultPriority,
	}
	return &Result{Subtasks: []model.SubTask{st}, Ready: []model.SubTask{st}}
}

// normalize converts raw Planner proposals into validated SubTask
// records: mints fresh ids, rewrites 0-based dependency indices to id
// form, clamps priority, drops duplicate and self dependencies, and
// drops subtasks referencing no valid capability (unless it is the
// only subtask, in which case the whole plan is rejected to trigger
// fallback per spec §4.1's edge case).
func normalize(taskID string, plan *planner.Plan) ([]model.SubTask, error) {
	if plan == nil || len(plan.Subtasks) == 0 {
		return nil, fmt.Errorf("empty plan: %w", orcherrors.ErrBadPlan)
	}

	ids := make([]string, len(plan.Subtasks))
	for i := range plan.Subtasks {
		ids[i] = mintSubtaskID()
	}

	subtasks := make([]model.SubTask, 0, len(plan.Subtasks))
	keptIndex := make(map[int]int) // original index -> kept index
	for i, p := range plan.Subtasks {
		caps := filterValidCapabilities(p.RequiredCapabilities)
		if len(caps) == 0 {
			continue // dropped: unknown capability, not the only subtask (checked below)
		}

		deps := make([]string, 0, len(p.DependencyIndices))
		seen := make(map[string]struct{})
		for _, depIdx := range p.DependencyIndices {
			if depIdx < 0 || depIdx >= len(ids) || depIdx == i {
				continue // drop self-dependency and out-of-range references
			}
			depID := ids[depIdx]
			if depID == ids[i] {
				continue
			}
			if _, dup := seen[depID]; dup {
				continue
			}
			seen[depID] = struct{}{}
			deps = append(deps, depID)
		}

		keptIndex[i] = len(subtasks)
		subtasks = append(subtasks, model.SubTask{
			ID:                       ids[i],
			Description:              p.Description,
			RequiredCapabilities:     caps,
			Dependencies:             deps,
			Priority:                 model.ClampPriority(p.Priority),
			EstimatedDurationSeconds: p.EstimatedDurationSeconds,
			InputData:                p.InputData,
		})
	}

	if len(subtasks) == 0 {
		return nil, fmt.Errorf("every proposal dropped: %w", orcherrors.ErrBadPlan)
	}

	// Validate every dependency id resolves inside the kept set; drop
	// dependencies on subtasks that were themselves dropped for bad
	// capabilities (they can no longer gate anything).
	validIDs := make(map[string]struct{}, len(subtasks))
	for _, st := range subtasks {
		validIDs[st.ID] = struct{}{}
	}
	for i := range subtasks {
		filtered := subtasks[i].Dependencies[:0:0]
		for _, depID := range subtasks[i].Dependencies {
			if _, ok := validIDs[depID]; ok {
				filtered = append(filtered, depID)
			}
		}
		subtasks[i].Dependencies = filtered
	}

	return subtasks, nil
}

func filterValidCapabilities(caps []model.Capability) []model.Capability {
	out := make([]model.Capability, 0, len(caps))
	for _, c := range caps {
		if model.ValidCapability(c) {
			out = append(out, c)
		}
	}
	return out
}

// validateAcyclic runs a full Kahn's-algorithm topological sort. It
// fails with ERR_CYCLIC unless every subtask is eventually consumed —
// unlike a check for "at least one root node", this also catches
// cycles that sit downstream of a legitimate root.
func validateAcyclic(subtasks []model.SubTask) error {
	inDegree := make(map[string]int, len(subtasks))
	children := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		if _, ok := inDegree[st.ID]; !ok {
			inDegree[st.ID] = 0
		}
		inDegree[st.ID] += len(st.Dependencies)
		for _, dep := range st.Dependencies {
			children[dep] = append(children[dep], st.ID)
		}
	}

	queue := make([]string, 0, len(subtasks))
	for _, st := range subtasks {
		if inDegree[st.ID] == 0 {
			queue = append(queue, st.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(subtasks) {
		return fmt.Errorf("dependency graph has a cycle: %w", orcherrors.ErrCyclic)
	}
	return nil
}

// readySet returns subtasks with an empty dependency list, sorted
// priority-descending with declaration order as a stable tie-break
// (spec §4.1's tie-break rule).
func readySet(subtasks []model.SubTask) []model.SubTask {
	type indexed struct {
		st  model.SubTask
		idx int
	}
	var candidates []indexed
	for i, st := range subtasks {
		if len(st.Dependencies) == 0 {
			candidates = append(candidates, indexed{st, i})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].st.Priority > candidates[j].st.Priority
	})
	out := make([]model.SubTask, len(candidates))
	for i, c := range candidates {
		out[i] = c.st
	}
	return out
}

func mintSubtaskID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString())
}
