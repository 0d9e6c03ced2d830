package decompose

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sabiseeds/agentmesh/internal/model"
	"github.com/sabiseeds/agentmesh/internal/planner"
)

type stubPlanner struct {
	plan *planner.Plan
	err  error
}

func (s *stubPlanner) Plan(ctx context.Context, description string, vocabulary []model.Capability) (*planner.Plan, error) {
	return s.plan, s.err
}

func TestDecomposeLinearChainIsAcyclicAndOrdered(t *testing.T) {
	p := &stubPlanner{plan: &planner.Plan{Subtasks: []planner.SubtaskProposal{
		{Description: "fetch web page contents", RequiredCapabilities: []model.Capability{model.CapabilityWebScraping}, Priority: 5},
		{Description: "analyze the fetched data", RequiredCapabilities: []model.Capability{model.CapabilityDataAnalysis}, DependencyIndices: []int{0}, Priority: 7},
	}}}
	d := New(p, time.Second)

	res, err := d.Decompose(context.Background(), "task-1", "fetch then analyze a web page")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Subtasks) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(res.Subtasks))
	}
	if len(res.Ready) != 1 || res.Ready[0].ID != res.Subtasks[0].ID {
		t.Fatalf("expected only the fetch subtask ready, got %+v", res.Ready)
	}
	if len(res.Subtasks[1].Dependencies) != 1 || res.Subtasks[1].Dependencies[0] != res.Subtasks[0].ID {
		t.Fatalf("analyze subtask should depend on fetch subtask id")
	}
}

func TestDecomposeCyclicPlanFallsBackToSingleSubtask(t *testing.T) {
	p := &stubPlanner{plan: &planner.Plan{Subtasks: []planner.SubtaskProposal{
		{Description: "subtask A depends on B", RequiredCapabilities: []model.Capability{model.CapabilityDataAnalysis}, DependencyIndices: []int{1}},
		{Description: "subtask B depends on A", RequiredCapabilities: []model.Capability{model.CapabilityDataAnalysis}, DependencyIndices: []int{0}},
	}}}
	d := New(p, time.Second)

	res, err := d.Decompose(context.Background(), "task-2", "a cyclic plan description here")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Subtasks) != 1 {
		t.Fatalf("expected single-subtask fallback, got %d subtasks", len(res.Subtasks))
	}
	if len(res.Subtasks[0].Dependencies) != 0 {
		t.Fatalf("fallback subtask must have no dependencies")
	}
	if res.Subtasks[0].Priority != model.DefaultPriority {
		t.Fatalf("fallback subtask must use default priority, got %d", res.Subtasks[0].Priority)
	}
}

func TestDecomposePlannerErrorFallsBack(t *testing.T) {
	p := &stubPlanner{err: errors.New("planner unreachable")}
	d := New(p, time.Second)

	res, err := d.Decompose(context.Background(), "task-3", "a description that triggers planner failure")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Subtasks) != 1 {
		t.Fatalf("expected single-subtask fallback, got %d", len(res.Subtasks))
	}
}

func TestDecomposeDropsSelfAndDuplicateDependencies(t *testing.T) {
	p := &stubPlanner{plan: &planner.Plan{Subtasks: []planner.SubtaskProposal{
		{Description: "subtask with self and dup deps", RequiredCapabilities: []model.Capability{model.CapabilityDataAnalysis}, DependencyIndices: []int{0, 0, 0}},
		{Description: "subtask with duplicate deps on the first", RequiredCapabilities: []model.Capability{model.CapabilityDataAnalysis}, DependencyIndices: []int{0, 0}},
	}}}
	d := New(p, time.Second)

	res, err := d.Decompose(context.Background(), "task-4", "a description with a self dependency")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Subtasks) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(res.Subtasks))
	}
	if len(res.Subtasks[0].Dependencies) != 0 {
		t.Fatalf("self-dependency must be dropped, got %v", res.Subtasks[0].Dependencies)
	}
	if deps := res.Subtasks[1].Dependencies; len(deps) != 1 || deps[0] != res.Subtasks[0].ID {
		t.Fatalf("duplicate dependency must collapse to one entry, got %v", deps)
	}
}

func TestReadySetOrderingByPriorityDescendingStable(t *testing.T) {
	subtasks := []model.SubTask{
		{ID: "a", Priority: 3},
		{ID: "b", Priority: 7},
		{ID: "c", Priority: 7},
		{ID: "d", Priority: 1},
	}
	ready := readySet(subtasks)
	want := []string{"b", "c", "a", "d"}
	if len(ready) != len(want) {
		t.Fatalf("expected %d ready subtasks, got %d", len(want), len(ready))
	}
	for i, id := range want {
		if ready[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, ready[i].ID)
		}
	}
}

func TestValidateAcyclicDetectsDownstreamCycle(t *testing.T) {
	subtasks := []model.SubTask{
		{ID: "root", Dependencies: nil},
		{ID: "mid-a", Dependencies: []string{"root", "mid-b"}},
		{ID: "mid-b", Dependencies: []string{"mid-a"}},
	}
	if err := validateAcyclic(subtasks); err == nil {
		t.Fatalf("expected cycle detection to fail on a downstream cycle past a legitimate root")
	}
}
