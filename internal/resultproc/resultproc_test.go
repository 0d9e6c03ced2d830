package resultproc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/sabiseeds/agentmesh/internal/coord"
	"github.com/sabiseeds/agentmesh/internal/model"
	"github.com/sabiseeds/agentmesh/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProcessor(t *testing.T) (*ResultProcessor, *coord.CoordStore, *store.DurableStore) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	cs := coord.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	meter := metricnoop.NewMeterProvider().Meter("test")
	ds, err := store.New(t.TempDir(), meter)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })

	markAvailable := func(ctx context.Context, workerID string) error { return nil }
	logger := discardLogger()

	p := New(cs, ds, markAvailable, meter, logger, Config{DequeueTimeout: time.Second})
	return p, cs, ds
}

func seedTask(t *testing.T, ds *store.DurableStore, task *model.Task) {
	t.Helper()
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	task.State = model.TaskRunning
	if err := ds.PutTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func TestAdvanceMarksTaskCompletedWhenAllSubtasksSucceed(t *testing.T) {
	p, _, ds := newTestProcessor(t)
	ctx := context.Background()

	task := &model.Task{
		ID: "task-ok",
		Subtasks: []model.SubTask{
			{ID: "a"},
		},
	}
	seedTask(t, ds, task)

	result := &model.SubTaskResult{TaskID: "task-ok", SubtaskID: "a", WorkerID: "w1", Outcome: model.OutcomeCompleted, CreatedAt: time.Now()}
	if err := p.advance(ctx, result); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, err := ds.GetTask(ctx, "task-ok")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != model.TaskCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.State)
	}
	if len(got.AggregateResult) == 0 {
		t.Fatalf("expected aggregate_result to be populated")
	}
}

func TestAdvanceMarksTaskFailedWhenASubtaskFails(t *testing.T) {
	p, _, ds := newTestProcessor(t)
	ctx := context.Background()

	task := &model.Task{
		ID: "task-fail",
		Subtasks: []model.SubTask{
			{ID: "a"},
			{ID: "b", Dependencies: []string{"a"}},
		},
	}
	seedTask(t, ds, task)

	result := &model.SubTaskResult{TaskID: "task-fail", SubtaskID: "a", WorkerID: "w1", Outcome: model.OutcomeFailed, CreatedAt: time.Now()}
	if err := p.advance(ctx, result); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, err := ds.GetTask(ctx, "task-fail")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != model.TaskFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	if got.Error == "" {
		t.Fatalf("expected error message to be set")
	}
}

func TestAdvanceEnqueuesNewlyReadySubtaskWithUpstreamContext(t *testing.T) {
	p, cs, ds := newTestProcessor(t)
	ctx := context.Background()

	task := &model.Task{
		ID: "task-chain",
		Subtasks: []model.SubTask{
			{ID: "fetch"},
			{ID: "analyze", Dependencies: []string{"fetch"}},
		},
	}
	seedTask(t, ds, task)

	output := json.RawMessage(`{"rows":42}`)
	result := &model.SubTaskResult{TaskID: "task-chain", SubtaskID: "fetch", WorkerID: "w1", Outcome: model.OutcomeCompleted, Output: output, CreatedAt: time.Now()}
	if err := p.advance(ctx, result); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, err := ds.GetTask(ctx, "task-chain")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != model.TaskRunning {
		t.Fatalf("expected task to remain RUNNING while analyze is pending, got %s", got.State)
	}

	raw, err := cs.DequeueWork(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue work: %v", err)
	}
	if raw == nil {
		t.Fatalf("expected newly-ready subtask to be enqueued")
	}
	var item model.DispatchItem
	if err := json.Unmarshal(raw, &item); err != nil {
		t.Fatalf("unmarshal dispatch item: %v", err)
	}
	if item.Subtask.ID != "analyze" {
		t.Fatalf("expected analyze subtask to be dispatched, got %s", item.Subtask.ID)
	}
	if len(item.UpstreamContext) == 0 {
		t.Fatalf("expected upstream_context to carry fetch's output")
	}
}

// TestAdvanceDoesNotDoubleEnqueueDependentWithTwoReadyPredecessors covers
// a diamond DAG (root -> {left, right} -> sink) where left and right
// complete in two separate advance() calls. sink becomes ready only
// once, on the second call, and must be enqueued exactly once even
// though both calls observe the same completed/failed snapshot logic.
func TestAdvanceDoesNotDoubleEnqueueDependentWithTwoReadyPredecessors(t *testing.T) {
	p, cs, ds := newTestProcessor(t)
	ctx := context.Background()

	task := &model.Task{
		ID: "task-diamond",
		Subtasks: []model.SubTask{
			{ID: "root"},
			{ID: "left", Dependencies: []string{"root"}},
			{ID: "right", Dependencies: []string{"root"}},
			{ID: "sink", Dependencies: []string{"left", "right"}},
		},
	}
	seedTask(t, ds, task)

	root := &model.SubTaskResult{TaskID: task.ID, SubtaskID: "root", WorkerID: "w1", Outcome: model.OutcomeCompleted, CreatedAt: time.Now()}
	if err := p.advance(ctx, root); err != nil {
		t.Fatalf("advance root: %v", err)
	}

	left := &model.SubTaskResult{TaskID: task.ID, SubtaskID: "left", WorkerID: "w1", Outcome: model.OutcomeCompleted, CreatedAt: time.Now()}
	if err := p.advance(ctx, left); err != nil {
		t.Fatalf("advance left: %v", err)
	}

	right := &model.SubTaskResult{TaskID: task.ID, SubtaskID: "right", WorkerID: "w2", Outcome: model.OutcomeCompleted, CreatedAt: time.Now()}
	if err := p.advance(ctx, right); err != nil {
		t.Fatalf("advance right: %v", err)
	}

	var sinkDispatches int
	for {
		raw, err := cs.DequeueWork(ctx, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("dequeue work: %v", err)
		}
		if raw == nil {
			break
		}
		var item model.DispatchItem
		if err := json.Unmarshal(raw, &item); err != nil {
			t.Fatalf("unmarshal dispatch item: %v", err)
		}
		if item.Subtask.ID == "sink" {
			sinkDispatches++
		}
	}
	if sinkDispatches != 1 {
		t.Fatalf("expected sink to be enqueued exactly once across both completing predecessors, got %d", sinkDispatches)
	}
}

// TestAdvanceDoesNotReenqueueSubtaskStillMarkedQueued reproduces the
// race a second concurrent advance() call could hit: a dependency
// completes and its dependent is enqueued (marked queued in CoordStore)
// but not yet dequeued by a Dispatcher, while a sibling subtask's
// result triggers another advance() for the same task. The still-queued
// dependent must not be enqueued a second time.
func TestAdvanceDoesNotReenqueueSubtaskStillMarkedQueued(t *testing.T) {
	p, cs, ds := newTestProcessor(t)
	ctx := context.Background()

	task := &model.Task{
		ID: "task-race",
		Subtasks: []model.SubTask{
			{ID: "a"},
			{ID: "x", Dependencies: []string{"a"}},
			{ID: "y"},
		},
	}
	seedTask(t, ds, task)

	a := &model.SubTaskResult{TaskID: task.ID, SubtaskID: "a", WorkerID: "w1", Outcome: model.OutcomeCompleted, CreatedAt: time.Now()}
	if err := p.advance(ctx, a); err != nil {
		t.Fatalf("advance a: %v", err)
	}

	// x is now enqueued and marked queued, but not yet dequeued by a
	// Dispatcher — simulate y's result landing before that happens.
	y := &model.SubTaskResult{TaskID: task.ID, SubtaskID: "y", WorkerID: "w2", Outcome: model.OutcomeCompleted, CreatedAt: time.Now()}
	if err := p.advance(ctx, y); err != nil {
		t.Fatalf("advance y: %v", err)
	}

	var xDispatches int
	for {
		raw, err := cs.DequeueWork(ctx, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("dequeue work: %v", err)
		}
		if raw == nil {
			break
		}
		var item model.DispatchItem
		if err := json.Unmarshal(raw, &item); err != nil {
			t.Fatalf("unmarshal dispatch item: %v", err)
		}
		if item.Subtask.ID == "x" {
			xDispatches++
		}
	}
	if xDispatches != 1 {
		t.Fatalf("expected x to stay enqueued exactly once despite a concurrent sibling advance, got %d", xDispatches)
	}
}

func TestHandleResultIsIdempotentOnDuplicateDelivery(t *testing.T) {
	p, cs, ds := newTestProcessor(t)
	ctx := context.Background()

	task := &model.Task{ID: "task-dup", Subtasks: []model.SubTask{{ID: "a"}}}
	seedTask(t, ds, task)

	result := model.SubTaskResult{TaskID: "task-dup", SubtaskID: "a", WorkerID: "w1", Outcome: model.OutcomeCompleted, CreatedAt: time.Now()}
	raw, _ := json.Marshal(result)

	p.handleResult(ctx, raw)
	p.handleResult(ctx, raw)

	results, err := ds.ListSubtaskResults(ctx, "task-dup")
	if err != nil {
		t.Fatalf("list subtask results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one persisted result across duplicate deliveries, got %d", len(results))
	}

	depth, err := cs.ResultQueueDepth(ctx)
	if err != nil {
		t.Fatalf("result queue depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected result_queue to stay empty (handleResult acks directly), got depth=%d", depth)
	}
}
