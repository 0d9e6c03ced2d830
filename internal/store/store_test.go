package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/sabiseeds/agentmesh/internal/model"
	"github.com/sabiseeds/agentmesh/internal/orcherrors"
)

func newTestStore(t *testing.T) *DurableStore {
	t.Helper()
	meter := metricnoop.NewMeterProvider().Meter("test")
	s, err := New(t.TempDir(), meter)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetTaskRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &model.Task{ID: "task-1", Description: "do a thing", State: model.TaskPending, CreatedAt: time.Now()}
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("put task: %v", err)
	}

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Description != "do a thing" {
		t.Fatalf("unexpected description: %q", got.Description)
	}
}

func TestGetTaskMissingReturnsNotFound(t *testing.T) {
	_, err := newTestStore(t).GetTask(context.Background(), "does-not-exist")
	if !errors.Is(err, orcherrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutTaskUpdatesStateIndexOnTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &model.Task{ID: "task-1", State: model.TaskPending, CreatedAt: time.Now()}
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("put task: %v", err)
	}

	task.State = model.TaskCompleted
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("put task (transition): %v", err)
	}

	pending, err := s.ListTasksByState(ctx, model.TaskPending, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, tk := range pending {
		if tk.ID == "task-1" {
			t.Fatal("task-1 should no longer appear under the pending index")
		}
	}

	completed, err := s.ListTasksByState(ctx, model.TaskCompleted, 0)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	found := false
	for _, tk := range completed {
		if tk.ID == "task-1" {
			found = true
		}
	}
	if !found {
		t.Fatal("task-1 should appear under the completed index")
	}
}

func TestPutSubtaskResultIsIdempotentByCompositeKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	result := &model.SubTaskResult{TaskID: "task-1", SubtaskID: "sub-1", WorkerID: "worker-1", Outcome: model.OutcomeCompleted, CreatedAt: time.Now()}

	inserted, err := s.PutSubtaskResult(ctx, result)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to report inserted=true")
	}

	inserted, err = s.PutSubtaskResult(ctx, result)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate (task_id, subtask_id) insert to report inserted=false")
	}

	results, err := s.ListSubtaskResults(ctx, "task-1")
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one persisted result, got %d", len(results))
	}
}

func TestAppendAndListActivityLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := &model.ActivityLog{TaskID: "task-1", Level: model.LogInfo, Message: "step", CreatedAt: time.Now()}
		if err := s.AppendActivityLog(ctx, entry); err != nil {
			t.Fatalf("append activity log: %v", err)
		}
	}

	logs, err := s.ListActivityLogs(ctx, "task-1")
	if err != nil {
		t.Fatalf("list activity logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}
}

func TestPruneActivityLogsBeforeCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &model.ActivityLog{TaskID: "task-1", Level: model.LogInfo, Message: "old", CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := &model.ActivityLog{TaskID: "task-1", Level: model.LogInfo, Message: "recent", CreatedAt: time.Now()}
	if err := s.AppendActivityLog(ctx, old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := s.AppendActivityLog(ctx, recent); err != nil {
		t.Fatalf("append recent: %v", err)
	}

	pruned, err := s.PruneActivityLogsBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", pruned)
	}

	remaining, err := s.ListActivityLogs(ctx, "task-1")
	if err != nil {
		t.Fatalf("list after prune: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Message != "recent" {
		t.Fatalf("expected only the recent entry to survive, got %+v", remaining)
	}
}

func TestWithTaskLockSerializesConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := &model.Task{ID: "task-1", State: model.TaskPending, CreatedAt: time.Now()}
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("put task: %v", err)
	}

	const n = 20
	var active int32
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			done <- s.WithTaskLock("task-1", func() error {
				defer atomic.AddInt32(&active, -1)
				if atomic.AddInt32(&active, 1) != 1 {
					return errors.New("two writers held the task lock at once")
				}
				tk, err := s.GetTask(ctx, "task-1")
				if err != nil {
					return err
				}
				tk.UpdatedAt = time.Now()
				return s.PutTask(ctx, tk)
			})
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent write failed: %v", err)
		}
	}
}
