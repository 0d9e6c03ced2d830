// Package resultproc implements the ResultProcessor: a long-running
// loop that drains result_queue, persists each SubTaskResult
// idempotently, advances the task's DAG, and detects task completion
// or failure (spec §4.3). The dual idempotency mechanism — a CoordStore
// SETNX-with-TTL marker plus the DurableStore's composite-key
// uniqueness check — keeps a fast cache marker and a durable index in
// sync before any DAG-advance write is attempted.
package resultproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sabiseeds/agentmesh/internal/activity"
	"github.com/sabiseeds/agentmesh/internal/coord"
	"github.com/sabiseeds/agentmesh/internal/model"
	"github.com/sabiseeds/agentmesh/internal/orcherrors"
	"github.com/sabiseeds/agentmesh/internal/store"
)

const processedMarkerTTL = 24 * time.Hour

// AvailabilityMarker marks a worker available after it reports a
// result (satisfied by *registry.Registry.MarkAvailable).
type AvailabilityMarker func(ctx context.Context, workerID string) error

// ResultProcessor drains result_queue and advances task DAGs.
type ResultProcessor struct {
	coord         *coord.CoordStore
	store         *store.DurableStore
	markAvailable AvailabilityMarker
	dequeueTimeout time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer

	activityLog *activity.Recorder

	processed   metric.Int64Counter
	duplicates  metric.Int64Counter
	tasksDone   metric.Int64Counter
	tasksFailed metric.Int64Counter
}

// SetActivityRecorder wires the optional ActivityLog writer (spec §3).
func (p *ResultProcessor) SetActivityRecorder(r *activity.Recorder) {
	p.activityLog = r
}

// Config bundles the ResultProcessor's tunables.
type Config struct {
	DequeueTimeout time.Duration
}

// New builds a ResultProcessor.
func New(cs *coord.CoordStore, ds *store.DurableStore, markAvailable AvailabilityMarker, meter metric.Meter, logger *slog.Logger, cfg Config) *ResultProcessor {
	processed, _ := meter.Int64Counter("agentmesh_resultproc_processed_total")
	duplicates, _ := meter.Int64Counter("agentmesh_resultproc_duplicates_total")
	tasksDone, _ := meter.Int64Counter("agentmesh_resultproc_tasks_completed_total")
	tasksFailed, _ := meter.Int64Counter("agentmesh_resultproc_tasks_failed_total")

	return &ResultProcessor{
		coord:          cs,
		store:          ds,
		markAvailable:  markAvailable,
		dequeueTimeout: cfg.DequeueTimeout,
		logger:         logger,
		tracer:         otel.Tracer("agentmesh-resultproc"),
		processed:      processed,
		duplicates:     duplicates,
		tasksDone:      tasksDone,
		tasksFailed:    tasksFailed,
	}
}

// Run drains result_queue until ctx is cancelled. Multiple Run
// goroutines may execute concurrently; the per-task striped mutex in
// DurableStore serializes DAG-advance writes for a given task.
func (p *ResultProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := p.coord.DequeueResult(ctx, p.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue result_queue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if raw == nil {
			continue
		}

		p.handleResult(ctx, raw)
	}
}

func (p *ResultProcessor) handleResult(ctx context.Context, raw []byte) {
	var result model.SubTaskResult
	if err := json.Unmarshal(raw, &result); err != nil {
		err = fmt.Errorf("unmarshal subtask result: %w: %w", orcherrors.ErrPoisonMessage, err)
		p.logger.Error("poison message on result_queue", "error", err)
		p.activityLog.Record(ctx, model.LogError, "", "", "poison message dropped from result_queue", map[string]string{"error": err.Error()})
		_ = p.coord.AckResult(ctx, raw)
		return
	}

	ctx, span := p.tracer.Start(ctx, "resultproc.handle_result",
		trace.WithAttributes(
			attribute.String("task_id", result.TaskID),
			attribute.String("subtask_id", result.SubtaskID),
		))
	defer span.End()

	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}

	claimed, err := p.coord.MarkResultProcessed(ctx, result.TaskID, result.SubtaskID, result.WorkerID, processedMarkerTTL)
	if err != nil {
		p.logger.Error("mark result processed failed", "error", err)
		return // leave on result_queue; will be redelivered per at-least-once semantics
	}
	if !claimed {
		p.duplicates.Add(ctx, 1)
		_ = p.coord.AckResult(ctx, raw)
		if p.markAvailable != nil {
			_ = p.markAvailable(ctx, result.WorkerID)
		}
		return
	}

	if err := p.store.WithTaskLock(result.TaskID, func() error {
		return p.advance(ctx, &result)
	}); err != nil {
		p.logger.Error("advance task failed", "task_id", result.TaskID, "subtask_id", result.SubtaskID, "error", err)
		return // leave on result_queue for redelivery; the processed-marker above is per (task,subtask,worker), not per delivery attempt
	}

	p.processed.Add(ctx, 1)
	_ = p.coord.AckResult(ctx, raw)
	if p.markAvailable != nil {
		_ = p.markAvailable(ctx, result.WorkerID)
	}
	p.logger.Info("subtask result processed", "task_id", result.TaskID, "subtask_id", result.SubtaskID, "outcome", result.Outcome)
	level := model.LogInfo
	if result.Outcome == model.OutcomeFailed {
		level = model.LogWarn
	}
	p.activityLog.Record(ctx, level, result.WorkerID, result.TaskID, "subtask result processed", map[string]string{"subtask_id": result.SubtaskID, "outcome": string(result.Outcome)})
}

// advance implements spec §4.3 steps 1-6 under the per-task lock.
func (p *ResultProcessor) advance(ctx context.Context, result *model.SubTaskResult) error {
	inserted, err := p.store.PutSubtaskResult(ctx, result)
	if err != nil {
		return fmt.Errorf("persist subtask result: %w", err)
	}
	if !inserted {
		return nil // durable-store leg of the dual idempotency check
	}

	// The subtask's result is now durably terminal (completed or
	// failed): it can never again be "already_queued" or "running", so
	// drop its queued marker before anything below might re-derive the
	// ready set from a stale view of it (spec §4.3 step 6).
	if err := p.coord.ClearQueuedSubtask(ctx, result.TaskID, result.SubtaskID); err != nil {
		p.logger.Error("clear queued subtask marker failed", "task_id", result.TaskID, "subtask_id", result.SubtaskID, "error", err)
	}

	task, err := p.store.GetTask(ctx, result.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.State == model.TaskCancelled {
		// The late result is persisted above; a cancelled task keeps its
		// state and enqueues no successors.
		return nil
	}

	results, err := p.store.ListSubtaskResults(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("list subtask results: %w", err)
	}

	completed := map[string]bool{}
	failed := map[string]bool{}
	for _, r := range results {
		switch r.Outcome {
		case model.OutcomeCompleted:
			completed[r.SubtaskID] = true
		case model.OutcomeFailed:
			failed[r.SubtaskID] = true
		}
	}

	if len(failed) > 0 {
		firstFailed := firstFailedID(task.Subtasks, failed)
		task.State = model.TaskFailed
		task.Error = fmt.Sprintf("subtask %s failed, blocking dependents", firstFailed)
		task.UpdatedAt = time.Now()
		if err := p.store.PutTask(ctx, task); err != nil {
			return fmt.Errorf("persist failed task: %w", err)
		}
		p.tasksFailed.Add(ctx, 1)
		p.activityLog.Record(ctx, model.LogError, "", task.ID, task.Error, nil)
		if err := p.coord.ClearQueuedTask(ctx, task.ID); err != nil {
			p.logger.Error("clear queued-subtask set failed", "task_id", task.ID, "error", err)
		}
		return nil
	}

	allSettled := true
	for _, st := range task.Subtasks {
		if !completed[st.ID] {
			allSettled = false
			break
		}
	}
	if allSettled {
		task.State = model.TaskCompleted
		task.AggregateResult = buildAggregate(results)
		task.UpdatedAt = time.Now()
		if err := p.store.PutTask(ctx, task); err != nil {
			return fmt.Errorf("persist completed task: %w", err)
		}
		p.tasksDone.Add(ctx, 1)
		p.activityLog.Record(ctx, model.LogInfo, "", task.ID, "task completed", nil)
		if err := p.coord.ClearQueuedTask(ctx, task.ID); err != nil {
			p.logger.Error("clear queued-subtask set failed", "task_id", task.ID, "error", err)
		}
		return nil
	}

	// queued tracks every subtask id CoordStore has marked outstanding
	// for this task — pending on work_queue, in flight, or already
	// dispatched to a worker and awaiting its result (spec §4.3 step 6's
	// "already_queued" and "running" exclusions are the same condition
	// here: EnqueueWork sets the marker and only a terminal result
	// clears it, so a subtask dispatched to a worker stays marked the
	// whole time a second concurrent advance() call could otherwise
	// re-enqueue it).
	queued, err := p.coord.QueuedSubtaskIDs(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("determine queued subtasks: %w", err)
	}

	var newlyReady []model.SubTask
	for _, st := range task.Subtasks {
		if completed[st.ID] || failed[st.ID] || queued[st.ID] {
			continue
		}
		if allDepsCompleted(st.Dependencies, completed) {
			newlyReady = append(newlyReady, st)
		}
	}

	for _, st := range newlyReady {
		upstream := buildUpstreamContext(st.Dependencies, results)
		item := model.DispatchItem{TaskID: task.ID, Subtask: st, UpstreamContext: upstream}
		body, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal newly-ready dispatch item: %w", err)
		}
		if err := p.coord.EnqueueWork(ctx, task.ID, st.ID, body); err != nil {
			return fmt.Errorf("enqueue newly-ready subtask %s: %w", st.ID, err)
		}
	}

	task.UpdatedAt = time.Now()
	if err := p.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("persist in-progress task: %w", err)
	}
	return nil
}

func firstFailedID(subtasks []model.SubTask, failed map[string]bool) string {
	for _, st := range subtasks {
		if failed[st.ID] {
			return st.ID
		}
	}
	return ""
}

func allDepsCompleted(deps []string, completed map[string]bool) bool {
	for _, d := range deps {
		if !completed[d] {
			return false
		}
	}
	return true
}

func buildUpstreamContext(deps []string, results []*model.SubTaskResult) json.RawMessage {
	if len(deps) == 0 {
		return nil
	}
	byID := make(map[string]json.RawMessage, len(results))
	for _, r := range results {
		byID[r.SubtaskID] = r.Output
	}
	ctx := make(map[string]json.RawMessage, len(deps))
	for _, d := range deps {
		if out, ok := byID[d]; ok {
			ctx[d] = out
		}
	}
	blob, err := json.Marshal(ctx)
	if err != nil {
		return nil
	}
	return blob
}

func buildAggregate(results []*model.SubTaskResult) json.RawMessage {
	flat := make([]model.SubTaskResult, 0, len(results))
	for _, r := range results {
		flat = append(flat, *r)
	}
	agg := model.AggregateResult{SubtaskResults: flat, Summary: "all completed"}
	blob, err := json.Marshal(agg)
	if err != nil {
		return nil
	}
	return blob
}
