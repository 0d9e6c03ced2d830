// Package api implements TaskAPI: the thin HTTP surface collaborators
// (UI/CLI, workers) use to submit tasks, poll their state, and manage
// worker registration. Routing uses plain net/http.ServeMux with
// json.NewDecoder/Encoder, on the method+path-pattern form the
// standard mux has supported since Go 1.22.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sabiseeds/agentmesh/internal/activity"
	"github.com/sabiseeds/agentmesh/internal/coord"
	"github.com/sabiseeds/agentmesh/internal/decompose"
	"github.com/sabiseeds/agentmesh/internal/model"
	"github.com/sabiseeds/agentmesh/internal/orcherrors"
	"github.com/sabiseeds/agentmesh/internal/registry"
	"github.com/sabiseeds/agentmesh/internal/resilience"
	"github.com/sabiseeds/agentmesh/internal/store"
)

// Handler wires TaskAPI's dependencies and exposes an http.Handler.
type Handler struct {
	store       *store.DurableStore
	coord       *coord.CoordStore
	registry    *registry.Registry
	decomposer  *decompose.Decomposer
	limiter     *resilience.RateLimiter
	policy      model.SelectionPolicy
	logger      *slog.Logger
	activityLog *activity.Recorder
	mux         *http.ServeMux
}

// ServeHTTP delegates to the registered route mux.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// SetActivityRecorder wires the optional ActivityLog writer (spec §3).
func (h *Handler) SetActivityRecorder(r *activity.Recorder) {
	h.activityLog = r
}

// New builds the TaskAPI Handler and registers its routes on a fresh
// ServeMux.
func New(ds *store.DurableStore, cs *coord.CoordStore, reg *registry.Registry, dec *decompose.Decomposer, limiter *resilience.RateLimiter, policy model.SelectionPolicy, logger *slog.Logger) *Handler {
	h := &Handler{store: ds, coord: cs, registry: reg, decomposer: dec, limiter: limiter, policy: policy, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /tasks", h.submitTask)
	mux.HandleFunc("GET /tasks/{task_id}", h.getTask)
	mux.HandleFunc("POST /tasks/{task_id}/cancel", h.cancelTask)
	mux.HandleFunc("POST /tasks/{task_id}/retry", h.retryTask)
	mux.HandleFunc("GET /workers", h.listWorkers)
	mux.HandleFunc("GET /workers/available", h.listAvailableWorkers)
	mux.HandleFunc("POST /workers/register", h.registerWorker)
	mux.HandleFunc("POST /workers/{worker_id}/heartbeat", h.heartbeatWorker)
	mux.Handle("GET /metrics", promhttp.Handler())
	h.mux = mux
	return h
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type submitRequest struct {
	Description     string `json:"description"`
	SubmitterID     string `json:"submitter_id,omitempty"`
	AttachmentsRef  string `json:"attachments_ref,omitempty"`
}

type submitResponse struct {
	TaskID                string `json:"task_id"`
	SubtasksCount         int    `json:"subtasks_count"`
	InitialSubtasksQueued int    `json:"initial_subtasks_queued"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		writeError(w, http.StatusServiceUnavailable, "submission rate limit exceeded")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := model.ValidateTaskDescription(req.Description); err != nil {
		writeValidationError(w, err)
		return
	}

	ctx := r.Context()
	taskID := mintTaskID()
	now := time.Now()
	task := &model.Task{
		ID:          taskID,
		SubmitterID: req.SubmitterID,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
		State:       model.TaskPending,
	}
	if err := h.store.PutTask(ctx, task); err != nil {
		h.logger.Error("persist new task failed", "error", err)
		writeStoreError(w, err)
		return
	}

	result, err := h.decomposer.Decompose(ctx, taskID, req.Description)
	if err != nil {
		// Decomposer always falls back internally; a non-nil error here
		// means something upstream (not planning) is broken.
		h.logger.Error("decompose failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "decomposition failed")
		return
	}

	task.Subtasks = result.Subtasks
	if len(result.Ready) > 0 {
		task.State = model.TaskRunning
	}
	task.UpdatedAt = time.Now()
	if err := h.store.PutTask(ctx, task); err != nil {
		h.logger.Error("persist decomposed task failed", "error", err)
		writeStoreError(w, err)
		return
	}

	queued := 0
	for _, st := range result.Ready {
		item := model.DispatchItem{TaskID: taskID, Subtask: st}
		body, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if err := h.coord.EnqueueWork(ctx, taskID, st.ID, body); err != nil {
			h.logger.Error("enqueue initial ready subtask failed", "subtask_id", st.ID, "error", err)
			continue
		}
		queued++
	}

	h.activityLog.Record(ctx, model.LogInfo, "", taskID, "task submitted", map[string]any{"subtasks_count": len(result.Subtasks), "initial_subtasks_queued": queued})
	writeJSON(w, http.StatusOK, submitResponse{
		TaskID:                taskID,
		SubtasksCount:         len(result.Subtasks),
		InitialSubtasksQueued: queued,
	})
}

type taskView struct {
	Task           *model.Task             `json:"task"`
	SubtaskResults []*model.SubTaskResult  `json:"subtask_results"`
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	ctx := r.Context()

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	results, err := h.store.ListSubtaskResults(ctx, taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView{Task: task, SubtaskResults: results})
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	ctx := r.Context()

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if task.State != model.TaskPending && task.State != model.TaskRunning {
		writeTransitionError(w, fmt.Errorf("cannot cancel task in state %s: %w", task.State, orcherrors.ErrInvalidTransition))
		return
	}
	task.State = model.TaskCancelled
	task.UpdatedAt = time.Now()
	if err := h.store.PutTask(ctx, task); err != nil {
		writeStoreError(w, err)
		return
	}
	h.activityLog.Record(ctx, model.LogInfo, "", taskID, "task cancelled", nil)
	writeJSON(w, http.StatusOK, taskView{Task: task})
}

// retryTask implements spec §7's manual retry semantics: FAILED -> RUNNING,
// re-enqueues the failed subtasks (not their successors). Prior failed
// SubTaskResult rows are left in place for audit.
func (h *Handler) retryTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	ctx := r.Context()

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if task.State != model.TaskFailed {
		writeTransitionError(w, fmt.Errorf("cannot retry task in state %s: %w", task.State, orcherrors.ErrInvalidTransition))
		return
	}

	results, err := h.store.ListSubtaskResults(ctx, taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	completedOutputs := map[string]json.RawMessage{}
	failedIDs := map[string]bool{}
	for _, r := range results {
		switch r.Outcome {
		case model.OutcomeCompleted:
			completedOutputs[r.SubtaskID] = r.Output
		case model.OutcomeFailed:
			failedIDs[r.SubtaskID] = true
		}
	}

	requeued := 0
	for _, st := range task.Subtasks {
		if !failedIDs[st.ID] {
			continue
		}
		upstream := map[string]json.RawMessage{}
		for _, dep := range st.Dependencies {
			if out, ok := completedOutputs[dep]; ok {
				upstream[dep] = out
			}
		}
		blob, _ := json.Marshal(upstream)
		item := model.DispatchItem{TaskID: taskID, Subtask: st, UpstreamContext: blob}
		body, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if err := h.coord.EnqueueWork(ctx, taskID, st.ID, body); err != nil {
			h.logger.Error("re-enqueue failed subtask failed", "subtask_id", st.ID, "error", err)
			continue
		}
		requeued++
	}

	task.State = model.TaskRunning
	task.Error = ""
	task.UpdatedAt = time.Now()
	if err := h.store.PutTask(ctx, task); err != nil {
		writeStoreError(w, err)
		return
	}
	h.logger.Info("task retried", "task_id", taskID, "requeued_subtasks", requeued)
	h.activityLog.Record(ctx, model.LogInfo, "", taskID, "task retried", map[string]int{"requeued_subtasks": requeued})
	writeJSON(w, http.StatusOK, taskView{Task: task})
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.registry.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (h *Handler) listAvailableWorkers(w http.ResponseWriter, r *http.Request) {
	var caps []model.Capability
	if raw := r.URL.Query().Get("capability"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			caps = append(caps, model.Capability(strings.TrimSpace(c)))
		}
	}
	policy := h.policy
	if raw := r.URL.Query().Get("policy"); raw != "" {
		policy = model.SelectionPolicy(strings.ToUpper(raw))
	}

	workers, err := h.registry.AvailableFor(r.Context(), model.NewCapabilitySet(caps), policy)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

type registerRequest struct {
	WorkerID     string             `json:"worker_id"`
	Endpoint     string             `json:"endpoint"`
	Capabilities []model.Capability `json:"capabilities"`
}

func (h *Handler) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.WorkerID == "" || req.Endpoint == "" || len(req.Capabilities) == 0 {
		writeValidationError(w, fmt.Errorf("worker_id, endpoint and capabilities are required"))
		return
	}
	worker := model.Worker{
		ID:              req.WorkerID,
		Endpoint:        req.Endpoint,
		Capabilities:    req.Capabilities,
		Available:       true,
		LastHeartbeatAt: time.Now(),
	}
	if err := h.registry.Register(r.Context(), worker); err != nil {
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}

type heartbeatRequest struct {
	Available        bool    `json:"available"`
	CurrentSubtaskID string  `json:"current_subtask_id,omitempty"`
	CPUPercent       float64 `json:"cpu_pct"`
	MemPercent       float64 `json:"mem_pct"`
	CompletedCount   int64   `json:"completed_count"`
}

func (h *Handler) heartbeatWorker(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("worker_id")
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	err := h.registry.Heartbeat(r.Context(), workerID, req.Available, req.CurrentSubtaskID, req.CPUPercent, req.MemPercent, req.CompletedCount)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orcherrors.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, orcherrors.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

// writeValidationError surfaces an ErrValidation-wrapped input error as
// HTTP 400 (spec §7).
func writeValidationError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %w", orcherrors.ErrValidation, err).Error())
}

// writeTransitionError surfaces an ErrInvalidTransition-wrapped state
// change attempt as HTTP 400.
func writeTransitionError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func mintTaskID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString())
}
