// Package dispatch implements the Dispatcher: a long-running loop that
// drains work_queue, selects a live+available+capability-matched
// worker uniformly at random, and POSTs the execution request (spec
// §4.2). Worker selection uses math/rand/v2 the same way the
// resilience package's jitter helpers do; the POST itself is wrapped
// in a per-worker resilience.CircuitBreaker and resilience.Retry.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sabiseeds/agentmesh/internal/activity"
	"github.com/sabiseeds/agentmesh/internal/coord"
	"github.com/sabiseeds/agentmesh/internal/model"
	"github.com/sabiseeds/agentmesh/internal/orcherrors"
	"github.com/sabiseeds/agentmesh/internal/registry"
	"github.com/sabiseeds/agentmesh/internal/resilience"
)

// WorkerSelector returns the live, available, capability-matched
// workers for a required capability set (implemented by *registry.Registry).
type WorkerSelector interface {
	AvailableFor(ctx context.Context, required model.CapabilitySet, policy model.SelectionPolicy) ([]model.Worker, error)
}

// Dispatcher drains work_queue and dispatches subtasks to workers.
type Dispatcher struct {
	coord           *coord.CoordStore
	registry        WorkerSelector
	markBusy        func(ctx context.Context, workerID, subtaskID string) error
	httpClient      *http.Client
	selectionPolicy model.SelectionPolicy
	dispatchTimeout time.Duration
	dequeueTimeout  time.Duration
	minBackoff      time.Duration
	maxBackoff      time.Duration
	logger          *slog.Logger
	tracer          trace.Tracer

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker

	activityLog *activity.Recorder

	dispatched metric.Int64Counter
	requeued   metric.Int64Counter
	noWorker   metric.Int64Counter
}

// SetActivityRecorder wires the optional ActivityLog writer (spec §3).
// Safe to leave unset; Record is a no-op on a nil *activity.Recorder.
func (d *Dispatcher) SetActivityRecorder(r *activity.Recorder) {
	d.activityLog = r
}

// Config bundles the tunables spec §6 names for the Dispatcher.
type Config struct {
	SelectionPolicy model.SelectionPolicy
	DispatchTimeout time.Duration
	DequeueTimeout  time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
}

// New builds a Dispatcher. reg provides AvailableFor, and its MarkBusy
// method is used as the best-effort busy-marking hook.
func New(cs *coord.CoordStore, reg *registry.Registry, meter metric.Meter, logger *slog.Logger, cfg Config) *Dispatcher {
	dispatched, _ := meter.Int64Counter("agentmesh_dispatch_dispatched_total")
	requeued, _ := meter.Int64Counter("agentmesh_dispatch_requeued_total")
	noWorker, _ := meter.Int64Counter("agentmesh_dispatch_no_worker_total")

	return &Dispatcher{
		coord:           cs,
		registry:        reg,
		markBusy:        reg.MarkBusy,
		httpClient:      &http.Client{Timeout: cfg.DispatchTimeout},
		selectionPolicy: cfg.SelectionPolicy,
		dispatchTimeout: cfg.DispatchTimeout,
		dequeueTimeout:  cfg.DequeueTimeout,
		minBackoff:      cfg.MinBackoff,
		maxBackoff:      cfg.MaxBackoff,
		logger:          logger,
		tracer:          otel.Tracer("agentmesh-dispatch"),
		breakers:        make(map[string]*resilience.CircuitBreaker),
		dispatched:      dispatched,
		requeued:        requeued,
		noWorker:        noWorker,
	}
}

// Run drains work_queue until ctx is cancelled. Multiple Run goroutines
// may execute concurrently (spec §4.2.2); the CoordStore's BLMove
// primitive guarantees each item reaches exactly one caller.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := d.coord.DequeueWork(ctx, d.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("dequeue work_queue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if raw == nil {
			continue // timeout, no item
		}

		d.handleItem(ctx, raw)
	}
}

func (d *Dispatcher) handleItem(ctx context.Context, raw []byte) {
	var item model.DispatchItem
	if err := json.Unmarshal(raw, &item); err != nil {
		// Poison message: log and drop, never re-enqueue (spec §7).
		err = fmt.Errorf("unmarshal dispatch item: %w: %w", orcherrors.ErrPoisonMessage, err)
		d.logger.Error("poison message on work_queue", "error", err)
		d.activityLog.Record(ctx, model.LogError, "", "", "poison message dropped from work_queue", map[string]string{"error": err.Error()})
		_ = d.coord.AckWork(ctx, raw)
		return
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.handle_item",
		trace.WithAttributes(
			attribute.String("task_id", item.TaskID),
			attribute.String("subtask_id", item.Subtask.ID),
		))
	defer span.End()

	required := model.NewCapabilitySet(item.Subtask.RequiredCapabilities)
	candidates, err := d.registry.AvailableFor(ctx, required, d.selectionPolicy)
	if err != nil {
		d.logger.Error("registry lookup failed", "error", err)
		d.requeueWithBackoff(ctx, raw)
		return
	}

	if len(candidates) == 0 {
		d.noWorker.Add(ctx, 1)
		err := fmt.Errorf("subtask %s: %w", item.Subtask.ID, orcherrors.ErrNoMatchingWorker)
		d.logger.Warn("no matching worker", "task_id", item.TaskID, "error", err)
		d.activityLog.Record(ctx, model.LogWarn, "", item.TaskID, "no live matching worker for subtask, re-enqueued", map[string]string{"subtask_id": item.Subtask.ID})
		d.requeueWithBackoff(ctx, raw)
		return
	}

	worker := candidates[rand.IntN(len(candidates))]
	if err := d.postExecute(ctx, worker, item); err != nil {
		d.logger.Warn("dispatch to worker failed, re-enqueueing", "worker_id", worker.ID, "error", err)
		d.activityLog.Record(ctx, model.LogWarn, worker.ID, item.TaskID, "dispatch transient failure, re-enqueued", map[string]string{"subtask_id": item.Subtask.ID, "error": err.Error()})
		d.requeueWithBackoff(ctx, raw)
		return
	}

	d.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("worker_id", worker.ID)))
	_ = d.markBusy(ctx, worker.ID, item.Subtask.ID)
	_ = d.coord.AckWork(ctx, raw)
	d.logger.Info("subtask dispatched", "task_id", item.TaskID, "subtask_id", item.Subtask.ID, "worker_id", worker.ID)
	d.activityLog.Record(ctx, model.LogInfo, worker.ID, item.TaskID, "subtask dispatched", map[string]string{"subtask_id": item.Subtask.ID})
}

// postExecute POSTs the execution request to the worker's /execute
// endpoint behind a per-worker circuit breaker. The POST goes through
// resilience.Retry with a single attempt; on failure the caller
// re-enqueues the item (spec §4.2 step 2/4).
func (d *Dispatcher) postExecute(ctx context.Context, worker model.Worker, item model.DispatchItem) error {
	breaker := d.breakerFor(worker.ID)
	if !breaker.Allow() {
		return fmt.Errorf("circuit open for worker %s", worker.ID)
	}

	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal dispatch item: %w", err)
	}

	_, err = resilience.Retry(ctx, 1, d.minBackoff, func() (struct{}, error) {
		return struct{}{}, d.doPost(ctx, worker.Endpoint, body)
	})

	breaker.RecordResult(err == nil)
	return err
}

func (d *Dispatcher) doPost(ctx context.Context, endpoint string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(reqCtx, httpHeaderCarrier{req.Header})

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusServiceUnavailable:
		return fmt.Errorf("worker %s returned 503: %w", endpoint, orcherrors.ErrWorkerBusy)
	default:
		return fmt.Errorf("worker returned status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) requeueWithBackoff(ctx context.Context, raw []byte) {
	d.requeued.Add(ctx, 1)
	backoff := d.minBackoff
	if backoff < 100*time.Millisecond {
		backoff = 100 * time.Millisecond
	}
	if backoff > d.maxBackoff {
		backoff = d.maxBackoff
	}
	time.Sleep(backoff)
	if err := d.coord.RequeueWorkTail(ctx, raw); err != nil {
		d.logger.Error("requeue work item failed", "error", err)
	}
}

func (d *Dispatcher) breakerFor(workerID string) *resilience.CircuitBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	b, ok := d.breakers[workerID]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 4, 0.5, 10*time.Second, 2)
		d.breakers[workerID] = b
	}
	return b
}

type httpHeaderCarrier struct{ h http.Header }

func (c httpHeaderCarrier) Get(key string) string   { return c.h.Get(key) }
func (c httpHeaderCarrier) Set(key, value string)   { c.h.Set(key, value) }
func (c httpHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.h))
	for k := range c.h {
		keys = append(keys, k)
	}
	return keys
}
