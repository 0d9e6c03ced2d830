// Command worker is a reference implementation of the wire contract
// spec §6 fixes for Workers (a.k.a. Agents): it registers with the
// orchestrator's TaskAPI, heartbeats on a ticker, serves GET /health
// and POST /execute, and reports SubTaskResult directly onto the
// CoordStore's result_queue (the producer side of that queue is the
// Worker per spec §4.5's table). What the subtask actually does is out
// of scope (spec §1) — this binary's Executor is a toy stand-in a real
// agent implementation replaces; the registration, heartbeat, and
// accept/busy machinery around it is the part this repo specifies.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sabiseeds/agentmesh/internal/coord"
	"github.com/sabiseeds/agentmesh/internal/executor"
	"github.com/sabiseeds/agentmesh/internal/logging"
	"github.com/sabiseeds/agentmesh/internal/model"
)

func main() {
	var (
		workerID    = flag.String("worker-id", envOr("AGENTMESH_WORKER_ID", "worker-1"), "unique worker id")
		listenAddr  = flag.String("addr", envOr("AGENTMESH_WORKER_ADDR", ":9001"), "address this worker listens on")
		selfURL     = flag.String("self-url", envOr("AGENTMESH_WORKER_SELF_URL", "http://localhost:9001"), "URL the orchestrator should use to reach this worker")
		orchAddr    = flag.String("orchestrator-addr", envOr("AGENTMESH_ORCHESTRATOR_ADDR", "http://localhost:8080"), "orchestrator TaskAPI base URL")
		redisAddr   = flag.String("redis-addr", envOr("AGENTMESH_REDIS_ADDR", "localhost:6379"), "CoordStore Redis address")
		capsFlag    = flag.String("capabilities", envOr("AGENTMESH_WORKER_CAPS", "data_analysis,code_generation"), "comma-separated capability list")
		minExecMS   = flag.Int("min-exec-ms", 50, "minimum simulated execution time in ms")
		maxExecMS   = flag.Int("max-exec-ms", 400, "maximum simulated execution time in ms")
		failPercent = flag.Int("fail-percent", 0, "percent of subtasks the toy executor fails, 0-100")
	)
	flag.Parse()

	logger := logging.Init("agentmesh-worker-" + *workerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var caps []model.Capability
	for _, c := range strings.Split(*capsFlag, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, model.Capability(c))
		}
	}

	cstore, err := coord.New(ctx, coord.DefaultConfig(*redisAddr))
	if err != nil {
		logger.Error("connect coord store failed", "error", err)
		os.Exit(1)
	}
	defer cstore.Close()

	w := &worker{
		id:         *workerID,
		selfURL:    *selfURL,
		orchAddr:   *orchAddr,
		caps:       caps,
		coord:      cstore,
		logger:     logger,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		executor: &toyExecutor{
			min:         time.Duration(*minExecMS) * time.Millisecond,
			max:         time.Duration(*maxExecMS) * time.Millisecond,
			failPercent: *failPercent,
			inner:       executor.NewDefaultRegistry(30 * time.Second),
		},
	}

	if err := w.register(ctx); err != nil {
		logger.Error("initial registration failed", "error", err)
		os.Exit(1)
	}

	go w.heartbeatLoop(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", w.health)
	mux.HandleFunc("POST /execute", w.execute)
	srv := &http.Server{Addr: *listenAddr, Handler: mux}

	go func() {
		logger.Info("worker listening", "worker_id", w.id, "addr", *listenAddr, "capabilities", caps)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("worker shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// Executor performs a subtask's work and returns either an output blob
// or an error. toyExecutor wraps the capability-dispatched
// executor.Registry with simulated latency and fault injection, useful
// for load-testing the orchestration core independent of whatever real
// backend a production deployment wires in.
type Executor interface {
	Execute(ctx context.Context, subtask model.SubTask, upstreamContext json.RawMessage) (json.RawMessage, error)
}

type toyExecutor struct {
	min, max    time.Duration
	failPercent int
	inner       executor.Executor
}

func (e *toyExecutor) Execute(ctx context.Context, subtask model.SubTask, upstreamContext json.RawMessage) (json.RawMessage, error) {
	delta := e.max - e.min
	wait := e.min
	if delta > 0 {
		wait += time.Duration(rand.Int64N(int64(delta)))
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.failPercent > 0 && rand.IntN(100) < e.failPercent {
		return nil, fmt.Errorf("toy executor simulated failure for subtask %s", subtask.ID)
	}
	return e.inner.Execute(ctx, subtask, upstreamContext)
}

type worker struct {
	id         string
	selfURL    string
	orchAddr   string
	caps       []model.Capability
	coord      *coord.CoordStore
	logger     *slog.Logger
	httpClient *http.Client
	executor   Executor

	mu               sync.Mutex
	available        int32 // atomic bool: 1 available, 0 busy
	currentSubtaskID string
	completedCount   int64
}

func (w *worker) health(wr http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	current := w.currentSubtaskID
	w.mu.Unlock()
	resp := map[string]any{
		"status":    "healthy",
		"worker_id": w.id,
		"available": atomic.LoadInt32(&w.available) == 1,
	}
	if current != "" {
		resp["current_subtask"] = current
	}
	writeJSON(wr, http.StatusOK, resp)
}

type executeRequest struct {
	TaskID          string          `json:"task_id"`
	Subtask         model.SubTask   `json:"subtask"`
	UpstreamContext json.RawMessage `json:"upstream_context,omitempty"`
}

// execute implements POST /execute (spec §6): accept immediately if not
// already busy, then run the subtask asynchronously so the HTTP call
// returns promptly, and report the result directly onto result_queue
// once done (spec §4.5's Worker-is-producer contract).
func (w *worker) execute(wr http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(wr, "malformed request body", http.StatusBadRequest)
		return
	}

	if !atomic.CompareAndSwapInt32(&w.available, 1, 0) {
		writeJSON(wr, http.StatusServiceUnavailable, map[string]string{"status": "busy", "worker_id": w.id})
		return
	}

	w.mu.Lock()
	w.currentSubtaskID = req.Subtask.ID
	w.mu.Unlock()

	writeJSON(wr, http.StatusOK, map[string]string{"status": "accepted", "worker_id": w.id})

	go w.runAndReport(req)
}

func (w *worker) runAndReport(req executeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	output, execErr := w.executor.Execute(ctx, req.Subtask, req.UpstreamContext)
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}

	result := model.SubTaskResult{
		TaskID:               req.TaskID,
		SubtaskID:            req.Subtask.ID,
		WorkerID:             w.id,
		ExecutionTimeSeconds: elapsed,
		CreatedAt:            time.Now().UTC(),
	}
	if execErr != nil {
		result.Outcome = model.OutcomeFailed
		result.Error = execErr.Error()
		w.logger.Warn("subtask execution failed", "subtask_id", req.Subtask.ID, "error", execErr)
	} else {
		result.Outcome = model.OutcomeCompleted
		result.Output = output
		atomic.AddInt64(&w.completedCount, 1)
		w.logger.Info("subtask execution completed", "subtask_id", req.Subtask.ID, "execution_time_seconds", elapsed)
	}

	body, err := json.Marshal(result)
	if err != nil {
		w.logger.Error("marshal subtask result failed", "error", err)
	} else if err := w.coord.EnqueueResult(ctx, body); err != nil {
		w.logger.Error("enqueue subtask result failed", "error", err)
	}

	w.mu.Lock()
	w.currentSubtaskID = ""
	w.mu.Unlock()
	atomic.StoreInt32(&w.available, 1)
}

type registerRequest struct {
	WorkerID     string             `json:"worker_id"`
	Endpoint     string             `json:"endpoint"`
	Capabilities []model.Capability `json:"capabilities"`
}

func (w *worker) register(ctx context.Context) error {
	body, _ := json.Marshal(registerRequest{WorkerID: w.id, Endpoint: w.selfURL, Capabilities: w.caps})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.orchAddr+"/workers/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("registration rejected: status %d", resp.StatusCode)
	}
	atomic.StoreInt32(&w.available, 1)
	w.logger.Info("worker registered", "worker_id", w.id, "endpoint", w.selfURL, "capabilities", w.caps)
	return nil
}

type heartbeatRequest struct {
	Available        bool    `json:"available"`
	CurrentSubtaskID string  `json:"current_subtask_id,omitempty"`
	CPUPercent       float64 `json:"cpu_pct"`
	MemPercent       float64 `json:"mem_pct"`
	CompletedCount   int64   `json:"completed_count"`
}

// heartbeatLoop refreshes this worker's TTL every 10s, the cadence
// spec §4.4 names; the default 60s liveness window spans six such
// intervals.
func (w *worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sendHeartbeat(ctx)
		}
	}
}

func (w *worker) sendHeartbeat(ctx context.Context) {
	w.mu.Lock()
	current := w.currentSubtaskID
	w.mu.Unlock()

	body, _ := json.Marshal(heartbeatRequest{
		Available:        atomic.LoadInt32(&w.available) == 1,
		CurrentSubtaskID: current,
		CPUPercent:       0,
		MemPercent:       0,
		CompletedCount:   atomic.LoadInt64(&w.completedCount),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.orchAddr+"/workers/"+w.id+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		w.logger.Error("build heartbeat request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Warn("heartbeat failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Warn("heartbeat rejected", "status", resp.StatusCode)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
