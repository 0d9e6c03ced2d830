// Package model defines the core data types of the orchestration system:
// Task, SubTask, SubTaskResult, Worker, and ActivityLog, plus the fixed
// capability vocabulary they share.
package model

import (
	"encoding/json"
	"time"
)

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskCancelled TaskState = "CANCELLED"
)

// Task is a user submission, decomposed into a DAG of subtasks.
type Task struct {
	ID              string          `json:"id"`
	SubmitterID     string          `json:"submitter_id,omitempty"`
	Description     string          `json:"description"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	State           TaskState       `json:"state"`
	Subtasks        []SubTask       `json:"subtasks"`
	AggregateResult json.RawMessage `json:"aggregate_result,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// SubTask is the smallest schedulable unit, assigned to one worker.
type SubTask struct {
	ID                       string          `json:"id"`
	Description              string          `json:"description"`
	RequiredCapabilities     []Capability    `json:"required_capabilities"`
	Dependencies             []string        `json:"dependencies"`
	Priority                 int             `json:"priority"`
	EstimatedDurationSeconds *int            `json:"estimated_duration_seconds,omitempty"`
	InputData                json.RawMessage `json:"input_data,omitempty"`
}

// Outcome is the terminal status a worker reports for a subtask.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
)

// SubTaskResult is a worker's report of a single subtask's execution.
type SubTaskResult struct {
	TaskID              string          `json:"task_id"`
	SubtaskID           string          `json:"subtask_id"`
	WorkerID            string          `json:"worker_id"`
	Outcome             Outcome         `json:"outcome"`
	Output              json.RawMessage `json:"output,omitempty"`
	Error               string          `json:"error,omitempty"`
	ExecutionTimeSeconds float64        `json:"execution_time_seconds"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Worker (a.k.a. Agent) is a remote process that accepts subtask
// execution requests and returns results.
type Worker struct {
	ID                string       `json:"id"`
	Endpoint          string       `json:"endpoint"`
	Capabilities      []Capability `json:"capabilities"`
	Available         bool         `json:"available"`
	CurrentSubtaskID  string       `json:"current_subtask_id,omitempty"`
	CPUPercent        float64      `json:"cpu_pct"`
	MemPercent        float64      `json:"mem_pct"`
	CompletedCount    int64        `json:"completed_count"`
	LastHeartbeatAt   time.Time    `json:"last_heartbeat_at"`
	BusySince         time.Time    `json:"busy_since,omitempty"`
}

// LogLevel is the severity of an ActivityLog entry.
type LogLevel string

const (
	LogInfo  LogLevel = "INFO"
	LogDebug LogLevel = "DEBUG"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// ActivityLog is an append-only audit/observability entry, written by
// both the orchestrator and workers.
type ActivityLog struct {
	WorkerID  string          `json:"worker_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Level     LogLevel        `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DispatchItem is the payload carried on work_queue.
type DispatchItem struct {
	TaskID          string          `json:"task_id"`
	Subtask         SubTask         `json:"subtask"`
	UpstreamContext json.RawMessage `json:"upstream_context,omitempty"`
}

// AggregateResult is the shape of Task.AggregateResult once a task
// reaches COMPLETED.
type AggregateResult struct {
	SubtaskResults []SubTaskResult `json:"subtask_results"`
	Summary        string          `json:"summary"`
}
