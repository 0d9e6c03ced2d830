package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sabiseeds/agentmesh/internal/model"
	"github.com/sabiseeds/agentmesh/internal/store"
)

// Recorder is the write-side of ActivityLog (spec §3): every component
// that observes something worth recording — a dispatch, a result, a
// task transition — calls Record, which persists to DurableStore (the
// source of truth) and opportunistically publishes to the NATS bus so a
// UI or alerting sidecar can observe it live. A nil *Recorder is valid
// and a no-op, so components can be built before a Recorder exists and
// wired up afterward via SetActivityRecorder.
type Recorder struct {
	store  *store.DurableStore
	bus    *Bus
	logger *slog.Logger
}

// NewRecorder builds a Recorder. bus may be nil if the activity
// publish/subscribe bus is unavailable; persistence to DurableStore
// still happens.
func NewRecorder(ds *store.DurableStore, bus *Bus, logger *slog.Logger) *Recorder {
	return &Recorder{store: ds, bus: bus, logger: logger}
}

// Record persists an ActivityLog entry and best-effort publishes it.
// Safe to call on a nil *Recorder.
func (r *Recorder) Record(ctx context.Context, level model.LogLevel, workerID, taskID, message string, metadata any) {
	if r == nil {
		return
	}
	var raw json.RawMessage
	if metadata != nil {
		if blob, err := json.Marshal(metadata); err == nil {
			raw = blob
		}
	}
	entry := &model.ActivityLog{
		WorkerID:  workerID,
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Metadata:  raw,
		CreatedAt: time.Now(),
	}
	if err := r.store.AppendActivityLog(ctx, entry); err != nil && r.logger != nil {
		r.logger.Error("persist activity log failed", "error", err)
	}
	if r.bus != nil {
		_ = r.bus.Publish(ctx, entry)
	}
}
