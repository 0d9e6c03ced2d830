// Package registry tracks live workers and their capabilities on top
// of the CoordStore (spec §4.4): registration, heartbeat TTL refresh,
// liveness snapshot, and the capability-matched availability filter
// the Dispatcher uses for worker selection.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sabiseeds/agentmesh/internal/coord"
	"github.com/sabiseeds/agentmesh/internal/model"
)

// Registry is the Registry component of spec §4.4, backed by CoordStore.
type Registry struct {
	coord             *coord.CoordStore
	livenessWindow    time.Duration
	heartbeatInterval time.Duration
}

// New builds a Registry over the given CoordStore.
func New(c *coord.CoordStore, livenessWindow, heartbeatInterval time.Duration) *Registry {
	return &Registry{coord: c, livenessWindow: livenessWindow, heartbeatInterval: heartbeatInterval}
}

// Register adds a worker to the active set and writes its initial
// status with TTL (spec §4.4 register).
func (r *Registry) Register(ctx context.Context, w model.Worker) error {
	status := workerToFields(w)
	return r.coord.RegisterWorker(ctx, w.ID, status, r.livenessWindow)
}

// Heartbeat refreshes a worker's status fields and extends its TTL
// (spec §4.4 heartbeat). available/currentSubtaskID/cpu/mem/completed
// are the worker's self-reported fields.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, available bool, currentSubtaskID string, cpuPct, memPct float64, completedCount int64) error {
	status := map[string]string{
		"available":          strconv.FormatBool(available),
		"current_subtask_id": currentSubtaskID,
		"cpu_pct":            strconv.FormatFloat(cpuPct, 'f', -1, 64),
		"mem_pct":            strconv.FormatFloat(memPct, 'f', -1, 64),
		"completed_count":    strconv.FormatInt(completedCount, 10),
		"last_heartbeat_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	return r.coord.HeartbeatWorker(ctx, workerID, status, r.livenessWindow)
}

// MarkBusy is the Dispatcher's best-effort write marking a worker busy
// immediately after a successful POST /execute (spec §4.2 step 3) —
// the worker will also self-report on its own next heartbeat.
func (r *Registry) MarkBusy(ctx context.Context, workerID, subtaskID string) error {
	return r.coord.HeartbeatWorker(ctx, workerID, map[string]string{
		"available":          "false",
		"current_subtask_id": subtaskID,
		"busy_since":         time.Now().UTC().Format(time.RFC3339Nano),
	}, r.livenessWindow)
}

// MarkAvailable is the ResultProcessor's best-effort write marking the
// reporting worker available again (spec §4.3 step 7), and is also
// used by the MaintenanceScheduler's stale-busy guard (spec.md §9: a
// worker's heartbeat can refresh TTL without an availability
// transition, letting a stale "busy" worker occupy capacity forever).
func (r *Registry) MarkAvailable(ctx context.Context, workerID string) error {
	return r.coord.HeartbeatWorker(ctx, workerID, map[string]string{
		"available":          "true",
		"current_subtask_id": "",
		"busy_since":         "",
	}, r.livenessWindow)
}

// StaleBusyWorkerIDs returns the ids of workers that have been marked
// busy for longer than maxBusyDuration — the guard against the
// stale-busy scenario noted in spec.md §9.
func (r *Registry) StaleBusyWorkerIDs(ctx context.Context, maxBusyDuration time.Duration) ([]string, error) {
	workers, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, w := range workers {
		if !w.Available && !w.BusySince.IsZero() && time.Since(w.BusySince) > maxBusyDuration {
			stale = append(stale, w.ID)
		}
	}
	return stale, nil
}

// Snapshot returns every worker whose TTL has not expired. Stale
// entries discovered in the active set (hash already expired) are
// pruned from workers_active as they're found — readers must never
// observe a worker whose TTL has expired (spec §4.4).
func (r *Registry) Snapshot(ctx context.Context) ([]model.Worker, error) {
	ids, err := r.coord.ActiveWorkerIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}

	workers := make([]model.Worker, 0, len(ids))
	for _, id := range ids {
		fields, err := r.coord.WorkerStatus(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read worker %s status: %w", id, err)
		}
		if fields == nil {
			_ = r.coord.RemoveActiveWorker(ctx, id)
			continue
		}
		w, err := fieldsToWorker(id, fields)
		if err != nil {
			continue
		}
		if time.Since(w.LastHeartbeatAt) > r.livenessWindow {
			_ = r.coord.RemoveActiveWorker(ctx, id)
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// AvailableFor implements the §4.2.1 filter: live AND available AND
// capability-matched by policy, over the given required set.
func (r *Registry) AvailableFor(ctx context.Context, required model.CapabilitySet, policy model.SelectionPolicy) ([]model.Worker, error) {
	all, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Worker
	for _, w := range all {
		if !w.Available {
			continue
		}
		if model.NewCapabilitySet(w.Capabilities).Matches(required, policy) {
			out = append(out, w)
		}
	}
	return out, nil
}

func workerToFields(w model.Worker) map[string]string {
	caps := ""
	for i, c := range w.Capabilities {
		if i > 0 {
			caps += ","
		}
		caps += string(c)
	}
	return map[string]string{
		"endpoint":           w.Endpoint,
		"capabilities":       caps,
		"available":          strconv.FormatBool(w.Available),
		"current_subtask_id": w.CurrentSubtaskID,
		"cpu_pct":            strconv.FormatFloat(w.CPUPercent, 'f', -1, 64),
		"mem_pct":            strconv.FormatFloat(w.MemPercent, 'f', -1, 64),
		"completed_count":    strconv.FormatInt(w.CompletedCount, 10),
		"last_heartbeat_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"busy_since":         "",
	}
}

func fieldsToWorker(id string, fields map[string]string) (model.Worker, error) {
	lastHeartbeat, err := time.Parse(time.RFC3339Nano, fields["last_heartbeat_at"])
	if err != nil {
		return model.Worker{}, fmt.Errorf("parse last_heartbeat_at: %w", err)
	}
	available, _ := strconv.ParseBool(fields["available"])
	cpu, _ := strconv.ParseFloat(fields["cpu_pct"], 64)
	mem, _ := strconv.ParseFloat(fields["mem_pct"], 64)
	completed, _ := strconv.ParseInt(fields["completed_count"], 10, 64)

	var caps []model.Capability
	if raw := fields["capabilities"]; raw != "" {
		start := 0
		for i := 0; i <= len(raw); i++ {
			if i == len(raw) || raw[i] == ',' {
				if i > start {
					caps = append(caps, model.Capability(raw[start:i]))
				}
				start = i + 1
			}
		}
	}

	var busySince time.Time
	if raw := fields["busy_since"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			busySince = t
		}
	}

	return model.Worker{
		ID:               id,
		Endpoint:         fields["endpoint"],
		Capabilities:     caps,
		Available:        available,
		CurrentSubtaskID: fields["current_subtask_id"],
		CPUPercent:       cpu,
		MemPercent:       mem,
		CompletedCount:   completed,
		LastHeartbeatAt:  lastHeartbeat,
		BusySince:        busySince,
	}, nil
}
