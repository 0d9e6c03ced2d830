// Package maintenance runs the periodic background jobs that keep the
// orchestrator healthy but sit outside the request/response and
// dispatch/result hot paths: the stale-busy-worker guard (spec.md §9),
// queue-depth sampling into the log, and an activity-log retention sweep.
// Scheduling uses github.com/robfig/cron/v3 with cron.WithSeconds()
// precision; the job set is fixed rather than dynamically registered,
// since the orchestrator has no per-tenant schedule concept to manage.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/sabiseeds/agentmesh/internal/coord"
	"github.com/sabiseeds/agentmesh/internal/registry"
	"github.com/sabiseeds/agentmesh/internal/store"
)

// Config bundles the maintenance jobs' tunables.
type Config struct {
	StaleBusyCron       string        // e.g. "*/30 * * * * *" (every 30s)
	StaleBusyMaxBusy    time.Duration // how long a worker may stay busy before being forced available
	QueueSampleCron     string        // e.g. "*/10 * * * * *"
	RetentionCron       string        // e.g. "0 0 * * * *" (hourly)
	ActivityRetention   time.Duration // activity log entries older than this are pruned
}

// DefaultConfig checks for stale busy workers every 30s (freeing any
// busy longer than 10 minutes), samples queue depths every 10s, and
// prunes activity logs older than 7 days once an hour.
func DefaultConfig() Config {
	return Config{
		StaleBusyCron:     "*/30 * * * * *",
		StaleBusyMaxBusy:  10 * time.Minute,
		QueueSampleCron:   "*/10 * * * * *",
		RetentionCron:     "0 0 * * * *",
		ActivityRetention: 7 * 24 * time.Hour,
	}
}

// Scheduler drives the orchestrator's background maintenance jobs.
type Scheduler struct {
	cron   *cron.Cron
	coord  *coord.CoordStore
	store  *store.DurableStore
	reg    *registry.Registry
	logger *slog.Logger
	cfg    Config

	staleBusyForced metric.Int64Counter
	logsPruned      metric.Int64Counter
}

// New builds a Scheduler. Call Start to begin running jobs.
func New(cs *coord.CoordStore, ds *store.DurableStore, reg *registry.Registry, meter metric.Meter, logger *slog.Logger, cfg Config) *Scheduler {
	staleBusyForced, _ := meter.Int64Counter("agentmesh_maintenance_stale_busy_forced_total")
	logsPruned, _ := meter.Int64Counter("agentmesh_maintenance_activity_logs_pruned_total")

	return &Scheduler{
		cron:            cron.New(cron.WithSeconds()),
		coord:           cs,
		store:           ds,
		reg:             reg,
		logger:          logger,
		cfg:             cfg,
		staleBusyForced: staleBusyForced,
		logsPruned:      logsPruned,
	}
}

// Start registers the cron jobs and begins running them.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.StaleBusyCron, func() { s.runStaleBusyGuard(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.QueueSampleCron, func() { s.sampleQueueDepths(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.RetentionCron, func() { s.pruneActivityLogs(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("maintenance scheduler started")
	return nil
}

// Stop gracefully stops the scheduler, waiting for in-flight jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runStaleBusyGuard forces workers that have been busy for longer than
// StaleBusyMaxBusy back to available, per spec.md §9's open question
// on stale busy workers (decision recorded in DESIGN.md).
func (s *Scheduler) runStaleBusyGuard(ctx context.Context) {
	ids, err := s.reg.StaleBusyWorkerIDs(ctx, s.cfg.StaleBusyMaxBusy)
	if err != nil {
		s.logger.Error("stale busy guard: list failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := s.reg.MarkAvailable(ctx, id); err != nil {
			s.logger.Error("stale busy guard: force available failed", "worker_id", id, "error", err)
			continue
		}
		s.staleBusyForced.Add(ctx, 1)
		s.logger.Warn("forced stale busy worker back to available", "worker_id", id)
	}
}

// sampleQueueDepths logs the current work_queue/result_queue depths so
// operators can observe backpressure (spec.md §4.2.1, §5's "operators
// observe via queue length metrics").
func (s *Scheduler) sampleQueueDepths(ctx context.Context) {
	workDepth, err := s.coord.WorkQueueDepth(ctx)
	if err != nil {
		s.logger.Error("sample work_queue depth failed", "error", err)
		return
	}
	resultDepth, err := s.coord.ResultQueueDepth(ctx)
	if err != nil {
		s.logger.Error("sample result_queue depth failed", "error", err)
		return
	}
	s.logger.Info("queue depth sample", "work_queue", workDepth, "result_queue", resultDepth)
}

// pruneActivityLogs deletes activity log entries older than
// ActivityRetention, keeping the bbolt file from growing unbounded.
func (s *Scheduler) pruneActivityLogs(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ActivityRetention)
	removed, err := s.store.PruneActivityLogsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("prune activity logs failed", "error", err)
		return
	}
	if removed > 0 {
		s.logsPruned.Add(ctx, int64(removed))
		s.logger.Info("pruned activity logs", "removed", removed, "cutoff", cutoff)
	}
}
