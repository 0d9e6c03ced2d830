// Package store implements the DurableStore: the persistent source of
// truth for tasks, subtask results, and activity logs, backed by an
// embedded bbolt database with a bucket-per-entity layout, manually
// maintained secondary-index buckets (cursor prefix scans), a
// read-through memory cache, and OTel read/write latency histograms.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sabiseeds/agentmesh/internal/model"
	"github.com/sabiseeds/agentmesh/internal/orcherrors"
)

var (
	bucketTasks          = []byte("tasks")
	bucketSubtaskResults = []byte("subtask_results")
	bucketActivityLogs   = []byte("activity_logs")
	bucketIndexes        = []byte("indexes")
)

const (
	stripeCount  = 64
	maxCacheSize = 2000
)

// DurableStore is the bbolt-backed source of truth for task state,
// subtask results, and activity logs (spec §4.3, §6).
type DurableStore struct {
	db *bbolt.DB

	mu       sync.RWMutex
	taskMem  map[string]*model.Task
	cacheLRU []string

	stripes [stripeCount]sync.Mutex

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// New opens (or creates) the bbolt database at dbPath and prepares all
// buckets used by the orchestrator.
func New(dbPath string, meter metric.Meter) (*DurableStore, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(dbPath+"/agentmesh.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketSubtaskResults, bucketActivityLogs, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("agentmesh_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("agentmesh_store_write_ms")
	cacheHits, _ := meter.Int64Counter("agentmesh_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("agentmesh_store_cache_misses_total")

	return &DurableStore{
		db:           db,
		taskMem:      make(map[string]*model.Task),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}, nil
}

// Close releases the underlying database handle.
func (s *DurableStore) Close() error {
	return s.db.Close()
}

func (s *DurableStore) stripeFor(taskID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return &s.stripes[h.Sum32()%stripeCount]
}

// WithTaskLock serializes concurrent writers touching the same task
// row (spec §5), using a fixed-size array of striped mutexes so the
// lock set doesn't grow unbounded with task count.
func (s *DurableStore) WithTaskLock(taskID string, fn func() error) error {
	m := s.stripeFor(taskID)
	m.Lock()
	defer m.Unlock()
	return fn()
}

// PutTask persists a task, overwriting any prior row, and refreshes
// the (state) and (created_at DESC) secondary indexes.
func (s *DurableStore) PutTask(ctx context.Context, task *model.Task) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "put_task")))
	}()

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		indexes := tx.Bucket(bucketIndexes)

		if prior := tasks.Get([]byte(task.ID)); prior != nil {
			var old model.Task
			if json.Unmarshal(prior, &old) == nil {
				_ = indexes.Delete(stateIndexKey(old.State, old.ID))
			}
		}

		if err := tasks.Put([]byte(task.ID), data); err != nil {
			return err
		}
		if err := indexes.Put(stateIndexKey(task.State, task.ID), []byte(task.ID)); err != nil {
			return err
		}
		return indexes.Put(createdAtIndexKey(task.CreatedAt, task.ID), []byte(task.ID))
	})
	if err != nil {
		return fmt.Errorf("write task: %w: %w", orcherrors.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	s.cachePutLocked(task)
	s.mu.Unlock()

	return nil
}

func (s *DurableStore) cachePutLocked(task *model.Task) {
	if _, exists := s.taskMem[task.ID]; !exists {
		if len(s.cacheLRU) >= maxCacheSize {
			evictID := s.cacheLRU[0]
			s.cacheLRU = s.cacheLRU[1:]
			delete(s.taskMem, evictID)
		}
		s.cacheLRU = append(s.cacheLRU, task.ID)
	}
	cp := *task
	s.taskMem[task.ID] = &cp
}

// GetTask retrieves a task by ID, serving from the in-memory cache
// when possible.
func (s *DurableStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "get_task")))
	}()

	s.mu.RLock()
	if t, ok := s.taskMem[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1)
		cp := *t
		return &cp, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1)

	var task model.Task
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, fmt.Errorf("read task: %w: %w", orcherrors.ErrStoreUnavailable, err)
	}
	if !found {
		return nil, fmt.Errorf("task %s: %w", id, orcherrors.ErrNotFound)
	}

	s.mu.Lock()
	s.cachePutLocked(&task)
	s.mu.Unlock()

	return &task, nil
}

// ListTasksByState returns up to limit tasks in the given state, via
// the (state) secondary index.
func (s *DurableStore) ListTasksByState(ctx context.Context, state model.TaskState, limit int) ([]*model.Task, error) {
	var out []*model.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexes := tx.Bucket(bucketIndexes)
		tasks := tx.Bucket(bucketTasks)
		prefix := []byte(fmt.Sprintf("state:%s:", state))
		c := indexes.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix) && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			data := tasks.Get(v)
			if data == nil {
				continue
			}
			var t model.Task
			if json.Unmarshal(data, &t) != nil {
				continue
			}
			out = append(out, &t)
		}
		return nil
	})
	return out, err
}

// ListRecentTasks returns up to limit tasks ordered newest-first, via
// the (created_at DESC) secondary index.
func (s *DurableStore) ListRecentTasks(ctx context.Context, limit int) ([]*model.Task, error) {
	var out []*model.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexes := tx.Bucket(bucketIndexes)
		tasks := tx.Bucket(bucketTasks)
		prefix := []byte("created:")
		c := indexes.Cursor()
		for k, v := c.Last(); k != nil && hasPrefix(k, prefix) && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			data := tasks.Get(v)
			if data == nil {
				continue
			}
			var t model.Task
			if json.Unmarshal(data, &t) != nil {
				continue
			}
			out = append(out, &t)
		}
		return nil
	})
	return out, err
}

// PutSubtaskResult persists a subtask result under a composite key of
// (task_id, subtask_id), rejecting duplicates so redelivered queue
// items never double-apply against the DAG (spec §4.4, §7 idempotency).
// Returns true if the result was newly stored, false if it was already
// present (a duplicate, to be dropped silently by the caller).
func (s *DurableStore) PutSubtaskResult(ctx context.Context, result *model.SubTaskResult) (bool, error) {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "put_subtask_result")))
	}()

	key := resultKey(result.TaskID, result.SubtaskID)
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}

	inserted := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSubtaskResults)
		if bucket.Get(key) != nil {
			return nil
		}
		inserted = true
		if err := bucket.Put(key, data); err != nil {
			return err
		}
		indexes := tx.Bucket(bucketIndexes)
		return indexes.Put(resultIndexKey(result.TaskID, result.SubtaskID), key)
	})
	if err != nil {
		return false, fmt.Errorf("write subtask result: %w", err)
	}
	return inserted, nil
}

// ListSubtaskResults returns all results recorded for a task.
func (s *DurableStore) ListSubtaskResults(ctx context.Context, taskID string) ([]*model.SubTaskResult, error) {
	var out []*model.SubTaskResult
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexes := tx.Bucket(bucketIndexes)
		results := tx.Bucket(bucketSubtaskResults)
		prefix := []byte(fmt.Sprintf("result:%s:", taskID))
		c := indexes.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data := results.Get(v)
			if data == nil {
				continue
			}
			var r model.SubTaskResult
			if json.Unmarshal(data, &r) != nil {
				continue
			}
			out = append(out, &r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// AppendActivityLog persists an activity log entry, indexed by task ID
// and creation time for retention sweeps and per-task retrieval.
func (s *DurableStore) AppendActivityLog(ctx context.Context, entry *model.ActivityLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal activity log: %w", err)
	}
	key := []byte(fmt.Sprintf("%s:%d", entry.TaskID, entry.CreatedAt.UnixNano()))
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketActivityLogs)
		if err := bucket.Put(key, data); err != nil {
			return err
		}
		indexes := tx.Bucket(bucketIndexes)
		return indexes.Put(activityIndexKey(entry.TaskID, entry.CreatedAt), key)
	})
}

// ListActivityLogs returns activity log entries for a task, oldest first.
func (s *DurableStore) ListActivityLogs(ctx context.Context, taskID string) ([]*model.ActivityLog, error) {
	var out []*model.ActivityLog
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexes := tx.Bucket(bucketIndexes)
		logs := tx.Bucket(bucketActivityLogs)
		prefix := []byte(fmt.Sprintf("activity:%s:", taskID))
		c := indexes.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data := logs.Get(v)
			if data == nil {
				continue
			}
			var a model.ActivityLog
			if json.Unmarshal(data, &a) != nil {
				continue
			}
			out = append(out, &a)
		}
		return nil
	})
	return out, err
}

// PruneActivityLogsBefore deletes activity log entries older than cutoff,
// used by the maintenance retention sweep.
func (s *DurableStore) PruneActivityLogsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		indexes := tx.Bucket(bucketIndexes)
		logs := tx.Bucket(bucketActivityLogs)
		prefix := []byte("activity:")
		c := indexes.Cursor()
		var staleIndexKeys, staleLogKeys [][]byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			ts, ok := activityIndexTimestamp(k)
			if !ok || ts.After(cutoff) {
				continue
			}
			kk := append([]byte(nil), k...)
			vv := append([]byte(nil), v...)
			staleIndexKeys = append(staleIndexKeys, kk)
			staleLogKeys = append(staleLogKeys, vv)
		}
		for i := range staleIndexKeys {
			if err := indexes.Delete(staleIndexKeys[i]); err != nil {
				return err
			}
			if err := logs.Delete(staleLogKeys[i]); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func stateIndexKey(state model.TaskState, taskID string) []byte {
	return []byte(fmt.Sprintf("state:%s:%s", state, taskID))
}

func createdAtIndexKey(createdAt time.Time, taskID string) []byte {
	return []byte(fmt.Sprintf("created:%020d:%s", createdAt.UnixNano(), taskID))
}

func resultKey(taskID, subtaskID string) []byte {
	return []byte(fmt.Sprintf("%s:%s", taskID, subtaskID))
}

func resultIndexKey(taskID, subtaskID string) []byte {
	return []byte(fmt.Sprintf("result:%s:%s", taskID, subtaskID))
}

func activityIndexKey(taskID string, createdAt time.Time) []byte {
	return []byte(fmt.Sprintf("activity:%s:%020d", taskID, createdAt.UnixNano()))
}

func activityIndexTimestamp(key []byte) (time.Time, bool) {
	var taskID string
	var nanos int64
	if _, err := fmt.Sscanf(string(key), "activity:%s", &taskID); err != nil {
		return time.Time{}, false
	}
	parts := splitLast(string(key), ':')
	if parts == "" {
		return time.Time{}, false
	}
	if _, err := fmt.Sscanf(parts, "%d", &nanos); err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

func splitLast(s string, sep byte) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[i+1:]
		}
	}
	return ""
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
