// Package coord implements the CoordStore: the ephemeral coordination
// layer over Redis providing work_queue/result_queue FIFO delivery,
// the worker registry's hash+TTL status rows, and opaque state blobs
// (spec §4.5, §6). Connection setup follows the pack's go-redis client
// configuration pattern (pool size, timeouts, ping-on-connect).
package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyWorkQueue        = "work_queue"
	keyWorkInFlight     = "work_queue:in_flight"
	keyResultQueue      = "result_queue"
	keyResultInFlight   = "result_queue:in_flight"
	keyWorkersActive    = "workers_active"
	workerKeyPrefix     = "worker:"
	statePrefix         = "state:"
	processedPrefix     = "processed:"
	queuedSubtasksPrefix = "queued_subtasks:"
)

func queuedSubtasksKey(taskID string) string {
	return queuedSubtasksPrefix + taskID
}

// Config configures the Redis connection backing the CoordStore.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sane connection defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// CoordStore wraps a Redis client with the orchestrator's queue,
// registry, and opaque-state operations.
type CoordStore struct {
	client *redis.Client
}

// New connects to Redis and verifies reachability with a ping.
func New(ctx context.Context, cfg Config) (*CoordStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &CoordStore{client: client}, nil
}

// Close releases the underlying Redis client.
func (c *CoordStore) Close() error {
	return c.client.Close()
}

// EnqueueWork pushes a JSON-encoded DispatchItem onto the tail of
// work_queue (FIFO, §4.5) and, in the same pipeline, records subtaskID
// as queued for taskID. That marker is the single source of truth
// ResultProcessor.advance consults for spec §4.3 step 6's
// "already_queued" exclusion — it stays set across the subtask's
// entire pending -> in-flight -> dispatched-to-worker lifetime, until
// ClearQueuedSubtask removes it on a terminal result, so it cannot be
// fooled by a subtask that has already left work_queue/in_flight for a
// worker's /execute call but has not yet reported back.
func (c *CoordStore) EnqueueWork(ctx context.Context, taskID, subtaskID string, item []byte) error {
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, keyWorkQueue, item)
	pipe.SAdd(ctx, queuedSubtasksKey(taskID), subtaskID)
	_, err := pipe.Exec(ctx)
	return err
}

// DequeueWork blocks up to timeout for one item, atomically moving it
// to the in-flight list (enrichment beyond spec.md's literal dequeue
// contract, grounded in the at-least-once delivery requirement of
// §4.5). An item whose consumer crashes between dequeue and ack stays
// on work_queue:in_flight; this package has no function that moves
// such items back to work_queue.
func (c *CoordStore) DequeueWork(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return c.blockingMove(ctx, keyWorkQueue, keyWorkInFlight, timeout)
}

// AckWork removes an item from the in-flight list once fully processed.
func (c *CoordStore) AckWork(ctx context.Context, item []byte) error {
	return c.client.LRem(ctx, keyWorkInFlight, 1, item).Err()
}

// RequeueWorkTail re-enqueues item at the tail of work_queue (Dispatcher
// backoff re-enqueue, §4.2) and removes it from the in-flight list.
func (c *CoordStore) RequeueWorkTail(ctx context.Context, item []byte) error {
	pipe := c.client.TxPipeline()
	pipe.LRem(ctx, keyWorkInFlight, 1, item)
	pipe.RPush(ctx, keyWorkQueue, item)
	_, err := pipe.Exec(ctx)
	return err
}

// QueuedSubtaskIDs returns the subtask ids currently marked queued for
// a task — every subtask EnqueueWork has pushed and ClearQueuedSubtask
// has not yet cleared, spanning pending, in-flight, and
// dispatched-to-worker (running) states alike.
func (c *CoordStore) QueuedSubtaskIDs(ctx context.Context, taskID string) (map[string]bool, error) {
	members, err := c.client.SMembers(ctx, queuedSubtasksKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(members))
	for _, m := range members {
		out[m] = true
	}
	return out, nil
}

// ClearQueuedSubtask removes a subtask's queued marker once its result
// has been durably recorded (the subtask is now completed or failed,
// never again "already_queued" or "running").
func (c *CoordStore) ClearQueuedSubtask(ctx context.Context, taskID, subtaskID string) error {
	return c.client.SRem(ctx, queuedSubtasksKey(taskID), subtaskID).Err()
}

// ClearQueuedTask drops a task's entire queued-subtask marker set once
// the task reaches a terminal state, so the set doesn't linger in Redis.
func (c *CoordStore) ClearQueuedTask(ctx context.Context, taskID string) error {
	return c.client.Del(ctx, queuedSubtasksKey(taskID)).Err()
}

// EnqueueResult pushes a JSON-encoded SubTaskResult onto result_queue.
func (c *CoordStore) EnqueueResult(ctx context.Context, item []byte) error {
	return c.client.RPush(ctx, keyResultQueue, item).Err()
}

// DequeueResult blocks up to timeout for one result item.
func (c *CoordStore) DequeueResult(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return c.blockingMove(ctx, keyResultQueue, keyResultInFlight, timeout)
}

// AckResult removes an item from the result in-flight list.
func (c *CoordStore) AckResult(ctx context.Context, item []byte) error {
	return c.client.LRem(ctx, keyResultInFlight, 1, item).Err()
}

func (c *CoordStore) blockingMove(ctx context.Context, source, dest string, timeout time.Duration) ([]byte, error) {
	val, err := c.client.BLMove(ctx, source, dest, "LEFT", "RIGHT", timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

// WorkQueueDepth reports the current length of work_queue, used by the
// maintenance scheduler's queue-depth sampler, which logs it (spec §4.2.1,
// §5's "operators monitor queue depth").
func (c *CoordStore) WorkQueueDepth(ctx context.Context) (int64, error) {
	return c.client.LLen(ctx, keyWorkQueue).Result()
}

// ResultQueueDepth reports the current length of result_queue.
func (c *CoordStore) ResultQueueDepth(ctx context.Context) (int64, error) {
	return c.client.LLen(ctx, keyResultQueue).Result()
}

// RegisterWorker writes a worker's status hash with TTL and adds it to
// the active-workers set (spec §4.4 register).
func (c *CoordStore) RegisterWorker(ctx context.Context, workerID string, status map[string]string, ttl time.Duration) error {
	key := workerKeyPrefix + workerID
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, status)
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, keyWorkersActive, workerID)
	_, err := pipe.Exec(ctx)
	return err
}

// HeartbeatWorker refreshes a worker's status fields and extends its TTL
// (spec §4.4 heartbeat).
func (c *CoordStore) HeartbeatWorker(ctx context.Context, workerID string, status map[string]string, ttl time.Duration) error {
	key := workerKeyPrefix + workerID
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, status)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// WorkerStatus reads back a worker's hash fields; returns (nil, nil) if
// the key has expired (readers must not observe an expired worker,
// spec §4.4).
func (c *CoordStore) WorkerStatus(ctx context.Context, workerID string) (map[string]string, error) {
	res, err := c.client.HGetAll(ctx, workerKeyPrefix+workerID).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res, nil
}

// ActiveWorkerIDs returns the workers_active set membership. Entries
// whose hash has already expired are stale pointers the Registry layer
// filters during snapshot — the set itself is not TTL'd per worker.
func (c *CoordStore) ActiveWorkerIDs(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, keyWorkersActive).Result()
}

// RemoveActiveWorker drops a worker id from the active set, used when
// the Registry observes an expired status hash during snapshot.
func (c *CoordStore) RemoveActiveWorker(ctx context.Context, workerID string) error {
	return c.client.SRem(ctx, keyWorkersActive, workerID).Err()
}

// MarkResultProcessed performs a SETNX-with-TTL on a (task_id,
// subtask_id, worker_id) composite key, used as the first of two
// idempotency mechanisms for ResultProcessor ingestion (spec §4.3,
// §7). Returns true if this call newly claimed the key (i.e. this is
// the first delivery); false if it was already set (a duplicate).
func (c *CoordStore) MarkResultProcessed(ctx context.Context, taskID, subtaskID, workerID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s%s:%s:%s", processedPrefix, taskID, subtaskID, workerID)
	return c.client.SetNX(ctx, key, 1, ttl).Result()
}

// PutState stores an opaque blob under state:<key> with a TTL, used
// only by worker tools per spec §6's CoordStore layout.
func (c *CoordStore) PutState(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	return c.client.Set(ctx, statePrefix+key, []byte(value), ttl).Err()
}

// GetState retrieves a previously stored opaque blob.
func (c *CoordStore) GetState(ctx context.Context, key string) (json.RawMessage, error) {
	val, err := c.client.Get(ctx, statePrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(val), nil
}
