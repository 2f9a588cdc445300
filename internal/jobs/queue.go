// Package jobs is the relay's in-process job system: a multi-queue worker
// pool (deliver/apub/maintenance) backed by the persisted job table in
// internal/db, with per-kind backoff and two scheduled maintenance jobs.
package jobs

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/breaker"
	"github.com/klppl/relay/internal/cache"
	"github.com/klppl/relay/internal/db"
)

// Identity is the relay's own actor identity, used to sign outbound
// deliveries and to compose Follow/Accept/Undo activities.
type Identity struct {
	ActorID    string
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// Config bounds worker-pool size per queue.
type Config struct {
	DeliverWorkers     int
	ApubWorkers        int
	MaintenanceWorkers int
}

// DefaultConfig matches the worker counts named in the component design.
func DefaultConfig() Config {
	return Config{DeliverWorkers: 8, ApubWorkers: 2, MaintenanceWorkers: 2}
}

// Queue owns the worker pool, the scheduled-job tickers, and the
// in-memory LastOnline accumulator RecordLastOnline periodically flushes.
type Queue struct {
	store    *db.Store
	breaker  *breaker.Registry
	dedup    *cache.ObjectDedupCache
	nodes    *cache.NodeCache
	actors   *cache.ActorDocCache
	identity Identity
	cfg      Config

	lastOnlineMu sync.Mutex
	lastOnline   map[string]time.Time

	triggerListeners        chan struct{}
	triggerRecordLastOnline chan struct{}
}

// New creates a job queue. Call Start to begin polling.
func New(store *db.Store, reg *breaker.Registry, dedup *cache.ObjectDedupCache, nodes *cache.NodeCache, actors *cache.ActorDocCache, identity Identity, cfg Config) *Queue {
	return &Queue{
		store:                   store,
		breaker:                 reg,
		dedup:                   dedup,
		nodes:                   nodes,
		actors:                  actors,
		identity:                identity,
		cfg:                     cfg,
		lastOnline:              make(map[string]time.Time),
		triggerListeners:        make(chan struct{}, 1),
		triggerRecordLastOnline: make(chan struct{}, 1),
	}
}

// MarkOnline records that authority responded successfully just now. Drained
// into the store the next time RecordLastOnline runs.
func (q *Queue) MarkOnline(authority string) {
	if authority == "" {
		return
	}
	q.lastOnlineMu.Lock()
	q.lastOnline[authority] = time.Now()
	q.lastOnlineMu.Unlock()
}

func (q *Queue) drainLastOnline() map[string]time.Time {
	q.lastOnlineMu.Lock()
	defer q.lastOnlineMu.Unlock()
	drained := q.lastOnline
	q.lastOnline = make(map[string]time.Time)
	return drained
}

// Start launches the worker pools and the scheduler. It returns
// immediately; workers stop when ctx is canceled.
func (q *Queue) Start(ctx context.Context) {
	q.startWorkers(ctx, QueueDeliver, q.cfg.DeliverWorkers)
	q.startWorkers(ctx, QueueApub, q.cfg.ApubWorkers)
	q.startWorkers(ctx, QueueMaintenance, q.cfg.MaintenanceWorkers)
	go q.scheduler(ctx)
}

// TriggerListeners forces an immediate Listeners run without waiting for
// the next 5-minute tick (used by the admin interface).
func (q *Queue) TriggerListeners() {
	select {
	case q.triggerListeners <- struct{}{}:
	default:
	}
}

// TriggerRecordLastOnline forces an immediate RecordLastOnline flush.
func (q *Queue) TriggerRecordLastOnline() {
	select {
	case q.triggerRecordLastOnline <- struct{}{}:
	default:
	}
}

func (q *Queue) scheduler(ctx context.Context) {
	listenersTicker := time.NewTicker(5 * time.Minute)
	lastOnlineTicker := time.NewTicker(10 * time.Minute)
	defer listenersTicker.Stop()
	defer lastOnlineTicker.Stop()

	runListeners := func() {
		if _, err := q.store.Enqueue(QueueMaintenance, KindListeners, "{}", maintenanceTimeoutSec); err != nil {
			slog.Error("enqueue listeners", "error", err)
		}
	}
	runRecordLastOnline := func() {
		if _, err := q.store.Enqueue(QueueMaintenance, KindRecordLastOnline, "{}", maintenanceTimeoutSec); err != nil {
			slog.Error("enqueue record_last_online", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-listenersTicker.C:
			runListeners()
		case <-q.triggerListeners:
			runListeners()
		case <-lastOnlineTicker.C:
			runRecordLastOnline()
		case <-q.triggerRecordLastOnline:
			runRecordLastOnline()
		}
	}
}

func (q *Queue) startWorkers(ctx context.Context, queue string, n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		go q.worker(ctx, queue)
	}
}

// worker repeatedly claims and executes the oldest runnable job on queue,
// sleeping briefly when the queue is empty.
func (q *Queue) worker(ctx context.Context, queue string) {
	idle := 500 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.store.ClaimNext(queue)
		if err != nil {
			if errors.Is(err, db.ErrJobNotFound) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(idle):
				}
				continue
			}
			slog.Error("claim job", "queue", queue, "error", err)
			time.Sleep(idle)
			continue
		}

		q.execute(ctx, job)
	}
}

func (q *Queue) execute(ctx context.Context, job db.Job) {
	err := q.run(ctx, job)
	switch {
	case err == nil:
		if err := q.store.CompleteJob(job.ID); err != nil {
			slog.Error("complete job", "job_id", job.ID, "kind", job.Kind, "error", err)
		}
	case errors.Is(err, ap.ErrBreakerOpen):
		// Completes successfully from the queue's perspective: a repeat
		// attempt while the breaker is open would be wasted.
		if err := q.store.CompleteJob(job.ID); err != nil {
			slog.Error("complete breaker-skipped job", "job_id", job.ID, "error", err)
		}
	default:
		// job.Attempt counts earlier failed runs; this failure is attempt+1.
		attempt := job.Attempt + 1
		if attempt >= maxAttempts {
			slog.Warn("dropping job after max attempts", "job_id", job.ID, "kind", job.Kind, "attempts", attempt, "error", err)
			if derr := q.store.DropJob(job.ID); derr != nil {
				slog.Error("drop job", "job_id", job.ID, "error", derr)
			}
			return
		}
		slog.Warn("job failed, retrying", "job_id", job.ID, "kind", job.Kind, "attempt", attempt, "error", err)
		next := time.Now().Add(backoff(job.Kind, attempt))
		if rerr := q.store.RetryJob(job.ID, next); rerr != nil {
			slog.Error("retry job", "job_id", job.ID, "error", rerr)
		}
	}
}

func (q *Queue) run(ctx context.Context, job db.Job) error {
	switch job.Kind {
	case KindDeliver:
		return q.runDeliver(ctx, job)
	case KindDeliverMany:
		return q.runDeliverMany(job)
	case KindAnnounce:
		return q.runAnnounce(job)
	case KindFollow:
		return q.runFollow(job)
	case KindForward:
		return q.runForward(job)
	case KindUndo:
		return q.runUndo(job)
	case KindReject:
		return q.runReject(job)
	case KindQueryInstance:
		return q.runQueryInstance(ctx, job)
	case KindQueryNodeinfo:
		return q.runQueryNodeinfo(ctx, job)
	case KindQueryContact:
		return q.runQueryContact(ctx, job)
	case KindRecordLastOnline:
		return q.runRecordLastOnline()
	case KindListeners:
		return q.runListeners()
	default:
		slog.Error("unknown job kind, dropping", "kind", job.Kind)
		return nil
	}
}

func unmarshalPayload(payload string, v interface{}) error {
	return json.Unmarshal([]byte(payload), v)
}

func marshalPayload(v interface{}) string {
	data, _ := json.Marshal(v)
	return string(data)
}
