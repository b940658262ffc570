package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single check worker draining the pool's queues.
type Worker struct {
	id       string
	pool     *Pool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu              sync.RWMutex
	status          WorkerStatus
	currentAgent    string
	checksProcessed int
	lastActivity    time.Time
}

// NewWorker creates a new check worker.
func NewWorker(id string, pool *Pool) *Worker {
	return &Worker{
		id:           id,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:              w.id,
		Status:          string(w.status),
		CurrentAgent:    w.currentAgent,
		ChecksProcessed: w.checksProcessed,
		LastActivity:    w.lastActivity,
	}
}

// run is the main worker loop. High-priority jobs are taken first when
// both queues have work.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Check worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Check worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, check worker shutting down")
			return
		case job := <-w.pool.priority:
			w.process(ctx, job)
		default:
			select {
			case <-w.stopCh:
				log.Info("Check worker shutting down")
				return
			case <-ctx.Done():
				log.Info("Context cancelled, check worker shutting down")
				return
			case job := <-w.pool.priority:
				w.process(ctx, job)
			case job := <-w.pool.queue:
				w.process(ctx, job)
			}
		}
	}
}

// process runs one check under the job deadline and releases the
// agent's lock when done. A check that outlives the deadline is
// abandoned; the evaluator sees the cancelled context and aborts
// without a state update.
func (w *Worker) process(ctx context.Context, job checkJob) {
	defer w.pool.locks.Release(job.agentAddress)

	w.setStatus(WorkerStatusWorking, job.agentAddress)
	defer w.setStatus(WorkerStatusIdle, "")

	checkCtx, cancel := context.WithTimeout(ctx, w.pool.config.JobDeadline())
	defer cancel()

	err := w.check(checkCtx, job.agentAddress)
	switch {
	case err != nil && errors.Is(checkCtx.Err(), context.DeadlineExceeded):
		slog.Warn("Check abandoned at deadline",
			"worker_id", w.id,
			"agent", job.agentAddress,
			"deadline", w.pool.config.JobDeadline(),
			"queued_for", time.Since(job.enqueuedAt))
	case err != nil:
		slog.Warn("Check failed",
			"worker_id", w.id,
			"agent", job.agentAddress,
			"priority", job.priority,
			"error", err)
	}

	w.pool.recordResult(job.agentAddress, err)
	w.pool.checksProcessed.Add(1)

	w.mu.Lock()
	w.checksProcessed++
	w.mu.Unlock()
}

// check invokes the evaluator, converting a panic into an error so one
// bad check cannot take down the pool.
func (w *Worker) check(ctx context.Context, agentAddress string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
			slog.Error("Recovered panic during agent check",
				"worker_id", w.id,
				"agent", agentAddress,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	return w.pool.evaluator.CheckAgent(ctx, agentAddress)
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, agentAddress string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentAgent = agentAddress
	w.lastActivity = time.Now()
}
