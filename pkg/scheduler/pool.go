package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentarium/vigil/pkg/config"
	"github.com/agentarium/vigil/pkg/models"
)

const (
	// backoffAfter is the consecutive-failure streak at which an agent's
	// next checks start being deferred.
	backoffAfter = 3
	backoffBase  = 5 * time.Minute
	backoffMax   = 30 * time.Minute

	// defaultStopGrace bounds how long Stop waits for in-flight checks.
	defaultStopGrace = 30 * time.Second
)

// Pool owns the tick loop, the bounded check queues, and the workers
// that drain them.
type Pool struct {
	config    *config.Config
	evaluator Evaluator
	roster    Roster

	workers  []*Worker
	queue    chan checkJob
	priority chan checkJob
	locks    *agentLocks

	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	jobsCancel context.CancelFunc
	started    bool
	stopGrace  time.Duration

	// Per-agent scheduling state: consecutive enqueue drops, consecutive
	// check failures, and the deferrals the failure backoff produces.
	mu           sync.Mutex
	lastTickAt   time.Time
	overflowRuns map[string]int
	failures     map[string]int
	deferUntil   map[string]time.Time

	overflow        atomic.Uint64
	checksProcessed atomic.Uint64

	now func() time.Time
}

// NewPool creates a scheduler pool. The queue holds four jobs per
// worker; the priority queue one per worker.
func NewPool(cfg *config.Config, evaluator Evaluator, roster Roster) *Pool {
	return &Pool{
		config:       cfg,
		evaluator:    evaluator,
		roster:       roster,
		workers:      make([]*Worker, 0, cfg.WorkerCount),
		queue:        make(chan checkJob, cfg.QueueCapacity()),
		priority:     make(chan checkJob, cfg.WorkerCount),
		locks:        newAgentLocks(),
		stopCh:       make(chan struct{}),
		stopGrace:    defaultStopGrace,
		overflowRuns: make(map[string]int),
		failures:     make(map[string]int),
		deferUntil:   make(map[string]time.Time),
		now:          time.Now,
	}
}

// Start spawns the workers and the tick loop. The roster is swept once
// immediately, then every tick interval. It is safe to call multiple
// times; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Scheduler already started, ignoring duplicate Start call")
		return nil
	}
	p.started = true

	jobsCtx, cancel := context.WithCancel(ctx)
	p.jobsCancel = cancel

	slog.Info("Starting check scheduler",
		"worker_count", p.config.WorkerCount,
		"queue_capacity", cap(p.queue),
		"tick_interval", p.config.TickInterval,
		"job_deadline", p.config.JobDeadline())

	for i := 0; i < p.config.WorkerCount; i++ {
		worker := NewWorker(fmt.Sprintf("checker-%d", i), p)
		p.workers = append(p.workers, worker)
		worker.Start(jobsCtx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runTicker(jobsCtx)
	}()

	slog.Info("Check scheduler started")
	return nil
}

// Stop signals workers to stop and waits for in-flight checks to
// finish. Checks still running when the grace period expires are
// cancelled; their locks release as the evaluator unwinds.
func (p *Pool) Stop() {
	slog.Info("Stopping check scheduler")
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		for _, worker := range p.workers {
			worker.Stop()
		}
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Check scheduler stopped gracefully")
	case <-time.After(p.stopGrace):
		slog.Warn("Shutdown grace expired, abandoning in-flight checks",
			"grace", p.stopGrace)
	}

	if p.jobsCancel != nil {
		p.jobsCancel()
	}
}

// CheckNow schedules an immediate high-priority check, used when a new
// agent registers. A check already queued or running for the agent
// satisfies the request.
func (p *Pool) CheckNow(agentAddress string) {
	addr := models.NormalizeAddress(agentAddress)
	if !p.locks.TryAcquire(addr) {
		slog.Debug("Immediate check requested while one is pending", "agent", addr)
		return
	}

	job := checkJob{agentAddress: addr, enqueuedAt: p.now(), priority: true}
	select {
	case p.priority <- job:
		p.clearOverflow(addr)
		return
	default:
	}
	if p.enqueue(job) {
		p.clearOverflow(addr)
		return
	}

	p.locks.Release(addr)
	p.recordOverflow(addr)
	slog.Warn("Immediate check dropped, queue full", "agent", addr)
}

// Health returns the current health snapshot of the scheduler pool.
func (p *Pool) Health() *PoolHealth {
	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	p.mu.Lock()
	lastTick := p.lastTickAt
	deferred := len(p.deferUntil)
	p.mu.Unlock()

	return &PoolHealth{
		IsHealthy:       len(p.workers) > 0,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		QueueDepth:      len(p.queue) + len(p.priority),
		QueueCapacity:   cap(p.queue),
		TrackedAgents:   len(p.roster.ActiveAddresses()),
		DeferredAgents:  deferred,
		Overflow:        p.overflow.Load(),
		ChecksProcessed: p.checksProcessed.Load(),
		LastTickAt:      lastTick,
		WorkerStats:     workerStats,
	}
}

// runTicker sweeps the roster immediately, then once per tick interval.
func (p *Pool) runTicker(ctx context.Context) {
	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	p.tick()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick enqueues one check per active agent, skipping agents with a
// check already in flight and agents deferred by the failure backoff.
func (p *Pool) tick() {
	now := p.now()
	addrs := p.roster.ActiveAddresses()

	active := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		active[addr] = struct{}{}
	}
	p.pruneDeparted(active)

	p.mu.Lock()
	p.lastTickAt = now
	p.mu.Unlock()

	enqueued, inFlight, deferred := 0, 0, 0
	for _, addr := range addrs {
		if p.deferredAt(addr, now) {
			deferred++
			continue
		}
		if !p.locks.TryAcquire(addr) {
			inFlight++
			continue
		}
		if !p.enqueue(checkJob{agentAddress: addr, enqueuedAt: now}) {
			p.locks.Release(addr)
			p.recordOverflow(addr)
			continue
		}
		p.clearOverflow(addr)
		enqueued++
	}

	slog.Debug("Scheduler tick",
		"agents", len(addrs),
		"enqueued", enqueued,
		"in_flight", inFlight,
		"deferred", deferred,
		"queue_depth", len(p.queue))
}

// enqueue offers a job to the main queue without blocking.
func (p *Pool) enqueue(job checkJob) bool {
	select {
	case p.queue <- job:
		return true
	default:
		return false
	}
}

// recordOverflow counts a dropped enqueue. A second consecutive drop
// for the same agent is promoted to a warning.
func (p *Pool) recordOverflow(agentAddress string) {
	p.overflow.Add(1)

	p.mu.Lock()
	p.overflowRuns[agentAddress]++
	run := p.overflowRuns[agentAddress]
	p.mu.Unlock()

	if run >= 2 {
		slog.Warn("Check queue full, agent skipped again",
			"agent", agentAddress,
			"consecutive_drops", run,
			"queue_capacity", cap(p.queue))
	}
}

func (p *Pool) clearOverflow(agentAddress string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.overflowRuns, agentAddress)
}

// deferredAt reports whether the agent's next check is still deferred.
// An expired deferral is cleared on the way out.
func (p *Pool) deferredAt(agentAddress string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.deferUntil[agentAddress]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(p.deferUntil, agentAddress)
	return false
}

// recordResult updates the agent's failure streak after a check. Three
// consecutive failures defer the next check, doubling from backoffBase
// up to backoffMax; any success resets the streak.
func (p *Pool) recordResult(agentAddress string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		delete(p.failures, agentAddress)
		delete(p.deferUntil, agentAddress)
		return
	}

	p.failures[agentAddress]++
	streak := p.failures[agentAddress]
	if streak < backoffAfter {
		return
	}

	delay := backoffDelay(streak)
	p.deferUntil[agentAddress] = p.now().Add(delay)
	slog.Warn("Deferring agent after repeated check failures",
		"agent", agentAddress,
		"consecutive_failures", streak,
		"retry_in", delay,
		"error", err)
}

// backoffDelay is min(backoffMax, backoffBase × 2^(streak−backoffAfter)).
func backoffDelay(streak int) time.Duration {
	shift := streak - backoffAfter
	if shift > 8 {
		return backoffMax
	}
	if d := backoffBase << shift; d < backoffMax {
		return d
	}
	return backoffMax
}

// pruneDeparted drops scheduling state for agents no longer on the
// roster.
func (p *Pool) pruneDeparted(active map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range []map[string]int{p.overflowRuns, p.failures} {
		for addr := range m {
			if _, ok := active[addr]; !ok {
				delete(m, addr)
			}
		}
	}
	for addr := range p.deferUntil {
		if _, ok := active[addr]; !ok {
			delete(p.deferUntil, addr)
		}
	}
}
