// Package scheduler drives the liveness check rotation: a ticker
// enumerates the tracked agent set, a bounded queue feeds a pool of
// check workers, and keyed try-locks guarantee at most one in-flight
// check per agent.
package scheduler

import (
	"context"
	"time"
)

// Evaluator runs a single liveness check for one agent. Implementations
// are expected to catch their own domain errors; anything returned here
// counts as a transient failure for backoff purposes.
type Evaluator interface {
	CheckAgent(ctx context.Context, agentAddress string) error
}

// Roster enumerates the agents currently in the check rotation. Dead
// agents are expected to have been removed already.
type Roster interface {
	ActiveAddresses() []string
}

// checkJob is one queued liveness check.
type checkJob struct {
	agentAddress string
	enqueuedAt   time.Time
	priority     bool
}

// PoolHealth contains health information for the entire scheduler pool.
type PoolHealth struct {
	IsHealthy       bool           `json:"is_healthy"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalWorkers    int            `json:"total_workers"`
	QueueDepth      int            `json:"queue_depth"`
	QueueCapacity   int            `json:"queue_capacity"`
	TrackedAgents   int            `json:"tracked_agents"`
	DeferredAgents  int            `json:"deferred_agents"`
	Overflow        uint64         `json:"overflow"`
	ChecksProcessed uint64         `json:"checks_processed"`
	LastTickAt      time.Time      `json:"last_tick_at"`
	WorkerStats     []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth contains health information for a single check worker.
type WorkerHealth struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"` // "idle" or "working"
	CurrentAgent    string    `json:"current_agent,omitempty"`
	ChecksProcessed int       `json:"checks_processed"`
	LastActivity    time.Time `json:"last_activity"`
}
