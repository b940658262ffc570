package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentarium/vigil/pkg/config"
)

const (
	agentA = "0xaa00567890123456789012345678901234567890"
	agentB = "0xbb00567890123456789012345678901234567890"
)

func testSchedulerConfig() *config.Config {
	return &config.Config{
		TickInterval: 25 * time.Millisecond,
		WorkerCount:  2,
	}
}

// staticRoster is a fixed agent set.
type staticRoster []string

func (r staticRoster) ActiveAddresses() []string { return r }

// stubEvaluator records check calls. A test can plug in a check
// function to block, fail, or sleep.
type stubEvaluator struct {
	mu    sync.Mutex
	calls map[string]int
	done  map[string]int

	check func(ctx context.Context, agentAddress string) error
}

func newStubEvaluator() *stubEvaluator {
	return &stubEvaluator{calls: make(map[string]int), done: make(map[string]int)}
}

func (e *stubEvaluator) CheckAgent(ctx context.Context, agentAddress string) error {
	e.mu.Lock()
	e.calls[agentAddress]++
	e.mu.Unlock()

	var err error
	if e.check != nil {
		err = e.check(ctx, agentAddress)
	}

	e.mu.Lock()
	e.done[agentAddress]++
	e.mu.Unlock()
	return err
}

// started returns how many checks have begun for the agent.
func (e *stubEvaluator) started(agentAddress string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[agentAddress]
}

// finished returns how many checks have run to completion for the agent.
func (e *stubEvaluator) finished(agentAddress string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done[agentAddress]
}

func TestPoolSweepsOnStart(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.TickInterval = time.Hour // only the startup sweep can run

	eval := newStubEvaluator()
	pool := NewPool(cfg, eval, staticRoster{agentA, agentB})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return eval.finished(agentA) == 1 && eval.finished(agentB) == 1
	}, 2*time.Second, 10*time.Millisecond, "startup sweep should check every agent")

	// No further ticks within the hour-long interval.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, eval.started(agentA))
	assert.Equal(t, 1, eval.started(agentB))
}

func TestPoolTicksRepeat(t *testing.T) {
	eval := newStubEvaluator()
	pool := NewPool(testSchedulerConfig(), eval, staticRoster{agentA})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return eval.finished(agentA) >= 3
	}, 2*time.Second, 10*time.Millisecond, "agent should be rechecked every tick")
}

func TestPoolSkipsAgentWithCheckInFlight(t *testing.T) {
	release := make(chan struct{})
	eval := newStubEvaluator()
	eval.check = func(ctx context.Context, _ string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cfg := testSchedulerConfig()
	cfg.TickInterval = 20 * time.Millisecond
	pool := NewPool(cfg, eval, staticRoster{agentA})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return eval.started(agentA) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Several ticks pass while the first check is still running; the
	// held lock must keep the agent out of the queue.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, eval.started(agentA))

	close(release)
	require.Eventually(t, func() bool {
		return eval.finished(agentA) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolCheckNow(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.TickInterval = time.Hour

	eval := newStubEvaluator()
	pool := NewPool(cfg, eval, staticRoster{})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	pool.CheckNow(agentA)
	require.Eventually(t, func() bool {
		return eval.finished(agentA) == 1
	}, 2*time.Second, 10*time.Millisecond, "immediate check should run without waiting for a tick")

	t.Run("normalizes address", func(t *testing.T) {
		pool.CheckNow("0xBB00567890123456789012345678901234567890")
		require.Eventually(t, func() bool {
			return eval.finished(agentB) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestPoolCheckNowDuplicateWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	eval := newStubEvaluator()
	eval.check = func(ctx context.Context, _ string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cfg := testSchedulerConfig()
	cfg.TickInterval = time.Hour
	pool := NewPool(cfg, eval, staticRoster{})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	pool.CheckNow(agentA)
	require.Eventually(t, func() bool {
		return eval.started(agentA) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The in-flight check satisfies a second request.
	pool.CheckNow(agentA)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, eval.started(agentA))

	close(release)
	require.Eventually(t, func() bool {
		return eval.finished(agentA) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolOverflow(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.WorkerCount = 1 // queue capacity 4

	agents := make(staticRoster, 6)
	for i := range agents {
		agents[i] = fmt.Sprintf("0x%040x", 0xa000+i)
	}

	// No workers started: nothing drains the queue.
	pool := NewPool(cfg, newStubEvaluator(), agents)

	pool.tick()
	assert.Equal(t, uint64(2), pool.overflow.Load(), "two agents past queue capacity")

	// The dropped agents' locks must be free so the next tick retries them.
	assert.False(t, pool.locks.Held(agents[4]))
	assert.False(t, pool.locks.Held(agents[5]))

	pool.tick()
	assert.Equal(t, uint64(4), pool.overflow.Load())

	pool.mu.Lock()
	run := pool.overflowRuns[agents[5]]
	pool.mu.Unlock()
	assert.Equal(t, 2, run, "consecutive drops should accumulate")

	health := pool.Health()
	assert.Equal(t, uint64(4), health.Overflow)
	assert.Equal(t, 4, health.QueueDepth)
	assert.Equal(t, 4, health.QueueCapacity)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 5*time.Minute, backoffDelay(3))
	assert.Equal(t, 10*time.Minute, backoffDelay(4))
	assert.Equal(t, 20*time.Minute, backoffDelay(5))
	assert.Equal(t, 30*time.Minute, backoffDelay(6), "capped at 30 minutes")
	assert.Equal(t, 30*time.Minute, backoffDelay(50))
}

func TestPoolRecordResultBackoff(t *testing.T) {
	pool := NewPool(testSchedulerConfig(), newStubEvaluator(), staticRoster{agentA})
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return base }

	boom := errors.New("rpc unreachable")

	// Two failures leave the agent in rotation.
	pool.recordResult(agentA, boom)
	pool.recordResult(agentA, boom)
	assert.False(t, pool.deferredAt(agentA, base))

	// The third failure defers the next check by five minutes.
	pool.recordResult(agentA, boom)
	assert.True(t, pool.deferredAt(agentA, base))
	assert.True(t, pool.deferredAt(agentA, base.Add(5*time.Minute-time.Second)))
	assert.False(t, pool.deferredAt(agentA, base.Add(5*time.Minute)))

	// The fourth doubles the deferral.
	pool.recordResult(agentA, boom)
	assert.True(t, pool.deferredAt(agentA, base.Add(10*time.Minute-time.Second)))
	assert.False(t, pool.deferredAt(agentA, base.Add(10*time.Minute)))

	// Success resets the streak entirely.
	pool.recordResult(agentA, nil)
	pool.recordResult(agentA, boom)
	pool.recordResult(agentA, boom)
	assert.False(t, pool.deferredAt(agentA, base))
}

func TestPoolBackoffPausesChecks(t *testing.T) {
	eval := newStubEvaluator()
	eval.check = func(context.Context, string) error {
		return errors.New("rpc unreachable")
	}

	cfg := testSchedulerConfig()
	cfg.TickInterval = 20 * time.Millisecond
	pool := NewPool(cfg, eval, staticRoster{agentA})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return eval.finished(agentA) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	// Three straight failures push the next check minutes away.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, eval.started(agentA))
}

func TestPoolJobDeadlineAbandonsCheck(t *testing.T) {
	eval := newStubEvaluator()
	eval.check = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	cfg := testSchedulerConfig()
	cfg.TickInterval = 40 * time.Millisecond // job deadline 60ms
	cfg.WorkerCount = 1
	pool := NewPool(cfg, eval, staticRoster{agentA})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	// The first check never returns on its own; only the deadline firing
	// and the lock releasing lets a second one start.
	require.Eventually(t, func() bool {
		return eval.started(agentA) >= 2
	}, 5*time.Second, 10*time.Millisecond, "deadline should abandon the stuck check")
}

func TestPoolStopWaitsForInFlight(t *testing.T) {
	eval := newStubEvaluator()
	eval.check = func(context.Context, string) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}

	cfg := testSchedulerConfig()
	cfg.TickInterval = time.Hour
	pool := NewPool(cfg, eval, staticRoster{})
	require.NoError(t, pool.Start(context.Background()))

	pool.CheckNow(agentA)
	require.Eventually(t, func() bool {
		return eval.started(agentA) == 1
	}, 2*time.Second, 5*time.Millisecond)

	pool.Stop()
	assert.Equal(t, 1, eval.finished(agentA), "in-flight check should finish before Stop returns")
}

func TestPoolStopGraceCancelsStuckChecks(t *testing.T) {
	eval := newStubEvaluator()
	eval.check = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	cfg := testSchedulerConfig()
	cfg.TickInterval = time.Hour
	pool := NewPool(cfg, eval, staticRoster{})
	pool.stopGrace = 30 * time.Millisecond
	require.NoError(t, pool.Start(context.Background()))

	pool.CheckNow(agentA)
	require.Eventually(t, func() bool {
		return eval.started(agentA) == 1
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	pool.Stop()
	assert.Less(t, time.Since(start), 2*time.Second, "Stop should give up after the grace period")

	require.Eventually(t, func() bool {
		return eval.finished(agentA) == 1 && !pool.locks.Held(agentA)
	}, 2*time.Second, 10*time.Millisecond, "cancelled check should unwind and release its lock")
}

func TestPoolHealth(t *testing.T) {
	eval := newStubEvaluator()
	pool := NewPool(testSchedulerConfig(), eval, staticRoster{agentA, agentB})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return pool.Health().ChecksProcessed >= 2
	}, 2*time.Second, 10*time.Millisecond)

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.Equal(t, 2, health.TotalWorkers)
	assert.Equal(t, 8, health.QueueCapacity)
	assert.Equal(t, 2, health.TrackedAgents)
	assert.False(t, health.LastTickAt.IsZero())
	require.Len(t, health.WorkerStats, 2)
	assert.NotEmpty(t, health.WorkerStats[0].ID)
}

func TestPoolStartTwice(t *testing.T) {
	pool := NewPool(testSchedulerConfig(), newStubEvaluator(), staticRoster{})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.NoError(t, pool.Start(context.Background()))
	assert.Len(t, pool.workers, 2, "duplicate Start must not spawn more workers")
}

func TestPoolStopTwiceDoesNotPanic(t *testing.T) {
	pool := NewPool(testSchedulerConfig(), newStubEvaluator(), staticRoster{})
	require.NoError(t, pool.Start(context.Background()))

	pool.Stop()
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestPoolPruneDeparted(t *testing.T) {
	pool := NewPool(testSchedulerConfig(), newStubEvaluator(), staticRoster{agentA})
	pool.mu.Lock()
	pool.failures[agentB] = 2
	pool.overflowRuns[agentB] = 1
	pool.deferUntil[agentB] = time.Now().Add(time.Hour)
	pool.mu.Unlock()

	pool.tick()

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.NotContains(t, pool.failures, agentB)
	assert.NotContains(t, pool.overflowRuns, agentB)
	assert.NotContains(t, pool.deferUntil, agentB)
}
