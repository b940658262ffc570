package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentLocks(t *testing.T) {
	locks := newAgentLocks()

	assert.True(t, locks.TryAcquire(agentA))
	assert.False(t, locks.TryAcquire(agentA), "second acquire must fail while held")
	assert.True(t, locks.Held(agentA))

	// Other keys are independent.
	assert.True(t, locks.TryAcquire(agentB))

	locks.Release(agentA)
	assert.False(t, locks.Held(agentA))
	assert.True(t, locks.TryAcquire(agentA))

	// Releasing an unheld lock is a no-op.
	locks.Release("0x0000000000000000000000000000000000000000")
}

func TestAgentLocksSingleWinner(t *testing.T) {
	locks := newAgentLocks()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if locks.TryAcquire(agentA) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
