package scheduler

import "sync"

// agentLocks is a keyed try-lock set. A lock is taken when an agent's
// check is enqueued and released when the check finishes, so the same
// agent is never queued or evaluated twice concurrently.
type agentLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newAgentLocks() *agentLocks {
	return &agentLocks{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for the agent if it is free. It never
// blocks; a false return means a check is already queued or running.
func (l *agentLocks) TryAcquire(agentAddress string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[agentAddress]; ok {
		return false
	}
	l.held[agentAddress] = struct{}{}
	return true
}

// Release frees the agent's lock. Releasing an unheld lock is a no-op.
func (l *agentLocks) Release(agentAddress string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, agentAddress)
}

// Held reports whether the agent's lock is currently taken.
func (l *agentLocks) Held(agentAddress string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[agentAddress]
	return ok
}
