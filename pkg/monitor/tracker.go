// Package monitor owns liveness evaluation: the Tracker is the
// authoritative in-memory agent set, and the Evaluator drives each
// agent's state machine from chain snapshots and live events.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/agentarium/vigil/pkg/models"
)

// Tracker holds every observed agent: immutable attributes plus the
// most recently accepted snapshot and derived state. Reads return
// copies. Membership is shared with the check scheduler (via
// ActiveAddresses) and the query surface (via Get/List).
type Tracker struct {
	mu     sync.RWMutex
	agents map[string]*trackedAgent

	now func() time.Time
}

type trackedAgent struct {
	agent models.Agent

	// freshHeartbeat marks a live heartbeat seen since the last check;
	// the next evaluation consumes it instead of reading the chain.
	freshHeartbeat bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		agents: make(map[string]*trackedAgent),
		now:    time.Now,
	}
}

// Register adds an agent to the tracked set. Registration is
// idempotent: a known address is left untouched and false is returned.
// A newly registered agent has no state until its first evaluation.
func (t *Tracker) Register(agent models.Agent) bool {
	addr := models.NormalizeAddress(agent.Address)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.agents[addr]; ok {
		return false
	}
	agent.Address = addr
	agent.Creator = models.NormalizeAddress(agent.Creator)
	t.agents[addr] = &trackedAgent{agent: agent}
	return true
}

// Get returns a copy of the tracked agent.
func (t *Tracker) Get(agentAddress string) (models.Agent, bool) {
	addr := models.NormalizeAddress(agentAddress)

	t.mu.RLock()
	defer t.mu.RUnlock()
	ta, ok := t.agents[addr]
	if !ok {
		return models.Agent{}, false
	}
	return ta.agent, true
}

// List returns a copy of every tracked agent, newest first by birth
// time with address as the tiebreak.
func (t *Tracker) List() []models.Agent {
	t.mu.RLock()
	out := make([]models.Agent, 0, len(t.agents))
	for _, ta := range t.agents {
		out = append(out, ta.agent)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BirthTime != out[j].BirthTime {
			return out[i].BirthTime > out[j].BirthTime
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// ActiveAddresses returns the addresses in check rotation: every
// tracked agent that has not died. This is the scheduler's roster.
func (t *Tracker) ActiveAddresses() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.agents))
	for addr, ta := range t.agents {
		if ta.agent.State == models.StateDead {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// HeartbeatCount returns the tracked heartbeat count for the agent.
func (t *Tracker) HeartbeatCount(agentAddress string) (uint64, bool) {
	addr := models.NormalizeAddress(agentAddress)

	t.mu.RLock()
	defer t.mu.RUnlock()
	ta, ok := t.agents[addr]
	if !ok {
		return 0, false
	}
	return ta.agent.Snapshot.HeartbeatCount, true
}

// UpdateSnapshot stores an evaluated snapshot with its derived state
// and returns the updated copy. A snapshot whose heartbeat count is
// below the tracked one is stale and only advances the check time, and
// a dead agent never leaves the dead state. Genome and birth
// attributes are filled from the first snapshot that carries them.
func (t *Tracker) UpdateSnapshot(agentAddress string, snap models.AgentSnapshot, state models.LivenessState, checkedAt time.Time) (models.Agent, bool) {
	addr := models.NormalizeAddress(agentAddress)

	t.mu.Lock()
	defer t.mu.Unlock()
	ta, ok := t.agents[addr]
	if !ok {
		return models.Agent{}, false
	}
	ta.agent.LastCheckedAt = checkedAt
	if ta.agent.State == models.StateDead {
		return ta.agent, true
	}
	if snap.HeartbeatCount < ta.agent.Snapshot.HeartbeatCount {
		return ta.agent, true
	}
	if ta.agent.GenomeRef == "" {
		ta.agent.GenomeRef = snap.GenomeRef
	}
	if ta.agent.BirthTime == 0 {
		ta.agent.BirthTime = snap.BirthTime
	}
	ta.agent.Snapshot = snap
	ta.agent.State = state
	return ta.agent, true
}

// MarkChecked advances the last-checked time without touching the
// snapshot, used when an evaluation finishes without a usable result.
func (t *Tracker) MarkChecked(agentAddress string, at time.Time) {
	addr := models.NormalizeAddress(agentAddress)

	t.mu.Lock()
	defer t.mu.Unlock()
	if ta, ok := t.agents[addr]; ok {
		ta.agent.LastCheckedAt = at
	}
}

// RecordHeartbeat applies a live heartbeat event. The event wins only
// when its count is above the tracked one; replayed or reordered logs
// and heartbeats for dead agents are ignored. On success the agent is
// healthy, the fresh-heartbeat mark is set, and the prior state plus
// the updated copy are returned.
func (t *Tracker) RecordHeartbeat(agentAddress string, count uint64, timestamp int64, decisionRef string) (models.LivenessState, models.Agent, bool) {
	addr := models.NormalizeAddress(agentAddress)

	t.mu.Lock()
	defer t.mu.Unlock()
	ta, ok := t.agents[addr]
	if !ok {
		return "", models.Agent{}, false
	}
	if ta.agent.State == models.StateDead {
		return "", models.Agent{}, false
	}
	if count <= ta.agent.Snapshot.HeartbeatCount {
		return "", models.Agent{}, false
	}

	prev := ta.agent.State
	ta.agent.Snapshot.HeartbeatCount = count
	ta.agent.Snapshot.LastHeartbeatAt = timestamp
	ta.agent.Snapshot.Alive = true
	if decisionRef != "" {
		ta.agent.Snapshot.LastDecisionRef = decisionRef
	}
	ta.agent.State = models.StateHealthy
	ta.freshHeartbeat = true
	return prev, ta.agent, true
}

// ConsumeFreshHeartbeat returns the tracked snapshot and clears the
// fresh-heartbeat mark when a live heartbeat arrived since the last
// evaluation. The read and the clear are atomic, so two concurrent
// evaluations cannot both consume the same heartbeat.
func (t *Tracker) ConsumeFreshHeartbeat(agentAddress string) (models.AgentSnapshot, bool) {
	addr := models.NormalizeAddress(agentAddress)

	t.mu.Lock()
	defer t.mu.Unlock()
	ta, ok := t.agents[addr]
	if !ok || !ta.freshHeartbeat {
		return models.AgentSnapshot{}, false
	}
	ta.freshHeartbeat = false
	return ta.agent.Snapshot, true
}

// RecordDecision updates the tracked decision artifact reference.
// Unknown and dead agents are ignored.
func (t *Tracker) RecordDecision(agentAddress, ref string) bool {
	addr := models.NormalizeAddress(agentAddress)

	t.mu.Lock()
	defer t.mu.Unlock()
	ta, ok := t.agents[addr]
	if !ok || ta.agent.State == models.StateDead {
		return false
	}
	ta.agent.Snapshot.LastDecisionRef = ref
	return true
}

// MarkDead records the final snapshot and transitions the agent to
// dead, removing it from the check rotation. Death is terminal: the
// returned bool reports whether this call performed the transition, so
// exactly one caller observes true per agent.
func (t *Tracker) MarkDead(agentAddress string, snap models.AgentSnapshot) (models.Agent, bool) {
	addr := models.NormalizeAddress(agentAddress)

	t.mu.Lock()
	defer t.mu.Unlock()
	ta, ok := t.agents[addr]
	if !ok {
		return models.Agent{}, false
	}
	if ta.agent.State == models.StateDead {
		return ta.agent, false
	}
	if snap.HeartbeatCount >= ta.agent.Snapshot.HeartbeatCount {
		ta.agent.Snapshot = snap
	}
	ta.agent.Snapshot.Alive = false
	ta.agent.State = models.StateDead
	ta.agent.LastCheckedAt = t.now()
	ta.freshHeartbeat = false
	return ta.agent, true
}

// SetNominalInterval pins the per-agent heartbeat interval, sourced
// from the contract once at first observation.
func (t *Tracker) SetNominalInterval(agentAddress string, seconds int64) {
	addr := models.NormalizeAddress(agentAddress)

	t.mu.Lock()
	defer t.mu.Unlock()
	if ta, ok := t.agents[addr]; ok {
		ta.agent.NominalIntervalSec = seconds
	}
}
