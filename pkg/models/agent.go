package models

import "time"

// LivenessState is the derived per-agent health state.
type LivenessState string

// Liveness states, ordered by increasing urgency.
const (
	StateHealthy   LivenessState = "healthy"
	StateWarning   LivenessState = "warning"
	StateCritical  LivenessState = "critical"
	StateAbandoned LivenessState = "abandoned"
	StateDead      LivenessState = "dead"
)

// Rank returns the escalation rank of a state. Higher ranks never
// downgrade within a single open report.
func (s LivenessState) Rank() int {
	switch s {
	case StateHealthy:
		return 0
	case StateWarning:
		return 1
	case StateCritical:
		return 2
	case StateAbandoned:
		return 3
	case StateDead:
		return 4
	}
	return -1
}

// AgentSnapshot is a point-in-time read of an agent contract's state.
// All timestamps are epoch seconds as reported by the chain.
type AgentSnapshot struct {
	GenomeRef       string `json:"genome_ref"`
	BirthTime       int64  `json:"birth_time"`
	LastHeartbeatAt int64  `json:"last_heartbeat_at"`
	HeartbeatCount  uint64 `json:"heartbeat_count"`
	Alive           bool   `json:"alive"`
	Balance         uint64 `json:"balance"`
	LastDecisionRef string `json:"last_decision_ref"`
	CumulativeCost  uint64 `json:"cumulative_cost"`
}

// Agent is the tracked view of an observed unit: immutable attributes
// plus the most recently accepted snapshot.
type Agent struct {
	Address            string        `json:"address"`
	Creator            string        `json:"creator"`
	GenomeRef          string        `json:"genome_ref"`
	BirthTime          int64         `json:"birth_time"`
	Snapshot           AgentSnapshot `json:"snapshot"`
	State              LivenessState `json:"state"`
	NominalIntervalSec int64         `json:"nominal_interval_sec"`
	LastCheckedAt      time.Time     `json:"last_checked_at"`
}

// HeartbeatStatus is a derived view, recomputed on demand and never
// persisted.
type HeartbeatStatus struct {
	LastHeartbeatAt   int64           `json:"last_heartbeat_at"`
	NextExpectedAt    int64           `json:"next_expected_at"`
	DeadlineAt        int64           `json:"deadline_at"`
	TimeUntilDeadline int64           `json:"time_until_deadline"`
	Healthy           bool            `json:"healthy"`
	MarketplaceState  DeploymentState `json:"marketplace_state,omitempty"`
}

// AgentStats is the per-agent rollup served by the query surface.
type AgentStats struct {
	Address        string `json:"address"`
	HeartbeatCount uint64 `json:"heartbeat_count"`
	Alive          bool   `json:"alive"`
	AgeSeconds     int64  `json:"age_seconds"`
	Balance        uint64 `json:"balance"`
	CumulativeCost uint64 `json:"cumulative_cost"`
	RunwayDays     int64  `json:"runway_days"`
	OpenReports    int    `json:"open_reports"`
	TotalReports   int    `json:"total_reports"`
}

// PlatformOverview contains the platform-wide counters for the
// dashboard landing page.
type PlatformOverview struct {
	TotalAgents       int    `json:"total_agents"`
	AliveAgents       int    `json:"alive_agents"`
	DeadAgents        int    `json:"dead_agents"`
	WarningAgents     int    `json:"warning_agents"`
	CriticalAgents    int    `json:"critical_agents"`
	AbandonedAgents   int    `json:"abandoned_agents"`
	OpenReports       int    `json:"open_reports"`
	TotalBalance      uint64 `json:"total_balance"`
	TotalHeartbeats   uint64 `json:"total_heartbeats"`
	SchedulerOverflow uint64 `json:"scheduler_overflow"`
}

// CreatorStats is the per-creator rollup.
type CreatorStats struct {
	Creator      string `json:"creator"`
	TotalAgents  int    `json:"total_agents"`
	AliveAgents  int    `json:"alive_agents"`
	DeadAgents   int    `json:"dead_agents"`
	TotalBalance uint64 `json:"total_balance"`
	OpenReports  int    `json:"open_reports"`
}

// Decision is a single decision record derived from indexed event logs.
type Decision struct {
	AgentAddress string `json:"agent_address"`
	Ref          string `json:"ref"`
	Timestamp    int64  `json:"timestamp"`
	BlockNumber  uint64 `json:"block_number"`
	TxHash       string `json:"tx_hash"`
}
