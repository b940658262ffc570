package models

import "time"

// Severity classifies a missing report. The ladder only ever rises
// within a single open report.
type Severity string

// Report severities.
const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityAbandoned Severity = "abandoned"
)

// Rank returns the escalation rank of a severity.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	case SeverityAbandoned:
		return 3
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityWarning || s == SeverityCritical || s == SeverityAbandoned
}

// Incident is the request to open (or escalate) a missing report for
// an agent. Timestamps are epoch seconds from the evaluated snapshot.
type Incident struct {
	AgentAddress        string            `json:"agent_address"`
	Severity            Severity          `json:"severity"`
	ExpectedAt          int64             `json:"expected_at"`
	LastHeartbeatAt     int64             `json:"last_heartbeat_at"`
	DeadlineAt          int64             `json:"deadline_at"`
	MarketplaceSnapshot *DeploymentStatus `json:"marketplace_snapshot,omitempty"`
}

// MissingReport is a durable incident record with an
// acknowledge/resolve lifecycle. Resolution is terminal.
type MissingReport struct {
	ID                  string            `json:"id"`
	AgentAddress        string            `json:"agent_address"`
	Severity            Severity          `json:"severity"`
	ExpectedAt          int64             `json:"expected_at"`
	LastHeartbeatAt     int64             `json:"last_heartbeat_at"`
	DeadlineAt          int64             `json:"deadline_at"`
	MarketplaceSnapshot *DeploymentStatus `json:"marketplace_snapshot,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	Acknowledged        bool              `json:"acknowledged"`
	AcknowledgedBy      string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt      *time.Time        `json:"acknowledged_at,omitempty"`
	Resolved            bool              `json:"resolved"`
	ResolvedAt          *time.Time        `json:"resolved_at,omitempty"`
	Resolution          string            `json:"resolution,omitempty"`
}

// ReportFilter contains filtering options for listing reports.
// Nil pointer fields are unfiltered.
type ReportFilter struct {
	AgentAddress string    `json:"agent_address,omitempty"`
	Severity     *Severity `json:"severity,omitempty"`
	Resolved     *bool     `json:"resolved,omitempty"`
	Acknowledged *bool     `json:"acknowledged,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// ReportList contains a filtered page of reports plus the unpaged total.
type ReportList struct {
	Reports []*MissingReport `json:"reports"`
	Total   int              `json:"total"`
}

// ReportStats is the rollup served by the missing-reports-stats endpoint.
type ReportStats struct {
	Total               int              `json:"total"`
	BySeverity          map[Severity]int `json:"by_severity"`
	OpenCount           int              `json:"open_count"`
	UnacknowledgedCount int              `json:"unacknowledged_count"`
}
