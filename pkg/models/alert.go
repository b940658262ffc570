package models

import "time"

// AlertType classifies an in-memory operator notification.
type AlertType string

// Alert types.
const (
	AlertMissingHeartbeat AlertType = "missingHeartbeat"
	AlertMarketplaceDown  AlertType = "marketplaceDown"
	AlertBalanceCritical  AlertType = "balanceCritical"
)

// Alert is an in-memory notification emitted into the event hub.
// Alerts are never persisted; reports are the durable record.
type Alert struct {
	ID           string    `json:"id"`
	AgentAddress string    `json:"agent_address"`
	Type         AlertType `json:"type"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}
