package models

import "time"

// DeploymentState is the marketplace-side state of the container
// hosting an agent.
type DeploymentState string

// Marketplace deployment states.
const (
	DeploymentActive   DeploymentState = "active"
	DeploymentInactive DeploymentState = "inactive"
	DeploymentClosed   DeploymentState = "closed"
	DeploymentError    DeploymentState = "error"
	DeploymentUnknown  DeploymentState = "unknown"
)

// DeploymentHandle binds an agent address to its container on the
// external workload marketplace. One-to-one with agent address;
// sequence IDs are unique across handles.
type DeploymentHandle struct {
	AgentAddress string            `json:"agent_address"`
	SequenceID   uint64            `json:"sequence_id"`
	Owner        string            `json:"owner"`
	Provider     string            `json:"provider,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DeploymentStatus is the marketplace's answer for a single deployment.
type DeploymentStatus struct {
	State        DeploymentState `json:"state"`
	HostEndpoint string          `json:"host_endpoint,omitempty"`
	LastChecked  time.Time       `json:"last_checked"`
}
