package events

import "github.com/agentarium/vigil/pkg/models"

// HeartbeatPayload is the data of "heartbeat" events, published when a
// heartbeat is observed on chain (live event or snapshot catch-up).
type HeartbeatPayload struct {
	HeartbeatCount  uint64 `json:"heartbeat_count"`
	LastHeartbeatAt int64  `json:"last_heartbeat_at"`
	DecisionRef     string `json:"decision_ref,omitempty"`
}

// DecisionPayload is the data of "decision" events, published when an
// agent records a decision artifact reference.
type DecisionPayload struct {
	Ref         string `json:"ref"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
}

// StatusChangePayload is the data of "status" events, published on
// every liveness-state transition. ReportID is set when the transition
// opened or escalated a missing report.
type StatusChangePayload struct {
	Previous         models.LivenessState `json:"previous"`
	Current          models.LivenessState `json:"current"`
	RemainingSeconds int64                `json:"remaining_seconds"`
	ReportID         string               `json:"report_id,omitempty"`
}

// DeathPayload is the data of "death" events. Emitted exactly once per
// agent, when alive flips to false.
type DeathPayload struct {
	HeartbeatCount  uint64 `json:"heartbeat_count"`
	LastHeartbeatAt int64  `json:"last_heartbeat_at"`
}

// ErrorPayload is the data of "error" events raised by the delivery
// layer itself, e.g. the final notice before a lagging subscriber is
// dropped. Operational alerts also ride "error" events but carry a
// models.Alert as their data.
type ErrorPayload struct {
	Message string `json:"message"`
}
