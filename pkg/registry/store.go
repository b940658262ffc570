// Package registry is the durable map from agent address to the
// deployment handle binding it to a container on the workload
// marketplace.
package registry

import (
	"errors"

	"github.com/agentarium/vigil/pkg/models"
)

// Registry error taxonomy.
var (
	// ErrNotFound means no live record exists for the key. Expired
	// records read as not found.
	ErrNotFound = errors.New("deployment handle not found")

	// ErrConflict marks a write that would bind two agent addresses
	// to the same marketplace sequence ID.
	ErrConflict = errors.New("sequence id already bound")
)

// Store is the deployment registry contract: atomic put/update,
// snapshot reads, bounded scan. Records carry a 30-day sliding TTL
// refreshed on every write.
type Store interface {
	// Put creates or replaces the handle for handle.AgentAddress.
	// Rejects with ErrConflict if handle.SequenceID is bound to a
	// different agent.
	Put(handle models.DeploymentHandle) error

	// Get returns the live handle for the agent address.
	Get(agentAddress string) (models.DeploymentHandle, error)

	// GetBySequenceID returns the live handle bound to the
	// marketplace sequence ID.
	GetBySequenceID(sequenceID uint64) (models.DeploymentHandle, error)

	// Update applies patch to the stored handle atomically and
	// refreshes its TTL. The patch must not change AgentAddress.
	Update(agentAddress string, patch func(*models.DeploymentHandle)) (models.DeploymentHandle, error)

	// Delete removes the handle and its sequence binding.
	Delete(agentAddress string) error

	// List returns up to limit live handles; limit <= 0 returns all.
	List(limit int) ([]models.DeploymentHandle, error)

	// Sweep removes expired records and returns how many were
	// dropped.
	Sweep() (int, error)

	// Close releases the backing store.
	Close() error
}
