// Package reports is the durable store of missing-heartbeat incidents
// with an acknowledge/resolve lifecycle. The store is the sole owner of
// incident records; readers always receive copies.
package reports

import (
	"context"
	"errors"
	"time"

	"github.com/agentarium/vigil/pkg/models"
)

// storeTimeout bounds every store operation.
const storeTimeout = 5 * time.Second

// Report store error taxonomy.
var (
	// ErrNotFound means no report exists under the given ID.
	ErrNotFound = errors.New("report not found")

	// ErrUnavailable wraps a backing-store failure. Callers retry once
	// after two seconds, then drop the incident and log full context.
	ErrUnavailable = errors.New("report store unavailable")
)

// Store is the missing-report contract shared by the in-memory and
// Postgres implementations.
//
// Lifecycle invariants, enforced by every implementation:
//   - at most one open (unresolved) report per agent; Create against
//     an agent with an open report upgrades its severity (never
//     downgrades) and returns that record instead of inserting;
//   - Acknowledge is idempotent and re-acknowledging only updates the
//     actor;
//   - Resolve implies acknowledged and is terminal: the first
//     resolution wins and no later call changes the record.
type Store interface {
	// Create opens a report for the incident, or coalesces into the
	// agent's existing open report.
	Create(ctx context.Context, incident models.Incident) (*models.MissingReport, error)

	// Get returns the report with the given ID.
	Get(ctx context.Context, id string) (*models.MissingReport, error)

	// OpenByAgent returns the agent's open report, or ErrNotFound.
	OpenByAgent(ctx context.Context, agentAddress string) (*models.MissingReport, error)

	// ListByAgent returns all of the agent's reports, newest first.
	ListByAgent(ctx context.Context, agentAddress string) ([]*models.MissingReport, error)

	// List returns a filtered page sorted by creation time descending,
	// plus the unpaged total.
	List(ctx context.Context, filter models.ReportFilter) (*models.ReportList, error)

	// Acknowledge marks the report acknowledged by actor.
	Acknowledge(ctx context.Context, id, actor string) (*models.MissingReport, error)

	// Resolve terminally resolves the report.
	Resolve(ctx context.Context, id, resolution string) (*models.MissingReport, error)

	// Stats returns the platform-wide report rollup.
	Stats(ctx context.Context) (*models.ReportStats, error)

	// GarbageCollect removes reports resolved more than olderThanDays
	// ago and returns how many were dropped. Open reports are kept
	// indefinitely.
	GarbageCollect(ctx context.Context, olderThanDays int) (int, error)

	// Close releases the backing store.
	Close() error
}
