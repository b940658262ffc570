package reports

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentarium/vigil/pkg/models"
)

// MemoryStore is the in-memory Store used by tests and by deployments
// without a configured database. All reads return deep copies.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*models.MissingReport
	// open report ID per agent address; the one-open-per-agent
	// invariant lives here.
	openByAgent map[string]string
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports:     make(map[string]*models.MissingReport),
		openByAgent: make(map[string]string),
		now:         time.Now,
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Create opens a report for the incident, or coalesces into the
// agent's existing open report.
func (s *MemoryStore) Create(_ context.Context, incident models.Incident) (*models.MissingReport, error) {
	addr := models.NormalizeAddress(incident.AgentAddress)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.openByAgent[addr]; ok {
		existing := s.reports[id]
		if incident.Severity.Rank() > existing.Severity.Rank() {
			existing.Severity = incident.Severity
		}
		if incident.MarketplaceSnapshot != nil {
			existing.MarketplaceSnapshot = copySnapshot(incident.MarketplaceSnapshot)
		}
		return copyReport(existing), nil
	}

	report := &models.MissingReport{
		ID:                  uuid.New().String(),
		AgentAddress:        addr,
		Severity:            incident.Severity,
		ExpectedAt:          incident.ExpectedAt,
		LastHeartbeatAt:     incident.LastHeartbeatAt,
		DeadlineAt:          incident.DeadlineAt,
		MarketplaceSnapshot: copySnapshot(incident.MarketplaceSnapshot),
		CreatedAt:           s.now(),
	}
	s.reports[report.ID] = report
	s.openByAgent[addr] = report.ID
	return copyReport(report), nil
}

// Get returns the report with the given ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.MissingReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReport(report), nil
}

// OpenByAgent returns the agent's open report, or ErrNotFound.
func (s *MemoryStore) OpenByAgent(_ context.Context, agentAddress string) (*models.MissingReport, error) {
	addr := models.NormalizeAddress(agentAddress)

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openByAgent[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReport(s.reports[id]), nil
}

// ListByAgent returns all of the agent's reports, newest first.
func (s *MemoryStore) ListByAgent(_ context.Context, agentAddress string) ([]*models.MissingReport, error) {
	addr := models.NormalizeAddress(agentAddress)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.MissingReport
	for _, report := range s.reports {
		if report.AgentAddress == addr {
			out = append(out, copyReport(report))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// List returns a filtered page sorted by creation time descending.
func (s *MemoryStore) List(_ context.Context, filter models.ReportFilter) (*models.ReportList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.MissingReport
	for _, report := range s.reports {
		if !matches(report, filter) {
			continue
		}
		matched = append(matched, copyReport(report))
	}
	sortNewestFirst(matched)

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	if matched == nil {
		matched = []*models.MissingReport{}
	}
	return &models.ReportList{Reports: matched, Total: total}, nil
}

// Acknowledge marks the report acknowledged by actor. Idempotent;
// resolved reports are returned unchanged.
func (s *MemoryStore) Acknowledge(_ context.Context, id, actor string) (*models.MissingReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	if report.Resolved {
		return copyReport(report), nil
	}

	now := s.now()
	report.Acknowledged = true
	report.AcknowledgedBy = actor
	report.AcknowledgedAt = &now
	return copyReport(report), nil
}

// Resolve terminally resolves the report; the first resolution wins.
func (s *MemoryStore) Resolve(_ context.Context, id, resolution string) (*models.MissingReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	if report.Resolved {
		return copyReport(report), nil
	}

	now := s.now()
	report.Resolved = true
	report.ResolvedAt = &now
	report.Resolution = resolution
	if !report.Acknowledged {
		report.Acknowledged = true
		report.AcknowledgedAt = &now
	}
	delete(s.openByAgent, report.AgentAddress)
	return copyReport(report), nil
}

// Stats returns the platform-wide report rollup.
func (s *MemoryStore) Stats(context.Context) (*models.ReportStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.ReportStats{
		BySeverity: map[models.Severity]int{
			models.SeverityWarning:   0,
			models.SeverityCritical:  0,
			models.SeverityAbandoned: 0,
		},
	}
	for _, report := range s.reports {
		stats.Total++
		stats.BySeverity[report.Severity]++
		if !report.Resolved {
			stats.OpenCount++
		}
		if !report.Acknowledged {
			stats.UnacknowledgedCount++
		}
	}
	return stats, nil
}

// GarbageCollect removes reports resolved more than olderThanDays ago.
func (s *MemoryStore) GarbageCollect(_ context.Context, olderThanDays int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -olderThanDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, report := range s.reports {
		if report.Resolved && report.ResolvedAt != nil && report.ResolvedAt.Before(cutoff) {
			delete(s.reports, id)
			removed++
		}
	}
	return removed, nil
}

func matches(report *models.MissingReport, filter models.ReportFilter) bool {
	if filter.AgentAddress != "" && report.AgentAddress != models.NormalizeAddress(filter.AgentAddress) {
		return false
	}
	if filter.Severity != nil && report.Severity != *filter.Severity {
		return false
	}
	if filter.Resolved != nil && report.Resolved != *filter.Resolved {
		return false
	}
	if filter.Acknowledged != nil && report.Acknowledged != *filter.Acknowledged {
		return false
	}
	return true
}

func sortNewestFirst(reports []*models.MissingReport) {
	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].CreatedAt.After(reports[j].CreatedAt)
		}
		// Stable tiebreak for records created within the same instant.
		return reports[i].ID > reports[j].ID
	})
}

func copyReport(report *models.MissingReport) *models.MissingReport {
	out := *report
	out.MarketplaceSnapshot = copySnapshot(report.MarketplaceSnapshot)
	if report.AcknowledgedAt != nil {
		t := *report.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if report.ResolvedAt != nil {
		t := *report.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

func copySnapshot(snapshot *models.DeploymentStatus) *models.DeploymentStatus {
	if snapshot == nil {
		return nil
	}
	out := *snapshot
	return &out
}
