// Package retention provides background cleanup of aged liveness state.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentarium/vigil/pkg/config"
)

// taskTimeout bounds each store-backed retention task so a wedged
// backend cannot stall the loop past its next tick.
const taskTimeout = 30 * time.Second

// ReportGC removes resolved missing-heartbeat reports past a cutoff.
type ReportGC interface {
	GarbageCollect(ctx context.Context, olderThanDays int) (int, error)
}

// HandleSweeper removes expired deployment handles.
type HandleSweeper interface {
	Sweep() (int, error)
}

// AlertPruner drops aged alert-debounce entries.
type AlertPruner interface {
	PruneAlertMemory() int
}

// Service periodically enforces retention policies:
//   - Deletes resolved missing reports past the retention window
//   - Removes expired deployment handles from the registry
//   - Prunes stale balance-alert debounce entries
//
// All operations are idempotent.
type Service struct {
	cfg     *config.Config
	reports ReportGC
	handles HandleSweeper
	pruner  AlertPruner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention service.
func NewService(cfg *config.Config, reports ReportGC, handles HandleSweeper, pruner AlertPruner) *Service {
	return &Service{
		cfg:     cfg,
		reports: reports,
		handles: handles,
		pruner:  pruner,
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"report_retention_days", s.cfg.ReportRetentionDays,
		"interval", s.cfg.RetentionInterval)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(_ context.Context) {
	s.purgeReports()
	s.sweepHandles()
	s.pruneAlerts()
}

// purgeReports runs on a fresh context so a shutdown does not abort a
// purge already in flight.
func (s *Service) purgeReports() {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	count, err := s.reports.GarbageCollect(ctx, s.cfg.ReportRetentionDays)
	if err != nil {
		slog.Error("Retention: report purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged resolved reports", "count", count)
	}
}

func (s *Service) sweepHandles() {
	count, err := s.handles.Sweep()
	if err != nil {
		slog.Error("Retention: handle sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: swept expired deployment handles", "count", count)
	}
}

func (s *Service) pruneAlerts() {
	if count := s.pruner.PruneAlertMemory(); count > 0 {
		slog.Info("Retention: pruned alert debounce entries", "count", count)
	}
}
