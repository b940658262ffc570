package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentarium/vigil/pkg/chain"
	"github.com/agentarium/vigil/pkg/config"
	"github.com/agentarium/vigil/pkg/events"
	"github.com/agentarium/vigil/pkg/models"
	"github.com/agentarium/vigil/pkg/registry"
	"github.com/agentarium/vigil/pkg/reports"
)

const (
	// storeRetryDelay is the single retry backoff applied when the
	// report store is unavailable.
	storeRetryDelay = 2 * time.Second

	// balanceAlertWindow bounds how often the runway alert fires per
	// agent.
	balanceAlertWindow = 24 * time.Hour

	// runwayFloorDays is the projected-runway floor below which the
	// balance alert fires.
	runwayFloorDays = 7

	// eventHandleTimeout bounds the store work done from live event
	// callbacks, which carry no caller context.
	eventHandleTimeout = 10 * time.Second
)

// ChainReader is the slice of the chain gateway the evaluator reads.
type ChainReader interface {
	Snapshot(ctx context.Context, agentAddress string) (models.AgentSnapshot, error)
	NominalInterval(ctx context.Context, agentAddress string) (int64, error)
}

// DeploymentReader resolves container status on the workload
// marketplace.
type DeploymentReader interface {
	DeploymentStatus(ctx context.Context, sequenceID uint64, owner string) (models.DeploymentStatus, error)
}

// Publisher fans events out to dashboard subscribers. *events.Hub
// satisfies it.
type Publisher interface {
	Publish(ev events.Event)
}

// Evaluator drives the per-agent liveness state machine. Each check
// reads one snapshot (or consumes a live heartbeat seen since the last
// check), classifies the agent against the deadline ladder, and turns
// state transitions into reports, alerts, and broadcast events.
// Identical consecutive checks produce no writes and no events, so
// evaluation is safe to repeat at any cadence.
type Evaluator struct {
	cfg       *config.Config
	tracker   *Tracker
	chain     ChainReader
	market    DeploymentReader // nil disables the marketplace cross-check
	handles   registry.Store   // nil disables deployment-handle lookups
	reports   reports.Store
	publisher Publisher // nil disables broadcasts
	balance   *debouncer

	onDeath   func(agentAddress string)
	abandonFn func(ctx context.Context, agentAddress string) error

	retryDelay time.Duration
	now        func() time.Time
}

// NewEvaluator wires an evaluator. market, handles, and publisher may
// be nil; the corresponding side effects are skipped.
func NewEvaluator(cfg *config.Config, tracker *Tracker, chainReader ChainReader, market DeploymentReader, handles registry.Store, store reports.Store, publisher Publisher) *Evaluator {
	return &Evaluator{
		cfg:        cfg,
		tracker:    tracker,
		chain:      chainReader,
		market:     market,
		handles:    handles,
		reports:    store,
		publisher:  publisher,
		balance:    newDebouncer(balanceAlertWindow),
		retryDelay: storeRetryDelay,
		now:        time.Now,
	}
}

// OnDeath registers a callback run once per agent, after the death is
// recorded. Used to tear down the agent's log subscription. Must be
// set before checks start.
func (e *Evaluator) OnDeath(fn func(agentAddress string)) {
	e.onDeath = fn
}

// OnAbandoned wires the privileged on-chain abandonment submitter.
// It is only invoked when AUTO_DECLARE_ABANDONED is set; the default
// deployment leaves declaration to operators.
func (e *Evaluator) OnAbandoned(fn func(ctx context.Context, agentAddress string) error) {
	e.abandonFn = fn
}

// CheckAgent runs one liveness evaluation for the agent. The returned
// error is always a transient chain failure, which the scheduler feeds
// into its per-agent backoff; every other outcome is handled here.
func (e *Evaluator) CheckAgent(ctx context.Context, agentAddress string) error {
	addr := models.NormalizeAddress(agentAddress)
	now := e.now()

	cur, tracked := e.tracker.Get(addr)
	if !tracked {
		// Checks can be requested for addresses discovered out of
		// band; adopt them.
		e.tracker.Register(models.Agent{Address: addr})
		cur, _ = e.tracker.Get(addr)
	}
	if cur.State == models.StateDead {
		return nil
	}

	// A heartbeat observed live since the last check stands in for the
	// chain read.
	snap, fresh := e.tracker.ConsumeFreshHeartbeat(addr)
	if !fresh {
		var err error
		snap, err = e.chain.Snapshot(ctx, addr)
		switch {
		case errors.Is(err, chain.ErrNotFound):
			slog.Warn("Agent contract not readable, skipping", "agent", addr)
			e.tracker.MarkChecked(addr, now)
			return nil
		case errors.Is(err, chain.ErrProtocolMismatch):
			slog.Warn("Agent violates the expected contract surface, skipping this tick",
				"agent", addr, "error", err)
			e.tracker.MarkChecked(addr, now)
			return nil
		case err != nil:
			return fmt.Errorf("snapshot %s: %w", addr, err)
		}
	}

	if !snap.Alive {
		e.recordDeath(ctx, addr, snap)
		return nil
	}

	interval := e.nominalInterval(ctx, addr, cur.NominalIntervalSec)
	nextExpectedAt := snap.LastHeartbeatAt + interval
	deadlineAt := snap.LastHeartbeatAt + int64(e.cfg.HardDeadline/time.Second)
	remaining := deadlineAt - now.Unix()
	state := e.classify(now.Unix(), nextExpectedAt, remaining)

	// A heartbeat that landed while this evaluation ran supersedes the
	// snapshot it was computed from.
	if count, ok := e.tracker.HeartbeatCount(addr); ok && count > snap.HeartbeatCount {
		slog.Debug("Heartbeat overtook evaluation, discarding result", "agent", addr)
		e.tracker.MarkChecked(addr, now)
		return nil
	}

	prev := cur.State

	// Heartbeats that reached the chain but not the log subscription
	// are caught up here.
	if !fresh && prev != "" && snap.HeartbeatCount > cur.Snapshot.HeartbeatCount {
		e.publish(events.Event{
			Type:         events.EventTypeHeartbeat,
			AgentAddress: addr,
			Data: events.HeartbeatPayload{
				HeartbeatCount:  snap.HeartbeatCount,
				LastHeartbeatAt: snap.LastHeartbeatAt,
				DecisionRef:     snap.LastDecisionRef,
			},
		})
	}

	var reportID string
	switch {
	case state == models.StateHealthy:
		// Covers both recovery and the first look after a restart,
		// when open reports from a previous run may linger.
		if prev != models.StateHealthy {
			if report := e.resolveOpen(ctx, addr, snap.LastHeartbeatAt); report != nil {
				reportID = report.ID
			}
		}
	case prev != state:
		reportID = e.escalate(ctx, addr, snap, state, nextExpectedAt, deadlineAt)
	}

	e.tracker.UpdateSnapshot(addr, snap, state, now)

	if prev != state {
		slog.Info("Agent state changed",
			"agent", addr,
			"previous", prev,
			"current", state,
			"remaining_seconds", remaining)
		e.publish(events.Event{
			Type:         events.EventTypeStatusChange,
			AgentAddress: addr,
			Data: events.StatusChangePayload{
				Previous:         prev,
				Current:          state,
				RemainingSeconds: remaining,
				ReportID:         reportID,
			},
		})
	}

	e.checkBalance(addr, snap)
	return nil
}

// classify places an agent on the deadline ladder. The agent is
// healthy until its next expected heartbeat passes; from then on the
// time remaining to the hard deadline decides the severity.
func (e *Evaluator) classify(nowSec, nextExpectedAt, remaining int64) models.LivenessState {
	if nowSec < nextExpectedAt {
		return models.StateHealthy
	}
	switch {
	case remaining > int64(e.cfg.WarningThreshold/time.Second):
		return models.StateHealthy
	case remaining > int64(e.cfg.CriticalThreshold/time.Second):
		return models.StateWarning
	case remaining > 0:
		return models.StateCritical
	default:
		return models.StateAbandoned
	}
}

// nominalInterval returns the agent's heartbeat interval in seconds,
// sourcing it from the contract once at first observation. A failed or
// zero read falls back to the configured default; failures retry on
// the next check.
func (e *Evaluator) nominalInterval(ctx context.Context, addr string, pinned int64) int64 {
	if pinned > 0 {
		return pinned
	}
	def := int64(e.cfg.NominalInterval / time.Second)
	v, err := e.chain.NominalInterval(ctx, addr)
	if err != nil {
		slog.Debug("Interval lookup failed, using default",
			"agent", addr, "default_sec", def, "error", err)
		return def
	}
	if v <= 0 {
		v = def
	}
	e.tracker.SetNominalInterval(addr, v)
	return v
}

// escalate opens, or raises the severity of, the agent's missing
// report, cross-checking the marketplace for critical and abandoned
// findings. Returns the report ID, or "" when the store dropped the
// write.
func (e *Evaluator) escalate(ctx context.Context, addr string, snap models.AgentSnapshot, state models.LivenessState, expectedAt, deadlineAt int64) string {
	severity := severityFor(state)
	incident := models.Incident{
		AgentAddress:    addr,
		Severity:        severity,
		ExpectedAt:      expectedAt,
		LastHeartbeatAt: snap.LastHeartbeatAt,
		DeadlineAt:      deadlineAt,
	}

	var deployment *models.DeploymentStatus
	if state == models.StateCritical || state == models.StateAbandoned {
		deployment = e.deploymentStatus(ctx, addr)
		if deployment != nil && (deployment.State == models.DeploymentClosed || deployment.State == models.DeploymentError) {
			incident.MarketplaceSnapshot = deployment
		} else {
			deployment = nil
		}
	}

	var reportID string
	report, err := e.createWithRetry(ctx, incident)
	if err != nil {
		slog.Error("Dropping missing-heartbeat incident",
			"agent", addr,
			"severity", severity,
			"expected_at", expectedAt,
			"last_heartbeat_at", snap.LastHeartbeatAt,
			"deadline_at", deadlineAt,
			"error", err)
	} else {
		reportID = report.ID
		slog.Warn("Missing report escalated",
			"agent", addr, "report_id", reportID, "severity", severity)
	}

	e.alert(models.Alert{
		AgentAddress: addr,
		Type:         models.AlertMissingHeartbeat,
		Severity:     severity,
		Message: fmt.Sprintf("no heartbeat since %s, hard deadline %s",
			epochRFC3339(snap.LastHeartbeatAt), epochRFC3339(deadlineAt)),
	})
	if deployment != nil {
		e.alert(models.Alert{
			AgentAddress: addr,
			Type:         models.AlertMarketplaceDown,
			Severity:     severity,
			Message:      fmt.Sprintf("marketplace reports the container %s", deployment.State),
		})
	}

	if state == models.StateAbandoned && e.cfg.AutoDeclareAbandoned {
		e.declareAbandoned(ctx, addr)
	}
	return reportID
}

// declareAbandoned submits the on-chain declaration when a submitter
// is wired. Declaration stays an operator action otherwise.
func (e *Evaluator) declareAbandoned(ctx context.Context, addr string) {
	if e.abandonFn == nil {
		slog.Warn("AUTO_DECLARE_ABANDONED is set but no submitter is wired, skipping declaration",
			"agent", addr)
		return
	}
	if err := e.abandonFn(ctx, addr); err != nil {
		slog.Error("Abandonment declaration failed", "agent", addr, "error", err)
		return
	}
	slog.Info("Abandonment declared on chain", "agent", addr)
}

// deploymentStatus resolves the agent's container state through its
// registry handle. Any miss degrades to nil.
func (e *Evaluator) deploymentStatus(ctx context.Context, addr string) *models.DeploymentStatus {
	if e.market == nil || e.handles == nil || !e.cfg.MarketplaceCheckEnabled {
		return nil
	}
	handle, err := e.handles.Get(addr)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			slog.Warn("Deployment handle lookup failed", "agent", addr, "error", err)
		}
		return nil
	}
	status, err := e.market.DeploymentStatus(ctx, handle.SequenceID, handle.Owner)
	if err != nil {
		slog.Warn("Marketplace status degraded",
			"agent", addr, "sequence_id", handle.SequenceID, "error", err)
	}
	return &status
}

// recordDeath handles the alive=false finding: terminal state, final
// report resolution, a single death event, and the teardown hook.
func (e *Evaluator) recordDeath(ctx context.Context, addr string, snap models.AgentSnapshot) {
	_, first := e.tracker.MarkDead(addr, snap)
	if !first {
		return
	}

	open, err := e.reports.OpenByAgent(ctx, addr)
	switch {
	case err == nil:
		if _, rerr := e.resolveWithRetry(ctx, open.ID, "agent died"); rerr != nil {
			slog.Error("Dropping final resolution for dead agent",
				"agent", addr, "report_id", open.ID, "error", rerr)
		}
	case !errors.Is(err, reports.ErrNotFound):
		slog.Error("Open report lookup failed while recording death",
			"agent", addr, "error", err)
	}

	slog.Info("Agent death recorded",
		"agent", addr,
		"heartbeat_count", snap.HeartbeatCount,
		"last_heartbeat_at", snap.LastHeartbeatAt)
	e.publish(events.Event{
		Type:         events.EventTypeDeath,
		AgentAddress: addr,
		Data: events.DeathPayload{
			HeartbeatCount:  snap.HeartbeatCount,
			LastHeartbeatAt: snap.LastHeartbeatAt,
		},
	})

	if e.onDeath != nil {
		e.onDeath(addr)
	}
}

// resolveOpen closes the agent's open report, if any, recording the
// observed heartbeat time.
func (e *Evaluator) resolveOpen(ctx context.Context, addr string, heartbeatAt int64) *models.MissingReport {
	open, err := e.reports.OpenByAgent(ctx, addr)
	if errors.Is(err, reports.ErrNotFound) {
		return nil
	}
	if err != nil {
		slog.Warn("Open report lookup failed", "agent", addr, "error", err)
		return nil
	}

	resolution := "heartbeat observed at " + epochRFC3339(heartbeatAt)
	report, err := e.resolveWithRetry(ctx, open.ID, resolution)
	if err != nil {
		slog.Error("Dropping report resolution",
			"agent", addr, "report_id", open.ID, "resolution", resolution, "error", err)
		return nil
	}
	slog.Info("Missing report resolved", "agent", addr, "report_id", report.ID)
	return report
}

// checkBalance raises the runway alert when the projected runway drops
// below the floor, at most once per window per agent.
func (e *Evaluator) checkBalance(addr string, snap models.AgentSnapshot) {
	if snap.CumulativeCost == 0 {
		return
	}
	if snap.Balance/snap.CumulativeCost >= runwayFloorDays {
		return
	}
	if !e.balance.Allow(addr) {
		return
	}
	e.alert(models.Alert{
		AgentAddress: addr,
		Type:         models.AlertBalanceCritical,
		Severity:     models.SeverityCritical,
		Message: fmt.Sprintf("balance %d covers under %d days at the current burn rate",
			snap.Balance, runwayFloorDays),
	})
}

// PruneAlertMemory drops expired entries from the balance-alert debounce
// window and reports how many were removed. Without periodic pruning the
// per-agent firing times accumulate for agents that died or were
// unregistered.
func (e *Evaluator) PruneAlertMemory() int {
	return e.balance.Sweep()
}

// HandleHeartbeat applies a live heartbeat event: the tracked snapshot
// advances, any open report resolves, and heartbeat plus recovery
// events broadcast. Stale or replayed logs are ignored.
func (e *Evaluator) HandleHeartbeat(ev chain.HeartbeatEvent) {
	addr := models.NormalizeAddress(ev.Agent)
	prev, _, ok := e.tracker.RecordHeartbeat(addr, ev.Count, ev.Timestamp, ev.DecisionRef)
	if !ok {
		slog.Debug("Ignoring stale heartbeat event",
			"agent", addr, "count", ev.Count, "block", ev.Block)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventHandleTimeout)
	defer cancel()
	e.resolveOpen(ctx, addr, ev.Timestamp)

	e.publish(events.Event{
		Type:         events.EventTypeHeartbeat,
		AgentAddress: addr,
		Data: events.HeartbeatPayload{
			HeartbeatCount:  ev.Count,
			LastHeartbeatAt: ev.Timestamp,
			DecisionRef:     ev.DecisionRef,
		},
	})

	if prev != models.StateHealthy {
		deadlineAt := ev.Timestamp + int64(e.cfg.HardDeadline/time.Second)
		e.publish(events.Event{
			Type:         events.EventTypeStatusChange,
			AgentAddress: addr,
			Data: events.StatusChangePayload{
				Previous:         prev,
				Current:          models.StateHealthy,
				RemainingSeconds: deadlineAt - e.now().Unix(),
			},
		})
	}
}

// HandleCreation registers a newly deployed agent. Scheduling its
// first check and subscribing to its logs are wired by the caller.
func (e *Evaluator) HandleCreation(ev chain.CreationEvent) {
	addr := models.NormalizeAddress(ev.Agent)
	if !e.tracker.Register(models.Agent{
		Address:   addr,
		Creator:   models.NormalizeAddress(ev.Creator),
		GenomeRef: ev.GenomeRef,
	}) {
		return
	}
	slog.Info("Agent registered",
		"agent", addr,
		"creator", models.NormalizeAddress(ev.Creator),
		"block", ev.Block)
}

// HandleDecision records a decision artifact reference and forwards it
// to dashboards.
func (e *Evaluator) HandleDecision(ev chain.DecisionEvent) {
	addr := models.NormalizeAddress(ev.Agent)
	if !e.tracker.RecordDecision(addr, ev.Ref) {
		return
	}
	e.publish(events.Event{
		Type:         events.EventTypeDecision,
		AgentAddress: addr,
		Data: events.DecisionPayload{
			Ref:         ev.Ref,
			BlockNumber: ev.Block,
			TxHash:      ev.TxHash,
		},
	})
}

// alert logs an operator notification and rides it out on an "error"
// event. Alerts are in-memory only; reports are the durable record.
func (e *Evaluator) alert(a models.Alert) {
	a.ID = uuid.New().String()
	a.Timestamp = e.now()
	slog.Warn("Operator alert",
		"alert_type", a.Type,
		"agent", a.AgentAddress,
		"severity", a.Severity,
		"message", a.Message)
	e.publish(events.Event{
		Type:         events.EventTypeError,
		AgentAddress: a.AgentAddress,
		Data:         a,
		Timestamp:    a.Timestamp,
	})
}

func (e *Evaluator) publish(ev events.Event) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(ev)
}

// createWithRetry retries a store-unavailable failure once after a
// short delay.
func (e *Evaluator) createWithRetry(ctx context.Context, incident models.Incident) (*models.MissingReport, error) {
	report, err := e.reports.Create(ctx, incident)
	if err == nil || !errors.Is(err, reports.ErrUnavailable) {
		return report, err
	}
	if !sleepCtx(ctx, e.retryDelay) {
		return nil, err
	}
	return e.reports.Create(ctx, incident)
}

func (e *Evaluator) resolveWithRetry(ctx context.Context, id, resolution string) (*models.MissingReport, error) {
	report, err := e.reports.Resolve(ctx, id, resolution)
	if err == nil || !errors.Is(err, reports.ErrUnavailable) {
		return report, err
	}
	if !sleepCtx(ctx, e.retryDelay) {
		return nil, err
	}
	return e.reports.Resolve(ctx, id, resolution)
}

// severityFor maps a degraded liveness state to its report severity.
func severityFor(state models.LivenessState) models.Severity {
	switch state {
	case models.StateWarning:
		return models.SeverityWarning
	case models.StateCritical:
		return models.SeverityCritical
	default:
		return models.SeverityAbandoned
	}
}

func epochRFC3339(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// sleepCtx waits out the delay unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
