package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentarium/vigil/pkg/config"
	"github.com/agentarium/vigil/pkg/models"
	"github.com/agentarium/vigil/pkg/monitor"
	"github.com/agentarium/vigil/pkg/registry"
	"github.com/agentarium/vigil/pkg/reports"
	"github.com/agentarium/vigil/pkg/scheduler"
)

const (
	agentAlpha = "0xa11c567890123456789012345678901234567890"
	agentBeta  = "0xbe7a567890123456789012345678901234567890"
	agentGamma = "0x9a3a567890123456789012345678901234567890"
	creatorOne = "0xc0de567890123456789012345678901234567890"
	creatorTwo = "0xced0567890123456789012345678901234567890"
)

// fixedNow anchors the server clock in tests (epoch seconds).
const fixedNow = 1_000_000

type chainSourceStub struct {
	block     uint64
	pingErr   error
	decisions []models.Decision
	decErr    error
	gotLimit  int
}

func (c *chainSourceStub) Ping(ctx context.Context) (uint64, error) {
	return c.block, c.pingErr
}

func (c *chainSourceStub) DecisionLogs(ctx context.Context, addr string, limit int) ([]models.Decision, error) {
	c.gotLimit = limit
	if c.decErr != nil {
		return nil, c.decErr
	}
	return c.decisions, nil
}

type marketSourceStub struct {
	status models.DeploymentStatus
	err    error
}

func (m *marketSourceStub) DeploymentStatus(ctx context.Context, sequenceID uint64, owner string) (models.DeploymentStatus, error) {
	return m.status, m.err
}

type poolSourceStub struct {
	health *scheduler.PoolHealth
}

func (p *poolSourceStub) Health() *scheduler.PoolHealth { return p.health }

// handleStoreStub implements registry.Store over a plain map.
type handleStoreStub struct {
	handles map[string]models.DeploymentHandle
	err     error
}

func (h *handleStoreStub) Put(handle models.DeploymentHandle) error {
	h.handles[handle.AgentAddress] = handle
	return nil
}

func (h *handleStoreStub) Get(agentAddress string) (models.DeploymentHandle, error) {
	if h.err != nil {
		return models.DeploymentHandle{}, h.err
	}
	hd, ok := h.handles[agentAddress]
	if !ok {
		return models.DeploymentHandle{}, registry.ErrNotFound
	}
	return hd, nil
}

func (h *handleStoreStub) GetBySequenceID(sequenceID uint64) (models.DeploymentHandle, error) {
	return models.DeploymentHandle{}, registry.ErrNotFound
}

func (h *handleStoreStub) Update(agentAddress string, patch func(*models.DeploymentHandle)) (models.DeploymentHandle, error) {
	return models.DeploymentHandle{}, registry.ErrNotFound
}

func (h *handleStoreStub) Delete(agentAddress string) error { return nil }

func (h *handleStoreStub) List(limit int) ([]models.DeploymentHandle, error) {
	if h.err != nil {
		return nil, h.err
	}
	return nil, nil
}

func (h *handleStoreStub) Sweep() (int, error) { return 0, nil }
func (h *handleStoreStub) Close() error        { return nil }

// failingReports wraps a real store and fails every read.
type failingReports struct {
	reports.Store
	err error
}

func (f *failingReports) OpenByAgent(ctx context.Context, agentAddress string) (*models.MissingReport, error) {
	return nil, f.err
}

func (f *failingReports) ListByAgent(ctx context.Context, agentAddress string) ([]*models.MissingReport, error) {
	return nil, f.err
}

func (f *failingReports) List(ctx context.Context, filter models.ReportFilter) (*models.ReportList, error) {
	return nil, f.err
}

func (f *failingReports) Stats(ctx context.Context) (*models.ReportStats, error) {
	return nil, f.err
}

type testServer struct {
	srv     *Server
	tracker *monitor.Tracker
	store   reports.Store
	chain   *chainSourceStub
	market  *marketSourceStub
	pool    *poolSourceStub
	handles *handleStoreStub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		NominalInterval:         6 * time.Hour,
		WarningThreshold:        24 * time.Hour,
		CriticalThreshold:       6 * time.Hour,
		HardDeadline:            7 * 24 * time.Hour,
		MarketplaceCheckEnabled: true,
		HTTPPort:                "8080",
	}
	ts := &testServer{
		tracker: monitor.NewTracker(),
		store:   reports.NewMemoryStore(),
		chain:   &chainSourceStub{block: 123},
		market:  &marketSourceStub{status: models.DeploymentStatus{State: models.DeploymentActive}},
		pool: &poolSourceStub{health: &scheduler.PoolHealth{
			IsHealthy: true, ActiveWorkers: 4, TotalWorkers: 4, QueueCapacity: 16,
		}},
		handles: &handleStoreStub{handles: map[string]models.DeploymentHandle{}},
	}
	ts.srv = NewServer(cfg, ts.tracker, ts.store, ts.handles, ts.chain, ts.market, ts.pool, nil)
	ts.srv.now = func() time.Time { return time.Unix(fixedNow, 0) }
	return ts
}

// seed registers an agent and drives it into the given state.
func (ts *testServer) seed(addr, creator string, state models.LivenessState, snap models.AgentSnapshot) {
	ts.tracker.Register(models.Agent{
		Address:   addr,
		Creator:   creator,
		GenomeRef: snap.GenomeRef,
		BirthTime: snap.BirthTime,
	})
	switch state {
	case "":
	case models.StateDead:
		ts.tracker.MarkDead(addr, snap)
	default:
		ts.tracker.UpdateSnapshot(addr, snap, state, time.Unix(fixedNow, 0))
	}
}

// seedTrio installs the standard fixture: a healthy, a warning, and a
// dead agent across two creators.
func (ts *testServer) seedTrio() {
	ts.seed(agentAlpha, creatorOne, models.StateHealthy, models.AgentSnapshot{
		GenomeRef: "0x01", BirthTime: 300_000, LastHeartbeatAt: 999_000,
		HeartbeatCount: 12, Alive: true, Balance: 800, CumulativeCost: 100,
	})
	ts.seed(agentBeta, creatorTwo, models.StateWarning, models.AgentSnapshot{
		GenomeRef: "0x02", BirthTime: 200_000, LastHeartbeatAt: 911_000,
		HeartbeatCount: 4, Alive: true, Balance: 500,
	})
	ts.seed(agentGamma, creatorOne, models.StateDead, models.AgentSnapshot{
		GenomeRef: "0x03", BirthTime: 100_000, LastHeartbeatAt: 400_000,
		HeartbeatCount: 9, Alive: false,
	})
}

func (ts *testServer) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.srv.echo.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) *Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return &env
}

// dataAs round-trips the envelope's data field into a typed value.
func dataAs(t *testing.T, env *Envelope, out any) {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestHealthz(t *testing.T) {
	t.Run("all components healthy", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodGet, "/healthz", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var health HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, healthStatusHealthy, health.Status)
		assert.NotEmpty(t, health.Version)
		for _, name := range []string{"report_store", "chain", "registry", "scheduler"} {
			assert.Equal(t, healthStatusHealthy, health.Checks[name].Status, name)
		}
	})

	t.Run("report store outage is unhealthy", func(t *testing.T) {
		ts := newTestServer(t)
		ts.srv.reports = &failingReports{Store: ts.store, err: reports.ErrUnavailable}

		rec := ts.do(t, http.MethodGet, "/healthz", nil)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var health HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, healthStatusUnhealthy, health.Status)
		assert.Equal(t, healthStatusUnhealthy, health.Checks["report_store"].Status)
	})

	t.Run("chain outage only degrades", func(t *testing.T) {
		ts := newTestServer(t)
		ts.chain.pingErr = errors.New("rpc offline")

		rec := ts.do(t, http.MethodGet, "/healthz", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var health HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, healthStatusDegraded, health.Status)
		assert.Equal(t, healthStatusDegraded, health.Checks["chain"].Status)
		assert.Equal(t, healthStatusHealthy, health.Checks["report_store"].Status)
	})

	t.Run("unhealthy pool degrades", func(t *testing.T) {
		ts := newTestServer(t)
		ts.pool.health = &scheduler.PoolHealth{IsHealthy: false, ActiveWorkers: 1, TotalWorkers: 4}

		rec := ts.do(t, http.MethodGet, "/healthz", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var health HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, healthStatusDegraded, health.Status)
		assert.Contains(t, health.Checks["scheduler"].Message, "1/4 workers")
	})
}

func TestRateLimit(t *testing.T) {
	t.Run("over-budget client gets 429", func(t *testing.T) {
		ts := newTestServer(t)
		ts.srv.limiter = newRateLimiter(2)

		for i := 0; i < 2; i++ {
			rec := ts.do(t, http.MethodGet, "/api/v1/agents", nil)
			require.Equal(t, http.StatusOK, rec.Code)
		}
		rec := ts.do(t, http.MethodGet, "/api/v1/agents", nil)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		env := decodeEnvelope(t, rec)
		assert.False(t, env.Success)
		assert.Equal(t, codeRateLimited, env.Error.Code)
	})

	t.Run("health probe is exempt", func(t *testing.T) {
		ts := newTestServer(t)
		ts.srv.limiter = newRateLimiter(1)

		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/agents", nil).Code)
		require.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/api/v1/agents", nil).Code)

		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil).Code)
		}
	})

	t.Run("clients are budgeted separately", func(t *testing.T) {
		ts := newTestServer(t)
		ts.srv.limiter = newRateLimiter(1)

		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/agents", nil).Code)
		require.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/api/v1/agents", nil).Code)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		rec := httptest.NewRecorder()
		ts.srv.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
