package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentarium/vigil/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetentionConfig() *config.Config {
	return &config.Config{
		ReportRetentionDays: 30,
		RetentionInterval:   time.Hour,
	}
}

// reportGCStub counts purge calls and records the cutoff it was given.
type reportGCStub struct {
	mu      sync.Mutex
	calls   int
	gotDays int
	count   int
	err     error
}

func (r *reportGCStub) GarbageCollect(_ context.Context, olderThanDays int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.gotDays = olderThanDays
	return r.count, r.err
}

func (r *reportGCStub) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *reportGCStub) days() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gotDays
}

type handleSweepStub struct {
	mu    sync.Mutex
	calls int
	count int
	err   error
}

func (h *handleSweepStub) Sweep() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.count, h.err
}

func (h *handleSweepStub) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type alertPruneStub struct {
	mu    sync.Mutex
	calls int
	count int
}

func (a *alertPruneStub) PruneAlertMemory() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.count
}

func (a *alertPruneStub) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newTestService(cfg *config.Config) (*Service, *reportGCStub, *handleSweepStub, *alertPruneStub) {
	reports := &reportGCStub{count: 3}
	handles := &handleSweepStub{count: 2}
	pruner := &alertPruneStub{count: 1}
	return NewService(cfg, reports, handles, pruner), reports, handles, pruner
}

func TestServiceRunsEveryTask(t *testing.T) {
	svc, reports, handles, pruner := newTestService(testRetentionConfig())

	svc.runAll(context.Background())

	assert.Equal(t, 1, reports.callCount())
	assert.Equal(t, 30, reports.days(), "purge should use the configured retention window")
	assert.Equal(t, 1, handles.callCount())
	assert.Equal(t, 1, pruner.callCount())
}

func TestServiceContinuesPastFailures(t *testing.T) {
	svc, reports, handles, pruner := newTestService(testRetentionConfig())
	reports.err = errors.New("store offline")
	handles.err = errors.New("sweep failed")

	svc.runAll(context.Background())

	assert.Equal(t, 1, reports.callCount())
	assert.Equal(t, 1, handles.callCount())
	assert.Equal(t, 1, pruner.callCount(), "later tasks should still run after earlier ones fail")
}

func TestServiceStartRunsImmediately(t *testing.T) {
	cfg := testRetentionConfig() // hour-long interval: only the startup pass can run

	svc, reports, handles, pruner := newTestService(cfg)
	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return reports.callCount() == 1 && handles.callCount() == 1 && pruner.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "startup pass should run every task once")

	// No further passes within the hour-long interval.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, reports.callCount())
}

func TestServiceTicksRepeat(t *testing.T) {
	cfg := testRetentionConfig()
	cfg.RetentionInterval = 10 * time.Millisecond

	svc, reports, _, _ := newTestService(cfg)
	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return reports.callCount() >= 3
	}, 2*time.Second, 10*time.Millisecond, "tasks should rerun every interval")
}

func TestServiceStartIsIdempotent(t *testing.T) {
	svc, reports, _, _ := newTestService(testRetentionConfig())
	svc.Start(context.Background())
	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return reports.callCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, reports.callCount(), "second Start should not spawn a second loop")
}

func TestServiceStopWithoutStart(t *testing.T) {
	svc, _, _, _ := newTestService(testRetentionConfig())
	svc.Stop() // must not block or panic
}
