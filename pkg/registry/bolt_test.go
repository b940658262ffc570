package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentarium/vigil/pkg/models"
)

const (
	agentA = "0xaa00567890123456789012345678901234567890"
	agentB = "0xbb00567890123456789012345678901234567890"
	owner  = "0xcc00567890123456789012345678901234567890"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func handleFor(addr string, seq uint64) models.DeploymentHandle {
	return models.DeploymentHandle{
		AgentAddress: addr,
		SequenceID:   seq,
		Owner:        owner,
		Provider:     "provider-a",
		Metadata:     map[string]string{"region": "us-east"},
	}
}

func TestPutGet(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put(handleFor(agentA, 100)))

	got, err := store.Get(agentA)
	require.NoError(t, err)
	assert.Equal(t, agentA, got.AgentAddress)
	assert.Equal(t, uint64(100), got.SequenceID)
	assert.Equal(t, "provider-a", got.Provider)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())

	t.Run("addresses are normalized", func(t *testing.T) {
		upper := "0xAA00567890123456789012345678901234567890"
		got, err := store.Get(upper)
		require.NoError(t, err)
		assert.Equal(t, agentA, got.AgentAddress)
	})

	t.Run("missing agent", func(t *testing.T) {
		_, err := store.Get(agentB)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetBySequenceID(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put(handleFor(agentA, 100)))

	got, err := store.GetBySequenceID(100)
	require.NoError(t, err)
	assert.Equal(t, agentA, got.AgentAddress)

	_, err = store.GetBySequenceID(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSequenceUniqueness(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put(handleFor(agentA, 100)))

	t.Run("second agent on same sequence rejected", func(t *testing.T) {
		err := store.Put(handleFor(agentB, 100))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("same agent may rewrite its own binding", func(t *testing.T) {
		require.NoError(t, store.Put(handleFor(agentA, 100)))
	})

	t.Run("rebinding frees the old sequence", func(t *testing.T) {
		require.NoError(t, store.Put(handleFor(agentA, 200)))
		require.NoError(t, store.Put(handleFor(agentB, 100)))

		_, err := store.GetBySequenceID(200)
		require.NoError(t, err)
		got, err := store.GetBySequenceID(100)
		require.NoError(t, err)
		assert.Equal(t, agentB, got.AgentAddress)
	})
}

func TestUpdate(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put(handleFor(agentA, 100)))

	before, err := store.Get(agentA)
	require.NoError(t, err)

	store.now = func() time.Time { return before.UpdatedAt.Add(time.Hour) }

	got, err := store.Update(agentA, func(h *models.DeploymentHandle) {
		h.Provider = "provider-b"
	})
	require.NoError(t, err)
	assert.Equal(t, "provider-b", got.Provider)
	assert.True(t, got.UpdatedAt.After(before.UpdatedAt), "update must refresh the TTL")

	t.Run("missing agent", func(t *testing.T) {
		_, err := store.Update(agentB, func(*models.DeploymentHandle) {})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("sequence change keeps index consistent", func(t *testing.T) {
		_, err := store.Update(agentA, func(h *models.DeploymentHandle) {
			h.SequenceID = 300
		})
		require.NoError(t, err)

		got, err := store.GetBySequenceID(300)
		require.NoError(t, err)
		assert.Equal(t, agentA, got.AgentAddress)

		_, err = store.GetBySequenceID(100)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put(handleFor(agentA, 100)))

	require.NoError(t, store.Delete(agentA))

	_, err := store.Get(agentA)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetBySequenceID(100)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Delete(agentA), ErrNotFound)

	t.Run("sequence is reusable after delete", func(t *testing.T) {
		require.NoError(t, store.Put(handleFor(agentB, 100)))
	})
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put(handleFor(agentA, 100)))
	require.NoError(t, store.Put(handleFor(agentB, 200)))

	all, err := store.List(0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	capped, err := store.List(1)
	require.NoError(t, err)
	assert.Len(t, capped, 1)
}

func TestTTL(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	store.now = func() time.Time { return base }
	require.NoError(t, store.Put(handleFor(agentA, 100)))
	require.NoError(t, store.Put(handleFor(agentB, 200)))

	// Refresh agentB half way through the window; agentA goes stale.
	store.now = func() time.Time { return base.Add(16 * 24 * time.Hour) }
	_, err := store.Update(agentB, func(*models.DeploymentHandle) {})
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(31 * 24 * time.Hour) }

	t.Run("expired records read as not found", func(t *testing.T) {
		_, err := store.Get(agentA)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetBySequenceID(100)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.Get(agentB)
		assert.NoError(t, err, "refreshed record is still live")
	})

	t.Run("expired records are excluded from list", func(t *testing.T) {
		live, err := store.List(0)
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, agentB, live[0].AgentAddress)
	})

	t.Run("sweep removes expired records", func(t *testing.T) {
		removed, err := store.Sweep()
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		removed, err = store.Sweep()
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")

	store, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(handleFor(agentA, 100)))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(agentA)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.SequenceID)
}
