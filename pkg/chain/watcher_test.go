package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCreatorAddr = "0xcccc567890123456789012345678901234567890"

func creationLog(t *testing.T, agent, creator string, genome [32]byte, block uint64) types.Log {
	t.Helper()
	data, err := factoryABI.Events["AgentDeployed"].Inputs.NonIndexed().Pack(genome)
	require.NoError(t, err)
	return types.Log{
		Address: common.HexToAddress(testFactoryAddr),
		Topics: []common.Hash{
			agentDeployedTopic,
			common.HexToAddress(agent).Hash(),
			common.HexToAddress(creator).Hash(),
		},
		Data:        data,
		BlockNumber: block,
	}
}

func heartbeatLog(t *testing.T, agent string, count uint64, ref [32]byte, ts int64, block uint64) types.Log {
	t.Helper()
	data, err := agentABI.Events["Heartbeat"].Inputs.NonIndexed().Pack(
		new(big.Int).SetUint64(count), ref, big.NewInt(ts))
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(agent),
		Topics:      []common.Hash{heartbeatTopic},
		Data:        data,
		BlockNumber: block,
	}
}

func decisionLog(t *testing.T, agent string, ref [32]byte, ts int64, block uint64) types.Log {
	t.Helper()
	data, err := agentABI.Events["Decision"].Inputs.NonIndexed().Pack(ref, big.NewInt(ts))
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(agent),
		Topics:      []common.Hash{decisionTopic},
		Data:        data,
		BlockNumber: block,
	}
}

// isFactoryQuery distinguishes the creation-log query from the
// agent-log query by its address set.
func isFactoryQuery(q ethereum.FilterQuery) bool {
	return len(q.Addresses) == 1 && q.Addresses[0] == common.HexToAddress(testFactoryAddr)
}

func TestWatcherDispatchesLogs(t *testing.T) {
	genome := ref32("0x0101")
	hbRef := ref32("0x0202")
	decRef := ref32("0x0303")

	backend := &fakeBackend{head: 120}
	backend.logs = func(q ethereum.FilterQuery) ([]types.Log, error) {
		assert.Equal(t, uint64(101), q.FromBlock.Uint64())
		assert.Equal(t, uint64(120), q.ToBlock.Uint64())
		if isFactoryQuery(q) {
			return []types.Log{creationLog(t, testAgentAddr, testCreatorAddr, genome, 110)}, nil
		}
		return []types.Log{
			heartbeatLog(t, testAgentAddr, 5, hbRef, 1_700_000_000, 111),
			decisionLog(t, testAgentAddr, decRef, 1_700_000_100, 112),
		}, nil
	}

	w := NewWatcher(newTestGateway(backend), 0)
	var creations []CreationEvent
	var heartbeats []HeartbeatEvent
	var decisions []DecisionEvent
	w.OnCreations(func(ev CreationEvent) { creations = append(creations, ev) })
	w.OnDecisions(func(ev DecisionEvent) { decisions = append(decisions, ev) })
	w.WatchHeartbeats(testAgentAddr, func(ev HeartbeatEvent) { heartbeats = append(heartbeats, ev) })
	w.lastBlock = 100

	w.poll(context.Background())

	require.Len(t, creations, 1)
	assert.Equal(t, testAgentAddr, creations[0].Agent)
	assert.Equal(t, testCreatorAddr, creations[0].Creator)
	assert.Equal(t, common.Hash(genome).Hex(), creations[0].GenomeRef)
	assert.Equal(t, uint64(110), creations[0].Block)

	require.Len(t, heartbeats, 1)
	assert.Equal(t, testAgentAddr, heartbeats[0].Agent)
	assert.Equal(t, uint64(5), heartbeats[0].Count)
	assert.Equal(t, common.Hash(hbRef).Hex(), heartbeats[0].DecisionRef)
	assert.Equal(t, int64(1_700_000_000), heartbeats[0].Timestamp)

	require.Len(t, decisions, 1)
	assert.Equal(t, common.Hash(decRef).Hex(), decisions[0].Ref)
	assert.Equal(t, int64(1_700_000_100), decisions[0].Timestamp)

	// Cursor advanced: the same head yields no further queries.
	backend.logs = func(ethereum.FilterQuery) ([]types.Log, error) {
		t.Fatal("no new blocks, no queries expected")
		return nil, nil
	}
	w.poll(context.Background())
}

func TestWatcherHoldsCursorAcrossFailedPolls(t *testing.T) {
	var fromBlocks []uint64
	fail := true
	backend := &fakeBackend{head: 50}
	backend.logs = func(q ethereum.FilterQuery) ([]types.Log, error) {
		fromBlocks = append(fromBlocks, q.FromBlock.Uint64())
		if fail {
			return nil, errors.New("connection reset by peer")
		}
		return nil, nil
	}

	w := NewWatcher(newTestGateway(backend), 0)
	w.OnCreations(func(CreationEvent) {})
	w.lastBlock = 40

	w.poll(context.Background())
	fail = false
	w.poll(context.Background())

	// The failed pass must not advance the cursor: both passes cover
	// the same range, so no log window is skipped.
	require.GreaterOrEqual(t, len(fromBlocks), 2)
	assert.Equal(t, uint64(41), fromBlocks[0])
	assert.Equal(t, uint64(41), fromBlocks[len(fromBlocks)-1])
}

func TestWatcherSkipsUnwatchedAgents(t *testing.T) {
	agentQueries := 0
	backend := &fakeBackend{head: 20}
	backend.logs = func(q ethereum.FilterQuery) ([]types.Log, error) {
		if !isFactoryQuery(q) {
			agentQueries++
		}
		return nil, nil
	}

	w := NewWatcher(newTestGateway(backend), 0)
	w.lastBlock = 10

	// No watched agents: only the factory is queried.
	w.poll(context.Background())
	assert.Equal(t, 0, agentQueries)

	w.WatchHeartbeats(testAgentAddr, func(HeartbeatEvent) {})
	backend.head = 30
	w.poll(context.Background())
	assert.Equal(t, 1, agentQueries)

	// Unwatching drops the agent query again.
	w.UnwatchHeartbeats(testAgentAddr)
	backend.head = 40
	w.poll(context.Background())
	assert.Equal(t, 1, agentQueries)
}

func TestWatcherSkipsMalformedCreationLogs(t *testing.T) {
	genome := ref32("0x0404")
	backend := &fakeBackend{head: 20}
	backend.logs = func(q ethereum.FilterQuery) ([]types.Log, error) {
		if !isFactoryQuery(q) {
			return nil, nil
		}
		bad := creationLog(t, testAgentAddr, testCreatorAddr, genome, 11)
		bad.Topics = bad.Topics[:1] // indexed fields missing
		good := creationLog(t, testAgentAddr, testCreatorAddr, genome, 12)
		return []types.Log{bad, good}, nil
	}

	w := NewWatcher(newTestGateway(backend), 0)
	var creations []CreationEvent
	w.OnCreations(func(ev CreationEvent) { creations = append(creations, ev) })
	w.lastBlock = 10

	w.poll(context.Background())

	// The malformed log is dropped, the rest of the batch survives.
	require.Len(t, creations, 1)
	assert.Equal(t, uint64(12), creations[0].Block)
}

func TestWatcherStartStop(t *testing.T) {
	t.Run("start resolves the head and stop is idempotent", func(t *testing.T) {
		backend := &fakeBackend{head: 77}
		w := NewWatcher(newTestGateway(backend), 0)

		require.NoError(t, w.Start(context.Background()))
		w.mu.RLock()
		last := w.lastBlock
		w.mu.RUnlock()
		assert.Equal(t, uint64(77), last)

		w.Stop()
		w.Stop()
	})

	t.Run("start fails when the head lookup fails", func(t *testing.T) {
		backend := &fakeBackend{headErr: errors.New("connection refused")}
		w := NewWatcher(newTestGateway(backend), 0)
		require.Error(t, w.Start(context.Background()))
	})
}
