// Package chain provides typed read-only access to the agent factory
// and individual agent contracts over an EVM JSON-RPC endpoint.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/semaphore"

	"github.com/agentarium/vigil/pkg/models"
)

// rpcCallTimeout bounds every individual RPC round-trip.
const rpcCallTimeout = 30 * time.Second

// enumerateBatch is the page size used when walking the factory
// registry.
const enumerateBatch = 256

// decisionLookbackBlocks is how far back decision logs are indexed.
const decisionLookbackBlocks = 10_000

// Backend is the narrow slice of the RPC client the gateway uses.
// *ethclient.Client satisfies it; tests substitute a fake.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Gateway owns all chain access. Concurrent RPC calls are capped by a
// weighted semaphore; no other component touches the RPC client.
type Gateway struct {
	backend Backend
	factory common.Address
	sem     *semaphore.Weighted
	closer  interface{ Close() }

	// Retry ladder timing. Tests shrink these.
	backoffBase time.Duration
	backoffCap  time.Duration

	// Monotonic snapshot guard: last accepted heartbeat count and
	// liveness per agent.
	mu       sync.Mutex
	lastSeen map[common.Address]seenState
}

type seenState struct {
	count uint64
	alive bool
}

// Dial connects to the RPC endpoint and returns a gateway bound to the
// given factory contract. maxConns caps concurrent in-flight RPCs.
func Dial(ctx context.Context, rpcEndpoint, factoryAddress string, maxConns int) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, rpcEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rpcEndpoint, err)
	}
	g := NewGateway(client, factoryAddress, maxConns)
	g.closer = client
	return g, nil
}

// NewGateway builds a gateway over an existing backend.
func NewGateway(backend Backend, factoryAddress string, maxConns int) *Gateway {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &Gateway{
		backend:     backend,
		factory:     common.HexToAddress(factoryAddress),
		sem:         semaphore.NewWeighted(int64(maxConns)),
		backoffBase: retryInitialBackoff,
		backoffCap:  retryMaxBackoff,
		lastSeen:    make(map[common.Address]seenState),
	}
}

// Close releases the underlying RPC client, if the gateway owns one.
func (g *Gateway) Close() {
	if g.closer != nil {
		g.closer.Close()
	}
}

// Ping returns the current head block number. Used at boot and by the
// health endpoint to verify the endpoint is reachable.
func (g *Gateway) Ping(ctx context.Context) (uint64, error) {
	var head uint64
	err := g.withRetry(ctx, "ping", func(ctx context.Context) error {
		n, err := g.blockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

// Snapshot reads the agent's packed vitals tuple. A snapshot whose
// heartbeat count regresses against the last accepted one for the same
// agent is rejected with ErrProtocolMismatch.
func (g *Gateway) Snapshot(ctx context.Context, addr string) (models.AgentSnapshot, error) {
	target := common.HexToAddress(addr)

	input, err := agentABI.Pack("vitals")
	if err != nil {
		return models.AgentSnapshot{}, fmt.Errorf("%w: packing vitals call: %v", ErrProtocolMismatch, err)
	}

	var snap models.AgentSnapshot
	err = g.withRetry(ctx, "snapshot "+addr, func(ctx context.Context) error {
		out, callErr := g.callContract(ctx, target, input)
		if callErr != nil {
			return callErr
		}
		// eth_call against an address without code returns no data.
		if len(out) == 0 {
			return ErrNotFound
		}
		decoded, decErr := decodeVitals(out)
		if decErr != nil {
			return decErr
		}
		snap = decoded
		return nil
	})
	if err != nil {
		return models.AgentSnapshot{}, err
	}

	if err := g.acceptSnapshot(target, snap); err != nil {
		return models.AgentSnapshot{}, err
	}
	return snap, nil
}

// NominalInterval reads the agent's genome-derived heartbeat interval
// in seconds. Zero means the contract does not override the configured
// default.
func (g *Gateway) NominalInterval(ctx context.Context, addr string) (int64, error) {
	target := common.HexToAddress(addr)

	input, err := agentABI.Pack("heartbeatInterval")
	if err != nil {
		return 0, fmt.Errorf("%w: packing heartbeatInterval call: %v", ErrProtocolMismatch, err)
	}

	var interval int64
	err = g.withRetry(ctx, "heartbeatInterval "+addr, func(ctx context.Context) error {
		out, callErr := g.callContract(ctx, target, input)
		if callErr != nil {
			return callErr
		}
		if len(out) == 0 {
			return ErrNotFound
		}
		vals, unpackErr := agentABI.Unpack("heartbeatInterval", out)
		if unpackErr != nil {
			return fmt.Errorf("%w: heartbeatInterval: %v", ErrProtocolMismatch, unpackErr)
		}
		v, ok := vals[0].(*big.Int)
		if !ok || !v.IsInt64() {
			return fmt.Errorf("%w: heartbeatInterval: unexpected value", ErrProtocolMismatch)
		}
		interval = v.Int64()
		return nil
	})
	return interval, err
}

// Enumerate walks the factory registry in pages and calls visit once
// per distinct agent address. visit returning false stops the walk.
func (g *Gateway) Enumerate(ctx context.Context, visit func(addr string) bool) error {
	countInput, err := factoryABI.Pack("agentCount")
	if err != nil {
		return fmt.Errorf("%w: packing agentCount call: %v", ErrProtocolMismatch, err)
	}

	var count uint64
	err = g.withRetry(ctx, "agentCount", func(ctx context.Context) error {
		out, callErr := g.callContract(ctx, g.factory, countInput)
		if callErr != nil {
			return callErr
		}
		if len(out) == 0 {
			return fmt.Errorf("%w: factory has no code", ErrProtocolMismatch)
		}
		vals, unpackErr := factoryABI.Unpack("agentCount", out)
		if unpackErr != nil {
			return fmt.Errorf("%w: agentCount: %v", ErrProtocolMismatch, unpackErr)
		}
		v, ok := vals[0].(*big.Int)
		if !ok || !v.IsUint64() {
			return fmt.Errorf("%w: agentCount: unexpected value", ErrProtocolMismatch)
		}
		count = v.Uint64()
		return nil
	})
	if err != nil {
		return err
	}

	seen := make(map[common.Address]bool, count)
	for offset := uint64(0); offset < count; offset += enumerateBatch {
		limit := uint64(enumerateBatch)
		if offset+limit > count {
			limit = count - offset
		}

		pageInput, packErr := factoryABI.Pack("getAgents", new(big.Int).SetUint64(offset), new(big.Int).SetUint64(limit))
		if packErr != nil {
			return fmt.Errorf("%w: packing getAgents call: %v", ErrProtocolMismatch, packErr)
		}

		var page []common.Address
		err = g.withRetry(ctx, fmt.Sprintf("getAgents(%d,%d)", offset, limit), func(ctx context.Context) error {
			out, callErr := g.callContract(ctx, g.factory, pageInput)
			if callErr != nil {
				return callErr
			}
			vals, unpackErr := factoryABI.Unpack("getAgents", out)
			if unpackErr != nil {
				return fmt.Errorf("%w: getAgents: %v", ErrProtocolMismatch, unpackErr)
			}
			addrs, ok := vals[0].([]common.Address)
			if !ok {
				return fmt.Errorf("%w: getAgents: unexpected value", ErrProtocolMismatch)
			}
			page = addrs
			return nil
		})
		if err != nil {
			return err
		}

		for _, a := range page {
			if seen[a] {
				continue
			}
			seen[a] = true
			if !visit(models.NormalizeAddress(a.Hex())) {
				return nil
			}
		}
	}
	return nil
}

// DecisionLogs returns the agent's most recent decision records,
// newest first, derived from event logs over the last
// decisionLookbackBlocks blocks.
func (g *Gateway) DecisionLogs(ctx context.Context, addr string, limit int) ([]models.Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	target := common.HexToAddress(addr)

	var head uint64
	err := g.withRetry(ctx, "blockNumber", func(ctx context.Context) error {
		n, callErr := g.blockNumber(ctx)
		if callErr != nil {
			return callErr
		}
		head = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	from := uint64(0)
	if head > decisionLookbackBlocks {
		from = head - decisionLookbackBlocks
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{target},
		Topics:    [][]common.Hash{{decisionTopic}},
	}

	var logs []types.Log
	err = g.withRetry(ctx, "decision logs "+addr, func(ctx context.Context) error {
		out, callErr := g.filterLogs(ctx, query)
		if callErr != nil {
			return callErr
		}
		logs = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	decisions := make([]models.Decision, 0, len(logs))
	for _, lg := range logs {
		ev, decErr := decodeDecisionLog(lg)
		if decErr != nil {
			return nil, decErr
		}
		decisions = append(decisions, models.Decision{
			AgentAddress: models.NormalizeAddress(lg.Address.Hex()),
			Ref:          ev.Ref,
			Timestamp:    ev.Timestamp,
			BlockNumber:  lg.BlockNumber,
			TxHash:       lg.TxHash.Hex(),
		})
	}

	// Logs arrive oldest first; callers want the most recent.
	for i, j := 0, len(decisions)-1; i < j; i, j = i+1, j-1 {
		decisions[i], decisions[j] = decisions[j], decisions[i]
	}
	if len(decisions) > limit {
		decisions = decisions[:limit]
	}
	return decisions, nil
}

// Forget drops the monotonic guard state for an agent. Called when an
// agent is deregistered so a later re-enumeration starts fresh.
func (g *Gateway) Forget(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastSeen, common.HexToAddress(addr))
}

// acceptSnapshot enforces the monotonic heartbeat invariants: the
// count never decreases, and never rises again after death.
func (g *Gateway) acceptSnapshot(addr common.Address, snap models.AgentSnapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.lastSeen[addr]
	if ok {
		if snap.HeartbeatCount < prev.count {
			return fmt.Errorf("%w: heartbeat count regressed %d -> %d for %s",
				ErrProtocolMismatch, prev.count, snap.HeartbeatCount, addr.Hex())
		}
		if !prev.alive && snap.HeartbeatCount > prev.count {
			return fmt.Errorf("%w: heartbeat count rose after death for %s",
				ErrProtocolMismatch, addr.Hex())
		}
	}

	alive := snap.Alive
	if ok && !prev.alive {
		alive = false
	}
	g.lastSeen[addr] = seenState{count: snap.HeartbeatCount, alive: alive}
	return nil
}

// decodeVitals unpacks the vitals() return tuple into a snapshot.
func decodeVitals(out []byte) (models.AgentSnapshot, error) {
	vals, err := agentABI.Unpack("vitals", out)
	if err != nil {
		return models.AgentSnapshot{}, fmt.Errorf("%w: vitals: %v", ErrProtocolMismatch, err)
	}
	if len(vals) != 8 {
		return models.AgentSnapshot{}, fmt.Errorf("%w: vitals: expected 8 values, got %d", ErrProtocolMismatch, len(vals))
	}

	genomeRef, ok := vals[0].([32]byte)
	if !ok {
		return models.AgentSnapshot{}, fmt.Errorf("%w: vitals: genomeRef", ErrProtocolMismatch)
	}
	birthTime, err := toInt64(vals[1])
	if err != nil {
		return models.AgentSnapshot{}, fmt.Errorf("%w: vitals: birthTime: %v", ErrProtocolMismatch, err)
	}
	lastHeartbeatAt, err := toInt64(vals[2])
	if err != nil {
		return models.AgentSnapshot{}, fmt.Errorf("%w: vitals: lastHeartbeatAt: %v", ErrProtocolMismatch, err)
	}
	heartbeatCount, err := toUint64(vals[3])
	if err != nil {
		return models.AgentSnapshot{}, fmt.Errorf("%w: vitals: heartbeatCount: %v", ErrProtocolMismatch, err)
	}
	alive, ok := vals[4].(bool)
	if !ok {
		return models.AgentSnapshot{}, fmt.Errorf("%w: vitals: alive", ErrProtocolMismatch)
	}
	balance, err := toUint64(vals[5])
	if err != nil {
		return models.AgentSnapshot{}, fmt.Errorf("%w: vitals: balance: %v", ErrProtocolMismatch, err)
	}
	lastDecisionRef, ok := vals[6].([32]byte)
	if !ok {
		return models.AgentSnapshot{}, fmt.Errorf("%w: vitals: lastDecisionRef", ErrProtocolMismatch)
	}
	cumulativeCost, err := toUint64(vals[7])
	if err != nil {
		return models.AgentSnapshot{}, fmt.Errorf("%w: vitals: cumulativeCost: %v", ErrProtocolMismatch, err)
	}

	return models.AgentSnapshot{
		GenomeRef:       refString(genomeRef),
		BirthTime:       birthTime,
		LastHeartbeatAt: lastHeartbeatAt,
		HeartbeatCount:  heartbeatCount,
		Alive:           alive,
		Balance:         balance,
		LastDecisionRef: refString(lastDecisionRef),
		CumulativeCost:  cumulativeCost,
	}, nil
}

func toInt64(v any) (int64, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("not a uint256")
	}
	if !b.IsInt64() {
		return 0, fmt.Errorf("value %s overflows int64", b)
	}
	return b.Int64(), nil
}

func toUint64(v any) (uint64, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("not a uint256")
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("value %s overflows uint64", b)
	}
	return b.Uint64(), nil
}

// callContract performs a read-only contract call under the connection
// cap and the per-call deadline.
func (g *Gateway) callContract(ctx context.Context, to common.Address, input []byte) ([]byte, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()
	return g.backend.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: input}, nil)
}

func (g *Gateway) filterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()
	return g.backend.FilterLogs(callCtx, q)
}

func (g *Gateway) blockNumber(ctx context.Context) (uint64, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer g.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()
	return g.backend.BlockNumber(callCtx)
}
