package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agentarium/vigil/pkg/models"
)

// defaultWatchInterval is how often the watcher polls for new logs.
const defaultWatchInterval = 15 * time.Second

// CreationEvent is an AgentDeployed log decoded from the factory.
type CreationEvent struct {
	Agent     string
	Creator   string
	GenomeRef string
	Block     uint64
}

// HeartbeatEvent is a Heartbeat log decoded from an agent contract.
type HeartbeatEvent struct {
	Agent       string
	Count       uint64
	DecisionRef string
	Timestamp   int64
	Block       uint64
}

// DecisionEvent is a Decision log decoded from an agent contract.
type DecisionEvent struct {
	Agent     string
	Ref       string
	Timestamp int64
	Block     uint64
	TxHash    string
}

// Watcher polls the chain for factory creation logs and for
// heartbeat/decision logs of the watched agent set. Poll failures are
// logged and retried on the next pass without advancing the cursor, so
// no log range is skipped.
type Watcher struct {
	gateway      *Gateway
	pollInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.RWMutex
	lastBlock  uint64
	onCreation func(CreationEvent)
	onDecision func(DecisionEvent)
	heartbeats map[common.Address]func(HeartbeatEvent)
}

// NewWatcher builds a watcher over the gateway. pollInterval <= 0
// selects the default.
func NewWatcher(g *Gateway, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = defaultWatchInterval
	}
	return &Watcher{
		gateway:      g,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		heartbeats:   make(map[common.Address]func(HeartbeatEvent)),
	}
}

// OnCreations registers the creation callback. Must be called before
// Start.
func (w *Watcher) OnCreations(cb func(CreationEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onCreation = cb
}

// OnDecisions registers the decision callback. Must be called before
// Start.
func (w *Watcher) OnDecisions(cb func(DecisionEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDecision = cb
}

// WatchHeartbeats registers a heartbeat callback for one agent.
// Subsequent registrations for the same agent replace the callback.
func (w *Watcher) WatchHeartbeats(addr string, cb func(HeartbeatEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeats[common.HexToAddress(addr)] = cb
}

// UnwatchHeartbeats removes the heartbeat callback for an agent.
func (w *Watcher) UnwatchHeartbeats(addr string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.heartbeats, common.HexToAddress(addr))
}

// Start resolves the current head and begins polling for logs beyond
// it. Blocks only for the initial head lookup.
func (w *Watcher) Start(ctx context.Context) error {
	head, err := w.gateway.Ping(ctx)
	if err != nil {
		return fmt.Errorf("resolving initial head: %w", err)
	}
	w.mu.Lock()
	w.lastBlock = head
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	slog.Info("Chain watcher started", "head", head, "poll_interval", w.pollInterval)
	return nil
}

// Stop signals the watcher to stop and waits for the poll loop to
// finish. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			slog.Info("Chain watcher stopped")
			return
		case <-ctx.Done():
			slog.Info("Context cancelled, chain watcher stopped")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll processes the block range (lastBlock, head]. The cursor only
// advances after every query in the pass succeeded.
func (w *Watcher) poll(ctx context.Context) {
	head, err := w.gateway.blockNumber(ctx)
	if err != nil {
		slog.Warn("Watcher head lookup failed", "error", err)
		return
	}

	w.mu.RLock()
	last := w.lastBlock
	watched := make([]common.Address, 0, len(w.heartbeats))
	for addr := range w.heartbeats {
		watched = append(watched, addr)
	}
	w.mu.RUnlock()

	if head <= last {
		return
	}
	from := new(big.Int).SetUint64(last + 1)
	to := new(big.Int).SetUint64(head)

	creationLogs, err := w.gateway.filterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{w.gateway.factory},
		Topics:    [][]common.Hash{{agentDeployedTopic}},
	})
	if err != nil {
		slog.Warn("Watcher creation log query failed", "error", err)
		return
	}

	var agentLogs []types.Log
	if len(watched) > 0 {
		agentLogs, err = w.gateway.filterLogs(ctx, ethereum.FilterQuery{
			FromBlock: from,
			ToBlock:   to,
			Addresses: watched,
			Topics:    [][]common.Hash{{heartbeatTopic, decisionTopic}},
		})
		if err != nil {
			slog.Warn("Watcher agent log query failed", "error", err)
			return
		}
	}

	w.mu.Lock()
	w.lastBlock = head
	w.mu.Unlock()

	for _, lg := range creationLogs {
		w.dispatchCreation(lg)
	}
	for _, lg := range agentLogs {
		w.dispatchAgentLog(lg)
	}
}

func (w *Watcher) dispatchCreation(lg types.Log) {
	ev, err := decodeCreationLog(lg)
	if err != nil {
		slog.Warn("Skipping malformed creation log",
			"block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "error", err)
		return
	}

	w.mu.RLock()
	cb := w.onCreation
	w.mu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

func (w *Watcher) dispatchAgentLog(lg types.Log) {
	if len(lg.Topics) == 0 {
		return
	}

	switch lg.Topics[0] {
	case heartbeatTopic:
		ev, err := decodeHeartbeatLog(lg)
		if err != nil {
			slog.Warn("Skipping malformed heartbeat log",
				"agent", lg.Address.Hex(), "block", lg.BlockNumber, "error", err)
			return
		}
		w.mu.RLock()
		cb := w.heartbeats[lg.Address]
		w.mu.RUnlock()
		if cb != nil {
			cb(ev)
		}

	case decisionTopic:
		ev, err := decodeDecisionLog(lg)
		if err != nil {
			slog.Warn("Skipping malformed decision log",
				"agent", lg.Address.Hex(), "block", lg.BlockNumber, "error", err)
			return
		}
		w.mu.RLock()
		cb := w.onDecision
		w.mu.RUnlock()
		if cb != nil {
			cb(ev)
		}
	}
}

func decodeCreationLog(lg types.Log) (CreationEvent, error) {
	if len(lg.Topics) != 3 {
		return CreationEvent{}, fmt.Errorf("%w: AgentDeployed: expected 3 topics, got %d",
			ErrProtocolMismatch, len(lg.Topics))
	}
	vals, err := factoryABI.Events["AgentDeployed"].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return CreationEvent{}, fmt.Errorf("%w: AgentDeployed: %v", ErrProtocolMismatch, err)
	}
	genomeRef, ok := vals[0].([32]byte)
	if !ok {
		return CreationEvent{}, fmt.Errorf("%w: AgentDeployed: genomeRef", ErrProtocolMismatch)
	}

	return CreationEvent{
		Agent:     models.NormalizeAddress(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		Creator:   models.NormalizeAddress(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
		GenomeRef: refString(genomeRef),
		Block:     lg.BlockNumber,
	}, nil
}

func decodeHeartbeatLog(lg types.Log) (HeartbeatEvent, error) {
	vals, err := agentABI.Events["Heartbeat"].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return HeartbeatEvent{}, fmt.Errorf("%w: Heartbeat: %v", ErrProtocolMismatch, err)
	}
	count, err := toUint64(vals[0])
	if err != nil {
		return HeartbeatEvent{}, fmt.Errorf("%w: Heartbeat: count: %v", ErrProtocolMismatch, err)
	}
	decisionRef, ok := vals[1].([32]byte)
	if !ok {
		return HeartbeatEvent{}, fmt.Errorf("%w: Heartbeat: decisionRef", ErrProtocolMismatch)
	}
	ts, err := toInt64(vals[2])
	if err != nil {
		return HeartbeatEvent{}, fmt.Errorf("%w: Heartbeat: timestamp: %v", ErrProtocolMismatch, err)
	}

	return HeartbeatEvent{
		Agent:       models.NormalizeAddress(lg.Address.Hex()),
		Count:       count,
		DecisionRef: refString(decisionRef),
		Timestamp:   ts,
		Block:       lg.BlockNumber,
	}, nil
}

func decodeDecisionLog(lg types.Log) (DecisionEvent, error) {
	vals, err := agentABI.Events["Decision"].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return DecisionEvent{}, fmt.Errorf("%w: Decision: %v", ErrProtocolMismatch, err)
	}
	ref, ok := vals[0].([32]byte)
	if !ok {
		return DecisionEvent{}, fmt.Errorf("%w: Decision: ref", ErrProtocolMismatch)
	}
	ts, err := toInt64(vals[1])
	if err != nil {
		return DecisionEvent{}, fmt.Errorf("%w: Decision: timestamp: %v", ErrProtocolMismatch, err)
	}

	return DecisionEvent{
		Agent:     models.NormalizeAddress(lg.Address.Hex()),
		Ref:       refString(ref),
		Timestamp: ts,
		Block:     lg.BlockNumber,
		TxHash:    lg.TxHash.Hex(),
	}, nil
}
