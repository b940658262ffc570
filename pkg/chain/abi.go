package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Read/event surface of the agent factory. The factory enumerates
// deployed agents and announces creations.
const factoryABIJSON = `[
	{"type":"function","name":"agentCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getAgents","stateMutability":"view","inputs":[{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"event","name":"AgentDeployed","inputs":[{"name":"agent","type":"address","indexed":true},{"name":"creator","type":"address","indexed":true},{"name":"genomeRef","type":"bytes32","indexed":false}]}
]`

// Read/event surface of an individual agent contract. vitals() packs
// the full observable state into one call; heartbeatInterval() exposes
// the genome-derived nominal heartbeat interval in seconds.
const agentABIJSON = `[
	{"type":"function","name":"vitals","stateMutability":"view","inputs":[],"outputs":[
		{"name":"genomeRef","type":"bytes32"},
		{"name":"birthTime","type":"uint256"},
		{"name":"lastHeartbeatAt","type":"uint256"},
		{"name":"heartbeatCount","type":"uint256"},
		{"name":"alive","type":"bool"},
		{"name":"balance","type":"uint256"},
		{"name":"lastDecisionRef","type":"bytes32"},
		{"name":"cumulativeCost","type":"uint256"}
	]},
	{"type":"function","name":"heartbeatInterval","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Heartbeat","inputs":[{"name":"count","type":"uint256","indexed":false},{"name":"decisionRef","type":"bytes32","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"Decision","inputs":[{"name":"ref","type":"bytes32","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

var (
	factoryABI abi.ABI
	agentABI   abi.ABI

	agentDeployedTopic common.Hash
	heartbeatTopic     common.Hash
	decisionTopic      common.Hash
)

func init() {
	var err error
	factoryABI, err = abi.JSON(strings.NewReader(factoryABIJSON))
	if err != nil {
		panic("chain: invalid factory ABI: " + err.Error())
	}
	agentABI, err = abi.JSON(strings.NewReader(agentABIJSON))
	if err != nil {
		panic("chain: invalid agent ABI: " + err.Error())
	}

	agentDeployedTopic = factoryABI.Events["AgentDeployed"].ID
	heartbeatTopic = agentABI.Events["Heartbeat"].ID
	decisionTopic = agentABI.Events["Decision"].ID
}

// refString renders a bytes32 reference as 0x-hex, or "" for the zero
// value (unset references stay empty in JSON output).
func refString(b [32]byte) string {
	if b == ([32]byte{}) {
		return ""
	}
	return common.Hash(b).Hex()
}
