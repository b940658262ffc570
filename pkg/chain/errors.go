package chain

import "errors"

// Gateway error taxonomy. Callers classify with errors.Is.
var (
	// ErrTransientChainFailure wraps an RPC failure that survived the
	// bounded retry ladder.
	ErrTransientChainFailure = errors.New("transient chain failure")

	// ErrProtocolMismatch marks a malformed or regressing contract
	// response. Never retried.
	ErrProtocolMismatch = errors.New("contract protocol mismatch")

	// ErrNotFound means the address has no agent behind it. Not an
	// error condition for callers: the agent set may shrink between
	// enumeration and snapshot.
	ErrNotFound = errors.New("agent not found")
)
