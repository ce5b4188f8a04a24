package pbft

import (
	"github.com/ahwlsqja/pbft-remediation/types"
)

// Transport delivers messages between replicas. Implementations exclude the
// local node from Broadcast; the engine processes its own messages directly.
type Transport interface {
	// Broadcast sends msg to every other replica.
	Broadcast(msg *Message) error

	// Relay forwards a submitted proposal to every other replica so that the
	// primary can order it and backups can arm their timers.
	Relay(proposal *types.ConsensusProposal) error

	// SetMessageHandler sets the handler for incoming messages.
	SetMessageHandler(handler func(*Message))

	// SetProposalHandler sets the handler for relayed proposals.
	SetProposalHandler(handler func(*types.ConsensusProposal))
}

// Signer signs outgoing messages.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Verifier authenticates incoming messages.
type Verifier interface {
	Verify(msg *Message) bool
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(msg *Message) bool

// Verify calls f.
func (f VerifierFunc) Verify(msg *Message) bool { return f(msg) }

// Store persists the decision history and the last stable checkpoint.
type Store interface {
	SaveResult(result *types.ConsensusResult) error
	LoadResults() ([]*types.ConsensusResult, error)
	SaveCheckpoint(cp *types.Checkpoint) error
	LoadCheckpoint() (*types.Checkpoint, error)
}
