// Package types defines core data structures shared by the consensus engine
// and the infrastructure around it.
package types

import (
	"encoding/hex"
	"time"

	"github.com/cometbft/cometbft/crypto/tmhash"
	"github.com/google/uuid"
)

// Node is a member of the replica roster.
type Node struct {
	ID              string `cbor:"1,keyasint" json:"id"`
	Address         string `cbor:"2,keyasint" json:"address"`
	PublicKey       []byte `cbor:"3,keyasint" json:"public_key"`
	IsPrimary       bool   `cbor:"4,keyasint" json:"is_primary"`
	FaultySuspected bool   `cbor:"5,keyasint" json:"faulty_suspected"`
}

// ConsensusProposal is the value the cluster agrees on. Action is opaque to
// the engine.
type ConsensusProposal struct {
	ProposalID  string    `cbor:"1,keyasint" json:"proposal_id"`
	IncidentID  string    `cbor:"2,keyasint" json:"incident_id"`
	Action      []byte    `cbor:"3,keyasint" json:"action"`
	ProposerID  string    `cbor:"4,keyasint" json:"proposer_id"`
	SubmittedAt time.Time `cbor:"5,keyasint" json:"submitted_at"`
}

// NewProposal creates a proposal with a fresh id.
func NewProposal(incidentID, proposerID string, action []byte) *ConsensusProposal {
	return &ConsensusProposal{
		ProposalID:  uuid.NewString(),
		IncidentID:  incidentID,
		Action:      action,
		ProposerID:  proposerID,
		SubmittedAt: time.Now().UTC(),
	}
}

// Digest returns the SHA-256 fingerprint of the canonical encoding.
func (p *ConsensusProposal) Digest() []byte {
	data, err := Marshal(p)
	if err != nil {
		// Encoding a plain struct with the canonical mode does not fail.
		panic(err)
	}
	return tmhash.Sum(data)
}

// Outcome is the terminal status of a sequence.
type Outcome int

const (
	// OutcomeDecided means a commit quorum agreed on the value.
	OutcomeDecided Outcome = iota
	// OutcomeAborted means the sequence was abandoned.
	OutcomeAborted
	// OutcomeTimedOut is only ever returned to a waiter whose deadline expired.
	OutcomeTimedOut
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeDecided:
		return "DECIDED"
	case OutcomeAborted:
		return "ABORTED"
	case OutcomeTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// ConsensusResult is produced exactly once per sequence.
type ConsensusResult struct {
	Sequence           uint64    `cbor:"1,keyasint" json:"sequence"`
	View               uint64    `cbor:"2,keyasint" json:"view"`
	ProposalID         string    `cbor:"3,keyasint" json:"proposal_id"`
	IncidentID         string    `cbor:"4,keyasint" json:"incident_id"`
	Digest             []byte    `cbor:"5,keyasint" json:"digest"`
	DecidedValue       []byte    `cbor:"6,keyasint" json:"decided_value"`
	DecidedAt          time.Time `cbor:"7,keyasint" json:"decided_at"`
	ParticipatingNodes []string  `cbor:"8,keyasint" json:"participating_nodes"`
	Outcome            Outcome   `cbor:"9,keyasint" json:"outcome"`
}

// DigestHex returns the hex encoding of the result digest.
func (r *ConsensusResult) DigestHex() string {
	return hex.EncodeToString(r.Digest)
}

// Checkpoint is the last stable point of the decision history.
type Checkpoint struct {
	View      uint64    `cbor:"1,keyasint" json:"view"`
	Sequence  uint64    `cbor:"2,keyasint" json:"sequence"`
	Digest    []byte    `cbor:"3,keyasint" json:"digest"`
	Roster    []Node    `cbor:"4,keyasint" json:"roster"`
	CreatedAt time.Time `cbor:"5,keyasint" json:"created_at"`
}

// ShortHex abbreviates a digest for log lines.
func ShortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// ChainDigest folds a decision digest into a running checkpoint digest.
func ChainDigest(prev, digest []byte) []byte {
	buf := make([]byte, 0, len(prev)+len(digest))
	buf = append(buf, prev...)
	buf = append(buf, digest...)
	return tmhash.Sum(buf)
}
