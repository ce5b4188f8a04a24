package pbft

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/crypto/tmhash"

	"github.com/ahwlsqja/pbft-remediation/types"
)

// MessageType represents the type of PBFT message.
type MessageType int

const (
	// PrePrepare is sent by the primary to bind a proposal to a sequence.
	PrePrepare MessageType = iota + 1
	// Prepare is sent by every replica after accepting a PrePrepare.
	Prepare
	// Commit is sent after observing a prepare quorum.
	Commit
	// ViewChange asks to move to the next view.
	ViewChange
	// NewView is sent by the new primary after collecting a view-change quorum.
	NewView
)

// String returns the string representation of MessageType.
func (mt MessageType) String() string {
	switch mt {
	case PrePrepare:
		return "PRE-PREPARE"
	case Prepare:
		return "PREPARE"
	case Commit:
		return "COMMIT"
	case ViewChange:
		return "VIEW-CHANGE"
	case NewView:
		return "NEW-VIEW"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether mt is one of the five protocol messages.
func (mt MessageType) Valid() bool {
	return mt >= PrePrepare && mt <= NewView
}

// Message represents a PBFT consensus message. It is never mutated once signed.
type Message struct {
	Type      MessageType `cbor:"1,keyasint"`
	View      uint64      `cbor:"2,keyasint"`
	Sequence  uint64      `cbor:"3,keyasint"`
	Digest    []byte      `cbor:"4,keyasint"`
	SenderID  string      `cbor:"5,keyasint"`
	Timestamp time.Time   `cbor:"6,keyasint"`
	Signature []byte      `cbor:"7,keyasint,omitempty"`
	Payload   []byte      `cbor:"8,keyasint,omitempty"`
}

// NewMessage creates an unsigned message.
func NewMessage(msgType MessageType, view, seq uint64, digest []byte, senderID string) *Message {
	return &Message{
		Type:      msgType,
		View:      view,
		Sequence:  seq,
		Digest:    digest,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}
}

type signedFields struct {
	_         struct{} `cbor:",toarray"`
	Type      MessageType
	View      uint64
	Sequence  uint64
	Digest    []byte
	SenderID  string
	Timestamp time.Time
	Payload   []byte
}

// SignBytes returns the canonical encoding of every field except Signature.
func (m *Message) SignBytes() []byte {
	data, err := types.Marshal(signedFields{
		Type:      m.Type,
		View:      m.View,
		Sequence:  m.Sequence,
		Digest:    m.Digest,
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp,
		Payload:   m.Payload,
	})
	if err != nil {
		panic(err)
	}
	return data
}

// SameContent reports whether two messages carry the same vote.
func (m *Message) SameContent(o *Message) bool {
	return m.Type == o.Type && m.View == o.View && m.Sequence == o.Sequence &&
		m.SenderID == o.SenderID && bytes.Equal(m.Digest, o.Digest)
}

// Body is the decoded payload of a message. The set of implementations is
// closed: PrePrepareBody, ViewChangeBody and NewViewBody.
type Body interface {
	isBody()
}

// PrePrepareBody carries the proposal bound to a sequence. A nil Proposal is
// the null request used to fill gaps after a view change.
type PrePrepareBody struct {
	Proposal *types.ConsensusProposal `cbor:"1,keyasint,omitempty"`
}

// ViewChangeBody is a replica's vote to move to NewView.
type ViewChangeBody struct {
	NewView    uint64         `cbor:"1,keyasint"`
	LastStable uint64         `cbor:"2,keyasint"`
	Prepared   []PreparedCert `cbor:"3,keyasint"`
}

// NewViewBody proves the view change and re-proposes the carried sequences.
type NewViewBody struct {
	ViewChanges []*Message `cbor:"1,keyasint"`
	PrePrepares []*Message `cbor:"2,keyasint"`
}

// PreparedCert proves that Digest gathered a prepare quorum at Sequence in View.
type PreparedCert struct {
	View       uint64     `cbor:"1,keyasint"`
	Sequence   uint64     `cbor:"2,keyasint"`
	Digest     []byte     `cbor:"3,keyasint"`
	PrePrepare *Message   `cbor:"4,keyasint"`
	Prepares   []*Message `cbor:"5,keyasint"`
}

func (*PrePrepareBody) isBody() {}
func (*ViewChangeBody) isBody() {}
func (*NewViewBody) isBody()    {}

// NullDigest is the digest of the null request.
var NullDigest = tmhash.Sum([]byte("pbft/null-request"))

// IsNull reports whether the message votes for the null request.
func (m *Message) IsNull() bool {
	return bytes.Equal(m.Digest, NullDigest)
}

// SetBody encodes b into the message payload.
func (m *Message) SetBody(b Body) error {
	data, err := types.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", m.Type, err)
	}
	m.Payload = data
	return nil
}

// Body decodes the payload according to the message type. Prepare and
// Commit have no body and return nil.
func (m *Message) Body() (Body, error) {
	var b Body
	switch m.Type {
	case PrePrepare:
		b = &PrePrepareBody{}
	case ViewChange:
		b = &ViewChangeBody{}
	case NewView:
		b = &NewViewBody{}
	case Prepare, Commit:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown message type %d", m.Type)
	}
	if len(m.Payload) == 0 {
		return nil, fmt.Errorf("%s without payload", m.Type)
	}
	if err := types.Unmarshal(m.Payload, b); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", m.Type, err)
	}
	return b, nil
}

// proposalDigest returns the digest a pre-prepare must carry for p.
func proposalDigest(p *types.ConsensusProposal) []byte {
	if p == nil {
		return NullDigest
	}
	return p.Digest()
}

// payloadDigest fingerprints view-change traffic so the message log can
// detect a replica sending two different votes for the same view.
func payloadDigest(payload []byte) []byte {
	return tmhash.Sum(payload)
}
