// Package transport provides gRPC-based networking between PBFT replicas.
package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ahwlsqja/pbft-remediation/consensus/pbft"
	"github.com/ahwlsqja/pbft-remediation/types"
)

// CodecName is the gRPC content subtype of the envelope codec.
const CodecName = "pbft-envelope"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Kind tells the receiver how to decode an envelope body.
type Kind uint8

const (
	KindAck Kind = iota
	KindMessage
	KindProposal
)

// Envelope is the single wire type of the replica service:
//
//	1: kind   varint
//	2: from   string
//	3: body   bytes (CBOR of a pbft.Message or types.ConsensusProposal)
type Envelope struct {
	Kind Kind
	From string
	Body []byte
}

// MarshalWire encodes e in protobuf wire format.
func (e *Envelope) MarshalWire() []byte {
	b := make([]byte, 0, len(e.Body)+len(e.From)+16)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	if e.From != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, e.From)
	}
	if len(e.Body) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Body)
	}
	return b
}

// UnmarshalWire decodes b into e. Unknown fields are skipped.
func (e *Envelope) UnmarshalWire(b []byte) error {
	*e = Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("envelope kind: %w", protowire.ParseError(n))
			}
			e.Kind = Kind(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("envelope from: %w", protowire.ParseError(n))
			}
			e.From = v
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("envelope body: %w", protowire.ParseError(n))
			}
			e.Body = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// Codec is the gRPC codec for Envelope.
type Codec struct{}

// Name returns the name of the codec.
func (Codec) Name() string {
	return CodecName
}

// Marshal serializes an *Envelope.
func (Codec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("envelope codec: cannot marshal %T", v)
	}
	return env.MarshalWire(), nil
}

// Unmarshal deserializes into an *Envelope.
func (Codec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("envelope codec: cannot unmarshal into %T", v)
	}
	return env.UnmarshalWire(data)
}

// EncodeMessage wraps a consensus message.
func EncodeMessage(from string, msg *pbft.Message) (*Envelope, error) {
	body, err := types.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return &Envelope{Kind: KindMessage, From: from, Body: body}, nil
}

// EncodeProposal wraps a relayed proposal.
func EncodeProposal(from string, p *types.ConsensusProposal) (*Envelope, error) {
	body, err := types.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode proposal: %w", err)
	}
	return &Envelope{Kind: KindProposal, From: from, Body: body}, nil
}

// Message decodes the body of a KindMessage envelope.
func (e *Envelope) Message() (*pbft.Message, error) {
	if e.Kind != KindMessage {
		return nil, fmt.Errorf("envelope kind %d is not a message", e.Kind)
	}
	var msg pbft.Message
	if err := types.Unmarshal(e.Body, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// Proposal decodes the body of a KindProposal envelope.
func (e *Envelope) Proposal() (*types.ConsensusProposal, error) {
	if e.Kind != KindProposal {
		return nil, fmt.Errorf("envelope kind %d is not a proposal", e.Kind)
	}
	var p types.ConsensusProposal
	if err := types.Unmarshal(e.Body, &p); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	return &p, nil
}
