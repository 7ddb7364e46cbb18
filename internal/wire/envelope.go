// Package wire defines the signed envelope exchanged between nodes and the
// payloads it carries. Encoding uses the protobuf wire format directly.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/vazonhub/rhizome/internal/identity"
	"github.com/vazonhub/rhizome/pkg/hash"
)

var (
	// ErrMalformed is returned when bytes cannot be decoded into a message.
	ErrMalformed = errors.New("malformed message")

	// ErrBadSignature is returned when an envelope signature does not verify.
	ErrBadSignature = errors.New("bad signature")

	// ErrSenderMismatch is returned when the sender id is not the hash of the sender key.
	ErrSenderMismatch = errors.New("sender id does not match public key")
)

// MessageType identifies the kind of payload an envelope carries.
type MessageType uint8

const (
	TypePing              MessageType = 0x01
	TypePong              MessageType = 0x02
	TypeFindNode          MessageType = 0x03
	TypeFindNodeResponse  MessageType = 0x04
	TypeFindValue         MessageType = 0x05
	TypeFindValueResponse MessageType = 0x06
	TypeStore             MessageType = 0x07
	TypeStoreResponse     MessageType = 0x08
)

func (t MessageType) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeFindNode:
		return "FIND_NODE"
	case TypeFindNodeResponse:
		return "FIND_NODE_RESPONSE"
	case TypeFindValue:
		return "FIND_VALUE"
	case TypeFindValueResponse:
		return "FIND_VALUE_RESPONSE"
	case TypeStore:
		return "STORE"
	case TypeStoreResponse:
		return "STORE_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// ResponseType returns the reply kind expected for a request kind.
func (t MessageType) ResponseType() (MessageType, bool) {
	switch t {
	case TypePing:
		return TypePong, true
	case TypeFindNode:
		return TypeFindNodeResponse, true
	case TypeFindValue:
		return TypeFindValueResponse, true
	case TypeStore:
		return TypeStoreResponse, true
	default:
		return 0, false
	}
}

// Signer produces signatures on behalf of a node.
type Signer interface {
	ID() hash.ID
	PublicKey() []byte
	Sign(msg []byte) []byte
}

// Envelope is the unit of exchange between nodes.
type Envelope struct {
	Type          MessageType
	CorrelationID string
	SenderID      hash.ID
	SenderAddr    string
	SenderPubKey  []byte
	Timestamp     int64 // unix nanoseconds
	Payload       []byte
	Signature     []byte
}

// Field numbers.
const (
	envType          protowire.Number = 1
	envCorrelationID protowire.Number = 2
	envSenderID      protowire.Number = 3
	envSenderAddr    protowire.Number = 4
	envSenderPubKey  protowire.Number = 5
	envTimestamp     protowire.Number = 6
	envPayload       protowire.Number = 7
	envSignature     protowire.Number = 8
)

// NewRequest builds an unsigned request envelope with a fresh correlation id.
func NewRequest(t MessageType, payload []byte) *Envelope {
	return &Envelope{
		Type:          t,
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now().UnixNano(),
		Payload:       payload,
	}
}

// NewReply builds an unsigned reply that carries the request's correlation id.
func NewReply(req *Envelope, t MessageType, payload []byte) *Envelope {
	return &Envelope{
		Type:          t,
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UnixNano(),
		Payload:       payload,
	}
}

// Sign fills in the sender fields and signs the envelope.
func (e *Envelope) Sign(s Signer, addr string) {
	e.SenderID = s.ID()
	e.SenderAddr = addr
	e.SenderPubKey = s.PublicKey()
	e.Signature = s.Sign(e.SigningBytes())
}

// Verify checks that the sender id derives from the attached key and that
// the signature covers the envelope contents.
func (e *Envelope) Verify() error {
	if !identity.VerifySender(e.SenderID, e.SenderPubKey) {
		return ErrSenderMismatch
	}
	if !identity.Verify(e.SigningBytes(), e.Signature, e.SenderPubKey) {
		return ErrBadSignature
	}
	return nil
}

// Time returns the envelope timestamp.
func (e *Envelope) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// SigningBytes is the encoding of every field except the signature.
func (e *Envelope) SigningBytes() []byte {
	return e.appendFields(nil)
}

// Marshal encodes the envelope, signature included.
func (e *Envelope) Marshal() []byte {
	b := e.appendFields(make([]byte, 0, 128+len(e.Payload)))
	if len(e.Signature) > 0 {
		b = protowire.AppendTag(b, envSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Signature)
	}
	return b
}

func (e *Envelope) appendFields(b []byte) []byte {
	b = protowire.AppendTag(b, envType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	b = protowire.AppendTag(b, envCorrelationID, protowire.BytesType)
	b = protowire.AppendString(b, e.CorrelationID)
	b = protowire.AppendTag(b, envSenderID, protowire.BytesType)
	b = protowire.AppendBytes(b, e.SenderID[:])
	b = protowire.AppendTag(b, envSenderAddr, protowire.BytesType)
	b = protowire.AppendString(b, e.SenderAddr)
	b = protowire.AppendTag(b, envSenderPubKey, protowire.BytesType)
	b = protowire.AppendBytes(b, e.SenderPubKey)
	b = protowire.AppendTag(b, envTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Timestamp))
	b = protowire.AppendTag(b, envPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

// Unmarshal decodes b into e, replacing its contents.
func (e *Envelope) Unmarshal(b []byte) error {
	*e = Envelope{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case envType:
			v, n, err := varintField(typ, b)
			if err != nil {
				return 0, err
			}
			if v > 0xFF {
				return 0, fmt.Errorf("%w: message type out of range", ErrMalformed)
			}
			e.Type = MessageType(v)
			return n, nil
		case envCorrelationID:
			v, n, err := bytesField(typ, b)
			e.CorrelationID = string(v)
			return n, err
		case envSenderID:
			id, n, err := idField(typ, b)
			e.SenderID = id
			return n, err
		case envSenderAddr:
			v, n, err := bytesField(typ, b)
			e.SenderAddr = string(v)
			return n, err
		case envSenderPubKey:
			v, n, err := bytesField(typ, b)
			e.SenderPubKey = clone(v)
			return n, err
		case envTimestamp:
			v, n, err := varintField(typ, b)
			e.Timestamp = int64(v)
			return n, err
		case envPayload:
			v, n, err := bytesField(typ, b)
			e.Payload = clone(v)
			return n, err
		case envSignature:
			v, n, err := bytesField(typ, b)
			e.Signature = clone(v)
			return n, err
		}
		return 0, nil
	})
}

// Decode is a convenience wrapper around Unmarshal.
func Decode(b []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := e.Unmarshal(b); err != nil {
		return nil, err
	}
	return e, nil
}
