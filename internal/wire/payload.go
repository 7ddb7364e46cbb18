package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/vazonhub/rhizome/pkg/hash"
)

// StoreCode reports why a STORE was or wasn't accepted.
type StoreCode uint8

const (
	StoreOK StoreCode = iota
	StoreInvalidRecord
	StoreStorageError
)

// PeerInfo is a peer as advertised on the wire.
type PeerInfo struct {
	ID      hash.ID
	Address string
}

func (p PeerInfo) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, p.ID[:])
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, p.Address)
	return b
}

func (p *PeerInfo) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			id, n, err := idField(typ, b)
			p.ID = id
			return n, err
		case 2:
			v, n, err := bytesField(typ, b)
			p.Address = string(v)
			return n, err
		}
		return 0, nil
	})
}

func appendPeers(b []byte, num protowire.Number, peers []PeerInfo) []byte {
	for _, p := range peers {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, p.appendTo(nil))
	}
	return b
}

func consumePeer(typ protowire.Type, b []byte) (PeerInfo, int, error) {
	var p PeerInfo
	v, n, err := bytesField(typ, b)
	if err != nil {
		return p, 0, err
	}
	if err := p.unmarshal(v); err != nil {
		return p, 0, err
	}
	return p, n, nil
}

// FindNodeRequest asks for the peers closest to Target.
type FindNodeRequest struct {
	Target hash.ID
}

func (m *FindNodeRequest) Marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, m.Target[:])
}

func (m *FindNodeRequest) Unmarshal(b []byte) error {
	*m = FindNodeRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		id, n, err := idField(typ, b)
		m.Target = id
		return n, err
	})
}

// NodesResponse answers FIND_NODE.
type NodesResponse struct {
	Peers []PeerInfo
}

func (m *NodesResponse) Marshal() []byte {
	return appendPeers(nil, 1, m.Peers)
}

func (m *NodesResponse) Unmarshal(b []byte) error {
	*m = NodesResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		p, n, err := consumePeer(typ, b)
		if err == nil {
			m.Peers = append(m.Peers, p)
		}
		return n, err
	})
}

// FindValueRequest asks for the record stored under Key.
type FindValueRequest struct {
	Key hash.ID
}

func (m *FindValueRequest) Marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, m.Key[:])
}

func (m *FindValueRequest) Unmarshal(b []byte) error {
	*m = FindValueRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		id, n, err := idField(typ, b)
		m.Key = id
		return n, err
	})
}

// FindValueResponse carries either the record or closer peers.
type FindValueResponse struct {
	Found     bool
	Value     []byte
	ExpiresAt int64 // unix nanoseconds
	Peers     []PeerInfo
}

func (m *FindValueResponse) Marshal() []byte {
	var b []byte
	if m.Found {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Value)
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.ExpiresAt))
	}
	return appendPeers(b, 4, m.Peers)
}

func (m *FindValueResponse) Unmarshal(b []byte) error {
	*m = FindValueResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := varintField(typ, b)
			m.Found = protowire.DecodeBool(v)
			return n, err
		case 2:
			v, n, err := bytesField(typ, b)
			m.Value = clone(v)
			return n, err
		case 3:
			v, n, err := varintField(typ, b)
			m.ExpiresAt = int64(v)
			return n, err
		case 4:
			p, n, err := consumePeer(typ, b)
			if err == nil {
				m.Peers = append(m.Peers, p)
			}
			return n, err
		}
		return 0, nil
	})
}

// StoreRequest asks the receiver to hold Value under Key for TTLSeconds.
type StoreRequest struct {
	Key        hash.ID
	Value      []byte
	TTLSeconds uint64
}

func (m *StoreRequest) Marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Key[:])
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Value)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	return protowire.AppendVarint(b, m.TTLSeconds)
}

func (m *StoreRequest) Unmarshal(b []byte) error {
	*m = StoreRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			id, n, err := idField(typ, b)
			m.Key = id
			return n, err
		case 2:
			v, n, err := bytesField(typ, b)
			m.Value = clone(v)
			return n, err
		case 3:
			v, n, err := varintField(typ, b)
			m.TTLSeconds = v
			return n, err
		}
		return 0, nil
	})
}

// StoreResponse acknowledges or rejects a STORE.
type StoreResponse struct {
	Accepted bool
	Code     StoreCode
	Reason   string
}

func (m *StoreResponse) Marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Accepted))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Code))
	if m.Reason != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.Reason)
	}
	return b
}

func (m *StoreResponse) Unmarshal(b []byte) error {
	*m = StoreResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := varintField(typ, b)
			m.Accepted = protowire.DecodeBool(v)
			return n, err
		case 2:
			v, n, err := varintField(typ, b)
			m.Code = StoreCode(v)
			return n, err
		case 3:
			v, n, err := bytesField(typ, b)
			m.Reason = string(v)
			return n, err
		}
		return 0, nil
	})
}
