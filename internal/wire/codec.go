package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/vazonhub/rhizome/pkg/hash"
)

// CodecName is the gRPC content subtype under which envelopes travel.
const CodecName = "rhizome"

func init() {
	encoding.RegisterCodec(grpcCodec{})
}

// grpcCodec lets gRPC carry *Envelope values without generated stubs.
type grpcCodec struct{}

func (grpcCodec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("rhizome codec: cannot marshal %T", v)
	}
	return env.Marshal(), nil
}

func (grpcCodec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("rhizome codec: cannot unmarshal into %T", v)
	}
	return env.Unmarshal(data)
}

func (grpcCodec) Name() string {
	return CodecName
}

// walk iterates the fields in b. visit returns the number of bytes it
// consumed; zero means the field was not recognised and is skipped.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func varintField(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func bytesField(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected bytes, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func idField(typ protowire.Type, b []byte) (hash.ID, int, error) {
	v, n, err := bytesField(typ, b)
	if err != nil {
		return hash.ID{}, 0, err
	}
	id, err := hash.FromBytes(v)
	if err != nil {
		return hash.ID{}, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return id, n, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
