// Package wire defines the channel protocol messages exchanged between
// simulated nodes and their protobuf wire encoding.
package wire

import (
	"encoding/hex"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Hash is a 32-byte value: channel ids, txids, payment hashes and
// preimages, per-commitment secrets and points.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is all zeroes.
func (h Hash) IsZero() bool { return h == Hash{} }

// ErrMalformed is matched by every decoding error.
var ErrMalformed = errors.New("wire: malformed message")

// Encoder appends protobuf fields to a buffer.
type Encoder struct {
	b []byte
}

func (e *Encoder) Uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *Encoder) Bool(num protowire.Number, v bool) {
	if v {
		e.Uint(num, 1)
	}
}

func (e *Encoder) Bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *Encoder) String(num protowire.Number, v string) {
	e.Bytes(num, []byte(v))
}

func (e *Encoder) Hash(num protowire.Number, h Hash) {
	if !h.IsZero() {
		e.Bytes(num, h[:])
	}
}

// Message appends a length-delimited sub-message built by fn. Empty
// sub-messages are still written so repeated entries keep their count.
func (e *Encoder) Message(num protowire.Number, fn func(*Encoder)) {
	var sub Encoder
	fn(&sub)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub.b)
}

// Encoded returns the bytes written so far.
func (e *Encoder) Encoded() []byte { return e.b }

// Field is one decoded protobuf field. Varint fields carry Uint, bytes
// fields carry Bytes.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Uint  uint64
	Bytes []byte
}

// AsHash returns the field as a Hash.
func (f Field) AsHash() (Hash, error) {
	var h Hash
	if f.Type != protowire.BytesType || len(f.Bytes) != len(h) {
		return h, fmt.Errorf("%w: field %d: want %d bytes", ErrMalformed, f.Num, len(h))
	}
	copy(h[:], f.Bytes)
	return h, nil
}

// AsBytes returns a copy of a bytes field.
func (f Field) AsBytes() ([]byte, error) {
	if f.Type != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d: want bytes", ErrMalformed, f.Num)
	}
	return append([]byte(nil), f.Bytes...), nil
}

// AsUint returns a varint field.
func (f Field) AsUint() (uint64, error) {
	if f.Type != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d: want varint", ErrMalformed, f.Num)
	}
	return f.Uint, nil
}

// Decode walks the fields of b in order. Unknown wire types are rejected;
// unknown field numbers are for fn to ignore.
func Decode(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Uint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			return fmt.Errorf("%w: field %d: unsupported wire type %d", ErrMalformed, num, typ)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
