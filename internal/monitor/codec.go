package monitor

import (
	"errors"
	"fmt"
	"math"

	"kvsync/pkg/wire"
)

// recordVersion prefixes every encoded monitor and update.
const recordVersion = 1

// ErrCorrupt is matched by every decoding error.
var ErrCorrupt = errors.New("monitor: corrupt record")

// Encode serializes m.
func Encode(m *Monitor) []byte {
	var e wire.Encoder
	e.Hash(1, m.ChannelID)
	e.Hash(2, m.Funding.TxID)
	e.Uint(3, uint64(m.Funding.Index))
	e.String(4, m.CounterpartyNodeID)
	e.Bytes(5, m.CounterpartyPubkey)
	e.Uint(6, m.FundingSat)
	e.Bool(7, m.IsFunder)
	e.Uint(8, m.LatestUpdateID)
	e.Message(9, func(e *wire.Encoder) { encodeHolder(e, m.Holder) })
	e.Uint(10, m.CounterpartyCommitmentNumber)
	for _, p := range m.CounterpartyPoints {
		e.Bytes(11, p[:])
	}
	for _, s := range m.CounterpartySecrets {
		e.Bytes(12, s[:])
	}
	for _, p := range m.Preimages {
		e.Bytes(13, p[:])
	}
	e.Bool(14, m.Closed)
	e.Hash(15, m.KeysID)
	return append([]byte{recordVersion}, e.Encoded()...)
}

// Decode parses a monitor written by Encode.
func Decode(b []byte) (*Monitor, error) {
	body, err := versioned(b)
	if err != nil {
		return nil, err
	}
	m := &Monitor{}
	err = wire.Decode(body, func(f wire.Field) (err error) {
		var v uint64
		switch f.Num {
		case 1:
			m.ChannelID, err = f.AsHash()
		case 2:
			m.Funding.TxID, err = f.AsHash()
		case 3:
			if v, err = f.AsUint(); err == nil && v > math.MaxUint16 {
				err = fmt.Errorf("funding output index %d out of range", v)
			}
			m.Funding.Index = uint16(v)
		case 4:
			var s []byte
			s, err = f.AsBytes()
			m.CounterpartyNodeID = string(s)
		case 5:
			m.CounterpartyPubkey, err = f.AsBytes()
		case 6:
			m.FundingSat, err = f.AsUint()
		case 7:
			v, err = f.AsUint()
			m.IsFunder = v != 0
		case 8:
			m.LatestUpdateID, err = f.AsUint()
		case 9:
			var raw []byte
			if raw, err = f.AsBytes(); err == nil {
				m.Holder, err = decodeHolder(raw)
			}
		case 10:
			m.CounterpartyCommitmentNumber, err = f.AsUint()
		case 11:
			err = appendHash(&m.CounterpartyPoints, f)
		case 12:
			err = appendHash(&m.CounterpartySecrets, f)
		case 13:
			err = appendHash(&m.Preimages, f)
		case 14:
			v, err = f.AsUint()
			m.Closed = v != 0
		case 15:
			m.KeysID, err = f.AsHash()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return m, nil
}

// EncodeUpdate serializes u.
func EncodeUpdate(u *Update) []byte {
	var e wire.Encoder
	e.Uint(1, u.UpdateID)
	for _, s := range u.Steps {
		e.Message(2, func(e *wire.Encoder) { encodeStep(e, s) })
	}
	return append([]byte{recordVersion}, e.Encoded()...)
}

// DecodeUpdate parses an update written by EncodeUpdate.
func DecodeUpdate(b []byte) (*Update, error) {
	body, err := versioned(b)
	if err != nil {
		return nil, err
	}
	u := &Update{}
	err = wire.Decode(body, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := f.AsUint()
			u.UpdateID = v
			return err
		case 2:
			raw, err := f.AsBytes()
			if err != nil {
				return err
			}
			s, err := decodeStep(raw)
			if err != nil {
				return err
			}
			u.Steps = append(u.Steps, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return u, nil
}

func versioned(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrCorrupt)
	}
	if b[0] != recordVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrCorrupt, b[0])
	}
	return b[1:], nil
}

func appendHash(dst *[]wire.Hash, f wire.Field) error {
	h, err := f.AsHash()
	if err == nil {
		*dst = append(*dst, h)
	}
	return err
}

func encodeHolder(e *wire.Encoder, h HolderCommitment) {
	e.Uint(1, h.Number)
	e.Uint(2, h.ToLocalMsat)
	e.Uint(3, h.ToRemoteMsat)
	e.Uint(4, h.HTLCMsat)
	e.Bytes(5, h.Signature)
}

func decodeHolder(b []byte) (HolderCommitment, error) {
	var h HolderCommitment
	err := wire.Decode(b, func(f wire.Field) (err error) {
		switch f.Num {
		case 1:
			h.Number, err = f.AsUint()
		case 2:
			h.ToLocalMsat, err = f.AsUint()
		case 3:
			h.ToRemoteMsat, err = f.AsUint()
		case 4:
			h.HTLCMsat, err = f.AsUint()
		case 5:
			h.Signature, err = f.AsBytes()
		}
		return err
	})
	return h, err
}

// Steps are {1: kind, 2..: kind-specific fields}.
func encodeStep(e *wire.Encoder, s Step) {
	e.Uint(1, uint64(s.Kind()))
	switch s := s.(type) {
	case LatestHolderCommitment:
		e.Message(2, func(e *wire.Encoder) { encodeHolder(e, s.HolderCommitment) })
	case LatestCounterpartyCommitment:
		e.Uint(2, s.Number)
	case CommitmentSecret:
		e.Uint(2, s.Number)
		e.Hash(3, s.Secret)
		e.Hash(4, s.NextPoint)
	case PaymentPreimage:
		e.Hash(2, s.Preimage)
	case ChannelForceClosed:
		e.Bool(2, s.ShouldBroadcast)
	}
}

func decodeStep(b []byte) (Step, error) {
	var (
		kind   StepKind
		fields []wire.Field
	)
	err := wire.Decode(b, func(f wire.Field) error {
		if f.Num == 1 {
			v, err := f.AsUint()
			kind = StepKind(v)
			return err
		}
		fields = append(fields, f)
		return nil
	})
	if err != nil {
		return nil, err
	}

	get := func(num int) (wire.Field, bool) {
		for _, f := range fields {
			if int(f.Num) == num {
				return f, true
			}
		}
		return wire.Field{}, false
	}
	uintAt := func(num int) (uint64, error) {
		if f, ok := get(num); ok {
			return f.AsUint()
		}
		return 0, nil
	}
	hashAt := func(num int) (wire.Hash, error) {
		if f, ok := get(num); ok {
			return f.AsHash()
		}
		return wire.Hash{}, nil
	}

	switch kind {
	case KindLatestHolderCommitment:
		f, ok := get(2)
		if !ok {
			return nil, errors.New("holder commitment step without commitment")
		}
		raw, err := f.AsBytes()
		if err != nil {
			return nil, err
		}
		h, err := decodeHolder(raw)
		return LatestHolderCommitment{h}, err
	case KindLatestCounterpartyCommitment:
		n, err := uintAt(2)
		return LatestCounterpartyCommitment{Number: n}, err
	case KindCommitmentSecret:
		n, err := uintAt(2)
		if err != nil {
			return nil, err
		}
		secret, err := hashAt(3)
		if err != nil {
			return nil, err
		}
		next, err := hashAt(4)
		return CommitmentSecret{Number: n, Secret: secret, NextPoint: next}, err
	case KindPaymentPreimage:
		p, err := hashAt(2)
		return PaymentPreimage{Preimage: p}, err
	case KindChannelForceClosed:
		v, err := uintAt(2)
		return ChannelForceClosed{ShouldBroadcast: v != 0}, err
	}
	return nil, fmt.Errorf("unknown step kind %d", kind)
}
