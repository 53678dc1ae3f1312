package wire

import (
	"fmt"
)

// Type identifies a message on the peer link.
type Type uint32

const (
	TypeOpenChannel       Type = 32
	TypeAcceptChannel     Type = 33
	TypeFundingCreated    Type = 34
	TypeFundingSigned     Type = 35
	TypeShutdown          Type = 38
	TypeClosingSigned     Type = 39
	TypeUpdateAddHTLC     Type = 128
	TypeUpdateFulfillHTLC Type = 130
	TypeCommitmentSigned  Type = 132
	TypeRevokeAndAck      Type = 133
)

var typeNames = map[Type]string{
	TypeOpenChannel:       "open_channel",
	TypeAcceptChannel:     "accept_channel",
	TypeFundingCreated:    "funding_created",
	TypeFundingSigned:     "funding_signed",
	TypeShutdown:          "shutdown",
	TypeClosingSigned:     "closing_signed",
	TypeUpdateAddHTLC:     "update_add_htlc",
	TypeUpdateFulfillHTLC: "update_fulfill_htlc",
	TypeCommitmentSigned:  "commitment_signed",
	TypeRevokeAndAck:      "revoke_and_ack",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Message is a protocol message.
type Message interface {
	Type() Type
	encode(*Encoder)
	decode(Field) error
}

func newMessage(t Type) (Message, error) {
	switch t {
	case TypeOpenChannel:
		return &OpenChannel{}, nil
	case TypeAcceptChannel:
		return &AcceptChannel{}, nil
	case TypeFundingCreated:
		return &FundingCreated{}, nil
	case TypeFundingSigned:
		return &FundingSigned{}, nil
	case TypeShutdown:
		return &Shutdown{}, nil
	case TypeClosingSigned:
		return &ClosingSigned{}, nil
	case TypeUpdateAddHTLC:
		return &UpdateAddHTLC{}, nil
	case TypeUpdateFulfillHTLC:
		return &UpdateFulfillHTLC{}, nil
	case TypeCommitmentSigned:
		return &CommitmentSigned{}, nil
	case TypeRevokeAndAck:
		return &RevokeAndAck{}, nil
	}
	return nil, fmt.Errorf("%w: unknown message %s", ErrMalformed, t)
}

// Marshal encodes m as {1: type, 2: body}.
func Marshal(m Message) []byte {
	var e Encoder
	e.Uint(1, uint64(m.Type()))
	e.Message(2, m.encode)
	return e.Encoded()
}

// Unmarshal decodes a message written by Marshal.
func Unmarshal(b []byte) (Message, error) {
	var (
		typ  Type
		body []byte
		seen bool
	)
	err := Decode(b, func(f Field) error {
		switch f.Num {
		case 1:
			v, err := f.AsUint()
			typ = Type(v)
			return err
		case 2:
			var err error
			body, err = f.AsBytes()
			seen = true
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seen {
		return nil, fmt.Errorf("%w: missing body", ErrMalformed)
	}
	m, err := newMessage(typ)
	if err != nil {
		return nil, err
	}
	if err := Decode(body, m.decode); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", typ, err)
	}
	return m, nil
}

// OpenChannel proposes a channel funded by the sender.
type OpenChannel struct {
	TemporaryID   string
	FundingSat    uint64
	PushMsat      uint64
	FundingPubkey []byte
	// Points for the receiver's first two commitments.
	FirstPoint  Hash
	SecondPoint Hash
}

func (*OpenChannel) Type() Type { return TypeOpenChannel }

func (m *OpenChannel) encode(e *Encoder) {
	e.String(1, m.TemporaryID)
	e.Uint(2, m.FundingSat)
	e.Uint(3, m.PushMsat)
	e.Bytes(4, m.FundingPubkey)
	e.Hash(5, m.FirstPoint)
	e.Hash(6, m.SecondPoint)
}

func (m *OpenChannel) decode(f Field) (err error) {
	switch f.Num {
	case 1:
		var b []byte
		b, err = f.AsBytes()
		m.TemporaryID = string(b)
	case 2:
		m.FundingSat, err = f.AsUint()
	case 3:
		m.PushMsat, err = f.AsUint()
	case 4:
		m.FundingPubkey, err = f.AsBytes()
	case 5:
		m.FirstPoint, err = f.AsHash()
	case 6:
		m.SecondPoint, err = f.AsHash()
	}
	return err
}

// AcceptChannel answers an OpenChannel.
type AcceptChannel struct {
	TemporaryID   string
	FundingPubkey []byte
	FirstPoint    Hash
	SecondPoint   Hash
}

func (*AcceptChannel) Type() Type { return TypeAcceptChannel }

func (m *AcceptChannel) encode(e *Encoder) {
	e.String(1, m.TemporaryID)
	e.Bytes(2, m.FundingPubkey)
	e.Hash(3, m.FirstPoint)
	e.Hash(4, m.SecondPoint)
}

func (m *AcceptChannel) decode(f Field) (err error) {
	switch f.Num {
	case 1:
		var b []byte
		b, err = f.AsBytes()
		m.TemporaryID = string(b)
	case 2:
		m.FundingPubkey, err = f.AsBytes()
	case 3:
		m.FirstPoint, err = f.AsHash()
	case 4:
		m.SecondPoint, err = f.AsHash()
	}
	return err
}

// FundingCreated names the funding outpoint and signs the fundee's first
// commitment.
type FundingCreated struct {
	TemporaryID  string
	FundingTxID  Hash
	FundingIndex uint32
	Signature    []byte
}

func (*FundingCreated) Type() Type { return TypeFundingCreated }

func (m *FundingCreated) encode(e *Encoder) {
	e.String(1, m.TemporaryID)
	e.Hash(2, m.FundingTxID)
	e.Uint(3, uint64(m.FundingIndex))
	e.Bytes(4, m.Signature)
}

func (m *FundingCreated) decode(f Field) (err error) {
	switch f.Num {
	case 1:
		var b []byte
		b, err = f.AsBytes()
		m.TemporaryID = string(b)
	case 2:
		m.FundingTxID, err = f.AsHash()
	case 3:
		var v uint64
		v, err = f.AsUint()
		m.FundingIndex = uint32(v)
	case 4:
		m.Signature, err = f.AsBytes()
	}
	return err
}

// FundingSigned signs the funder's first commitment.
type FundingSigned struct {
	ChannelID Hash
	Signature []byte
}

func (*FundingSigned) Type() Type { return TypeFundingSigned }

func (m *FundingSigned) encode(e *Encoder) {
	e.Hash(1, m.ChannelID)
	e.Bytes(2, m.Signature)
}

func (m *FundingSigned) decode(f Field) (err error) {
	switch f.Num {
	case 1:
		m.ChannelID, err = f.AsHash()
	case 2:
		m.Signature, err = f.AsBytes()
	}
	return err
}

// UpdateAddHTLC offers a payment locked to PaymentHash.
type UpdateAddHTLC struct {
	ChannelID   Hash
	ID          uint64
	AmountMsat  uint64
	PaymentHash Hash
}

func (*UpdateAddHTLC) Type() Type { return TypeUpdateAddHTLC }

func (m *UpdateAddHTLC) encode(e *Encoder) {
	e.Hash(1, m.ChannelID)
	e.Uint(2, m.ID)
	e.Uint(3, m.AmountMsat)
	e.Hash(4, m.PaymentHash)
}

func (m *UpdateAddHTLC) decode(f Field) (err error) {
	switch f.Num {
	case 1:
		m.ChannelID, err = f.AsHash()
	case 2:
		m.ID, err = f.AsUint()
	case 3:
		m.AmountMsat, err = f.AsUint()
	case 4:
		m.PaymentHash, err = f.AsHash()
	}
	return err
}

// UpdateFulfillHTLC settles an HTLC by revealing its preimage.
type UpdateFulfillHTLC struct {
	ChannelID       Hash
	ID              uint64
	PaymentPreimage Hash
}

func (*UpdateFulfillHTLC) Type() Type { return TypeUpdateFulfillHTLC }

func (m *UpdateFulfillHTLC) encode(e *Encoder) {
	e.Hash(1, m.ChannelID)
	e.Uint(2, m.ID)
	e.Hash(3, m.PaymentPreimage)
}

func (m *UpdateFulfillHTLC) decode(f Field) (err error) {
	switch f.Num {
	case 1:
		m.ChannelID, err = f.AsHash()
	case 2:
		m.ID, err = f.AsUint()
	case 3:
		m.PaymentPreimage, err = f.AsHash()
	}
	return err
}

// CommitmentSigned signs the receiver's next commitment.
type CommitmentSigned struct {
	ChannelID        Hash
	CommitmentNumber uint64
	Signature        []byte
}

func (*CommitmentSigned) Type() Type { return TypeCommitmentSigned }

func (m *CommitmentSigned) encode(e *Encoder) {
	e.Hash(1, m.ChannelID)
	e.Uint(2, m.CommitmentNumber)
	e.Bytes(3, m.Signature)
}

func (m *CommitmentSigned) decode(f Field) (err error) {
	switch f.Num {
	case 1:
		m.ChannelID, err = f.AsHash()
	case 2:
		m.CommitmentNumber, err = f.AsUint()
	case 3:
		m.Signature, err = f.AsBytes()
	}
	return err
}

// RevokeAndAck revokes the sender's previous commitment and hands over the
// point for the one after its current.
type RevokeAndAck struct {
	ChannelID           Hash
	RevokedNumber       uint64
	PerCommitmentSecret Hash
	NextPoint           Hash
}

func (*RevokeAndAck) Type() Type { return TypeRevokeAndAck }

func (m *RevokeAndAck) encode(e *Encoder) {
	e.Hash(1, m.ChannelID)
	e.Uint(2, m.RevokedNumber)
	e.Hash(3, m.PerCommitmentSecret)
	e.Hash(4, m.NextPoint)
}

func (m *RevokeAndAck) decode(f Field) (err error) {
	switch f.Num {
	case 1:
		m.ChannelID, err = f.AsHash()
	case 2:
		m.RevokedNumber, err = f.AsUint()
	case 3:
		m.PerCommitmentSecret, err = f.AsHash()
	case 4:
		m.NextPoint, err = f.AsHash()
	}
	return err
}

// Shutdown starts a cooperative close.
type Shutdown struct {
	ChannelID Hash
}

func (*Shutdown) Type() Type { return TypeShutdown }

func (m *Shutdown) encode(e *Encoder) { e.Hash(1, m.ChannelID) }

func (m *Shutdown) decode(f Field) (err error) {
	if f.Num == 1 {
		m.ChannelID, err = f.AsHash()
	}
	return err
}

// ClosingSigned signs the final balances of a cooperative close.
type ClosingSigned struct {
	ChannelID Hash
	Signature []byte
}

func (*ClosingSigned) Type() Type { return TypeClosingSigned }

func (m *ClosingSigned) encode(e *Encoder) {
	e.Hash(1, m.ChannelID)
	e.Bytes(2, m.Signature)
}

func (m *ClosingSigned) decode(f Field) (err error) {
	switch f.Num {
	case 1:
		m.ChannelID, err = f.AsHash()
	case 2:
		m.Signature, err = f.AsBytes()
	}
	return err
}
