package transport

import (
	"errors"
	"fmt"
	"net"

	"kvsync/internal/identity"
	"kvsync/internal/logging"
	"kvsync/pkg/wire"
)

var tlog = logging.For("transport")

// Link is an in-process, authenticated pair of connections between two
// nodes. End 0 belongs to the initiator, end 1 to the responder. Delivery
// is synchronous: Transfer returns once the receiving end has read the
// frame.
type Link struct {
	ids  [2]*identity.Identity
	ends [2]*Conn
}

// NewLink connects a and b over net.Pipe and completes a mutually
// authenticated handshake.
func NewLink(a, b *identity.Identity) (*Link, error) {
	ca, cb := net.Pipe()

	type result struct {
		c   *Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := Secure(cb, false, b, a.PublicKey)
		if err != nil {
			cb.Close()
		}
		done <- result{c, err}
	}()

	endA, errA := Secure(ca, true, a, b.PublicKey)
	if errA != nil {
		ca.Close()
	}
	r := <-done
	if err := errors.Join(errA, r.err); err != nil {
		ca.Close()
		cb.Close()
		return nil, fmt.Errorf("linking %s and %s: %w", short(a), short(b), err)
	}

	tlog.Debug("link established", "initiator", short(a), "responder", short(b))
	return &Link{ids: [2]*identity.Identity{a, b}, ends: [2]*Conn{endA, r.c}}, nil
}

// End returns the side of the link owned by id, or -1.
func (l *Link) End(id *identity.Identity) int {
	for i, own := range l.ids {
		if own.NodeID == id.NodeID {
			return i
		}
	}
	return -1
}

// Transfer sends payload from end `from` and returns what the other end
// received.
func (l *Link) Transfer(from int, payload []byte) ([]byte, error) {
	if from != 0 && from != 1 {
		return nil, fmt.Errorf("transport: no link end %d", from)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), MaxPayload)
	}
	sent := make(chan error, 1)
	go func() { sent <- l.ends[from].Send(payload) }()

	got, rerr := l.ends[1-from].Recv()
	if rerr != nil {
		// Unblock a sender stuck mid-frame; the link is unusable anyway.
		l.Close()
		<-sent
		return nil, fmt.Errorf("receiving from %s: %w", short(l.ids[from]), rerr)
	}
	if werr := <-sent; werr != nil {
		return nil, fmt.Errorf("sending to %s: %w", short(l.ids[1-from]), werr)
	}
	return got, nil
}

// Deliver sends m from end `from` and returns the message decoded on the
// other end.
func (l *Link) Deliver(from int, m wire.Message) (wire.Message, error) {
	got, err := l.Transfer(from, wire.Marshal(m))
	if err != nil {
		return nil, err
	}
	msg, err := wire.Unmarshal(got)
	if err != nil {
		return nil, fmt.Errorf("decoding frame from %s: %w", short(l.ids[from]), err)
	}
	return msg, nil
}

// Close closes both ends.
func (l *Link) Close() error {
	return errors.Join(l.ends[0].Close(), l.ends[1].Close())
}

func short(id *identity.Identity) string {
	return id.NodeID[:16]
}
