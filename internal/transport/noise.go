// Package transport carries channel protocol messages between nodes over a
// Noise XX encrypted link keyed by the nodes' ed25519 identities.
package transport

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"

	"kvsync/internal/identity"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// ErrPeerMismatch is returned when the handshake completes with a static
// key other than the expected peer's.
var ErrPeerMismatch = errors.New("transport: peer static key does not match identity")

// maxNoiseMsg bounds one transport message: a full frame plus the AEAD tag.
const maxNoiseMsg = MaxPayload + HeaderSize + 16

// Conn is an encrypted connection. Each Write is one Noise message on the
// wire as [4B ciphertext_len][ciphertext]; Read returns plaintext.
type Conn struct {
	conn       net.Conn
	send       *noise.CipherState
	recv       *noise.CipherState
	readBuf    []byte
	writeMu    sync.Mutex
	readMu     sync.Mutex
	peerStatic []byte
}

// Handshake performs a Noise XX handshake over conn with the given static
// keypair.
func Handshake(conn net.Conn, initiator bool, staticKey noise.DHKey) (*Conn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("noise handshake config: %w", err)
	}

	// XX is three messages: -> e, <- e ee s es, -> s se.
	var cs1, cs2 *noise.CipherState
	for step := range 3 {
		if (step%2 == 0) == initiator {
			var msg []byte
			msg, cs1, cs2, err = hs.WriteMessage(nil, nil)
			if err != nil {
				return nil, fmt.Errorf("noise write msg%d: %w", step+1, err)
			}
			if err := writeHandshakeMsg(conn, msg); err != nil {
				return nil, err
			}
		} else {
			msg, err := readHandshakeMsg(conn)
			if err != nil {
				return nil, err
			}
			if _, cs1, cs2, err = hs.ReadMessage(nil, msg); err != nil {
				return nil, fmt.Errorf("noise read msg%d: %w", step+1, err)
			}
		}
	}

	c := &Conn{conn: conn, peerStatic: hs.PeerStatic()}
	if initiator {
		c.send, c.recv = cs1, cs2
	} else {
		c.send, c.recv = cs2, cs1
	}
	return c, nil
}

// Secure runs the handshake as local and checks that the remote static key
// belongs to peer.
func Secure(conn net.Conn, initiator bool, local *identity.Identity, peer ed25519.PublicKey) (*Conn, error) {
	key, err := NoiseKeypair(local)
	if err != nil {
		return nil, err
	}
	want, err := PeerStaticKey(peer)
	if err != nil {
		return nil, err
	}
	c, err := Handshake(conn, initiator, key)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(c.peerStatic, want) {
		return nil, fmt.Errorf("%w: expected node %s", ErrPeerMismatch, identity.NodeIDOf(peer)[:16])
	}
	return c, nil
}

// PeerStatic returns the peer's X25519 static public key.
func (c *Conn) PeerStatic() []byte {
	return c.peerStatic
}

// Write encrypts p and writes it as a single Noise transport message.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ciphertext, err := c.send.Encrypt(nil, nil, p)
	if err != nil {
		return 0, fmt.Errorf("noise encrypt: %w", err)
	}
	msg := make([]byte, 4+len(ciphertext))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(ciphertext)))
	copy(msg[4:], ciphertext)
	if _, err := c.conn.Write(msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read decrypts the next Noise transport message, buffering any plaintext
// that does not fit in p.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return 0, err
	}
	msgLen := binary.BigEndian.Uint32(lenBuf[:])
	if msgLen > maxNoiseMsg {
		return 0, fmt.Errorf("noise message too large: %d > %d", msgLen, maxNoiseMsg)
	}
	ciphertext := make([]byte, msgLen)
	if _, err := io.ReadFull(c.conn, ciphertext); err != nil {
		return 0, err
	}
	plaintext, err := c.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return 0, fmt.Errorf("noise decrypt: %w", err)
	}

	n := copy(p, plaintext)
	if n < len(plaintext) {
		c.readBuf = plaintext[n:]
	}
	return n, nil
}

// Send writes payload as one frame.
func (c *Conn) Send(payload []byte) error {
	return WriteFrame(c, payload)
}

// Recv reads one frame.
func (c *Conn) Recv() ([]byte, error) {
	return ReadFrame(c)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Handshake message framing: [2B length][message]
func writeHandshakeMsg(w io.Writer, msg []byte) error {
	if len(msg) > 0xFFFF {
		return fmt.Errorf("handshake message too large: %d > %d", len(msg), 0xFFFF)
	}
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(msg)))
	copy(buf[2:], msg)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("noise handshake write: %w", err)
	}
	return nil
}

func readHandshakeMsg(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("noise handshake read len: %w", err)
	}
	msg := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("noise handshake read msg: %w", err)
	}
	return msg, nil
}
