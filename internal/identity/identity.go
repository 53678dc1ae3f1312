package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Identity holds a node's ED25519 keypair and derived identifiers.
// The keypair is the node's peer-link static key and commitment signer.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	NodeID     string // hex(sha256(public_key))
}

// Load reads the keypair from dataDir/identity/. If the key files don't
// exist, a new keypair is generated and persisted.
func Load(dataDir string) (*Identity, error) {
	keyDir := filepath.Join(dataDir, "identity")
	privPath := filepath.Join(keyDir, "node.key")
	pubPath := filepath.Join(keyDir, "node.pub")

	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		return generate(keyDir, privPath, pubPath)
	}
	return loadFrom(privPEM)
}

// Generate returns a fresh identity that is not persisted.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return fromKeyPair(priv, pub), nil
}

// FromSeed derives the identity for a 32-byte ed25519 seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return fromKeyPair(priv, priv.Public().(ed25519.PublicKey)), nil
}

// Named derives a deterministic identity from a node name. Scenario runs
// use it so that node ids are stable across restarts.
func Named(name string) *Identity {
	seed := sha256.Sum256([]byte("kvsync node " + name))
	id, _ := FromSeed(seed[:])
	return id
}

// Sign signs msg with the identity's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// AuthorizedKey returns the public key as an OpenSSH authorized_keys line.
func (id *Identity) AuthorizedKey() ([]byte, error) {
	sshPub, err := ssh.NewPublicKey(id.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), nil
}

// NodeIDOf returns hex(sha256(pub)).
func NodeIDOf(pub ed25519.PublicKey) string {
	hash := sha256.Sum256(pub)
	return hex.EncodeToString(hash[:])
}

func generate(keyDir, privPath, pubPath string) (*Identity, error) {
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating identity dir: %w", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}

	pubLine, err := id.AuthorizedKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, pubLine, 0o644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}
	return id, nil
}

func loadFrom(privPEM []byte) (*Identity, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}
	rawKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := rawKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("key is not ED25519")
	}
	return fromKeyPair(priv, priv.Public().(ed25519.PublicKey)), nil
}

func fromKeyPair(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Identity {
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		NodeID:     NodeIDOf(pub),
	}
}
