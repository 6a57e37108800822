package event

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signer and Verifier are the abstract digest-and-sign collaborators
// spec.md §1 calls out as invoked opaquely ("no cryptographic
// primitive implementation... invoked through an abstract digest
// interface"). The pipeline's signature-verification stage (spec.md
// §4.F.2) and the commit composer's add_sig step (spec.md §4.G.8) only
// ever see these two interfaces; a deployment supplies whichever
// concrete implementation fits its key management.
//
// Shaped after the teacher's federation.CryptoProvider, which plays the
// identical role (algorithm-agnostic sign/verify behind one interface)
// for Inter-OCX handshakes.
type Signer interface {
	KeyID() string
	Sign(data []byte) (algorithm string, signature []byte, err error)
}

type Verifier interface {
	// Verify checks a signature produced by the server named by origin
	// under the named key id and algorithm.
	Verify(origin, keyID, algorithm string, data, signature []byte) (bool, error)
}

// Ed25519Signer is the default Signer/Verifier pair, matching the
// teacher's Ed25519Provider shape (RFC 8032, deterministic, 64-byte
// signatures) but keyed by Matrix server signing-key id convention
// ("ed25519:<version>") instead of a federation instance id.
type Ed25519Signer struct {
	keyID      string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh key pair under the given key id
// (conventionally "ed25519:1").
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("event: ed25519 key generation failed: %w", err)
	}
	return &Ed25519Signer{keyID: keyID, privateKey: priv, publicKey: pub}, nil
}

// NewEd25519SignerFromKey wraps an existing private key, e.g. loaded
// from a server's signing-key file.
func NewEd25519SignerFromKey(keyID string, priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{
		keyID:      keyID,
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
	}
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.publicKey }

func (s *Ed25519Signer) Sign(data []byte) (string, []byte, error) {
	return "ed25519", ed25519.Sign(s.privateKey, data), nil
}

// KeyStore maps origin server name + key id to a known Ed25519 public
// key, the minimal lookup an Ed25519Verifier needs. A real deployment
// backs this with federation key fetching (out of scope here, per
// spec.md §1's "network transport" non-goal); the EVM core only
// requires the interface.
type KeyStore interface {
	PublicKey(origin, keyID string) (ed25519.PublicKey, bool)
}

// StaticKeyStore is an in-memory KeyStore, sufficient for the reference
// signer and for tests.
type StaticKeyStore struct {
	keys map[string]ed25519.PublicKey
}

func NewStaticKeyStore() *StaticKeyStore {
	return &StaticKeyStore{keys: make(map[string]ed25519.PublicKey)}
}

func (s *StaticKeyStore) Add(origin, keyID string, pub ed25519.PublicKey) {
	s.keys[origin+"\x00"+keyID] = pub
}

func (s *StaticKeyStore) PublicKey(origin, keyID string) (ed25519.PublicKey, bool) {
	pub, ok := s.keys[origin+"\x00"+keyID]
	return pub, ok
}

// Ed25519Verifier verifies signatures against a KeyStore.
type Ed25519Verifier struct {
	keys KeyStore
}

func NewEd25519Verifier(keys KeyStore) *Ed25519Verifier {
	return &Ed25519Verifier{keys: keys}
}

func (v *Ed25519Verifier) Verify(origin, keyID, algorithm string, data, signature []byte) (bool, error) {
	if algorithm != "ed25519" {
		return false, fmt.Errorf("event: unsupported signature algorithm %q", algorithm)
	}
	pub, ok := v.keys.PublicKey(origin, keyID)
	if !ok {
		return false, fmt.Errorf("event: no known key %s for origin %s", keyID, origin)
	}
	return ed25519.Verify(pub, data, signature), nil
}
