// Package devsuite implements pqcrypto.Suite with ed25519 and SHA-256.
// It is not post-quantum secure and exists only so tests and local
// development do not need a real PQ signature library wired up; a
// production deployment supplies its own pqcrypto.Suite.
package devsuite

import (
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/dirvine/saorsa-gossip/wire"
)

// Suite is the ed25519/SHA-256 development implementation of
// pqcrypto.Suite.
type Suite struct{}

// New returns a ready-to-use development suite.
func New() Suite {
	return Suite{}
}

// Sign signs data with an ed25519 secret key.
func (Suite) Sign(secret []byte, data []byte) ([]byte, error) {
	return ed25519.Sign(ed25519.PrivateKey(secret), data), nil
}

// Verify checks an ed25519 signature.
func (Suite) Verify(pubkey []byte, data []byte, signature []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubkey), data, signature)
}

// Hash concatenates parts and returns their SHA-256 digest.
func (Suite) Hash(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PeerIDOf derives a PeerID as hash(pubkey).
func (s Suite) PeerIDOf(pubkey []byte) wire.PeerID {
	return wire.PeerID(s.Hash(pubkey))
}

// GenerateKeypair returns a fresh ed25519 key pair for tests.
func GenerateKeypair() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return ed25519.GenerateKey(nil)
}
