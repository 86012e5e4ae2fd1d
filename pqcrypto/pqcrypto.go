// Package pqcrypto declares the cryptographic capabilities the gossip
// core consumes: signing, verification, hashing, and peer-id derivation.
// Concrete suites (post-quantum or otherwise) are injected by the host
// application; this package never implements one for production use —
// see pqcrypto/devsuite for the ed25519-backed stand-in used by tests.
package pqcrypto

import "github.com/dirvine/saorsa-gossip/wire"

// Signer produces signatures over caller-supplied bytes under a node's
// long-term secret key. The disseminator signs the encoded header
// followed by the raw payload; no hash of the body is taken first.
type Signer interface {
	Sign(secret []byte, data []byte) (signature []byte, err error)
}

// Verifier checks a signature produced by the corresponding Signer.
type Verifier interface {
	Verify(pubkey []byte, data []byte, signature []byte) bool
}

// Hasher produces a 32-byte digest of one or more concatenated byte
// slices. It also satisfies wire.Hasher, used for message-id derivation.
type Hasher interface {
	Hash(parts ...[]byte) [32]byte
}

// PeerIdentifier derives a PeerID from a public key: hash(pubkey).
type PeerIdentifier interface {
	PeerIDOf(pubkey []byte) wire.PeerID
}

// Suite bundles the four capabilities the core needs from one
// cryptographic provider. Replacing a Suite must not alter wire encoding
// beyond signature/key byte lengths, per the wire format contract.
type Suite interface {
	Signer
	Verifier
	Hasher
	PeerIdentifier
}
