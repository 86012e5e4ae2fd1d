// Package wire defines the on-the-wire frame format shared by every
// component of the gossip core: fixed-width headers, the message kind
// enum, and the deterministic message-id derivation.
package wire

import (
	"encoding/binary"
	"fmt"
)

// PeerID is the hash of a peer's long-term public signing key.
type PeerID [32]byte

func (p PeerID) String() string {
	return fmt.Sprintf("%x", p[:8])
}

// IsZero reports whether p is the zero peer id (used as "no peer").
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// TopicID is an opaque, 32-byte topic identifier.
type TopicID [32]byte

func (t TopicID) String() string {
	return fmt.Sprintf("%x", t[:8])
}

// MessageID identifies a message: hash(topic || epoch_le64 || signer_peer_id || hash(payload)).
type MessageID [32]byte

func (m MessageID) String() string {
	return fmt.Sprintf("%x", m[:8])
}

// IsZero reports whether m is the zero message id, the convention used by
// control-only frames that carry no payload.
func (m MessageID) IsZero() bool {
	return m == MessageID{}
}

// Kind is the single-byte frame discriminator carried in every header.
type Kind uint8

const (
	KindEager        Kind = 1
	KindIHave        Kind = 2
	KindIWant        Kind = 3
	KindPing         Kind = 4
	KindAck          Kind = 5
	KindPingReq      Kind = 6
	KindJoin         Kind = 7
	KindFwdJoin      Kind = 8
	KindShuffle      Kind = 9
	KindShuffleReply Kind = 10
	KindDisconnect   Kind = 11
	KindAntiEntropy  Kind = 12
)

func (k Kind) String() string {
	switch k {
	case KindEager:
		return "EAGER"
	case KindIHave:
		return "IHAVE"
	case KindIWant:
		return "IWANT"
	case KindPing:
		return "PING"
	case KindAck:
		return "ACK"
	case KindPingReq:
		return "PING_REQ"
	case KindJoin:
		return "JOIN"
	case KindFwdJoin:
		return "FWD_JOIN"
	case KindShuffle:
		return "SHUFFLE"
	case KindShuffleReply:
		return "SHUFFLE_REPLY"
	case KindDisconnect:
		return "DISCONNECT"
	case KindAntiEntropy:
		return "ANTIENTROPY"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// HeaderSize is the byte-exact encoded length of Header.
const HeaderSize = 1 + 32 + 32 + 1 + 1 + 1

// Header is the fixed, byte-exact prefix of every frame on the wire.
// Field order and widths are part of the interoperability contract and
// must never change without a version bump.
type Header struct {
	Ver   uint8
	Topic TopicID
	MsgID MessageID
	Kind  Kind
	Hop   uint8
	TTL   uint8
}

// Encode writes the fixed-width header encoding of h.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Ver
	copy(buf[1:33], h.Topic[:])
	copy(buf[33:65], h.MsgID[:])
	buf[65] = uint8(h.Kind)
	buf[66] = h.Hop
	buf[67] = h.TTL
	return buf
}

// DecodeHeader parses a fixed-width header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: got %d bytes, want %d", len(buf), HeaderSize)
	}
	var h Header
	h.Ver = buf[0]
	copy(h.Topic[:], buf[1:33])
	copy(h.MsgID[:], buf[33:65])
	h.Kind = Kind(buf[65])
	h.Hop = buf[66]
	h.TTL = buf[67]
	return h, nil
}

// Message is the full envelope: header, optional payload, and signature
// material. Bodies (everything the kind-specific types below carry) are
// encoded separately with the msgpack codec in codec.go.
type Message struct {
	Header        Header
	Payload       []byte // nil for control-only frames
	Signature     []byte
	SignerPubKey  []byte
}

// EpochBytes returns the little-endian 8-byte encoding of an epoch
// (seconds since Unix epoch), as consumed by ComputeMessageID.
func EpochBytes(epoch int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(epoch))
	return buf
}
