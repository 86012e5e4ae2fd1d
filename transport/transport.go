// Package transport declares the capability the gossip core consumes to
// exchange framed messages with peers. A concrete implementation (QUIC
// or otherwise) is an external collaborator; this package only states
// the contract, mirroring the shape of a libp2p host.Host/network.Stream
// pairing without depending on libp2p itself.
package transport

import (
	"context"

	"github.com/dirvine/saorsa-gossip/wire"
)

// StreamClass partitions traffic so independent classes never head-of-line
// block each other on the same peer connection.
type StreamClass uint8

const (
	// ClassMembership carries HyParView and SWIM control frames.
	ClassMembership StreamClass = iota
	// ClassPubSub carries Plumtree EAGER/IHAVE/IWANT frames.
	ClassPubSub
	// ClassBulk carries anti-entropy and other large, low-priority transfers.
	ClassBulk
)

func (c StreamClass) String() string {
	switch c {
	case ClassMembership:
		return "membership"
	case ClassPubSub:
		return "pubsub"
	case ClassBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// Stream is a reliable, ordered, length-delimited byte stream carrying
// one protocol frame per Send/Recv call.
type Stream interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Session is an established connection to a remote peer over which
// stream-class-partitioned Streams are opened or accepted.
type Session interface {
	Peer() wire.PeerID
	Open(ctx context.Context, class StreamClass) (Stream, error)
	AcceptStream(ctx context.Context) (StreamClass, Stream, error)
	Close() error
}

// AddressHint is an opaque, transport-specific dialing hint (e.g. a QUIC
// multiaddr); the core never interprets its contents.
type AddressHint []byte

// Transport is the capability the core consumes to dial and accept
// Sessions. It never implements the underlying network protocol itself.
type Transport interface {
	Dial(ctx context.Context, peer wire.PeerID, hint AddressHint) (Session, error)
	Accept(ctx context.Context) (wire.PeerID, Session, error)
	Close() error
}
