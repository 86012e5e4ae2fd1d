// Package simulated provides an in-process transport.Transport fake for
// tests: dialing connects two in-memory peers directly via buffered
// channels, with no real network I/O. It stands in for a QUIC transport
// so protocol tests can run without opening real sockets.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dirvine/saorsa-gossip/transport"
	"github.com/dirvine/saorsa-gossip/wire"
)

// ErrClosed is returned by operations on a closed Network, Transport,
// Session, or Stream.
var ErrClosed = errors.New("simulated: closed")

// Network is a shared in-process registry of simulated peers. Tests
// create one Network and a Transport per simulated peer.
type Network struct {
	mu    sync.Mutex
	peers map[wire.PeerID]*Transport
}

// NewNetwork creates an empty simulated network.
func NewNetwork() *Network {
	return &Network{peers: make(map[wire.PeerID]*Transport)}
}

// Transport is one simulated peer's endpoint into the Network. Like
// stream and session, closure is signalled via done rather than by
// closing accept, since accept is written to by another peer's Dial.
type Transport struct {
	net    *Network
	self   wire.PeerID
	accept chan acceptedSession
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

type acceptedSession struct {
	peer wire.PeerID
	sess transport.Session
}

// NewTransport registers self with net and returns its Transport.
func (n *Network) NewTransport(self wire.PeerID) *Transport {
	t := &Transport{net: n, self: self, accept: make(chan acceptedSession, 64), done: make(chan struct{})}
	n.mu.Lock()
	n.peers[self] = t
	n.mu.Unlock()
	return t
}

// Dial connects to peer synchronously, handing both sides a paired
// Session. AddressHint is ignored; peers are located by id alone.
func (t *Transport) Dial(ctx context.Context, peer wire.PeerID, _ transport.AddressHint) (transport.Session, error) {
	t.net.mu.Lock()
	remote, ok := t.net.peers[peer]
	t.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("simulated: no such peer %s", peer)
	}

	local, far := newSessionPair(t.self, peer)

	select {
	case remote.accept <- acceptedSession{peer: t.self, sess: far}:
	case <-remote.done:
		return nil, fmt.Errorf("simulated: peer %s closed", peer)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return local, nil
}

// Accept blocks until a peer dials this Transport.
func (t *Transport) Accept(ctx context.Context) (wire.PeerID, transport.Session, error) {
	select {
	case a := <-t.accept:
		return a.peer, a.sess, nil
	case <-t.done:
		return wire.PeerID{}, nil, ErrClosed
	case <-ctx.Done():
		return wire.PeerID{}, nil, ctx.Err()
	}
}

// Close removes this peer from the network and stops accepting dials.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.net.mu.Lock()
	delete(t.net.peers, t.self)
	t.net.mu.Unlock()
	close(t.done)
	return nil
}

// session implements transport.Session over paired channels: Open on one
// side delivers an acceptedStream to the other side's peer2. Like
// stream, closure is signalled via done rather than by closing incoming,
// since incoming is written to by peer2's Open, and a peer racing an
// Open against our Close must never panic on a send-on-closed-channel.
type session struct {
	self, remote wire.PeerID
	peer2        *session

	mu       sync.Mutex
	closed   bool
	incoming chan acceptedStream
	done     chan struct{}
}

type acceptedStream struct {
	class  transport.StreamClass
	stream *stream
}

func newSessionPair(a, b wire.PeerID) (*session, *session) {
	sa := &session{self: a, remote: b, incoming: make(chan acceptedStream, 64), done: make(chan struct{})}
	sb := &session{self: b, remote: a, incoming: make(chan acceptedStream, 64), done: make(chan struct{})}
	sa.peer2 = sb
	sb.peer2 = sa
	return sa, sb
}

func (s *session) Peer() wire.PeerID { return s.remote }

func (s *session) Open(ctx context.Context, class transport.StreamClass) (transport.Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	local := newStream()
	remoteSide := newStream()
	local.peer, remoteSide.peer = remoteSide, local

	select {
	case s.peer2.incoming <- acceptedStream{class: class, stream: remoteSide}:
	case <-s.peer2.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return local, nil
}

func (s *session) AcceptStream(ctx context.Context) (transport.StreamClass, transport.Stream, error) {
	select {
	case a := <-s.incoming:
		return a.class, a.stream, nil
	case <-s.done:
		return 0, nil, ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return nil
}

// stream implements transport.Stream as a single-direction frame pipe;
// two streams are paired so one side's Send feeds the other's Recv.
// Closure is signalled via done rather than by closing frames, since
// frames is written to by the peer stream, not by this one, and a
// peer racing a Send against our Close must never panic on a
// send-on-closed-channel.
type stream struct {
	peer   *stream
	frames chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newStream() *stream {
	return &stream{frames: make(chan []byte, 256), done: make(chan struct{})}
}

func (s *stream) Send(frame []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case s.peer.frames <- cp:
		return nil
	case <-s.peer.done:
		return ErrClosed
	default:
		return fmt.Errorf("simulated: stream send buffer full")
	}
}

func (s *stream) Recv() ([]byte, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		return nil, ErrClosed
	}
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return nil
}
