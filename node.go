// Package gossip wires the five core components (C1-C5) to a transport
// and crypto capability and exposes the public subscription API.
// Instead of a single event loop owning everything, every component
// already owns its own inbox goroutine, so its view mutations stay
// single-writer; Node's job is purely the glue — per-peer stream
// plumbing, frame encode/dispatch, and forwarding the event channels
// that break the cycle between membership, the failure detector, and
// the disseminator, so no component holds a reference to another.
package gossip

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dirvine/saorsa-gossip/internal/antientropy"
	"github.com/dirvine/saorsa-gossip/internal/cache"
	"github.com/dirvine/saorsa-gossip/internal/membership"
	"github.com/dirvine/saorsa-gossip/internal/plumtree"
	"github.com/dirvine/saorsa-gossip/internal/swim"
	"github.com/dirvine/saorsa-gossip/pqcrypto"
	"github.com/dirvine/saorsa-gossip/transport"
	"github.com/dirvine/saorsa-gossip/wire"
)

var log = logging.Logger("gossip")

// Re-exported identifier types, so callers of the public API never need
// to import wire directly.
type (
	PeerID    = wire.PeerID
	TopicID   = wire.TopicID
	MessageID = wire.MessageID
	Delivery  = plumtree.Delivery
)

// dialTimeout bounds any single Dial/Open call; every network wait in
// this module has an explicit timeout, so no operation blocks indefinitely.
const dialTimeout = 5 * time.Second

// Node is the dissemination and membership engine for one local peer:
// C1 (cache) + C2 (membership) + C3 (SWIM) + C4 (plumtree) + C5
// (anti-entropy), glued to a transport.Transport and a pqcrypto.Suite
// supplied by the caller.
type Node struct {
	self   wire.PeerID
	secret []byte
	pubkey []byte
	crypto pqcrypto.Suite
	trans  transport.Transport
	cfg    Config

	cache       *cache.Cache
	membership  *membership.Membership
	swim        *swim.Detector
	plumtree    *plumtree.Plumtree
	antientropy *antientropy.AntiEntropy

	connMu sync.Mutex
	conns  map[wire.PeerID]*peerConn

	relayMu sync.Mutex
	relays  map[uint64]chan wire.AckBody

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// peerConn is one established session to a remote peer, plus the
// lazily-opened outbound stream for each stream class and every inbound
// stream accepted on it. Both are tracked so Close can tear every
// stream down explicitly: closing the session alone only stops future
// AcceptStream calls, it does not unblock a reader already parked in
// Recv on a stream accepted earlier.
type peerConn struct {
	session transport.Session

	mu      sync.Mutex
	streams map[transport.StreamClass]transport.Stream
	inbound []transport.Stream
}

// New constructs a Node for self, using secret/pubkey as its signing
// identity under crypto, and trans as the transport capability. Options
// override the package's stated defaults component by component.
func New(self wire.PeerID, secret, pubkey []byte, crypto pqcrypto.Suite, trans transport.Transport, opts ...Option) (*Node, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, wrap(ErrFatal, err)
		}
	}

	n := &Node{
		self:    self,
		secret:  secret,
		pubkey:  pubkey,
		crypto:  crypto,
		trans:   trans,
		cfg:     cfg,
		cache:   cache.New(cfg.Cache.Capacity, cfg.Cache.TTL),
		conns:   make(map[wire.PeerID]*peerConn),
		relays:  make(map[uint64]chan wire.AckBody),
		closeCh: make(chan struct{}),
	}

	n.membership = membership.New(self, cfg.Membership, membershipSender{n})
	n.swim = swim.New(self, cfg.SWIM, swimProber{n})
	n.plumtree = plumtree.New(self, cfg.Plumtree, plumtreeSender{n}, crypto, secret, pubkey, n.cache)
	n.antientropy = antientropy.New(self, cfg.AntiEntropy, n.cache, antientropySender{n}, peerSource{n})

	n.wg.Add(5)
	go func() { defer n.wg.Done(); n.membership.Run() }()
	go func() { defer n.wg.Done(); n.swim.Run() }()
	go func() { defer n.wg.Done(); n.plumtree.Run() }()
	go func() { defer n.wg.Done(); n.antientropy.Run() }()
	go func() { defer n.wg.Done(); n.runEvents() }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.acceptSessionsLoop() }()

	return n, nil
}

// Self returns this node's peer id.
func (n *Node) Self() wire.PeerID { return n.self }

// Join attempts to enter the network via seeds. It
// dials each seed to establish a session before handing off to
// membership, since HyParView's JOIN send assumes a live connection;
// unreachable seeds are skipped, not retried, matching membership.Join's
// own best-effort seed walk.
func (n *Node) Join(ctx context.Context, seeds []wire.PeerID) {
	for _, seed := range seeds {
		if seed == n.self {
			continue
		}
		if _, err := n.getConn(ctx, seed); err != nil {
			log.Debugf("gossip: dial seed %s failed: %s", seed, err)
		}
	}
	n.membership.Join(seeds)
}

// Publish signs and disseminates payload on topic, returning its
// deterministic message id.
func (n *Node) Publish(topic wire.TopicID, payload []byte) (wire.MessageID, error) {
	id, err := n.plumtree.Publish(topic, payload)
	if err != nil {
		return id, wrap(ErrFatal, err)
	}
	return id, nil
}

// Subscribe joins topic's dissemination tree (seeding eager from the
// current active view, per the initialization rule) and anti-entropy
// reconciliation, returning a channel of newly-accepted deliveries.
func (n *Node) Subscribe(topic wire.TopicID) <-chan Delivery {
	n.plumtree.Join(topic, n.membership.ActiveView())
	n.antientropy.Join(topic)
	return n.plumtree.Subscribe(topic)
}

// Unsubscribe releases a channel returned by Subscribe. The topic stays
// registered for anti-entropy reconciliation even after its last
// subscriber is gone, and per-topic Plumtree state is not torn down (mirroring the
// cache, which only forgets entries by TTL/LRU) since other local
// subscribers or in-flight dissemination may still reference it.
func (n *Node) Unsubscribe(topic wire.TopicID, ch <-chan Delivery) {
	n.plumtree.Unsubscribe(topic, ch)
}

// ActivePeers returns a snapshot of the active view.
func (n *Node) ActivePeers() []wire.PeerID { return n.membership.ActiveView() }

// PassivePeers returns a snapshot of the passive view.
func (n *Node) PassivePeers() []wire.PeerID { return n.membership.PassiveView() }

// TopicPeers returns a snapshot of topic's eager and lazy peers.
func (n *Node) TopicPeers(topic wire.TopicID) []wire.PeerID { return n.plumtree.TopicPeers(topic) }

// Disconnect voluntarily drops peer from the active view and notifies it.
func (n *Node) Disconnect(peer wire.PeerID, reason string) {
	n.membership.Disconnect(peer, reason)
}

// Close shuts down every component, closes all peer sessions, and waits
// for every long-lived task to exit.
func (n *Node) Close() error {
	select {
	case <-n.closeCh:
		return ErrClosed
	default:
		close(n.closeCh)
	}

	n.membership.Close()
	n.swim.Close()
	n.plumtree.Close() // flushes pending IHAVE before returning
	n.antientropy.Close()

	n.connMu.Lock()
	conns := n.conns
	n.conns = make(map[wire.PeerID]*peerConn)
	n.connMu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		for _, s := range c.streams {
			_ = s.Close()
		}
		for _, s := range c.inbound {
			_ = s.Close()
		}
		c.mu.Unlock()
		_ = c.session.Close()
	}
	_ = n.trans.Close()

	n.wg.Wait()
	return nil
}

// runEvents forwards the membership and failure-detector event channels
// across the cycle-breaking seam: the detector's Dead events reach
// membership, and membership's activate/deactivate events reach the
// detector (to start/stop probing) and the disseminator (to reseed
// eager/lazy sets). No component holds a reference to another; Node is
// the only thing that sees both ends.
func (n *Node) runEvents() {
	for {
		select {
		case ev := <-n.membership.Events():
			switch ev.Kind {
			case membership.PeerActivated:
				n.swim.Track(ev.Peer)
				n.plumtree.OnPeerActivated(ev.Peer)
			case membership.PeerDeactivated:
				n.swim.Untrack(ev.Peer)
				n.plumtree.OnPeerDeactivated(ev.Peer)
				n.dropConn(ev.Peer)
			}
		case de := <-n.swim.Events():
			n.membership.MarkDead(de.Peer)
		case <-n.closeCh:
			return
		}
	}
}

// --- transport plumbing -----------------------------------------------

// getConn returns the established session to peer, dialing one if
// necessary. Concurrent callers racing to dial the same peer converge
// on a single session; the loser's dial result is discarded.
func (n *Node) getConn(ctx context.Context, peer wire.PeerID) (*peerConn, error) {
	n.connMu.Lock()
	if c, ok := n.conns[peer]; ok {
		n.connMu.Unlock()
		return c, nil
	}
	n.connMu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	sess, err := n.trans.Dial(dialCtx, peer, nil)
	if err != nil {
		return nil, wrap(ErrTransient, err)
	}
	return n.registerConn(peer, sess), nil
}

// registerConn stores a session (from either Dial or Accept) and starts
// the goroutine that accepts inbound streams on it. If peer already has
// a session, the new one is closed and the existing one is kept.
func (n *Node) registerConn(peer wire.PeerID, sess transport.Session) *peerConn {
	n.connMu.Lock()
	if c, ok := n.conns[peer]; ok {
		n.connMu.Unlock()
		_ = sess.Close()
		return c
	}
	c := &peerConn{session: sess, streams: make(map[transport.StreamClass]transport.Stream)}
	n.conns[peer] = c
	n.connMu.Unlock()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.acceptStreamsLoop(peer, c) }()
	return c
}

// dropConn removes and closes peer's session, if any. Outstanding
// streams surface a terminal error to their readers.
func (n *Node) dropConn(peer wire.PeerID) {
	n.connMu.Lock()
	c, ok := n.conns[peer]
	if ok {
		delete(n.conns, peer)
	}
	n.connMu.Unlock()
	if ok {
		_ = c.session.Close()
	}
}

// acceptSessionsLoop accepts inbound dials, registering each peer's
// session exactly once even if we also dialed it ourselves.
func (n *Node) acceptSessionsLoop() {
	for {
		peer, sess, err := n.trans.Accept(context.Background())
		if err != nil {
			select {
			case <-n.closeCh:
				return
			default:
				log.Debugf("gossip: accept failed: %s", err)
				continue
			}
		}
		n.registerConn(peer, sess)
	}
}

// acceptStreamsLoop accepts every inbound stream on a session and spawns
// a dedicated reader for it; stream classes never share a reader, so a
// slow bulk (anti-entropy) transfer cannot head-of-line block membership
// or pubsub traffic.
func (n *Node) acceptStreamsLoop(peer wire.PeerID, c *peerConn) {
	for {
		_, stream, err := c.session.AcceptStream(context.Background())
		if err != nil {
			return
		}
		c.mu.Lock()
		c.inbound = append(c.inbound, stream)
		c.mu.Unlock()
		n.wg.Add(1)
		go func() { defer n.wg.Done(); n.readLoop(peer, stream) }()
	}
}

// readLoop drains frames from one inbound stream until it errors or
// closes, dispatching each to the owning component.
func (n *Node) readLoop(peer wire.PeerID, stream transport.Stream) {
	for {
		frame, err := stream.Recv()
		if err != nil {
			return
		}
		n.dispatch(peer, frame)
	}
}

// getOrOpenStream returns peer's cached outbound stream for class,
// opening and caching one on first use.
func (n *Node) getOrOpenStream(ctx context.Context, peer wire.PeerID, class transport.StreamClass) (transport.Stream, error) {
	c, err := n.getConn(ctx, peer)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[class]; ok {
		return s, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	s, err := c.session.Open(openCtx, class)
	if err != nil {
		return nil, wrap(ErrTransient, err)
	}
	c.streams[class] = s
	return s, nil
}

// sendFrame encodes header+body and sends it to peer on the given
// stream class, opening the stream on first use.
func (n *Node) sendFrame(peer wire.PeerID, class transport.StreamClass, header wire.Header, body []byte) error {
	stream, err := n.getOrOpenStream(context.Background(), peer, class)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, wire.HeaderSize+len(body))
	frame = append(frame, header.Encode()...)
	frame = append(frame, body...)
	if err := stream.Send(frame); err != nil {
		return wrap(ErrTransient, err)
	}
	return nil
}

// --- inbound dispatch ---------------------------------------------------

// dispatch decodes one frame and routes it by kind to the owning
// component. Any successfully decoded frame counts as evidence of life
// for the failure detector's Suspect->Alive recovery rule;
// OnEvidenceOfLife is a no-op for untracked peers.
func (n *Node) dispatch(from wire.PeerID, frame []byte) {
	header, err := wire.DecodeHeader(frame)
	if err != nil {
		log.Debugf("gossip: malformed frame from %s: %s", from, err)
		return
	}
	body := frame[wire.HeaderSize:]
	n.swim.OnEvidenceOfLife(from)

	switch header.Kind {
	case wire.KindEager:
		var b wire.EagerBody
		if err := wire.DecodeBody(body, &b); err != nil {
			log.Debugf("gossip: bad EAGER body from %s: %s", from, err)
			return
		}
		n.plumtree.OnEager(from, header, b)

	case wire.KindIHave:
		var b wire.IHaveBody
		if err := wire.DecodeBody(body, &b); err != nil {
			return
		}
		n.plumtree.OnIHave(from, header.Topic, b.IDs)

	case wire.KindIWant:
		var b wire.IWantBody
		if err := wire.DecodeBody(body, &b); err != nil {
			return
		}
		n.plumtree.OnIWant(from, header.Topic, b.IDs)

	case wire.KindPing:
		var b wire.PingBody
		if err := wire.DecodeBody(body, &b); err != nil {
			return
		}
		n.onPing(from, b)

	case wire.KindAck:
		var b wire.AckBody
		if err := wire.DecodeBody(body, &b); err != nil {
			return
		}
		n.onAck(from, b)

	case wire.KindPingReq:
		var b wire.PingReqBody
		if err := wire.DecodeBody(body, &b); err != nil {
			return
		}
		n.onPingReq(from, b)

	case wire.KindJoin:
		var b wire.JoinBody
		if err := wire.DecodeBody(body, &b); err != nil {
			return
		}
		n.membership.OnJoin(from, b)

	case wire.KindFwdJoin:
		var b wire.FwdJoinBody
		if err := wire.DecodeBody(body, &b); err != nil {
			return
		}
		n.membership.OnForwardJoin(from, b)

	case wire.KindShuffle:
		var b wire.ShuffleBody
		if err := wire.DecodeBody(body, &b); err != nil {
			return
		}
		n.membership.OnShuffle(from, b)

	case wire.KindShuffleReply:
		var b wire.ShuffleReplyBody
		if err := wire.DecodeBody(body, &b); err != nil {
			return
		}
		n.membership.OnShuffleReply(from, b)

	case wire.KindDisconnect:
		var b wire.DisconnectBody
		if err := wire.DecodeBody(body, &b); err != nil {
			return
		}
		n.membership.OnDisconnect(from, b)

	case wire.KindAntiEntropy:
		var b wire.AntiEntropyBody
		if err := wire.DecodeBody(body, &b); err != nil {
			return
		}
		n.antientropy.OnAntiEntropy(from, b)

	default:
		log.Warnf("gossip: unknown frame kind %d from %s", header.Kind, from)
	}
}

// onPing answers a direct probe: merge piggybacked deltas, then reply
// with our own pending deltas attached.
func (n *Node) onPing(from wire.PeerID, body wire.PingBody) {
	n.swim.OnPing(from, body.Deltas)
	ack := wire.AckBody{Nonce: body.Nonce, Deltas: n.swim.PendingDeltas()}
	bb, err := wire.EncodeBody(ack)
	if err != nil {
		return
	}
	header := wire.Header{Ver: 1, Kind: wire.KindAck}
	if err := n.sendFrame(from, transport.ClassMembership, header, bb); err != nil {
		log.Debugf("gossip: ack to %s failed: %s", from, err)
	}
}

// onAck resolves both the SWIM detector's own direct-probe waiter (if
// this ack answers a probe we originated) and any in-flight indirect
// relay we are carrying on this node's behalf (if it answers a PING we
// forwarded for someone else's PING_REQ).
func (n *Node) onAck(from wire.PeerID, body wire.AckBody) {
	n.swim.OnAck(from, body.Nonce, body.Deltas)
	n.resolveRelay(body.Nonce, body)
}

// onPingReq relays an indirect probe on the requester's behalf: ping the
// target directly, and forward the target's ACK back to the requester
// if it arrives before IndirectTimeout. Grounded on memberlist's
// indirect-probe relay (ping-req handling in state.go): the relay does
// not register with its own SWIM detector, since it is not probing the
// target for its own liveness table, only forwarding on another peer's
// behalf.
func (n *Node) onPingReq(from wire.PeerID, body wire.PingReqBody) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ch := n.registerRelay(body.Nonce)
		defer n.clearRelay(body.Nonce)

		ping := wire.PingBody{Nonce: body.Nonce}
		bb, err := wire.EncodeBody(ping)
		if err != nil {
			return
		}
		header := wire.Header{Ver: 1, Kind: wire.KindPing}
		if err := n.sendFrame(body.Target, transport.ClassMembership, header, bb); err != nil {
			log.Debugf("gossip: relay ping to %s failed: %s", body.Target, err)
			return
		}

		select {
		case ack := <-ch:
			reply := wire.AckBody{Nonce: body.Nonce, Deltas: ack.Deltas}
			rb, err := wire.EncodeBody(reply)
			if err != nil {
				return
			}
			rh := wire.Header{Ver: 1, Kind: wire.KindAck}
			if err := n.sendFrame(from, transport.ClassMembership, rh, rb); err != nil {
				log.Debugf("gossip: relay ack to %s failed: %s", from, err)
			}
		case <-time.After(n.cfg.SWIM.IndirectTimeout):
		}
	}()
}

func (n *Node) registerRelay(nonce uint64) chan wire.AckBody {
	ch := make(chan wire.AckBody, 1)
	n.relayMu.Lock()
	n.relays[nonce] = ch
	n.relayMu.Unlock()
	return ch
}

func (n *Node) clearRelay(nonce uint64) {
	n.relayMu.Lock()
	delete(n.relays, nonce)
	n.relayMu.Unlock()
}

func (n *Node) resolveRelay(nonce uint64, ack wire.AckBody) {
	n.relayMu.Lock()
	ch, ok := n.relays[nonce]
	n.relayMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

// --- component-facing sender adapters -----------------------------------
//
// Each adapter is a thin wrapper binding a *Node to one component's
// Sender/Prober/PeerSource interface, keeping the encode-and-send
// boilerplate in one place (sendFrame) while letting every component
// stay transport-agnostic.

type membershipSender struct{ n *Node }

func (s membershipSender) SendMembership(peer wire.PeerID, kind wire.Kind, body interface{}) error {
	bb, err := wire.EncodeBody(body)
	if err != nil {
		return err
	}
	header := wire.Header{Ver: 1, Kind: kind}
	return s.n.sendFrame(peer, transport.ClassMembership, header, bb)
}

type swimProber struct{ n *Node }

func (s swimProber) SendPing(ctx context.Context, peer wire.PeerID, nonce uint64, deltas []wire.MembershipDelta) error {
	bb, err := wire.EncodeBody(wire.PingBody{Nonce: nonce, Deltas: deltas})
	if err != nil {
		return err
	}
	return s.n.sendFrame(peer, transport.ClassMembership, wire.Header{Ver: 1, Kind: wire.KindPing}, bb)
}

func (s swimProber) SendPingReq(ctx context.Context, relay, target wire.PeerID, nonce uint64) error {
	bb, err := wire.EncodeBody(wire.PingReqBody{Nonce: nonce, Target: target})
	if err != nil {
		return err
	}
	return s.n.sendFrame(relay, transport.ClassMembership, wire.Header{Ver: 1, Kind: wire.KindPingReq}, bb)
}

type plumtreeSender struct{ n *Node }

func (s plumtreeSender) SendEager(peer wire.PeerID, header wire.Header, body wire.EagerBody) error {
	bb, err := wire.EncodeBody(body)
	if err != nil {
		return err
	}
	return s.n.sendFrame(peer, transport.ClassPubSub, header, bb)
}

func (s plumtreeSender) SendIHave(peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error {
	return sendIHave(s.n, peer, topic, ids)
}

func (s plumtreeSender) SendIWant(peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error {
	return sendIWant(s.n, peer, topic, ids)
}

type antientropySender struct{ n *Node }

func (s antientropySender) SendAntiEntropy(peer wire.PeerID, body wire.AntiEntropyBody) error {
	bb, err := wire.EncodeBody(body)
	if err != nil {
		return err
	}
	header := wire.Header{Ver: 1, Topic: body.Topic, Kind: wire.KindAntiEntropy}
	return s.n.sendFrame(peer, transport.ClassBulk, header, bb)
}

func (s antientropySender) SendIHave(peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error {
	return sendIHave(s.n, peer, topic, ids)
}

func (s antientropySender) SendIWant(peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error {
	return sendIWant(s.n, peer, topic, ids)
}

// sendIHave/sendIWant are shared by plumtreeSender and antientropySender:
// anti-entropy reuses the disseminator's own IHAVE/IWANT machinery to
// pull repaired ids rather than opening a parallel wire path.
func sendIHave(n *Node, peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error {
	bb, err := wire.EncodeBody(wire.IHaveBody{IDs: ids})
	if err != nil {
		return err
	}
	header := wire.Header{Ver: 1, Topic: topic, Kind: wire.KindIHave}
	return n.sendFrame(peer, transport.ClassPubSub, header, bb)
}

func sendIWant(n *Node, peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error {
	bb, err := wire.EncodeBody(wire.IWantBody{IDs: ids})
	if err != nil {
		return err
	}
	header := wire.Header{Ver: 1, Topic: topic, Kind: wire.KindIWant}
	return n.sendFrame(peer, transport.ClassPubSub, header, bb)
}

type peerSource struct{ n *Node }

func (s peerSource) ActivePeers() []wire.PeerID                  { return s.n.membership.ActiveView() }
func (s peerSource) EagerPeers(topic wire.TopicID) []wire.PeerID { return s.n.plumtree.EagerPeers(topic) }
