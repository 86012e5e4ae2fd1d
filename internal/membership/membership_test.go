package membership

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dirvine/saorsa-gossip/wire"
)

// fakeSender routes SendMembership calls directly into the recipient's
// Membership.inbox-facing handlers, simulating an instantaneous transport
// for unit tests without needing the simulated package's session/stream
// machinery.
type fakeSender struct {
	mu   sync.Mutex
	byID map[wire.PeerID]*Membership
	from wire.PeerID
}

func newFakeNetwork() *fakeSender {
	return &fakeSender{byID: make(map[wire.PeerID]*Membership)}
}

func (f *fakeSender) register(id wire.PeerID, m *Membership) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id] = m
}

func (f *fakeSender) senderFor(self wire.PeerID) Sender {
	return &boundSender{net: f, self: self}
}

type boundSender struct {
	net  *fakeSender
	self wire.PeerID
}

func (b *boundSender) SendMembership(peer wire.PeerID, kind wire.Kind, body interface{}) error {
	b.net.mu.Lock()
	target, ok := b.net.byID[peer]
	b.net.mu.Unlock()
	if !ok {
		return nil
	}
	switch v := body.(type) {
	case wire.JoinBody:
		go target.OnJoin(b.self, v)
	case wire.FwdJoinBody:
		go target.OnForwardJoin(b.self, v)
	case wire.ShuffleBody:
		go target.OnShuffle(b.self, v)
	case wire.ShuffleReplyBody:
		go target.OnShuffleReply(b.self, v)
	case wire.DisconnectBody:
		go target.OnDisconnect(b.self, v)
	}
	_ = kind
	return nil
}

func peerID(b byte) wire.PeerID {
	var p wire.PeerID
	p[0] = b
	return p
}

func TestJoinAddsJoinerToSeedActiveView(t *testing.T) {
	net := newFakeNetwork()
	cfg := DefaultConfig()

	seed := New(peerID(1), cfg, net.senderFor(peerID(1)))
	joiner := New(peerID(2), cfg, net.senderFor(peerID(2)))
	net.register(peerID(1), seed)
	net.register(peerID(2), joiner)

	go seed.Run()
	go joiner.Run()
	defer seed.Close()
	defer joiner.Close()

	joiner.Join([]wire.PeerID{peerID(1)})

	require.Eventually(t, func() bool {
		active := seed.ActiveView()
		for _, p := range active {
			if p == peerID(2) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestForwardJoinPopulatesPassiveViewAtThreshold(t *testing.T) {
	net := newFakeNetwork()
	cfg := DefaultConfig()
	cfg.PassiveRWL = 1

	relay := New(peerID(3), cfg, net.senderFor(peerID(3)))
	net.register(peerID(3), relay)
	go relay.Run()
	defer relay.Close()

	// A FWD_JOIN arrives from an active peer, so the relay's active view
	// holds the sender; with an empty active view the relay would take
	// the joiner into active instead.
	relay.OnJoin(peerID(9), wire.JoinBody{Joiner: peerID(9)})
	relay.OnForwardJoin(peerID(9), wire.FwdJoinBody{Joiner: peerID(4), TTL: 1})

	require.Eventually(t, func() bool {
		for _, p := range relay.PassiveView() {
			if p == peerID(4) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestActiveAndPassiveViewsStayDisjoint(t *testing.T) {
	net := newFakeNetwork()
	cfg := DefaultConfig()
	cfg.ActiveMax = 2

	m := New(peerID(1), cfg, net.senderFor(peerID(1)))
	net.register(peerID(1), m)
	go m.Run()
	defer m.Close()

	m.OnJoin(peerID(9), wire.JoinBody{Joiner: peerID(2)})
	m.OnJoin(peerID(9), wire.JoinBody{Joiner: peerID(3)})
	m.OnForwardJoin(peerID(9), wire.FwdJoinBody{Joiner: peerID(2), TTL: 0})

	active := m.ActiveView()
	passive := m.PassiveView()
	seen := make(map[wire.PeerID]bool)
	for _, p := range active {
		require.False(t, seen[p], "peer appears twice across views")
		seen[p] = true
	}
	for _, p := range passive {
		require.False(t, seen[p], "peer %s present in both active and passive", p)
	}
}

func TestMarkDeadEvictsFromBothViews(t *testing.T) {
	net := newFakeNetwork()
	cfg := DefaultConfig()

	m := New(peerID(1), cfg, net.senderFor(peerID(1)))
	net.register(peerID(1), m)
	go m.Run()
	defer m.Close()

	m.OnJoin(peerID(9), wire.JoinBody{Joiner: peerID(2)})
	require.Eventually(t, func() bool {
		for _, p := range m.ActiveView() {
			if p == peerID(2) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	m.MarkDead(peerID(2))

	active := m.ActiveView()
	for _, p := range active {
		require.NotEqual(t, peerID(2), p)
	}
	passive := m.PassiveView()
	for _, p := range passive {
		require.NotEqual(t, peerID(2), p)
	}
}
