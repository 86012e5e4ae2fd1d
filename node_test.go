package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dirvine/saorsa-gossip/pqcrypto/devsuite"
	"github.com/dirvine/saorsa-gossip/transport/simulated"
	"github.com/dirvine/saorsa-gossip/wire"
)

// newTestNode wires a Node over a shared simulated.Network, an in-process
// transport fake used in place of real network hosts.
func newTestNode(t *testing.T, net *simulated.Network, opts ...Option) *Node {
	t.Helper()
	suite := devsuite.New()
	pub, priv, err := devsuite.GenerateKeypair()
	require.NoError(t, err)
	self := suite.PeerIDOf(pub)
	trans := net.NewTransport(self)

	n, err := New(self, priv, pub, suite, trans, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func topicID(b byte) wire.TopicID {
	var topic wire.TopicID
	topic[0] = b
	return topic
}

// TestPublishReachesSubscriberAcrossJoinedPeers exercises the full
// stack end to end: b joins a's active view via HyParView, both
// subscribe to a topic, and a Publish on a must be delivered on b
// through Plumtree's eager push.
func TestPublishReachesSubscriberAcrossJoinedPeers(t *testing.T) {
	net := simulated.NewNetwork()
	a := newTestNode(t, net)
	b := newTestNode(t, net)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Join(ctx, []wire.PeerID{a.Self()})

	require.Eventually(t, func() bool {
		for _, p := range a.ActivePeers() {
			if p == b.Self() {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "b never joined a's active view")

	topic := topicID(7)
	deliveries := b.Subscribe(topic)
	a.Subscribe(topic)

	require.Eventually(t, func() bool {
		for _, p := range a.TopicPeers(topic) {
			if p == b.Self() {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "b never seeded into a's topic peers")

	_, err := a.Publish(topic, []byte("integration"))
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		require.Equal(t, []byte("integration"), d.Payload)
		require.Equal(t, topic, d.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("b never received a's published message")
	}
}

// TestDeadPeerEvictedFromActiveView exercises the SWIM->membership
// event path: closing one side's connection (simulating a crash) must
// eventually evict it from the other's active view.
func TestDeadPeerEvictedFromActiveView(t *testing.T) {
	net := simulated.NewNetwork()
	a := newTestNode(t, net, WithProbeSchedule(50*time.Millisecond, 20*time.Millisecond), WithSuspectTimeout(100*time.Millisecond))
	b := newTestNode(t, net, WithProbeSchedule(50*time.Millisecond, 20*time.Millisecond), WithSuspectTimeout(100*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Join(ctx, []wire.PeerID{a.Self()})

	require.Eventually(t, func() bool {
		for _, p := range a.ActivePeers() {
			if p == b.Self() {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "b never joined a's active view")

	require.NoError(t, b.Close())

	require.Eventually(t, func() bool {
		for _, p := range a.ActivePeers() {
			if p == b.Self() {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond, "dead peer was never evicted from a's active view")
}
