package antientropy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dirvine/saorsa-gossip/internal/cache"
	"github.com/dirvine/saorsa-gossip/wire"
)

func peerID(b byte) wire.PeerID {
	var p wire.PeerID
	p[0] = b
	return p
}

func msgID(b byte) wire.MessageID {
	var id wire.MessageID
	id[0] = b
	return id
}

func topicID(b byte) wire.TopicID {
	var t wire.TopicID
	t[0] = b
	return t
}

// fakePeers is a static PeerSource for tests.
type fakePeers struct {
	active []wire.PeerID
	eager  []wire.PeerID
}

func (f fakePeers) ActivePeers() []wire.PeerID            { return f.active }
func (f fakePeers) EagerPeers(wire.TopicID) []wire.PeerID { return f.eager }

// recordingSender captures outbound frames so tests can assert on them.
type recordingSender struct {
	mu          sync.Mutex
	antiEntropy []wire.AntiEntropyBody
	iwant       map[wire.PeerID][]wire.MessageID
	ihave       map[wire.PeerID][]wire.MessageID
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		iwant: make(map[wire.PeerID][]wire.MessageID),
		ihave: make(map[wire.PeerID][]wire.MessageID),
	}
}

func (s *recordingSender) SendAntiEntropy(peer wire.PeerID, body wire.AntiEntropyBody) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.antiEntropy = append(s.antiEntropy, body)
	return nil
}

func (s *recordingSender) SendIHave(peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ihave[peer] = append(s.ihave[peer], ids...)
	return nil
}

func (s *recordingSender) SendIWant(peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iwant[peer] = append(s.iwant[peer], ids...)
	return nil
}

func insert(c *cache.Cache, topic wire.TopicID, id wire.MessageID) {
	c.Insert(topic, id, cache.Entry{Payload: []byte("x")})
}

func TestReconcileTickSendsSketchToActivePeer(t *testing.T) {
	c := cache.New(0, 0)
	topic := topicID(1)
	insert(c, topic, msgID(1))

	sender := newRecordingSender()
	peers := fakePeers{active: []wire.PeerID{peerID(2)}}
	a := New(peerID(1), DefaultConfig(), c, sender, peers)
	go a.Run()
	defer a.Close()
	a.Join(topic)

	a.reconcileTick()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.antiEntropy, 1)
	require.Equal(t, topic, sender.antiEntropy[0].Topic)
	require.NotEmpty(t, sender.antiEntropy[0].Sketch)
}

// TestOnAntiEntropyRequestsMissingAndOffersExtra checks that, after a
// partition, peer A has m1 that peer B lacks, and peer B's sketch
// enumerates an id peer A lacks, so a round trip repairs both directions
// without a second reconciliation tick.
func TestOnAntiEntropyRequestsMissingAndOffersExtra(t *testing.T) {
	cfg := DefaultConfig()

	cacheA := cache.New(0, 0)
	topic := topicID(1)
	insert(cacheA, topic, msgID(1))

	cacheB := cache.New(0, 0)
	insert(cacheB, topic, msgID(2))

	senderA := newRecordingSender()
	senderB := newRecordingSender()

	a := New(peerID(1), cfg, cacheA, senderA, fakePeers{active: []wire.PeerID{peerID(2)}})
	go a.Run()
	defer a.Close()
	b := New(peerID(2), cfg, cacheB, senderB, fakePeers{active: []wire.PeerID{peerID(1)}})

	filterB, enumB := b.buildSketch(topic)
	sketchB, err := filterB.MarshalBinary()
	require.NoError(t, err)

	a.OnAntiEntropy(peerID(2), wire.AntiEntropyBody{Topic: topic, Sketch: sketchB, Enumerated: enumB})

	// A is missing m2, which B enumerated, so A should IWANT it from B.
	senderA.mu.Lock()
	require.Contains(t, senderA.iwant[peerID(2)], msgID(2))
	senderA.mu.Unlock()

	// A holds m1, which is absent from B's sketch, so A should offer it
	// back to B via IHAVE.
	senderA.mu.Lock()
	require.Contains(t, senderA.ihave[peerID(2)], msgID(1))
	senderA.mu.Unlock()
}

func TestBuildSketchExcludesEntriesOutsideWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = time.Millisecond

	c := cache.New(0, 0)
	topic := topicID(1)
	insert(c, topic, msgID(1))
	time.Sleep(5 * time.Millisecond)

	a := New(peerID(1), cfg, c, newRecordingSender(), fakePeers{})
	filter, enumerated := a.buildSketch(topic)
	require.Empty(t, enumerated)
	require.False(t, filter.Test(msgID(1)[:]))
}

func TestPickPeerPrefersNonEagerWhenAvailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EagerSkipChance = 1 // always try to diversify away from eager peers
	topic := topicID(1)

	peers := fakePeers{active: []wire.PeerID{peerID(2), peerID(3)}, eager: []wire.PeerID{peerID(2)}}
	a := New(peerID(1), cfg, cache.New(0, 0), newRecordingSender(), peers)

	for i := 0; i < 20; i++ {
		picked, ok := a.pickPeer(topic)
		require.True(t, ok)
		require.Equal(t, peerID(3), picked)
	}
}

func TestJoinAndLeaveControlReconciliationScope(t *testing.T) {
	c := cache.New(0, 0)
	topic := topicID(1)
	insert(c, topic, msgID(1))

	sender := newRecordingSender()
	a := New(peerID(1), DefaultConfig(), c, sender, fakePeers{active: []wire.PeerID{peerID(2)}})
	go a.Run()
	defer a.Close()

	a.reconcileTick()
	sender.mu.Lock()
	require.Empty(t, sender.antiEntropy)
	sender.mu.Unlock()

	a.Join(topic)
	a.reconcileTick()
	sender.mu.Lock()
	require.Len(t, sender.antiEntropy, 1)
	sender.mu.Unlock()

	a.Leave(topic)
	a.reconcileTick()
	sender.mu.Lock()
	require.Len(t, sender.antiEntropy, 1)
	sender.mu.Unlock()
}
