// Package antientropy implements C5: periodic set-reconciliation of
// recent message ids against a random active peer per topic, repairing
// gaps that Plumtree's tree-shaped delivery and SWIM's best-effort
// transport leave behind after a partition or a dropped frame.
//
// The reconciliation sketch is a Bloom filter
// (github.com/bits-and-blooms/bloom/v3); the choice between Bloom and an
// invertible Bloom lookup table is recorded in DESIGN.md. Scheduling and
// the inbox-goroutine shape mirror internal/plumtree's Plumtree.
package antientropy

import (
	"math/rand"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dirvine/saorsa-gossip/internal/cache"
	"github.com/dirvine/saorsa-gossip/metrics"
	"github.com/dirvine/saorsa-gossip/wire"
)

var log = logging.Logger("antientropy")

// Config holds the reconciliation tunables, with documented defaults.
type Config struct {
	Period          time.Duration
	Window          time.Duration
	EnumCap         int
	BloomItems      uint
	BloomFalsePos   float64
	EagerSkipChance float64
}

// DefaultConfig returns the package's documented defaults.
func DefaultConfig() Config {
	return Config{
		Period:          30 * time.Second,
		Window:          10 * time.Minute,
		EnumCap:         512,
		BloomItems:      10000,
		BloomFalsePos:   0.01,
		EagerSkipChance: 0.5,
	}
}

// Sender abstracts delivering anti-entropy and reuse-C4 frames; the
// concrete implementation lives at the Node level, over transport.
type Sender interface {
	SendAntiEntropy(peer wire.PeerID, body wire.AntiEntropyBody) error
	SendIHave(peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error
	SendIWant(peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error
}

// PeerSource supplies the candidate peers a reconciliation round may
// pick from: the full active view, and the subset currently eager for a
// topic (excluded with EagerSkipChance probability, to diversify which
// peers carry repair traffic instead of only the tree's own edges).
type PeerSource interface {
	ActivePeers() []wire.PeerID
	EagerPeers(topic wire.TopicID) []wire.PeerID
}

// AntiEntropy owns the set of topics under reconciliation behind a
// single inbox goroutine, per the single-writer-per-component
// requirement.
type AntiEntropy struct {
	self   wire.PeerID
	cfg    Config
	cache  *cache.Cache
	sender Sender
	peers  PeerSource
	rng    *rand.Rand

	inbox   chan func()
	closeCh chan struct{}
	closed  chan struct{}

	topics map[wire.TopicID]bool
}

// New constructs an AntiEntropy for self. Call Run in its own goroutine.
func New(self wire.PeerID, cfg Config, c *cache.Cache, sender Sender, peers PeerSource) *AntiEntropy {
	return &AntiEntropy{
		self:    self,
		cfg:     cfg,
		cache:   c,
		sender:  sender,
		peers:   peers,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		inbox:   make(chan func(), 256),
		closeCh: make(chan struct{}),
		closed:  make(chan struct{}),
		topics:  make(map[wire.TopicID]bool),
	}
}

func (a *AntiEntropy) call(fn func()) {
	done := make(chan struct{})
	a.inbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// Run is the reconciliation event loop: it drains the inbox and drives
// the periodic reconciliation round.
func (a *AntiEntropy) Run() {
	ticker := time.NewTicker(a.cfg.Period)
	defer ticker.Stop()

	defer close(a.closed)
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-ticker.C:
			a.reconcileTick()
		case <-a.closeCh:
			return
		}
	}
}

// Close stops the event loop.
func (a *AntiEntropy) Close() {
	close(a.closeCh)
	<-a.closed
}

// Join registers topic for periodic reconciliation rounds.
func (a *AntiEntropy) Join(topic wire.TopicID) {
	a.call(func() {
		a.topics[topic] = true
	})
}

// Leave removes topic from periodic reconciliation.
func (a *AntiEntropy) Leave(topic wire.TopicID) {
	a.call(func() {
		delete(a.topics, topic)
	})
}

// reconcileTick runs one reconciliation round per tracked topic. Called
// directly from Run's own select loop, so it must not route through
// call (that would deadlock the inbox).
func (a *AntiEntropy) reconcileTick() {
	for topic := range a.topics {
		peer, ok := a.pickPeer(topic)
		if !ok {
			continue
		}
		sketch, enumerated := a.buildSketch(topic)
		body := wire.AntiEntropyBody{Topic: topic, Enumerated: enumerated}
		var err error
		body.Sketch, err = sketch.MarshalBinary()
		if err != nil {
			log.Warnf("antientropy: failed to marshal sketch for topic %s: %s", topic, err)
			continue
		}
		if err := a.sender.SendAntiEntropy(peer, body); err != nil {
			log.Debugf("antientropy: send to %s failed: %s", peer, err)
			continue
		}
		metrics.AntiEntropyRounds.Inc()
	}
}

// pickPeer chooses a random active peer for topic, excluding the
// topic's current eager peers with EagerSkipChance probability to
// diversify which peers carry repair traffic.
func (a *AntiEntropy) pickPeer(topic wire.TopicID) (wire.PeerID, bool) {
	active := a.peers.ActivePeers()
	if len(active) == 0 {
		return wire.PeerID{}, false
	}
	if a.rng.Float64() < a.cfg.EagerSkipChance {
		eager := make(map[wire.PeerID]bool)
		for _, p := range a.peers.EagerPeers(topic) {
			eager[p] = true
		}
		var nonEager []wire.PeerID
		for _, p := range active {
			if !eager[p] {
				nonEager = append(nonEager, p)
			}
		}
		if len(nonEager) > 0 {
			return nonEager[a.rng.Intn(len(nonEager))], true
		}
	}
	return active[a.rng.Intn(len(active))], true
}

// buildSketch returns a Bloom filter over topic's ids newer than Window,
// plus a capped enumeration of those same ids for the receiver's
// opportunistic fallback.
func (a *AntiEntropy) buildSketch(topic wire.TopicID) (*bloom.BloomFilter, []wire.MessageID) {
	filter := bloom.NewWithEstimates(a.cfg.BloomItems, a.cfg.BloomFalsePos)
	cutoff := time.Now().Add(-a.cfg.Window)

	ids := a.cache.RecentIDs(topic, 0)
	var enumerated []wire.MessageID
	for _, id := range ids {
		entry, ok := a.cache.Get(topic, id)
		if !ok || entry.InsertedAt.Before(cutoff) {
			continue
		}
		filter.Add(id[:])
		if len(enumerated) < a.cfg.EnumCap {
			enumerated = append(enumerated, id)
		}
	}
	return filter, enumerated
}

// OnAntiEntropy handles an inbound ANTIENTROPY sketch from a peer,
// responding with IWANT for ids the sender enumerated that we lack, and
// IHAVE for ids we hold that the sender's sketch does not.
func (a *AntiEntropy) OnAntiEntropy(from wire.PeerID, body wire.AntiEntropyBody) {
	a.call(func() {
		var filter *bloom.BloomFilter
		if len(body.Sketch) > 0 {
			filter = &bloom.BloomFilter{}
			if err := filter.UnmarshalBinary(body.Sketch); err != nil {
				log.Warnf("antientropy: malformed sketch from %s: %s", from, err)
				return
			}
		}

		var missing []wire.MessageID
		for _, id := range body.Enumerated {
			if !a.cache.Contains(body.Topic, id) {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			_ = a.sender.SendIWant(from, body.Topic, missing)
			metrics.AntiEntropyIDsRequested.WithLabelValues(body.Topic.String()).Add(float64(len(missing)))
		}

		if filter == nil {
			return
		}
		cutoff := time.Now().Add(-a.cfg.Window)
		var offer []wire.MessageID
		for _, id := range a.cache.RecentIDs(body.Topic, 0) {
			if len(offer) >= a.cfg.EnumCap {
				break
			}
			entry, ok := a.cache.Get(body.Topic, id)
			if !ok || entry.InsertedAt.Before(cutoff) {
				continue
			}
			if !filter.Test(id[:]) {
				offer = append(offer, id)
			}
		}
		if len(offer) > 0 {
			_ = a.sender.SendIHave(from, body.Topic, offer)
			metrics.AntiEntropyIDsServed.WithLabelValues(body.Topic.String()).Add(float64(len(offer)))
		}
	})
}
