// Package plumtree implements the epidemic broadcast disseminator: a
// per-topic eager/lazy peer partition, EAGER push with implicit
// local-only PRUNE on duplicate delivery, batched IHAVE digests, IWANT
// pulls with GRAFT promotion, and periodic degree maintenance. A peer's
// score is a running sum of three fixed deltas with no decay, not a
// multi-factor score (see DESIGN.md).
package plumtree

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dirvine/saorsa-gossip/internal/cache"
	"github.com/dirvine/saorsa-gossip/metrics"
	"github.com/dirvine/saorsa-gossip/pqcrypto"
	"github.com/dirvine/saorsa-gossip/wire"
)

var log = logging.Logger("plumtree")

// Config holds the dissemination tunables, with documented defaults.
type Config struct {
	TTLMax        uint8
	EagerMin      int
	EagerMax      int
	EagerTarget   int
	IHaveFlush    time.Duration
	IHaveBatchMax int
	DegreeTick    time.Duration
	CacheSweep    time.Duration
	IWantTimeout  time.Duration
	IWantGiveUp   time.Duration
	ScoreMin      float64
	MaxPayload    int
	MaxEpochSkew  time.Duration
	MaxEpochAge   time.Duration
}

// DefaultConfig returns the package's documented defaults.
func DefaultConfig() Config {
	return Config{
		TTLMax:        10,
		EagerMin:      6,
		EagerMax:      12,
		EagerTarget:   8,
		IHaveFlush:    100 * time.Millisecond,
		IHaveBatchMax: 1024,
		DegreeTick:    30 * time.Second,
		CacheSweep:    60 * time.Second,
		IWantTimeout:  2 * time.Second,
		IWantGiveUp:   10 * time.Second,
		ScoreMin:      -10,
		MaxPayload:    1 << 20,
		MaxEpochSkew:  5 * time.Minute,
		MaxEpochAge:   time.Hour,
	}
}

// Sender abstracts delivering PubSub-class frames; the concrete
// implementation lives at the Node level, over transport.
type Sender interface {
	SendEager(peer wire.PeerID, header wire.Header, body wire.EagerBody) error
	SendIHave(peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error
	SendIWant(peer wire.PeerID, topic wire.TopicID, ids []wire.MessageID) error
}

// Delivery is handed to subscribers for every newly-accepted message.
type Delivery struct {
	Sender  wire.PeerID
	Topic   wire.TopicID
	Payload []byte
}

type outstandingIWant struct {
	askedPeer wire.PeerID
	askedAt   time.Time
	// knownHolders are other peers that IHAVE'd this id, used when
	// reissuing a timed-out IWANT to a different peer.
	knownHolders []wire.PeerID
}

type topicState struct {
	eager map[wire.PeerID]bool
	lazy  map[wire.PeerID]bool

	pendingIHave []wire.MessageID
	outstanding  map[wire.MessageID]*outstandingIWant

	subscribers []chan Delivery

	scores   map[wire.PeerID]float64
	dupCount map[wire.PeerID]int
}

func newTopicState() *topicState {
	return &topicState{
		eager:       make(map[wire.PeerID]bool),
		lazy:        make(map[wire.PeerID]bool),
		outstanding: make(map[wire.MessageID]*outstandingIWant),
		scores:      make(map[wire.PeerID]float64),
		dupCount:    make(map[wire.PeerID]int),
	}
}

// Plumtree owns all per-topic dissemination state behind a single inbox
// goroutine, per the single-writer-per-component requirement.
type Plumtree struct {
	self   wire.PeerID
	cfg    Config
	sender Sender
	crypto pqcrypto.Suite
	secret []byte
	pubkey []byte
	cache  *cache.Cache

	inbox   chan func()
	closeCh chan struct{}
	closed  chan struct{}

	mu     sync.Mutex // guards topics map only; all else is inbox-owned
	topics map[wire.TopicID]*topicState

	epoch func() int64
}

// New constructs a Plumtree for self. Call Run in its own goroutine.
func New(self wire.PeerID, cfg Config, sender Sender, crypto pqcrypto.Suite, secret, pubkey []byte, c *cache.Cache) *Plumtree {
	return &Plumtree{
		self:    self,
		cfg:     cfg,
		sender:  sender,
		crypto:  crypto,
		secret:  secret,
		pubkey:  pubkey,
		cache:   c,
		inbox:   make(chan func(), 1024),
		closeCh: make(chan struct{}),
		closed:  make(chan struct{}),
		topics:  make(map[wire.TopicID]*topicState),
		epoch:   func() int64 { return time.Now().Unix() },
	}
}

func (p *Plumtree) call(fn func()) {
	done := make(chan struct{})
	p.inbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// Run is the dissemination event loop: it drains the inbox and drives
// the IHAVE flush, degree maintenance, and cache sweep background tasks.
func (p *Plumtree) Run() {
	flushTicker := time.NewTicker(p.cfg.IHaveFlush)
	defer flushTicker.Stop()
	degreeTicker := time.NewTicker(p.cfg.DegreeTick)
	defer degreeTicker.Stop()
	sweepTicker := time.NewTicker(p.cfg.CacheSweep)
	defer sweepTicker.Stop()
	iwantTicker := time.NewTicker(p.cfg.IWantTimeout)
	defer iwantTicker.Stop()

	defer close(p.closed)
	for {
		select {
		case fn := <-p.inbox:
			fn()
		case <-flushTicker.C:
			p.flushIHave()
		case <-degreeTicker.C:
			p.maintainDegree()
		case <-sweepTicker.C:
			p.sweepCaches()
		case <-iwantTicker.C:
			p.reapOutstandingIWants()
		case <-p.closeCh:
			// Flush any pending IHAVE batches before exiting, so a
			// shutdown never silently drops digests peers are owed.
			p.flushIHave()
			return
		}
	}
}

// Close stops the event loop.
func (p *Plumtree) Close() {
	close(p.closeCh)
	<-p.closed
}

func (p *Plumtree) topicState(topic wire.TopicID) *topicState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts, ok := p.topics[topic]
	if !ok {
		ts = newTopicState()
		p.topics[topic] = ts
	}
	return ts
}

// Join initializes a topic's eager set from the current active view,
// called when a node first subscribes, per the initialization rule.
func (p *Plumtree) Join(topic wire.TopicID, activePeers []wire.PeerID) {
	p.call(func() {
		ts := p.topicState(topic)
		for _, peer := range activePeers {
			ts.eager[peer] = true
		}
		reportMeshSize(topic, ts)
	})
}

// Subscribe registers a delivery sink for topic and returns it; the
// caller reads Delivery values until it stops consuming, at which point
// Unsubscribe should be called to release the sink.
func (p *Plumtree) Subscribe(topic wire.TopicID) <-chan Delivery {
	ch := make(chan Delivery, 256)
	p.call(func() {
		ts := p.topicState(topic)
		ts.subscribers = append(ts.subscribers, ch)
	})
	return ch
}

// Unsubscribe removes a previously returned delivery channel.
func (p *Plumtree) Unsubscribe(topic wire.TopicID, ch <-chan Delivery) {
	p.call(func() {
		ts := p.topicState(topic)
		for i, s := range ts.subscribers {
			if s == ch {
				close(s)
				ts.subscribers = append(ts.subscribers[:i], ts.subscribers[i+1:]...)
				return
			}
		}
	})
}

// OnPeerActivated seeds new active-view arrivals into lazy, per the
// default-to-lazy rule for peers that join after a topic's initial
// eager seeding.
func (p *Plumtree) OnPeerActivated(peer wire.PeerID) {
	p.call(func() {
		p.mu.Lock()
		topics := make(map[wire.TopicID]*topicState, len(p.topics))
		for t, ts := range p.topics {
			topics[t] = ts
		}
		p.mu.Unlock()
		for topic, ts := range topics {
			if !ts.eager[peer] {
				ts.lazy[peer] = true
			}
			reportMeshSize(topic, ts)
		}
	})
}

// OnPeerDeactivated drops peer from every topic's eager/lazy sets.
func (p *Plumtree) OnPeerDeactivated(peer wire.PeerID) {
	p.call(func() {
		p.mu.Lock()
		topics := make(map[wire.TopicID]*topicState, len(p.topics))
		for t, ts := range p.topics {
			topics[t] = ts
		}
		p.mu.Unlock()
		for topic, ts := range topics {
			delete(ts.eager, peer)
			delete(ts.lazy, peer)
			delete(ts.scores, peer)
			delete(ts.dupCount, peer)
			reportMeshSize(topic, ts)
		}
	})
}

// Publish signs and disseminates a new message on topic, returning its
// id.
func (p *Plumtree) Publish(topic wire.TopicID, payload []byte) (wire.MessageID, error) {
	var id wire.MessageID
	var err error
	p.call(func() {
		epoch := p.epoch()
		msgID := wire.ComputeMessageID(p.crypto, topic, epoch, p.self, payload)
		header := wire.Header{Ver: 1, Topic: topic, MsgID: msgID, Kind: wire.KindEager, Hop: 0, TTL: p.cfg.TTLMax}

		sigInput := append(append([]byte{}, header.Encode()...), payload...)
		sig, sigErr := p.crypto.Sign(p.secret, sigInput)
		if sigErr != nil {
			err = sigErr
			return
		}

		result := p.cache.Insert(topic, msgID, cache.Entry{
			Header: header, Payload: payload, Epoch: epoch, Signature: sig, SignerPubKey: p.pubkey,
		})
		id = msgID
		if result == cache.Duplicate {
			// Same topic/epoch/signer/payload as an id already held (e.g.
			// two Publish calls within the same epoch second): already
			// disseminated once, so do not re-send or re-deliver.
			return
		}

		ts := p.topicState(topic)
		body := wire.EagerBody{Epoch: epoch, Payload: payload, Signature: sig, SignerPubKey: p.pubkey}
		for peer := range ts.eager {
			_ = p.sender.SendEager(peer, header, body)
		}
		ts.pendingIHave = append(ts.pendingIHave, msgID)
		metrics.MessagesPublished.WithLabelValues(topic.String()).Inc()
		p.deliverLocally(ts, topic, p.self, payload)
	})
	return id, err
}

// OnEager handles an inbound EAGER frame.
func (p *Plumtree) OnEager(from wire.PeerID, header wire.Header, body wire.EagerBody) {
	p.call(func() {
		if len(body.Payload) > p.cfg.MaxPayload {
			log.Warnf("plumtree: oversize payload from %s (%d bytes), dropping", from, len(body.Payload))
			p.penalize(header.Topic, from, -5)
			return
		}
		if header.Hop > p.cfg.TTLMax {
			log.Debugf("plumtree: dropping frame from %s, ttl exceeded", from)
			return
		}

		now := time.Now()
		epochTime := time.Unix(body.Epoch, 0)
		if epochTime.Before(now.Add(-p.cfg.MaxEpochAge)) || epochTime.After(now.Add(p.cfg.MaxEpochSkew)) {
			log.Debugf("plumtree: dropping replay/skewed message from %s (epoch %d)", from, body.Epoch)
			return
		}

		sigInput := append(append([]byte{}, header.Encode()...), body.Payload...)
		if !p.crypto.Verify(body.SignerPubKey, sigInput, body.Signature) {
			log.Warnf("plumtree: invalid signature from %s, dropping", from)
			p.penalize(header.Topic, from, -5)
			return
		}

		ts := p.topicState(header.Topic)
		result := p.cache.Insert(header.Topic, header.MsgID, cache.Entry{
			Header: header, Payload: body.Payload, Epoch: body.Epoch, Signature: body.Signature, SignerPubKey: body.SignerPubKey,
		})
		if result == cache.Duplicate {
			if ts.eager[from] {
				delete(ts.eager, from)
				ts.lazy[from] = true
				ts.dupCount[from]++
				p.penalize(header.Topic, from, -1)
				metrics.PruneEvents.WithLabelValues(header.Topic.String()).Inc()
				reportMeshSize(header.Topic, ts)
				log.Debugf("plumtree: PRUNE %s on topic %s (duplicate eager)", from, header.Topic)
			}
			return
		}

		p.score(header.Topic, from, 1)
		p.deliverLocally(ts, header.Topic, from, body.Payload)

		forwardHeader := header
		forwardHeader.Hop++
		for peer := range ts.eager {
			if peer == from {
				continue
			}
			if err := p.sender.SendEager(peer, forwardHeader, body); err != nil {
				log.Debugf("plumtree: forward to %s failed: %s", peer, err)
			}
		}
		ts.pendingIHave = append(ts.pendingIHave, header.MsgID)
	})
}

// OnIHave handles an inbound IHAVE digest.
func (p *Plumtree) OnIHave(from wire.PeerID, topic wire.TopicID, ids []wire.MessageID) {
	p.call(func() {
		ts := p.topicState(topic)
		var toAsk []wire.MessageID
		for _, id := range ids {
			if p.cache.Contains(topic, id) {
				continue
			}
			if ow, ok := ts.outstanding[id]; ok {
				ow.knownHolders = append(ow.knownHolders, from)
				continue
			}
			ts.outstanding[id] = &outstandingIWant{askedPeer: from, askedAt: time.Now()}
			toAsk = append(toAsk, id)
		}
		if len(toAsk) > 0 {
			_ = p.sender.SendIWant(from, topic, toAsk)
		}
	})
}

// OnIWant handles an inbound IWANT pull request.
func (p *Plumtree) OnIWant(from wire.PeerID, topic wire.TopicID, ids []wire.MessageID) {
	p.call(func() {
		ts := p.topicState(topic)
		for _, id := range ids {
			entry, ok := p.cache.Get(topic, id)
			if !ok {
				log.Debugf("plumtree: IWANT for %s from %s but not in cache, ignoring", id, from)
				continue
			}
			body := wire.EagerBody{Epoch: entry.Epoch, Payload: entry.Payload, Signature: entry.Signature, SignerPubKey: entry.SignerPubKey}
			if err := p.sender.SendEager(from, entry.Header, body); err != nil {
				log.Debugf("plumtree: serving IWANT to %s failed: %s", from, err)
				continue
			}
			delete(ts.lazy, from)
			ts.eager[from] = true
			metrics.GraftEvents.WithLabelValues(topic.String()).Inc()
			reportMeshSize(topic, ts)
			log.Debugf("plumtree: GRAFT %s on topic %s (iwant)", from, topic)
		}
	})
}

func (p *Plumtree) deliverLocally(ts *topicState, topic wire.TopicID, sender wire.PeerID, payload []byte) {
	metrics.MessagesDelivered.WithLabelValues(topic.String()).Inc()
	kept := ts.subscribers[:0]
	for _, ch := range ts.subscribers {
		select {
		case ch <- Delivery{Sender: sender, Topic: topic, Payload: payload}:
			kept = append(kept, ch)
		default:
			log.Warnf("plumtree: subscriber channel full on topic %s, dropping delivery", topic)
			kept = append(kept, ch)
		}
	}
	ts.subscribers = kept
}

// EagerPeers returns a snapshot of topic's current eager set, consumed by
// anti-entropy (C5) to diversify which peers carry repair traffic away
// from the tree's own edges.
func (p *Plumtree) EagerPeers(topic wire.TopicID) []wire.PeerID {
	var out []wire.PeerID
	p.call(func() {
		ts := p.topicState(topic)
		out = make([]wire.PeerID, 0, len(ts.eager))
		for peer := range ts.eager {
			out = append(out, peer)
		}
	})
	return out
}

// TopicPeers returns a snapshot of every peer known to topic's
// dissemination state, eager or lazy.
func (p *Plumtree) TopicPeers(topic wire.TopicID) []wire.PeerID {
	var out []wire.PeerID
	p.call(func() {
		ts := p.topicState(topic)
		out = make([]wire.PeerID, 0, len(ts.eager)+len(ts.lazy))
		for peer := range ts.eager {
			out = append(out, peer)
		}
		for peer := range ts.lazy {
			out = append(out, peer)
		}
	})
	return out
}

// reportMeshSize publishes the current eager/lazy set sizes for topic.
func reportMeshSize(topic wire.TopicID, ts *topicState) {
	metrics.EagerMeshSize.WithLabelValues(topic.String()).Set(float64(len(ts.eager)))
	metrics.LazyMeshSize.WithLabelValues(topic.String()).Set(float64(len(ts.lazy)))
}

func (p *Plumtree) score(topic wire.TopicID, peer wire.PeerID, delta float64) {
	ts := p.topicState(topic)
	ts.scores[peer] += delta
}

func (p *Plumtree) penalize(topic wire.TopicID, peer wire.PeerID, delta float64) {
	ts := p.topicState(topic)
	ts.scores[peer] += delta
	if ts.scores[peer] < p.cfg.ScoreMin && ts.eager[peer] {
		delete(ts.eager, peer)
		ts.lazy[peer] = true
		reportMeshSize(topic, ts)
	}
}

// flushIHave drains pending_ihave per topic and emits a single batched
// IHAVE to every lazy peer. Called directly from Run's own select loop,
// so it must not route through call (that would deadlock the inbox).
func (p *Plumtree) flushIHave() {
	p.mu.Lock()
	topics := make(map[wire.TopicID]*topicState, len(p.topics))
	for t, ts := range p.topics {
		topics[t] = ts
	}
	p.mu.Unlock()

	for topic, ts := range topics {
		if len(ts.pendingIHave) == 0 {
			continue
		}
		batch := ts.pendingIHave
		if len(batch) > p.cfg.IHaveBatchMax {
			batch = batch[:p.cfg.IHaveBatchMax]
			ts.pendingIHave = ts.pendingIHave[p.cfg.IHaveBatchMax:]
		} else {
			ts.pendingIHave = nil
		}
		for peer := range ts.lazy {
			_ = p.sender.SendIHave(peer, topic, batch)
		}
	}
}

// maintainDegree rebalances eager/lazy membership toward
// [EagerMin, EagerMax], promoting from lazy when under-full and
// demoting the weakest eager peers when over-full. Called directly from
// Run's own select loop; see flushIHave.
func (p *Plumtree) maintainDegree() {
	p.mu.Lock()
	topics := make(map[wire.TopicID]*topicState, len(p.topics))
	for t, ts := range p.topics {
		topics[t] = ts
	}
	p.mu.Unlock()

	for topic, ts := range topics {
		if len(ts.eager) < p.cfg.EagerMin {
			for peer := range ts.lazy {
				if len(ts.eager) >= p.cfg.EagerTarget {
					break
				}
				delete(ts.lazy, peer)
				ts.eager[peer] = true
			}
		}
		if len(ts.eager) > p.cfg.EagerMax {
			excess := worstEagerPeers(ts, len(ts.eager)-p.cfg.EagerTarget)
			for _, peer := range excess {
				delete(ts.eager, peer)
				ts.lazy[peer] = true
			}
		}
		reportMeshSize(topic, ts)
	}
}

// worstEagerPeers returns up to n eager peers ranked by highest
// duplicate-EAGER count and lowest score, the tie-break the degree
// maintenance contract specifies.
func worstEagerPeers(ts *topicState, n int) []wire.PeerID {
	if n <= 0 {
		return nil
	}
	peers := make([]wire.PeerID, 0, len(ts.eager))
	for p := range ts.eager {
		peers = append(peers, p)
	}
	sortBy(peers, func(a, b wire.PeerID) bool {
		if ts.dupCount[a] != ts.dupCount[b] {
			return ts.dupCount[a] > ts.dupCount[b]
		}
		return ts.scores[a] < ts.scores[b]
	})
	if n > len(peers) {
		n = len(peers)
	}
	return peers[:n]
}

// sortBy is a tiny insertion sort: these slices are bounded by
// EagerMax (a handful of peers), so a library sort buys nothing here.
func sortBy(peers []wire.PeerID, less func(a, b wire.PeerID) bool) {
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && less(peers[j], peers[j-1]); j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}
}

// sweepCaches is called directly from Run's own select loop; see flushIHave.
func (p *Plumtree) sweepCaches() {
	now := time.Now()
	for _, topic := range p.cache.Topics() {
		p.cache.Sweep(topic, now)
		stats := p.cache.Stats(topic)
		metrics.ReportCacheStats(topic.String(), stats.Hits, stats.Misses, stats.Evictions)
	}
}

// reapOutstandingIWants reissues timed-out IWANTs to a different known
// holder, or forgets the id entirely past IWantGiveUp. Called directly
// from Run's own select loop; see flushIHave.
func (p *Plumtree) reapOutstandingIWants() {
	p.mu.Lock()
	topics := make(map[wire.TopicID]*topicState, len(p.topics))
	for t, ts := range p.topics {
		topics[t] = ts
	}
	p.mu.Unlock()

	now := time.Now()
	for topic, ts := range topics {
		for id, ow := range ts.outstanding {
			age := now.Sub(ow.askedAt)
			if age < p.cfg.IWantTimeout {
				continue
			}
			if age > p.cfg.IWantGiveUp {
				delete(ts.outstanding, id)
				continue
			}
			if len(ow.knownHolders) == 0 {
				continue
			}
			next := ow.knownHolders[0]
			ow.knownHolders = ow.knownHolders[1:]
			ow.askedPeer = next
			ow.askedAt = now
			_ = p.sender.SendIWant(next, topic, []wire.MessageID{id})
		}
	}
}
