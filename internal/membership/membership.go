// Package membership implements HyParView (C2): a small active view used
// for routing and a larger passive view used as a repair reservoir,
// maintained via JOIN/FWD_JOIN/SHUFFLE/SHUFFLE_REPLY/DISCONNECT.
//
// All view mutation runs on a single inbox goroutine; external calls
// round-trip through channels rather than taking a lock, so the active
// and passive views never see a concurrent write.
package membership

import (
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dirvine/saorsa-gossip/metrics"
	"github.com/dirvine/saorsa-gossip/wire"
)

var log = logging.Logger("hyparview")

// Config holds the tunables named in the membership protocol, with
// documented defaults.
type Config struct {
	ActiveMax      int           // ACTIVE_MAX, default 12
	ActiveMin      int           // ACTIVE_MIN, default 8
	PassiveMax     int           // PASSIVE_MAX, default 128
	ActiveRWL      uint8         // ACTIVE_RW_LEN, default 6
	PassiveRWL     uint8         // PRWL, default 3
	KA             int           // KA, default 3
	KP             int           // KP, default 4
	ShuffleTTL     uint8         // SHUFFLE_TTL, default 2
	ShufflePeriod  time.Duration // SHUFFLE_PERIOD, default 30s
	PromoteTimeout time.Duration // PROMOTE_TIMEOUT, default 5s
	DeadCooloff    time.Duration // cool-off before a Dead peer may be re-acquainted
}

// DefaultConfig returns the package's documented defaults.
func DefaultConfig() Config {
	return Config{
		ActiveMax:      12,
		ActiveMin:      8,
		PassiveMax:     128,
		ActiveRWL:      6,
		PassiveRWL:     3,
		KA:             3,
		KP:             4,
		ShuffleTTL:     2,
		ShufflePeriod:  30 * time.Second,
		PromoteTimeout: 5 * time.Second,
		DeadCooloff:    6 * time.Second,
	}
}

// Sender abstracts delivering a membership-class frame to a peer; the
// concrete implementation lives at the Node level, over transport.
type Sender interface {
	SendMembership(peer wire.PeerID, kind wire.Kind, body interface{}) error
}

// ChangeKind distinguishes the events published on the ViewChange channel.
type ChangeKind uint8

const (
	PeerActivated ChangeKind = iota
	PeerDeactivated
)

// ViewChange notifies interested components (C4, most directly) that the
// active view gained or lost a peer, so eager/lazy sets can be reseeded.
type ViewChange struct {
	Kind ChangeKind
	Peer wire.PeerID
}

type triedRecently struct {
	peer wire.PeerID
	at   time.Time
}

// Membership owns the active/passive views behind a single inbox
// goroutine; every exported method is a channel round-trip into that
// goroutine, so no lock is needed over the views themselves.
type Membership struct {
	self   wire.PeerID
	cfg    Config
	sender Sender

	inbox    chan func()
	events   chan ViewChange
	closeCh  chan struct{}
	closed   chan struct{}

	active  *view
	passive *view

	deadUntil map[wire.PeerID]time.Time
	triedAt   []triedRecently
}

// New constructs a Membership for self, using sender to deliver protocol
// frames. Call Run in its own goroutine to start the event loop.
func New(self wire.PeerID, cfg Config, sender Sender) *Membership {
	return &Membership{
		self:      self,
		cfg:       cfg,
		sender:    sender,
		inbox:     make(chan func(), 256),
		events:    make(chan ViewChange, 256),
		closeCh:   make(chan struct{}),
		closed:    make(chan struct{}),
		active:    newView(cfg.ActiveMax),
		passive:   newView(cfg.PassiveMax),
		deadUntil: make(map[wire.PeerID]time.Time),
	}
}

// Events returns the channel of active-view changes consumed by C4.
func (m *Membership) Events() <-chan ViewChange { return m.events }

// Run is the membership event loop; it owns all view mutation and must
// be started exactly once, in its own goroutine.
func (m *Membership) Run() {
	shuffleTicker := time.NewTicker(m.cfg.ShufflePeriod)
	defer shuffleTicker.Stop()
	promoteTicker := time.NewTicker(m.cfg.PromoteTimeout)
	defer promoteTicker.Stop()

	defer close(m.closed)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-shuffleTicker.C:
			m.shuffleTick()
		case <-promoteTicker.C:
			m.maybePromote()
		case <-m.closeCh:
			return
		}
	}
}

// Close stops the event loop. It does not block on in-flight calls.
func (m *Membership) Close() {
	close(m.closeCh)
	<-m.closed
}

// call runs fn on the membership goroutine and blocks for its result.
func (m *Membership) call(fn func()) {
	done := make(chan struct{})
	m.inbox <- func() {
		fn()
		close(done)
	}
	<-done
}

func (m *Membership) emit(kind ChangeKind, peer wire.PeerID) {
	metrics.ActiveViewSize.Set(float64(m.active.Len()))
	metrics.PassiveViewSize.Set(float64(m.passive.Len()))
	select {
	case m.events <- ViewChange{Kind: kind, Peer: peer}:
	default:
		log.Warnf("dropping view change event, consumer too slow: peer %s", peer)
	}
}

// ActiveView returns a snapshot of the current active view.
func (m *Membership) ActiveView() []wire.PeerID {
	var out []wire.PeerID
	m.call(func() { out = m.active.Snapshot() })
	return out
}

// PassiveView returns a snapshot of the current passive view.
func (m *Membership) PassiveView() []wire.PeerID {
	var out []wire.PeerID
	m.call(func() { out = m.passive.Snapshot() })
	return out
}

// Join attempts to enter the network via seeds, sending JOIN to the
// first reachable one. It does not block until an active peer is
// acquired; callers observing completion should poll ActiveView or
// watch Events.
func (m *Membership) Join(seeds []wire.PeerID) {
	m.call(func() {
		for _, seed := range seeds {
			if seed == m.self {
				continue
			}
			if err := m.sender.SendMembership(seed, wire.KindJoin, wire.JoinBody{Joiner: m.self}); err != nil {
				log.Debugf("join: seed %s unreachable, trying next: %s", seed, err)
				continue
			}
			return
		}
		log.Warnf("join: no reachable seed out of %d", len(seeds))
	})
}

// OnJoin handles an inbound JOIN: place the joiner in the active view and
// forward-join it to the rest of the active view.
func (m *Membership) OnJoin(from wire.PeerID, body wire.JoinBody) {
	m.call(func() {
		m.addActive(body.Joiner, nil)
		for _, peer := range m.active.Snapshot() {
			if peer == body.Joiner {
				continue
			}
			_ = m.sender.SendMembership(peer, wire.KindFwdJoin, wire.FwdJoinBody{
				Joiner: body.Joiner,
				TTL:    m.cfg.ActiveRWL,
			})
		}
	})
}

// OnForwardJoin handles an inbound FWD_JOIN, per the TTL/PRWL threshold
// rule: add to active at ttl==0 (or when the active view is empty),
// otherwise to passive once ttl reaches the PRWL threshold (or the active
// view is full), otherwise forward with ttl-1.
func (m *Membership) OnForwardJoin(from wire.PeerID, body wire.FwdJoinBody) {
	m.call(func() {
		if body.Joiner == m.self {
			return
		}
		if body.TTL == 0 || m.active.Len() == 0 {
			m.addActive(body.Joiner, nil)
			return
		}
		if body.TTL == m.cfg.PassiveRWL || m.active.Full() {
			m.addPassive(body.Joiner, nil)
			return
		}
		if body.TTL > 0 {
			next, ok := m.active.RandomOne(from, body.Joiner)
			if ok {
				_ = m.sender.SendMembership(next, wire.KindFwdJoin, wire.FwdJoinBody{
					Joiner: body.Joiner,
					TTL:    body.TTL - 1,
				})
			}
		}
	})
}

// OnShuffle handles an inbound SHUFFLE: forward it unchanged but for
// ttl-1 if not yet expired and the active view is not full; otherwise
// integrate the sender's exchange set into the passive view and reply
// with an equal-sized sample.
func (m *Membership) OnShuffle(from wire.PeerID, body wire.ShuffleBody) {
	m.call(func() {
		if body.TTL > 0 && !m.active.Full() {
			next, ok := m.active.RandomOne(from)
			if ok {
				body.TTL--
				_ = m.sender.SendMembership(next, wire.KindShuffle, body)
				return
			}
		}
		reply := m.passive.RandomExcept(len(body.Peers), body.Peers...)
		m.mergeShuffleSet(body.Peers, reply)
		_ = m.sender.SendMembership(body.Origin, wire.KindShuffleReply, wire.ShuffleReplyBody{Peers: reply})
	})
}

// OnShuffleReply integrates the replier's sample into the passive view.
func (m *Membership) OnShuffleReply(from wire.PeerID, body wire.ShuffleReplyBody) {
	m.call(func() {
		m.mergeShuffleSet(body.Peers, nil)
	})
}

// OnDisconnect handles an inbound DISCONNECT: remove from active, do not
// auto-readd, and attempt immediate promotion from passive.
func (m *Membership) OnDisconnect(from wire.PeerID, body wire.DisconnectBody) {
	m.call(func() {
		if m.active.Remove(from) {
			m.emit(PeerDeactivated, from)
		}
		m.maybePromote()
	})
}

// Disconnect sends DISCONNECT to peer and demotes it locally to passive
// (unless it is marked dead, in which case it is dropped entirely).
func (m *Membership) Disconnect(peer wire.PeerID, reason string) {
	m.call(func() {
		if m.active.Remove(peer) {
			m.emit(PeerDeactivated, peer)
			if _, dead := m.deadUntil[peer]; !dead {
				m.addPassive(peer, nil)
			}
		}
		_ = m.sender.SendMembership(peer, wire.KindDisconnect, wire.DisconnectBody{Reason: reason})
	})
}

// MarkDead is called by the failure detector (C3) when a peer transitions
// to Dead: the peer is evicted from active and passive entirely and
// barred from re-acquaintance for DeadCooloff.
func (m *Membership) MarkDead(peer wire.PeerID) {
	m.call(func() {
		removed := m.active.Remove(peer)
		m.passive.Remove(peer)
		m.deadUntil[peer] = time.Now().Add(m.cfg.DeadCooloff)
		if removed {
			m.emit(PeerDeactivated, peer)
		}
		m.maybePromote()
	})
}

// addActive inserts peer into the active view, evicting a random
// incumbent to passive if full, and emits PeerActivated.
func (m *Membership) addActive(peer wire.PeerID, hint []byte) {
	if peer == m.self || m.active.Contains(peer) {
		return
	}
	if until, dead := m.deadUntil[peer]; dead && time.Now().Before(until) {
		return
	}
	if m.active.Full() {
		if evicted, ok := m.active.RandomOne(); ok {
			m.active.Remove(evicted)
			m.emit(PeerDeactivated, evicted)
			m.addPassive(evicted, nil)
			_ = m.sender.SendMembership(evicted, wire.KindDisconnect, wire.DisconnectBody{Reason: "active view full"})
		}
	}
	m.passive.Remove(peer)
	if m.active.Add(peer, hint, time.Now().Unix()) {
		m.emit(PeerActivated, peer)
	}
}

func (m *Membership) addPassive(peer wire.PeerID, hint []byte) {
	if peer == m.self || m.active.Contains(peer) || m.passive.Contains(peer) {
		return
	}
	if until, dead := m.deadUntil[peer]; dead && time.Now().Before(until) {
		return
	}
	if m.passive.Full() {
		if evicted, ok := m.passive.RandomOne(); ok {
			m.passive.Remove(evicted)
		}
	}
	m.passive.Add(peer, hint, time.Now().Unix())
}

// mergeShuffleSet integrates incoming peer ids into the passive view,
// evicting kickFirst candidates (peers already exchanged this round)
// ahead of a random incumbent when room is needed.
func (m *Membership) mergeShuffleSet(incoming []wire.PeerID, kickFirst []wire.PeerID) {
	kick := make(map[wire.PeerID]bool, len(kickFirst))
	for _, p := range kickFirst {
		kick[p] = true
	}
	for _, peer := range incoming {
		if peer == m.self || m.active.Contains(peer) || m.passive.Contains(peer) {
			continue
		}
		if m.passive.Full() {
			evicted := false
			for candidate := range kick {
				if m.passive.Contains(candidate) {
					m.passive.Remove(candidate)
					delete(kick, candidate)
					evicted = true
					break
				}
			}
			if !evicted {
				if victim, ok := m.passive.RandomOne(); ok {
					m.passive.Remove(victim)
				}
			}
		}
		m.passive.Add(peer, nil, time.Now().Unix())
	}
}

// shuffleTick implements the periodic SHUFFLE exchange. Called directly
// from Run's own select loop, so it must not route through call (that
// would deadlock the inbox).
func (m *Membership) shuffleTick() {
	target, ok := m.active.RandomOne()
	if !ok {
		return
	}
	activeSample := m.active.RandomExcept(m.cfg.KA, target)
	passiveSample := m.passive.RandomExcept(m.cfg.KP)
	exchange := append(activeSample, passiveSample...)
	_ = m.sender.SendMembership(target, wire.KindShuffle, wire.ShuffleBody{
		Origin: m.self,
		Peers:  exchange,
		TTL:    m.cfg.ShuffleTTL,
	})
	metrics.ShuffleExchanges.Inc()
}

// maybePromote promotes a random passive peer into active when the
// active view dips below ActiveMin. It does not retry within the
// goroutine; a failed promotion attempt is simply retried on the next
// tick by design (PROMOTE_TIMEOUT doubling as the retry interval).
func (m *Membership) maybePromote() {
	if m.active.Len() >= m.cfg.ActiveMin {
		return
	}
	m.pruneTried()
	tried := make([]wire.PeerID, len(m.triedAt))
	for i, t := range m.triedAt {
		tried[i] = t.peer
	}
	candidate, ok := m.passive.RandomOne(tried...)
	if !ok {
		return
	}
	m.triedAt = append(m.triedAt, triedRecently{peer: candidate, at: time.Now()})
	m.addActive(candidate, nil)
	metrics.ActiveViewPromotions.Inc()
}

func (m *Membership) pruneTried() {
	cutoff := time.Now().Add(-60 * time.Second)
	kept := m.triedAt[:0]
	for _, t := range m.triedAt {
		if t.at.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.triedAt = kept
}
