// Package swim implements the SWIM failure detector (C3): direct and
// indirect probing with a Suspect/Dead timeout state machine, and
// piggybacked membership-delta dissemination.
//
// Grounded on hashicorp/memberlist's probe/probeNode/suspectNode/
// deadNode structure: round-robin probing with a per-cycle reshuffle,
// an ack-channel keyed by probe nonce, a time.AfterFunc suspicion timer
// guarded by a captured state-change timestamp so a stale timer cannot
// re-deaden a peer that already recovered. Unlike memberlist, there is
// no incarnation-refutation protocol here — that defends a node's own
// liveness claim against false suspicion, a concern the membership
// contract for this module does not require (see DESIGN.md).
package swim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dirvine/saorsa-gossip/metrics"
	"github.com/dirvine/saorsa-gossip/wire"
)

var log = logging.Logger("swim")

// State is a peer's liveness classification.
type State uint8

const (
	Alive State = iota
	Suspect
	Dead
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config holds the probe cycle tunables, with documented defaults.
type Config struct {
	ProbePeriod     time.Duration
	ProbeTimeout    time.Duration
	IndirectK       int
	IndirectTimeout time.Duration
	SuspectTimeout  time.Duration
}

// DefaultConfig returns the package's documented defaults.
func DefaultConfig() Config {
	return Config{
		ProbePeriod:     1 * time.Second,
		ProbeTimeout:    500 * time.Millisecond,
		IndirectK:       3,
		IndirectTimeout: 500 * time.Millisecond,
		SuspectTimeout:  3 * time.Second,
	}
}

// Prober abstracts sending PING/ACK/PING_REQ frames to a peer; the
// concrete implementation lives at the Node level, over transport.
type Prober interface {
	SendPing(ctx context.Context, peer wire.PeerID, nonce uint64, deltas []wire.MembershipDelta) error
	SendPingReq(ctx context.Context, relay wire.PeerID, target wire.PeerID, nonce uint64) error
}

// DeadEvent is emitted on the detector's event channel when a peer transitions
// to Dead; C2 consumes it to evict the peer from both views.
type DeadEvent struct {
	Peer wire.PeerID
}

type peerRecord struct {
	state            State
	logicalTimestamp uint64
	stateChange      time.Time
	cancelTimer      func()
}

// ackWaiter is signalled (or times out) when an ACK for a given nonce
// arrives, the same keyed-channel pattern memberlist uses.
type ackWaiter struct {
	nonce uint64
	ch    chan struct{}
}

// Detector runs the SWIM probe cycle over an externally-maintained set
// of monitored peers (normally C2's active view). Peer records are
// guarded by mu and ack waiters by ackMu, since each probe runs on its
// own goroutine started from Run and inbound ACK/PING handlers call in
// from the Node's readers.
type Detector struct {
	self   wire.PeerID
	cfg    Config
	prober Prober

	mu      sync.Mutex
	members map[wire.PeerID]*peerRecord
	order   []wire.PeerID
	cursor  int
	nextLT  uint64

	ackMu sync.Mutex
	acks  map[uint64]*ackWaiter

	deadCh  chan DeadEvent
	closeCh chan struct{}
	closed  chan struct{}
}

// New constructs a Detector for self. Call Run in its own goroutine.
func New(self wire.PeerID, cfg Config, prober Prober) *Detector {
	return &Detector{
		self:    self,
		cfg:     cfg,
		prober:  prober,
		members: make(map[wire.PeerID]*peerRecord),
		acks:    make(map[uint64]*ackWaiter),
		deadCh:  make(chan DeadEvent, 64),
		closeCh: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Events returns the channel of Dead transitions, consumed by C2.
func (d *Detector) Events() <-chan DeadEvent { return d.deadCh }

// Track begins monitoring peer. Safe to call repeatedly; a peer already
// tracked is left untouched.
func (d *Detector) Track(peer wire.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.members[peer]; ok {
		return
	}
	d.members[peer] = &peerRecord{state: Alive, stateChange: time.Now()}
	d.order = append(d.order, peer)
}

// Untrack stops monitoring peer (e.g. after a voluntary DISCONNECT).
func (d *Detector) Untrack(peer wire.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.members[peer]
	if !ok {
		return
	}
	if rec.cancelTimer != nil {
		rec.cancelTimer()
	}
	delete(d.members, peer)
	for i, p := range d.order {
		if p == peer {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Run is the probe-cycle event loop.
func (d *Detector) Run() {
	ticker := time.NewTicker(d.cfg.ProbePeriod)
	defer ticker.Stop()
	defer close(d.closed)

	for {
		select {
		case <-ticker.C:
			d.probeOnce()
		case <-d.closeCh:
			return
		}
	}
}

// Close stops the probe cycle.
func (d *Detector) Close() {
	close(d.closeCh)
	<-d.closed
}

// probeOnce picks the next peer in round-robin order (reshuffled each
// time the cursor wraps, as memberlist's resetNodes/shuffleNodes do) and
// runs one direct-then-indirect probe.
func (d *Detector) probeOnce() {
	target, ok := d.nextTarget()
	if !ok {
		return
	}
	go d.probe(target)
}

func (d *Detector) nextTarget() (wire.PeerID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.order) == 0 {
		return wire.PeerID{}, false
	}
	if d.cursor >= len(d.order) {
		rand.Shuffle(len(d.order), func(i, j int) { d.order[i], d.order[j] = d.order[j], d.order[i] })
		d.cursor = 0
	}
	target := d.order[d.cursor]
	d.cursor++
	return target, true
}

func (d *Detector) probe(target wire.PeerID) {
	metrics.ProbesSent.WithLabelValues("direct").Inc()
	nonce := newNonce()
	waiter := d.registerAck(nonce)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ProbeTimeout)
	defer cancel()
	_ = d.prober.SendPing(ctx, target, nonce, d.PendingDeltas())

	select {
	case <-waiter.ch:
		metrics.ProbeOutcomes.WithLabelValues("acked").Inc()
		d.markAlive(target)
		return
	case <-time.After(d.cfg.ProbeTimeout):
	}
	d.clearAck(nonce)

	if d.indirectProbe(target) {
		metrics.ProbeOutcomes.WithLabelValues("acked").Inc()
		d.markAlive(target)
		return
	}
	metrics.ProbeOutcomes.WithLabelValues("timed_out").Inc()
	d.markSuspect(target)
}

// indirectProbe relays a probe through IndirectK random other alive
// peers and waits for any of them to report success.
func (d *Detector) indirectProbe(target wire.PeerID) bool {
	relays := d.randomAliveExcept(d.cfg.IndirectK, target)
	if len(relays) == 0 {
		return false
	}
	metrics.ProbesSent.WithLabelValues("indirect").Inc()

	nonce := newNonce()
	waiter := d.registerAck(nonce)
	defer d.clearAck(nonce)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.IndirectTimeout)
	defer cancel()
	for _, relay := range relays {
		_ = d.prober.SendPingReq(ctx, relay, target, nonce)
	}

	select {
	case <-waiter.ch:
		return true
	case <-time.After(d.cfg.IndirectTimeout):
		return false
	}
}

func (d *Detector) randomAliveExcept(n int, excl wire.PeerID) []wire.PeerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := make([]wire.PeerID, 0, len(d.order))
	for _, p := range d.order {
		if p == excl {
			continue
		}
		if rec, ok := d.members[p]; ok && rec.state != Dead {
			candidates = append(candidates, p)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// OnAck resolves any waiter for nonce; called from the Node's inbound
// dispatch when an ACK frame arrives, and also treats the ack itself as
// liveness evidence.
func (d *Detector) OnAck(from wire.PeerID, nonce uint64, deltas []wire.MembershipDelta) {
	d.ackMu.Lock()
	w, ok := d.acks[nonce]
	d.ackMu.Unlock()
	if ok {
		close(w.ch)
		d.clearAck(nonce)
	}
	d.markAlive(from)
	d.applyDeltas(deltas)
}

// OnEvidenceOfLife transitions a Suspect peer back to Alive on receipt
// of any valid authenticated inbound message, per the Suspect->Alive
// recovery rule.
func (d *Detector) OnEvidenceOfLife(peer wire.PeerID) {
	d.markAlive(peer)
}

// OnPing handles an inbound PING: the sender is evidence of its own
// life, and any piggybacked deltas are merged before the caller replies
// with an ACK (reply construction is the Node's job, since it owns the
// transport send path).
func (d *Detector) OnPing(from wire.PeerID, deltas []wire.MembershipDelta) {
	d.markAlive(from)
	d.applyDeltas(deltas)
}

func (d *Detector) registerAck(nonce uint64) *ackWaiter {
	w := &ackWaiter{nonce: nonce, ch: make(chan struct{})}
	d.ackMu.Lock()
	d.acks[nonce] = w
	d.ackMu.Unlock()
	return w
}

func (d *Detector) clearAck(nonce uint64) {
	d.ackMu.Lock()
	delete(d.acks, nonce)
	d.ackMu.Unlock()
}

func (d *Detector) markAlive(peer wire.PeerID) {
	d.mu.Lock()
	rec, ok := d.members[peer]
	if !ok {
		d.mu.Unlock()
		return
	}
	wasSuspect := rec.state == Suspect
	changed := rec.state != Alive
	if rec.cancelTimer != nil && (wasSuspect || rec.state == Dead) {
		rec.cancelTimer()
		rec.cancelTimer = nil
	}
	rec.state = Alive
	rec.stateChange = time.Now()
	d.nextLT++
	d.mu.Unlock()
	if changed {
		metrics.StateTransitions.WithLabelValues("alive").Inc()
	}
	if wasSuspect {
		log.Debugf("swim: peer %s recovered to alive", peer)
	}
}

func (d *Detector) markSuspect(peer wire.PeerID) {
	d.mu.Lock()
	rec, ok := d.members[peer]
	if !ok || rec.state != Alive {
		d.mu.Unlock()
		return
	}
	rec.state = Suspect
	changedAt := time.Now()
	rec.stateChange = changedAt
	d.nextLT++
	d.mu.Unlock()
	metrics.StateTransitions.WithLabelValues("suspect").Inc()

	log.Debugf("swim: peer %s suspected", peer)
	timer := time.AfterFunc(d.cfg.SuspectTimeout, func() {
		d.suspectTimeout(peer, changedAt)
	})
	d.mu.Lock()
	if rec, ok := d.members[peer]; ok {
		rec.cancelTimer = func() { timer.Stop() }
	}
	d.mu.Unlock()
}

// suspectTimeout fires SuspectTimeout after a peer entered Suspect. The
// captured changedAt guards against a stale timer deadening a peer that
// recovered and regressed again in the interim.
func (d *Detector) suspectTimeout(peer wire.PeerID, changedAt time.Time) {
	d.mu.Lock()
	rec, ok := d.members[peer]
	if !ok || rec.state != Suspect || !rec.stateChange.Equal(changedAt) {
		d.mu.Unlock()
		return
	}
	rec.state = Dead
	d.nextLT++
	d.mu.Unlock()
	metrics.StateTransitions.WithLabelValues("dead").Inc()

	log.Warnf("swim: peer %s declared dead", peer)
	select {
	case d.deadCh <- DeadEvent{Peer: peer}:
	default:
		log.Warnf("swim: dead-event channel full, dropping event for %s", peer)
	}
}

// applyDeltas merges piggybacked membership deltas idempotently by
// (peer, logical_timestamp), latest-timestamp-wins.
func (d *Detector) applyDeltas(deltas []wire.MembershipDelta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, delta := range deltas {
		rec, ok := d.members[delta.Peer]
		if !ok {
			continue
		}
		if delta.LogicalTimestamp <= rec.logicalTimestamp {
			continue
		}
		rec.logicalTimestamp = delta.LogicalTimestamp
		rec.state = State(delta.State)
		rec.stateChange = time.Now()
	}
}

// PendingDeltas returns the current state of every tracked peer as a
// piggyback-ready delta slice, for attachment to outbound PING/ACK.
func (d *Detector) PendingDeltas() []wire.MembershipDelta {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]wire.MembershipDelta, 0, len(d.members))
	for peer, rec := range d.members {
		out = append(out, wire.MembershipDelta{
			Peer:             peer,
			State:            uint8(rec.state),
			LogicalTimestamp: rec.logicalTimestamp,
		})
	}
	return out
}

// State returns the current liveness classification of peer.
func (d *Detector) State(peer wire.PeerID) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.members[peer]
	if !ok {
		return Alive, false
	}
	return rec.state, true
}

func newNonce() uint64 {
	id := uuid.New()
	var n uint64
	for _, b := range id[:8] {
		n = n<<8 | uint64(b)
	}
	return n
}
