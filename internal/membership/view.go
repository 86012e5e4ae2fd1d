package membership

import (
	"math/rand"

	"github.com/dirvine/saorsa-gossip/wire"
)

// entry is a peer view entry: {peer_id, last_seen, optional address hint}.
type entry struct {
	peer    wire.PeerID
	hint    []byte
	addedAt int64
}

// view is a capacity-bounded set of peers with O(1) membership tests and
// unbiased random sampling, mirroring the asArr/asMap pairing used by the
// reference HyParView implementation: a slice for sampling, a map for
// membership and removal.
type view struct {
	capacity int
	order    []wire.PeerID
	byPeer   map[wire.PeerID]entry
}

func newView(capacity int) *view {
	return &view{
		capacity: capacity,
		byPeer:   make(map[wire.PeerID]entry),
	}
}

func (v *view) Len() int { return len(v.order) }

func (v *view) Full() bool { return len(v.order) >= v.capacity }

func (v *view) Contains(p wire.PeerID) bool {
	_, ok := v.byPeer[p]
	return ok
}

// Add inserts p if absent. Returns false if p was already present.
func (v *view) Add(p wire.PeerID, hint []byte, now int64) bool {
	if v.Contains(p) {
		return false
	}
	v.order = append(v.order, p)
	v.byPeer[p] = entry{peer: p, hint: hint, addedAt: now}
	return true
}

// Remove deletes p if present. Returns false if p was absent.
func (v *view) Remove(p wire.PeerID) bool {
	if !v.Contains(p) {
		return false
	}
	delete(v.byPeer, p)
	for i, q := range v.order {
		if q == p {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
	return true
}

// RandomExcept returns up to n distinct peers sampled uniformly without
// replacement, excluding any peer present in excl.
func (v *view) RandomExcept(n int, excl ...wire.PeerID) []wire.PeerID {
	if n <= 0 || len(v.order) == 0 {
		return nil
	}
	excluded := make(map[wire.PeerID]bool, len(excl))
	for _, e := range excl {
		excluded[e] = true
	}

	candidates := make([]wire.PeerID, 0, len(v.order))
	for _, p := range v.order {
		if !excluded[p] {
			candidates = append(candidates, p)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// RandomOne returns a single random peer excluding excl, or the zero
// value and false if the view (minus exclusions) is empty.
func (v *view) RandomOne(excl ...wire.PeerID) (wire.PeerID, bool) {
	picked := v.RandomExcept(1, excl...)
	if len(picked) == 0 {
		return wire.PeerID{}, false
	}
	return picked[0], true
}

// Snapshot returns a defensive copy of the current membership.
func (v *view) Snapshot() []wire.PeerID {
	out := make([]wire.PeerID, len(v.order))
	copy(out, v.order)
	return out
}
