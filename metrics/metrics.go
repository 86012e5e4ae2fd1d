// Package metrics exposes the Prometheus counters and gauges every
// membership, failure-detection, dissemination, cache, and
// anti-entropy component reports against, so every observable state
// change has a series attached at the point it happens rather than
// through a central observer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gossip"

// ─── Membership (C2) ────────────────────────────────────────────────────────

var ActiveViewSize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "membership",
	Name:      "active_view_size",
	Help:      "Current number of peers in the active view.",
})

var PassiveViewSize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "membership",
	Name:      "passive_view_size",
	Help:      "Current number of peers in the passive view.",
})

var ShuffleExchanges = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "membership",
	Name:      "shuffle_exchanges_total",
	Help:      "Total SHUFFLE exchanges initiated.",
})

var ActiveViewPromotions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "membership",
	Name:      "promotions_total",
	Help:      "Total passive-to-active view promotions.",
})

// ─── Failure detection (C3) ─────────────────────────────────────────────────

var ProbesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "swim",
	Name:      "probes_total",
	Help:      "Total probes sent, by kind (direct, indirect).",
}, []string{"kind"})

var ProbeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "swim",
	Name:      "probe_outcomes_total",
	Help:      "Total probe outcomes, by result (acked, timed_out).",
}, []string{"result"})

var StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "swim",
	Name:      "state_transitions_total",
	Help:      "Total peer liveness state transitions, by target state.",
}, []string{"state"})

// ─── Dissemination (C4) ─────────────────────────────────────────────────────

var EagerMeshSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "plumtree",
	Name:      "eager_peers",
	Help:      "Current number of eager peers, by topic.",
}, []string{"topic"})

var LazyMeshSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "plumtree",
	Name:      "lazy_peers",
	Help:      "Current number of lazy peers, by topic.",
}, []string{"topic"})

var MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "plumtree",
	Name:      "messages_published_total",
	Help:      "Total messages published, by topic.",
}, []string{"topic"})

var MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "plumtree",
	Name:      "messages_delivered_total",
	Help:      "Total distinct messages delivered to subscribers, by topic.",
}, []string{"topic"})

var GraftEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "plumtree",
	Name:      "graft_total",
	Help:      "Total GRAFT promotions (lazy to eager), by topic.",
}, []string{"topic"})

var PruneEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "plumtree",
	Name:      "prune_total",
	Help:      "Total PRUNE demotions (eager to lazy), by topic.",
}, []string{"topic"})

// ─── Message cache (C1) ─────────────────────────────────────────────────────
//
// These are gauges, not counters: cache.Stats already returns cumulative
// totals since the shard was created, so reporting is a Set of the
// latest snapshot rather than an Add of a delta.

var CacheHits = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "cache",
	Name:      "hits_total",
	Help:      "Cumulative cache lookups that found an entry, by topic.",
}, []string{"topic"})

var CacheMisses = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "cache",
	Name:      "misses_total",
	Help:      "Cumulative cache lookups that found nothing, by topic.",
}, []string{"topic"})

var CacheEvictions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "cache",
	Name:      "evictions_total",
	Help:      "Cumulative LRU evictions, by topic.",
}, []string{"topic"})

// ─── Anti-entropy (C5) ───────────────────────────────────────────────────────

var AntiEntropyRounds = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "antientropy",
	Name:      "rounds_total",
	Help:      "Total anti-entropy reconciliation rounds initiated.",
})

var AntiEntropyIDsRequested = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "antientropy",
	Name:      "ids_requested_total",
	Help:      "Total message ids requested via IWANT during reconciliation, by topic.",
}, []string{"topic"})

var AntiEntropyIDsServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "antientropy",
	Name:      "ids_served_total",
	Help:      "Total message ids offered via IHAVE during reconciliation, by topic.",
}, []string{"topic"})

// ReportCacheStats records a point-in-time cache.Stats snapshot against
// the per-topic hit/miss/eviction series.
func ReportCacheStats(topic string, hits, misses, evictions uint64) {
	CacheHits.WithLabelValues(topic).Set(float64(hits))
	CacheMisses.WithLabelValues(topic).Set(float64(misses))
	CacheEvictions.WithLabelValues(topic).Set(float64(evictions))
}
