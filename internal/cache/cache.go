// Package cache implements the bounded, per-topic message store: the
// authoritative source of truth for "do we already have this id" and
// for serving IWANT payload pulls. It layers an LRU capacity bound
// (github.com/hashicorp/golang-lru/v2) with a TTL sweep and a
// whyrusleeping/timecache-based global recently-seen set for a cheap
// pre-lock dedup check.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/whyrusleeping/timecache"

	"github.com/dirvine/saorsa-gossip/wire"
)

// DefaultCapacity is CACHE_CAP: the per-topic LRU bound.
const DefaultCapacity = 10000

// DefaultTTL is CACHE_TTL: entries older than this are swept.
const DefaultTTL = 5 * time.Minute

// Result reports whether an insert observed a new or already-known id.
type Result uint8

const (
	Fresh Result = iota
	Duplicate
)

// Entry is a cached message: its header, payload, signing material, and
// insertion time. Signature and SignerPubKey are retained so a later
// IWANT can be served without re-deriving them.
type Entry struct {
	Header       wire.Header
	Payload      []byte
	Epoch        int64
	Signature    []byte
	SignerPubKey []byte
	InsertedAt   time.Time
}

// Stats are cumulative counters surfaced to metrics.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type topicShard struct {
	mu        sync.Mutex
	lru       *lru.Cache[wire.MessageID, Entry]
	hits      uint64
	misses    uint64
	evictions uint64
}

// Cache is the C1 message cache: one bounded+TTL shard per topic, plus a
// global recently-seen set consulted ahead of the per-topic shard lock.
type Cache struct {
	capacity int
	ttl      time.Duration

	mu     sync.Mutex
	shards map[wire.TopicID]*topicShard

	seenMx sync.Mutex
	seen   *timecache.TimeCache
}

// New creates a Cache with the given per-topic capacity and TTL. A zero
// capacity or ttl falls back to the package defaults.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		shards:   make(map[wire.TopicID]*topicShard),
		seen:     timecache.NewTimeCache(ttl),
	}
}

func (c *Cache) shard(topic wire.TopicID) *topicShard {
	c.mu.Lock()
	defer c.mu.Unlock()
	sh, ok := c.shards[topic]
	if !ok {
		sh = &topicShard{}
		// OnEvict increments the shard's eviction counter; golang-lru/v2
		// calls it synchronously under the cache's own lock, so we must
		// not re-enter sh.mu here.
		l, _ := lru.NewWithEvict[wire.MessageID, Entry](c.capacity, func(wire.MessageID, Entry) {
			sh.evictions++
		})
		sh.lru = l
		c.shards[topic] = sh
	}
	return sh
}

// Insert adds an entry for msgID if absent, returning Duplicate without
// modifying the existing entry if msgID is already present. The
// per-topic shard is the sole authority on Fresh/Duplicate: the global
// recently-seen set (whose own TTL runs independently of the shard's
// LRU capacity eviction) is consulted only to skip the shard lookup
// when it is certain the id is novel. When the seen set reports a
// possible match, Insert still falls through to the shard's own Get so
// an id the shard has since evicted is correctly treated as Fresh
// rather than vetoed by a seen-set entry that has not yet expired.
func (c *Cache) Insert(topic wire.TopicID, msgID wire.MessageID, entry Entry) Result {
	key := msgID.String()
	c.seenMx.Lock()
	maybeSeen := c.seen.Has(key)
	if !maybeSeen {
		c.seen.Add(key)
	}
	c.seenMx.Unlock()

	sh := c.shard(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if maybeSeen {
		if _, ok := sh.lru.Get(msgID); ok {
			return Duplicate
		}
	}
	entry.InsertedAt = time.Now()
	sh.lru.Add(msgID, entry)
	return Fresh
}

// Contains reports whether msgID is present, refreshing its LRU recency.
func (c *Cache) Contains(topic wire.TopicID, msgID wire.MessageID) bool {
	sh := c.shard(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.lru.Get(msgID)
	if ok {
		sh.hits++
	} else {
		sh.misses++
	}
	return ok
}

// Get returns the cached entry for msgID, refreshing its LRU recency.
func (c *Cache) Get(topic wire.TopicID, msgID wire.MessageID) (Entry, bool) {
	sh := c.shard(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.lru.Get(msgID)
	if ok {
		sh.hits++
	} else {
		sh.misses++
	}
	return e, ok
}

// RecentIDs returns up to limit message ids for topic, taken from the
// most recently used end of the LRU order (an insert, Get or Contains
// each counts as a use) and ordered least to most recently used. Used by
// anti-entropy's opportunistic enumeration fallback.
func (c *Cache) RecentIDs(topic wire.TopicID, limit int) []wire.MessageID {
	sh := c.shard(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	keys := sh.lru.Keys()
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	return keys
}

// Sweep removes entries older than the cache's TTL for topic.
func (c *Cache) Sweep(topic wire.TopicID, now time.Time) {
	sh := c.shard(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, id := range sh.lru.Keys() {
		e, ok := sh.lru.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(e.InsertedAt) > c.ttl {
			sh.lru.Remove(id)
		}
	}
}

// Stats returns cumulative hit/miss/eviction counters for topic.
func (c *Cache) Stats(topic wire.TopicID) Stats {
	sh := c.shard(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return Stats{Hits: sh.hits, Misses: sh.misses, Evictions: sh.evictions}
}

// Topics returns the set of topics with at least one shard allocated.
func (c *Cache) Topics() []wire.TopicID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.TopicID, 0, len(c.shards))
	for t := range c.shards {
		out = append(out, t)
	}
	return out
}
