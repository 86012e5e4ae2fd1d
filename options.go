package gossip

import (
	"time"

	"github.com/dirvine/saorsa-gossip/internal/antientropy"
	"github.com/dirvine/saorsa-gossip/internal/cache"
	"github.com/dirvine/saorsa-gossip/internal/membership"
	"github.com/dirvine/saorsa-gossip/internal/plumtree"
	"github.com/dirvine/saorsa-gossip/internal/swim"
)

// CacheConfig holds C1's tunables; see internal/cache for defaults.
type CacheConfig struct {
	Capacity int
	TTL      time.Duration
}

// Config bundles every component's tunables behind a single struct,
// constructed by New and mutated by Options.
type Config struct {
	Cache       CacheConfig
	Membership  membership.Config
	SWIM        swim.Config
	Plumtree    plumtree.Config
	AntiEntropy antientropy.Config
}

// DefaultConfig returns every component's documented defaults.
func DefaultConfig() Config {
	return Config{
		Cache:       CacheConfig{Capacity: cache.DefaultCapacity, TTL: cache.DefaultTTL},
		Membership:  membership.DefaultConfig(),
		SWIM:        swim.DefaultConfig(),
		Plumtree:    plumtree.DefaultConfig(),
		AntiEntropy: antientropy.DefaultConfig(),
	}
}

// Option is a functional constructor option.
type Option func(*Config) error

// WithCacheCapacity overrides CACHE_CAP (per-topic LRU bound).
func WithCacheCapacity(n int) Option {
	return func(c *Config) error {
		c.Cache.Capacity = n
		return nil
	}
}

// WithCacheTTL overrides CACHE_TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		c.Cache.TTL = ttl
		return nil
	}
}

// WithActiveViewBounds overrides ACTIVE_MIN/ACTIVE_MAX.
func WithActiveViewBounds(min, max int) Option {
	return func(c *Config) error {
		c.Membership.ActiveMin = min
		c.Membership.ActiveMax = max
		return nil
	}
}

// WithPassiveViewMax overrides PASSIVE_MAX.
func WithPassiveViewMax(max int) Option {
	return func(c *Config) error {
		c.Membership.PassiveMax = max
		return nil
	}
}

// WithShufflePeriod overrides SHUFFLE_PERIOD.
func WithShufflePeriod(d time.Duration) Option {
	return func(c *Config) error {
		c.Membership.ShufflePeriod = d
		return nil
	}
}

// WithProbeSchedule overrides SWIM's PROBE_PERIOD/PROBE_TIMEOUT.
func WithProbeSchedule(period, timeout time.Duration) Option {
	return func(c *Config) error {
		c.SWIM.ProbePeriod = period
		c.SWIM.ProbeTimeout = timeout
		return nil
	}
}

// WithSuspectTimeout overrides SUSPECT_TIMEOUT.
func WithSuspectTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.SWIM.SuspectTimeout = d
		return nil
	}
}

// WithEagerBounds overrides EAGER_MIN/EAGER_MAX/EAGER_TARGET.
func WithEagerBounds(min, max, target int) Option {
	return func(c *Config) error {
		c.Plumtree.EagerMin = min
		c.Plumtree.EagerMax = max
		c.Plumtree.EagerTarget = target
		return nil
	}
}

// WithMaxPayload overrides MAX_PAYLOAD.
func WithMaxPayload(n int) Option {
	return func(c *Config) error {
		c.Plumtree.MaxPayload = n
		return nil
	}
}

// WithIHaveFlushInterval overrides IHAVE_FLUSH.
func WithIHaveFlushInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.Plumtree.IHaveFlush = d
		return nil
	}
}

// WithAntiEntropyPeriod overrides AE_PERIOD.
func WithAntiEntropyPeriod(d time.Duration) Option {
	return func(c *Config) error {
		c.AntiEntropy.Period = d
		return nil
	}
}
