package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dirvine/saorsa-gossip/wire"
)

func mkTopic(b byte) wire.TopicID {
	var t wire.TopicID
	t[0] = b
	return t
}

func mkID(b byte) wire.MessageID {
	var id wire.MessageID
	id[0] = b
	return id
}

func TestInsertFreshThenDuplicate(t *testing.T) {
	c := New(0, 0)
	topic := mkTopic(1)
	id := mkID(1)

	require.Equal(t, Fresh, c.Insert(topic, id, Entry{Payload: []byte("hi")}))
	require.Equal(t, Duplicate, c.Insert(topic, id, Entry{Payload: []byte("hi")}))
}

func TestContainsUpdatesStats(t *testing.T) {
	c := New(0, 0)
	topic := mkTopic(1)
	id := mkID(1)

	require.False(t, c.Contains(topic, id))
	c.Insert(topic, id, Entry{})
	require.True(t, c.Contains(topic, id))

	stats := c.Stats(topic)
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

// TestCacheEvictionPreservesCorrectness checks that, with a capacity of
// 4, inserting five ids evicts the oldest by LRU order and a later
// lookup for the evicted id is a clean miss, not an error.
func TestCacheEvictionPreservesCorrectness(t *testing.T) {
	c := New(4, time.Hour)
	topic := mkTopic(1)

	ids := make([]wire.MessageID, 5)
	for i := range ids {
		ids[i] = mkID(byte(i + 1))
		c.Insert(topic, ids[i], Entry{})
	}

	require.False(t, c.Contains(topic, ids[0]), "m1 should have been evicted")
	for _, id := range ids[1:] {
		require.True(t, c.Contains(topic, id))
	}
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	c := New(0, 10*time.Millisecond)
	topic := mkTopic(1)
	old := mkID(1)

	c.Insert(topic, old, Entry{})
	time.Sleep(20 * time.Millisecond)

	fresh := mkID(2)
	c.Insert(topic, fresh, Entry{})

	c.Sweep(topic, time.Now())

	require.False(t, c.Contains(topic, old))
	require.True(t, c.Contains(topic, fresh))
}

func TestRecentIDsCapsToLimit(t *testing.T) {
	c := New(0, 0)
	topic := mkTopic(1)
	for i := 0; i < 10; i++ {
		c.Insert(topic, mkID(byte(i)), Entry{})
	}
	require.Len(t, c.RecentIDs(topic, 3), 3)
	require.Len(t, c.RecentIDs(topic, 0), 10)
}
