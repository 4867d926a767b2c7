package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/config"
)

func TestProviderQueueInsertAppendsZeroPriority(t *testing.T) {
	q := newProviderQueue("text", config.ProviderQuota{RPMCap: 10, ConcurrentCap: 1}, time.Now())
	q.insert("a", 0, func(string) int { return 0 })
	q.insert("b", 0, func(string) int { return 0 })
	require.Equal(t, []string{"a", "b"}, q.ids)
}

func TestProviderQueueInsertByPriority(t *testing.T) {
	q := newProviderQueue("text", config.ProviderQuota{RPMCap: 10, ConcurrentCap: 1}, time.Now())
	priorities := map[string]int{"low": 1, "high": 5, "mid": 3}
	priorityOf := func(id string) int { return priorities[id] }

	q.insert("low", 1, priorityOf)
	q.insert("high", 5, priorityOf)
	q.insert("mid", 3, priorityOf)

	require.Equal(t, []string{"high", "mid", "low"}, q.ids)
}

func TestProviderQueueInsertStableWithinSamePriority(t *testing.T) {
	q := newProviderQueue("text", config.ProviderQuota{RPMCap: 10, ConcurrentCap: 1}, time.Now())
	priorityOf := func(string) int { return 2 }
	q.insert("first", 2, priorityOf)
	q.insert("second", 2, priorityOf)
	require.Equal(t, []string{"first", "second"}, q.ids)
}

func TestProviderQueueInsertFrontSkipsToHead(t *testing.T) {
	q := newProviderQueue("text", config.ProviderQuota{RPMCap: 10, ConcurrentCap: 1}, time.Now())
	q.insert("a", 0, func(string) int { return 0 })
	q.insertFront("retry")
	require.Equal(t, []string{"retry", "a"}, q.ids)
}

func TestRateBucketResetsOnMinuteBoundary(t *testing.T) {
	start := time.Now()
	b := newRateBucket(config.ProviderQuota{RPMCap: 1, ConcurrentCap: 5}, start)
	b.recordDispatch()
	require.False(t, b.hasCapacity(start.Add(30*time.Second)))

	b.resetIfWindowElapsed(start.Add(61 * time.Second))
	require.True(t, b.hasCapacity(start.Add(61*time.Second)))
}

func TestRateBucketEnforcesConcurrentCap(t *testing.T) {
	now := time.Now()
	b := newRateBucket(config.ProviderQuota{RPMCap: 100, ConcurrentCap: 1}, now)
	b.recordDispatch()
	require.False(t, b.hasCapacity(now))
	b.releaseSlot()
	require.True(t, b.hasCapacity(now))
}

func TestRateBucketHonorsDelayUntil(t *testing.T) {
	now := time.Now()
	b := newRateBucket(config.ProviderQuota{RPMCap: 100, ConcurrentCap: 5}, now)
	b.delayUntil = now.Add(5 * time.Second)
	require.False(t, b.hasCapacity(now))
	require.True(t, b.hasCapacity(now.Add(6*time.Second)))
}
