package router

import (
	"time"

	"github.com/flowmesh/conductor/internal/config"
)

// rateBucket is the per-provider rate-limit bucket described in spec §3:
// a requests-per-minute cap counted over a fixed 60-second window that
// starts at windowStart (not aligned to clock minutes), plus a
// concurrent-request cap. It is a bespoke window-counter rather than a
// token bucket because spec §4.2 step 1 specifies exact reset-on-boundary
// semantics a generic limiter would not reproduce (see DESIGN.md).
type rateBucket struct {
	rpmCap             int
	tokensPerMinuteCap int
	windowStart        time.Time
	currentMinuteCount int
	concurrentCap      int
	currentConcurrent  int
	// delayUntil honors a provider's Retry-After hint (spec §4.5/§5): the
	// dispatcher dispatches nothing from this bucket before this time.
	delayUntil time.Time
}

func newRateBucket(q config.ProviderQuota, now time.Time) *rateBucket {
	return &rateBucket{
		rpmCap:             q.RPMCap,
		tokensPerMinuteCap: q.TokensPerMinute,
		concurrentCap:      q.ConcurrentCap,
		windowStart:        now,
	}
}

// resetIfWindowElapsed implements spec §4.2 dispatch algorithm step 1: once
// 60s have elapsed since windowStart, reset the minute counter and slide the
// window to now.
func (b *rateBucket) resetIfWindowElapsed(now time.Time) {
	if now.Sub(b.windowStart) >= time.Minute {
		b.currentMinuteCount = 0
		b.windowStart = now
	}
}

func (b *rateBucket) hasCapacity(now time.Time) bool {
	if now.Before(b.delayUntil) {
		return false
	}
	if b.rpmCap > 0 && b.currentMinuteCount >= b.rpmCap {
		return false
	}
	return b.currentConcurrent < b.concurrentCap
}

func (b *rateBucket) recordDispatch() {
	b.currentMinuteCount++
	b.currentConcurrent++
}

func (b *rateBucket) releaseSlot() {
	if b.currentConcurrent > 0 {
		b.currentConcurrent--
	}
}

// providerQueue is one (provider, optional model) queue: an ordered
// sequence of waiting request ids, the set of in-flight ids, and the rate
// bucket governing dispatch.
type providerQueue struct {
	key      string
	ids      []string
	inFlight map[string]struct{}
	bucket   *rateBucket
}

func newProviderQueue(key string, q config.ProviderQuota, now time.Time) *providerQueue {
	return &providerQueue{key: key, inFlight: make(map[string]struct{}), bucket: newRateBucket(q, now)}
}

// insert places id into the queue according to priority: it scans from the
// head and inserts before the first element whose priority is lower,
// stable with respect to same-priority elements (spec §4.2 "Priority
// insertion"). Priority 0 appends at the tail.
func (q *providerQueue) insert(id string, priority int, priorityOf func(string) int) {
	if priority <= 0 {
		q.ids = append(q.ids, id)
		return
	}
	idx := len(q.ids)
	for i, existing := range q.ids {
		if priorityOf(existing) < priority {
			idx = i
			break
		}
	}
	q.ids = append(q.ids, "")
	copy(q.ids[idx+1:], q.ids[idx:])
	q.ids[idx] = id
}

// insertFront pushes id to the head of the queue, used by retry (spec §4.2
// complete: "pushes id to the FRONT of the provider queue — retries skip
// the back").
func (q *providerQueue) insertFront(id string) {
	q.ids = append([]string{id}, q.ids...)
}

// remove deletes id from the waiting queue if present, reporting whether it
// was found.
func (q *providerQueue) remove(id string) bool {
	for i, existing := range q.ids {
		if existing == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

// position returns the 1-based position of id in the waiting queue, or 0
// if absent.
func (q *providerQueue) position(id string) int {
	for i, existing := range q.ids {
		if existing == id {
			return i + 1
		}
	}
	return 0
}
