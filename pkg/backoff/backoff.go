// Package backoff implements a bounded LRU mapping (peer, topic) -> expiry
// time, recording how long a peer must wait before it may be re-grafted
// into a topic's mesh after being pruned. LRU eviction is acceptable
// because an expired entry is semantically equivalent to absence.
package backoff

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meshrouter/gossipcore/pkg/peer"
)

// Capacity is the hard LRU bound on outstanding (peer, topic) backoffs.
const Capacity = 10240

type key struct {
	peer  peer.ID
	topic string
}

// Clock abstracts wall-clock time so tests can control it deterministically.
type Clock func() time.Time

// Table is the BackoffTable. Clock defaults to time.Now if nil is passed
// to New.
type Table struct {
	cache *lru.Cache[key, time.Time]
	now   Clock
}

// New creates a Table bounded at Capacity entries.
func New(now Clock) *Table {
	if now == nil {
		now = time.Now
	}
	c, err := lru.New[key, time.Time](Capacity)
	if err != nil {
		// Capacity is a positive compile-time constant; New only fails on
		// size <= 0.
		panic(err)
	}
	return &Table{cache: c, now: now}
}

// Set records an expiry of now()+delay for (p, topic). Set applies delay
// as given: callers choose the delay (the default pruneBackoff or a
// PRUNE's own backoff field), and a zero delay leaves no active backoff.
func (t *Table) Set(p peer.ID, topic string, delay time.Duration) {
	t.cache.Add(key{p, topic}, t.now().Add(delay))
}

// IsBackoff reports whether (p, topic) currently has an unexpired backoff.
func (t *Table) IsBackoff(p peer.ID, topic string) bool {
	expiry, ok := t.cache.Peek(key{p, topic})
	if !ok {
		return false
	}
	return t.now().Before(expiry)
}

// IsFlood reports whether the peer attempted to regraft within
// graftFloodThreshold of the original PRUNE, well before the backoff
// window would naturally expire: now < expiry - pruneBackoff +
// graftFloodThreshold, i.e. now < pruneTime + graftFloodThreshold.
// pruneBackoff is needed here because the stored expiry already has it
// baked in; subtracting it back out recovers the original grant time
// without storing it separately.
func (t *Table) IsFlood(p peer.ID, topic string, pruneBackoff, graftFloodThreshold time.Duration) bool {
	expiry, ok := t.cache.Peek(key{p, topic})
	if !ok {
		return false
	}
	floodCutoff := expiry.Add(graftFloodThreshold - pruneBackoff)
	return t.now().Before(floodCutoff)
}
