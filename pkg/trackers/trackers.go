// Package trackers implements the three bounded LRU request-tracking
// tables: per-heartbeat IHAVE counts per peer, per-heartbeat "ask" counts
// per peer, and outstanding IWANT requests awaiting fulfilment.
package trackers

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meshrouter/gossipcore/pkg/peer"
	"github.com/meshrouter/gossipcore/pkg/rpc"
)

const (
	// MaxIAskedEntries bounds iAsked and peerIHave.
	MaxIAskedEntries = 256
	// MaxIWantRequests bounds iWantRequests.
	MaxIWantRequests = 10240
)

// Clock abstracts wall-clock time for deterministic tests.
type Clock func() time.Time

type iwantKey struct {
	peer peer.ID
	id   rpc.MessageID
}

// Trackers owns all three tables and the heartbeat-scoped counters.
type Trackers struct {
	iAsked        *lru.Cache[peer.ID, int]
	peerIHave     *lru.Cache[peer.ID, int]
	iWantRequests *lru.Cache[iwantKey, time.Time]
	now           Clock
}

// New creates the three bounded tables.
func New(now Clock) *Trackers {
	if now == nil {
		now = time.Now
	}
	iAsked, err := lru.New[peer.ID, int](MaxIAskedEntries)
	if err != nil {
		panic(err)
	}
	peerIHave, err := lru.New[peer.ID, int](MaxIAskedEntries)
	if err != nil {
		panic(err)
	}
	iWant, err := lru.New[iwantKey, time.Time](MaxIWantRequests)
	if err != nil {
		panic(err)
	}
	return &Trackers{iAsked: iAsked, peerIHave: peerIHave, iWantRequests: iWant, now: now}
}

// IAsked returns the number of messages asked of p during the current
// heartbeat window.
func (t *Trackers) IAsked(p peer.ID) int {
	v, _ := t.iAsked.Get(p)
	return v
}

// AddIAsked increments p's asked counter by n.
func (t *Trackers) AddIAsked(p peer.ID, n int) {
	t.iAsked.Add(p, t.IAsked(p)+n)
}

// PeerIHave returns the number of IHAVE messages received from p during
// the current heartbeat window.
func (t *Trackers) PeerIHave(p peer.ID) int {
	v, _ := t.peerIHave.Get(p)
	return v
}

// IncrPeerIHave increments p's IHAVE counter and returns the new value.
func (t *Trackers) IncrPeerIHave(p peer.ID) int {
	v := t.PeerIHave(p) + 1
	t.peerIHave.Add(p, v)
	return v
}

// ResetHeartbeatCounters clears iAsked and peerIHave at the start of each
// heartbeat.
func (t *Trackers) ResetHeartbeatCounters() {
	t.iAsked.Purge()
	t.peerIHave.Purge()
}

// RecordIWant records that p was asked for id: exactly one id from an
// IWANT batch is tracked, chosen uniformly at random.
func (t *Trackers) RecordIWant(p peer.ID, id rpc.MessageID) {
	t.iWantRequests.Add(iwantKey{p, id}, t.now())
}

// ClearIWant removes an outstanding IWANT entry once the message is
// delivered.
func (t *Trackers) ClearIWant(p peer.ID, id rpc.MessageID) {
	t.iWantRequests.Remove(iwantKey{p, id})
}

// SweepStaleIWants removes every iWantRequests entry older than
// followupTime and returns the peers that must receive one misbehaviour
// penalty each.
func (t *Trackers) SweepStaleIWants(followupTime time.Duration) []peer.ID {
	var stale []peer.ID
	now := t.now()
	for _, k := range t.iWantRequests.Keys() {
		requestedAt, ok := t.iWantRequests.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(requestedAt) > followupTime {
			t.iWantRequests.Remove(k)
			stale = append(stale, k.peer)
		}
	}
	return stale
}
