// Package msgcache implements the bounded sliding-window message store: a
// ring of gossipHistoryLength slots used both for retransmission to IWANT
// askers and, restricted to the newest gossipSize slots, as the pool IHAVE
// announcements are drawn from.
package msgcache

import (
	"github.com/meshrouter/gossipcore/pkg/peer"
	"github.com/meshrouter/gossipcore/pkg/rpc"
)

type entry struct {
	msg  *rpc.Message
	sent map[peer.ID]int
}

// Cache is the bounded sliding-window message store. It is not safe for
// concurrent use from multiple goroutines; callers dispatch onto the
// routing engine's single-threaded executor.
type Cache struct {
	gossipSize int
	// slots[0] is the newest slot, slots[len-1] the oldest.
	slots []map[rpc.MessageID]*entry
}

// New creates a Cache with historyLength ring slots, of which the newest
// gossipSize contribute to IHAVE announcement pools.
func New(gossipSize, historyLength int) *Cache {
	if historyLength < 1 {
		historyLength = 1
	}
	if gossipSize > historyLength {
		gossipSize = historyLength
	}
	slots := make([]map[rpc.MessageID]*entry, historyLength)
	for i := range slots {
		slots[i] = make(map[rpc.MessageID]*entry)
	}
	return &Cache{gossipSize: gossipSize, slots: slots}
}

// Put stores msg in the newest slot. Idempotent on id collision within
// the same slot — a message already present anywhere in the cache is not
// duplicated or moved.
func (c *Cache) Put(id rpc.MessageID, msg *rpc.Message) {
	if _, _, ok := c.lookup(id); ok {
		return
	}
	c.slots[0][id] = &entry{msg: msg, sent: make(map[peer.ID]int)}
}

// lookup finds id in any retained slot and returns its slot index.
func (c *Cache) lookup(id rpc.MessageID) (*entry, int, bool) {
	for i, slot := range c.slots {
		if e, ok := slot[id]; ok {
			return e, i, true
		}
	}
	return nil, -1, false
}

// GetForPeer returns the message and the count of prior retransmissions
// of id to p, then increments that counter. Returns ok=false if id is not
// in any retained slot.
func (c *Cache) GetForPeer(p peer.ID, id rpc.MessageID) (msg *rpc.Message, sentCount int, ok bool) {
	e, _, found := c.lookup(id)
	if !found {
		return nil, 0, false
	}
	sentCount = e.sent[p]
	e.sent[p] = sentCount + 1
	return e.msg, sentCount, true
}

// IDsForTopic returns, freshest-first, the union of message ids published
// to topic across the newest gossipSize slots (the IHAVE announcement
// window — not the full retransmission window).
func (c *Cache) IDsForTopic(topic string) []rpc.MessageID {
	window := c.gossipSize
	if window > len(c.slots) {
		window = len(c.slots)
	}
	var ids []rpc.MessageID
	for i := 0; i < window; i++ {
		for id, e := range c.slots[i] {
			for _, t := range e.msg.Topics {
				if t == topic {
					ids = append(ids, id)
					break
				}
			}
		}
	}
	return ids
}

// Shift advances the ring: a new empty slot becomes the newest, and the
// oldest slot (and every id retained only there) is discarded.
func (c *Cache) Shift() {
	n := len(c.slots)
	newSlots := make([]map[rpc.MessageID]*entry, n)
	newSlots[0] = make(map[rpc.MessageID]*entry)
	copy(newSlots[1:], c.slots[:n-1])
	c.slots = newSlots
}
