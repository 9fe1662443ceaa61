package mesh

import "github.com/meshrouter/gossipcore/pkg/peer"

// orderedSet is an insertion-order-stable set of peers: iteration order is
// stable for reproducible gossip targeting, and membership tests are O(1).
type orderedSet struct {
	order []peer.ID
	index map[peer.ID]int
}

func newOrderedSet() *orderedSet {
	return &orderedSet{index: make(map[peer.ID]int)}
}

func (s *orderedSet) Add(p peer.ID) bool {
	if _, ok := s.index[p]; ok {
		return false
	}
	s.index[p] = len(s.order)
	s.order = append(s.order, p)
	return true
}

func (s *orderedSet) Remove(p peer.ID) bool {
	i, ok := s.index[p]
	if !ok {
		return false
	}
	delete(s.index, p)
	s.order = append(s.order[:i], s.order[i+1:]...)
	for j := i; j < len(s.order); j++ {
		s.index[s.order[j]] = j
	}
	return true
}

func (s *orderedSet) Contains(p peer.ID) bool {
	_, ok := s.index[p]
	return ok
}

func (s *orderedSet) Len() int {
	return len(s.order)
}

// Peers returns a copy of the set in insertion order.
func (s *orderedSet) Peers() []peer.ID {
	out := make([]peer.ID, len(s.order))
	copy(out, s.order)
	return out
}
