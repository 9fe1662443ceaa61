package main

import (
	"context"
	"sync"

	"github.com/meshrouter/gossipcore/pkg/idhash"
	"github.com/meshrouter/gossipcore/pkg/peer"
	"github.com/meshrouter/gossipcore/pkg/router"
	"github.com/meshrouter/gossipcore/pkg/rpc"
)

// fakeHandler is the peer.Handler the demo's in-process transport exposes
// for every connection.
type fakeHandler struct {
	outbound bool
	version  peer.ProtocolVersion
}

func (h fakeHandler) IsOutbound() bool                          { return h.outbound }
func (h fakeHandler) GossipProtocolVersion() peer.ProtocolVersion { return h.version }

// simNet stands in for a transport: subscription bookkeeping and node
// lookup, both outside the routing engine's scope, live here.
type simNet struct {
	mu     sync.Mutex
	nodes  map[peer.ID]*simNode
	topics map[string]map[peer.ID]bool
}

func newSimNet() *simNet {
	return &simNet{
		nodes:  make(map[peer.ID]*simNode),
		topics: make(map[string]map[peer.ID]bool),
	}
}

func (n *simNet) register(nd *simNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[nd.id] = nd
}

func (n *simNet) nodeFor(id peer.ID) (*simNode, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd, ok := n.nodes[id]
	return nd, ok
}

func (n *simNet) joinTopic(topic string, id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.topics[topic]
	if !ok {
		set = make(map[peer.ID]bool)
		n.topics[topic] = set
	}
	set[id] = true
}

func (n *simNet) peersInTopic(topic string) []peer.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.topics[topic]
	out := make([]peer.ID, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// simNode is one mesh participant: an Engine plus the in-process mailbox
// and connection-direction bookkeeping a real transport would own.
type simNode struct {
	id     peer.ID
	net    *simNet
	engine *router.Engine

	mu            sync.Mutex
	outboundPeers map[peer.ID]bool
	pending       map[peer.ID]*rpc.RPC
	seen          map[rpc.MessageID]bool
}

func newSimNode(id peer.ID, net *simNet) *simNode {
	return &simNode{
		id:            id,
		net:           net,
		outboundPeers: make(map[peer.ID]bool),
		pending:       make(map[peer.ID]*rpc.RPC),
		seen:          make(map[rpc.MessageID]bool),
	}
}

// Handler implements collab.Handlers.
func (nd *simNode) Handler(p peer.ID) (peer.Handler, bool) {
	nd.mu.Lock()
	outbound, ok := nd.outboundPeers[p]
	nd.mu.Unlock()
	if !ok {
		return nil, false
	}
	return fakeHandler{outbound: outbound, version: peer.ProtocolV1_1}, true
}

// AddPendingRPC implements collab.RPCSink.
func (nd *simNode) AddPendingRPC(p peer.ID, item rpc.ControlItem) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.queue(p).Control = append(nd.queue(p).Control, item)
}

// AddPendingPublish implements collab.RPCSink.
func (nd *simNode) AddPendingPublish(p peer.ID, msg *rpc.Message) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.queue(p).Publish = append(nd.queue(p).Publish, msg)
}

// queue must be called with nd.mu held.
func (nd *simNode) queue(p peer.ID) *rpc.RPC {
	r, ok := nd.pending[p]
	if !ok {
		r = &rpc.RPC{}
		nd.pending[p] = r
	}
	return r
}

// Discard implements collab.RPCSink.
func (nd *simNode) Discard(p peer.ID) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	delete(nd.pending, p)
}

// FlushAll implements collab.RPCSink: deliver every queued RPC directly to
// its target node's inbound path.
func (nd *simNode) FlushAll(ctx context.Context) {
	nd.mu.Lock()
	batch := nd.pending
	nd.pending = make(map[peer.ID]*rpc.RPC)
	nd.mu.Unlock()

	for target, queued := range batch {
		if queued.Empty() {
			continue
		}
		if peerNode, ok := nd.net.nodeFor(target); ok {
			peerNode.receive(nd.id, queued)
		}
	}
}

// receive applies the outer-router responsibility of deduplicating
// already-seen messages before handing the RPC to the engine; the engine
// itself never filters by SeenMessages on the inbound publish path.
func (nd *simNode) receive(from peer.ID, in *rpc.RPC) {
	var fresh []*rpc.Message
	for _, msg := range in.Publish {
		if nd.markSeenIfNew(idhash.Default(msg)) {
			fresh = append(fresh, msg)
		}
	}
	nd.engine.OnInboundRPC(from, &rpc.RPC{Publish: fresh, Control: in.Control})
}

func (nd *simNode) isSeen(id rpc.MessageID) bool {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return nd.seen[id]
}

func (nd *simNode) markSeen(id rpc.MessageID) {
	nd.mu.Lock()
	nd.seen[id] = true
	nd.mu.Unlock()
}

func (nd *simNode) markSeenIfNew(id rpc.MessageID) bool {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if nd.seen[id] {
		return false
	}
	nd.seen[id] = true
	return true
}
