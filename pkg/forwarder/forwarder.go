// Package forwarder selects recipients for locally published and relayed
// messages.
package forwarder

import (
	"github.com/meshrouter/gossipcore/pkg/collab"
	"github.com/meshrouter/gossipcore/pkg/gossipparams"
	"github.com/meshrouter/gossipcore/pkg/mesh"
	"github.com/meshrouter/gossipcore/pkg/msgcache"
	"github.com/meshrouter/gossipcore/pkg/peer"
	"github.com/meshrouter/gossipcore/pkg/rpc"
	"github.com/meshrouter/gossipcore/pkg/score"
	"github.com/meshrouter/gossipcore/pkg/trackers"
)

// Forwarder is the Publisher/Forwarder component.
type Forwarder struct {
	params   *gossipparams.GossipParams
	score    score.Score
	mesh     *mesh.Manager
	cache    *msgcache.Cache
	trackers *trackers.Trackers
	collab   *collab.Collaborators
}

// New creates a Forwarder wired to its collaborators.
func New(params *gossipparams.GossipParams, sc score.Score, m *mesh.Manager, c *msgcache.Cache, tr *trackers.Trackers, cl *collab.Collaborators) *Forwarder {
	return &Forwarder{params: params, score: sc, mesh: m, cache: c, trackers: tr, collab: cl}
}

type peerSet struct {
	seen  map[peer.ID]bool
	order []peer.ID
}

func newPeerSet() *peerSet {
	return &peerSet{seen: make(map[peer.ID]bool)}
}

func (s *peerSet) add(p peer.ID) {
	if s.seen[p] {
		return
	}
	s.seen[p] = true
	s.order = append(s.order, p)
}

// directPeersInTopic returns the direct peers currently subscribed to
// topic, discovered the way any other peer's topic interest is discovered:
// subscription bookkeeping belongs to an outer router and is exposed here
// only through PeersInTopic.
func (f *Forwarder) directPeersInTopic(topic string) []peer.ID {
	var out []peer.ID
	for _, p := range f.collab.PeersInTopic(topic) {
		if f.mesh.IsDirect(p) {
			out = append(out, p)
		}
	}
	return out
}

// BroadcastInbound relays msgs received from from to every mesh and
// direct peer of their topics, excluding the sender.
func (f *Forwarder) BroadcastInbound(msgs []*rpc.Message, from peer.ID) {
	for _, msg := range msgs {
		recipients := newPeerSet()
		for _, t := range msg.Topics {
			for _, p := range f.mesh.MeshPeers(t) {
				if p != from {
					recipients.add(p)
				}
			}
			for _, p := range f.directPeersInTopic(t) {
				if p != from {
					recipients.add(p)
				}
			}
		}
		for _, p := range recipients.order {
			f.collab.RPC.AddPendingPublish(p, msg)
		}
		id := f.collab.GetMessageID(msg)
		f.cache.Put(id, msg)
		// This message satisfies any outstanding IWANT this node asked
		// from; clear it on first-seen delivery so the peer isn't later
		// penalized for a request it actually fulfilled.
		if f.trackers != nil {
			f.trackers.ClearIWant(from, id)
		}
	}
}

// BroadcastOutbound selects recipients for a locally published message and
// inserts it into the message cache.
func (f *Forwarder) BroadcastOutbound(msg *rpc.Message) {
	now := f.collab.Now()
	for _, t := range msg.Topics {
		f.mesh.SetLastPublished(t, now)
	}

	if f.params.FloodPublish {
		f.floodPublish(msg)
	} else {
		f.meshOrFanoutPublish(msg)
	}

	f.cache.Put(f.collab.GetMessageID(msg), msg)
}

func (f *Forwarder) floodPublish(msg *rpc.Message) {
	recipients := newPeerSet()
	for _, t := range msg.Topics {
		for _, p := range f.collab.PeersInTopic(t) {
			if f.score.Score(p) >= f.score.Params().PublishThreshold {
				recipients.add(p)
			}
		}
		for _, p := range f.directPeersInTopic(t) {
			recipients.add(p)
		}
	}
	for _, p := range recipients.order {
		f.collab.RPC.AddPendingPublish(p, msg)
	}
}

func (f *Forwarder) meshOrFanoutPublish(msg *rpc.Message) {
	for _, t := range msg.Topics {
		var recipients []peer.ID
		switch {
		case f.mesh.MeshSize(t) > 0:
			recipients = f.mesh.MeshPeers(t)
		case len(f.mesh.FanoutPeers(t)) > 0:
			recipients = f.mesh.FanoutPeers(t)
		default:
			candidates := f.eligiblePublishCandidates(t)
			picked := collab.SampleK(candidates, f.params.D, f.collab.Rand)
			f.mesh.InstallFanout(t, picked)
			recipients = picked
		}
		set := newPeerSet()
		for _, p := range recipients {
			set.add(p)
		}
		for _, p := range f.directPeersInTopic(t) {
			set.add(p)
		}
		for _, p := range set.order {
			f.collab.RPC.AddPendingPublish(p, msg)
		}
	}
}

// eligiblePublishCandidates filters candidates for new fanout selection:
// non-direct peers (direct peers reach mesh via configuration, not fanout
// selection) with score at or above publishThreshold.
func (f *Forwarder) eligiblePublishCandidates(topic string) []peer.ID {
	all := f.collab.PeersInTopic(topic)
	out := make([]peer.ID, 0, len(all))
	for _, p := range all {
		if f.mesh.IsDirect(p) {
			continue
		}
		if f.score.Score(p) < f.score.Params().PublishThreshold {
			continue
		}
		out = append(out, p)
	}
	return out
}
