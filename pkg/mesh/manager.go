// Package mesh owns per-topic mesh and fanout overlays, subscribe and
// unsubscribe, and GRAFT/PRUNE emission (including v1.1 backoff and
// peer-exchange on prune).
package mesh

import (
	"time"

	"github.com/meshrouter/gossipcore/pkg/backoff"
	"github.com/meshrouter/gossipcore/pkg/collab"
	"github.com/meshrouter/gossipcore/pkg/gossipparams"
	"github.com/meshrouter/gossipcore/pkg/peer"
	"github.com/meshrouter/gossipcore/pkg/rpc"
	"github.com/meshrouter/gossipcore/pkg/score"
)

// Manager owns the mesh and fanout state for every topic and the
// operations that mutate them.
type Manager struct {
	params *gossipparams.GossipParams
	score  score.Score
	backoff *backoff.Table
	collab *collab.Collaborators

	mesh          map[string]*orderedSet
	fanout        map[string]*orderedSet
	lastPublished map[string]time.Time
}

// New creates an empty Manager.
func New(params *gossipparams.GossipParams, sc score.Score, bt *backoff.Table, c *collab.Collaborators) *Manager {
	return &Manager{
		params:        params,
		score:         sc,
		backoff:       bt,
		collab:        c,
		mesh:          make(map[string]*orderedSet),
		fanout:        make(map[string]*orderedSet),
		lastPublished: make(map[string]time.Time),
	}
}

// IsDirect reports whether p is a configuration-pinned direct peer.
func (m *Manager) IsDirect(p peer.ID) bool {
	return m.score.Params().IsDirect(p)
}

// IsSubscribed reports whether the local node is subscribed to topic.
func (m *Manager) IsSubscribed(topic string) bool {
	_, ok := m.mesh[topic]
	return ok
}

// Topics returns every topic currently in the mesh.
func (m *Manager) Topics() []string {
	out := make([]string, 0, len(m.mesh))
	for t := range m.mesh {
		out = append(out, t)
	}
	return out
}

// FanoutTopics returns every topic currently in fanout.
func (m *Manager) FanoutTopics() []string {
	out := make([]string, 0, len(m.fanout))
	for t := range m.fanout {
		out = append(out, t)
	}
	return out
}

// MeshPeers returns the mesh peers for topic in insertion order, or nil
// if the topic is not subscribed.
func (m *Manager) MeshPeers(topic string) []peer.ID {
	set, ok := m.mesh[topic]
	if !ok {
		return nil
	}
	return set.Peers()
}

// MeshSize returns |mesh[topic]|.
func (m *Manager) MeshSize(topic string) int {
	set, ok := m.mesh[topic]
	if !ok {
		return 0
	}
	return set.Len()
}

// InMesh reports whether p is currently a mesh peer for topic.
func (m *Manager) InMesh(topic string, p peer.ID) bool {
	set, ok := m.mesh[topic]
	return ok && set.Contains(p)
}

// FanoutPeers returns the fanout peers for topic in insertion order.
func (m *Manager) FanoutPeers(topic string) []peer.ID {
	set, ok := m.fanout[topic]
	if !ok {
		return nil
	}
	return set.Peers()
}

// LastPublished returns the last local-publish time for topic, if any.
func (m *Manager) LastPublished(topic string) (time.Time, bool) {
	t, ok := m.lastPublished[topic]
	return t, ok
}

// SetLastPublished records a local publish to topic, driving fanout expiry.
func (m *Manager) SetLastPublished(topic string, at time.Time) {
	m.lastPublished[topic] = at
}

// EnsureFanout returns the fanout set for topic, creating it if absent.
func (m *Manager) EnsureFanout(topic string) []peer.ID {
	set, ok := m.fanout[topic]
	if !ok {
		set = newOrderedSet()
		m.fanout[topic] = set
	}
	return set.Peers()
}

// InstallFanout replaces fanout[topic] with peers, the "select D random
// peers and install them as the new fanout" step of a local publish with
// no existing mesh or fanout for the topic.
func (m *Manager) InstallFanout(topic string, peers []peer.ID) {
	set := newOrderedSet()
	for _, p := range peers {
		set.Add(p)
	}
	m.fanout[topic] = set
}

// AddFanoutPeers appends peers not already present in fanout[topic].
func (m *Manager) AddFanoutPeers(topic string, peers []peer.ID) {
	set, ok := m.fanout[topic]
	if !ok {
		set = newOrderedSet()
		m.fanout[topic] = set
	}
	for _, p := range peers {
		set.Add(p)
	}
}

// RemoveFanoutPeer drops p from fanout[topic] without any wire emission —
// fanout prunes peers that fell out of topic membership or below
// publishThreshold; no PRUNE is owed to them.
func (m *Manager) RemoveFanoutPeer(topic string, p peer.ID) {
	if set, ok := m.fanout[topic]; ok {
		set.Remove(p)
	}
}

// DropFanout removes fanout[topic] and the matching lastPublished entry.
func (m *Manager) DropFanout(topic string) {
	delete(m.fanout, topic)
	delete(m.lastPublished, topic)
}

// SweepFanoutTTL drops every fanout topic whose lastPublished is older
// than ttl.
func (m *Manager) SweepFanoutTTL(ttl time.Duration) {
	now := m.collab.Now()
	for topic, last := range m.lastPublished {
		if now.Sub(last) > ttl {
			m.DropFanout(topic)
		}
	}
}

// AddToMesh grafts p into mesh[topic] locally, notifies the scorer, and
// enqueues an outbound GRAFT. A no-op if topic is unknown or p is
// already meshed.
func (m *Manager) AddToMesh(topic string, p peer.ID) {
	set, ok := m.mesh[topic]
	if !ok {
		return
	}
	if set.Add(p) {
		m.score.NotifyMeshed(p, topic)
		m.collab.RPC.AddPendingRPC(p, rpc.ControlItem{Graft: &rpc.Graft{Topic: topic}})
	}
}

// RemoveFromMeshLocal removes p from mesh[topic] and notifies the scorer
// if it was present, without sending any wire message. Used when the
// removal was triggered by an inbound PRUNE from p itself.
func (m *Manager) RemoveFromMeshLocal(topic string, p peer.ID) {
	set, ok := m.mesh[topic]
	if !ok {
		return
	}
	if set.Remove(p) {
		m.score.NotifyPruned(p, topic)
	}
}

// EmitPrune removes p from mesh[topic] if present (notifying the scorer),
// sets a local backoff against re-grafting p into topic, and enqueues an
// outbound PRUNE — with a v1.1 backoff + peer-exchange payload when p
// negotiated v1.1, or bare topicID otherwise. Safe to call for a peer that
// was never meshed: it is the
// shared path for heartbeat shrink, unsubscribe, and GRAFT-rejection.
func (m *Manager) EmitPrune(topic string, p peer.ID) {
	m.RemoveFromMeshLocal(topic, p)
	m.backoff.Set(p, topic, m.params.PruneBackoff)
	m.collab.RPC.AddPendingRPC(p, m.buildPruneItem(topic, p))
}

func (m *Manager) buildPruneItem(topic string, p peer.ID) rpc.ControlItem {
	item := rpc.Prune{Topic: topic}
	if h, ok := m.collab.Handlers.Handler(p); ok && h.GossipProtocolVersion() == peer.ProtocolV1_1 {
		secs := uint64(m.params.PruneBackoff / time.Second)
		item.Backoff = &secs
		item.Peers = m.pxCandidates(topic, p)
	}
	return rpc.ControlItem{Prune: &item}
}

// pxCandidates selects the peer-exchange list handed out on an outbound
// v1.1 PRUNE: up to maxPrunePeers other topic peers, excluding the
// target, with non-negative score.
func (m *Manager) pxCandidates(topic string, exclude peer.ID) []rpc.PeerInfo {
	others := m.collab.PeersInTopic(topic)
	cands := make([]peer.ID, 0, len(others))
	for _, q := range others {
		if q == exclude {
			continue
		}
		if m.score.Score(q) < 0 {
			continue
		}
		cands = append(cands, q)
	}
	cands = collab.SampleK(cands, m.params.MaxPrunePeers, m.collab.Rand)
	if len(cands) == 0 {
		return nil
	}
	infos := make([]rpc.PeerInfo, len(cands))
	for i, q := range cands {
		infos[i] = rpc.PeerInfo{PeerID: q}
	}
	return infos
}

// Subscribe joins the mesh for topic.
func (m *Manager) Subscribe(topic string) error {
	if m.IsSubscribed(topic) {
		return nil
	}
	m.mesh[topic] = newOrderedSet()

	fanoutPeers := m.FanoutPeers(topic)
	fanoutCandidates := m.filterEligible(fanoutPeers)

	otherPeers := m.collab.PeersInTopic(topic)
	already := make(map[peer.ID]bool, len(fanoutCandidates))
	for _, p := range fanoutCandidates {
		already[p] = true
	}
	var others []peer.ID
	for _, p := range otherPeers {
		if already[p] {
			continue
		}
		others = append(others, p)
	}
	otherCandidates := m.filterEligible(others)

	need := m.params.D - m.MeshSize(topic)
	if need > 0 {
		picked := collab.SampleK(fanoutCandidates, need, m.collab.Rand)
		for _, p := range picked {
			m.AddToMesh(topic, p)
		}
		need -= len(picked)
	}
	if need > 0 {
		picked := collab.SampleK(otherCandidates, need, m.collab.Rand)
		for _, p := range picked {
			m.AddToMesh(topic, p)
		}
	}

	m.DropFanout(topic)
	return nil
}

// filterEligible keeps peers with non-negative score that are not direct
// (direct peers are meshed by configuration only, never by selection).
func (m *Manager) filterEligible(peers []peer.ID) []peer.ID {
	out := make([]peer.ID, 0, len(peers))
	for _, p := range peers {
		if m.IsDirect(p) {
			continue
		}
		if m.score.Score(p) < 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Unsubscribe prunes every current mesh peer for topic and forgets it.
func (m *Manager) Unsubscribe(topic string) {
	set, ok := m.mesh[topic]
	if !ok {
		return
	}
	for _, p := range set.Peers() {
		m.EmitPrune(topic, p)
	}
	delete(m.mesh, topic)
}

// Disconnected removes p from every mesh and fanout set, with no wire
// emission — the peer is already gone.
func (m *Manager) Disconnected(p peer.ID) {
	for _, set := range m.mesh {
		set.Remove(p)
	}
	for _, set := range m.fanout {
		set.Remove(p)
	}
}
