// Package control validates and reacts to inbound GRAFT/PRUNE/IHAVE/IWANT
// control items: peer exchange on prune, and the misbehaviour penalties
// each rejection path carries.
package control

import (
	"time"

	"github.com/meshrouter/gossipcore/pkg/backoff"
	"github.com/meshrouter/gossipcore/pkg/collab"
	"github.com/meshrouter/gossipcore/pkg/gossipparams"
	"github.com/meshrouter/gossipcore/pkg/mesh"
	"github.com/meshrouter/gossipcore/pkg/msgcache"
	"github.com/meshrouter/gossipcore/pkg/peer"
	"github.com/meshrouter/gossipcore/pkg/rpc"
	"github.com/meshrouter/gossipcore/pkg/score"
	"github.com/meshrouter/gossipcore/pkg/trackers"
)

// Handler dispatches inbound control items by discriminator: a tagged sum
// over {Graft, Prune, IHave, IWant} requires no dynamic dispatch hierarchy.
type Handler struct {
	params   *gossipparams.GossipParams
	score    score.Score
	mesh     *mesh.Manager
	backoff  *backoff.Table
	trackers *trackers.Trackers
	cache    *msgcache.Cache
	collab   *collab.Collaborators
}

// New creates a Handler wired to its collaborators.
func New(params *gossipparams.GossipParams, sc score.Score, m *mesh.Manager, bt *backoff.Table, tr *trackers.Trackers, c *msgcache.Cache, cl *collab.Collaborators) *Handler {
	return &Handler{params: params, score: sc, mesh: m, backoff: bt, trackers: tr, cache: c, collab: cl}
}

// Dispatch routes a single control item to its handler by kind.
func (h *Handler) Dispatch(from peer.ID, item rpc.ControlItem) {
	switch item.Kind() {
	case rpc.KindGraft:
		h.handleGraft(from, item.Graft)
	case rpc.KindPrune:
		h.handlePrune(from, item.Prune)
	case rpc.KindIHave:
		h.handleIHave(from, item.IHave)
	case rpc.KindIWant:
		h.handleIWant(from, item.IWant)
	}
}

// handleGraft applies GRAFT acceptance rules in strict priority order:
// earlier rules win.
func (h *Handler) handleGraft(from peer.ID, g *rpc.Graft) {
	topic := g.Topic

	// 1. Unknown topic: ignore silently.
	if !h.mesh.IsSubscribed(topic) {
		return
	}

	// 2. Direct peers are meshed by configuration only.
	if h.mesh.IsDirect(from) {
		h.mesh.EmitPrune(topic, from)
		return
	}

	// 3. Peer currently in backoff for topic.
	if h.backoff.IsBackoff(from, topic) {
		h.mesh.EmitPrune(topic, from)
		h.score.NotifyRouterMisbehavior(from, 1)
		if h.backoff.IsFlood(from, topic, h.params.PruneBackoff, h.params.GraftFloodThreshold) {
			h.score.NotifyRouterMisbehavior(from, 1)
		}
		return
	}

	// 4. Negative score.
	if h.score.Score(from) < 0 {
		h.mesh.EmitPrune(topic, from)
		return
	}

	// 5. Mesh full and peer is not outbound: reserve slack for outbound peers.
	outbound := h.isOutbound(from)
	if h.mesh.MeshSize(topic) >= h.params.DHigh && !outbound {
		h.mesh.EmitPrune(topic, from)
		return
	}

	// 6. Graft locally if not already meshed.
	if !h.mesh.InMesh(topic, from) {
		h.mesh.AddToMesh(topic, from)
	}
}

func (h *Handler) isOutbound(p peer.ID) bool {
	hd, ok := h.collab.Handlers.Handler(p)
	return ok && hd.IsOutbound()
}

func (h *Handler) protocolVersion(p peer.ID) peer.ProtocolVersion {
	hd, ok := h.collab.Handlers.Handler(p)
	if !ok {
		return peer.ProtocolV1_0
	}
	return hd.GossipProtocolVersion()
}

// handlePrune removes from the mesh, sets backoff, and honors peer exchange
// when the pruning peer is eligible.
func (h *Handler) handlePrune(from peer.ID, p *rpc.Prune) {
	topic := p.Topic
	h.mesh.RemoveFromMeshLocal(topic, from)

	if h.protocolVersion(from) == peer.ProtocolV1_1 {
		delay := h.params.PruneBackoff
		if p.Backoff != nil {
			delay = time.Duration(*p.Backoff) * time.Second
		}
		h.backoff.Set(from, topic, delay)

		if h.score.Score(from) >= h.score.Params().AcceptPXThreshold {
			h.processPX(p.Peers)
		}
		return
	}

	// v1.0 peer carrying v1.1-only fields: protocol violation.
	if p.Backoff != nil || len(p.Peers) > 0 {
		h.score.NotifyRouterMisbehavior(from, 1)
	}
}

// processPX handles peer exchange on prune: shuffle, cap at maxPrunePeers,
// discard already-connected peers, hand the rest to the injected connect
// callback. The signed record is never validated.
func (h *Handler) processPX(peers []rpc.PeerInfo) {
	if len(peers) == 0 {
		return
	}
	shuffled := make([]rpc.PeerInfo, len(peers))
	copy(shuffled, peers)
	collab.Shuffle(shuffled, h.collab.Rand)

	if len(shuffled) > h.params.MaxPrunePeers {
		shuffled = shuffled[:h.params.MaxPrunePeers]
	}

	for _, info := range shuffled {
		if _, connected := h.collab.Handlers.Handler(info.PeerID); connected {
			continue
		}
		if h.collab.ConnectCallback != nil {
			h.collab.ConnectCallback(info.PeerID, info.SignedPeerRecord)
		}
	}
}

// handleIHave converts an IHAVE announcement into an IWANT for a random
// subset of the announced ids not yet seen locally, capped by what remains
// of the peer's per-heartbeat ask budget. Ids already requested by an
// earlier IWANT are not filtered out.
func (h *Handler) handleIHave(from peer.ID, ih *rpc.IHave) {
	if h.score.Score(from) < h.score.Params().GossipThreshold {
		return
	}
	if h.trackers.IncrPeerIHave(from) > h.params.MaxIHaveMessages {
		return
	}
	asked := h.trackers.IAsked(from)
	if asked >= h.params.MaxIHaveLength {
		return
	}

	var wanted []rpc.MessageID
	for _, id := range ih.MessageIDs {
		if !h.collab.SeenMessages(id) {
			wanted = append(wanted, id)
		}
	}
	if len(wanted) == 0 {
		return
	}

	k := h.params.MaxIHaveLength - asked
	if k > len(wanted) {
		k = len(wanted)
	}
	chosen := collab.SampleK(wanted, k, h.collab.Rand)
	if len(chosen) == 0 {
		return
	}

	h.trackers.AddIAsked(from, len(chosen))
	h.collab.RPC.AddPendingRPC(from, rpc.ControlItem{IWant: &rpc.IWant{MessageIDs: chosen}})

	// One sampled id per IWANT emission is enough to detect a stalled peer.
	sampled := chosen[h.collab.Rand.Intn(len(chosen))]
	h.trackers.RecordIWant(from, sampled)
}

// handleIWant replays cached messages to a peer that asked for them,
// honoring the per-peer retransmission cap.
func (h *Handler) handleIWant(from peer.ID, iw *rpc.IWant) {
	if h.score.Score(from) < h.score.Params().GossipThreshold {
		return
	}
	for _, id := range iw.MessageIDs {
		msg, sent, ok := h.cache.GetForPeer(from, id)
		if !ok {
			continue
		}
		if sent < h.params.GossipRetransmission {
			h.collab.RPC.AddPendingPublish(from, msg)
		}
	}
}
