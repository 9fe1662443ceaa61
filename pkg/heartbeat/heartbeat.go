// Package heartbeat implements the periodic maintenance loop: mesh degree
// enforcement, backoff consistency, cache rotation, and gossip emission.
// The loop follows the same ticker-plus-ctx.Done() shape used elsewhere
// in this codebase for background maintenance goroutines.
package heartbeat

import (
	"context"
	"log/slog"
	"sort"
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

// Heartbeat drives all time-based invariants of the routing engine.
type Heartbeat struct {
	params   *gossipparams.GossipParams
	score    score.Score
	mesh     *mesh.Manager
	backoff  *backoff.Table
	trackers *trackers.Trackers
	cache    *msgcache.Cache
	collab   *collab.Collaborators
	logger   *slog.Logger

	heartbeatsCount uint64
	cancel          context.CancelFunc
	done            chan struct{}
}

// New creates a Heartbeat. A nil logger defaults to slog.Default().
func New(params *gossipparams.GossipParams, sc score.Score, m *mesh.Manager, bt *backoff.Table, tr *trackers.Trackers, c *msgcache.Cache, cl *collab.Collaborators, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{params: params, score: sc, mesh: m, backoff: bt, trackers: tr, cache: c, collab: cl, logger: logger}
}

// Start begins the periodic loop. It is callable again only after a
// matching Stop; a second Start before Stop is a no-op that returns false.
func (h *Heartbeat) Start(ctx context.Context) bool {
	if h.cancel != nil {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(runCtx)
	return true
}

// Stop cancels the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.params.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.safeTick(ctx)
		}
	}
}

// safeTick runs one heartbeat tick, catching and logging any panic so a
// transient failure never permanently halts the loop.
func (h *Heartbeat) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("heartbeat tick recovered from panic", "panic", r)
		}
	}()
	h.Tick(ctx)
}

// Tick runs one full maintenance pass in order: counter reset, stale-IWANT
// sweep, per-topic mesh maintenance, per-topic fanout maintenance, fanout
// TTL expiry, cache rotation, and an outbound flush. Exported so a caller
// can drive heartbeats deterministically in tests instead of waiting on
// the ticker.
func (h *Heartbeat) Tick(ctx context.Context) {
	h.heartbeatsCount++
	h.trackers.ResetHeartbeatCounters()

	for _, p := range h.trackers.SweepStaleIWants(h.params.IWantFollowupTime) {
		h.score.NotifyRouterMisbehavior(p, 1)
	}

	for _, topic := range h.mesh.Topics() {
		h.maintainMeshTopic(topic)
	}

	for _, topic := range h.mesh.FanoutTopics() {
		h.maintainFanoutTopic(topic)
	}

	h.mesh.SweepFanoutTTL(h.params.FanoutTTL)

	h.cache.Shift()

	h.collab.RPC.FlushAll(ctx)
}

func (h *Heartbeat) isOutbound(p peer.ID) bool {
	hd, ok := h.collab.Handlers.Handler(p)
	return ok && hd.IsOutbound()
}

// maintainMeshTopic prunes negative-score peers, resizes the mesh toward
// its target degree, tops up outbound slots, opportunistically grafts, and
// emits gossip — all for one topic.
func (h *Heartbeat) maintainMeshTopic(topic string) {
	for _, p := range h.mesh.MeshPeers(topic) {
		if h.mesh.IsDirect(p) {
			continue
		}
		if h.score.Score(p) < 0 {
			h.mesh.EmitPrune(topic, p)
		}
	}

	size := h.mesh.MeshSize(topic)
	switch {
	case size < h.params.DLow:
		h.graftToFillMesh(topic, h.params.D-size)
	case size > h.params.DHigh:
		h.rebalanceMesh(topic)
	}

	h.outboundTopUp(topic)

	if h.params.OpportunisticGraftTicks > 0 && h.heartbeatsCount%uint64(h.params.OpportunisticGraftTicks) == 0 {
		h.opportunisticGraft(topic)
	}

	h.emitGossip(topic, h.mesh.MeshPeers(topic))
}

func (h *Heartbeat) graftCandidates(topic string) []peer.ID {
	meshSet := peerSet(h.mesh.MeshPeers(topic))
	var out []peer.ID
	for _, p := range h.collab.PeersInTopic(topic) {
		if meshSet[p] || h.mesh.IsDirect(p) || h.score.Score(p) < 0 || h.backoff.IsBackoff(p, topic) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (h *Heartbeat) graftToFillMesh(topic string, need int) {
	if need <= 0 {
		return
	}
	picked := collab.SampleK(h.graftCandidates(topic), need, h.collab.Rand)
	for _, p := range picked {
		h.mesh.AddToMesh(topic, p)
	}
}

// rebalanceMesh shrinks an over-full mesh back toward D. Direct peers are
// never evaluated for pruning — they are excluded from the shrink
// candidate pool and always retained.
func (h *Heartbeat) rebalanceMesh(topic string) {
	members := h.mesh.MeshPeers(topic)
	var direct, prunable []peer.ID
	for _, p := range members {
		if h.mesh.IsDirect(p) {
			direct = append(direct, p)
		} else {
			prunable = append(prunable, p)
		}
	}

	sort.Slice(prunable, func(i, j int) bool {
		return h.score.Score(prunable[i]) > h.score.Score(prunable[j])
	})

	dScore := h.params.DScore
	if dScore > len(prunable) {
		dScore = len(prunable)
	}
	keepPool := append([]peer.ID{}, prunable[:dScore]...)
	rest := append([]peer.ID{}, prunable[dScore:]...)
	collab.Shuffle(rest, h.collab.Rand)

	target := h.params.D - len(direct)
	if target < 0 {
		target = 0
	}

	prospective := append(append([]peer.ID{}, keepPool...), rest...)
	if len(prospective) > target {
		prospective = prospective[:target]
	}
	outboundCount := 0
	for _, p := range prospective {
		if h.isOutbound(p) {
			outboundCount++
		}
	}
	deficit := h.params.DOut - outboundCount
	if deficit < 0 {
		deficit = 0
	}

	keepSet := peerSet(keepPool)
	var outPicks []peer.ID
	for _, p := range rest {
		if len(outPicks) >= deficit {
			break
		}
		if keepSet[p] {
			continue
		}
		if h.isOutbound(p) {
			outPicks = append(outPicks, p)
		}
	}

	final := append(append(append([]peer.ID{}, outPicks...), keepPool...), rest...)
	seen := make(map[peer.ID]bool, len(final))
	dedup := final[:0:0]
	for _, p := range final {
		if seen[p] {
			continue
		}
		seen[p] = true
		dedup = append(dedup, p)
	}
	if len(dedup) > target {
		dedup = dedup[:target]
	}

	retain := peerSet(dedup)
	for _, p := range prunable {
		if !retain[p] {
			h.mesh.EmitPrune(topic, p)
		}
	}
}

// outboundTopUp grafts additional outbound peers if the mesh is short of
// its outbound quota.
func (h *Heartbeat) outboundTopUp(topic string) {
	outboundCount := 0
	meshSet := peerSet(h.mesh.MeshPeers(topic))
	for p := range meshSet {
		if h.isOutbound(p) {
			outboundCount++
		}
	}
	deficit := h.params.DOut - outboundCount
	if deficit <= 0 {
		return
	}
	var candidates []peer.ID
	for _, p := range h.collab.PeersInTopic(topic) {
		if meshSet[p] || h.mesh.IsDirect(p) || h.backoff.IsBackoff(p, topic) || h.score.Score(p) < 0 {
			continue
		}
		if !h.isOutbound(p) {
			continue
		}
		candidates = append(candidates, p)
	}
	picked := collab.SampleK(candidates, deficit, h.collab.Rand)
	for _, p := range picked {
		h.mesh.AddToMesh(topic, p)
	}
}

// opportunisticGraft grafts a few above-median peers when the mesh's
// median score has drifted below the opportunistic-graft threshold.
func (h *Heartbeat) opportunisticGraft(topic string) {
	members := h.mesh.MeshPeers(topic)
	if len(members) <= 1 {
		return
	}
	scores := make([]float64, len(members))
	for i, p := range members {
		scores[i] = h.score.Score(p)
	}
	sort.Float64s(scores)
	median := medianOf(scores)
	if median >= h.score.Params().OpportunisticGraftThreshold {
		return
	}

	meshSet := peerSet(members)
	var candidates []peer.ID
	for _, p := range h.collab.PeersInTopic(topic) {
		if meshSet[p] || h.mesh.IsDirect(p) || h.backoff.IsBackoff(p, topic) {
			continue
		}
		if h.score.Score(p) > median {
			candidates = append(candidates, p)
		}
	}
	picked := collab.SampleK(candidates, h.params.OpportunisticGraftPeers, h.collab.Rand)
	for _, p := range picked {
		h.mesh.AddToMesh(topic, p)
	}
}

func medianOf(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// maintainFanoutTopic drops stale or disqualified fanout peers, tops the
// set back up toward D, and emits gossip — all for one topic.
func (h *Heartbeat) maintainFanoutTopic(topic string) {
	inTopic := peerSet(h.collab.PeersInTopic(topic))
	for _, p := range h.mesh.FanoutPeers(topic) {
		if !inTopic[p] || h.score.Score(p) < h.score.Params().PublishThreshold {
			h.mesh.RemoveFanoutPeer(topic, p)
		}
	}

	need := h.params.D - len(h.mesh.FanoutPeers(topic))
	if need > 0 {
		fanoutSet := peerSet(h.mesh.FanoutPeers(topic))
		var candidates []peer.ID
		for _, p := range h.collab.PeersInTopic(topic) {
			if fanoutSet[p] || h.mesh.IsDirect(p) {
				continue
			}
			if h.score.Score(p) < h.score.Params().PublishThreshold {
				continue
			}
			candidates = append(candidates, p)
		}
		picked := collab.SampleK(candidates, need, h.collab.Rand)
		h.mesh.AddFanoutPeers(topic, picked)
	}

	h.emitGossip(topic, h.mesh.FanoutPeers(topic))
}

// emitGossip lazily announces recently cached message ids for one topic to
// a random subset of its non-mesh (or non-fanout) peers.
func (h *Heartbeat) emitGossip(topic string, exclude []peer.ID) {
	ids := h.cache.IDsForTopic(topic)
	if len(ids) == 0 {
		return
	}
	collab.Shuffle(ids, h.collab.Rand)
	if len(ids) > h.params.MaxIHaveLength {
		ids = ids[:h.params.MaxIHaveLength]
	}

	excludeSet := peerSet(exclude)
	var candidates []peer.ID
	for _, p := range h.collab.PeersInTopic(topic) {
		if excludeSet[p] || h.mesh.IsDirect(p) {
			continue
		}
		if h.score.Score(p) < h.score.Params().GossipThreshold {
			continue
		}
		candidates = append(candidates, p)
	}
	collab.Shuffle(candidates, h.collab.Rand)

	n := int(float64(len(candidates)) * h.params.GossipFactor)
	if n < h.params.DLazy {
		n = h.params.DLazy
	}
	if n > len(candidates) {
		n = len(candidates)
	}

	for _, p := range candidates[:n] {
		h.collab.RPC.AddPendingRPC(p, rpc.ControlItem{IHave: &rpc.IHave{Topic: topic, MessageIDs: ids}})
	}
}

func peerSet(peers []peer.ID) map[peer.ID]bool {
	set := make(map[peer.ID]bool, len(peers))
	for _, p := range peers {
		set[p] = true
	}
	return set
}
