package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/meshrouter/gossipcore/pkg/backoff"
	"github.com/meshrouter/gossipcore/pkg/collab"
	"github.com/meshrouter/gossipcore/pkg/gossipparams"
	"github.com/meshrouter/gossipcore/pkg/peer"
	"github.com/meshrouter/gossipcore/pkg/rpc"
	"github.com/meshrouter/gossipcore/pkg/score"
)

// fakeScore is a minimal score.Score double letting tests pin a per-peer
// score and direct-peer set directly, independent of any numeric model.
type fakeScore struct {
	scores  map[peer.ID]float64
	direct  map[peer.ID]bool
	thresholds score.Thresholds
	misbehavior map[peer.ID]int
}

func newFakeScore() *fakeScore {
	fs := &fakeScore{
		scores:      make(map[peer.ID]float64),
		direct:      make(map[peer.ID]bool),
		misbehavior: make(map[peer.ID]int),
	}
	fs.thresholds = score.Thresholds{IsDirect: func(p peer.ID) bool { return fs.direct[p] }}
	return fs
}

func (f *fakeScore) Score(p peer.ID) float64 { return f.scores[p] }
func (f *fakeScore) Params() score.Thresholds { return f.thresholds }
func (f *fakeScore) NotifyConnected(peer.ID, bool)   {}
func (f *fakeScore) NotifyDisconnected(peer.ID)      {}
func (f *fakeScore) NotifyMeshed(peer.ID, string)    {}
func (f *fakeScore) NotifyPruned(peer.ID, string)    {}
func (f *fakeScore) NotifySeen(peer.ID, string)      {}
func (f *fakeScore) NotifyUnseenValid(peer.ID, string)   {}
func (f *fakeScore) NotifyUnseenInvalid(peer.ID, string) {}
func (f *fakeScore) NotifyRouterMisbehavior(p peer.ID, n int) { f.misbehavior[p] += n }

// fakeHandlers resolves a fixed table of peer.Handler by ID.
type fakeHandlers struct {
	h map[peer.ID]peer.Handler
}

func (f *fakeHandlers) Handler(p peer.ID) (peer.Handler, bool) {
	h, ok := f.h[p]
	return h, ok
}

type fakeHandler struct {
	outbound bool
	version  peer.ProtocolVersion
}

func (h fakeHandler) IsOutbound() bool                           { return h.outbound }
func (h fakeHandler) GossipProtocolVersion() peer.ProtocolVersion { return h.version }

// fakeRPCSink records every enqueued RPC part in memory for assertions.
type fakeRPCSink struct {
	control map[peer.ID][]rpc.ControlItem
	publish map[peer.ID][]*rpc.Message
}

func newFakeRPCSink() *fakeRPCSink {
	return &fakeRPCSink{control: make(map[peer.ID][]rpc.ControlItem), publish: make(map[peer.ID][]*rpc.Message)}
}
func (s *fakeRPCSink) AddPendingRPC(p peer.ID, item rpc.ControlItem) {
	s.control[p] = append(s.control[p], item)
}
func (s *fakeRPCSink) AddPendingPublish(p peer.ID, msg *rpc.Message) {
	s.publish[p] = append(s.publish[p], msg)
}
func (s *fakeRPCSink) FlushAll(ctx context.Context) {}
func (s *fakeRPCSink) Discard(p peer.ID)             { delete(s.control, p); delete(s.publish, p) }

// fakeRandom makes SampleK/Shuffle deterministic: Shuffle is a no-op and
// Intn always returns 0, so a partial Fisher-Yates picks the first k
// elements of its input in their original order.
type fakeRandom struct{}

func (fakeRandom) Intn(n int) int                     { return 0 }
func (fakeRandom) Shuffle(n int, swap func(i, j int)) {}

func newTestManager(t *testing.T, peersInTopic map[string][]peer.ID) (*Manager, *fakeScore, *fakeRPCSink) {
	t.Helper()
	fs := newFakeScore()
	sink := newFakeRPCSink()
	params := gossipparams.Default()
	c := &collab.Collaborators{
		PeersInTopic: func(topic string) []peer.ID { return peersInTopic[topic] },
		Handlers:     &fakeHandlers{h: make(map[peer.ID]peer.Handler)},
		RPC:          sink,
		Rand:         fakeRandom{},
		Now:          time.Now,
	}
	bt := backoff.New(nil)
	return New(params, fs, bt, c), fs, sink
}

func TestSubscribeFillsMeshFromFanoutThenOthers(t *testing.T) {
	peersInTopic := map[string][]peer.ID{"t": {"a", "b", "c", "d", "e", "f", "g", "h"}}
	m, fs, _ := newTestManager(t, peersInTopic)
	for _, p := range peersInTopic["t"] {
		fs.scores[p] = 1
	}
	m.InstallFanout("t", []peer.ID{"a", "b"})

	if err := m.Subscribe("t"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if !m.IsSubscribed("t") {
		t.Fatalf("expected topic to be subscribed after Subscribe")
	}
	if size := m.MeshSize("t"); size != m.params.D {
		t.Fatalf("expected mesh size D=%d, got %d", m.params.D, size)
	}
	if !m.InMesh("t", "a") || !m.InMesh("t", "b") {
		t.Fatalf("expected fanout peers to be seeded into the mesh first")
	}
}

func TestSubscribeDropsFanoutAndLastPublished(t *testing.T) {
	m, fs, _ := newTestManager(t, map[string][]peer.ID{"t": {"a"}})
	fs.scores["a"] = 1
	m.InstallFanout("t", []peer.ID{"a"})
	m.SetLastPublished("t", time.Now())

	if err := m.Subscribe("t"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, ok := m.fanout["t"]; ok {
		t.Fatalf("expected fanout[t] to be dropped after subscribe")
	}
	if _, ok := m.LastPublished("t"); ok {
		t.Fatalf("expected lastPublished[t] to be dropped after subscribe")
	}
}

func TestUnsubscribePrunesEveryMeshPeer(t *testing.T) {
	m, fs, sink := newTestManager(t, map[string][]peer.ID{"t": {"a", "b"}})
	fs.scores["a"], fs.scores["b"] = 1, 1
	if err := m.Subscribe("t"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	meshed := m.MeshPeers("t")
	if len(meshed) == 0 {
		t.Fatalf("expected at least one peer to be meshed before unsubscribe")
	}

	m.Unsubscribe("t")

	if m.IsSubscribed("t") {
		t.Fatalf("expected topic to no longer be subscribed")
	}
	for _, p := range meshed {
		items := sink.control[p]
		found := false
		for _, it := range items {
			if it.Prune != nil && it.Prune.Topic == "t" {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected peer %s to have received a PRUNE for t", p)
		}
	}
}

func TestEmitPruneSetsBackoffAndIncludesPXForV11Peer(t *testing.T) {
	m, fs, sink := newTestManager(t, map[string][]peer.ID{"t": {"a", "b", "c"}})
	fs.scores["a"], fs.scores["b"], fs.scores["c"] = 1, 1, 1
	handlers := m.collab.Handlers.(*fakeHandlers)
	handlers.h["a"] = fakeHandler{version: peer.ProtocolV1_1}

	m.mesh["t"] = newOrderedSet()
	m.mesh["t"].Add("a")

	m.EmitPrune("t", "a")

	if !m.backoff.IsBackoff("a", "t") {
		t.Fatalf("expected EmitPrune to set a backoff entry")
	}
	items := sink.control["a"]
	if len(items) != 1 || items[0].Prune == nil {
		t.Fatalf("expected exactly one PRUNE enqueued, got %+v", items)
	}
	if items[0].Prune.Backoff == nil {
		t.Fatalf("expected a v1.1 peer's PRUNE to carry a backoff field")
	}
	px := items[0].Prune.Peers
	if len(px) != 2 || px[0].PeerID != "b" || px[1].PeerID != "c" {
		t.Fatalf("expected a v1.1 peer's PRUNE to carry the other topic peers b and c as PX, got %+v", px)
	}
}

func TestEmitPruneOmitsV11FieldsForV10Peer(t *testing.T) {
	m, fs, sink := newTestManager(t, map[string][]peer.ID{"t": {"a"}})
	fs.scores["a"] = 1
	handlers := m.collab.Handlers.(*fakeHandlers)
	handlers.h["a"] = fakeHandler{version: peer.ProtocolV1_0}

	m.mesh["t"] = newOrderedSet()
	m.mesh["t"].Add("a")
	m.EmitPrune("t", "a")

	items := sink.control["a"]
	if len(items) != 1 || items[0].Prune == nil {
		t.Fatalf("expected exactly one PRUNE enqueued, got %+v", items)
	}
	if items[0].Prune.Backoff != nil || items[0].Prune.Peers != nil {
		t.Fatalf("expected a v1.0 peer's PRUNE to carry only topicID")
	}
}

func TestDisconnectedRemovesFromMeshAndFanout(t *testing.T) {
	m, fs, _ := newTestManager(t, map[string][]peer.ID{"t": {"a"}})
	fs.scores["a"] = 1
	m.mesh["t"] = newOrderedSet()
	m.mesh["t"].Add("a")
	m.fanout["u"] = newOrderedSet()
	m.fanout["u"].Add("a")

	m.Disconnected("a")

	if m.InMesh("t", "a") {
		t.Fatalf("expected disconnected peer to be removed from mesh")
	}
	for _, p := range m.FanoutPeers("u") {
		if p == "a" {
			t.Fatalf("expected disconnected peer to be removed from fanout")
		}
	}
}
