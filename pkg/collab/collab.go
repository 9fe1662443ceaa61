// Package collab defines the outer-router collaborators the routing engine
// is injected with. Nothing in this package has a default implementation
// beyond what is trivially derivable (Clock, Random) — topic membership,
// message-id derivation, the seen-messages set, outbound delivery, and
// peer-exchange connect are all owned by the outer router and the
// transport, never by the engine itself.
package collab

import (
	"context"
	"math/rand"
	"time"

	"github.com/meshrouter/gossipcore/pkg/peer"
	"github.com/meshrouter/gossipcore/pkg/rpc"
)

// PeersInTopic reports every peer subscribed to topic. Subscription
// bookkeeping is owned by an outer router, not the engine.
type PeersInTopic func(topic string) []peer.ID

// GetMessageID derives a MessageId from a Message. See pkg/idhash for the
// BLAKE3-based default.
type GetMessageID func(msg *rpc.Message) rpc.MessageID

// SeenMessages reports whether id has already been delivered to the local
// application. The seen-messages set itself is owned by an outer router.
type SeenMessages func(id rpc.MessageID) bool

// Handlers resolves a peer's transport-level attributes. Entries
// disappear on disconnect; a miss is treated as "peer unknown" by
// callers.
type Handlers interface {
	Handler(p peer.ID) (peer.Handler, bool)
}

// RPCSink accumulates outbound RPC parts per peer and flushes them as a
// batch. Ordering within one peer's queue is enqueue order. This is the
// one outbound delivery path the engine uses for both control items and
// published messages: a separate parallel path for publishes would let a
// published message race a GRAFT/PRUNE/IHAVE/IWANT item queued to the same
// peer moments earlier, breaking the within-one-peer enqueue-order
// guarantee. FlushAll is the non-blocking batch flush; AddPendingPublish
// queues are drained by it exactly like control items.
type RPCSink interface {
	AddPendingRPC(p peer.ID, item rpc.ControlItem)
	AddPendingPublish(p peer.ID, msg *rpc.Message)
	FlushAll(ctx context.Context)
	// Discard drops any queued outbound parts for p without sending them;
	// called on disconnect.
	Discard(p peer.ID)
}

// ConnectCallback hands an opaque signed peer record from peer exchange to
// the transport's connection-establishment logic. The engine never
// validates the record itself.
type ConnectCallback func(id peer.ID, signedRecord []byte)

// Random is the injected source of randomness. *math/rand.Rand satisfies
// it directly, so production code can pass rand.New(rand.NewSource(seed))
// and tests can pass a fixed-seed or scripted double.
type Random interface {
	Intn(n int) int
	Shuffle(n int, swap func(i, j int))
}

// Clock returns the current time; production code passes time.Now, tests
// pass a controllable fake.
type Clock func() time.Time

// Collaborators bundles every injected dependency the routing engine
// needs. A zero-value Collaborators is not usable; Router.New fills in
// Clock/Rand defaults when left nil.
type Collaborators struct {
	PeersInTopic    PeersInTopic
	GetMessageID    GetMessageID
	SeenMessages    SeenMessages
	Handlers        Handlers
	RPC             RPCSink
	ConnectCallback ConnectCallback
	Rand            Random
	Now             Clock
}

// DefaultRand returns a non-cryptographic PRNG seeded from the current
// time, suitable for mesh-maintenance randomness (shuffles, sampling) —
// none of which is security sensitive.
func DefaultRand() Random {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
