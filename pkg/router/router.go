// Package router wires MeshManager, ControlHandler, Forwarder, MessageCache,
// BackoffTable, RequestTrackers, and Heartbeat behind the small set of
// external entry points a transport drives: peer lifecycle, inbound RPC,
// publish, and subscription management.
//
// All engine state is single-threaded. Every public method hands a thunk to
// the one goroutine that owns mesh/cache/tracker state over an unbuffered
// channel and blocks for its completion, the same processLoop/eval-channel
// shape the reference gossipsub implementation uses in pubsub.go (an "eval
// chan func()" drained by one processLoop goroutine) — generalized here
// from its single global instance to Engine so a process can run more than
// one independently.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshrouter/gossipcore/pkg/backoff"
	"github.com/meshrouter/gossipcore/pkg/collab"
	"github.com/meshrouter/gossipcore/pkg/control"
	"github.com/meshrouter/gossipcore/pkg/forwarder"
	"github.com/meshrouter/gossipcore/pkg/gossipparams"
	"github.com/meshrouter/gossipcore/pkg/heartbeat"
	"github.com/meshrouter/gossipcore/pkg/idhash"
	"github.com/meshrouter/gossipcore/pkg/mesh"
	"github.com/meshrouter/gossipcore/pkg/msgcache"
	"github.com/meshrouter/gossipcore/pkg/peer"
	"github.com/meshrouter/gossipcore/pkg/rpc"
	"github.com/meshrouter/gossipcore/pkg/score"
	"github.com/meshrouter/gossipcore/pkg/trackers"
)

// AcceptFunc gates every inbound RPC, publish and control parts alike, by
// sender. When Config.AcceptRequestsFrom is nil, New installs the default
// gate: direct peers, or peers whose score is at or above graylistThreshold.
type AcceptFunc func(p peer.ID) bool

// Config assembles an Engine. Collaborators is the only required field;
// Params, Score, and Logger fall back to sensible defaults.
type Config struct {
	Params        *gossipparams.GossipParams
	Score         score.Score
	Collaborators *collab.Collaborators
	Logger        *slog.Logger
	AcceptRequestsFrom AcceptFunc
}

// Engine is the top-level routing engine.
type Engine struct {
	params    *gossipparams.GossipParams
	score     score.Score
	mesh      *mesh.Manager
	backoff   *backoff.Table
	trackers  *trackers.Trackers
	cache     *msgcache.Cache
	control   *control.Handler
	forwarder *forwarder.Forwarder
	heartbeat *heartbeat.Heartbeat
	collab    *collab.Collaborators
	logger    *slog.Logger

	accept AcceptFunc

	eval   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg and assembles an Engine. It does not start any
// goroutine; call Start to do that.
func New(cfg Config) (*Engine, error) {
	params := cfg.Params
	if params == nil {
		params = gossipparams.Default()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	c := cfg.Collaborators
	if c == nil {
		return nil, fmt.Errorf("router: Collaborators is required")
	}
	if c.PeersInTopic == nil || c.RPC == nil || c.Handlers == nil {
		return nil, fmt.Errorf("router: Collaborators.PeersInTopic, RPC, and Handlers are required")
	}
	if c.Rand == nil {
		c.Rand = collab.DefaultRand()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.GetMessageID == nil {
		c.GetMessageID = idhash.Default
	}
	if c.SeenMessages == nil {
		c.SeenMessages = func(rpc.MessageID) bool { return false }
	}

	sc := cfg.Score
	if sc == nil {
		sc = score.NewNullScore(score.Thresholds{})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bt := backoff.New(backoff.Clock(c.Now))
	tr := trackers.New(trackers.Clock(c.Now))
	mc := msgcache.New(params.GossipSize, params.GossipHistoryLength)
	mm := mesh.New(params, sc, bt, c)
	ch := control.New(params, sc, mm, bt, tr, mc, c)
	fw := forwarder.New(params, sc, mm, mc, tr, c)
	hb := heartbeat.New(params, sc, mm, bt, tr, mc, c, logger)

	e := &Engine{
		params:    params,
		score:     sc,
		mesh:      mm,
		backoff:   bt,
		trackers:  tr,
		cache:     mc,
		control:   ch,
		forwarder: fw,
		heartbeat: hb,
		collab:    c,
		logger:    logger,
		eval:      make(chan func()),
	}

	accept := cfg.AcceptRequestsFrom
	if accept == nil {
		accept = e.defaultAcceptRequestsFrom
	}
	e.accept = accept

	return e, nil
}

// defaultAcceptRequestsFrom reports whether p is direct or its score has
// not fallen to the graylist threshold.
func (e *Engine) defaultAcceptRequestsFrom(p peer.ID) bool {
	return e.mesh.IsDirect(p) || e.score.Score(p) >= e.score.Params().GraylistThreshold
}

// Start runs the engine's single processing goroutine and its heartbeat
// loop. Calling Start twice without an intervening Stop returns an error.
func (e *Engine) Start(ctx context.Context) error {
	if e.cancel != nil {
		return fmt.Errorf("router: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.ctx = runCtx
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.processLoop(runCtx)
	e.heartbeat.Start(runCtx)
	return nil
}

// Stop halts the heartbeat and the processing goroutine and waits for both.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.heartbeat.Stop()
	e.cancel()
	<-e.done
	e.cancel = nil
}

func (e *Engine) processLoop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case thunk := <-e.eval:
			thunk()
		}
	}
}

// submit runs fn on the engine goroutine and blocks until it completes, or
// until the engine is stopped.
func (e *Engine) submit(fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case e.eval <- wrapped:
	case <-e.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-e.ctx.Done():
	}
}

// OnPeerActive notifies the engine that a connection to p became usable.
// Direct peers are never added to mesh[topic] — they are reached at
// forwarding time through mesh.Manager.IsDirect, never through GRAFT
// negotiation or random mesh selection (spec.md §8: direct peers are never
// mesh or fanout members for any topic).
func (e *Engine) OnPeerActive(p peer.ID, outbound bool) {
	e.submit(func() {
		e.score.NotifyConnected(p, outbound)
	})
}

// OnPeerDisconnected tears down every trace of p's membership and discards
// any RPC still queued for it.
func (e *Engine) OnPeerDisconnected(p peer.ID) {
	e.submit(func() {
		e.mesh.Disconnected(p)
		e.score.NotifyDisconnected(p)
		e.collab.RPC.Discard(p)
	})
}

// Subscribe joins topic's mesh. Direct peers are never grafted in — see
// OnPeerActive.
func (e *Engine) Subscribe(topic string) error {
	var err error
	e.submit(func() {
		err = e.mesh.Subscribe(topic)
	})
	return err
}

// Unsubscribe leaves topic's mesh, pruning every current mesh peer.
func (e *Engine) Unsubscribe(topic string) {
	e.submit(func() { e.mesh.Unsubscribe(topic) })
}

// Publish broadcasts a locally originated message.
func (e *Engine) Publish(msg *rpc.Message) {
	e.submit(func() { e.forwarder.BroadcastOutbound(msg) })
}

// OnInboundRPC processes one decoded RPC from from. If AcceptRequestsFrom
// rejects from, the entire RPC — publish and control parts alike — is
// dropped; acceptance gates the whole connection, not individual parts.
func (e *Engine) OnInboundRPC(from peer.ID, in *rpc.RPC) {
	e.submit(func() {
		if !e.accept(from) {
			return
		}
		if len(in.Publish) > 0 {
			e.forwarder.BroadcastInbound(in.Publish, from)
		}
		for _, item := range in.Control {
			e.control.Dispatch(from, item)
		}
	})
}

// AcceptRequestsFrom reports whether p currently passes the configured gate.
func (e *Engine) AcceptRequestsFrom(p peer.ID) bool {
	var ok bool
	e.submit(func() { ok = e.accept(p) })
	return ok
}

// SetAcceptRequestsFrom replaces the gate function. A nil fn accepts every
// peer.
func (e *Engine) SetAcceptRequestsFrom(fn AcceptFunc) {
	e.submit(func() {
		if fn == nil {
			fn = func(peer.ID) bool { return true }
		}
		e.accept = fn
	})
}

// Tick runs one heartbeat synchronously, bypassing the ticker. Intended for
// deterministic tests driving the engine without real wall-clock waits.
func (e *Engine) Tick(ctx context.Context) {
	e.submit(func() { e.heartbeat.Tick(ctx) })
}
