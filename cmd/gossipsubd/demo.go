package main

import (
	"context"
	"fmt"
	"time"

	"github.com/meshrouter/gossipcore/pkg/collab"
	"github.com/meshrouter/gossipcore/pkg/gossipparams"
	"github.com/meshrouter/gossipcore/pkg/idhash"
	"github.com/meshrouter/gossipcore/pkg/peer"
	"github.com/meshrouter/gossipcore/pkg/router"
	"github.com/meshrouter/gossipcore/pkg/rpc"
)

const demoTopic = "demo-topic"

// runDemo assembles a small fully-connected mesh, subscribes every node to
// one topic, publishes a single message, and drives enough heartbeats by
// hand to show it propagate to every peer.
func runDemo() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids := []peer.ID{"alice", "bob", "carol", "dave", "erin"}
	net := newSimNet()

	params := gossipparams.Default()
	// Heartbeats are driven by hand below; disable the real ticker so the
	// demo's output is deterministic instead of racing wall-clock time.
	params.HeartbeatInterval = time.Hour
	params.D, params.DLow, params.DHigh, params.DScore, params.DOut = 4, 2, 6, 2, 1

	nodes := make(map[peer.ID]*simNode, len(ids))
	for _, id := range ids {
		nd := newSimNode(id, net)
		net.register(nd)
		nodes[id] = nd

		self := id
		eng, err := router.New(router.Config{
			Params: params,
			Collaborators: &collab.Collaborators{
				// A node is never a candidate for its own mesh or gossip.
				PeersInTopic: func(topic string) []peer.ID {
					var others []peer.ID
					for _, p := range net.peersInTopic(topic) {
						if p != self {
							others = append(others, p)
						}
					}
					return others
				},
				GetMessageID: idhash.Default,
				SeenMessages: nd.isSeen,
				Handlers:     nd,
				RPC:          nd,
				Now:          time.Now,
			},
		})
		if err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		nd.engine = eng
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", id, err)
		}
	}
	defer func() {
		for _, nd := range nodes {
			nd.engine.Stop()
		}
	}()

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			nodes[a].outboundPeers[b] = true
			nodes[b].outboundPeers[a] = false
			nodes[a].engine.OnPeerActive(b, true)
			nodes[b].engine.OnPeerActive(a, false)
		}
	}

	for _, id := range ids {
		net.joinTopic(demoTopic, id)
	}
	for _, id := range ids {
		if err := nodes[id].engine.Subscribe(demoTopic); err != nil {
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
	}

	fmt.Println("publishing from alice...")
	msg := &rpc.Message{From: "alice", Seqno: 1, Topics: []string{demoTopic}, Data: []byte("hello mesh")}
	id := idhash.Default(msg)
	nodes["alice"].markSeen(id)
	nodes["alice"].engine.Publish(msg)

	for round := 0; round < 3; round++ {
		for _, nid := range ids {
			nodes[nid].engine.Tick(ctx)
		}
	}

	for _, nid := range ids {
		nd := nodes[nid]
		fmt.Printf("%s has seen the message: %v\n", nid, nd.isSeen(id))
	}
	return nil
}
