// Package rpc models the decoded GossipSub wire surface: the control RPC's
// four repeated fields plus the Message and PeerInfo types that appear
// inside them. The routing engine operates on these decoded values, but a
// concrete module still needs a byte representation to hand to a
// transport, so this package also carries a canonical-CBOR codec built on
// pkg/codec/cborcanon.
package rpc

import (
	"github.com/meshrouter/gossipcore/pkg/codec/cborcanon"
	"github.com/meshrouter/gossipcore/pkg/peer"
)

// MessageID is an opaque identifier derived from a Message by an injected
// function.
type MessageID string

// Message is the application-level pubsub message. It is opaque to the
// core except for its id and topics.
type Message struct {
	From      peer.ID  `cbor:"from"`
	Seqno     uint64   `cbor:"seqno"`
	Topics    []string `cbor:"topics"`
	Data      []byte   `cbor:"data"`
	Signature []byte   `cbor:"signature"`
}

// PeerInfo is a peer-exchange candidate embedded in a PRUNE. The signed
// peer record is forwarded opaquely; the core never validates it.
type PeerInfo struct {
	PeerID           peer.ID `cbor:"peer_id"`
	SignedPeerRecord []byte  `cbor:"signed_peer_record,omitempty"`
}

// Graft requests mesh membership for Topic.
type Graft struct {
	Topic string `cbor:"topic_id"`
}

// Prune signals mesh removal for Topic, optionally carrying a v1.1
// backoff duration and a peer-exchange candidate list.
type Prune struct {
	Topic   string     `cbor:"topic_id"`
	Backoff *uint64    `cbor:"backoff,omitempty"` // seconds, v1.1 only
	Peers   []PeerInfo `cbor:"peers,omitempty"`   // v1.1 only
}

// IHave lazily announces recently seen message ids for Topic.
type IHave struct {
	Topic      string      `cbor:"topic_id"`
	MessageIDs []MessageID `cbor:"message_ids"`
}

// IWant requests full delivery of previously announced message ids.
type IWant struct {
	MessageIDs []MessageID `cbor:"message_ids"`
}

// ControlItem is a tagged sum over {Graft, Prune, IHave, IWant}, dispatched
// by discriminator. Exactly one field is non-nil.
type ControlItem struct {
	Graft *Graft `cbor:"graft,omitempty"`
	Prune *Prune `cbor:"prune,omitempty"`
	IHave *IHave `cbor:"ihave,omitempty"`
	IWant *IWant `cbor:"iwant,omitempty"`
}

// Kind identifies which alternative of a ControlItem is populated.
type Kind int

const (
	KindNone Kind = iota
	KindGraft
	KindPrune
	KindIHave
	KindIWant
)

// Kind reports which field of the tagged sum is populated.
func (c ControlItem) Kind() Kind {
	switch {
	case c.Graft != nil:
		return KindGraft
	case c.Prune != nil:
		return KindPrune
	case c.IHave != nil:
		return KindIHave
	case c.IWant != nil:
		return KindIWant
	default:
		return KindNone
	}
}

// RPC is one batch of control items and/or full messages exchanged with a
// single peer. Within one peer, RPC parts are delivered in enqueue order;
// between peers no ordering is guaranteed.
type RPC struct {
	Publish []*Message    `cbor:"publish,omitempty"`
	Control []ControlItem `cbor:"control,omitempty"`
}

// Marshal encodes the RPC to canonical CBOR.
func (r *RPC) Marshal() ([]byte, error) {
	return cborcanon.Marshal(r)
}

// Unmarshal decodes canonical CBOR into the RPC.
func (r *RPC) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, r)
}

// Empty reports whether the RPC carries nothing to flush.
func (r *RPC) Empty() bool {
	return r == nil || (len(r.Publish) == 0 && len(r.Control) == 0)
}
