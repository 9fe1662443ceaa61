// Package idhash supplies a default message-id derivation function using
// BLAKE3-256. Callers may inject any function with this signature; this is
// a sensible default, not a requirement.
package idhash

import (
	"encoding/binary"
	"encoding/hex"

	"lukechampine.com/blake3"

	"github.com/meshrouter/gossipcore/pkg/rpc"
)

// Default derives a MessageId as hex(blake3-256(from || seqno || data)).
func Default(msg *rpc.Message) rpc.MessageID {
	h := blake3.New(32, nil)
	h.Write([]byte(msg.From))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], msg.Seqno)
	h.Write(seqBuf[:])
	h.Write(msg.Data)
	sum := h.Sum(nil)
	return rpc.MessageID(hex.EncodeToString(sum))
}
