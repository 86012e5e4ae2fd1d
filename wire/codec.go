package wire

import (
	"bytes"
	"fmt"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

var mpHandle = &msgpack.MsgpackHandle{}

// EncodeBody serializes a kind-specific body struct with the canonical
// msgpack encoding that every peer is required to agree on.
func EncodeBody(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf, mpHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode body: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBody deserializes a kind-specific body into v, which must be a
// pointer.
func DecodeBody(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data), mpHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decode body: %w", err)
	}
	return nil
}

// EagerBody is the body of an EAGER frame: the full signed payload plus
// the epoch used to derive msg_id (the fixed header carries no epoch
// field, so it travels in the body). Receivers use it for the replay-skew
// check; they do not recompute msg_id from it.
type EagerBody struct {
	Epoch        int64
	Payload      []byte
	Signature    []byte
	SignerPubKey []byte
}

// IHaveBody announces message ids the sender can serve.
type IHaveBody struct {
	IDs []MessageID
}

// IWantBody requests payloads for message ids by id.
type IWantBody struct {
	IDs []MessageID
}

// PingBody carries a probe nonce plus piggybacked membership deltas.
type PingBody struct {
	Nonce  uint64
	Deltas []MembershipDelta
}

// AckBody answers a PingBody or a relayed PingReqBody.
type AckBody struct {
	Nonce  uint64
	Deltas []MembershipDelta
}

// PingReqBody asks a relay to probe Target on the sender's behalf.
type PingReqBody struct {
	Nonce  uint64
	Target PeerID
}

// MembershipDelta is a single piggybacked liveness change, merged
// idempotently by (Peer, LogicalTimestamp) with latest-timestamp-wins.
type MembershipDelta struct {
	Peer             PeerID
	State            uint8 // mirrors swim.State values
	LogicalTimestamp uint64
}

// JoinBody is sent by a joiner to its chosen seed.
type JoinBody struct {
	Joiner PeerID
}

// FwdJoinBody forwards a join announcement through the active view.
type FwdJoinBody struct {
	Joiner PeerID
	TTL    uint8
}

// ShuffleBody carries an exchange set of peer ids for passive-view repair.
type ShuffleBody struct {
	Origin  PeerID
	Peers   []PeerID
	TTL     uint8
}

// ShuffleReplyBody answers a ShuffleBody with a sample from the replier's
// passive view.
type ShuffleReplyBody struct {
	Peers []PeerID
}

// DisconnectBody notifies a peer that the sender is dropping it from its
// active view.
type DisconnectBody struct {
	Reason string
}

// AntiEntropyBody carries a reconciliation sketch for one topic.
type AntiEntropyBody struct {
	Topic  TopicID
	Sketch []byte // serialized Bloom filter
	// Enumerated is a capped, opportunistic list of recently-inserted ids
	// offered alongside the sketch so the receiver can pull them without
	// a second round trip.
	Enumerated []MessageID
}
