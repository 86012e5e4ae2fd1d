package wire

// Hasher is the minimal hash capability wire needs to compute message
// ids; satisfied by pqcrypto.Hasher without introducing an import cycle
// (wire sits below pqcrypto in the dependency order).
type Hasher interface {
	Hash(parts ...[]byte) [32]byte
}

// ComputeMessageID derives the deterministic id of an EAGER message:
// hash(topic || epoch_le64 || signer_peer_id || hash(payload)).
func ComputeMessageID(h Hasher, topic TopicID, epoch int64, signer PeerID, payload []byte) MessageID {
	payloadHash := h.Hash(payload)
	return MessageID(h.Hash(topic[:], EpochBytes(epoch), signer[:], payloadHash[:]))
}
