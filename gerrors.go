package gossip

import (
	"errors"
	"fmt"
)

// Outcome classifies the disposition of an operation: a caller
// distinguishes success from a retryable condition from one that will
// never succeed without intervention.
type Outcome uint8

const (
	Ok Outcome = iota
	Transient
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "ok"
	}
}

// Sentinel errors for the module's error taxonomy. Callers use errors.Is
// against these; every wrapped error produced inside this module chains
// back to exactly one of them.
var (
	// ErrTransient marks conditions a retry or the next scheduled tick is
	// expected to resolve: a closed stream, a dial failure, a peer that
	// did not answer a probe in time.
	ErrTransient = errors.New("gossip: transient error")

	// ErrFatal marks conditions that will not resolve on their own:
	// resource exhaustion at startup, a capability misconfigured so badly
	// the node cannot function.
	ErrFatal = errors.New("gossip: fatal error")

	// ErrNoSuchPeer names the condition of a peer with no known session
	// and no address hint to dial one. No Node operation returns it; a
	// failed dial surfaces as ErrTransient.
	ErrNoSuchPeer = errors.New("gossip: no such peer")

	// ErrClosed is returned by Close on a Node that is already closed.
	// No other Node method checks for closure.
	ErrClosed = errors.New("gossip: node closed")

	// ErrMalformedFrame marks a frame that failed to decode.
	ErrMalformedFrame = errors.New("gossip: malformed frame")

	// ErrInvalidSignature marks a frame whose signature failed to verify.
	ErrInvalidSignature = errors.New("gossip: invalid signature")

	// ErrOversizePayload marks a payload exceeding plumtree.Config.MaxPayload.
	ErrOversizePayload = errors.New("gossip: oversize payload")
)

// wrap annotates err with one of the sentinels above, so callers can use
// errors.Is(err, gossip.ErrTransient) without string matching. A nil err
// passes through unchanged.
func wrap(sentinel error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
