package core

import (
	"bitmesh/internal/nostr"
	"bitmesh/internal/outbox"
	"bitmesh/internal/protocol"
	"bitmesh/internal/session"
)

// Event is the closed set of notifications the boundary consumer receives.
// The core never calls into the UI; it only emits.
type Event interface{ coreEvent() }

type MessageReceived struct {
	From      protocol.PeerID
	MessageID string
	Content   []byte
	Timestamp uint64
	Encrypted bool
	Broadcast bool
}

type PeerConnected struct {
	Peer        protocol.PeerID
	Nickname    string
	Fingerprint string
}

type PeerDisconnected struct {
	Peer protocol.PeerID
}

// SessionChanged wraps session manager lifecycle events.
type SessionChanged struct {
	Inner session.Event
}

// DeliveryUpdate wraps outbox status transitions.
type DeliveryUpdate struct {
	Inner outbox.StatusEvent
}

// RelayChanged wraps per-relay status transitions.
type RelayChanged struct {
	Inner nostr.StatusEvent
}

// TransportChanged reports coarse transport availability.
type TransportChanged struct {
	BLEPeers       int
	NostrConnected bool
}

func (MessageReceived) coreEvent()  {}
func (PeerConnected) coreEvent()    {}
func (PeerDisconnected) coreEvent() {}
func (SessionChanged) coreEvent()   {}
func (DeliveryUpdate) coreEvent()   {}
func (RelayChanged) coreEvent()     {}
func (TransportChanged) coreEvent() {}
