package transport

import (
	"context"
	"errors"
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrPeerUnreachable      = errors.New("peer unreachable on any transport")
	ErrLinkClosed           = errors.New("link closed")
)

// Handler receives one raw frame from a neighbor, identified by its hex
// short peer id.
type Handler func(peer string, frame []byte)

// Link is the capability set every physical transport exposes. BLE adapters
// and the QUIC dev link both implement it; frames are encoded packets.
type Link interface {
	Start(ctx context.Context) error
	Stop() error
	// Send writes a frame to one connected neighbor.
	Send(peer string, frame []byte) error
	// Broadcast writes a frame to every connected neighbor.
	Broadcast(frame []byte) error
	// Close tears down the connection to one neighbor.
	Close(peer string) error
	// Subscribe installs the inbound frame handler; call before Start.
	Subscribe(h Handler)
	// Peers lists currently connected neighbor ids.
	Peers() []string
}
