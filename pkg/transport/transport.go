// Package transport abstracts the reliable-ordered frame transport the cloud
// core runs over. Implementations must deliver frames from one peer in send
// order; no ordering is promised between peers. Reliability comes from the
// substrate (HTTP/2 stream, websocket, process memory), not from this
// package.
package transport

import "cloudmesh/pkg/types"

type EventType int

const (
	// EventPacket carries one protocol frame from a connected peer.
	EventPacket EventType = iota
	// EventConnected reports a new peer link. Address is the peer's
	// advertised address.
	EventConnected
	// EventDisconnected reports a lost peer link.
	EventDisconnected
)

// Event is one item in a transport's delivery queue. The cloud core drains
// the queue from a single goroutine per tick.
type Event struct {
	Type    EventType
	Peer    types.Guid
	Address types.Address
	Data    []byte
}

// Transport is a reliable-ordered frame exchange between identified peers.
type Transport interface {
	// Send queues one frame for ordered delivery to a connected peer.
	Send(to types.Guid, frame []byte) error

	// Events exposes the inbound queue: packets, connects, disconnects.
	Events() <-chan Event

	LocalGuid() types.Guid
	LocalAddress() types.Address

	Close() error
}
