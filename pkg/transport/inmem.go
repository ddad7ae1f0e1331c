package transport

import (
	"fmt"
	"sync"

	"cloudmesh/pkg/types"
)

// Mesh is an in-process transport fabric. Every endpoint joined to the mesh
// can be linked to any other; frames are delivered through buffered channels
// so delivery order per sender matches send order.
type Mesh struct {
	mu        sync.Mutex
	endpoints map[types.Guid]*Endpoint
}

func NewMesh() *Mesh {
	return &Mesh{endpoints: make(map[types.Guid]*Endpoint)}
}

// Join adds an endpoint to the mesh. The address only needs to be unique
// within the mesh.
func (m *Mesh) Join(guid types.Guid, address types.Address) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep := &Endpoint{
		mesh:    m,
		guid:    guid,
		address: address,
		events:  make(chan Event, 4096),
		links:   make(map[types.Guid]struct{}),
	}
	m.endpoints[guid] = ep
	return ep
}

// Connect links two endpoints and delivers EventConnected to both sides.
func (m *Mesh) Connect(a, b types.Guid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	epA, okA := m.endpoints[a]
	epB, okB := m.endpoints[b]
	if !okA || !okB {
		return fmt.Errorf("inmem: connect %v<->%v: endpoint not joined", a, b)
	}
	epA.links[b] = struct{}{}
	epB.links[a] = struct{}{}
	epA.events <- Event{Type: EventConnected, Peer: b, Address: epB.address}
	epB.events <- Event{Type: EventConnected, Peer: a, Address: epA.address}
	return nil
}

// Disconnect drops the link between two endpoints, delivering
// EventDisconnected to both sides.
func (m *Mesh) Disconnect(a, b types.Guid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked(a, b)
}

func (m *Mesh) disconnectLocked(a, b types.Guid) {
	epA, okA := m.endpoints[a]
	epB, okB := m.endpoints[b]
	if okA {
		if _, linked := epA.links[b]; linked {
			delete(epA.links, b)
			epA.events <- Event{Type: EventDisconnected, Peer: b}
		}
	}
	if okB {
		if _, linked := epB.links[a]; linked {
			delete(epB.links, a)
			epB.events <- Event{Type: EventDisconnected, Peer: a}
		}
	}
}

// Endpoint is one mesh participant. It satisfies Transport.
type Endpoint struct {
	mesh    *Mesh
	guid    types.Guid
	address types.Address
	events  chan Event
	links   map[types.Guid]struct{}
}

var _ Transport = (*Endpoint)(nil)

func (e *Endpoint) Send(to types.Guid, frame []byte) error {
	e.mesh.mu.Lock()
	defer e.mesh.mu.Unlock()

	if _, linked := e.links[to]; !linked {
		return fmt.Errorf("inmem: send from %v: not linked to %v", e.guid, to)
	}
	dest := e.mesh.endpoints[to]
	if dest == nil {
		return fmt.Errorf("inmem: send from %v: %v left the mesh", e.guid, to)
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	dest.events <- Event{Type: EventPacket, Peer: e.guid, Data: buf}
	return nil
}

func (e *Endpoint) Events() <-chan Event          { return e.events }
func (e *Endpoint) LocalGuid() types.Guid         { return e.guid }
func (e *Endpoint) LocalAddress() types.Address   { return e.address }

func (e *Endpoint) Close() error {
	e.mesh.mu.Lock()
	defer e.mesh.mu.Unlock()

	peers := make([]types.Guid, 0, len(e.links))
	for peer := range e.links {
		peers = append(peers, peer)
	}
	for _, peer := range peers {
		e.mesh.disconnectLocked(e.guid, peer)
	}
	delete(e.mesh.endpoints, e.guid)
	return nil
}
