// Package cloud implements a federated pub/sub key-value store. Each server
// holds payloads its clients upload, relays change notifications to
// subscribers, and aggregates queries across federated peers running the
// same protocol.
package cloud

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"cloudmesh/pkg/transport"
	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

// Server is one node of the mesh. Protocol state changes inside Tick, which
// drains the transport's event queue from the caller's goroutine, and in the
// public peer and filter methods (AddServer, RemoveServer, the QueryFilter
// methods); the internal lock serializes Tick against those methods.
type Server struct {
	mu      sync.Mutex
	logger  *zap.Logger
	metrics *Metrics
	cfg     Config
	tr      transport.Transport
	guid    types.Guid

	dataRepository map[types.CloudKey]*cloudDataList
	remoteClients  map[types.Guid]*remoteCloudClient

	remoteServers map[types.Guid]*remoteServer
	// peerOrder fixes enumeration order for fan-out and notification
	// broadcasts.
	peerOrder []types.Guid

	// connectedSystems tracks every live transport link and its advertised
	// address, clients and peers alike.
	connectedSystems map[types.Guid]types.Address

	getRequests      map[uint32]*getRequest
	requestOrder     []uint32
	nextGetRequestID uint32

	filters []QueryFilter

	nextSweep time.Time
	now       func() time.Time
}

// NewServer wires a server to its transport. A nil metrics set gets a
// private registry, which keeps unit tests from colliding on the default
// one.
func NewServer(cfg Config, tr transport.Transport, logger *zap.Logger, metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Server{
		logger:           logger,
		metrics:          metrics,
		cfg:              cfg.withDefaults(),
		tr:               tr,
		guid:             tr.LocalGuid(),
		dataRepository:   make(map[types.CloudKey]*cloudDataList),
		remoteClients:    make(map[types.Guid]*remoteCloudClient),
		remoteServers:    make(map[types.Guid]*remoteServer),
		connectedSystems: make(map[types.Guid]types.Address),
		getRequests:      make(map[uint32]*getRequest),
		now:              time.Now,
	}
}

func (s *Server) Guid() types.Guid { return s.guid }

// Tick drains all queued transport events and runs the periodic sweep.
// It returns the number of events processed so callers can pump until the
// mesh goes quiet.
func (s *Server) Tick() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	processed := 0
	for {
		select {
		case ev := <-s.tr.Events():
			s.handleEvent(ev)
			processed++
		default:
			s.sweepGetRequests()
			return processed
		}
	}
}

func (s *Server) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnected:
		s.connectedSystems[ev.Peer] = ev.Address
	case transport.EventDisconnected:
		delete(s.connectedSystems, ev.Peer)
		s.onClosedConnection(ev.Peer)
	case transport.EventPacket:
		s.handlePacket(ev.Peer, ev.Data)
	}
}

func (s *Server) handlePacket(from types.Guid, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		s.metrics.MalformedFrames.Inc()
		s.logger.Debug("dropping malformed frame",
			zap.Uint64("from", uint64(from)), zap.Error(err))
		return
	}

	addr := s.connectedSystems[from]
	switch m := msg.(type) {
	case *wire.PostRequest:
		s.onPostRequest(from, addr, m)
	case *wire.ReleaseRequest:
		s.onReleaseRequest(from, addr, m)
	case *wire.GetRequest:
		s.onGetRequest(from, addr, m)
	case *wire.UnsubscribeRequest:
		s.onUnsubscribeRequest(from, addr, m)
	case *wire.ProcessGetRequest:
		s.onServerGetRequest(from, m)
	case *wire.ProcessGetResponse:
		s.onServerGetResponse(from, m)
	case *wire.UploadedAndSubscribedKeys:
		s.onUploadedAndSubscribedKeys(from, m)
	case *wire.AddUploadedKey:
		if rs := s.requirePeer(from); rs != nil {
			rs.uploadedKeys[m.Key] = struct{}{}
		}
	case *wire.AddSubscribedKey:
		if rs := s.requirePeer(from); rs != nil {
			rs.subscribedKeys[m.Key] = struct{}{}
		}
	case *wire.RemoveUploadedKey:
		if rs := s.requirePeer(from); rs != nil {
			delete(rs.uploadedKeys, m.Key)
		}
	case *wire.RemoveSubscribedKey:
		if rs := s.requirePeer(from); rs != nil {
			delete(rs.subscribedKeys, m.Key)
		}
	case *wire.DataChanged:
		s.onServerDataChanged(from, m)
	default:
		s.logger.Debug("ignoring unexpected frame",
			zap.Uint64("from", uint64(from)), zap.String("type", typeName(msg)))
	}
}

// requirePeer resolves a sender that must be a registered federated peer.
// Unknown senders are dropped silently; the peer may have disconnected
// between our check and their send.
func (s *Server) requirePeer(from types.Guid) *remoteServer {
	rs := s.remoteServers[from]
	if rs == nil {
		s.metrics.UnknownPeerFrames.Inc()
	}
	return rs
}

// AddServer registers a connected system as a federated peer and sends it
// the handshake snapshot. Unconnected or already-registered systems are
// ignored.
func (s *Server) AddServer(guid types.Guid) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr, connected := s.connectedSystems[guid]
	if !connected {
		s.logger.Debug("add server skipped, not connected", zap.Uint64("peer", uint64(guid)))
		return
	}
	if _, exists := s.remoteServers[guid]; exists {
		return
	}

	rs := newRemoteServer(guid, addr)
	s.remoteServers[guid] = rs
	s.peerOrder = append(s.peerOrder, guid)
	s.metrics.FederatedPeers.Set(float64(len(s.remoteServers)))

	s.sendUploadedAndSubscribedKeys(guid)
	s.logger.Info("federated peer added",
		zap.Uint64("peer", uint64(guid)), zap.String("address", string(addr)))
}

// RemoveServer forgets a federated peer without touching in-flight requests;
// those resolve via disconnect or timeout.
func (s *Server) RemoveServer(guid types.Guid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeServerLocked(guid)
}

func (s *Server) removeServerLocked(guid types.Guid) {
	if _, exists := s.remoteServers[guid]; !exists {
		return
	}
	delete(s.remoteServers, guid)
	for i, g := range s.peerOrder {
		if g == guid {
			s.peerOrder = append(s.peerOrder[:i], s.peerOrder[i+1:]...)
			break
		}
	}
	s.metrics.FederatedPeers.Set(float64(len(s.remoteServers)))
}

// RemoteServers lists the registered peers in registration order.
func (s *Server) RemoteServers() []types.Guid {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Guid, len(s.peerOrder))
	copy(out, s.peerOrder)
	return out
}

// onClosedConnection runs both cleanup paths: the system may have been a
// federated peer, a client, or both.
func (s *Server) onClosedConnection(guid types.Guid) {
	// Slots are dropped even for a peer already removed by RemoveServer.
	s.dropPeerFromGetRequests(guid)
	if _, isPeer := s.remoteServers[guid]; isPeer {
		s.removeServerLocked(guid)
		s.logger.Info("federated peer disconnected", zap.Uint64("peer", uint64(guid)))
	}

	client := s.remoteClients[guid]
	if client == nil {
		return
	}

	uploaded := make([]types.CloudKey, 0, len(client.uploadedKeys))
	for key := range client.uploadedKeys {
		uploaded = append(uploaded, key)
	}
	for _, key := range uploaded {
		s.releaseKey(guid, client, key)
	}

	subscribed := make([]types.CloudKey, 0, len(client.subscribedKeys))
	for key := range client.subscribedKeys {
		subscribed = append(subscribed, key)
	}
	for _, key := range subscribed {
		s.unsubscribeFromKey(guid, client, key, nil)
	}

	delete(s.remoteClients, guid)
	s.updateGauges()
	s.logger.Debug("client state cleaned up", zap.Uint64("client", uint64(guid)))
}

func (s *Server) getOrCreateClient(guid types.Guid) *remoteCloudClient {
	client := s.remoteClients[guid]
	if client == nil {
		client = newRemoteCloudClient()
		s.remoteClients[guid] = client
	}
	return client
}

func (s *Server) dropClientIfUnused(guid types.Guid, client *remoteCloudClient) {
	if client.unused() {
		delete(s.remoteClients, guid)
	}
}

// externalAddress is what rows advertise as the holding server's address.
func (s *Server) externalAddress() types.Address {
	if s.cfg.ForceExternalAddress != types.UnassignedAddress {
		return s.cfg.ForceExternalAddress
	}
	return s.tr.LocalAddress()
}

func (s *Server) updateGauges() {
	s.metrics.LiveKeys.Set(float64(len(s.dataRepository)))
	s.metrics.ConnectedClients.Set(float64(len(s.remoteClients)))
	s.metrics.OutstandingRequests.Set(float64(len(s.getRequests)))
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	switch v.(type) {
	case *wire.GetResponse:
		return "GetResponse"
	case *wire.SubscriptionNotification:
		return "SubscriptionNotification"
	case *wire.Hello:
		return "Hello"
	case *wire.PushChunk:
		return "PushChunk"
	default:
		return "unknown"
	}
}
