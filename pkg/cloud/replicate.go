package cloud

import (
	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

// sendUploadedAndSubscribedKeys sends the handshake snapshot to one peer:
// every key with live payload and every key with at least one local
// subscriber. The snapshot is sent even when both sets are empty so the
// peer can mark us synchronized.
func (s *Server) sendUploadedAndSubscribedKeys(to types.Guid) {
	snapshot := &wire.UploadedAndSubscribedKeys{}
	for key, list := range s.dataRepository {
		if list.uploaderCount > 0 {
			snapshot.Uploaded = append(snapshot.Uploaded, key)
		}
		if list.subscriberCount > 0 {
			snapshot.Subscribed = append(snapshot.Subscribed, key)
		}
	}
	s.sendToPeer(to, snapshot)
}

func (s *Server) onUploadedAndSubscribedKeys(from types.Guid, m *wire.UploadedAndSubscribedKeys) {
	rs := s.requirePeer(from)
	if rs == nil {
		return
	}
	rs.state = peerSynchronized
	for _, key := range m.Uploaded {
		rs.uploadedKeys[key] = struct{}{}
	}
	for _, key := range m.Subscribed {
		rs.subscribedKeys[key] = struct{}{}
	}
}

// onServerDataChanged relays a peer's change notification to local
// subscribers: the changed owner's specific subscribers plus the key's
// non-specific subscribers. No further server fan-out happens here.
func (s *Server) onServerDataChanged(from types.Guid, m *wire.DataChanged) {
	if s.requirePeer(from) == nil {
		return
	}
	list := s.dataRepository[m.Row.Key]
	if list == nil {
		return
	}
	if data := list.data(m.Row.ClientGuid); data != nil {
		s.notifyClientSubscribers(m.Row, data.specificSubscribers, m.WasUpdated)
	}
	s.notifyClientSubscribers(m.Row, list.nonSpecificSubscribers, m.WasUpdated)
}
