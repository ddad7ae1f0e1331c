package cloud

import (
	"go.uber.org/zap"

	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

// notifyClientSubscribers sends one change notification to each subscriber
// in the set. The frame is encoded once; per-destination ordering comes from
// the transport's ordered channel.
func (s *Server) notifyClientSubscribers(row types.CloudQueryRow, subscribers map[types.Guid]struct{}, wasUpdated bool) {
	if len(subscribers) == 0 {
		return
	}
	frame := wire.Encode(&wire.SubscriptionNotification{WasUpdated: wasUpdated, Row: row})
	for guid := range subscribers {
		if err := s.tr.Send(guid, frame); err != nil {
			s.logger.Debug("notification send failed",
				zap.Uint64("client", uint64(guid)), zap.Error(err))
			continue
		}
		s.metrics.NotificationsSent.Inc()
	}
}

// notifyServerSubscribers tells interested peers a row changed: every peer
// subscribed to the key, plus every peer whose handshake is still pending
// (its interests are unknown, so it gets everything).
func (s *Server) notifyServerSubscribers(row types.CloudQueryRow, key types.CloudKey, wasUpdated bool) {
	if len(s.peerOrder) == 0 {
		return
	}
	msg := &wire.DataChanged{WasUpdated: wasUpdated, Row: row}
	for _, guid := range s.peerOrder {
		rs := s.remoteServers[guid]
		_, subscribed := rs.subscribedKeys[key]
		if rs.state != peerSynchronized || subscribed {
			s.sendToPeer(guid, msg)
		}
	}
}

func (s *Server) sendToClient(guid types.Guid, msg wire.Message) {
	if err := s.tr.Send(guid, wire.Encode(msg)); err != nil {
		s.logger.Debug("client send failed",
			zap.Uint64("client", uint64(guid)), zap.Error(err))
	}
}

func (s *Server) sendToPeer(guid types.Guid, msg wire.Message) {
	if err := s.tr.Send(guid, wire.Encode(msg)); err != nil {
		s.logger.Debug("peer send failed",
			zap.Uint64("peer", uint64(guid)), zap.Error(err))
		return
	}
	s.metrics.ServerMessagesSent.Inc()
}

// broadcastToPeers sends one advertisement update to every registered peer.
func (s *Server) broadcastToPeers(msg wire.Message) {
	for _, guid := range s.peerOrder {
		s.sendToPeer(guid, msg)
	}
}
