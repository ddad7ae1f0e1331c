package cloud

import (
	"go.uber.org/zap"

	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

func (s *Server) onGetRequest(from types.Guid, addr types.Address, m *wire.GetRequest) {
	if len(m.Query.Keys) == 0 {
		return
	}
	if !s.filterGet(from, addr, m.Query, m.SpecificSystems) {
		return
	}
	s.metrics.GetsTotal.Inc()

	req := &getRequest{
		requestID:        s.nextGetRequestID,
		requestingClient: from,
		query:            m.Query,
		specificSystems:  m.SpecificSystems,
		startTime:        s.now(),
	}
	s.nextGetRequestID++

	candidates := s.serversWithUploadedKeys(m.Query.Keys)
	if len(candidates) == 0 {
		// Nothing advertised anywhere else; answer from local state now.
		s.completeGetRequest(req)
	} else {
		s.metrics.FanoutQueries.Inc()
		out := &wire.ProcessGetRequest{
			Query:           m.Query,
			SpecificSystems: m.SpecificSystems,
			RequestID:       req.requestID,
		}
		for _, rs := range candidates {
			req.responses = append(req.responses, &bufferedGetResponse{peer: rs.guid})
			s.sendToPeer(rs.guid, out)
		}
		s.getRequests[req.requestID] = req
		s.requestOrder = append(s.requestOrder, req.requestID)
	}

	if m.Query.SubscribeToResults {
		client := s.getOrCreateClient(from)
		for _, key := range m.Query.Keys {
			s.subscribeToKey(from, client, key, m.SpecificSystems)
		}
		s.dropClientIfUnused(from, client)
	}
	s.updateGauges()
}

// serversWithUploadedKeys computes the fan-out candidates: every peer whose
// handshake has not finished (its advertisements are unknown, so it must be
// consulted) and every synchronized peer advertising at least one queried
// key.
func (s *Server) serversWithUploadedKeys(keys []types.CloudKey) []*remoteServer {
	for _, guid := range s.peerOrder {
		s.remoteServers[guid].working = false
	}

	var out []*remoteServer
	for _, guid := range s.peerOrder {
		rs := s.remoteServers[guid]
		if rs.working {
			continue
		}
		if rs.state != peerSynchronized {
			rs.working = true
			out = append(out, rs)
			continue
		}
		for _, key := range keys {
			if _, has := rs.uploadedKeys[key]; has {
				rs.working = true
				out = append(out, rs)
				break
			}
		}
	}
	return out
}

func (s *Server) onServerGetRequest(from types.Guid, m *wire.ProcessGetRequest) {
	if s.requirePeer(from) == nil {
		return
	}
	rows := s.queryRows(m.Query.Keys, m.SpecificSystems)
	s.sendToPeer(from, &wire.ProcessGetResponse{RequestID: m.RequestID, Rows: rows})
}

func (s *Server) onServerGetResponse(from types.Guid, m *wire.ProcessGetResponse) {
	if s.requirePeer(from) == nil {
		return
	}
	req := s.getRequests[m.RequestID]
	if req == nil {
		return
	}
	slot := req.slot(from)
	if slot == nil || slot.gotResult {
		return
	}
	slot.gotResult = true
	slot.rows = m.Rows

	if req.allResponded() {
		s.completeGetRequest(req)
		s.removeGetRequest(req.requestID)
	}
}

// completeGetRequest merges local rows with whatever peers returned and
// replies to the originating client. Local rows come first, then each peer's
// rows in fan-out order; pagination and the download cap apply across the
// concatenation.
func (s *Server) completeGetRequest(req *getRequest) {
	rows := s.queryRows(req.query.Keys, req.specificSystems)
	for _, slot := range req.responses {
		rows = append(rows, slot.rows...)
	}
	rows = paginateRows(rows, req.query.StartingRow, req.query.MaxRows, s.cfg.MaxBytesPerDownload)

	s.sendToClient(req.requestingClient, &wire.GetResponse{Query: req.query, Rows: rows})
}

func (s *Server) removeGetRequest(id uint32) {
	delete(s.getRequests, id)
	for i, other := range s.requestOrder {
		if other == id {
			s.requestOrder = append(s.requestOrder[:i], s.requestOrder[i+1:]...)
			break
		}
	}
	s.updateGauges()
}

// sweepGetRequests completes requests older than the timeout with whatever
// arrived. A degraded response, not an error.
func (s *Server) sweepGetRequests() {
	now := s.now()
	if now.Before(s.nextSweep) {
		return
	}
	s.nextSweep = now.Add(s.cfg.GetSweepInterval)

	var expired []uint32
	for _, id := range s.requestOrder {
		if now.Sub(s.getRequests[id].startTime) > s.cfg.GetRequestTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		req := s.getRequests[id]
		s.metrics.GetTimeouts.Inc()
		s.logger.Debug("get request timed out",
			zap.Uint32("request_id", id),
			zap.Uint64("client", uint64(req.requestingClient)))
		s.completeGetRequest(req)
		s.removeGetRequest(id)
	}
}

// dropPeerFromGetRequests discards a disconnected peer's slots; requests
// left with every remaining slot filled complete immediately.
func (s *Server) dropPeerFromGetRequests(peer types.Guid) {
	order := make([]uint32, len(s.requestOrder))
	copy(order, s.requestOrder)

	for _, id := range order {
		req := s.getRequests[id]
		if req == nil || !req.dropSlot(peer) {
			continue
		}
		if req.allResponded() {
			s.completeGetRequest(req)
			s.removeGetRequest(id)
		}
	}
}

// paginateRows applies the starting-row skip, the row cap (0 = unlimited)
// and the download byte cap (0 = unlimited, rows dropped whole).
func paginateRows(rows []types.CloudQueryRow, startingRow, maxRows uint32, maxBytes uint64) []types.CloudQueryRow {
	if uint32(len(rows)) <= startingRow {
		rows = nil
	} else {
		rows = rows[startingRow:]
	}
	if maxRows > 0 && uint32(len(rows)) > maxRows {
		rows = rows[:maxRows]
	}
	if maxBytes > 0 {
		var total uint64
		for i, row := range rows {
			total += uint64(len(row.Payload))
			if total > maxBytes {
				rows = rows[:i]
				break
			}
		}
	}
	return rows
}
