package cloud

import (
	"go.uber.org/zap"

	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

// getOrAllocate returns the repository entry for a key, inserting an empty
// one if needed. The second return reports whether the entry was created by
// this call so failed posts can undo the allocation.
func (s *Server) getOrAllocate(key types.CloudKey) (*cloudDataList, bool) {
	list := s.dataRepository[key]
	if list != nil {
		return list, false
	}
	list = newCloudDataList(key)
	s.dataRepository[key] = list
	return list, true
}

func (s *Server) dropListIfUnused(list *cloudDataList) {
	if list.unused() {
		delete(s.dataRepository, list.key)
	}
}

func (s *Server) onPostRequest(from types.Guid, addr types.Address, m *wire.PostRequest) {
	quota := s.cfg.MaxUploadBytesPerClient
	payloadLen := uint64(len(m.Payload))
	if quota > 0 && payloadLen > quota {
		s.metrics.QuotaRejections.Inc()
		return
	}
	if !s.filterPost(from, addr, m.Key, m.Payload) {
		return
	}

	client := s.getOrCreateClient(from)
	list, listCreated := s.getOrAllocate(m.Key)
	data := list.data(from)

	var existingBytes uint64
	if data != nil {
		existingBytes = uint64(len(data.payload))
	}
	if quota > 0 && client.uploadedBytes-existingBytes+payloadLen > quota {
		s.metrics.QuotaRejections.Inc()
		s.logger.Debug("post rejected by quota",
			zap.Uint64("client", uint64(from)),
			zap.String("key", m.Key.String()),
			zap.Uint64("uploaded_bytes", client.uploadedBytes),
			zap.Uint64("payload_bytes", payloadLen))
		if listCreated {
			s.dropListIfUnused(list)
		}
		s.dropClientIfUnused(from, client)
		return
	}

	// An overwrite keeps uploaderCount; a fresh upload or the fill-in of a
	// subscription placeholder raises it.
	newUpload := data == nil || !data.isUploaded
	firstOwner := list.uploaderCount == 0

	if data == nil {
		data = &cloudData{
			ownerGuid:           from,
			specificSubscribers: make(map[types.Guid]struct{}),
		}
		list.insert(from, data)
	}
	if newUpload {
		list.uploaderCount++
	}

	data.isUploaded = true
	data.payload = m.Payload
	data.ownerClientAddr = addr
	data.originServerAddr = s.externalAddress()
	data.originServerGuid = s.guid

	client.uploadedBytes = client.uploadedBytes - existingBytes + payloadLen
	client.uploadedKeys[m.Key] = struct{}{}

	if newUpload && firstOwner {
		s.broadcastToPeers(&wire.AddUploadedKey{Key: m.Key})
	}

	row := data.row(m.Key)
	s.notifyClientSubscribers(row, data.specificSubscribers, true)
	s.notifyClientSubscribers(row, list.nonSpecificSubscribers, true)
	s.notifyServerSubscribers(row, m.Key, true)

	s.metrics.PostsTotal.Inc()
	s.updateGauges()
}

func (s *Server) onReleaseRequest(from types.Guid, addr types.Address, m *wire.ReleaseRequest) {
	if len(m.Keys) == 0 {
		return
	}
	client := s.remoteClients[from]
	if client == nil {
		return
	}
	if !s.filterRelease(from, addr, m.Keys) {
		return
	}

	for _, key := range m.Keys {
		s.releaseKey(from, client, key)
	}
	s.dropClientIfUnused(from, client)

	s.metrics.ReleasesTotal.Inc()
	s.updateGauges()
}

// releaseKey withdraws one client's upload under one key: subscribers hear a
// removal carrying the final payload, peers hear a retraction if the key has
// no local owner left, and empty structures are torn down.
func (s *Server) releaseKey(clientGuid types.Guid, client *remoteCloudClient, key types.CloudKey) {
	if _, uploaded := client.uploadedKeys[key]; !uploaded {
		return
	}
	delete(client.uploadedKeys, key)

	list := s.dataRepository[key]
	if list == nil {
		return
	}
	data := list.data(clientGuid)
	if data == nil || !data.isUploaded {
		return
	}

	client.uploadedBytes -= uint64(len(data.payload))
	list.uploaderCount--

	row := data.row(key)
	s.notifyClientSubscribers(row, data.specificSubscribers, false)
	s.notifyClientSubscribers(row, list.nonSpecificSubscribers, false)
	s.notifyServerSubscribers(row, key, false)

	data.clearPayload()
	if data.unused() {
		list.remove(clientGuid)
	}
	if list.uploaderCount == 0 {
		s.broadcastToPeers(&wire.RemoveUploadedKey{Key: key})
	}
	s.dropListIfUnused(list)
}

// queryRows answers a query from local state only. Keys are visited in
// query order and owners in upload order; duplicate keys in the query yield
// duplicate rows.
func (s *Server) queryRows(keys []types.CloudKey, specificSystems []types.Guid) []types.CloudQueryRow {
	var wanted map[types.Guid]struct{}
	if len(specificSystems) > 0 {
		wanted = make(map[types.Guid]struct{}, len(specificSystems))
		for _, owner := range specificSystems {
			wanted[owner] = struct{}{}
		}
	}
	var rows []types.CloudQueryRow
	for _, key := range keys {
		list := s.dataRepository[key]
		if list == nil || list.uploaderCount == 0 {
			continue
		}
		for _, owner := range list.owners {
			if wanted != nil {
				if _, ok := wanted[owner]; !ok {
					continue
				}
			}
			if data := list.byOwner[owner]; data.isUploaded {
				rows = append(rows, data.row(key))
			}
		}
	}
	return rows
}
