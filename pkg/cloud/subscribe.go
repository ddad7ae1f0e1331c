package cloud

import (
	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

// subscribeToKey installs one client's subscription to one key, replacing
// any prior subscription for the same pair. An empty specificSystems list
// subscribes to every owner and supersedes earlier owner-filtered
// subscriptions.
func (s *Server) subscribeToKey(clientGuid types.Guid, client *remoteCloudClient, key types.CloudKey, specificSystems []types.Guid) {
	if _, had := client.subscribedKeys[key]; had {
		s.unsubscribeFromKey(clientGuid, client, key, nil)
	}

	sub := &keySubscription{specific: make(map[types.Guid]struct{}, len(specificSystems))}
	for _, g := range specificSystems {
		sub.specific[g] = struct{}{}
	}
	client.subscribedKeys[key] = sub

	list, _ := s.getOrAllocate(key)
	if list.subscriberCount == 0 {
		s.broadcastToPeers(&wire.AddSubscribedKey{Key: key})
	}

	if len(sub.specific) > 0 {
		for owner := range sub.specific {
			data := list.data(owner)
			if data == nil {
				// Placeholder: no payload yet, kept alive by the
				// subscription.
				data = &cloudData{
					ownerGuid:           owner,
					originServerGuid:    s.guid,
					specificSubscribers: make(map[types.Guid]struct{}),
				}
				list.insert(owner, data)
			}
			if _, dup := data.specificSubscribers[clientGuid]; !dup {
				data.specificSubscribers[clientGuid] = struct{}{}
				list.subscriberCount++
			}
		}
		return
	}

	if _, dup := list.nonSpecificSubscribers[clientGuid]; !dup {
		list.nonSpecificSubscribers[clientGuid] = struct{}{}
		list.subscriberCount++
	}

	// A non-specific subscription supersedes membership in any owner's
	// specific set. Collect the owners first; removal can destroy
	// placeholder entries.
	var owners []types.Guid
	for _, owner := range list.owners {
		if _, ok := list.byOwner[owner].specificSubscribers[clientGuid]; ok {
			owners = append(owners, owner)
		}
	}
	for _, owner := range owners {
		s.removeSpecificSubscriber(list, owner, clientGuid)
	}
}

// unsubscribeFromKey removes part or all of one client's subscription to one
// key. An empty specificSystems list removes everything; otherwise only the
// named owners are dropped. Scoped removal against a non-specific
// subscription is a no-op.
func (s *Server) unsubscribeFromKey(clientGuid types.Guid, client *remoteCloudClient, key types.CloudKey, specificSystems []types.Guid) {
	sub := client.subscribedKeys[key]
	if sub == nil {
		return
	}
	list := s.dataRepository[key]
	if list == nil {
		delete(client.subscribedKeys, key)
		return
	}

	before := list.subscriberCount

	if len(specificSystems) == 0 {
		if _, ok := list.nonSpecificSubscribers[clientGuid]; ok {
			delete(list.nonSpecificSubscribers, clientGuid)
			list.subscriberCount--
		}
		var owners []types.Guid
		for _, owner := range list.owners {
			if _, ok := list.byOwner[owner].specificSubscribers[clientGuid]; ok {
				owners = append(owners, owner)
			}
		}
		for _, owner := range owners {
			s.removeSpecificSubscriber(list, owner, clientGuid)
		}
		delete(client.subscribedKeys, key)
	} else if !sub.isGlobal() {
		for _, owner := range specificSystems {
			if _, named := sub.specific[owner]; !named {
				continue
			}
			s.removeSpecificSubscriber(list, owner, clientGuid)
			delete(sub.specific, owner)
		}
		if len(sub.specific) == 0 {
			delete(client.subscribedKeys, key)
		}
	}

	if before > 0 && list.subscriberCount == 0 {
		s.broadcastToPeers(&wire.RemoveSubscribedKey{Key: key})
	}
	s.dropListIfUnused(list)
}

// removeSpecificSubscriber drops a client from one owner's specific set and
// tears down the owner's entry if it was only a placeholder.
func (s *Server) removeSpecificSubscriber(list *cloudDataList, owner, clientGuid types.Guid) {
	data := list.byOwner[owner]
	if data == nil {
		return
	}
	if _, ok := data.specificSubscribers[clientGuid]; !ok {
		return
	}
	delete(data.specificSubscribers, clientGuid)
	list.subscriberCount--
	if data.unused() {
		list.remove(owner)
	}
}

func (s *Server) onUnsubscribeRequest(from types.Guid, addr types.Address, m *wire.UnsubscribeRequest) {
	client := s.remoteClients[from]
	if client == nil {
		return
	}
	if !s.filterUnsubscribe(from, addr, m.Keys, m.SpecificSystems) {
		return
	}

	for _, key := range m.Keys {
		if _, exists := s.dataRepository[key]; !exists {
			continue
		}
		s.unsubscribeFromKey(from, client, key, m.SpecificSystems)
	}
	s.dropClientIfUnused(from, client)

	s.metrics.UnsubscribesTotal.Inc()
	s.updateGauges()
}
