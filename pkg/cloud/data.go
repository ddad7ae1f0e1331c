package cloud

import (
	"time"

	"cloudmesh/pkg/types"
)

// cloudData is the payload one owner holds under one key, together with the
// local clients subscribed to that owner specifically. An entry with
// isUploaded false carries no payload and is kept alive only by its
// specific subscribers.
type cloudData struct {
	ownerGuid        types.Guid
	ownerClientAddr  types.Address
	originServerAddr types.Address
	originServerGuid types.Guid

	payload    []byte
	isUploaded bool

	specificSubscribers map[types.Guid]struct{}
}

func (d *cloudData) unused() bool {
	return !d.isUploaded && len(d.specificSubscribers) == 0
}

func (d *cloudData) clearPayload() {
	d.payload = nil
	d.isUploaded = false
}

func (d *cloudData) row(key types.CloudKey) types.CloudQueryRow {
	return types.CloudQueryRow{
		Key:           key,
		Payload:       d.payload,
		ServerAddress: d.originServerAddr,
		ClientAddress: d.ownerClientAddr,
		ServerGuid:    d.originServerGuid,
		ClientGuid:    d.ownerGuid,
	}
}

// cloudDataList aggregates everything stored under one key: the per-owner
// entries in upload order, plus the local clients subscribed to the key
// regardless of owner.
type cloudDataList struct {
	key     types.CloudKey
	byOwner map[types.Guid]*cloudData
	// owners preserves insertion order; query results enumerate it.
	owners []types.Guid

	nonSpecificSubscribers map[types.Guid]struct{}

	uploaderCount   int
	subscriberCount int
}

func newCloudDataList(key types.CloudKey) *cloudDataList {
	return &cloudDataList{
		key:                    key,
		byOwner:                make(map[types.Guid]*cloudData),
		nonSpecificSubscribers: make(map[types.Guid]struct{}),
	}
}

func (l *cloudDataList) unused() bool {
	return l.uploaderCount == 0 && l.subscriberCount == 0
}

func (l *cloudDataList) data(owner types.Guid) *cloudData {
	return l.byOwner[owner]
}

func (l *cloudDataList) insert(owner types.Guid, d *cloudData) {
	l.byOwner[owner] = d
	l.owners = append(l.owners, owner)
}

func (l *cloudDataList) remove(owner types.Guid) {
	delete(l.byOwner, owner)
	for i, g := range l.owners {
		if g == owner {
			l.owners = append(l.owners[:i], l.owners[i+1:]...)
			break
		}
	}
}

// keySubscription is one client's subscription to one key. An empty specific
// set subscribes to every owner; otherwise only the named owners.
type keySubscription struct {
	specific map[types.Guid]struct{}
}

func (k *keySubscription) isGlobal() bool {
	return len(k.specific) == 0
}

// remoteCloudClient tracks one connected client: its uploads, its byte
// budget consumption, and its subscriptions. The registry keeps an entry
// only while any of those is non-trivial.
type remoteCloudClient struct {
	uploadedKeys   map[types.CloudKey]struct{}
	uploadedBytes  uint64
	subscribedKeys map[types.CloudKey]*keySubscription
}

func newRemoteCloudClient() *remoteCloudClient {
	return &remoteCloudClient{
		uploadedKeys:   make(map[types.CloudKey]struct{}),
		subscribedKeys: make(map[types.CloudKey]*keySubscription),
	}
}

func (c *remoteCloudClient) unused() bool {
	return len(c.uploadedKeys) == 0 && len(c.subscribedKeys) == 0 && c.uploadedBytes == 0
}

// peerState tracks how far the key-set handshake with a federated peer has
// progressed. Only a synchronized peer may be skipped during query fan-out
// on the strength of its advertisements.
type peerState int

const (
	peerHandshakeInFlight peerState = iota
	peerSynchronized
)

// remoteServer is the local view of one federated peer.
type remoteServer struct {
	guid    types.Guid
	address types.Address

	uploadedKeys   map[types.CloudKey]struct{}
	subscribedKeys map[types.CloudKey]struct{}

	state peerState

	// working is fan-out scratch; only valid within one candidate
	// computation.
	working bool
}

func newRemoteServer(guid types.Guid, address types.Address) *remoteServer {
	return &remoteServer{
		guid:           guid,
		address:        address,
		uploadedKeys:   make(map[types.CloudKey]struct{}),
		subscribedKeys: make(map[types.CloudKey]struct{}),
	}
}

// bufferedGetResponse is one peer's slot in an in-flight aggregated get.
type bufferedGetResponse struct {
	peer      types.Guid
	gotResult bool
	rows      []types.CloudQueryRow
}

// getRequest is an in-flight aggregated query. It exists only while at least
// one peer slot is outstanding.
type getRequest struct {
	requestID        uint32
	requestingClient types.Guid
	query            types.CloudQuery
	specificSystems  []types.Guid

	// responses holds one slot per fanned-out peer, in fan-out order; the
	// merged reply enumerates it in that order.
	responses []*bufferedGetResponse

	startTime time.Time
}

func (g *getRequest) slot(peer types.Guid) *bufferedGetResponse {
	for _, r := range g.responses {
		if r.peer == peer {
			return r
		}
	}
	return nil
}

func (g *getRequest) dropSlot(peer types.Guid) bool {
	for i, r := range g.responses {
		if r.peer == peer {
			g.responses = append(g.responses[:i], g.responses[i+1:]...)
			return true
		}
	}
	return false
}

func (g *getRequest) allResponded() bool {
	for _, r := range g.responses {
		if !r.gotResult {
			return false
		}
	}
	return true
}
