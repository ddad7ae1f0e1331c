package cloud

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cloudmesh/pkg/transport"
	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

type ticker interface {
	Tick() int
}

// pumpAll ticks every party until the whole mesh goes quiet.
func pumpAll(t *testing.T, parties ...ticker) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		n := 0
		for _, p := range parties {
			n += p.Tick()
		}
		if n == 0 {
			return
		}
	}
	t.Fatal("mesh did not settle")
}

func newTestServer(t *testing.T, mesh *transport.Mesh, guid types.Guid, cfg Config) *Server {
	t.Helper()
	ep := mesh.Join(guid, types.Address(fmt.Sprintf("10.0.0.%d:7200", guid)))
	return NewServer(cfg, ep, zap.NewNop(), nil)
}

type notification struct {
	wasUpdated bool
	row        types.CloudQueryRow
}

// testClient drives a client against one server and records everything that
// comes back.
type testClient struct {
	guid          types.Guid
	client        *Client
	responses     []*wire.GetResponse
	notifications []notification
}

func (c *testClient) OnGetResponse(resp *wire.GetResponse) {
	c.responses = append(c.responses, resp)
}

func (c *testClient) OnSubscriptionNotification(wasUpdated bool, row types.CloudQueryRow) {
	c.notifications = append(c.notifications, notification{wasUpdated: wasUpdated, row: row})
}

func (c *testClient) Tick() int { return c.client.Tick() }

func newTestClient(t *testing.T, mesh *transport.Mesh, guid types.Guid, server *Server) *testClient {
	t.Helper()
	ep := mesh.Join(guid, types.Address(fmt.Sprintf("10.0.1.%d:0", guid)))
	c := &testClient{guid: guid}
	c.client = NewClient(ep, server.Guid(), c, zap.NewNop())
	require.NoError(t, mesh.Connect(guid, server.Guid()))
	return c
}

// checkInvariants verifies the structural invariants of a server's state.
func checkInvariants(t *testing.T, s *Server) {
	t.Helper()

	for key, list := range s.dataRepository {
		specific := 0
		uploaders := 0
		for _, owner := range list.owners {
			data := list.byOwner[owner]
			specific += len(data.specificSubscribers)
			if data.isUploaded {
				uploaders++
			}
		}
		assert.Equal(t, len(list.nonSpecificSubscribers)+specific, list.subscriberCount,
			"subscriber count for %v", key)
		assert.Equal(t, uploaders, list.uploaderCount, "uploader count for %v", key)
		assert.False(t, list.unused(), "unused list retained for %v", key)
		assert.Equal(t, len(list.owners), len(list.byOwner), "owner index for %v", key)
	}

	for guid, client := range s.remoteClients {
		assert.False(t, client.unused(), "unused client retained for %v", guid)
		var bytes uint64
		for key := range client.uploadedKeys {
			if list := s.dataRepository[key]; list != nil {
				if data := list.data(guid); data != nil {
					bytes += uint64(len(data.payload))
				}
			}
		}
		assert.Equal(t, bytes, client.uploadedBytes, "uploaded bytes for %v", guid)
	}

	for id, req := range s.getRequests {
		assert.NotEmpty(t, req.responses, "request %d has no outstanding slots", id)
		assert.False(t, req.allResponded(), "completed request %d retained", id)
	}
}

func TestPostThenGet(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	a := newTestClient(t, mesh, 100, server)
	b := newTestClient(t, mesh, 101, server)

	key := types.CloudKey{Primary: 1}
	require.NoError(t, a.client.Post(key, []byte("hello")))
	require.NoError(t, b.client.Get(types.CloudQuery{Keys: []types.CloudKey{key}}))
	pumpAll(t, server, a, b)

	require.Len(t, b.responses, 1)
	rows := b.responses[0].Rows
	require.Len(t, rows, 1)
	assert.Equal(t, []byte("hello"), rows[0].Payload)
	assert.Equal(t, a.guid, rows[0].ClientGuid)
	assert.Equal(t, server.Guid(), rows[0].ServerGuid)
	checkInvariants(t, server)
}

func TestOverwriteKeepsLastWrite(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	a := newTestClient(t, mesh, 100, server)

	key := types.CloudKey{Primary: 3, Secondary: 4}
	require.NoError(t, a.client.Post(key, []byte("first")))
	require.NoError(t, a.client.Post(key, []byte("second")))
	require.NoError(t, a.client.Get(types.CloudQuery{Keys: []types.CloudKey{key}}))
	pumpAll(t, server, a)

	require.Len(t, a.responses, 1)
	rows := a.responses[0].Rows
	require.Len(t, rows, 1)
	assert.Equal(t, []byte("second"), rows[0].Payload)

	list := server.dataRepository[key]
	require.NotNil(t, list)
	assert.Equal(t, 1, list.uploaderCount)
	checkInvariants(t, server)
}

func TestQuotaEnforcement(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{MaxUploadBytesPerClient: 1000})
	a := newTestClient(t, mesh, 100, server)

	require.NoError(t, a.client.Post(types.CloudKey{Primary: 1}, make([]byte, 600)))
	require.NoError(t, a.client.Post(types.CloudKey{Primary: 2}, make([]byte, 500)))
	pumpAll(t, server, a)

	client := server.remoteClients[a.guid]
	require.NotNil(t, client)
	assert.Equal(t, uint64(600), client.uploadedBytes)
	assert.Contains(t, client.uploadedKeys, types.CloudKey{Primary: 1})
	assert.NotContains(t, client.uploadedKeys, types.CloudKey{Primary: 2})
	assert.NotContains(t, server.dataRepository, types.CloudKey{Primary: 2})

	// An overwrite only charges the delta.
	require.NoError(t, a.client.Post(types.CloudKey{Primary: 1}, make([]byte, 900)))
	pumpAll(t, server, a)
	assert.Equal(t, uint64(900), client.uploadedBytes)
	checkInvariants(t, server)
}

func TestQuotaRejectsOversizedSinglePost(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{MaxUploadBytesPerClient: 100})
	a := newTestClient(t, mesh, 100, server)

	require.NoError(t, a.client.Post(types.CloudKey{Primary: 1}, make([]byte, 101)))
	pumpAll(t, server, a)

	assert.Empty(t, server.dataRepository)
	assert.Empty(t, server.remoteClients)
}

func TestSubscriptionFanout(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	a := newTestClient(t, mesh, 100, server)
	b := newTestClient(t, mesh, 101, server)

	key := types.CloudKey{Primary: 7, Secondary: 7}
	require.NoError(t, b.client.Get(types.CloudQuery{
		Keys:               []types.CloudKey{key},
		SubscribeToResults: true,
	}))
	pumpAll(t, server, a, b)
	require.Len(t, b.responses, 1)
	assert.Empty(t, b.responses[0].Rows)

	payload := make([]byte, 64)
	require.NoError(t, a.client.Post(key, payload))
	pumpAll(t, server, a, b)

	require.Len(t, b.notifications, 1)
	assert.True(t, b.notifications[0].wasUpdated)
	assert.Equal(t, payload, b.notifications[0].row.Payload)
	assert.Equal(t, a.guid, b.notifications[0].row.ClientGuid)

	require.NoError(t, a.client.Release(key))
	pumpAll(t, server, a, b)

	require.Len(t, b.notifications, 2)
	assert.False(t, b.notifications[1].wasUpdated)

	// The key survives on the subscription alone.
	list := server.dataRepository[key]
	require.NotNil(t, list)
	assert.Equal(t, 0, list.uploaderCount)
	assert.Equal(t, 1, list.subscriberCount)
	checkInvariants(t, server)
}

func TestReleaseTearsDownState(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	a := newTestClient(t, mesh, 100, server)

	key := types.CloudKey{Primary: 5}
	require.NoError(t, a.client.Post(key, []byte("data")))
	require.NoError(t, a.client.Release(key))
	require.NoError(t, a.client.Get(types.CloudQuery{Keys: []types.CloudKey{key}}))
	pumpAll(t, server, a)

	require.Len(t, a.responses, 1)
	assert.Empty(t, a.responses[0].Rows)
	assert.Empty(t, server.dataRepository)
	assert.Empty(t, server.remoteClients)
}

func TestSpecificSubscriptionSupersededByGlobal(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	b := newTestClient(t, mesh, 101, server)

	key := types.CloudKey{Primary: 2, Secondary: 2}
	ownerX := types.Guid(500)

	require.NoError(t, b.client.Get(types.CloudQuery{
		Keys:               []types.CloudKey{key},
		SubscribeToResults: true,
	}, ownerX))
	pumpAll(t, server, b)

	list := server.dataRepository[key]
	require.NotNil(t, list)
	data := list.data(ownerX)
	require.NotNil(t, data)
	assert.Contains(t, data.specificSubscribers, b.guid)
	assert.Equal(t, 1, list.subscriberCount)
	checkInvariants(t, server)

	// Re-subscribe without an owner filter: the specific membership goes,
	// the non-specific one arrives, the count stays consistent.
	require.NoError(t, b.client.Get(types.CloudQuery{
		Keys:               []types.CloudKey{key},
		SubscribeToResults: true,
	}))
	pumpAll(t, server, b)

	list = server.dataRepository[key]
	require.NotNil(t, list)
	assert.Nil(t, list.data(ownerX), "placeholder should be gone")
	assert.Contains(t, list.nonSpecificSubscribers, b.guid)
	assert.Equal(t, 1, list.subscriberCount)
	checkInvariants(t, server)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	b := newTestClient(t, mesh, 101, server)

	key := types.CloudKey{Primary: 6}
	for i := 0; i < 3; i++ {
		require.NoError(t, b.client.Get(types.CloudQuery{
			Keys:               []types.CloudKey{key},
			SubscribeToResults: true,
		}))
	}
	pumpAll(t, server, b)

	list := server.dataRepository[key]
	require.NotNil(t, list)
	assert.Equal(t, 1, list.subscriberCount)
	checkInvariants(t, server)
}

func TestUnsubscribeDestroysUnusedKey(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	b := newTestClient(t, mesh, 101, server)

	key := types.CloudKey{Primary: 8}
	require.NoError(t, b.client.Get(types.CloudQuery{
		Keys:               []types.CloudKey{key},
		SubscribeToResults: true,
	}))
	require.NoError(t, b.client.Unsubscribe([]types.CloudKey{key}))
	pumpAll(t, server, b)

	assert.Empty(t, server.dataRepository)
	assert.Empty(t, server.remoteClients)
}

func TestScopedUnsubscribeKeepsGlobalSubscription(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	b := newTestClient(t, mesh, 101, server)

	key := types.CloudKey{Primary: 9}
	require.NoError(t, b.client.Get(types.CloudQuery{
		Keys:               []types.CloudKey{key},
		SubscribeToResults: true,
	}))
	require.NoError(t, b.client.Unsubscribe([]types.CloudKey{key}, types.Guid(500)))
	pumpAll(t, server, b)

	list := server.dataRepository[key]
	require.NotNil(t, list)
	assert.Contains(t, list.nonSpecificSubscribers, b.guid)
	checkInvariants(t, server)
}

func TestClientDisconnectCleansUp(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	a := newTestClient(t, mesh, 100, server)
	b := newTestClient(t, mesh, 101, server)

	key := types.CloudKey{Primary: 4}
	require.NoError(t, a.client.Post(key, []byte("gone soon")))
	require.NoError(t, b.client.Get(types.CloudQuery{
		Keys:               []types.CloudKey{key},
		SubscribeToResults: true,
	}))
	pumpAll(t, server, a, b)

	mesh.Disconnect(a.guid, server.Guid())
	pumpAll(t, server, b)

	// B hears the removal; A's state is fully gone.
	require.Len(t, b.notifications, 1)
	assert.False(t, b.notifications[0].wasUpdated)
	assert.NotContains(t, server.remoteClients, a.guid)

	list := server.dataRepository[key]
	require.NotNil(t, list)
	assert.Equal(t, 0, list.uploaderCount)
	checkInvariants(t, server)

	mesh.Disconnect(b.guid, server.Guid())
	pumpAll(t, server)
	assert.Empty(t, server.dataRepository)
	assert.Empty(t, server.remoteClients)
}

func TestDuplicateKeysInQueryDuplicateRows(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	a := newTestClient(t, mesh, 100, server)

	key := types.CloudKey{Primary: 11}
	require.NoError(t, a.client.Post(key, []byte("d")))
	require.NoError(t, a.client.Get(types.CloudQuery{Keys: []types.CloudKey{key, key}}))
	pumpAll(t, server, a)

	require.Len(t, a.responses, 1)
	assert.Len(t, a.responses[0].Rows, 2)
}

func TestSpecificSystemsFilterQueries(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	a := newTestClient(t, mesh, 100, server)
	b := newTestClient(t, mesh, 101, server)
	c := newTestClient(t, mesh, 102, server)

	key := types.CloudKey{Primary: 12}
	require.NoError(t, a.client.Post(key, []byte("from-a")))
	require.NoError(t, b.client.Post(key, []byte("from-b")))
	require.NoError(t, c.client.Get(types.CloudQuery{Keys: []types.CloudKey{key}}, b.guid))
	pumpAll(t, server, a, b, c)

	require.Len(t, c.responses, 1)
	rows := c.responses[0].Rows
	require.Len(t, rows, 1)
	assert.Equal(t, []byte("from-b"), rows[0].Payload)
}

func TestPaginateRows(t *testing.T) {
	row := func(n int) types.CloudQueryRow {
		return types.CloudQueryRow{Payload: make([]byte, n)}
	}
	rows := []types.CloudQueryRow{row(10), row(10), row(10), row(10)}

	assert.Len(t, paginateRows(rows, 0, 0, 0), 4)
	assert.Len(t, paginateRows(rows, 1, 0, 0), 3)
	assert.Len(t, paginateRows(rows, 0, 2, 0), 2)
	assert.Len(t, paginateRows(rows, 3, 2, 0), 1)
	assert.Empty(t, paginateRows(rows, 9, 0, 0))
	// Byte cap drops whole rows once crossed.
	assert.Len(t, paginateRows(rows, 0, 0, 25), 2)
	assert.Len(t, paginateRows(rows, 0, 0, 10), 1)
	assert.Len(t, paginateRows(rows, 0, 0, 5), 0)
}

type denyPostsFilter struct{}

func (denyPostsFilter) OnPost(types.Guid, types.Address, types.CloudKey, []byte) bool {
	return false
}
func (denyPostsFilter) OnRelease(types.Guid, types.Address, []types.CloudKey) bool { return true }
func (denyPostsFilter) OnGet(types.Guid, types.Address, types.CloudQuery, []types.Guid) bool {
	return true
}
func (denyPostsFilter) OnUnsubscribe(types.Guid, types.Address, []types.CloudKey, []types.Guid) bool {
	return true
}

func TestFilterChainRejectsSilently(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	filter := denyPostsFilter{}
	server.AddQueryFilter(filter)
	server.AddQueryFilter(filter) // deduplicated by identity
	assert.Len(t, server.filters, 1)

	a := newTestClient(t, mesh, 100, server)
	require.NoError(t, a.client.Post(types.CloudKey{Primary: 1}, []byte("nope")))
	require.NoError(t, a.client.Get(types.CloudQuery{Keys: []types.CloudKey{{Primary: 1}}}))
	pumpAll(t, server, a)

	assert.Empty(t, server.dataRepository)
	require.Len(t, a.responses, 1)
	assert.Empty(t, a.responses[0].Rows)

	server.RemoveQueryFilter(filter)
	require.NoError(t, a.client.Post(types.CloudKey{Primary: 1}, []byte("yep")))
	pumpAll(t, server, a)
	assert.Contains(t, server.dataRepository, types.CloudKey{Primary: 1})
}

func TestRateLimitFilter(t *testing.T) {
	filter := NewRateLimitFilter(1, 2)
	client := types.Guid(7)

	assert.True(t, filter.OnPost(client, "", types.CloudKey{}, nil))
	assert.True(t, filter.OnGet(client, "", types.CloudQuery{}, nil))
	assert.False(t, filter.OnPost(client, "", types.CloudKey{}, nil))
	// Cleanup traffic is never throttled.
	assert.True(t, filter.OnRelease(client, "", nil))
	assert.True(t, filter.OnUnsubscribe(client, "", nil, nil))
	// Other clients have their own budget.
	assert.True(t, filter.OnPost(types.Guid(8), "", types.CloudKey{}, nil))
}

func TestMalformedFrameDropped(t *testing.T) {
	mesh := transport.NewMesh()
	server := newTestServer(t, mesh, 1, Config{})
	ep := mesh.Join(200, "10.0.1.200:0")
	require.NoError(t, mesh.Connect(200, server.Guid()))

	require.NoError(t, ep.Send(server.Guid(), []byte{0xff, 0x00}))
	server.Tick()

	assert.Empty(t, server.dataRepository)
}
