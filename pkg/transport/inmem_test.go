package transport

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudmesh/pkg/types"
)

func drain(ep *Endpoint) []Event {
	var events []Event
	for {
		select {
		case ev := <-ep.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestConnectDeliversEventsBothWays(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join(1, "a:1")
	b := mesh.Join(2, "b:2")

	require.NoError(t, mesh.Connect(1, 2))

	eventsA := drain(a)
	require.Len(t, eventsA, 1)
	assert.Equal(t, EventConnected, eventsA[0].Type)
	assert.Equal(t, types.Guid(2), eventsA[0].Peer)
	assert.Equal(t, types.Address("b:2"), eventsA[0].Address)

	eventsB := drain(b)
	require.Len(t, eventsB, 1)
	assert.Equal(t, types.Guid(1), eventsB[0].Peer)
}

func TestSendPreservesOrderPerSender(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join(1, "a:1")
	b := mesh.Join(2, "b:2")
	require.NoError(t, mesh.Connect(1, 2))
	drain(b)

	for i := 0; i < 100; i++ {
		require.NoError(t, a.Send(2, []byte(fmt.Sprintf("frame-%03d", i))))
	}

	events := drain(b)
	require.Len(t, events, 100)
	for i, ev := range events {
		assert.Equal(t, EventPacket, ev.Type)
		assert.Equal(t, fmt.Sprintf("frame-%03d", i), string(ev.Data))
	}
}

func TestSendToUnlinkedPeerFails(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join(1, "a:1")
	mesh.Join(2, "b:2")

	assert.Error(t, a.Send(2, []byte("nope")))
}

func TestSendCopiesFrame(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join(1, "a:1")
	b := mesh.Join(2, "b:2")
	require.NoError(t, mesh.Connect(1, 2))
	drain(b)

	frame := []byte("original")
	require.NoError(t, a.Send(2, frame))
	frame[0] = 'X'

	events := drain(b)
	require.Len(t, events, 1)
	assert.Equal(t, "original", string(events[0].Data))
}

func TestDisconnectNotifiesBothSides(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join(1, "a:1")
	b := mesh.Join(2, "b:2")
	require.NoError(t, mesh.Connect(1, 2))
	drain(a)
	drain(b)

	mesh.Disconnect(1, 2)

	eventsA := drain(a)
	require.Len(t, eventsA, 1)
	assert.Equal(t, EventDisconnected, eventsA[0].Type)

	eventsB := drain(b)
	require.Len(t, eventsB, 1)
	assert.Equal(t, EventDisconnected, eventsB[0].Type)

	assert.Error(t, a.Send(2, []byte("late")))
}

func TestCloseDropsAllLinks(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join(1, "a:1")
	b := mesh.Join(2, "b:2")
	c := mesh.Join(3, "c:3")
	require.NoError(t, mesh.Connect(1, 2))
	require.NoError(t, mesh.Connect(1, 3))
	drain(b)
	drain(c)

	require.NoError(t, a.Close())

	eventsB := drain(b)
	require.Len(t, eventsB, 1)
	assert.Equal(t, EventDisconnected, eventsB[0].Type)

	eventsC := drain(c)
	require.Len(t, eventsC, 1)
	assert.Equal(t, EventDisconnected, eventsC[0].Type)
}
