package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudmesh/pkg/types"
)

func TestPostRequestLayout(t *testing.T) {
	frame := Encode(&PostRequest{
		Key:     types.CloudKey{Primary: 1, Secondary: 2},
		Payload: []byte("hi"),
	})

	expected := []byte{
		tagPost,
		0, 0, 0, 1, // primary
		0, 0, 0, 2, // secondary
		0, 0, 0, 2, // payload length
		'h', 'i',
	}
	assert.Equal(t, expected, frame)
}

func TestRowLayout(t *testing.T) {
	row := types.CloudQueryRow{
		Key:           types.CloudKey{Primary: 9, Secondary: 1},
		Payload:       []byte("x"),
		ServerAddress: "a:1",
		ClientAddress: "b:2",
		ServerGuid:    0x0102030405060708,
		ClientGuid:    7,
	}
	frame := Encode(&SubscriptionNotification{WasUpdated: true, Row: row})

	expected := []byte{
		tagSubscriptionNotification,
		1,          // wasUpdated
		0, 0, 0, 9, // key primary
		0, 0, 0, 1, // key secondary
		0, 0, 0, 1, // payload length
		'x',
		0, 3, 'a', ':', '1', // server address
		0, 3, 'b', ':', '2', // client address
		1, 2, 3, 4, 5, 6, 7, 8, // server guid
		0, 0, 0, 0, 0, 0, 0, 7, // client guid
	}
	assert.Equal(t, expected, frame)
}

func TestGetRequestRoundTrip(t *testing.T) {
	in := &GetRequest{
		Query: types.CloudQuery{
			Keys:               []types.CloudKey{{Primary: 1}, {Primary: 2, Secondary: 3}},
			MaxRows:            10,
			StartingRow:        4,
			SubscribeToResults: true,
		},
		SpecificSystems: []types.Guid{11, 22},
	}

	out, err := Decode(Encode(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestServerToServerRoundTrip(t *testing.T) {
	messages := []Message{
		&ProcessGetRequest{
			Query:     types.CloudQuery{Keys: []types.CloudKey{{Primary: 5, Secondary: 6}}},
			RequestID: 42,
		},
		&ProcessGetResponse{
			RequestID: 42,
			Rows: []types.CloudQueryRow{{
				Key:        types.CloudKey{Primary: 5, Secondary: 6},
				Payload:    []byte("payload"),
				ClientGuid: 9,
			}},
		},
		&UploadedAndSubscribedKeys{
			Uploaded:   []types.CloudKey{{Primary: 1}},
			Subscribed: []types.CloudKey{{Primary: 2}, {Primary: 3}},
		},
		&AddUploadedKey{Key: types.CloudKey{Primary: 7, Secondary: 7}},
		&RemoveUploadedKey{Key: types.CloudKey{Primary: 7, Secondary: 7}},
		&AddSubscribedKey{Key: types.CloudKey{Primary: 8}},
		&RemoveSubscribedKey{Key: types.CloudKey{Primary: 8}},
		&DataChanged{
			WasUpdated: false,
			Row:        types.CloudQueryRow{Key: types.CloudKey{Primary: 4}},
		},
	}

	for _, in := range messages {
		out, err := Decode(Encode(in))
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEmptySnapshotRoundTrip(t *testing.T) {
	out, err := Decode(Encode(&UploadedAndSubscribedKeys{}))
	require.NoError(t, err)
	snap := out.(*UploadedAndSubscribedKeys)
	assert.Empty(t, snap.Uploaded)
	assert.Empty(t, snap.Subscribed)
}

func TestHelloRoundTrip(t *testing.T) {
	in := &Hello{Guid: 123, Address: "192.168.1.5:7200"}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestPushChunkRoundTrip(t *testing.T) {
	in := &PushChunk{StreamID: 3, Offset: 65536, Final: true, Data: []byte("tail")}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty frame":        {},
		"unknown tag":        {0xff, 1, 2, 3},
		"truncated post key": {tagPost, 0, 0, 0, 1},
		"payload past end":   {tagPost, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 99, 'x'},
		"bare s2s tag":       {tagServerToServer},
		"unknown s2s sub":    {tagServerToServer, 0x7f},
		"row count bomb":     {tagServerToServer, stscProcessGetResponse, 0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff},
	}

	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeTruncatedEverywhere(t *testing.T) {
	// Chopping a valid frame anywhere must fail cleanly, never panic.
	frame := Encode(&GetResponse{
		Query: types.CloudQuery{Keys: []types.CloudKey{{Primary: 1, Secondary: 2}}},
		Rows: []types.CloudQueryRow{{
			Key:           types.CloudKey{Primary: 1, Secondary: 2},
			Payload:       []byte("abc"),
			ServerAddress: "h:1",
			ClientAddress: "h:2",
			ServerGuid:    5,
			ClientGuid:    6,
		}},
	})

	for cut := 1; cut < len(frame); cut++ {
		_, err := Decode(frame[:cut])
		require.Error(t, err, "cut at %d", cut)
	}
}
