// Package wire encodes and decodes the cloudmesh protocol. Every message is
// a single transport frame: one tag byte (plus a subcommand byte for
// server-to-server traffic) followed by big-endian fields. Lengths are
// element counts unless a field name says bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"cloudmesh/pkg/types"
)

// Client <-> server tags.
const (
	tagPost byte = iota + 1
	tagRelease
	tagGet
	tagUnsubscribe
	tagGetResponse
	tagSubscriptionNotification
	tagServerToServer
	tagHello
	tagPushChunk
)

// Server <-> server subcommands, carried after tagServerToServer.
const (
	stscProcessGetRequest byte = iota
	stscProcessGetResponse
	stscUploadedAndSubscribedKeys
	stscAddUploadedKey
	stscAddSubscribedKey
	stscRemoveUploadedKey
	stscRemoveSubscribedKey
	stscDataChanged
)

var ErrMalformed = errors.New("wire: malformed message")

// Message is any frame that can cross the transport.
type Message interface {
	encode(w *writer)
}

// PostRequest uploads a payload under a key. The sender becomes the owner.
type PostRequest struct {
	Key     types.CloudKey
	Payload []byte
}

// ReleaseRequest withdraws the sender's uploads for the listed keys.
type ReleaseRequest struct {
	Keys []types.CloudKey
}

// GetRequest queries one or more keys, optionally restricted to specific
// owners and optionally subscribing to future changes.
type GetRequest struct {
	Query           types.CloudQuery
	SpecificSystems []types.Guid
}

// UnsubscribeRequest drops change subscriptions. An empty SpecificSystems
// list drops the whole subscription for each key; otherwise only the named
// owners are dropped.
type UnsubscribeRequest struct {
	Keys            []types.CloudKey
	SpecificSystems []types.Guid
}

// GetResponse answers a GetRequest. The query is echoed so the receiver can
// correlate without tracking request state.
type GetResponse struct {
	Query types.CloudQuery
	Rows  []types.CloudQueryRow
}

// SubscriptionNotification tells a subscribed client that a row changed.
// WasUpdated false means the row was removed.
type SubscriptionNotification struct {
	WasUpdated bool
	Row        types.CloudQueryRow
}

// ProcessGetRequest asks a federated peer to answer a query on behalf of one
// of our clients.
type ProcessGetRequest struct {
	Query           types.CloudQuery
	SpecificSystems []types.Guid
	RequestID       uint32
}

// ProcessGetResponse returns a peer's rows for a ProcessGetRequest.
type ProcessGetResponse struct {
	RequestID uint32
	Rows      []types.CloudQueryRow
}

// UploadedAndSubscribedKeys is the handshake snapshot: every key the sender
// holds uploaded data for, and every key with at least one local subscriber.
type UploadedAndSubscribedKeys struct {
	Uploaded   []types.CloudKey
	Subscribed []types.CloudKey
}

// Incremental advertisement updates following the snapshot.
type AddUploadedKey struct{ Key types.CloudKey }
type RemoveUploadedKey struct{ Key types.CloudKey }
type AddSubscribedKey struct{ Key types.CloudKey }
type RemoveSubscribedKey struct{ Key types.CloudKey }

// DataChanged broadcasts an upload or removal to peers that subscribed to
// the row's key and to peers whose handshake is still pending.
type DataChanged struct {
	WasUpdated bool
	Row        types.CloudQueryRow
}

// Hello is the transport-level first frame in each direction of a peer link:
// it carries the sender's identity and advertised address. It never reaches
// the cloud core.
type Hello struct {
	Guid    types.Guid
	Address types.Address
}

// PushChunk is one slice of a streamed push. Offset is the byte position of
// this chunk; Final marks the last chunk of the stream.
type PushChunk struct {
	StreamID uint32
	Offset   uint64
	Final    bool
	Data     []byte
}

// Encode renders a message to a single transport frame.
func Encode(m Message) []byte {
	w := &writer{}
	m.encode(w)
	return w.buf
}

// Decode parses a transport frame. Unknown tags and truncated frames return
// ErrMalformed; the caller is expected to drop the frame without
// disconnecting the sender.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	r := &reader{buf: data, off: 1}
	var m Message
	switch data[0] {
	case tagPost:
		m = decodePost(r)
	case tagRelease:
		m = decodeRelease(r)
	case tagGet:
		m = decodeGet(r)
	case tagUnsubscribe:
		m = decodeUnsubscribe(r)
	case tagGetResponse:
		m = decodeGetResponse(r)
	case tagSubscriptionNotification:
		m = &SubscriptionNotification{WasUpdated: r.readBool(), Row: r.readRow()}
	case tagHello:
		m = &Hello{Guid: r.readGuid(), Address: r.readAddress()}
	case tagPushChunk:
		m = decodePushChunk(r)
	case tagServerToServer:
		m = decodeServerToServer(r)
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformed, data[0])
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

func decodeServerToServer(r *reader) Message {
	sub := r.readByte()
	if r.err != nil {
		return nil
	}
	switch sub {
	case stscProcessGetRequest:
		m := &ProcessGetRequest{}
		m.Query, m.SpecificSystems = r.readQueryWithSystems()
		m.RequestID = r.readUint32()
		return m
	case stscProcessGetResponse:
		m := &ProcessGetResponse{RequestID: r.readUint32()}
		m.Rows = r.readRows()
		return m
	case stscUploadedAndSubscribedKeys:
		return &UploadedAndSubscribedKeys{Uploaded: r.readKeys(), Subscribed: r.readKeys()}
	case stscAddUploadedKey:
		return &AddUploadedKey{Key: r.readKey()}
	case stscAddSubscribedKey:
		return &AddSubscribedKey{Key: r.readKey()}
	case stscRemoveUploadedKey:
		return &RemoveUploadedKey{Key: r.readKey()}
	case stscRemoveSubscribedKey:
		return &RemoveSubscribedKey{Key: r.readKey()}
	case stscDataChanged:
		return &DataChanged{WasUpdated: r.readBool(), Row: r.readRow()}
	default:
		r.fail(fmt.Sprintf("unknown server-to-server subcommand 0x%02x", sub))
		return nil
	}
}

func decodePost(r *reader) *PostRequest {
	m := &PostRequest{Key: r.readKey()}
	n := r.readUint32()
	m.Payload = r.readBytes(int(n))
	return m
}

func decodeRelease(r *reader) *ReleaseRequest {
	return &ReleaseRequest{Keys: r.readKeys()}
}

func decodeGet(r *reader) *GetRequest {
	m := &GetRequest{}
	m.Query, m.SpecificSystems = r.readQueryWithSystems()
	return m
}

func decodeUnsubscribe(r *reader) *UnsubscribeRequest {
	return &UnsubscribeRequest{Keys: r.readKeys(), SpecificSystems: r.readGuids()}
}

func decodeGetResponse(r *reader) *GetResponse {
	m := &GetResponse{Query: r.readQuery()}
	m.Rows = r.readRows()
	return m
}

func decodePushChunk(r *reader) *PushChunk {
	m := &PushChunk{StreamID: r.readUint32(), Offset: r.readUint64(), Final: r.readBool()}
	n := r.readUint32()
	m.Data = r.readBytes(int(n))
	return m
}

// encode implementations

func (m *PostRequest) encode(w *writer) {
	w.byte_(tagPost)
	w.key(m.Key)
	w.uint32(uint32(len(m.Payload)))
	w.bytes(m.Payload)
}

func (m *ReleaseRequest) encode(w *writer) {
	w.byte_(tagRelease)
	w.keys(m.Keys)
}

func (m *GetRequest) encode(w *writer) {
	w.byte_(tagGet)
	w.queryWithSystems(m.Query, m.SpecificSystems)
}

func (m *UnsubscribeRequest) encode(w *writer) {
	w.byte_(tagUnsubscribe)
	w.keys(m.Keys)
	w.guids(m.SpecificSystems)
}

func (m *GetResponse) encode(w *writer) {
	w.byte_(tagGetResponse)
	w.query(m.Query)
	w.rows(m.Rows)
}

func (m *SubscriptionNotification) encode(w *writer) {
	w.byte_(tagSubscriptionNotification)
	w.bool_(m.WasUpdated)
	w.row(m.Row)
}

func (m *ProcessGetRequest) encode(w *writer) {
	w.byte_(tagServerToServer)
	w.byte_(stscProcessGetRequest)
	w.queryWithSystems(m.Query, m.SpecificSystems)
	w.uint32(m.RequestID)
}

func (m *ProcessGetResponse) encode(w *writer) {
	w.byte_(tagServerToServer)
	w.byte_(stscProcessGetResponse)
	w.uint32(m.RequestID)
	w.rows(m.Rows)
}

func (m *UploadedAndSubscribedKeys) encode(w *writer) {
	w.byte_(tagServerToServer)
	w.byte_(stscUploadedAndSubscribedKeys)
	w.keys(m.Uploaded)
	w.keys(m.Subscribed)
}

func (m *AddUploadedKey) encode(w *writer) {
	w.byte_(tagServerToServer)
	w.byte_(stscAddUploadedKey)
	w.key(m.Key)
}

func (m *AddSubscribedKey) encode(w *writer) {
	w.byte_(tagServerToServer)
	w.byte_(stscAddSubscribedKey)
	w.key(m.Key)
}

func (m *RemoveUploadedKey) encode(w *writer) {
	w.byte_(tagServerToServer)
	w.byte_(stscRemoveUploadedKey)
	w.key(m.Key)
}

func (m *RemoveSubscribedKey) encode(w *writer) {
	w.byte_(tagServerToServer)
	w.byte_(stscRemoveSubscribedKey)
	w.key(m.Key)
}

func (m *DataChanged) encode(w *writer) {
	w.byte_(tagServerToServer)
	w.byte_(stscDataChanged)
	w.bool_(m.WasUpdated)
	w.row(m.Row)
}

func (m *Hello) encode(w *writer) {
	w.byte_(tagHello)
	w.guid(m.Guid)
	w.address(m.Address)
}

func (m *PushChunk) encode(w *writer) {
	w.byte_(tagPushChunk)
	w.uint32(m.StreamID)
	w.uint64(m.Offset)
	w.bool_(m.Final)
	w.uint32(uint32(len(m.Data)))
	w.bytes(m.Data)
}

// writer appends big-endian fields to a frame.
type writer struct {
	buf []byte
}

func (w *writer) byte_(b byte)   { w.buf = append(w.buf, b) }
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) bool_(b bool) {
	if b {
		w.byte_(1)
	} else {
		w.byte_(0)
	}
}

func (w *writer) uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) uint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) guid(g types.Guid) { w.uint64(uint64(g)) }

func (w *writer) key(k types.CloudKey) {
	w.uint32(k.Primary)
	w.uint32(k.Secondary)
}

func (w *writer) keys(keys []types.CloudKey) {
	w.uint16(uint16(len(keys)))
	for _, k := range keys {
		w.key(k)
	}
}

func (w *writer) guids(guids []types.Guid) {
	w.uint16(uint16(len(guids)))
	for _, g := range guids {
		w.guid(g)
	}
}

func (w *writer) address(a types.Address) {
	w.uint16(uint16(len(a)))
	w.bytes([]byte(a))
}

func (w *writer) query(q types.CloudQuery) {
	w.keys(q.Keys)
	w.uint32(q.MaxRows)
	w.uint32(q.StartingRow)
	w.bool_(q.SubscribeToResults)
}

func (w *writer) queryWithSystems(q types.CloudQuery, systems []types.Guid) {
	w.query(q)
	w.guids(systems)
}

func (w *writer) row(r types.CloudQueryRow) {
	w.key(r.Key)
	w.uint32(uint32(len(r.Payload)))
	w.bytes(r.Payload)
	w.address(r.ServerAddress)
	w.address(r.ClientAddress)
	w.guid(r.ServerGuid)
	w.guid(r.ClientGuid)
}

func (w *writer) rows(rows []types.CloudQueryRow) {
	w.uint32(uint32(len(rows)))
	for _, r := range rows {
		w.row(r)
	}
}

// reader consumes big-endian fields, latching the first failure.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s at offset %d", ErrMalformed, what, r.off)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.fail("truncated")
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) readByte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) readBool() bool {
	return r.readByte() != 0
}

func (r *reader) readUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) readUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) readUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) readGuid() types.Guid {
	return types.Guid(r.readUint64())
}

func (r *reader) readBytes(n int) []byte {
	if n == 0 {
		return nil
	}
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) readKey() types.CloudKey {
	return types.CloudKey{Primary: r.readUint32(), Secondary: r.readUint32()}
}

func (r *reader) readKeys() []types.CloudKey {
	n := int(r.readUint16())
	if r.err != nil || n == 0 {
		return nil
	}
	keys := make([]types.CloudKey, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, r.readKey())
	}
	return keys
}

func (r *reader) readGuids() []types.Guid {
	n := int(r.readUint16())
	if r.err != nil || n == 0 {
		return nil
	}
	guids := make([]types.Guid, 0, n)
	for i := 0; i < n; i++ {
		guids = append(guids, r.readGuid())
	}
	return guids
}

func (r *reader) readAddress() types.Address {
	n := int(r.readUint16())
	return types.Address(r.readBytes(n))
}

func (r *reader) readQuery() types.CloudQuery {
	q := types.CloudQuery{Keys: r.readKeys()}
	q.MaxRows = r.readUint32()
	q.StartingRow = r.readUint32()
	q.SubscribeToResults = r.readBool()
	return q
}

func (r *reader) readQueryWithSystems() (types.CloudQuery, []types.Guid) {
	q := r.readQuery()
	return q, r.readGuids()
}

func (r *reader) readRow() types.CloudQueryRow {
	row := types.CloudQueryRow{Key: r.readKey()}
	n := r.readUint32()
	row.Payload = r.readBytes(int(n))
	row.ServerAddress = r.readAddress()
	row.ClientAddress = r.readAddress()
	row.ServerGuid = r.readGuid()
	row.ClientGuid = r.readGuid()
	return row
}

func (r *reader) readRows() []types.CloudQueryRow {
	n := int(r.readUint32())
	if r.err != nil || n == 0 {
		return nil
	}
	// Bound the allocation by what the frame could actually hold; a row is
	// at least 32 bytes on the wire.
	if n > len(r.buf)/32+1 {
		r.fail("row count exceeds frame size")
		return nil
	}
	rows := make([]types.CloudQueryRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, r.readRow())
	}
	return rows
}
