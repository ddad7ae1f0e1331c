package transport

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

// WSTransport carries protocol frames as binary websocket messages, one
// message per frame. Message boundaries and per-connection ordering come
// from the websocket itself. Like the gRPC transport, the first message in
// each direction is a wire.Hello.
type WSTransport struct {
	guid       types.Guid
	advertised types.Address
	logger     *zap.Logger

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	events     chan Event

	mu     sync.Mutex
	peers  map[types.Guid]*wsPeer
	closed bool
}

type wsPeer struct {
	guid    types.Guid
	address types.Address
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSTransport starts an HTTP listener serving the mesh endpoint at /mesh.
func NewWSTransport(guid types.Guid, listenAddr, advertised types.Address, logger *zap.Logger) (*WSTransport, error) {
	listener, err := net.Listen("tcp", string(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("ws transport: listen on %s: %w", listenAddr, err)
	}
	if advertised == types.UnassignedAddress {
		advertised = types.Address(listener.Addr().String())
	}

	t := &WSTransport{
		guid:       guid,
		advertised: advertised,
		logger:     logger,
		listener:   listener,
		events:     make(chan Event, 4096),
		peers:      make(map[types.Guid]*wsPeer),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mesh", t.handleUpgrade)
	t.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := t.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Debug("ws transport serve exited", zap.Error(err))
		}
	}()
	return t, nil
}

func (t *WSTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("ws transport upgrade failed", zap.Error(err))
		return
	}

	hello, err := readHello(conn)
	if err != nil {
		conn.Close()
		return
	}
	if err := writeHello(conn, t.guid, t.advertised); err != nil {
		conn.Close()
		return
	}
	t.runPeer(&wsPeer{guid: hello.Guid, address: hello.Address, conn: conn})
}

// Dial connects to ws://target/mesh and performs the hello exchange.
func (t *WSTransport) Dial(target types.Address) error {
	url := fmt.Sprintf("ws://%s/mesh", target)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("ws transport: dial %s: %w", target, err)
	}
	if err := writeHello(conn, t.guid, t.advertised); err != nil {
		conn.Close()
		return fmt.Errorf("ws transport: hello to %s: %w", target, err)
	}
	hello, err := readHello(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ws transport: hello from %s: %w", target, err)
	}

	peer := &wsPeer{guid: hello.Guid, address: hello.Address, conn: conn}
	go t.runPeer(peer)
	return nil
}

func readHello(conn *websocket.Conn) (*wire.Hello, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	hello, ok := msg.(*wire.Hello)
	if !ok {
		return nil, fmt.Errorf("ws transport: expected hello, got %T", msg)
	}
	return hello, nil
}

func writeHello(conn *websocket.Conn, guid types.Guid, addr types.Address) error {
	return conn.WriteMessage(websocket.BinaryMessage, wire.Encode(&wire.Hello{Guid: guid, Address: addr}))
}

// runPeer registers the link, pumps inbound messages, and cleans up when the
// connection dies.
func (t *WSTransport) runPeer(peer *wsPeer) {
	t.mu.Lock()
	if t.closed || t.peers[peer.guid] != nil {
		t.mu.Unlock()
		peer.conn.Close()
		return
	}
	t.peers[peer.guid] = peer
	t.mu.Unlock()

	t.events <- Event{Type: EventConnected, Peer: peer.guid, Address: peer.address}

	for {
		kind, data, err := peer.conn.ReadMessage()
		if err != nil {
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		t.events <- Event{Type: EventPacket, Peer: peer.guid, Data: data}
	}

	peer.conn.Close()
	t.mu.Lock()
	delete(t.peers, peer.guid)
	closed := t.closed
	t.mu.Unlock()
	if !closed {
		t.events <- Event{Type: EventDisconnected, Peer: peer.guid}
	}
}

func (t *WSTransport) Send(to types.Guid, frame []byte) error {
	t.mu.Lock()
	peer := t.peers[to]
	t.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("ws transport: no link to %v", to)
	}
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()
	return peer.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *WSTransport) Events() <-chan Event        { return t.events }
func (t *WSTransport) LocalGuid() types.Guid       { return t.guid }
func (t *WSTransport) LocalAddress() types.Address { return t.advertised }

func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	peers := make([]*wsPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
	return t.httpServer.Close()
}
