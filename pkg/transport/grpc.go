package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

// GRPCTransport carries protocol frames over a single bidirectional gRPC
// stream per peer. The stream gives reliable ordered delivery; frames are
// opaque bytes pushed through a passthrough codec, so no generated message
// types are involved. The first frame in each direction is a wire.Hello
// identifying the sender.
type GRPCTransport struct {
	guid       types.Guid
	advertised types.Address
	logger     *zap.Logger

	server   *grpc.Server
	listener net.Listener
	events   chan Event

	mu    sync.Mutex
	peers map[types.Guid]*grpcPeer

	ctx    context.Context
	cancel context.CancelFunc
}

type grpcPeer struct {
	guid    types.Guid
	address types.Address
	writeMu sync.Mutex
	send    func(any) error
	close   func()
}

// rawFrame is the unit the passthrough codec moves.
type rawFrame struct {
	data []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("grpc transport: marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("grpc transport: unmarshal %T", v)
	}
	f.data = data
	return nil
}

func (rawCodec) Name() string { return "cloudmesh-raw" }

const exchangeMethod = "/cloudmesh.transport.Peer/Exchange"

var exchangeStreamDesc = grpc.StreamDesc{
	StreamName:    "Exchange",
	ServerStreams: true,
	ClientStreams: true,
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: "cloudmesh.transport.Peer",
	HandlerType: (*any)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "cloudmesh/transport",
}

// NewGRPCTransport starts listening on listenAddr. advertised is the address
// told to peers; if empty the listener address is used.
func NewGRPCTransport(guid types.Guid, listenAddr, advertised types.Address, logger *zap.Logger) (*GRPCTransport, error) {
	listener, err := net.Listen("tcp", string(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("grpc transport: listen on %s: %w", listenAddr, err)
	}
	if advertised == types.UnassignedAddress {
		advertised = types.Address(listener.Addr().String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &GRPCTransport{
		guid:       guid,
		advertised: advertised,
		logger:     logger,
		listener:   listener,
		events:     make(chan Event, 4096),
		peers:      make(map[types.Guid]*grpcPeer),
		ctx:        ctx,
		cancel:     cancel,
	}
	t.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	t.server.RegisterService(&peerServiceDesc, t)

	go func() {
		if err := t.server.Serve(listener); err != nil {
			logger.Debug("grpc transport serve exited", zap.Error(err))
		}
	}()
	return t, nil
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	t := srv.(*GRPCTransport)
	return t.serveStream(stream)
}

func (t *GRPCTransport) serveStream(stream grpc.ServerStream) error {
	hello, err := recvHello(stream.RecvMsg)
	if err != nil {
		return err
	}
	reply := &rawFrame{data: wire.Encode(&wire.Hello{Guid: t.guid, Address: t.advertised})}
	if err := stream.SendMsg(reply); err != nil {
		return err
	}

	peer := &grpcPeer{guid: hello.Guid, address: hello.Address}
	done := make(chan struct{})
	var closeOnce sync.Once
	peer.send = stream.SendMsg
	peer.close = func() { closeOnce.Do(func() { close(done) }) }
	if err := t.addPeer(peer); err != nil {
		return err
	}
	defer t.dropPeer(peer.guid)

	recvErr := make(chan error, 1)
	go func() { recvErr <- t.recvLoop(peer.guid, stream.RecvMsg) }()

	select {
	case err := <-recvErr:
		return err
	case <-done:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// Dial connects to a peer's listener and performs the hello exchange.
func (t *GRPCTransport) Dial(target types.Address) error {
	conn, err := grpc.NewClient(string(target),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return fmt.Errorf("grpc transport: dial %s: %w", target, err)
	}
	stream, err := conn.NewStream(t.ctx, &exchangeStreamDesc, exchangeMethod, grpc.WaitForReady(true))
	if err != nil {
		conn.Close()
		return fmt.Errorf("grpc transport: open stream to %s: %w", target, err)
	}
	if err := stream.SendMsg(&rawFrame{data: wire.Encode(&wire.Hello{Guid: t.guid, Address: t.advertised})}); err != nil {
		conn.Close()
		return fmt.Errorf("grpc transport: hello to %s: %w", target, err)
	}
	hello, err := recvHello(stream.RecvMsg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("grpc transport: hello from %s: %w", target, err)
	}

	peer := &grpcPeer{guid: hello.Guid, address: hello.Address}
	peer.send = stream.SendMsg
	peer.close = func() { conn.Close() }
	if err := t.addPeer(peer); err != nil {
		conn.Close()
		return err
	}

	go func() {
		defer t.dropPeer(peer.guid)
		if err := t.recvLoop(peer.guid, stream.RecvMsg); err != nil {
			t.logger.Debug("grpc transport stream closed",
				zap.Uint64("peer", uint64(peer.guid)), zap.Error(err))
		}
	}()
	return nil
}

func recvHello(recv func(any) error) (*wire.Hello, error) {
	var f rawFrame
	if err := recv(&f); err != nil {
		return nil, err
	}
	msg, err := wire.Decode(f.data)
	if err != nil {
		return nil, err
	}
	hello, ok := msg.(*wire.Hello)
	if !ok {
		return nil, fmt.Errorf("grpc transport: expected hello, got %T", msg)
	}
	return hello, nil
}

func (t *GRPCTransport) addPeer(peer *grpcPeer) error {
	t.mu.Lock()
	if _, exists := t.peers[peer.guid]; exists {
		t.mu.Unlock()
		return fmt.Errorf("grpc transport: duplicate link to %v", peer.guid)
	}
	t.peers[peer.guid] = peer
	t.mu.Unlock()

	t.events <- Event{Type: EventConnected, Peer: peer.guid, Address: peer.address}
	return nil
}

func (t *GRPCTransport) dropPeer(guid types.Guid) {
	t.mu.Lock()
	_, exists := t.peers[guid]
	delete(t.peers, guid)
	t.mu.Unlock()

	if exists {
		t.events <- Event{Type: EventDisconnected, Peer: guid}
	}
}

func (t *GRPCTransport) recvLoop(from types.Guid, recv func(any) error) error {
	for {
		var f rawFrame
		if err := recv(&f); err != nil {
			return err
		}
		t.events <- Event{Type: EventPacket, Peer: from, Data: f.data}
	}
}

func (t *GRPCTransport) Send(to types.Guid, frame []byte) error {
	t.mu.Lock()
	peer := t.peers[to]
	t.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("grpc transport: no link to %v", to)
	}
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()
	return peer.send(&rawFrame{data: frame})
}

func (t *GRPCTransport) Events() <-chan Event        { return t.events }
func (t *GRPCTransport) LocalGuid() types.Guid       { return t.guid }
func (t *GRPCTransport) LocalAddress() types.Address { return t.advertised }

func (t *GRPCTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	peers := make([]*grpcPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	t.server.Stop()
	return nil
}
