package cloud

import (
	"fmt"

	"go.uber.org/zap"

	"cloudmesh/pkg/transport"
	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

// ClientCallback receives the server's answers: query results and
// subscription change notifications.
type ClientCallback interface {
	OnGetResponse(resp *wire.GetResponse)
	OnSubscriptionNotification(wasUpdated bool, row types.CloudQueryRow)
}

// Client is the uploader/subscriber side of the protocol: a thin shim that
// encodes requests toward one server and decodes what comes back. Like the
// server it is pumped by Tick from a single goroutine.
type Client struct {
	tr     transport.Transport
	server types.Guid
	cb     ClientCallback
	logger *zap.Logger
}

func NewClient(tr transport.Transport, server types.Guid, cb ClientCallback, logger *zap.Logger) *Client {
	return &Client{tr: tr, server: server, cb: cb, logger: logger}
}

// Post uploads a payload under a key, overwriting this client's prior
// upload for the same key.
func (c *Client) Post(key types.CloudKey, payload []byte) error {
	return c.send(&wire.PostRequest{Key: key, Payload: payload})
}

// Release withdraws this client's uploads for the listed keys.
func (c *Client) Release(keys ...types.CloudKey) error {
	if len(keys) == 0 {
		return nil
	}
	return c.send(&wire.ReleaseRequest{Keys: keys})
}

// Get queries the mesh. The response arrives through the callback once the
// server has merged local and federated rows.
func (c *Client) Get(query types.CloudQuery, specificSystems ...types.Guid) error {
	if len(query.Keys) == 0 {
		return fmt.Errorf("cloud client: get with no keys")
	}
	return c.send(&wire.GetRequest{Query: query, SpecificSystems: specificSystems})
}

// Unsubscribe drops change subscriptions for the listed keys; with
// specificSystems it only drops the named owners.
func (c *Client) Unsubscribe(keys []types.CloudKey, specificSystems ...types.Guid) error {
	if len(keys) == 0 {
		return nil
	}
	return c.send(&wire.UnsubscribeRequest{Keys: keys, SpecificSystems: specificSystems})
}

func (c *Client) send(msg wire.Message) error {
	return c.tr.Send(c.server, wire.Encode(msg))
}

// Tick drains inbound frames, dispatching results and notifications to the
// callback. It returns the number of events processed.
func (c *Client) Tick() int {
	processed := 0
	for {
		select {
		case ev := <-c.tr.Events():
			c.handleEvent(ev)
			processed++
		default:
			return processed
		}
	}
}

func (c *Client) handleEvent(ev transport.Event) {
	if ev.Type != transport.EventPacket {
		return
	}
	msg, err := wire.Decode(ev.Data)
	if err != nil {
		c.logger.Debug("cloud client dropping malformed frame", zap.Error(err))
		return
	}
	switch m := msg.(type) {
	case *wire.GetResponse:
		if c.cb != nil {
			c.cb.OnGetResponse(m)
		}
	case *wire.SubscriptionNotification:
		if c.cb != nil {
			c.cb.OnSubscriptionNotification(m.WasUpdated, m.Row)
		}
	default:
		c.logger.Debug("cloud client ignoring unexpected frame")
	}
}
