package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playersync/internal/players"
	"github.com/cory-johannsen/playersync/internal/protocol"
	"github.com/cory-johannsen/playersync/internal/transport"
)

// Client is a session joined to a remote server.
type Client struct {
	*Engine

	username string
	// peer is the server connection, nil once it is gone. Guarded by
	// Engine.mu.
	peer transport.Peer
}

// NewClient starts the transport and connects to the server named by
// opts.Session. Login happens asynchronously once the connection is up.
//
// Precondition: opts.Transport and opts.Host must be non-nil and
// opts.Session.Username must not be blank.
// Postcondition: Returns a Connecting client, or an error if the transport
// could not start or dial.
func NewClient(opts Options) (*Client, error) {
	e, err := newEngine(opts, "client")
	if err != nil {
		return nil, err
	}
	c := &Client{Engine: e, username: e.local.Username}
	e.role = c

	if err := opts.Transport.Start(listener{e: e}); err != nil {
		return nil, fmt.Errorf("starting transport: %w", err)
	}
	host, port := opts.Session.Host, opts.Session.Port
	peer, err := opts.Transport.Connect(host, port, opts.Session.Key)
	if err != nil {
		opts.Transport.Stop()
		return nil, fmt.Errorf("connecting to %s:%d: %w", host, port, err)
	}

	e.mu.Lock()
	c.peer = peer
	e.status = Connecting
	e.mu.Unlock()

	e.start()
	e.logger.Info("connecting", zap.String("addr", opts.Session.Addr()), zap.String("username", c.username))
	return c, nil
}

func (c *Client) origin() protocol.Origin { return protocol.FromServer }

func (c *Client) peerConnected(p transport.Peer) {
	if p != c.peer {
		return
	}
	c.send(p, protocol.LoginRequest{Username: c.username})
}

// peerDisconnected ends the session. A kick or ban payload replaces the
// transport's reason. The code is always Disconnect, including for a
// connection that never came up; only a refused login reports Connect.
func (c *Client) peerDisconnected(p transport.Peer, info transport.DisconnectInfo) {
	if p != c.peer {
		return
	}
	code := protocol.NetworkErrorDisconnect
	reason := info.String()
	if len(info.AdditionalData) > 0 {
		switch protocol.ParseNetworkError(info.AdditionalData[0]) {
		case protocol.NetworkErrorKick:
			reason = "kicked"
		case protocol.NetworkErrorBan:
			reason = "banned"
		}
	}
	c.logger.Info("disconnected", zap.String("reason", reason), zap.Stringer("code", code))
	c.reset(reason, code)
}

// reset returns the client to Idle and reports the disconnect.
//
// Precondition: Engine.mu is held.
func (c *Client) reset(reason string, code protocol.NetworkError) {
	c.peer = nil
	c.status = Idle
	for _, id := range c.registry.IDs() {
		c.registry.Remove(id)
	}
	c.registry.SetLocalID(protocol.HostID)
	c.local.ID = protocol.HostID

	if cb := c.notify.OnDisconnect; cb != nil {
		c.emit(func() { cb(reason, code) })
	}
	c.emit(c.end)
}

func (c *Client) receive(p transport.Peer, pkt protocol.Packet) {
	if p != c.peer {
		return
	}
	if resp, ok := pkt.(protocol.LoginResponse); ok {
		c.loginResponse(p, resp)
		return
	}
	if c.status != Connected {
		c.logger.Debug("dropping packet before login", zap.Stringer("kind", pkt.Kind()))
		return
	}

	switch m := pkt.(type) {
	case protocol.Meta:
		applied := make([]players.State, 0, len(m.Players))
		for _, entry := range m.Players {
			if entry.ID == c.registry.LocalID() {
				continue
			}
			applied = append(applied, *c.registry.Add(entry.ID, players.FromMeta(entry)))
		}
		if cb := c.notify.OnMeta; cb != nil {
			c.emit(func() { cb(applied) })
		}

	case protocol.Join:
		if m.ID == c.registry.LocalID() {
			return
		}
		s := c.registry.Add(m.ID, &players.State{Username: m.Username})
		c.emitPlayer(c.notify.OnJoin, *s)

	case protocol.Leave:
		s := c.registry.Get(m.ID)
		if s == nil || m.ID == c.registry.LocalID() {
			return
		}
		left := *s
		c.registry.Remove(m.ID)
		c.emitPlayer(c.notify.OnLeave, left)

	case protocol.Ping:
		s := c.registry.Get(m.ID)
		if s == nil {
			return
		}
		s.Ping = m.Ping
		c.emitPlayer(c.notify.OnPing, *s)

	default:
		s := c.applyState(pkt)
		if s != nil && pkt.Kind() == protocol.KindPosition && c.host.InGame() {
			c.emitPlayer(c.notify.OnPosition, *s)
		}
	}
}

func (c *Client) loginResponse(p transport.Peer, resp protocol.LoginResponse) {
	if c.status != Connecting {
		return
	}
	if resp.Result != protocol.LoginSuccess {
		reason := resp.Result.Reason()
		c.logger.Info("login rejected", zap.Stringer("result", resp.Result))
		p.Disconnect(nil)
		c.reset(reason, protocol.NetworkErrorConnect)
		return
	}

	id := int16(p.RemoteID())
	c.status = Connected
	c.registry.SetLocalID(id)
	c.registry.Add(id, c.local)
	c.logger.Info("logged in", zap.Int16("id", id))

	if c.host.InGame() {
		c.refreshLocalPosition()
		c.sendPosition()
	}
	c.emitPlayer(c.notify.OnLogin, *c.local)
}

// latency records the round trip to the server as the local ping.
func (c *Client) latency(p transport.Peer, ms int16) {
	if p != c.peer {
		return
	}
	c.local.Ping = ms
	c.emitPlayer(c.notify.OnPing, *c.local)
}

func (c *Client) connectionRequest(req transport.ConnectionRequest) {
	req.Reject()
}

// sendLocal forwards the local player's state to the server once logged in.
func (c *Client) sendLocal(pkt protocol.Packet) {
	if c.status != Connected || c.peer == nil {
		return
	}
	c.send(c.peer, pkt)
}
