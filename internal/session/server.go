package session

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playersync/internal/bans"
	"github.com/cory-johannsen/playersync/internal/players"
	"github.com/cory-johannsen/playersync/internal/protocol"
	"github.com/cory-johannsen/playersync/internal/transport"
)

// Server is the authoritative session. Its own player is registered under
// protocol.HostID.
type Server struct {
	*Engine

	key  string
	bans bans.List
	// authenticated holds peers that completed login, keyed by peer id.
	// Guarded by Engine.mu.
	authenticated map[int]transport.Peer
}

// NewServer binds the transport on opts.Session.Port and starts accepting
// clients that present opts.Session.Key.
//
// Precondition: opts.Transport and opts.Host must be non-nil and
// opts.Session.Username must not be blank.
// Postcondition: Returns a Connected server, or an error if the port could
// not be bound.
func NewServer(opts Options) (*Server, error) {
	e, err := newEngine(opts, "server")
	if err != nil {
		return nil, err
	}
	list := opts.Bans
	if list == nil {
		if list, err = bans.NewMemory(); err != nil {
			return nil, err
		}
	}
	s := &Server{
		Engine:        e,
		key:           opts.Session.Key,
		bans:          list,
		authenticated: make(map[int]transport.Peer),
	}
	e.role = s

	if err := opts.Transport.Listen(listener{e: e}, opts.Session.Port); err != nil {
		return nil, fmt.Errorf("binding transport on port %d: %w", opts.Session.Port, err)
	}

	e.mu.Lock()
	if e.host.InGame() {
		e.refreshLocalPosition()
	}
	e.registry.Add(protocol.HostID, e.local)
	e.status = Connected
	e.mu.Unlock()

	e.start()
	e.logger.Info("hosting session",
		zap.Int("port", opts.Transport.Port()),
		zap.String("username", e.local.Username),
	)
	return s, nil
}

func (s *Server) origin() protocol.Origin { return protocol.FromClient }

func (s *Server) connectionRequest(req transport.ConnectionRequest) {
	if !req.AcceptIfKey(s.key) {
		s.logger.Info("connection request rejected", zap.String("remote_addr", req.Address()))
	}
}

func (s *Server) peerConnected(transport.Peer) {}

func (s *Server) peerDisconnected(p transport.Peer, _ transport.DisconnectInfo) {
	if _, ok := s.authenticated[p.ID()]; !ok {
		return
	}
	delete(s.authenticated, p.ID())
	id := int16(p.ID())
	player := s.registry.Get(id)
	if player == nil {
		return
	}
	left := *player
	s.registry.Remove(id)
	s.broadcast(protocol.Leave{ID: id}, p.ID())
	s.logger.Info("player left", zap.Int16("id", id), zap.String("username", left.Username))
	s.emitPlayer(s.notify.OnLeave, left)
}

func (s *Server) receive(p transport.Peer, pkt protocol.Packet) {
	if req, ok := pkt.(protocol.LoginRequest); ok {
		s.login(p, req)
		return
	}
	if _, ok := s.authenticated[p.ID()]; !ok {
		s.logger.Debug("dropping packet from unauthenticated peer",
			zap.Int("peer", p.ID()),
			zap.Stringer("kind", pkt.Kind()),
		)
		return
	}

	// The authenticated peer id wins over whatever id the client sent.
	stamped, ok := stampID(pkt, int16(p.ID()))
	if !ok {
		return
	}
	player := s.applyState(stamped)
	if player == nil {
		return
	}
	s.broadcast(stamped, p.ID())
	if stamped.Kind() == protocol.KindPosition && s.host.InGame() {
		s.emitPlayer(s.notify.OnPosition, *player)
	}
}

// login validates a LoginRequest and, on success, hands the peer the roster
// and announces it to everyone else.
func (s *Server) login(p transport.Peer, req protocol.LoginRequest) {
	if _, ok := s.authenticated[p.ID()]; ok {
		s.logger.Debug("ignoring repeated login", zap.Int("peer", p.ID()))
		return
	}
	id, valid := playerID(p)
	name := protocol.NormalizeUsername(req.Username)
	log := s.logger.With(zap.Int("peer", p.ID()), zap.String("username", name), zap.String("remote_addr", p.Address()))

	result := protocol.LoginSuccess
	switch {
	case !valid:
		result = protocol.LoginUnknown
	case name == "":
		result = protocol.LoginUnknown
	case s.registry.UsernameTaken(name, id):
		result = protocol.LoginUsernameTaken
	case s.bans.Contains(p.Address()):
		result = protocol.LoginBan
	}
	if result != protocol.LoginSuccess {
		log.Info("login rejected", zap.Stringer("result", result))
		s.send(p, protocol.LoginResponse{Result: result})
		return
	}

	if s.host.InGame() {
		s.refreshLocalPosition()
		s.sendPosition()
	}

	s.send(p, protocol.LoginResponse{Result: protocol.LoginSuccess})
	s.send(p, s.meta())
	s.authenticated[p.ID()] = p
	s.broadcast(protocol.Join{ID: id, Username: name}, p.ID())
	player := s.registry.Add(id, &players.State{Username: name})
	log.Info("player joined")
	s.emitPlayer(s.notify.OnJoin, *player)
}

// meta snapshots the roster, host included.
func (s *Server) meta() protocol.Meta {
	snap := s.registry.Snapshot()
	m := protocol.Meta{Players: make([]protocol.PlayerMeta, 0, len(snap))}
	for _, player := range snap {
		m.Players = append(m.Players, player.Meta())
	}
	return m
}

func (s *Server) latency(p transport.Peer, ms int16) {
	if _, ok := s.authenticated[p.ID()]; !ok {
		return
	}
	id := int16(p.ID())
	player := s.registry.Get(id)
	if player == nil {
		return
	}
	player.Ping = ms
	s.broadcast(protocol.Ping{ID: id, Ping: ms}, p.ID())
	s.emitPlayer(s.notify.OnPing, *player)
}

// sendLocal broadcasts the host player's state to every authenticated peer.
func (s *Server) sendLocal(pkt protocol.Packet) {
	s.broadcast(pkt, -1)
}

// broadcast sends pkt to every authenticated peer except the one with id
// except.
//
// Precondition: Engine.mu is held.
func (s *Server) broadcast(pkt protocol.Packet, except int) {
	ids := make([]int, 0, len(s.authenticated))
	for id := range s.authenticated {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		s.send(s.authenticated[id], pkt)
	}
}

// Kick disconnects the peer with the given id.
//
// Postcondition: Returns false, changing nothing, if no such peer is
// connected. The player is removed when the disconnect is processed.
func (s *Server) Kick(id int) bool {
	p := s.connectedPeer(id)
	if p == nil {
		return false
	}
	return s.disconnect(p, protocol.NetworkErrorKick)
}

// Ban adds the address of the peer with the given id to the ban list and
// disconnects it.
//
// Postcondition: Returns false, changing nothing, if no such peer is
// connected. A ban list write error is logged; the peer is disconnected
// regardless.
func (s *Server) Ban(id int) bool {
	p := s.connectedPeer(id)
	if p == nil {
		return false
	}
	if _, err := s.bans.Add(p.Address()); err != nil {
		s.logger.Error("recording ban", zap.String("remote_addr", p.Address()), zap.Error(err))
	}
	return s.disconnect(p, protocol.NetworkErrorBan)
}

// Unban lifts the ban on addr.
//
// Postcondition: Returns true if addr was banned.
func (s *Server) Unban(addr string) (bool, error) {
	return s.bans.Remove(addr)
}

// Banned returns every banned address in ascending order.
func (s *Server) Banned() []string {
	return s.bans.Addresses()
}

func (s *Server) connectedPeer(id int) transport.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Stopped {
		return nil
	}
	for _, p := range s.transport.ConnectedPeers() {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

func (s *Server) disconnect(p transport.Peer, code protocol.NetworkError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Stopped {
		return false
	}
	s.logger.Info("disconnecting peer",
		zap.Int("peer", p.ID()),
		zap.String("remote_addr", p.Address()),
		zap.Stringer("code", code),
	)
	p.Disconnect([]byte{byte(code)})
	return true
}

// playerID maps a peer id onto the player id space. Ids outside
// [0, transport.MaxPeerID] would collide with protocol.HostID or with
// another peer once narrowed to int16, so they are refused.
func playerID(p transport.Peer) (int16, bool) {
	id := p.ID()
	if id < 0 || id > transport.MaxPeerID {
		return 0, false
	}
	return int16(id), true
}

// stampID returns a copy of a state packet carrying id.
func stampID(pkt protocol.Packet, id int16) (protocol.Packet, bool) {
	switch p := pkt.(type) {
	case protocol.Position:
		p.ID = id
		return p, true
	case protocol.Look:
		p.ID = id
		return p, true
	case protocol.ActionPacket:
		p.ID = id
		return p, true
	case protocol.Canvas:
		p.ID = id
		return p, true
	}
	return nil, false
}
