// Package session runs the client and server sides of a player
// synchronization session on top of a transport and a host simulation.
package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/playersync/internal/bans"
	"github.com/cory-johannsen/playersync/internal/config"
	"github.com/cory-johannsen/playersync/internal/players"
	"github.com/cory-johannsen/playersync/internal/protocol"
	"github.com/cory-johannsen/playersync/internal/transport"
)

// Construction errors.
var (
	ErrNoTransport   = errors.New("session requires a transport")
	ErrNoHost        = errors.New("session requires a host")
	ErrEmptyUsername = errors.New("username is empty")
)

// Status is the connection state of a session.
type Status uint8

const (
	Idle Status = iota
	Connecting
	Connected
	Stopped
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures a Client or Server.
type Options struct {
	// Session supplies the username, server address, port and key.
	Session config.SessionConfig
	// PollInterval is how often transport events are dispatched. Zero means
	// protocol.PollInterval.
	PollInterval time.Duration
	Transport    transport.Transport
	Host         Host
	// Bans is consulted by a Server on login. Nil means an empty in-memory
	// list. Clients ignore it.
	Bans   bans.List
	Notify Notifications
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// role is the client or server specific half of an Engine. Every method runs
// with the Engine lock held.
type role interface {
	// origin is the side packets received by this role come from.
	origin() protocol.Origin
	peerConnected(p transport.Peer)
	peerDisconnected(p transport.Peer, info transport.DisconnectInfo)
	receive(p transport.Peer, pkt protocol.Packet)
	latency(p transport.Peer, ms int16)
	connectionRequest(req transport.ConnectionRequest)
	// sendLocal delivers a packet describing the local player.
	sendLocal(pkt protocol.Packet)
}

// avatar is a remote player materialized in the host simulation.
type avatar struct {
	state   players.State
	visible bool
}

// Engine is the machinery shared by Client and Server: the roster, the
// staging queues, the poll goroutine and the host bridge.
//
// Protocol handlers run on the poll goroutine. Local events, Tick and
// PhysicsTick run on the host simulation goroutine.
type Engine struct {
	logger       *zap.Logger
	transport    transport.Transport
	host         Host
	notify       Notifications
	pollInterval time.Duration
	staging      *players.Staging

	mu       sync.Mutex
	status   Status
	registry *players.Registry
	local    *players.State
	role     role
	// notes are notification calls collected under mu and fired after it is
	// released.
	notes []func()

	avatarsMu     sync.Mutex
	avatars       map[int16]*avatar
	avatarsClosed bool

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	stopOnce    sync.Once
	ended       chan struct{}
	endOnce     sync.Once
}

func newEngine(opts Options, roleName string) (*Engine, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if opts.Host == nil {
		return nil, ErrNoHost
	}
	username := protocol.NormalizeUsername(opts.Session.Username)
	if username == "" {
		return nil, ErrEmptyUsername
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = protocol.PollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	staging := players.NewStaging()
	return &Engine{
		logger: logger.With(
			zap.String("session", uuid.NewString()),
			zap.String("role", roleName),
		),
		transport:    opts.Transport,
		host:         opts.Host,
		notify:       opts.Notify,
		pollInterval: interval,
		staging:      staging,
		registry:     players.NewRegistry(protocol.HostID, staging),
		local:        &players.State{ID: protocol.HostID, Username: username},
		avatars:      make(map[int16]*avatar),
		unsubscribe:  func() {},
		ended:        make(chan struct{}),
	}, nil
}

// start subscribes to the host and launches the poll goroutine.
func (e *Engine) start() {
	e.unsubscribe = e.host.Subscribe(e)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.poll(ctx)
}

func (e *Engine) poll(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.transport.PollEvents()
		}
	}
}

// Stop ends the session. It is idempotent and may be called from any
// goroutine except from inside a Notifications callback or a Host avatar
// method.
//
// Postcondition: The poll goroutine has exited, the transport is stopped,
// every remote player is removed and every materialized avatar destroyed.
// Later transport callbacks and local events change nothing.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()

		e.mu.Lock()
		e.status = Stopped
		e.removeRemotes()
		e.notes = nil
		e.mu.Unlock()

		e.transport.Stop()
		e.unsubscribe()

		e.avatarsMu.Lock()
		for _, id := range e.avatarIDs() {
			e.host.DestroyAvatar(e.avatars[id].state)
		}
		e.avatars = make(map[int16]*avatar)
		e.avatarsClosed = true
		e.avatarsMu.Unlock()

		e.staging.Close()
		e.end()
		e.logger.Info("session stopped")
	})
}

// Done is closed once the session is over: after Stop, or when a client
// loses its connection to the server.
func (e *Engine) Done() <-chan struct{} { return e.ended }

func (e *Engine) end() {
	e.endOnce.Do(func() { close(e.ended) })
}

// Players returns a copy of the roster ordered by id.
func (e *Engine) Players() []players.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Snapshot()
}

// IsConnected reports whether the session is logged in (client) or
// listening (server).
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == Connected
}

// State returns the current connection state.
func (e *Engine) State() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Local returns a copy of the local player's state.
func (e *Engine) Local() players.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.local
}

// handle runs fn under the lock unless the session is stopped, turns a panic
// into an error log line and fires collected notifications afterwards.
func (e *Engine) handle(name string, fn func()) {
	e.mu.Lock()
	if e.status == Stopped {
		e.mu.Unlock()
		return
	}
	e.guard(name, fn)
	notes := e.notes
	e.notes = nil
	e.mu.Unlock()

	for _, n := range notes {
		e.guard(name+" notification", n)
	}
}

func (e *Engine) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked",
				zap.String("handler", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}

// emitPlayer queues cb(s) to run after the lock is released.
//
// Precondition: e.mu is held.
func (e *Engine) emitPlayer(cb func(players.State), s players.State) {
	if cb == nil {
		return
	}
	e.notes = append(e.notes, func() { cb(s) })
}

// emit queues fn to run after the lock is released.
//
// Precondition: e.mu is held.
func (e *Engine) emit(fn func()) {
	e.notes = append(e.notes, fn)
}

// refreshLocalPosition copies the host's view of the local avatar into the
// local state.
//
// Precondition: e.mu is held.
func (e *Engine) refreshLocalPosition() {
	pos := e.host.LocalPosition()
	pos.Destination = protocol.NormalizeDestination(pos.Position, pos.Destination)
	e.local.Position = pos
}

// removeRemotes drops every player except the local one.
//
// Precondition: e.mu is held.
func (e *Engine) removeRemotes() {
	for _, id := range e.registry.IDs() {
		if id != e.registry.LocalID() {
			e.registry.Remove(id)
		}
	}
}

// applyState copies a received state packet into the roster and stages the
// visual update while the host is in game.
//
// Precondition: e.mu is held.
// Postcondition: Returns the updated player, or nil if the packet is not a
// state packet or names an unknown or local player.
func (e *Engine) applyState(pkt protocol.Packet) *players.State {
	var (
		s     *players.State
		field players.Field
	)
	remote := func(id int16) *players.State {
		if id == e.registry.LocalID() {
			return nil
		}
		return e.registry.Get(id)
	}

	switch p := pkt.(type) {
	case protocol.Position:
		if s = remote(p.ID); s != nil {
			s.Position = p.Position
			field = players.FieldPosition
		}
	case protocol.Look:
		if s = remote(p.ID); s != nil {
			s.Look = p.Target
			field = players.FieldLook
		}
	case protocol.ActionPacket:
		if s = remote(p.ID); s != nil {
			s.Action = p.Action
			field = players.FieldAction
		}
	case protocol.Canvas:
		if s = remote(p.ID); s != nil {
			s.Canvas = p.Canvas
			field = players.FieldCanvas
		}
	}
	if s == nil {
		return nil
	}
	if e.host.InGame() {
		e.staging.StageUpdate(s.ID, field)
	}
	return s
}

// send encodes pkt and queues it on p with the kind's delivery mode.
func (e *Engine) send(p transport.Peer, pkt protocol.Packet) {
	kind := pkt.Kind()
	if err := p.Send(protocol.Encode(pkt), protocol.DeliveryFor(kind), protocol.Channel(kind)); err != nil {
		e.logger.Warn("sending packet",
			zap.Stringer("kind", kind),
			zap.Int("peer", p.ID()),
			zap.Error(err),
		)
	}
}

// latencyMillis converts a transport latency sample to the wire ping value.
func latencyMillis(d time.Duration) int16 {
	ms := d.Milliseconds()
	switch {
	case ms < 0:
		return 0
	case ms > math.MaxInt16:
		return math.MaxInt16
	default:
		return int16(ms)
	}
}
