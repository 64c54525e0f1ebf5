package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/playersync/internal/bans"
	"github.com/cory-johannsen/playersync/internal/config"
	"github.com/cory-johannsen/playersync/internal/players"
	"github.com/cory-johannsen/playersync/internal/protocol"
	"github.com/cory-johannsen/playersync/internal/transport"
	"github.com/cory-johannsen/playersync/internal/transport/loopback"
)

const (
	testPort   = 5923
	testKey    = "playersync"
	serverAddr = "10.0.0.1"
	waitFor    = 2 * time.Second
	waitTick   = 2 * time.Millisecond
)

// hostCall is one avatar method invocation seen by a fakeHost.
type hostCall struct {
	op      string
	state   players.State
	visible bool
}

// fakeHost is a Host whose world state is set directly by tests.
type fakeHost struct {
	mu     sync.Mutex
	inGame bool
	pos    protocol.PositionState
	events LocalEvents
	calls  []hostCall
}

func newFakeHost(inGame bool, pos protocol.PositionState) *fakeHost {
	return &fakeHost{inGame: inGame, pos: pos}
}

func (h *fakeHost) Subscribe(events LocalEvents) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = events
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = nil
	}
}

func (h *fakeHost) subscriber() LocalEvents {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events
}

func (h *fakeHost) InGame() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inGame
}

func (h *fakeHost) CurrentPlace() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos.Place
}

func (h *fakeHost) LocalPosition() protocol.PositionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos
}

func (h *fakeHost) setPlace(place string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pos.Place = place
}

func (h *fakeHost) record(op string, s players.State, visible bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hostCall{op: op, state: s, visible: visible})
}

func (h *fakeHost) MaterializeAvatar(s players.State)  { h.record("materialize", s, false) }
func (h *fakeHost) DestroyAvatar(s players.State)      { h.record("destroy", s, false) }
func (h *fakeHost) MoveAvatar(s players.State)         { h.record("move", s, false) }
func (h *fakeHost) TurnAvatar(s players.State)         { h.record("turn", s, false) }
func (h *fakeHost) PlayAvatarAction(s players.State)   { h.record("action", s, false) }
func (h *fakeHost) SetAvatarUIContext(s players.State) { h.record("ui", s, false) }
func (h *fakeHost) AnimateAvatar(s players.State)      { h.record("animate", s, false) }
func (h *fakeHost) PhysicsStepAvatar(s players.State)  { h.record("physics", s, false) }

func (h *fakeHost) SetAvatarVisible(s players.State, visible bool) {
	h.record("visible", s, visible)
}

// callsOf returns the recorded calls of op.
func (h *fakeHost) callsOf(op string) []hostCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hostCall
	for _, c := range h.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type disconnectNote struct {
	reason string
	code   protocol.NetworkError
}

// notes records every notification a session fires.
type notes struct {
	mu          sync.Mutex
	logins      []players.State
	metas       [][]players.State
	joins       []players.State
	leaves      []players.State
	pings       []players.State
	positions   []players.State
	disconnects []disconnectNote
}

func (n *notes) notifications() Notifications {
	add := func(dst *[]players.State) func(players.State) {
		return func(s players.State) {
			n.mu.Lock()
			defer n.mu.Unlock()
			*dst = append(*dst, s)
		}
	}
	return Notifications{
		OnLogin: add(&n.logins),
		OnMeta: func(roster []players.State) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.metas = append(n.metas, roster)
		},
		OnJoin:     add(&n.joins),
		OnLeave:    add(&n.leaves),
		OnPing:     add(&n.pings),
		OnPosition: add(&n.positions),
		OnDisconnect: func(reason string, code protocol.NetworkError) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.disconnects = append(n.disconnects, disconnectNote{reason: reason, code: code})
		},
	}
}

// read runs fn with the notes locked.
func (n *notes) read(fn func(n *notes)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(n)
}

func (n *notes) count(field func(n *notes) int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return field(n)
}

type testServer struct {
	*Server
	transport *loopback.Transport
	host      *fakeHost
	notes     *notes
}

type testClient struct {
	*Client
	transport *loopback.Transport
	host      *fakeHost
	notes     *notes
}

func startServer(t *testing.T, hub *loopback.Hub, host *fakeHost, list bans.List) *testServer {
	t.Helper()
	tr := loopback.New(hub, serverAddr)
	n := &notes{}
	srv, err := NewServer(Options{
		Session:      config.SessionConfig{Mode: config.ModeHost, Username: "Host", Port: testPort, Key: testKey},
		PollInterval: time.Millisecond,
		Transport:    tr,
		Host:         host,
		Bans:         list,
		Notify:       n.notifications(),
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return &testServer{Server: srv, transport: tr, host: host, notes: n}
}

func startClient(t *testing.T, hub *loopback.Hub, username, addr string, host *fakeHost) *testClient {
	t.Helper()
	return startClientWithKey(t, hub, username, addr, host, testKey)
}

func startClientWithKey(t *testing.T, hub *loopback.Hub, username, addr string, host *fakeHost, key string) *testClient {
	t.Helper()
	tr := loopback.New(hub, addr)
	n := &notes{}
	c, err := NewClient(Options{
		Session: config.SessionConfig{
			Mode:     config.ModeJoin,
			Username: username,
			Host:     serverAddr,
			Port:     testPort,
			Key:      key,
		},
		PollInterval: time.Millisecond,
		Transport:    tr,
		Host:         host,
		Notify:       n.notifications(),
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return &testClient{Client: c, transport: tr, host: host, notes: n}
}

// loggedIn starts a client and waits for its login to succeed.
func loggedIn(t *testing.T, hub *loopback.Hub, username, addr string, host *fakeHost) *testClient {
	t.Helper()
	c := startClient(t, hub, username, addr, host)
	require.Eventually(t, c.IsConnected, waitFor, waitTick, "%s never logged in", username)
	return c
}

func idle() *fakeHost { return newFakeHost(false, protocol.PositionState{}) }

func findPlayer(list []players.State, id int16) (players.State, bool) {
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return players.State{}, false
}

// hasPlayer reports whether the session's roster eventually holds id.
func hasPlayer(e interface{ Players() []players.State }, id int16) func() bool {
	return func() bool {
		_, ok := findPlayer(e.Players(), id)
		return ok
	}
}

// stubPeer is a transport.Peer that drops everything.
type stubPeer struct{ id int }

func (p stubPeer) ID() int                                    { return p.id }
func (p stubPeer) RemoteID() int                              { return -1 }
func (p stubPeer) Address() string                            { return "10.9.9.9" }
func (p stubPeer) Send([]byte, protocol.Delivery, byte) error { return nil }
func (p stubPeer) Disconnect([]byte)                          {}

var _ transport.Peer = stubPeer{}
