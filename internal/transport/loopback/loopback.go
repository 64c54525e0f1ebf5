// Package loopback is an in-process transport. Transports attached to the
// same Hub reach each other by port; delivery is immediate and in order.
package loopback

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cory-johannsen/playersync/internal/protocol"
	"github.com/cory-johannsen/playersync/internal/transport"
)

// ErrPortInUse is returned by Listen when another transport owns the port.
var ErrPortInUse = errors.New("port in use")

// Hub routes connections between loopback transports.
type Hub struct {
	mu        sync.Mutex
	listeners map[int]*Transport
	nextPort  int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[int]*Transport), nextPort: 40000}
}

func (h *Hub) bind(t *Transport, port int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if port == 0 {
		for h.listeners[h.nextPort] != nil {
			h.nextPort++
		}
		port = h.nextPort
		h.nextPort++
	}
	if h.listeners[port] != nil {
		return 0, fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	h.listeners[port] = t
	return port, nil
}

func (h *Hub) unbind(port int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, port)
}

func (h *Hub) lookup(port int) *Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listeners[port]
}

// Transport is one endpoint on a Hub.
type Transport struct {
	hub     *Hub
	address string
	queue   transport.EventQueue

	mu       sync.Mutex
	listener transport.Listener
	started  bool
	port     int
	ids      transport.IDPool
	peers    map[int]*peer
}

// New creates a transport on hub whose peers see it at address.
//
// Precondition: hub must be non-nil.
func New(hub *Hub, address string) *Transport {
	return &Transport{hub: hub, address: address, peers: make(map[int]*peer)}
}

// Start implements transport.Transport.
func (t *Transport) Start(l transport.Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return transport.ErrAlreadyStarted
	}
	t.listener = l
	t.started = true
	t.queue.Reopen()
	return nil
}

// Listen implements transport.Transport.
func (t *Transport) Listen(l transport.Listener, port int) error {
	if err := t.Start(l); err != nil {
		return err
	}
	bound, err := t.hub.bind(t, port)
	if err != nil {
		t.mu.Lock()
		t.started = false
		t.listener = nil
		t.mu.Unlock()
		return err
	}
	t.mu.Lock()
	t.port = bound
	t.mu.Unlock()
	return nil
}

// Port implements transport.Transport.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// Connect implements transport.Transport. A missing listener is reported as
// a ConnectionFailed disconnect on the next poll.
func (t *Transport) Connect(host string, port int, key string) (transport.Peer, error) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil, transport.ErrNotStarted
	}
	local, err := t.newPeerLocked(host)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	server := t.hub.lookup(port)
	if server == nil {
		t.dropPeer(local)
		t.queue.Push(transport.Event{
			Type:       transport.EventDisconnect,
			Peer:       local,
			Disconnect: transport.DisconnectInfo{Reason: transport.ReasonConnectionFailed},
		})
		return local, nil
	}
	server.queue.Push(transport.Event{
		Type:    transport.EventConnectionRequest,
		Request: &request{server: server, client: local, key: key},
	})
	return local, nil
}

// PollEvents implements transport.Transport.
func (t *Transport) PollEvents() {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l == nil {
		return
	}
	for _, ev := range t.queue.Take() {
		ev.Dispatch(l)
		if req, ok := ev.Request.(*request); ok {
			req.Reject()
		}
	}
}

// ConnectedPeers implements transport.Transport.
func (t *Transport) ConnectedPeers() []transport.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.remote.Load() != nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Stop implements transport.Transport. Connected remotes observe a
// RemoteConnectionClose.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	t.listener = nil
	peers := make([]*peer, 0, len(t.peers))
	for id, p := range t.peers {
		peers = append(peers, p)
		t.ids.Release(id)
	}
	t.peers = make(map[int]*peer)
	port := t.port
	t.port = 0
	t.mu.Unlock()

	if port != 0 {
		t.hub.unbind(port)
	}
	t.queue.Close()
	for _, p := range peers {
		if p.closed.Swap(true) {
			continue
		}
		if r := p.remote.Load(); r != nil {
			r.closeFromRemote(nil)
		}
	}
}

// ReportLatency queues a latency sample for the peer with the given id, as
// the keepalive of a real network transport would.
func (t *Transport) ReportLatency(id int, latency time.Duration) {
	t.mu.Lock()
	p := t.peers[id]
	t.mu.Unlock()
	if p == nil {
		return
	}
	t.queue.Push(transport.Event{Type: transport.EventLatency, Peer: p, Latency: latency})
}

// newPeerLocked registers a peer under the lowest free id.
func (t *Transport) newPeerLocked(address string) (*peer, error) {
	id, err := t.ids.Acquire()
	if err != nil {
		return nil, err
	}
	p := &peer{t: t, id: id, address: address, remoteID: -1}
	t.peers[id] = p
	return p, nil
}

func (t *Transport) dropPeer(p *peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peers[p.id] == p {
		delete(t.peers, p.id)
		t.ids.Release(p.id)
	}
}

type peer struct {
	t        *Transport
	id       int
	remoteID int
	address  string
	remote   atomic.Pointer[peer]
	closed   atomic.Bool
}

func (p *peer) ID() int         { return p.id }
func (p *peer) RemoteID() int   { return p.remoteID }
func (p *peer) Address() string { return p.address }

func (p *peer) Send(data []byte, mode protocol.Delivery, channel byte) error {
	if p.closed.Load() {
		return transport.ErrPeerClosed
	}
	r := p.remote.Load()
	if r == nil {
		return transport.ErrPeerClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	r.t.queue.Push(transport.Event{
		Type:    transport.EventReceive,
		Peer:    r,
		Data:    buf,
		Channel: channel,
		Mode:    mode,
	})
	return nil
}

func (p *peer) Disconnect(payload []byte) {
	if p.closed.Swap(true) {
		return
	}
	p.t.dropPeer(p)
	p.t.queue.Push(transport.Event{
		Type:       transport.EventDisconnect,
		Peer:       p,
		Disconnect: transport.DisconnectInfo{Reason: transport.ReasonDisconnectPeerCalled},
	})
	if r := p.remote.Load(); r != nil {
		r.closeFromRemote(payload)
	}
}

func (p *peer) closeFromRemote(payload []byte) {
	if p.closed.Swap(true) {
		return
	}
	p.t.dropPeer(p)
	var data []byte
	if len(payload) > 0 {
		data = append([]byte(nil), payload...)
	}
	p.t.queue.Push(transport.Event{
		Type: transport.EventDisconnect,
		Peer: p,
		Disconnect: transport.DisconnectInfo{
			Reason:         transport.ReasonRemoteConnectionClose,
			AdditionalData: data,
		},
	})
}

// request is resolved on the server's poll goroutine. Unresolved requests
// are rejected once the listener returns.
type request struct {
	server *Transport
	client *peer
	key    string
	done   bool
}

func (r *request) Address() string { return r.client.t.address }

func (r *request) AcceptIfKey(key string) bool {
	if r.done {
		return false
	}
	if key != r.key {
		r.Reject()
		return false
	}
	r.done = true

	r.server.mu.Lock()
	if !r.server.started {
		r.server.mu.Unlock()
		r.client.closeFromRemote(nil)
		return false
	}
	sp, err := r.server.newPeerLocked(r.client.t.address)
	if err != nil {
		r.server.mu.Unlock()
		r.refuse()
		return false
	}
	sp.remoteID = r.client.id
	r.server.mu.Unlock()

	if r.client.closed.Load() {
		r.server.dropPeer(sp)
		return false
	}
	r.client.remoteID = sp.id
	sp.remote.Store(r.client)
	r.client.remote.Store(sp)

	r.server.queue.Push(transport.Event{Type: transport.EventConnect, Peer: sp})
	r.client.t.queue.Push(transport.Event{Type: transport.EventConnect, Peer: r.client})
	return true
}

func (r *request) Reject() {
	if r.done {
		return
	}
	r.done = true
	r.refuse()
}

// refuse reports ConnectionRejected to the connecting side.
func (r *request) refuse() {
	if r.client.closed.Swap(true) {
		return
	}
	r.client.t.dropPeer(r.client)
	r.client.t.queue.Push(transport.Event{
		Type:       transport.EventDisconnect,
		Peer:       r.client,
		Disconnect: transport.DisconnectInfo{Reason: transport.ReasonConnectionRejected},
	})
}
