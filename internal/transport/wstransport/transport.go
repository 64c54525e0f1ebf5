// Package wstransport carries session packets over websocket connections.
//
// A listening transport serves one upgrade endpoint, SessionPath. The
// connecting side presents the digest of the shared key in KeyHeader and
// learns its server-assigned id from PeerHeader. Every binary message is a
// frame of [mode u8][channel u8][seq u16 LE][payload]; sequenced frames
// older than the newest one seen on their channel are dropped.
package wstransport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/cory-johannsen/playersync/internal/config"
	"github.com/cory-johannsen/playersync/internal/transport"
)

const (
	// SessionPath is the websocket upgrade endpoint.
	SessionPath = "/session"
	// KeyHeader carries hex(blake2b-256(key)) on the upgrade request.
	KeyHeader = "X-Playersync-Key"
	// PeerHeader carries the id the server assigned to the connection.
	PeerHeader = "X-Playersync-Peer"

	// CloseDisconnect is the close code used by Peer.Disconnect; the close
	// reason carries the disconnect payload.
	CloseDisconnect = 4000

	frameHeaderLen = 4
	maxMessageSize = 1 << 20
	closeGrace     = 500 * time.Millisecond
	writeWait      = 2 * time.Second
)

// KeyDigest returns the value sent in KeyHeader for key.
func KeyDigest(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Transport is a websocket implementation of transport.Transport.
type Transport struct {
	cfg    config.TransportConfig
	logger *zap.Logger
	queue  transport.EventQueue

	upgrader websocket.Upgrader
	dialer   websocket.Dialer

	mu       sync.Mutex
	listener transport.Listener
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	port     int
	ids      transport.IDPool
	peers    map[int]*peer
	wg       sync.WaitGroup
}

// New creates a transport with the given timings.
//
// Precondition: cfg.PingInterval and cfg.DisconnectTimeout must be positive;
// logger must be non-nil.
// Postcondition: Returns a Transport ready for Start or Listen.
func New(cfg config.TransportConfig, logger *zap.Logger) *Transport {
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 1
	}
	return &Transport{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    16 * 1024,
			WriteBufferSize:   16 * 1024,
			EnableCompression: true,
			// Game clients are not browsers; the key header gates access.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: websocket.Dialer{
			HandshakeTimeout:  cfg.DisconnectTimeout,
			EnableCompression: true,
		},
		peers: make(map[int]*peer),
	}
}

// Start implements transport.Transport.
func (t *Transport) Start(l transport.Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked(l)
}

func (t *Transport) startLocked(l transport.Listener) error {
	if t.started {
		return transport.ErrAlreadyStarted
	}
	t.listener = l
	t.started = true
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.queue.Reopen()
	return nil
}

// Listen implements transport.Transport. It binds every interface on port.
func (t *Transport) Listen(l transport.Listener, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", port, err)
	}
	if err := t.startLocked(l); err != nil {
		ln.Close()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(SessionPath, t.handleUpgrade)
	t.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: t.cfg.DisconnectTimeout,
	}
	t.port = ln.Addr().(*net.TCPAddr).Port

	srv := t.httpSrv
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("websocket server stopped", zap.Error(err))
			t.queue.Push(transport.Event{Type: transport.EventError, Addr: ln.Addr().String(), Err: err})
		}
	}()

	t.logger.Info("websocket transport listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", SessionPath),
	)
	return nil
}

// Port implements transport.Transport.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// Connect implements transport.Transport. Dialing happens in the
// background; the outcome is queued as a connect or disconnect event.
func (t *Transport) Connect(host string, port int, key string) (transport.Peer, error) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil, transport.ErrNotStarted
	}
	p, err := t.newPeerLocked(host)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	ctx := t.ctx
	t.wg.Add(1)
	t.mu.Unlock()

	url := fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), SessionPath)
	header := http.Header{}
	header.Set(KeyHeader, KeyDigest(key))

	go func() {
		defer t.wg.Done()
		conn, resp, err := t.dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			reason := transport.ReasonConnectionFailed
			if resp != nil && resp.StatusCode == http.StatusForbidden {
				reason = transport.ReasonConnectionRejected
				err = nil
			}
			t.logger.Debug("dial failed", zap.String("url", url), zap.Error(err))
			p.fail(transport.DisconnectInfo{Reason: reason, Err: err})
			return
		}
		remoteID, perr := strconv.Atoi(resp.Header.Get(PeerHeader))
		if perr != nil {
			conn.Close()
			p.fail(transport.DisconnectInfo{
				Reason: transport.ReasonConnectionFailed,
				Err:    fmt.Errorf("reading %s header: %w", PeerHeader, perr),
			})
			return
		}
		p.setRemoteID(remoteID)
		t.attach(p, conn)
	}()
	return p, nil
}

// PollEvents implements transport.Transport. Connection requests the
// listener leaves unresolved are rejected.
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
		if p.isAttached() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Stop implements transport.Transport. Connected remotes receive a close
// frame; Stop waits for every connection goroutine to exit.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	t.listener = nil
	t.cancel()
	srv := t.httpSrv
	t.httpSrv = nil
	t.port = 0
	peers := make([]*peer, 0, len(t.peers))
	for id, p := range t.peers {
		peers = append(peers, p)
		t.ids.Release(id)
	}
	t.peers = make(map[int]*peer)
	t.mu.Unlock()

	t.queue.Close()
	if srv != nil {
		if err := srv.Close(); err != nil {
			t.logger.Debug("closing websocket server", zap.Error(err))
		}
	}
	for _, p := range peers {
		p.shutdown()
	}
	t.wg.Wait()
	t.logger.Info("websocket transport stopped")
}

func (t *Transport) newPeerLocked(address string) (*peer, error) {
	id, err := t.ids.Acquire()
	if err != nil {
		return nil, err
	}
	p := newPeer(t, id, address)
	t.peers[id] = p
	return p, nil
}

// removePeer forgets p and frees its id for the next connection.
func (t *Transport) removePeer(p *peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peers[p.id] == p {
		delete(t.peers, p.id)
		t.ids.Release(p.id)
	}
}

func (t *Transport) releaseID(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peers[id] == nil {
		t.ids.Release(id)
	}
}

// attach binds conn to p, starts its goroutines and queues the connect
// event. A peer already closed by the time the dial finished is dropped and
// attach reports false.
func (t *Transport) attach(p *peer, conn *websocket.Conn) bool {
	t.mu.Lock()
	if !t.started || p.isClosed() {
		t.mu.Unlock()
		conn.Close()
		return false
	}
	t.peers[p.id] = p
	p.setConn(conn)
	t.wg.Add(2)
	t.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	go func() {
		defer t.wg.Done()
		p.writeLoop(t.cfg.PingInterval)
	}()
	go func() {
		defer t.wg.Done()
		p.readLoop(t.cfg.DisconnectTimeout)
	}()
	t.queue.Push(transport.Event{Type: transport.EventConnect, Peer: p})
	return true
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}

	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		http.Error(w, "not listening", http.StatusServiceUnavailable)
		return
	}

	req := &request{t: t, addr: addr, digest: r.Header.Get(KeyHeader), decision: make(chan int, 1)}
	t.queue.Push(transport.Event{Type: transport.EventConnectionRequest, Request: req})

	timer := time.NewTimer(t.cfg.DisconnectTimeout)
	defer timer.Stop()
	var id int
	select {
	case id = <-req.decision:
	case <-timer.C:
		req.abandon()
		id = -1
	case <-ctx.Done():
		req.abandon()
		id = -1
	case <-r.Context().Done():
		req.abandon()
		return
	}
	if id < 0 {
		t.logger.Debug("connection request rejected", zap.String("remote_addr", addr))
		http.Error(w, "connection rejected", http.StatusForbidden)
		return
	}

	header := http.Header{}
	header.Set(PeerHeader, strconv.Itoa(id))
	conn, err := t.upgrader.Upgrade(w, r, header)
	if err != nil {
		t.logger.Debug("websocket upgrade failed", zap.String("remote_addr", addr), zap.Error(err))
		t.releaseID(id)
		return
	}
	if !t.attach(newPeer(t, id, addr), conn) {
		t.releaseID(id)
	}
}

// request is a pending upgrade awaiting the listener's decision. Accept and
// Reject run on the poll goroutine; abandon runs on the upgrade handler.
type request struct {
	t        *Transport
	addr     string
	digest   string
	decision chan int

	mu   sync.Mutex
	done bool
}

func (r *request) Address() string { return r.addr }

// AcceptIfKey reserves the lowest free peer id for the connection. When every
// id is taken the request is rejected.
func (r *request) AcceptIfKey(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done = true
	if !digestEqual(r.digest, KeyDigest(key)) {
		r.decision <- -1
		return false
	}
	r.t.mu.Lock()
	id, err := r.t.ids.Acquire()
	r.t.mu.Unlock()
	if err != nil {
		r.t.logger.Warn("rejecting connection", zap.String("remote_addr", r.addr), zap.Error(err))
		r.decision <- -1
		return false
	}
	r.decision <- id
	return true
}

func (r *request) Reject() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.decision <- -1
}

// abandon withdraws a request the handler stopped waiting for. An id already
// granted goes back to the pool.
func (r *request) abandon() {
	r.mu.Lock()
	decided := r.done
	r.done = true
	r.mu.Unlock()
	if !decided {
		return
	}
	if id := <-r.decision; id >= 0 {
		r.t.releaseID(id)
	}
}
