package wstransport

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/playersync/internal/protocol"
	"github.com/cory-johannsen/playersync/internal/transport"
)

type peer struct {
	t        *Transport
	id       int
	address  string
	remoteID atomic.Int64

	mu     sync.Mutex
	conn   *websocket.Conn
	outSeq map[byte]uint16

	send     chan []byte
	closeReq chan []byte
	done     chan struct{}
	doneOnce sync.Once
	closed   atomic.Bool
	closing  atomic.Bool

	// inSeq is only touched by readLoop.
	inSeq transport.Sequencer
}

func newPeer(t *Transport, id int, address string) *peer {
	p := &peer{
		t:        t,
		id:       id,
		address:  address,
		outSeq:   make(map[byte]uint16),
		send:     make(chan []byte, t.cfg.SendBuffer),
		closeReq: make(chan []byte, 1),
		done:     make(chan struct{}),
	}
	p.remoteID.Store(-1)
	return p
}

func (p *peer) ID() int            { return p.id }
func (p *peer) RemoteID() int      { return int(p.remoteID.Load()) }
func (p *peer) Address() string    { return p.address }
func (p *peer) setRemoteID(id int) { p.remoteID.Store(int64(id)) }
func (p *peer) isClosed() bool     { return p.closed.Load() }

func (p *peer) setConn(conn *websocket.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
}

func (p *peer) isAttached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.closed.Load()
}

// Send frames data and queues it for the writer goroutine. Sequence numbers
// are assigned under the same lock as the enqueue so frames leave in
// sequence order.
//
// Postcondition: A ReliableOrdered frame that does not fit in the send
// buffer fails the peer with NetworkError. A ReliableSequenced frame is only dropped; the next
// one on its channel supersedes it.
func (p *peer) Send(data []byte, mode protocol.Delivery, channel byte) error {
	if p.closed.Load() {
		return transport.ErrPeerClosed
	}
	if p.enqueue(data, mode, channel) {
		return nil
	}
	if mode == protocol.ReliableOrdered {
		p.t.logger.Warn("send buffer overflow on ordered channel; closing peer",
			zap.Int("peer", p.id),
			zap.String("remote_addr", p.address),
			zap.Uint8("channel", channel),
		)
		p.fail(transport.DisconnectInfo{Reason: transport.ReasonNetworkError, Err: transport.ErrSendBufferFull})
		p.requestClose(nil)
	}
	return transport.ErrSendBufferFull
}

func (p *peer) enqueue(data []byte, mode protocol.Delivery, channel byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	var seq uint16
	if mode == protocol.ReliableSequenced {
		p.outSeq[channel]++
		seq = p.outSeq[channel]
	}
	frame := make([]byte, frameHeaderLen+len(data))
	frame[0] = byte(mode)
	frame[1] = channel
	binary.LittleEndian.PutUint16(frame[2:], seq)
	copy(frame[frameHeaderLen:], data)

	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// Disconnect queues a close frame carrying payload after any frames already
// queued, and reports DisconnectPeerCalled locally.
func (p *peer) Disconnect(payload []byte) {
	if p.closed.Swap(true) {
		return
	}
	p.t.removePeer(p)
	p.t.queue.Push(transport.Event{
		Type:       transport.EventDisconnect,
		Peer:       p,
		Disconnect: transport.DisconnectInfo{Reason: transport.ReasonDisconnectPeerCalled},
	})
	p.requestClose(payload)
}

// fail reports a disconnect the local side did not ask for.
func (p *peer) fail(info transport.DisconnectInfo) {
	if p.closed.Swap(true) {
		return
	}
	p.t.removePeer(p)
	p.t.queue.Push(transport.Event{Type: transport.EventDisconnect, Peer: p, Disconnect: info})
}

// shutdown closes the peer without queuing an event.
func (p *peer) shutdown() {
	if p.closed.Swap(true) {
		return
	}
	p.requestClose(nil)
}

func (p *peer) requestClose(payload []byte) {
	select {
	case p.closeReq <- append([]byte(nil), payload...):
	default:
	}
}

func (p *peer) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *peer) extendDeadline(timeout time.Duration) {
	if p.closing.Load() {
		return
	}
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
}

func (p *peer) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-p.send:
			if err := p.writeFrame(frame); err != nil {
				p.fail(transport.DisconnectInfo{Reason: transport.ReasonNetworkError, Err: err})
				p.conn.Close()
				return
			}

		case <-ticker.C:
			var stamp [8]byte
			binary.LittleEndian.PutUint64(stamp[:], uint64(time.Now().UnixNano()))
			if err := p.conn.WriteControl(websocket.PingMessage, stamp[:], time.Now().Add(writeWait)); err != nil {
				p.fail(transport.DisconnectInfo{Reason: transport.ReasonNetworkError, Err: err})
				p.conn.Close()
				return
			}

		case payload := <-p.closeReq:
			p.flush()
			p.closing.Store(true)
			msg := websocket.FormatCloseMessage(CloseDisconnect, hex.EncodeToString(payload))
			if err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				p.conn.Close()
				return
			}
			// The read loop ends when the close is echoed or the grace expires.
			_ = p.conn.SetReadDeadline(time.Now().Add(closeGrace))
			return

		case <-p.done:
			return
		}
	}
}

// flush writes frames queued before a close request.
func (p *peer) flush() {
	for {
		select {
		case frame := <-p.send:
			if err := p.writeFrame(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *peer) writeFrame(frame []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (p *peer) readLoop(timeout time.Duration) {
	defer func() {
		p.conn.Close()
		p.finish()
	}()

	p.conn.SetPingHandler(func(data string) error {
		p.extendDeadline(timeout)
		_ = p.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		return nil
	})
	p.conn.SetPongHandler(func(data string) error {
		p.extendDeadline(timeout)
		if len(data) != 8 {
			return nil
		}
		sent := int64(binary.LittleEndian.Uint64([]byte(data)))
		rtt := time.Duration(time.Now().UnixNano() - sent)
		if rtt >= 0 {
			p.t.queue.Push(transport.Event{Type: transport.EventLatency, Peer: p, Latency: rtt / 2})
		}
		return nil
	})
	p.extendDeadline(timeout)

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			p.fail(classify(err))
			return
		}
		p.extendDeadline(timeout)

		if mt != websocket.BinaryMessage || len(data) < frameHeaderLen {
			p.t.logger.Debug("dropping malformed frame",
				zap.String("remote_addr", p.address),
				zap.Int("type", mt),
				zap.Int("len", len(data)),
			)
			continue
		}
		mode := protocol.Delivery(data[0])
		channel := data[1]
		seq := binary.LittleEndian.Uint16(data[2:])
		switch mode {
		case protocol.ReliableOrdered:
		case protocol.ReliableSequenced:
			if !p.inSeq.Accept(channel, seq) {
				continue
			}
		default:
			p.t.logger.Debug("dropping frame with unknown delivery mode",
				zap.String("remote_addr", p.address),
				zap.Uint8("mode", data[0]),
			)
			continue
		}
		p.t.queue.Push(transport.Event{
			Type:    transport.EventReceive,
			Peer:    p,
			Data:    data[frameHeaderLen:],
			Channel: channel,
			Mode:    mode,
		})
	}
}

// classify maps a read error to a disconnect reason. A CloseDisconnect close
// frame carries the remote's hex-encoded disconnect payload.
func classify(err error) transport.DisconnectInfo {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		info := transport.DisconnectInfo{Reason: transport.ReasonRemoteConnectionClose}
		if ce.Code == CloseDisconnect {
			if b, derr := hex.DecodeString(ce.Text); derr == nil && len(b) > 0 {
				info.AdditionalData = b
			}
		}
		return info
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return transport.DisconnectInfo{Reason: transport.ReasonTimeout, Err: err}
	}
	return transport.DisconnectInfo{Reason: transport.ReasonNetworkError, Err: err}
}

func digestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
