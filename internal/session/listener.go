package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playersync/internal/protocol"
	"github.com/cory-johannsen/playersync/internal/transport"
)

// listener adapts an Engine to transport.Listener without exporting the
// callbacks on Client and Server.
type listener struct {
	e *Engine
}

func (l listener) OnPeerConnected(p transport.Peer) {
	l.e.handle("peer connected", func() {
		l.e.logger.Debug("peer connected", zap.Int("peer", p.ID()), zap.String("remote_addr", p.Address()))
		l.e.role.peerConnected(p)
	})
}

func (l listener) OnPeerDisconnected(p transport.Peer, info transport.DisconnectInfo) {
	l.e.handle("peer disconnected", func() {
		l.e.logger.Debug("peer disconnected",
			zap.Int("peer", p.ID()),
			zap.Stringer("reason", info),
		)
		l.e.role.peerDisconnected(p, info)
	})
}

func (l listener) OnReceive(p transport.Peer, data []byte, _ byte, _ protocol.Delivery) {
	l.e.handle("receive", func() {
		pkt, err := protocol.Decode(data, l.e.role.origin())
		if err != nil {
			fields := []zap.Field{zap.Int("peer", p.ID()), zap.Int("len", len(data)), zap.Error(err)}
			if len(data) > 0 {
				fields = append(fields, zap.Uint8("kind", data[0]))
			}
			l.e.logger.Warn("dropping undecodable packet", fields...)
			return
		}
		l.e.role.receive(p, pkt)
	})
}

func (l listener) OnLatencyUpdate(p transport.Peer, latency time.Duration) {
	l.e.handle("latency", func() {
		l.e.role.latency(p, latencyMillis(latency))
	})
}

func (l listener) OnConnectionRequest(req transport.ConnectionRequest) {
	l.e.handle("connection request", func() {
		l.e.role.connectionRequest(req)
	})
}

func (l listener) OnNetworkError(addr string, err error) {
	l.e.handle("network error", func() {
		l.e.logger.Warn("network error", zap.String("remote_addr", addr), zap.Error(err))
	})
}
