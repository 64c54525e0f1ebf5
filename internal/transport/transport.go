// Package transport defines the peer-to-peer message transport the session
// engine runs on. Implementations queue network activity internally and
// deliver it to a Listener only from PollEvents, so every callback runs on the
// goroutine that polls.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/cory-johannsen/playersync/internal/protocol"
)

var (
	// ErrNotStarted is returned by operations that need Start or Listen first.
	ErrNotStarted = errors.New("transport not started")
	// ErrAlreadyStarted is returned when Start or Listen is called twice.
	ErrAlreadyStarted = errors.New("transport already started")
	// ErrPeerClosed is returned when sending to a disconnected peer.
	ErrPeerClosed = errors.New("peer closed")
	// ErrSendBufferFull is returned when a peer's outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Peer is one remote endpoint.
type Peer interface {
	// ID is the local identifier of this connection. On a listening
	// transport it is the id the server assigned to the client.
	ID() int
	// RemoteID is the id the remote side assigned to this connection. For a
	// client this is its own session id on the server.
	RemoteID() int
	// Address is the remote network address without port.
	Address() string
	// Send queues data for delivery. It never blocks on the network.
	Send(data []byte, mode protocol.Delivery, channel byte) error
	// Disconnect closes the connection, handing payload to the remote side.
	Disconnect(payload []byte)
}

// DisconnectReason says why a peer went away.
type DisconnectReason uint8

const (
	ReasonConnectionFailed DisconnectReason = iota
	ReasonTimeout
	ReasonRemoteConnectionClose
	ReasonDisconnectPeerCalled
	ReasonConnectionRejected
	ReasonNetworkError
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonConnectionFailed:
		return "ConnectionFailed"
	case ReasonTimeout:
		return "Timeout"
	case ReasonRemoteConnectionClose:
		return "RemoteConnectionClose"
	case ReasonDisconnectPeerCalled:
		return "DisconnectPeerCalled"
	case ReasonConnectionRejected:
		return "ConnectionRejected"
	case ReasonNetworkError:
		return "NetworkError"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", uint8(r))
	}
}

// DisconnectInfo describes a peer disconnect.
type DisconnectInfo struct {
	Reason DisconnectReason
	// Err is the underlying socket error, if any.
	Err error
	// AdditionalData is the payload the remote side passed to Disconnect.
	AdditionalData []byte
}

// String renders the reason with the socket error appended when present.
func (d DisconnectInfo) String() string {
	if d.Err != nil {
		return fmt.Sprintf("%s(%v)", d.Reason, d.Err)
	}
	return d.Reason.String()
}

// ConnectionRequest is an inbound connect attempt awaiting a decision.
type ConnectionRequest interface {
	Address() string
	// AcceptIfKey accepts the request when the presented key matches key and
	// rejects it otherwise.
	AcceptIfKey(key string) bool
	Reject()
}

// Listener receives transport events. All methods are called from
// PollEvents.
type Listener interface {
	OnPeerConnected(peer Peer)
	OnPeerDisconnected(peer Peer, info DisconnectInfo)
	OnReceive(peer Peer, data []byte, channel byte, mode protocol.Delivery)
	OnLatencyUpdate(peer Peer, latency time.Duration)
	OnConnectionRequest(req ConnectionRequest)
	OnNetworkError(addr string, err error)
}

// Transport moves packets between peers.
type Transport interface {
	// Start activates the transport for outbound connections only.
	Start(l Listener) error
	// Listen activates the transport and accepts inbound connections on
	// port. Port 0 picks a free port.
	Listen(l Listener, port int) error
	// Port returns the bound port, or 0 when not listening.
	Port() int
	// Connect begins connecting to host:port presenting key. Completion or
	// failure is reported through the Listener.
	Connect(host string, port int, key string) (Peer, error)
	// PollEvents delivers all queued events to the Listener.
	PollEvents()
	// ConnectedPeers returns the peers whose connection is established.
	ConnectedPeers() []Peer
	// Stop closes every connection and releases the transport. Events still
	// queued are discarded.
	Stop()
}
