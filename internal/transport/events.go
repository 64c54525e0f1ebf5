package transport

import (
	"sync"
	"time"

	"github.com/cory-johannsen/playersync/internal/protocol"
)

// EventType enumerates queued transport events.
type EventType uint8

const (
	EventConnect EventType = iota
	EventDisconnect
	EventReceive
	EventLatency
	EventConnectionRequest
	EventError
)

// Event is one queued transport occurrence.
type Event struct {
	Type       EventType
	Peer       Peer
	Data       []byte
	Channel    byte
	Mode       protocol.Delivery
	Latency    time.Duration
	Disconnect DisconnectInfo
	Request    ConnectionRequest
	Addr       string
	Err        error
}

// Dispatch hands ev to the matching Listener method.
func (ev Event) Dispatch(l Listener) {
	switch ev.Type {
	case EventConnect:
		l.OnPeerConnected(ev.Peer)
	case EventDisconnect:
		l.OnPeerDisconnected(ev.Peer, ev.Disconnect)
	case EventReceive:
		l.OnReceive(ev.Peer, ev.Data, ev.Channel, ev.Mode)
	case EventLatency:
		l.OnLatencyUpdate(ev.Peer, ev.Latency)
	case EventConnectionRequest:
		l.OnConnectionRequest(ev.Request)
	case EventError:
		l.OnNetworkError(ev.Addr, ev.Err)
	}
}

// EventQueue is an unbounded FIFO of events shared by a transport's I/O
// goroutines and its PollEvents caller. All methods are safe for concurrent
// use.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// Push appends ev unless the queue is closed.
func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, ev)
}

// Take removes and returns every queued event.
func (q *EventQueue) Take() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.events
	q.events = nil
	return evs
}

// Reopen clears the queue and accepts events again.
func (q *EventQueue) Reopen() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = nil
	q.closed = false
}

// Close drops queued events and rejects later pushes.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = nil
	q.closed = true
}

// Sequencer drops sequenced packets that are older than the newest one seen
// on their channel. It is not safe for concurrent use.
type Sequencer struct {
	last map[byte]uint16
}

// Accept reports whether seq on channel is newer than anything seen so far
// and records it. Comparison wraps around at 2^16.
func (s *Sequencer) Accept(channel byte, seq uint16) bool {
	if s.last == nil {
		s.last = make(map[byte]uint16)
	}
	prev, seen := s.last[channel]
	if seen && !SeqNewer(seq, prev) {
		return false
	}
	s.last[channel] = seq
	return true
}

// SeqNewer reports whether a is after b in wrapping 16-bit sequence space.
func SeqNewer(a, b uint16) bool {
	return a != b && int16(a-b) > 0
}
