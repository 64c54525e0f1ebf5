package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/playersync/internal/protocol"
)

func TestSeqNewerWraps(t *testing.T) {
	assert.True(t, SeqNewer(2, 1))
	assert.False(t, SeqNewer(1, 2))
	assert.False(t, SeqNewer(7, 7))
	assert.True(t, SeqNewer(0, 65535))
	assert.True(t, SeqNewer(10, 65530))
	assert.False(t, SeqNewer(65530, 10))
}

func TestSequencerPerChannel(t *testing.T) {
	var s Sequencer
	assert.True(t, s.Accept(6, 10))
	assert.False(t, s.Accept(6, 9))
	assert.False(t, s.Accept(6, 10))
	assert.True(t, s.Accept(7, 1), "channels are independent")
	assert.True(t, s.Accept(6, 11))
}

// Property: the accepted subsequence of any sequence numbers is strictly
// increasing in wrapping order.
func TestPropertySequencerAcceptsOnlyNewer(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var s Sequencer
		start := rapid.Uint16().Draw(t, "start")
		offsets := rapid.SliceOfN(rapid.IntRange(-50, 50), 1, 100).Draw(t, "offsets")

		var last uint16
		have := false
		for _, off := range offsets {
			seq := start + uint16(off)
			if s.Accept(1, seq) {
				if have && !SeqNewer(seq, last) {
					t.Fatalf("accepted %d after %d", seq, last)
				}
				last, have = seq, true
			}
		}
	})
}

func TestEventQueueTakeAndClose(t *testing.T) {
	var q EventQueue
	q.Push(Event{Type: EventConnect})
	q.Push(Event{Type: EventReceive, Data: []byte{1}})
	evs := q.Take()
	assert.Len(t, evs, 2)
	assert.Empty(t, q.Take())

	q.Close()
	q.Push(Event{Type: EventConnect})
	assert.Empty(t, q.Take())

	q.Reopen()
	q.Push(Event{Type: EventConnect})
	assert.Len(t, q.Take(), 1)
}

type countingListener struct {
	calls map[EventType]int
}

func (c *countingListener) OnPeerConnected(Peer) {
	c.calls[EventConnect]++
}

func (c *countingListener) OnPeerDisconnected(Peer, DisconnectInfo) {
	c.calls[EventDisconnect]++
}

func (c *countingListener) OnReceive(Peer, []byte, byte, protocol.Delivery) {
	c.calls[EventReceive]++
}

func (c *countingListener) OnLatencyUpdate(Peer, time.Duration) {
	c.calls[EventLatency]++
}

func (c *countingListener) OnConnectionRequest(ConnectionRequest) {
	c.calls[EventConnectionRequest]++
}

func (c *countingListener) OnNetworkError(string, error) {
	c.calls[EventError]++
}

func TestEventDispatch(t *testing.T) {
	l := &countingListener{calls: map[EventType]int{}}
	for _, typ := range []EventType{EventConnect, EventDisconnect, EventReceive, EventLatency, EventConnectionRequest, EventError} {
		Event{Type: typ}.Dispatch(l)
	}
	for _, typ := range []EventType{EventConnect, EventDisconnect, EventReceive, EventLatency, EventConnectionRequest, EventError} {
		assert.Equal(t, 1, l.calls[typ], "event type %d", typ)
	}
}

func TestDisconnectInfoString(t *testing.T) {
	assert.Equal(t, "Timeout", DisconnectInfo{Reason: ReasonTimeout}.String())
	assert.Equal(t, "NetworkError(reset)", DisconnectInfo{Reason: ReasonNetworkError, Err: errors.New("reset")}.String())
	assert.Equal(t, "DisconnectReason(99)", DisconnectReason(99).String())
}
