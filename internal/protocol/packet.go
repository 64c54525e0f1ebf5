package protocol

import (
	"fmt"
)

// Origin tells Decode which side sent a packet. Only Login bodies differ
// between the two directions.
type Origin uint8

const (
	FromClient Origin = iota
	FromServer
)

func (o Origin) String() string {
	if o == FromServer {
		return "server"
	}
	return "client"
}

// Packet is one decoded protocol message.
type Packet interface {
	Kind() Kind
	encodeBody(w *Writer)
}

// LoginRequest is sent by a client once its transport connection is up.
type LoginRequest struct {
	Username string
}

// LoginResponse is the server's verdict on a LoginRequest.
type LoginResponse struct {
	Result LoginResult
}

// PlayerMeta is one roster entry inside a Meta snapshot.
type PlayerMeta struct {
	ID       int16
	Username string
	Position PositionState
}

// Meta is the full roster snapshot sent to a client right after login.
type Meta struct {
	Players []PlayerMeta
}

// Join announces a newly logged-in player.
type Join struct {
	ID       int16
	Username string
}

// Leave announces a player that left the session.
type Leave struct {
	ID int16
}

// Ping carries a player's latest latency in milliseconds.
type Ping struct {
	ID   int16
	Ping int16
}

// Position carries a player's place, run state, position and destination.
type Position struct {
	ID       int16
	Position PositionState
}

// Look carries the point a player is looking at.
type Look struct {
	ID     int16
	Target Vector3
}

// ActionPacket carries the action a player just started.
type ActionPacket struct {
	ID     int16
	Action Action
}

// Canvas carries the UI context a player opened or closed.
type Canvas struct {
	ID     int16
	Canvas CanvasAction
}

func (LoginRequest) Kind() Kind  { return KindLogin }
func (LoginResponse) Kind() Kind { return KindLogin }
func (Meta) Kind() Kind          { return KindMeta }
func (Join) Kind() Kind          { return KindJoin }
func (Leave) Kind() Kind         { return KindLeave }
func (Ping) Kind() Kind          { return KindPing }
func (Position) Kind() Kind      { return KindPosition }
func (Look) Kind() Kind          { return KindLook }
func (ActionPacket) Kind() Kind  { return KindAction }
func (Canvas) Kind() Kind        { return KindCanvasAction }

func (p LoginRequest) encodeBody(w *Writer)  { w.PutString(p.Username) }
func (p LoginResponse) encodeBody(w *Writer) { w.PutByte(byte(p.Result)) }

func (p Meta) encodeBody(w *Writer) {
	w.PutInt32(int32(len(p.Players)))
	for _, m := range p.Players {
		w.PutInt16(m.ID)
		w.PutString(m.Username)
		w.PutPosition(m.Position)
	}
}

func (p Join) encodeBody(w *Writer) {
	w.PutInt16(p.ID)
	w.PutString(p.Username)
}

func (p Leave) encodeBody(w *Writer) { w.PutInt16(p.ID) }

func (p Ping) encodeBody(w *Writer) {
	w.PutInt16(p.ID)
	w.PutInt16(p.Ping)
}

func (p Position) encodeBody(w *Writer) {
	w.PutInt16(p.ID)
	w.PutPosition(p.Position)
}

func (p Look) encodeBody(w *Writer) {
	w.PutInt16(p.ID)
	w.PutVector3(p.Target)
}

func (p ActionPacket) encodeBody(w *Writer) {
	w.PutInt16(p.ID)
	w.PutByte(byte(p.Action))
}

func (p Canvas) encodeBody(w *Writer) {
	w.PutInt16(p.ID)
	w.PutByte(byte(p.Canvas))
}

// Encode serializes p as kind byte followed by its body.
//
// Postcondition: Returns a freshly allocated slice safe to hand to a transport.
func Encode(p Packet) []byte {
	w := NewWriter()
	w.PutByte(byte(p.Kind()))
	p.encodeBody(w)
	return w.Bytes()
}

// Decode parses one packet sent from origin.
//
// Postcondition: Returns the packet, or an error wrapping one of the package
// sentinel errors. The input slice is not retained.
func Decode(data []byte, origin Origin) (Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}
	kind, ok := ParseKind(data[0])
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, data[0])
	}

	r := NewReader(data[1:])
	p, err := decodeBody(kind, origin, r)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, err)
	}
	if r.Err() != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, r.Err())
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("decoding %s: %w (%d)", kind, ErrTrailingBytes, r.Remaining())
	}
	return p, nil
}

func decodeBody(kind Kind, origin Origin, r *Reader) (Packet, error) {
	switch kind {
	case KindLogin:
		if origin == FromServer {
			return LoginResponse{Result: ParseLoginResult(r.Byte())}, nil
		}
		return LoginRequest{Username: r.Str()}, nil

	case KindMeta:
		if origin != FromServer {
			return nil, ErrWrongOrigin
		}
		n := r.Int32()
		if r.Err() != nil {
			return nil, r.Err()
		}
		if n < 0 || n > MaxMetaEntries {
			return nil, fmt.Errorf("%w: meta count %d", ErrBadLength, n)
		}
		var players []PlayerMeta
		if n > 0 {
			players = make([]PlayerMeta, 0, n)
		}
		for i := int32(0); i < n && r.Err() == nil; i++ {
			players = append(players, PlayerMeta{
				ID:       r.Int16(),
				Username: r.Str(),
				Position: r.Position(),
			})
		}
		return Meta{Players: players}, nil

	case KindJoin:
		if origin != FromServer {
			return nil, ErrWrongOrigin
		}
		return Join{ID: r.Int16(), Username: r.Str()}, nil

	case KindLeave:
		if origin != FromServer {
			return nil, ErrWrongOrigin
		}
		return Leave{ID: r.Int16()}, nil

	case KindPing:
		if origin != FromServer {
			return nil, ErrWrongOrigin
		}
		return Ping{ID: r.Int16(), Ping: r.Int16()}, nil

	case KindPosition:
		return Position{ID: r.Int16(), Position: r.Position()}, nil

	case KindLook:
		return Look{ID: r.Int16(), Target: r.Vector3()}, nil

	case KindAction:
		return ActionPacket{ID: r.Int16(), Action: Action(r.Byte())}, nil

	case KindCanvasAction:
		id := r.Int16()
		b := r.Byte()
		if r.Err() != nil {
			return nil, r.Err()
		}
		c, err := ParseCanvasAction(b)
		if err != nil {
			return nil, err
		}
		return Canvas{ID: id, Canvas: c}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
}

// Delivery selects how the transport carries a packet kind.
type Delivery uint8

const (
	// ReliableOrdered delivers every packet once, in send order.
	ReliableOrdered Delivery = iota
	// ReliableSequenced delivers only the newest packet of a stream; older
	// in-flight packets of the same stream are dropped.
	ReliableSequenced
)

func (d Delivery) String() string {
	if d == ReliableSequenced {
		return "ReliableSequenced"
	}
	return "ReliableOrdered"
}

// DeliveryFor returns the delivery mode used for kind. Roster changes must
// all arrive in order; per-player state is latest-value-wins.
func DeliveryFor(kind Kind) Delivery {
	switch kind {
	case KindPing, KindPosition, KindLook, KindAction, KindCanvasAction:
		return ReliableSequenced
	default:
		return ReliableOrdered
	}
}

// Channel returns the transport channel a packet kind is sent on. Sequenced
// kinds each get their own channel so that one kind never supersedes another.
func Channel(kind Kind) byte {
	if DeliveryFor(kind) == ReliableSequenced {
		return byte(kind)
	}
	return 0
}
