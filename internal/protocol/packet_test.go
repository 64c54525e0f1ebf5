package protocol

import (
	"errors"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genFloat() *rapid.Generator[float32] {
	return rapid.Custom(func(t *rapid.T) float32 {
		return float32(rapid.IntRange(-100000, 100000).Draw(t, "milli")) / 1000
	})
}

func genVector() *rapid.Generator[Vector3] {
	return rapid.Custom(func(t *rapid.T) Vector3 {
		return Vector3{X: genFloat().Draw(t, "x"), Y: genFloat().Draw(t, "y"), Z: genFloat().Draw(t, "z")}
	})
}

func genPosition() *rapid.Generator[PositionState] {
	return rapid.Custom(func(t *rapid.T) PositionState {
		return PositionState{
			Place:       rapid.StringMatching(`[A-Za-z0-9_]{0,16}`).Draw(t, "place"),
			Running:     rapid.Bool().Draw(t, "running"),
			Position:    genVector().Draw(t, "position"),
			Destination: genVector().Draw(t, "destination"),
		}
	})
}

func genUsername() *rapid.Generator[string] {
	return rapid.StringMatching(`[\p{L}0-9 _-]{1,20}`)
}

func genMeta() *rapid.Generator[PlayerMeta] {
	return rapid.Custom(func(t *rapid.T) PlayerMeta {
		return PlayerMeta{
			ID:       rapid.Int16().Draw(t, "id"),
			Username: genUsername().Draw(t, "username"),
			Position: genPosition().Draw(t, "position"),
		}
	})
}

func roundTrip(t require.TestingT, p Packet, origin Origin) Packet {
	got, err := Decode(Encode(p), origin)
	require.NoError(t, err)
	return got
}

func TestRoundTripFixed(t *testing.T) {
	pos := PositionState{
		Place:       "W1",
		Running:     true,
		Position:    Vector3{1, 0, 2},
		Destination: Vector3{1, 0, 2},
	}
	cases := []struct {
		name   string
		packet Packet
		origin Origin
	}{
		{"login request", LoginRequest{Username: "Ann"}, FromClient},
		{"login success", LoginResponse{Result: LoginSuccess}, FromServer},
		{"login taken", LoginResponse{Result: LoginUsernameTaken}, FromServer},
		{"login ban", LoginResponse{Result: LoginBan}, FromServer},
		{"meta empty", Meta{}, FromServer},
		{"meta one", Meta{Players: []PlayerMeta{{ID: HostID, Username: "Host", Position: pos}}}, FromServer},
		{"join", Join{ID: 3, Username: "Bob"}, FromServer},
		{"leave", Leave{ID: 3}, FromServer},
		{"ping", Ping{ID: 3, Ping: 42}, FromServer},
		{"position client", Position{ID: 3, Position: pos}, FromClient},
		{"position server", Position{ID: 3, Position: pos}, FromServer},
		{"look", Look{ID: 3, Target: Vector3{0.5, -1, 9}}, FromServer},
		{"action", ActionPacket{ID: 3, Action: 7}, FromClient},
		{"canvas", Canvas{ID: 3, Canvas: CanvasJournal}, FromServer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.packet, roundTrip(t, tc.packet, tc.origin))
		})
	}
}

func TestPropertyRoundTripStatePackets(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.Int16().Draw(t, "id")
		origin := rapid.SampledFrom([]Origin{FromClient, FromServer}).Draw(t, "origin")
		var p Packet
		switch rapid.IntRange(0, 3).Draw(t, "kind") {
		case 0:
			p = Position{ID: id, Position: genPosition().Draw(t, "position")}
		case 1:
			p = Look{ID: id, Target: genVector().Draw(t, "look")}
		case 2:
			p = ActionPacket{ID: id, Action: Action(rapid.Byte().Draw(t, "action"))}
		default:
			c := rapid.SampledFrom([]CanvasAction{CanvasNone, CanvasPause, CanvasJournal, CanvasInventory}).Draw(t, "canvas")
			p = Canvas{ID: id, Canvas: c}
		}
		got, err := Decode(Encode(p), origin)
		if err != nil {
			t.Fatalf("decode %T: %v", p, err)
		}
		if got != p {
			t.Fatalf("round trip mismatch: got %#v want %#v", got, p)
		}
	})
}

func TestPropertyRoundTripRosterPackets(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.Int16().Draw(t, "id")
		name := genUsername().Draw(t, "username")
		packets := []Packet{
			Join{ID: id, Username: name},
			Leave{ID: id},
			Ping{ID: id, Ping: rapid.Int16().Draw(t, "ping")},
			LoginResponse{Result: rapid.SampledFrom([]LoginResult{LoginSuccess, LoginUsernameTaken, LoginBan}).Draw(t, "result")},
		}
		for _, p := range packets {
			got, err := Decode(Encode(p), FromServer)
			if err != nil {
				t.Fatalf("decode %T: %v", p, err)
			}
			if got != p {
				t.Fatalf("round trip mismatch: got %#v want %#v", got, p)
			}
		}
		req := LoginRequest{Username: name}
		got, err := Decode(Encode(req), FromClient)
		if err != nil || got != req {
			t.Fatalf("login request round trip: got %#v, %v", got, err)
		}
	})
}

// Property: Meta snapshots of any size survive a round trip.
func TestPropertyRoundTripMeta(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		entries := rapid.SliceOfN(genMeta(), 0, 32).Draw(t, "entries")
		if len(entries) == 0 {
			entries = nil
		}
		m := Meta{Players: entries}
		got, err := Decode(Encode(m), FromServer)
		if err != nil {
			t.Fatalf("decode meta: %v", err)
		}
		gm, ok := got.(Meta)
		if !ok {
			t.Fatalf("decoded %T, want Meta", got)
		}
		assert.Equal(t, m, gm)
	})
}

// Property: every strict prefix of a valid packet fails to decode with
// ErrTruncated (or ErrEmptyPacket for the empty prefix) and never panics.
func TestPropertyTruncatedNeverDecodes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := Meta{Players: rapid.SliceOfN(genMeta(), 1, 4).Draw(t, "entries")}
		data := Encode(p)
		cut := rapid.IntRange(0, len(data)-1).Draw(t, "cut")
		_, err := Decode(data[:cut], FromServer)
		if err == nil {
			t.Fatalf("prefix of length %d decoded", cut)
		}
		if cut == 0 {
			if !errors.Is(err, ErrEmptyPacket) {
				t.Fatalf("empty prefix: %v", err)
			}
			return
		}
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("prefix of length %d: %v", cut, err)
		}
	})
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte{0}, FromServer)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode([]byte{200, 1, 2}, FromClient)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeTrailingBytes(t *testing.T) {
	data := append(Encode(Leave{ID: 1}), 0xAB)
	_, err := Decode(data, FromServer)
	assert.ErrorIs(t, err, ErrTrailingBytes)
}

func TestDecodeMetaBadCount(t *testing.T) {
	w := NewWriter()
	w.PutByte(byte(KindMeta))
	w.PutInt32(-1)
	_, err := Decode(w.Bytes(), FromServer)
	assert.ErrorIs(t, err, ErrBadLength)

	w = NewWriter()
	w.PutByte(byte(KindMeta))
	w.PutInt32(MaxMetaEntries + 1)
	_, err = Decode(w.Bytes(), FromServer)
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestDecodeUnknownCanvas(t *testing.T) {
	w := NewWriter()
	w.PutByte(byte(KindCanvasAction))
	w.PutInt16(2)
	w.PutByte(99)
	_, err := Decode(w.Bytes(), FromClient)
	assert.ErrorIs(t, err, ErrUnknownCanvas)
}

func TestDecodeServerOnlyKindsFromClient(t *testing.T) {
	for _, p := range []Packet{Meta{}, Join{ID: 1, Username: "x"}, Leave{ID: 1}, Ping{ID: 1}} {
		_, err := Decode(Encode(p), FromClient)
		assert.ErrorIs(t, err, ErrWrongOrigin, "%T", p)
	}
}

func TestDecodeInvalidUTF8(t *testing.T) {
	w := NewWriter()
	w.PutByte(byte(KindJoin))
	w.PutInt16(1)
	w.PutInt16(2)
	w.PutByte(0xff)
	w.PutByte(0xfe)
	_, err := Decode(w.Bytes(), FromServer)
	assert.ErrorIs(t, err, ErrInvalidString)
}

func TestLoginResponseUnknownResult(t *testing.T) {
	got, err := Decode([]byte{byte(KindLogin), 42}, FromServer)
	require.NoError(t, err)
	assert.Equal(t, LoginResponse{Result: LoginUnknown}, got)
	assert.Equal(t, "unknown error", LoginUnknown.Reason())
}

func TestParseKind(t *testing.T) {
	for b := 0; b < 256; b++ {
		k, ok := ParseKind(byte(b))
		if b >= int(KindLogin) && b <= int(KindCanvasAction) {
			assert.True(t, ok, "byte %d", b)
			assert.Equal(t, Kind(b), k)
		} else {
			assert.False(t, ok, "byte %d", b)
			assert.Equal(t, KindUnknown, k)
		}
	}
}

func TestParseNetworkError(t *testing.T) {
	assert.Equal(t, NetworkErrorKick, ParseNetworkError(byte(NetworkErrorKick)))
	assert.Equal(t, NetworkErrorBan, ParseNetworkError(byte(NetworkErrorBan)))
	assert.Equal(t, NetworkErrorUnknown, ParseNetworkError(77))
}

func TestDeliveryFor(t *testing.T) {
	for _, k := range []Kind{KindLogin, KindMeta, KindJoin, KindLeave} {
		assert.Equal(t, ReliableOrdered, DeliveryFor(k), k.String())
		assert.Equal(t, byte(0), Channel(k))
	}
	for _, k := range []Kind{KindPing, KindPosition, KindLook, KindAction, KindCanvasAction} {
		assert.Equal(t, ReliableSequenced, DeliveryFor(k), k.String())
		assert.Equal(t, byte(k), Channel(k))
	}
}

func TestCanvasForPause(t *testing.T) {
	assert.Equal(t, CanvasPause, CanvasForPause(false, false))
	assert.Equal(t, CanvasJournal, CanvasForPause(true, false))
	assert.Equal(t, CanvasInventory, CanvasForPause(false, true))
	assert.Equal(t, CanvasInventory, CanvasForPause(true, true))
}

func TestNormalizeDestination(t *testing.T) {
	pos := Vector3{1, 2, 3}
	assert.Equal(t, Vector3{4, 5, 6}, NormalizeDestination(pos, Vector3{4, 5, 6}))
	assert.Equal(t, pos, NormalizeDestination(pos, Vector3{}))
	assert.Equal(t, pos, NormalizeDestination(pos, Vector3{4, 0, 6}))
	inf := float32(math.Inf(1))
	assert.Equal(t, pos, NormalizeDestination(pos, Vector3{inf, 5, 6}))
	nan := float32(math.NaN())
	assert.Equal(t, pos, NormalizeDestination(pos, Vector3{4, nan, 6}))
}

// Property: a normalized destination is always finite when the position is.
func TestPropertyNormalizeDestinationFinite(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pos := genVector().Draw(t, "position")
		dest := genVector().Draw(t, "destination")
		if rapid.Bool().Draw(t, "poison") {
			dest.Y = float32(math.Inf(-1))
		}
		got := NormalizeDestination(pos, dest)
		if !got.Finite() {
			t.Fatalf("normalized %v to non-finite %v", dest, got)
		}
		if got != pos && got != dest {
			t.Fatalf("normalized %v to %v, expected %v or %v", dest, got, pos, dest)
		}
	})
}

func TestNormalizeUsername(t *testing.T) {
	assert.Equal(t, "Ann", NormalizeUsername("  Ann \t"))
	assert.Equal(t, "", NormalizeUsername("   "))
	long := strings.Repeat("é", UsernameMaxLength+5)
	assert.Equal(t, strings.Repeat("é", UsernameMaxLength), NormalizeUsername(long))
	assert.Equal(t, "abc", NormalizeUsername("abc"+strings.Repeat(" ", UsernameMaxLength)+"x"))
}

// Property: normalized names never exceed the rune limit and are trimmed.
func TestPropertyNormalizeUsernameBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		got := NormalizeUsername(name)
		if n := utf8.RuneCountInString(got); n > UsernameMaxLength {
			t.Fatalf("%q normalized to %d runes", name, n)
		}
		if got != strings.TrimSpace(got) {
			t.Fatalf("%q normalized to untrimmed %q", name, got)
		}
	})
}
