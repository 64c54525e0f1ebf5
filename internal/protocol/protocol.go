// Package protocol defines the player synchronization wire protocol: packet
// kinds, result and error codes, value types and the fixed binary codec.
package protocol

import (
	"fmt"
	"time"
)

// Session defaults shared by hosts and clients.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 5923
	// DefaultKey gates which servers accept a connect attempt. It is not an
	// application secret.
	DefaultKey = "playersync"

	UsernameMaxLength = 20

	PingInterval      = 3000 * time.Millisecond
	DisconnectTimeout = 5000 * time.Millisecond
	PollInterval      = 15 * time.Millisecond
)

// HostID is the reserved roster id of the hosting peer's own player.
const HostID int16 = -1

// Kind identifies a packet type. It is the first byte of every packet.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindLogin
	KindMeta
	KindJoin
	KindLeave
	KindPing
	KindPosition
	KindLook
	KindAction
	KindCanvasAction

	kindCount
)

var kindNames = [...]string{
	KindUnknown:      "Unknown",
	KindLogin:        "Login",
	KindMeta:         "Meta",
	KindJoin:         "Join",
	KindLeave:        "Leave",
	KindPing:         "Ping",
	KindPosition:     "Position",
	KindLook:         "Look",
	KindAction:       "Action",
	KindCanvasAction: "CanvasAction",
}

// ParseKind maps a wire byte to a Kind.
//
// Postcondition: Returns (kind, true) for a known non-Unknown kind,
// otherwise (KindUnknown, false).
func ParseKind(b byte) (Kind, bool) {
	k := Kind(b)
	if k == KindUnknown || k >= kindCount {
		return KindUnknown, false
	}
	return k, true
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// LoginResult is the server's answer to a Login request.
type LoginResult uint8

const (
	LoginSuccess LoginResult = iota
	LoginUsernameTaken
	LoginBan

	// LoginUnknown stands in for any result byte this build does not know.
	LoginUnknown LoginResult = 0xFF
)

// ParseLoginResult maps a wire byte to a LoginResult, folding unknown values
// into LoginUnknown.
func ParseLoginResult(b byte) LoginResult {
	switch r := LoginResult(b); r {
	case LoginSuccess, LoginUsernameTaken, LoginBan:
		return r
	default:
		return LoginUnknown
	}
}

func (r LoginResult) String() string {
	switch r {
	case LoginSuccess:
		return "Success"
	case LoginUsernameTaken:
		return "UsernameTaken"
	case LoginBan:
		return "Ban"
	default:
		return "Unknown"
	}
}

// Reason returns the user-facing explanation of a rejected login.
func (r LoginResult) Reason() string {
	switch r {
	case LoginSuccess:
		return ""
	case LoginUsernameTaken:
		return "username taken"
	case LoginBan:
		return "banned"
	default:
		return "unknown error"
	}
}

// NetworkError classifies why a session ended. Kick and Ban travel as the
// single-byte disconnect payload.
type NetworkError uint8

const (
	NetworkErrorUnknown NetworkError = iota
	NetworkErrorConnect
	NetworkErrorDisconnect
	NetworkErrorKick
	NetworkErrorBan
)

// ParseNetworkError maps a wire byte to a NetworkError.
func ParseNetworkError(b byte) NetworkError {
	switch e := NetworkError(b); e {
	case NetworkErrorConnect, NetworkErrorDisconnect, NetworkErrorKick, NetworkErrorBan:
		return e
	default:
		return NetworkErrorUnknown
	}
}

func (e NetworkError) String() string {
	switch e {
	case NetworkErrorConnect:
		return "Connect"
	case NetworkErrorDisconnect:
		return "Disconnect"
	case NetworkErrorKick:
		return "Kick"
	case NetworkErrorBan:
		return "Ban"
	default:
		return "Unknown"
	}
}

// CanvasAction is the UI context a player currently has open.
type CanvasAction uint8

const (
	CanvasNone CanvasAction = iota
	CanvasPause
	CanvasJournal
	CanvasInventory

	canvasCount
)

// ParseCanvasAction maps a wire byte to a CanvasAction.
//
// Postcondition: Returns ErrUnknownCanvas for bytes outside the known set.
func ParseCanvasAction(b byte) (CanvasAction, error) {
	c := CanvasAction(b)
	if c >= canvasCount {
		return CanvasNone, fmt.Errorf("%w: %d", ErrUnknownCanvas, b)
	}
	return c, nil
}

func (c CanvasAction) String() string {
	switch c {
	case CanvasNone:
		return "None"
	case CanvasPause:
		return "Pause"
	case CanvasJournal:
		return "Journal"
	case CanvasInventory:
		return "Inventory"
	default:
		return fmt.Sprintf("CanvasAction(%d)", uint8(c))
	}
}

// CanvasForPause picks the canvas shown when the pause menu opens.
// Inventory wins over journal, journal over plain pause.
func CanvasForPause(journal, inventory bool) CanvasAction {
	switch {
	case inventory:
		return CanvasInventory
	case journal:
		return CanvasJournal
	default:
		return CanvasPause
	}
}

// Action is the host game's humanoid action type. The protocol carries it
// as an opaque byte.
type Action uint8
