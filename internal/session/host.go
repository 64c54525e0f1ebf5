package session

import (
	"github.com/cory-johannsen/playersync/internal/players"
	"github.com/cory-johannsen/playersync/internal/protocol"
)

// Host is the game simulation a session is embedded in.
//
// InGame, CurrentPlace and LocalPosition may be called from the poll
// goroutine and must be safe for concurrent use. The avatar methods are only
// called from Tick, PhysicsTick and Stop.
type Host interface {
	// Subscribe registers events to be told about local player activity.
	// The returned function removes the subscription.
	Subscribe(events LocalEvents) (unsubscribe func())

	// InGame reports whether a world is loaded and the local avatar exists.
	InGame() bool
	// CurrentPlace is the world the local avatar is in, or "" at the title.
	CurrentPlace() string
	// LocalPosition reads the local avatar's place, run state, position and
	// destination straight from the simulation.
	LocalPosition() protocol.PositionState

	MaterializeAvatar(s players.State)
	DestroyAvatar(s players.State)
	MoveAvatar(s players.State)
	TurnAvatar(s players.State)
	PlayAvatarAction(s players.State)
	SetAvatarUIContext(s players.State)
	SetAvatarVisible(s players.State, visible bool)
	AnimateAvatar(s players.State)
	PhysicsStepAvatar(s players.State)
}

// LocalEvents is what a Host reports about the local player. Every method is
// called synchronously on the simulation goroutine as the change happens.
type LocalEvents interface {
	// LocalSpawned fires when the local avatar enters a place.
	LocalSpawned(pos protocol.PositionState)
	// LocalMoved fires when the local avatar starts walking somewhere.
	LocalMoved(pos protocol.PositionState)
	// LocalStopped fires when the local avatar halts at position.
	LocalStopped(position protocol.Vector3)
	LocalLooked(target protocol.Vector3)
	LocalAction(action protocol.Action)
	PauseEntered(journal, inventory bool)
	PauseExited()
	ReturnedToTitle()
	// Tick runs once per simulation frame.
	Tick()
	// PhysicsTick runs once per physics step.
	PhysicsTick()
}

// Notifications are optional callbacks fired on the poll goroutine after the
// roster has been updated. A callback must not call Stop.
type Notifications struct {
	// OnLogin fires on a client once the server accepted its login.
	OnLogin func(local players.State)
	// OnMeta fires on a client with the roster entries it was sent on login.
	OnMeta  func(roster []players.State)
	OnJoin  func(p players.State)
	OnLeave func(p players.State)
	OnPing  func(p players.State)
	// OnPosition fires when a remote position arrives while in game.
	OnPosition func(p players.State)
	// OnDisconnect fires on a client when the session ends or login fails.
	OnDisconnect func(reason string, code protocol.NetworkError)
}
