// Package players holds the session roster and the staging queues that hand
// roster changes from the network goroutine to the simulation tick.
package players

import (
	"fmt"

	"github.com/cory-johannsen/playersync/internal/protocol"
)

// State is one participant's synchronized state.
type State struct {
	ID       int16
	Username string
	// Ping is the latest latency sample in milliseconds.
	Ping     int16
	Position protocol.PositionState
	Look     protocol.Vector3
	Action   protocol.Action
	// Canvas is the UI context the player last reported.
	Canvas protocol.CanvasAction
}

// Meta returns the roster entry sent in Meta snapshots.
func (s State) Meta() protocol.PlayerMeta {
	return protocol.PlayerMeta{ID: s.ID, Username: s.Username, Position: s.Position}
}

// Label renders the player for roster listings, e.g. "Ann [42ms] - W1".
func (s State) Label() string {
	if s.Position.Place == "" {
		return fmt.Sprintf("%s [%dms]", s.Username, s.Ping)
	}
	return fmt.Sprintf("%s [%dms] - %s", s.Username, s.Ping, s.Position.Place)
}

// FromMeta builds a State from a Meta roster entry.
func FromMeta(m protocol.PlayerMeta) *State {
	return &State{ID: m.ID, Username: m.Username, Position: m.Position}
}
