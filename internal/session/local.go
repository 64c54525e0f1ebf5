package session

import (
	"github.com/cory-johannsen/playersync/internal/players"
	"github.com/cory-johannsen/playersync/internal/protocol"
)

// sendPosition publishes the local position.
//
// Precondition: e.mu is held.
func (e *Engine) sendPosition() {
	e.role.sendLocal(protocol.Position{ID: e.local.ID, Position: e.local.Position})
}

func (e *Engine) setPosition(pos protocol.PositionState) {
	pos.Destination = protocol.NormalizeDestination(pos.Position, pos.Destination)
	e.local.Position = pos
	e.sendPosition()
}

// LocalSpawned implements LocalEvents.
func (e *Engine) LocalSpawned(pos protocol.PositionState) {
	e.handle("spawned", func() { e.setPosition(pos) })
}

// LocalMoved implements LocalEvents.
func (e *Engine) LocalMoved(pos protocol.PositionState) {
	e.handle("moved", func() { e.setPosition(pos) })
}

// LocalStopped implements LocalEvents. The avatar stays in its place with
// its destination pinned to where it halted.
func (e *Engine) LocalStopped(position protocol.Vector3) {
	e.handle("stopped", func() {
		e.local.Position.Position = position
		e.local.Position.Destination = position
		e.sendPosition()
	})
}

// LocalLooked implements LocalEvents.
func (e *Engine) LocalLooked(target protocol.Vector3) {
	e.handle("looked", func() {
		e.local.Look = target
		e.role.sendLocal(protocol.Look{ID: e.local.ID, Target: target})
	})
}

// LocalAction implements LocalEvents.
func (e *Engine) LocalAction(action protocol.Action) {
	e.handle("action", func() {
		e.local.Action = action
		e.role.sendLocal(protocol.ActionPacket{ID: e.local.ID, Action: action})
	})
}

// PauseEntered implements LocalEvents.
func (e *Engine) PauseEntered(journal, inventory bool) {
	e.handle("pause entered", func() {
		e.setCanvas(protocol.CanvasForPause(journal, inventory))
	})
}

// PauseExited implements LocalEvents. Every remote avatar is queued for a
// fresh move.
func (e *Engine) PauseExited() {
	e.handle("pause exited", func() {
		for _, id := range e.registry.IDs() {
			if id != e.registry.LocalID() {
				e.staging.StageUpdate(id, players.FieldPosition)
			}
		}
		e.setCanvas(protocol.CanvasNone)
	})
}

func (e *Engine) setCanvas(c protocol.CanvasAction) {
	e.local.Canvas = c
	e.role.sendLocal(protocol.Canvas{ID: e.local.ID, Canvas: c})
}

// ReturnedToTitle implements LocalEvents.
func (e *Engine) ReturnedToTitle() {
	e.handle("returned to title", func() {
		e.local.Position.Place = ""
		e.sendPosition()
	})
}
