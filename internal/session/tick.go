package session

import (
	"sort"

	"github.com/cory-johannsen/playersync/internal/players"
)

// Tick implements LocalEvents. It applies everything staged since the last
// tick to the host's avatars: destroys first, then materializations, then
// field updates, followed by a visibility pass over every avatar.
//
// Postcondition: Exactly the remote players in the roster are materialized.
// While in game, avatars in the local place are shown and animated and all
// others hidden.
func (e *Engine) Tick() {
	e.avatarsMu.Lock()
	defer e.avatarsMu.Unlock()
	if e.avatarsClosed {
		return
	}

	batch := e.staging.Drain()
	current := e.remoteStates()
	inGame := e.host.InGame()
	place := e.host.CurrentPlace()

	for _, id := range batch.Removed {
		if a, ok := e.avatars[id]; ok {
			delete(e.avatars, id)
			e.host.DestroyAvatar(a.state)
		}
	}
	for _, id := range batch.Added {
		s, ok := current[id]
		if !ok {
			// Removed again after the drain; the remove is staged for the
			// next tick.
			continue
		}
		if old, ok := e.avatars[id]; ok {
			e.host.DestroyAvatar(old.state)
		}
		e.avatars[id] = &avatar{state: s}
		e.host.MaterializeAvatar(s)
	}

	if !inGame {
		return
	}

	moved := make(map[int16]bool)
	for _, u := range batch.Updates {
		a, ok := e.avatars[u.ID]
		s, live := current[u.ID]
		if !ok || !live {
			continue
		}
		a.state = s
		if place == "" || s.Position.Place != place {
			continue
		}
		switch u.Field {
		case players.FieldPosition:
			if !moved[u.ID] {
				moved[u.ID] = true
				e.host.MoveAvatar(s)
			}
		case players.FieldLook:
			e.host.TurnAvatar(s)
		case players.FieldAction:
			e.host.PlayAvatarAction(s)
		case players.FieldCanvas:
			e.host.SetAvatarUIContext(s)
		}
	}

	for _, id := range e.avatarIDs() {
		a := e.avatars[id]
		if s, ok := current[id]; ok {
			a.state = s
		}
		visible := place != "" && a.state.Position.Place == place
		if visible != a.visible {
			a.visible = visible
			e.host.SetAvatarVisible(a.state, visible)
			if visible && !moved[id] {
				e.host.MoveAvatar(a.state)
			}
		}
		if visible {
			e.host.AnimateAvatar(a.state)
		}
	}
}

// PhysicsTick implements LocalEvents. It steps every visible avatar.
func (e *Engine) PhysicsTick() {
	e.avatarsMu.Lock()
	defer e.avatarsMu.Unlock()
	if e.avatarsClosed || !e.host.InGame() {
		return
	}
	for _, id := range e.avatarIDs() {
		if a := e.avatars[id]; a.visible {
			e.host.PhysicsStepAvatar(a.state)
		}
	}
}

// remoteStates copies every remote player keyed by id.
func (e *Engine) remoteStates() map[int16]players.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int16]players.State, e.registry.Len())
	localID := e.registry.LocalID()
	for _, s := range e.registry.Snapshot() {
		if s.ID != localID {
			out[s.ID] = s
		}
	}
	return out
}

// avatarIDs returns materialized ids in ascending order.
//
// Precondition: e.avatarsMu is held.
func (e *Engine) avatarIDs() []int16 {
	ids := make([]int16, 0, len(e.avatars))
	for id := range e.avatars {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
