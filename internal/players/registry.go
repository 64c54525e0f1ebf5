package players

import (
	"sort"
)

// Registry is the in-memory roster keyed by session id.
//
// Registry does no locking of its own; callers serialize access. Adding or
// removing any player other than the local one is mirrored into the Staging
// so the simulation can materialize or destroy the matching avatar.
type Registry struct {
	localID int16
	players map[int16]*State
	staging *Staging
}

// NewRegistry creates an empty Registry whose local player has localID.
//
// Precondition: staging must be non-nil.
func NewRegistry(localID int16, staging *Staging) *Registry {
	return &Registry{
		localID: localID,
		players: make(map[int16]*State),
		staging: staging,
	}
}

// LocalID returns the id of the local participant.
func (r *Registry) LocalID() int16 { return r.localID }

// SetLocalID changes the id of the local participant. It does not move any
// entry already in the roster.
func (r *Registry) SetLocalID(id int16) { r.localID = id }

// Add inserts state under id, overwriting state.ID with id.
//
// Postcondition: Returns state. An existing entry with the same id is
// replaced and, when remote, staged for removal before the new entry is
// staged for addition.
func (r *Registry) Add(id int16, state *State) *State {
	state.ID = id
	if _, exists := r.players[id]; exists {
		r.Remove(id)
	}
	r.players[id] = state
	if id != r.localID {
		r.staging.StageAdd(id)
	}
	return state
}

// Remove deletes the player with the given id.
//
// Postcondition: Returns true if a player was removed. Removing a remote
// player stages its avatar for destruction.
func (r *Registry) Remove(id int16) bool {
	if _, ok := r.players[id]; !ok {
		return false
	}
	delete(r.players, id)
	if id != r.localID {
		r.staging.StageRemove(id)
	}
	return true
}

// Get returns the live state for id, or nil.
func (r *Registry) Get(id int16) *State {
	return r.players[id]
}

// Len returns the number of players in the roster.
func (r *Registry) Len() int { return len(r.players) }

// IDs returns every id in ascending order.
func (r *Registry) IDs() []int16 {
	ids := make([]int16, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns copies of every state ordered by id ascending.
func (r *Registry) Snapshot() []State {
	ids := r.IDs()
	out := make([]State, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.players[id])
	}
	return out
}

// UsernameTaken reports whether any player other than exceptID uses name.
func (r *Registry) UsernameTaken(name string, exceptID int16) bool {
	for id, p := range r.players {
		if id != exceptID && p.Username == name {
			return true
		}
	}
	return false
}
