package players

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/playersync/internal/protocol"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	st := NewStaging()
	r := NewRegistry(protocol.HostID, st)

	host := r.Add(protocol.HostID, &State{Username: "Host"})
	assert.Equal(t, protocol.HostID, host.ID)
	ann := r.Add(4, &State{Username: "Ann"})
	assert.Same(t, ann, r.Get(4))
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Remove(4))
	assert.False(t, r.Remove(4))
	assert.Nil(t, r.Get(4))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_LocalPlayerIsNotStaged(t *testing.T) {
	st := NewStaging()
	r := NewRegistry(protocol.HostID, st)
	r.Add(protocol.HostID, &State{Username: "Host"})
	assert.True(t, st.Drain().Empty())

	r.Remove(protocol.HostID)
	assert.True(t, st.Drain().Empty())
}

func TestRegistry_RemoteAddRemoveIsStaged(t *testing.T) {
	st := NewStaging()
	r := NewRegistry(protocol.HostID, st)
	r.Add(2, &State{Username: "Ann"})
	b := st.Drain()
	assert.Equal(t, []int16{2}, b.Added)

	r.Remove(2)
	b = st.Drain()
	assert.Equal(t, []int16{2}, b.Removed)
	assert.Empty(t, b.Added)
}

func TestRegistry_AddReplacesExisting(t *testing.T) {
	st := NewStaging()
	r := NewRegistry(protocol.HostID, st)
	r.Add(2, &State{Username: "Ann"})
	st.Drain()

	r.Add(2, &State{Username: "Bob"})
	assert.Equal(t, "Bob", r.Get(2).Username)
	assert.Equal(t, 1, r.Len())
	b := st.Drain()
	assert.Equal(t, []int16{2}, b.Removed)
	assert.Equal(t, []int16{2}, b.Added)
}

func TestRegistry_UsernameTaken(t *testing.T) {
	r := NewRegistry(protocol.HostID, NewStaging())
	r.Add(protocol.HostID, &State{Username: "Host"})
	r.Add(1, &State{Username: "Ann"})

	assert.True(t, r.UsernameTaken("Ann", 2))
	assert.False(t, r.UsernameTaken("Ann", 1))
	assert.True(t, r.UsernameTaken("Host", 1))
	assert.False(t, r.UsernameTaken("Bob", 1))
}

func TestState_Label(t *testing.T) {
	s := State{Username: "Ann", Ping: 42}
	assert.Equal(t, "Ann [42ms]", s.Label())
	s.Position.Place = "W1"
	assert.Equal(t, "Ann [42ms] - W1", s.Label())
}

// Property: after any sequence of Add/Remove, Snapshot holds exactly the ids
// currently added, ascending, and staging never reports an id both added and
// removed unless it was replaced.
func TestPropertyRegistrySnapshot(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := NewStaging()
		r := NewRegistry(protocol.HostID, st)
		model := map[int16]string{}

		ops := rapid.SliceOfN(rapid.Int16Range(-1, 12), 1, 80).Draw(t, "ids")
		for i, id := range ops {
			if rapid.Bool().Draw(t, "add") {
				name := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "name")
				r.Add(id, &State{Username: name})
				model[id] = name
			} else {
				_, had := model[id]
				removed := r.Remove(id)
				if removed != had {
					t.Fatalf("op %d: Remove(%d) = %v, model had %v", i, id, removed, had)
				}
				delete(model, id)
			}

			snap := r.Snapshot()
			if len(snap) != len(model) {
				t.Fatalf("op %d: snapshot has %d entries, model %d", i, len(snap), len(model))
			}
			if !sort.SliceIsSorted(snap, func(a, b int) bool { return snap[a].ID < snap[b].ID }) {
				t.Fatalf("op %d: snapshot not ordered: %v", i, snap)
			}
			for _, s := range snap {
				if name, ok := model[s.ID]; !ok || name != s.Username {
					t.Fatalf("op %d: snapshot entry %d/%q not in model", i, s.ID, s.Username)
				}
			}
		}
	})
}

// Property: replaying drained batches onto a materialized set converges to the
// set of remote ids in the roster.
func TestPropertyStagingConvergesToRoster(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := NewStaging()
		r := NewRegistry(protocol.HostID, st)
		materialized := map[int16]bool{}

		apply := func() {
			b := st.Drain()
			for _, id := range b.Removed {
				if !materialized[id] {
					t.Fatalf("remove of non-materialized %d", id)
				}
				delete(materialized, id)
			}
			for _, id := range b.Added {
				if materialized[id] {
					t.Fatalf("double materialize of %d", id)
				}
				materialized[id] = true
			}
		}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.Int16Range(-1, 8).Draw(t, "id")
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				r.Add(id, &State{})
			case 1:
				r.Remove(id)
			default:
				apply()
			}
		}
		apply()

		for _, id := range r.IDs() {
			if id == protocol.HostID {
				continue
			}
			if !materialized[id] {
				t.Fatalf("roster id %d not materialized", id)
			}
		}
		if want := r.Len() - boolInt(r.Get(protocol.HostID) != nil); len(materialized) != want {
			t.Fatalf("materialized %d avatars, want %d", len(materialized), want)
		}
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestStaging_UpdatesCoalesceAndFollowRemove(t *testing.T) {
	st := NewStaging()
	st.StageUpdate(1, FieldPosition)
	st.StageUpdate(1, FieldPosition)
	st.StageUpdate(1, FieldLook)
	st.StageUpdate(2, FieldPosition)
	assert.Equal(t, 3, st.Len())

	st.StageRemove(2)
	b := st.Drain()
	assert.Equal(t, []Update{{1, FieldPosition}, {1, FieldLook}}, b.Updates)
	assert.Equal(t, []int16{2}, b.Removed)
	assert.True(t, st.Drain().Empty())
}

func TestStaging_RemoveCancelsPendingAdd(t *testing.T) {
	st := NewStaging()
	st.StageAdd(3)
	st.StageRemove(3)
	assert.True(t, st.Drain().Empty())
}

func TestStaging_CloseDiscardsAndIgnores(t *testing.T) {
	st := NewStaging()
	st.StageAdd(1)
	st.Close()
	st.StageAdd(2)
	st.StageRemove(3)
	st.StageUpdate(4, FieldAction)
	assert.Equal(t, 0, st.Len())
	assert.True(t, st.Drain().Empty())
}

func TestStaging_ConcurrentWriters(t *testing.T) {
	st := NewStaging()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				st.StageAdd(int16(w*100 + i))
				st.StageUpdate(int16(w), FieldPosition)
			}
		}(w)
	}
	drained := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			drained += len(st.Drain().Added)
			require.Equal(t, 800, drained)
			return
		default:
			drained += len(st.Drain().Added)
		}
	}
}
