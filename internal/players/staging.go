package players

import (
	"sort"
	"sync"
)

// Field names a piece of player state whose change must be shown on an
// already-materialized avatar.
type Field uint8

const (
	FieldPosition Field = iota
	FieldLook
	FieldAction
	FieldCanvas
)

func (f Field) String() string {
	switch f {
	case FieldPosition:
		return "position"
	case FieldLook:
		return "look"
	case FieldAction:
		return "action"
	case FieldCanvas:
		return "canvas"
	default:
		return "unknown"
	}
}

// Update is one staged field change.
type Update struct {
	ID    int16
	Field Field
}

// Batch is everything staged since the previous Drain. Apply Removed first,
// then Added, then Updates.
type Batch struct {
	Removed []int16
	Added   []int16
	Updates []Update
}

// Empty reports whether the batch holds no work.
func (b Batch) Empty() bool {
	return len(b.Removed) == 0 && len(b.Added) == 0 && len(b.Updates) == 0
}

// Staging collects avatar adds, removes and field updates written by the
// network goroutine until the simulation drains them once per tick.
// All methods are safe for concurrent use.
type Staging struct {
	mu       sync.Mutex
	toAdd    map[int16]struct{}
	toRemove map[int16]struct{}
	updates  []Update
	pending  map[Update]struct{}
	closed   bool
}

// NewStaging creates empty staging queues.
func NewStaging() *Staging {
	return &Staging{
		toAdd:    make(map[int16]struct{}),
		toRemove: make(map[int16]struct{}),
		pending:  make(map[Update]struct{}),
	}
}

// StageAdd queues id for avatar materialization.
func (s *Staging) StageAdd(id int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.toAdd[id] = struct{}{}
}

// StageRemove queues id for avatar destruction. An add still waiting in the
// queue is cancelled instead, since its avatar was never created.
func (s *Staging) StageRemove(id int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dropUpdatesLocked(id)
	if _, queued := s.toAdd[id]; queued {
		delete(s.toAdd, id)
		return
	}
	s.toRemove[id] = struct{}{}
}

// StageUpdate queues a field change for id. Repeated changes of the same
// field before a drain collapse into one; the newest value is read at apply
// time.
func (s *Staging) StageUpdate(id int16, field Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	u := Update{ID: id, Field: field}
	if _, ok := s.pending[u]; ok {
		return
	}
	s.pending[u] = struct{}{}
	s.updates = append(s.updates, u)
}

func (s *Staging) dropUpdatesLocked(id int16) {
	kept := s.updates[:0]
	for _, u := range s.updates {
		if u.ID == id {
			delete(s.pending, u)
			continue
		}
		kept = append(kept, u)
	}
	s.updates = kept
}

// Drain returns and clears everything staged so far. Ids are sorted within
// Removed and Added; Updates keep arrival order.
func (s *Staging) Drain() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := Batch{
		Removed: sortedIDs(s.toRemove),
		Added:   sortedIDs(s.toAdd),
		Updates: s.updates,
	}
	s.toAdd = make(map[int16]struct{})
	s.toRemove = make(map[int16]struct{})
	s.updates = nil
	s.pending = make(map[Update]struct{})
	return b
}

// Len returns the number of staged adds, removes and updates.
func (s *Staging) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.toAdd) + len(s.toRemove) + len(s.updates)
}

// Close discards everything staged and makes later writes no-ops.
func (s *Staging) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.toAdd = make(map[int16]struct{})
	s.toRemove = make(map[int16]struct{})
	s.updates = nil
	s.pending = make(map[Update]struct{})
}

func sortedIDs(set map[int16]struct{}) []int16 {
	if len(set) == 0 {
		return nil
	}
	ids := make([]int16, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
