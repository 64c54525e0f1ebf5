// Package headless is a session.Host without a renderer. It simulates one
// local avatar wandering around a place and keeps a logged table of the
// remote avatars the session materializes.
package headless

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playersync/internal/config"
	"github.com/cory-johannsen/playersync/internal/players"
	"github.com/cory-johannsen/playersync/internal/protocol"
	"github.com/cory-johannsen/playersync/internal/session"
)

// Wandering area and pacing of the scripted avatar. Coordinates stay clear of
// zero so destinations are never mistaken for unset ones.
const (
	areaMin      = 2
	areaMax      = 18
	groundY      = 1
	walkSpeed    = 3.5
	runSpeed     = 7
	minIdleTicks = 10
	maxIdleTicks = 60
	actionCount  = 8
)

// Avatar is the renderer's view of one materialized remote player.
type Avatar struct {
	State   players.State
	Visible bool
	// Frames counts AnimateAvatar calls.
	Frames int
	// Steps counts PhysicsStepAvatar calls.
	Steps int
}

// Options configures a World.
type Options struct {
	Simulation config.SimulationConfig
	// Seed drives the wandering script. Equal seeds give equal walks.
	Seed   uint64
	Logger *zap.Logger
}

// World is a headless game simulation. Local events and the session's Tick
// and PhysicsTick run on the World's own goroutine once Start is called.
type World struct {
	logger *zap.Logger
	cfg    config.SimulationConfig
	clock  *Clock

	mu      sync.Mutex
	rng     *rand.Rand
	subs    map[int]session.LocalEvents
	nextSub int
	inGame  bool
	paused  bool
	pos     protocol.PositionState
	walking bool
	idle    int
	avatars map[int16]*Avatar
}

// New creates a World at the title screen.
//
// Precondition: opts.Simulation intervals must be positive.
func New(opts Options) *World {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &World{
		logger:  logger.Named("headless"),
		cfg:     opts.Simulation,
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		subs:    make(map[int]session.LocalEvents),
		avatars: make(map[int16]*Avatar),
	}
	w.clock = NewClock(opts.Simulation.TickInterval, opts.Simulation.PhysicsInterval)
	return w
}

// Start spawns the local avatar in the configured place and starts the
// simulation clock.
//
// Postcondition: Tick and PhysicsTick reach subscribers until Stop.
func (w *World) Start() {
	if w.cfg.Place != "" {
		w.Spawn(w.cfg.Place)
	}
	w.clock.Start(w.tick, w.physicsTick)
	w.logger.Info("simulation started",
		zap.String("place", w.cfg.Place),
		zap.Duration("tick", w.cfg.TickInterval),
		zap.Duration("physics", w.cfg.PhysicsInterval),
	)
}

// Stop halts the simulation clock and waits for the running frame.
// Calling Stop more than once is safe.
func (w *World) Stop() {
	w.clock.Stop()
}

// Subscribe implements session.Host.
func (w *World) Subscribe(events session.LocalEvents) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = events
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}

func (w *World) InGame() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inGame
}

func (w *World) CurrentPlace() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos.Place
}

func (w *World) LocalPosition() protocol.PositionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

// Spawn places the local avatar in place at a random spot.
func (w *World) Spawn(place string) {
	w.mu.Lock()
	start := w.randomPoint()
	w.inGame = true
	w.paused = false
	w.walking = false
	w.idle = minIdleTicks
	w.pos = protocol.PositionState{Place: place, Position: start, Destination: start}
	pos := w.pos
	subs := w.subscribersLocked()
	w.mu.Unlock()

	w.logger.Info("local avatar spawned", zap.String("place", place), zap.Stringer("position", start))
	for _, s := range subs {
		s.LocalSpawned(pos)
	}
}

// Pause opens the pause menu, optionally on the journal or inventory page.
// The local avatar stands still while paused.
func (w *World) Pause(journal, inventory bool) {
	w.mu.Lock()
	if !w.inGame || w.paused {
		w.mu.Unlock()
		return
	}
	w.paused = true
	subs := w.subscribersLocked()
	w.mu.Unlock()

	for _, s := range subs {
		s.PauseEntered(journal, inventory)
	}
}

// Resume closes the pause menu.
func (w *World) Resume() {
	w.mu.Lock()
	if !w.paused {
		w.mu.Unlock()
		return
	}
	w.paused = false
	subs := w.subscribersLocked()
	w.mu.Unlock()

	for _, s := range subs {
		s.PauseExited()
	}
}

// ReturnToTitle leaves the current place.
func (w *World) ReturnToTitle() {
	w.mu.Lock()
	if !w.inGame {
		w.mu.Unlock()
		return
	}
	w.inGame = false
	w.paused = false
	w.walking = false
	w.pos.Place = ""
	subs := w.subscribersLocked()
	w.mu.Unlock()

	w.logger.Info("returned to title")
	for _, s := range subs {
		s.ReturnedToTitle()
	}
}

// Avatars returns the materialized remote avatars ordered by id.
func (w *World) Avatars() []Avatar {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Avatar, 0, len(w.avatars))
	for _, a := range w.avatars {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State.ID < out[j].State.ID })
	return out
}

// tick advances the scripted avatar by one frame, then ticks subscribers.
func (w *World) tick() {
	w.step(w.cfg.TickInterval)
	w.mu.Lock()
	subs := w.subscribersLocked()
	w.mu.Unlock()
	for _, s := range subs {
		s.Tick()
	}
}

func (w *World) physicsTick() {
	w.mu.Lock()
	subs := w.subscribersLocked()
	w.mu.Unlock()
	for _, s := range subs {
		s.PhysicsTick()
	}
}

// step runs the wandering script for dt. Events are delivered after the
// world lock is released.
func (w *World) step(dt time.Duration) {
	w.mu.Lock()
	if !w.inGame || w.paused {
		w.mu.Unlock()
		return
	}

	var fire []func(session.LocalEvents)
	switch {
	case w.walking:
		if w.advance(dt) {
			w.walking = false
			w.pos.Running = false
			w.idle = minIdleTicks + w.rng.IntN(maxIdleTicks-minIdleTicks+1)
			at := w.pos.Position
			fire = append(fire, func(s session.LocalEvents) { s.LocalStopped(at) })
		}
	case w.idle > 0:
		w.idle--
	default:
		dest := w.randomPoint()
		w.pos.Destination = dest
		w.pos.Running = w.rng.IntN(4) == 0
		w.walking = true
		pos := w.pos
		fire = append(fire,
			func(s session.LocalEvents) { s.LocalLooked(dest) },
			func(s session.LocalEvents) { s.LocalMoved(pos) },
		)
		if w.rng.IntN(5) == 0 {
			action := protocol.Action(1 + w.rng.IntN(actionCount))
			fire = append(fire, func(s session.LocalEvents) { s.LocalAction(action) })
		}
	}
	subs := w.subscribersLocked()
	w.mu.Unlock()

	for _, fn := range fire {
		for _, s := range subs {
			fn(s)
		}
	}
}

// advance moves the local avatar towards its destination.
//
// Precondition: w.mu is held.
// Postcondition: Returns true once the destination is reached.
func (w *World) advance(dt time.Duration) bool {
	speed := float32(walkSpeed)
	if w.pos.Running {
		speed = runSpeed
	}
	from, to := w.pos.Position, w.pos.Destination
	dx, dz := to.X-from.X, to.Z-from.Z
	dist := float32(math.Hypot(float64(dx), float64(dz)))
	travel := speed * float32(dt.Seconds())
	if dist <= travel || dist == 0 {
		w.pos.Position = to
		return true
	}
	w.pos.Position.X += dx / dist * travel
	w.pos.Position.Z += dz / dist * travel
	return false
}

// randomPoint picks a point inside the wandering area.
//
// Precondition: w.mu is held.
func (w *World) randomPoint() protocol.Vector3 {
	span := float32(areaMax - areaMin)
	return protocol.Vector3{
		X: areaMin + w.rng.Float32()*span,
		Y: groundY,
		Z: areaMin + w.rng.Float32()*span,
	}
}

// subscribersLocked returns the subscribers in subscription order.
//
// Precondition: w.mu is held.
func (w *World) subscribersLocked() []session.LocalEvents {
	ids := make([]int, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]session.LocalEvents, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.subs[id])
	}
	return out
}
