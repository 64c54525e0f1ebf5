package headless

import (
	"sync"
	"time"
)

// Clock drives a frame callback and a physics callback on one goroutine, so
// the two never run concurrently.
type Clock struct {
	tickInterval    time.Duration
	physicsInterval time.Duration

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
}

// NewClock creates a stopped Clock.
//
// Precondition: tickInterval > 0; physicsInterval > 0.
// Postcondition: Returns a non-nil *Clock ready to Start.
func NewClock(tickInterval, physicsInterval time.Duration) *Clock {
	if tickInterval <= 0 || physicsInterval <= 0 {
		panic("headless.NewClock: intervals must be > 0")
	}
	return &Clock{tickInterval: tickInterval, physicsInterval: physicsInterval}
}

// Start launches the clock goroutine. A second Start while running is a
// no-op.
//
// Postcondition: tick runs once per tick interval and physics once per
// physics interval until Stop.
func (c *Clock) Start(tick, physics func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	c.done, c.stopped = done, stopped

	go func() {
		defer close(stopped)
		frames := time.NewTicker(c.tickInterval)
		defer frames.Stop()
		steps := time.NewTicker(c.physicsInterval)
		defer steps.Stop()
		for {
			select {
			case <-done:
				return
			case <-frames.C:
				tick()
			case <-steps.C:
				physics()
			}
		}
	}()
}

// Stop halts the clock and waits for an in-flight callback to return.
// Calling Stop more than once, or before Start, is safe.
func (c *Clock) Stop() {
	c.mu.Lock()
	done, stopped := c.done, c.stopped
	c.done, c.stopped = nil, nil
	c.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	<-stopped
}
