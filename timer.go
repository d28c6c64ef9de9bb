/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// countdown is a single-slot timer: starting it cancels whatever was
// running before, so at most one countdown is ever live per instance.
// tick fires once immediately and then once per second with the time
// remaining; expire fires exactly once when the countdown runs out,
// and never after stop.
type countdown struct {
	clock clockwork.Clock

	mu      sync.Mutex
	epoch   uint64
	halt    chan struct{}
	running bool
}

func newCountdown(clock clockwork.Clock) *countdown {
	return &countdown{clock: clock}
}

func (c *countdown) start(total time.Duration, tick func(remaining, total time.Duration), expire func()) {
	c.mu.Lock()
	c.haltLocked()
	c.epoch++
	epoch := c.epoch
	halt := make(chan struct{})
	c.halt = halt
	c.running = true
	started := c.clock.Now()
	c.mu.Unlock()

	go c.run(epoch, halt, started, total, tick, expire)
}

func (c *countdown) run(epoch uint64, halt chan struct{}, started time.Time, total time.Duration, tick func(remaining, total time.Duration), expire func()) {
	if !c.live(epoch) {
		return
	}
	if tick != nil {
		tick(total, total)
	}

	ticker := c.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-halt:
			return

		case now := <-ticker.Chan():
			c.mu.Lock()
			if c.epoch != epoch || !c.running {
				c.mu.Unlock()
				return
			}

			remaining := total - now.Sub(started)
			if remaining > 0 {
				c.mu.Unlock()
				if tick != nil {
					tick(remaining, total)
				}
				continue
			}

			// Claim the expiry under the lock so a concurrent stop or
			// restart becomes a no-op instead of a double fire.
			c.running = false
			c.mu.Unlock()

			if expire != nil {
				expire()
			}
			return
		}
	}
}

// stop cancels the running countdown, if any, without firing expiry.
func (c *countdown) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haltLocked()
}

func (c *countdown) haltLocked() {
	if c.running {
		close(c.halt)
		c.running = false
	}
}

func (c *countdown) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *countdown) live(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.epoch == epoch
}
