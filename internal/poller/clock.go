package poller

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source of poll workers. Sleep must return early with the
// context error when ctx is cancelled.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ManualClock only moves when Advance is called.
type ManualClock struct {
	mu       sync.Mutex
	cond     *sync.Cond
	now      time.Time
	sleepers []*sleeper
}

type sleeper struct {
	until time.Time
	wake  chan struct{}
}

func NewManualClock(start time.Time) *ManualClock {
	clock := &ManualClock{now: start}
	clock.cond = sync.NewCond(&clock.mu)

	return clock
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *ManualClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	c.mu.Lock()
	entry := &sleeper{until: c.now.Add(d), wake: make(chan struct{})}
	c.sleepers = append(c.sleepers, entry)
	c.cond.Broadcast()
	c.mu.Unlock()

	select {
	case <-entry.wake:
		return nil
	case <-ctx.Done():
		c.remove(entry)
		return ctx.Err()
	}
}

// Advance moves the clock forward and wakes every sleeper that is now due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	pending := c.sleepers[:0]

	for _, entry := range c.sleepers {
		if entry.until.After(c.now) {
			pending = append(pending, entry)
			continue
		}

		close(entry.wake)
	}

	c.sleepers = pending
	c.cond.Broadcast()
}

// BlockUntil waits until at least n goroutines are sleeping on the clock.
func (c *ManualClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.sleepers) < n {
		c.cond.Wait()
	}
}

// Sleepers returns the number of goroutines currently sleeping on the clock.
func (c *ManualClock) Sleepers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.sleepers)
}

func (c *ManualClock) remove(target *sleeper) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, entry := range c.sleepers {
		if entry == target {
			c.sleepers = append(c.sleepers[:i], c.sleepers[i+1:]...)
			break
		}
	}

	c.cond.Broadcast()
}
