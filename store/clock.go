package store

import (
	"sync"
	"time"
)

// Clock supplies server-assigned timestamps. Successive calls never return the
// same instant, so timestamps also order writes made by this process.
type Clock interface {
	Now() time.Time
}

// SystemClock is wall time in UTC at millisecond precision, bumped forward
// when two calls land in the same millisecond.
type SystemClock struct {
	mu   sync.Mutex
	last time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if !now.After(c.last) {
		now = c.last.Add(time.Millisecond)
	}
	c.last = now
	return now
}

// ManualClock is a deterministic clock for tests: each call returns the
// current instant and then advances it by Step.
type ManualClock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC(), Step: time.Second}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	step := c.Step
	if step <= 0 {
		step = time.Millisecond
	}
	c.now = c.now.Add(step)
	return now
}

// Set moves the clock; it never moves backwards.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t.UTC()
	}
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
}
