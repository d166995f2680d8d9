package application

import (
	"context"
	"sync"
)

// Control pauses and resumes an import run. A paused run finishes the
// files in flight and starts no new ones until resumed.
type Control struct {
	mu     sync.Mutex
	resume chan struct{}
}

// NewControl returns a running control.
func NewControl() *Control {
	return &Control{}
}

// Pause stops new files from starting.
func (c *Control) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resume == nil {
		c.resume = make(chan struct{})
	}
}

// Resume lets waiting files start.
func (c *Control) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resume != nil {
		close(c.resume)
		c.resume = nil
	}
}

// Paused reports whether the control is paused.
func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resume != nil
}

// wait blocks while paused; it returns ctx.Err() if ctx ends first.
func (c *Control) wait(ctx context.Context) error {
	if c == nil {
		return ctx.Err()
	}
	for {
		c.mu.Lock()
		ch := c.resume
		c.mu.Unlock()
		if ch == nil {
			return ctx.Err()
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
