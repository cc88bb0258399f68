// Package timeutil provides a testable source of wall-clock time for run
// bookkeeping. Alignment math never reads the wall clock; it only sees the
// recording timestamps it is handed.
package timeutil

import (
	"sync"
	"time"
)

// Clock stamps run records.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

// Now returns the current time in UTC without a monotonic reading, so a
// stamped value compares equal to the same instant read back from storage.
func (RealClock) Now() time.Time {
	return time.Now().UTC().Round(0)
}

// MockClock is a manually driven clock for store and CLI tests.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps to t, which may be earlier than the current reading.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new reading.
func (c *MockClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
