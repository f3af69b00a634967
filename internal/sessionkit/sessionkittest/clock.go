// Package sessionkittest holds helpers shared by the refresh token store tests.
package sessionkittest

import (
	"sync"
	"time"
)

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mutex   sync.Mutex
	current time.Time
}

// NewManualClock starts the clock at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{current: start}
}

// Now returns the current manual time.
func (clock *ManualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

// Advance moves the clock forward by delta.
func (clock *ManualClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(delta)
}
