package hce

import (
	"sync"
	"time"
)

// Clock abstracts time lookups so usage timestamps can be controlled in
// tests without real time delays.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// NewRealClock creates a new RealClock.
func NewRealClock() Clock {
	return RealClock{}
}

func (RealClock) Now() time.Time {
	return time.Now()
}

// FakeClock implements Clock for testing with controllable time.
type FakeClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFakeClock creates a FakeClock starting at the given time.
func NewFakeClock(startTime time.Time) *FakeClock {
	return &FakeClock{now: startTime}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.now
}

// Advance moves the fake clock forward by the given duration.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}
