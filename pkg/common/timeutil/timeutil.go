// Package timeutil lets run timings, step durations and stalled-run checks read the clock
// through an interface so tests can pin it.
package timeutil

import (
	"sync"
	"time"
)

// Provider is the clock used by the lifecycle engine.
type Provider interface {
	// Now returns the current time in UTC.
	Now() time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now().UTC() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Default returns the system clock.
func Default() Provider { return systemClock{} }

// Mock is a manually driven clock. It is safe for concurrent use.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock creates a Mock frozen at t.
func NewMock(t time.Time) *Mock { return &Mock{now: t} }

// Now returns the frozen time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Since measures against the frozen time.
func (m *Mock) Since(t time.Time) time.Duration { return m.Now().Sub(t) }

// Set moves the clock to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
