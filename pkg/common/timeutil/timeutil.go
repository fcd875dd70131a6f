// Package timeutil provides an injectable clock so time-dependent components
// can be driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Provider supplies the current time.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by the wall clock.
func Default() Provider { return realProvider{} }

// ManualProvider is a Provider whose time only moves when told to.
type ManualProvider struct {
	mu      sync.Mutex
	current time.Time
}

// NewManual creates a ManualProvider starting at t.
func NewManual(t time.Time) *ManualProvider { return &ManualProvider{current: t} }

// Now returns the provider's current time.
func (m *ManualProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Advance moves the clock forward by d.
func (m *ManualProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

// Set moves the clock to t.
func (m *ManualProvider) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}
