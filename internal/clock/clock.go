// Package clock lets stores and the limiter read time through an interface
// that tests can replace.
package clock

import (
	"sync"
	"time"
)

// System reads the wall clock.
var System TimeSource = systemTimeSource{}

type TimeSource interface {
	Now() time.Time
}

type systemTimeSource struct{}

func (systemTimeSource) Now() time.Time { return time.Now().UTC() }

// Fake is a settable TimeSource. For tests only.
type Fake struct {
	mu  sync.RWMutex
	now time.Time
}

func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// OrSystem returns ts, or System when ts is nil.
func OrSystem(ts TimeSource) TimeSource {
	if ts == nil {
		return System
	}
	return ts
}
