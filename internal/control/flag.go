// Package control holds the process-wide pause switch.
//
// Several sources may pause processing (the config file, a shared Redis key). The effective
// state is paused while any source asks for it. Readers load an immutable State snapshot and
// wait on Changed() for the next transition.
package control

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	SourceConfig = "config"
	SourceRedis  = "redis"
)

// State is one version of the pause switch. Never mutated after publication.
type State struct {
	Version   uint64
	Paused    bool
	PausedBy  []string
	ChangedAt time.Time
}

// Flag publishes State snapshots. Writers are serialised; readers never block.
type Flag struct {
	now func() time.Time

	mu      sync.Mutex
	sources map[string]bool
	wake    chan struct{}

	state atomic.Pointer[State]
}

// NewFlag starts running (not paused) at version 0.
func NewFlag(now func() time.Time) *Flag {
	if now == nil {
		now = time.Now
	}
	f := &Flag{now: now, sources: make(map[string]bool), wake: make(chan struct{})}
	f.state.Store(&State{ChangedAt: now()})
	return f
}

// Load returns the current snapshot.
func (f *Flag) Load() State { return *f.state.Load() }

// Paused reports the effective state.
func (f *Flag) Paused() bool { return f.state.Load().Paused }

// Changed returns a channel closed on the next effective transition.
func (f *Flag) Changed() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wake
}

// Set records the wish of one source. It publishes a new version only when the effective
// state or the set of pausing sources changes, and reports whether it did.
func (f *Flag) Set(source string, paused bool) (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sources[source] == paused {
		return *f.state.Load(), false
	}
	if paused {
		f.sources[source] = true
	} else {
		delete(f.sources, source)
	}

	by := make([]string, 0, len(f.sources))
	for name := range f.sources {
		by = append(by, name)
	}
	sort.Strings(by)

	prev := f.state.Load()
	next := &State{
		Version:   prev.Version + 1,
		Paused:    len(by) > 0,
		PausedBy:  by,
		ChangedAt: f.now(),
	}
	f.state.Store(next)
	if next.Paused != prev.Paused {
		close(f.wake)
		f.wake = make(chan struct{})
	}
	return *next, true
}

// WaitRunning blocks while paused. It returns ctx.Err() if the context ends first.
func (f *Flag) WaitRunning(ctx context.Context) error {
	for {
		changed := f.Changed()
		if !f.Paused() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
