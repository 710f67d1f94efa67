// Package registry holds the set of watched pools as an immutable, versioned snapshot.
// A single writer (the refresher) replaces the snapshot; readers never lock.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dex-sonar/internal/domain"
)

// Snapshot is a read-only view of the watched pools. Callers must not mutate Pools.
type Snapshot struct {
	Version uint64
	Pools   map[string]domain.Pool
	TakenAt time.Time
}

// Change describes the difference between two consecutive snapshots.
type Change struct {
	Version uint64
	Added   []domain.Pool
	Removed []string
	Updated []domain.Pool
}

// Empty reports whether the change touched nothing.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

// Registry publishes pool snapshots and notifies subscribers of changes.
type Registry struct {
	current atomic.Pointer[Snapshot]
	now     func() time.Time
	logger  zerolog.Logger

	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

// New creates an empty registry. A nil now defaults to time.Now.
func New(logger zerolog.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		now:    now,
		logger: logger.With().Str("component", "registry").Logger(),
		subs:   make(map[int]chan Change),
	}
	r.current.Store(&Snapshot{Pools: map[string]domain.Pool{}, TakenAt: now()})
	return r
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Get returns the latest known state of a pool.
func (r *Registry) Get(id string) (domain.Pool, bool) {
	p, ok := r.current.Load().Pools[id]
	return p, ok
}

// List returns all pools ordered by id.
func (r *Registry) List() []domain.Pool {
	snap := r.current.Load()
	out := make([]domain.Pool, 0, len(snap.Pools))
	for _, p := range snap.Pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replace publishes pools as the new snapshot and returns what changed.
func (r *Registry) Replace(pools []domain.Pool) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	next := &Snapshot{
		Version: prev.Version + 1,
		Pools:   make(map[string]domain.Pool, len(pools)),
		TakenAt: r.now(),
	}
	change := Change{Version: next.Version}
	for _, p := range pools {
		next.Pools[p.ID] = p
		old, existed := prev.Pools[p.ID]
		switch {
		case !existed:
			change.Added = append(change.Added, p)
		case !old.Metrics.UpdatedAt.Equal(p.Metrics.UpdatedAt):
			change.Updated = append(change.Updated, p)
		}
	}
	for id := range prev.Pools {
		if _, ok := next.Pools[id]; !ok {
			change.Removed = append(change.Removed, id)
		}
	}
	sort.Strings(change.Removed)

	r.current.Store(next)
	if len(change.Added) > 0 || len(change.Removed) > 0 {
		r.logger.Info().
			Uint64("version", next.Version).
			Int("added", len(change.Added)).
			Int("removed", len(change.Removed)).
			Int("pools", len(next.Pools)).
			Msg("registry updated")
	}
	r.publish(change)
	return change
}

// Upsert adds or replaces individual pools, keeping the rest.
func (r *Registry) Upsert(pools ...domain.Pool) Change {
	snap := r.current.Load()
	merged := make(map[string]domain.Pool, len(snap.Pools)+len(pools))
	for id, p := range snap.Pools {
		merged[id] = p
	}
	for _, p := range pools {
		merged[p.ID] = p
	}
	return r.Replace(values(merged))
}

// Remove drops pools by id.
func (r *Registry) Remove(ids ...string) Change {
	snap := r.current.Load()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := make([]domain.Pool, 0, len(snap.Pools))
	for id, p := range snap.Pools {
		if _, ok := drop[id]; !ok {
			kept = append(kept, p)
		}
	}
	return r.Replace(kept)
}

// Subscribe returns a channel of change notifications and a cancel func. Notifications
// coalesce when the subscriber lags: consumers should reconcile against Snapshot().
func (r *Registry) Subscribe() (<-chan Change, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	ch := make(chan Change, 1)
	r.subs[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

func (r *Registry) publish(change Change) {
	if change.Empty() {
		return
	}
	for _, ch := range r.subs {
		select {
		case ch <- change:
		default:
			// a notification is already pending
		}
	}
}

func values(m map[string]domain.Pool) []domain.Pool {
	out := make([]domain.Pool, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}
