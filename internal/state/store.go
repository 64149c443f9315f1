// Package state publishes the engine's per-metric states as immutable
// snapshots. Exactly one writer (the engine's apply loop) sets; any
// number of readers load without locks and can never observe a
// half-applied update.
package state

import (
	"sync/atomic"
	"time"

	"github.com/vitals-lab/vitals/internal/core/metric"
)

// Snapshot is one immutable published view. Readers must treat the
// States map as read-only; every Set builds a fresh one.
type Snapshot struct {
	States  map[metric.Type]metric.State
	Version uint64
	TakenAt time.Time
}

// Store holds the current snapshot behind an atomic pointer.
type Store struct {
	snap atomic.Pointer[Snapshot]
}

// NewStore seeds a zero state for every tracked type, so readers can
// render placeholders before the first delivery lands.
func NewStore(types []metric.Type) *Store {
	states := make(map[metric.Type]metric.State, len(types))
	for _, typ := range types {
		states[typ] = metric.State{}
	}
	s := &Store{}
	s.snap.Store(&Snapshot{States: states})
	return s
}

// Snapshot returns the current published view.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Get returns the published state for one metric. The second result is
// false for types the store does not track.
func (s *Store) Get(typ metric.Type) (metric.State, bool) {
	st, ok := s.snap.Load().States[typ]
	return st, ok
}

// Version returns the current snapshot version. It bumps by one on every
// Set, so pollers can skip unchanged snapshots.
func (s *Store) Version() uint64 {
	return s.snap.Load().Version
}

// Set publishes a new state for one metric. Only the engine's apply
// loop calls it; the copy-on-write swap keeps concurrent readers on a
// consistent snapshot.
func (s *Store) Set(typ metric.Type, st metric.State, at time.Time) {
	cur := s.snap.Load()
	states := make(map[metric.Type]metric.State, len(cur.States)+1)
	for k, v := range cur.States {
		states[k] = v
	}
	states[typ] = st
	s.snap.Store(&Snapshot{
		States:  states,
		Version: cur.Version + 1,
		TakenAt: at,
	})
}
