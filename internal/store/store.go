// Package store holds the canonical state of one view. Server responses are
// committed through per-resource tickets so an earlier-dispatched response
// that arrives late never overwrites a newer one; optimistic local updates
// are layered on top until the next server snapshot replaces them.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tutorsync/internal/metrics"
)

// Ticket identifies one dispatched fetch of a resource.
type Ticket struct {
	Resource string
	Seq      uint64
}

// Optimistic is a local change shown before the server confirms it.
type Optimistic struct {
	ID       string
	Resource string
	// Apply derives the displayed value from the committed one.
	Apply func(current any) any
	// Confirmed reports whether a server snapshot reflects the change. Nil
	// means the change is never checked.
	Confirmed func(server any) bool
	At        time.Time

	after uint64
}

type slot struct {
	issued  uint64
	applied uint64
	value   any
	has     bool
	updated time.Time
	pending []Optimistic
}

// Store is safe for concurrent use.
type Store struct {
	name   string
	logger zerolog.Logger

	mu        sync.Mutex
	resources map[string]*slot
	listeners []func(resource string)
}

// New creates an empty store for the named view.
func New(name string, logger zerolog.Logger) *Store {
	return &Store{
		name:      name,
		logger:    logger.With().Str("component", "store").Str("view", name).Logger(),
		resources: make(map[string]*slot),
	}
}

func (s *Store) slotFor(resource string) *slot {
	sl, ok := s.resources[resource]
	if !ok {
		sl = &slot{}
		s.resources[resource] = sl
	}
	return sl
}

// Begin issues the next ticket for resource. Call it right before dispatching
// the request whose response will be committed.
func (s *Store) Begin(resource string) Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slotFor(resource)
	sl.issued++
	return Ticket{Resource: resource, Seq: sl.issued}
}

// Commit stores value when t is newer than the last applied ticket and reports
// whether it did. Optimistic entries recorded before t was issued are dropped;
// those the server did not confirm count as rollbacks.
func (s *Store) Commit(t Ticket, value any) bool {
	s.mu.Lock()
	sl := s.slotFor(t.Resource)
	if t.Seq <= sl.applied {
		s.mu.Unlock()
		metrics.IncStaleResponse(t.Resource)
		s.logger.Debug().
			Str("resource", t.Resource).
			Uint64("seq", t.Seq).
			Uint64("applied", sl.applied).
			Msg("stale response dropped")
		return false
	}

	sl.applied = t.Seq
	sl.value = value
	sl.has = true
	sl.updated = time.Now()

	kept := sl.pending[:0]
	var rolledBack []string
	for _, op := range sl.pending {
		if op.after >= t.Seq {
			kept = append(kept, op)
			continue
		}
		if op.Confirmed != nil && !op.Confirmed(value) {
			rolledBack = append(rolledBack, op.ID)
		}
	}
	sl.pending = kept
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()

	for _, id := range rolledBack {
		metrics.IncOptimisticRollback(t.Resource)
		s.logger.Debug().Str("resource", t.Resource).Str("optimistic_id", id).Msg("optimistic update rolled back")
	}
	for _, fn := range listeners {
		fn(t.Resource)
	}
	return true
}

// Apply layers an optimistic change over resource and returns its id. The
// change stays visible until a fetch dispatched after this call is committed.
func (s *Store) Apply(op Optimistic) string {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.At.IsZero() {
		op.At = time.Now()
	}

	s.mu.Lock()
	sl := s.slotFor(op.Resource)
	op.after = sl.issued
	sl.pending = append(sl.pending, op)
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(op.Resource)
	}
	return op.ID
}

// Discard removes an optimistic change, e.g. after the server rejected it.
func (s *Store) Discard(resource, id string) bool {
	s.mu.Lock()
	sl := s.slotFor(resource)
	found := false
	kept := sl.pending[:0]
	for _, op := range sl.pending {
		if op.ID == id {
			found = true
			continue
		}
		kept = append(kept, op)
	}
	sl.pending = kept
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()

	if found {
		for _, fn := range listeners {
			fn(resource)
		}
	}
	return found
}

// View returns the committed value with pending optimistic changes applied.
func (s *Store) View(resource string) (any, bool) {
	s.mu.Lock()
	sl, ok := s.resources[resource]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	v, has := sl.value, sl.has
	ops := append([]Optimistic(nil), sl.pending...)
	s.mu.Unlock()

	for _, op := range ops {
		if op.Apply != nil {
			v = op.Apply(v)
			has = true
		}
	}
	return v, has
}

// Committed returns the last server value without optimistic changes.
func (s *Store) Committed(resource string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.resources[resource]
	if !ok {
		return nil, false
	}
	return sl.value, sl.has
}

// Unconfirmed lists the ids of optimistic changes still pending on resource.
func (s *Store) Unconfirmed(resource string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.resources[resource]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sl.pending))
	for _, op := range sl.pending {
		out = append(out, op.ID)
	}
	return out
}

// UpdatedAt returns when resource was last committed.
func (s *Store) UpdatedAt(resource string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.resources[resource]; ok {
		return sl.updated
	}
	return time.Time{}
}

// OnCommit registers fn to run after every commit or optimistic change.
func (s *Store) OnCommit(fn func(resource string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Get returns the displayed value of resource as T.
func Get[T any](s *Store, resource string) (T, bool) {
	var zero T
	v, ok := s.View(resource)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
