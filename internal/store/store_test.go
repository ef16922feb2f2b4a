package store

import (
	"slices"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaterDispatchWins(t *testing.T) {
	s := New("student", zerolog.Nop())

	a := s.Begin("bookings")
	b := s.Begin("bookings")

	require.True(t, s.Commit(b, []string{"from-b"}))
	assert.False(t, s.Commit(a, []string{"from-a"}), "A was dispatched first and must be ignored")

	got, ok := Get[[]string](s, "bookings")
	require.True(t, ok)
	assert.Equal(t, []string{"from-b"}, got)
}

func TestInOrderCommits(t *testing.T) {
	s := New("student", zerolog.Nop())

	a := s.Begin("sessions")
	require.True(t, s.Commit(a, 1))
	b := s.Begin("sessions")
	require.True(t, s.Commit(b, 2))
	assert.False(t, s.Commit(b, 3), "a ticket commits once")

	got, _ := Get[int](s, "sessions")
	assert.Equal(t, 2, got)
}

func TestResourcesAreIndependent(t *testing.T) {
	s := New("tutor", zerolog.Nop())

	x := s.Begin("x")
	y1 := s.Begin("y")
	y2 := s.Begin("y")
	require.True(t, s.Commit(y2, "y2"))
	require.True(t, s.Commit(x, "x1"))
	require.False(t, s.Commit(y1, "y1"))

	vx, _ := Get[string](s, "x")
	vy, _ := Get[string](s, "y")
	assert.Equal(t, "x1", vx)
	assert.Equal(t, "y2", vy)
}

func TestConcurrentCommitsKeepNewest(t *testing.T) {
	s := New("tutor", zerolog.Nop())

	tickets := make([]Ticket, 50)
	for i := range tickets {
		tickets[i] = s.Begin("r")
	}

	var wg sync.WaitGroup
	for i := len(tickets) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Commit(tickets[i], i)
		}(i)
	}
	wg.Wait()

	got, _ := Get[int](s, "r")
	assert.Equal(t, len(tickets)-1, got)
}

func appendItem(item string) func(any) any {
	return func(current any) any {
		list, _ := current.([]string)
		return append(slices.Clone(list), item)
	}
}

func contains(item string) func(any) bool {
	return func(server any) bool {
		list, _ := server.([]string)
		return slices.Contains(list, item)
	}
}

func TestOptimisticReconciledByNextPoll(t *testing.T) {
	s := New("student", zerolog.Nop())
	require.True(t, s.Commit(s.Begin("bookings"), []string{"b1"}))

	inFlight := s.Begin("bookings")
	id := s.Apply(Optimistic{Resource: "bookings", Apply: appendItem("local"), Confirmed: contains("b2")})

	got, _ := Get[[]string](s, "bookings")
	assert.Equal(t, []string{"b1", "local"}, got)
	assert.Equal(t, []string{id}, s.Unconfirmed("bookings"))

	// Dispatched before the optimistic change, so it cannot reflect it.
	require.True(t, s.Commit(inFlight, []string{"b1"}))
	got, _ = Get[[]string](s, "bookings")
	assert.Equal(t, []string{"b1", "local"}, got)

	require.True(t, s.Commit(s.Begin("bookings"), []string{"b1", "b2"}))
	got, _ = Get[[]string](s, "bookings")
	assert.Equal(t, []string{"b1", "b2"}, got)
	assert.Empty(t, s.Unconfirmed("bookings"))

	committed, _ := s.Committed("bookings")
	assert.Equal(t, []string{"b1", "b2"}, committed)
}

func TestOptimisticRolledBackSilently(t *testing.T) {
	s := New("tutor", zerolog.Nop())
	require.True(t, s.Commit(s.Begin("slots"), []string{"s1"}))

	s.Apply(Optimistic{Resource: "slots", Apply: appendItem("s2"), Confirmed: contains("s2")})
	got, _ := Get[[]string](s, "slots")
	assert.Equal(t, []string{"s1", "s2"}, got)

	require.True(t, s.Commit(s.Begin("slots"), []string{"s1"}))
	got, _ = Get[[]string](s, "slots")
	assert.Equal(t, []string{"s1"}, got)
	assert.Empty(t, s.Unconfirmed("slots"))
}

func TestDiscard(t *testing.T) {
	s := New("tutor", zerolog.Nop())
	id := s.Apply(Optimistic{Resource: "slots", Apply: appendItem("tmp")})

	got, ok := Get[[]string](s, "slots")
	require.True(t, ok)
	assert.Equal(t, []string{"tmp"}, got)

	assert.True(t, s.Discard("slots", id))
	assert.False(t, s.Discard("slots", id))
	_, ok = Get[[]string](s, "slots")
	assert.False(t, ok)
}

func TestOnCommit(t *testing.T) {
	s := New("student", zerolog.Nop())
	var seen []string
	s.OnCommit(func(resource string) { seen = append(seen, resource) })

	old := s.Begin("a")
	s.Commit(s.Begin("a"), 1)
	s.Commit(old, 0)
	s.Apply(Optimistic{Resource: "b", Apply: func(v any) any { return v }})

	assert.Equal(t, []string{"a", "b"}, seen)
	assert.False(t, s.UpdatedAt("a").IsZero())
	assert.True(t, s.UpdatedAt("b").IsZero())
}
