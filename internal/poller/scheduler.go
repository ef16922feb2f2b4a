// Package poller runs periodic re-fetches of remote resources and reports
// growth in tracked counts.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tutorsync/internal/metrics"
)

// ErrSkip is returned by a FetchFunc whose result was superseded and must not
// be diffed.
var ErrSkip = errors.New("poll result superseded")

// FetchFunc loads a resource and summarises it.
type FetchFunc func(ctx context.Context) (Snapshot, error)

// ChangeFunc receives growth detected by a cycle. It runs on the resource's
// loop goroutine and must not call Stop, Pause or StopAll.
type ChangeFunc func(ctx context.Context, ch Change)

// Task describes one polled resource.
type Task struct {
	Resource string
	Interval time.Duration
	Fetch    FetchFunc
	OnChange ChangeFunc
}

type task struct {
	Task
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	last    Snapshot
	hasLast bool
}

// Scheduler owns one loop goroutine per resource. Cycles of one resource are
// strictly sequential; resources never wait on each other.
type Scheduler struct {
	logger    zerolog.Logger
	baselines BaselineStore
	scope     string

	ops    sync.Mutex // serializes Start/Stop/Pause/Resume
	mu     sync.Mutex
	tasks  map[string]*task
	paused bool
}

// NewScheduler creates an idle scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With().Str("component", "poller").Logger(),
		tasks:  make(map[string]*task),
	}
}

// UseBaselines persists snapshots under scope (typically role and user id).
func (s *Scheduler) UseBaselines(store BaselineStore, scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines = store
	s.scope = scope
}

// Start registers t and, unless paused, runs one cycle immediately followed
// by a cycle every t.Interval. Starting a running resource replaces it.
func (s *Scheduler) Start(ctx context.Context, t Task) error {
	if t.Resource == "" || t.Fetch == nil {
		return fmt.Errorf("poller: resource and fetch are required")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("poller: %s: interval must be positive", t.Resource)
	}

	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	old := s.tasks[t.Resource]
	s.mu.Unlock()
	if old != nil {
		s.halt(old)
	}

	nt := &task{Task: t, parent: ctx}
	s.mu.Lock()
	s.tasks[t.Resource] = nt
	paused := s.paused
	s.mu.Unlock()

	if !paused {
		s.launch(nt, true)
	}
	s.logger.Debug().Str("resource", t.Resource).Dur("interval", t.Interval).Bool("paused", paused).Msg("poller registered")
	return nil
}

// Stop cancels the resource's loop and forgets it. After Stop returns no
// callback of that resource fires.
func (s *Scheduler) Stop(resource string) {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	t := s.tasks[resource]
	delete(s.tasks, resource)
	s.mu.Unlock()

	if t != nil {
		s.halt(t)
		s.logger.Debug().Str("resource", resource).Msg("poller stopped")
	}
}

// StopAll tears down every loop, as on view teardown.
func (s *Scheduler) StopAll() {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	tasks := s.snapshotTasks()
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		s.halt(t)
	}
}

// Pause stops every loop and waits for in-flight cycles to finish. Tasks stay
// registered and keep their last snapshot.
func (s *Scheduler) Pause() {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	tasks := s.snapshotTasks()
	s.mu.Unlock()

	for _, t := range tasks {
		s.halt(t)
	}
	metrics.SetPaused(true)
	s.logger.Info().Int("pollers", len(tasks)).Msg("polling paused")
}

// Resume restarts every loop with one immediate cycle.
func (s *Scheduler) Resume() {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	tasks := s.snapshotTasks()
	s.mu.Unlock()

	for _, t := range tasks {
		s.launch(t, true)
	}
	metrics.SetPaused(false)
	s.logger.Info().Int("pollers", len(tasks)).Msg("polling resumed")
}

// SetInterval changes a resource's period. A running loop is restarted
// without an immediate cycle.
func (s *Scheduler) SetInterval(resource string, d time.Duration) {
	if d <= 0 {
		return
	}
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	t := s.tasks[resource]
	paused := s.paused
	s.mu.Unlock()
	if t == nil || t.Interval == d {
		return
	}

	s.halt(t)
	t.Interval = d
	if !paused {
		s.launch(t, false)
	}
	s.logger.Info().Str("resource", resource).Dur("interval", d).Msg("poll interval changed")
}

// IsPaused reports whether polling is paused.
func (s *Scheduler) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// IsRunning reports whether resource has an active loop.
func (s *Scheduler) IsRunning(resource string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[resource]
	return t != nil && !s.paused && t.cancel != nil
}

// Resources lists registered resources.
func (s *Scheduler) Resources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		out = append(out, name)
	}
	return out
}

func (s *Scheduler) snapshotTasks() []*task {
	out := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

func (s *Scheduler) launch(t *task, immediate bool) {
	ctx, cancel := context.WithCancel(t.parent)
	done := make(chan struct{})

	s.mu.Lock()
	t.cancel = cancel
	t.done = done
	s.mu.Unlock()

	go s.run(ctx, t, immediate, done)
}

// halt cancels a loop and waits until it has returned.
func (s *Scheduler) halt(t *task) {
	s.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, t *task, immediate bool, done chan struct{}) {
	defer close(done)

	if immediate {
		s.cycle(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx, t)
		}
	}
}

// cycle runs fetch, diff and notify in order. Failures are logged and the
// loop carries on.
func (s *Scheduler) cycle(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncPollCycle(t.Resource, "panic")
			s.logger.Error().Str("resource", t.Resource).Interface("panic", r).Msg("poll cycle panicked")
		}
	}()

	if ctx.Err() != nil {
		return
	}
	snap, err := t.Fetch(ctx)
	if ctx.Err() != nil {
		return
	}
	switch {
	case errors.Is(err, ErrSkip):
		metrics.IncPollCycle(t.Resource, "skipped")
		return
	case err != nil:
		metrics.IncPollCycle(t.Resource, "error")
		s.logger.Warn().Err(err).Str("resource", t.Resource).Msg("poll cycle failed")
		return
	}
	metrics.IncPollCycle(t.Resource, "ok")

	prev, ok := s.previous(ctx, t)
	s.remember(ctx, t, snap)
	if !ok {
		s.logger.Debug().Str("resource", t.Resource).Msg("baseline captured")
		return
	}

	ch := Diff(t.Resource, prev, snap)
	if ch.IsZero() || t.OnChange == nil {
		return
	}
	t.OnChange(ctx, ch)
}

func (s *Scheduler) previous(ctx context.Context, t *task) (Snapshot, bool) {
	t.mu.Lock()
	last, ok := t.last, t.hasLast
	t.mu.Unlock()
	if ok {
		return last, true
	}

	s.mu.Lock()
	store, key := s.baselines, s.key(t.Resource)
	s.mu.Unlock()
	if store == nil {
		return Snapshot{}, false
	}
	snap, found, err := store.LoadBaseline(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("resource", t.Resource).Msg("load baseline failed")
		return Snapshot{}, false
	}
	return snap, found
}

func (s *Scheduler) remember(ctx context.Context, t *task, snap Snapshot) {
	t.mu.Lock()
	t.last = snap
	t.hasLast = true
	t.mu.Unlock()

	s.mu.Lock()
	store, key := s.baselines, s.key(t.Resource)
	s.mu.Unlock()
	if store == nil {
		return
	}
	if err := store.SaveBaseline(ctx, key, snap); err != nil {
		s.logger.Warn().Err(err).Str("resource", t.Resource).Msg("save baseline failed")
	}
}

func (s *Scheduler) key(resource string) string {
	if s.scope == "" {
		return resource
	}
	return s.scope + ":" + resource
}
