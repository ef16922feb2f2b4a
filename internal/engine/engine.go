// Package engine wires the API client, the per-view store, the poller and the
// notification bus into the student and tutor views.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tutorsync/internal/apiclient"
	"tutorsync/internal/booking"
	"tutorsync/internal/metrics"
	"tutorsync/internal/model"
	"tutorsync/internal/notify"
	"tutorsync/internal/poller"
	"tutorsync/internal/store"
)

// Store resources shared by both views.
const (
	ResourceSessions     = "sessions"
	ResourceBookings     = "bookings"
	ResourceAvailability = "availability"
	ResourceSidebar      = "sidebar"

	participantsPrefix = "participants/"
	messagesPrefix     = "messages/"
)

// ErrNotFound is returned when an action names an id the view does not hold.
var ErrNotFound = errors.New("not found in current view")

// Intervals are the poll periods per resource.
type Intervals struct {
	Bookings     time.Duration
	Sessions     time.Duration
	Sidebar      time.Duration
	Participants time.Duration
}

// DefaultIntervals polls everything every five seconds.
func DefaultIntervals() Intervals {
	return Intervals{
		Bookings:     5 * time.Second,
		Sessions:     5 * time.Second,
		Sidebar:      5 * time.Second,
		Participants: 5 * time.Second,
	}
}

func (i Intervals) withDefaults() Intervals {
	d := DefaultIntervals()
	if i.Bookings <= 0 {
		i.Bookings = d.Bookings
	}
	if i.Sessions <= 0 {
		i.Sessions = d.Sessions
	}
	if i.Sidebar <= 0 {
		i.Sidebar = d.Sidebar
	}
	if i.Participants <= 0 {
		i.Participants = d.Participants
	}
	return i
}

// Options configures a view.
type Options struct {
	Client   *apiclient.Client
	Bus      *notify.Bus
	Identity model.Identity
	// Baselines, when set, persists poll snapshots so restarts do not replay
	// growth that was already announced.
	Baselines poller.BaselineStore
	Intervals Intervals
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Result describes the outcome of an action that may be a no-op.
type Result struct {
	Changed bool
	Message string
}

// view holds what the student and tutor views share.
type view struct {
	role      string
	client    *apiclient.Client
	bus       *notify.Bus
	store     *store.Store
	poller    *poller.Scheduler
	identity  model.Identity
	intervals Intervals
	now       func() time.Time
	logger    zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

func newView(role string, opts Options) (*view, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("%s view: api client is required", role)
	}
	if opts.Bus == nil {
		opts.Bus = notify.NewBus(opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.With().Str("component", "engine").Str("view", role).Logger()

	v := &view{
		role:      role,
		client:    opts.Client,
		bus:       opts.Bus,
		store:     store.New(role, opts.Logger),
		poller:    poller.NewScheduler(opts.Logger),
		identity:  opts.Identity,
		intervals: opts.Intervals.withDefaults(),
		now:       opts.Now,
		logger:    logger,
	}
	if opts.Baselines != nil {
		scope := role
		if opts.Identity.ID != "" {
			scope = role + ":" + opts.Identity.ID
		}
		v.poller.UseBaselines(opts.Baselines, scope)
	}
	return v, nil
}

// begin records the context pollers run under. Views start once.
func (v *view) begin(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.started {
		return fmt.Errorf("%s view already started", v.role)
	}
	v.started = true
	v.ctx = ctx
	return nil
}

func (v *view) runContext() context.Context {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ctx == nil {
		return context.Background()
	}
	return v.ctx
}

// Store exposes the view's canonical state for rendering.
func (v *view) Store() *store.Store {
	return v.store
}

// Pause stops polling, as when the view is hidden.
func (v *view) Pause() {
	v.poller.Pause()
}

// Resume restarts polling with one immediate refresh per resource.
func (v *view) Resume() {
	v.poller.Resume()
}

// IsPaused reports whether polling is paused.
func (v *view) IsPaused() bool {
	return v.poller.IsPaused()
}

// SetIntervals applies new poll periods to the view's running polls,
// including a selected session's roster. Polls started later use them too.
func (v *view) SetIntervals(i Intervals) {
	i = i.withDefaults()
	v.mu.Lock()
	v.intervals = i
	v.mu.Unlock()

	for _, resource := range v.poller.Resources() {
		switch {
		case resource == ResourceBookings, resource == ResourceAvailability:
			v.poller.SetInterval(resource, i.Bookings)
		case resource == ResourceSessions:
			v.poller.SetInterval(resource, i.Sessions)
		case resource == ResourceSidebar:
			v.poller.SetInterval(resource, i.Sidebar)
		case strings.HasPrefix(resource, participantsPrefix):
			v.poller.SetInterval(resource, i.Participants)
		}
	}
}

func (v *view) currentIntervals() Intervals {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.intervals
}

// Close tears the view down. No poll callback fires after it returns.
func (v *view) Close() {
	v.poller.StopAll()
	v.logger.Info().Msg("view closed")
}

func (v *view) publish(ctx context.Context, kind notify.Kind, resource, title, body string, count int) {
	v.bus.Publish(ctx, notify.Notification{
		Kind:     kind,
		View:     v.role,
		Resource: resource,
		Title:    title,
		Body:     body,
		Count:    count,
	})
}

// violation counts and logs a lifecycle rejection and re-syncs the affected
// resource from the server. Other errors pass through untouched.
func (v *view) violation(ctx context.Context, err error, resync ...func(context.Context) error) error {
	pv, ok := booking.IsPolicyViolation(err)
	if !ok {
		return err
	}
	metrics.IncPolicyViolation(pv.Entity)
	v.logger.Info().Str("entity", pv.Entity).Str("id", pv.ID).Str("reason", pv.Reason).Msg("action rejected by policy")
	for _, fn := range resync {
		if rerr := fn(ctx); rerr != nil {
			v.logger.Warn().Err(rerr).Msg("re-sync after policy violation failed")
		}
	}
	return err
}

// logRefresh runs refreshes after a successful action. The action already
// succeeded, so failures are only logged; the next poll catches up.
func (v *view) logRefresh(ctx context.Context, fns ...func(context.Context) error) {
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			v.logger.Warn().Err(err).Msg("refresh after action failed")
		}
	}
}

// track builds a poll fetch that commits through the staleness guard. A
// response overtaken by a newer one is reported as poller.ErrSkip.
func track[T any](v *view, resource string, load func(context.Context) (T, error), summarize func(T) poller.Snapshot) poller.FetchFunc {
	return func(ctx context.Context) (poller.Snapshot, error) {
		ticket := v.store.Begin(resource)
		value, err := load(ctx)
		if err != nil {
			return poller.Snapshot{}, err
		}
		if !v.store.Commit(ticket, value) {
			return poller.Snapshot{}, poller.ErrSkip
		}
		return summarize(value), nil
	}
}

// refresh fetches resource once outside the poll loop and commits it.
func refresh[T any](ctx context.Context, v *view, resource string, load func(context.Context) (T, error)) error {
	ticket := v.store.Begin(resource)
	value, err := load(ctx)
	if err != nil {
		return err
	}
	v.store.Commit(ticket, value)
	return nil
}

// applyOptimistic layers fn over the displayed value of resource. confirmed
// decides whether the next server snapshot agrees; nil skips the check.
func applyOptimistic[T any](v *view, resource string, fn func(T) T, confirmed func(T) bool) string {
	op := store.Optimistic{
		Resource: resource,
		Apply: func(current any) any {
			cur, _ := current.(T)
			return fn(cur)
		},
	}
	if confirmed != nil {
		op.Confirmed = func(server any) bool {
			cur, _ := server.(T)
			return confirmed(cur)
		}
	}
	return v.store.Apply(op)
}

// Sidebar returns the displayed messaging sidebar.
func (v *view) Sidebar() model.Sidebar {
	sb, _ := store.Get[model.Sidebar](v.store, ResourceSidebar)
	return sb
}

// Unread is the total unread message count.
func (v *view) Unread() int {
	return v.Sidebar().Unread()
}

// OpenConversation starts or reopens a direct thread.
func (v *view) OpenConversation(ctx context.Context, participantID string) (model.Thread, error) {
	thread, err := v.client.OpenConversation(ctx, participantID)
	if err != nil {
		return model.Thread{}, err
	}
	v.logRefresh(ctx, v.refreshSidebar)
	return thread, nil
}

// LoadMessages fetches a conversation into the store.
func (v *view) LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	resource := messagesPrefix + conversationID
	if err := refresh(ctx, v, resource, func(ctx context.Context) ([]model.Message, error) {
		return v.client.Messages(ctx, conversationID)
	}); err != nil {
		return nil, err
	}
	return v.Messages(conversationID), nil
}

// Messages returns the displayed messages of a conversation.
func (v *view) Messages(conversationID string) []model.Message {
	msgs, _ := store.Get[[]model.Message](v.store, messagesPrefix+conversationID)
	return msgs
}

// SendMessage shows the message immediately and confirms it with a reload.
func (v *view) SendMessage(ctx context.Context, conversationID, content string) (model.Message, error) {
	if content == "" {
		return model.Message{}, fmt.Errorf("message is empty")
	}
	resource := messagesPrefix + conversationID
	local := model.Message{
		Sender:    model.Sender{ID: v.identity.ID, DisplayName: v.identity.DisplayName},
		Content:   content,
		CreatedAt: v.now(),
	}
	id := applyOptimistic(v, resource, func(cur []model.Message) []model.Message {
		out := make([]model.Message, 0, len(cur)+1)
		return append(append(out, cur...), local)
	}, func(server []model.Message) bool {
		for _, m := range server {
			if m.Content == content && (local.Sender.ID == "" || m.Sender.ID == local.Sender.ID) {
				return true
			}
		}
		return false
	})

	sent, err := v.client.SendMessage(ctx, conversationID, content)
	if err != nil {
		v.store.Discard(resource, id)
		return model.Message{}, err
	}
	v.logRefresh(ctx, func(ctx context.Context) error {
		return refresh(ctx, v, resource, func(ctx context.Context) ([]model.Message, error) {
			return v.client.Messages(ctx, conversationID)
		})
	})
	return sent, nil
}

func (v *view) refreshSidebar(ctx context.Context) error {
	return refresh(ctx, v, ResourceSidebar, v.client.Sidebar)
}

// startSidebar polls the messaging sidebar and announces unread growth.
func (v *view) startSidebar(ctx context.Context) error {
	return v.poller.Start(ctx, poller.Task{
		Resource: ResourceSidebar,
		Interval: v.currentIntervals().Sidebar,
		Fetch: track(v, ResourceSidebar, v.client.Sidebar, func(sb model.Sidebar) poller.Snapshot {
			return poller.Snapshot{Counts: map[string]int{"unread": sb.Unread()}}
		}),
		OnChange: func(ctx context.Context, ch poller.Change) {
			d, ok := ch.Increased["unread"]
			if !ok {
				return
			}
			v.publish(ctx, notify.KindNewMessage, ResourceSidebar, "New message", fmt.Sprintf("%d unread", d.To), d.To-d.From)
		},
	})
}

func findBooking(list []model.Booking, id string) (model.Booking, bool) {
	for _, b := range list {
		if b.ID == id {
			return b, true
		}
	}
	return model.Booking{}, false
}

func findSession(list []model.Session, id string) (model.Session, bool) {
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return model.Session{}, false
}

func findSlot(list []model.Slot, id string) (model.Slot, bool) {
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return model.Slot{}, false
}

// sessionSlot is the bookable unit behind a session: the named slot when the
// session lists it, otherwise the session's own schedule. Lead time and
// cancel window come from the session's first slot when it has one.
func sessionSlot(s model.Session, slotID string) model.Slot {
	if slotID != "" {
		if sl, ok := findSlot(s.Slots, slotID); ok {
			return sl
		}
	}
	slot := model.Slot{
		ID:                s.ID,
		TutorID:           s.TutorID,
		CourseCode:        s.Code,
		CourseTitle:       s.Title,
		Day:               s.Day,
		Date:              s.Date,
		StartTime:         s.Start,
		Duration:          model.ClockMinutes(s.End) - model.ClockMinutes(s.Start),
		Mode:              s.Mode,
		Location:          s.Location,
		Capacity:          s.Capacity,
		Enrolled:          s.Enrolled,
		CancelWindowHours: model.DefaultCancelWindowHours,
		Status:            model.SlotPublished,
		Recurrence:        model.RecurrenceWeekly,
	}
	if s.Date != "" {
		slot.Recurrence = model.RecurrenceOnce
	}
	if slot.Duration <= 0 {
		slot.Duration = model.DefaultSlotDuration
	}
	if len(s.Slots) > 0 {
		slot.LeadTimeHours = s.Slots[0].LeadTimeHours
		slot.CancelWindowHours = s.Slots[0].CancelWindowHours
	}
	if s.Status == model.SessionPast {
		slot.Status = model.SlotUnpublished
	}
	return slot
}

func withBookingStatus(list []model.Booking, id string, status model.BookingStatus) []model.Booking {
	out := make([]model.Booking, len(list))
	copy(out, list)
	for i := range out {
		if out[i].ID == id {
			out[i].Status = status
		}
	}
	return out
}

func bookingHasStatus(list []model.Booking, id string, status model.BookingStatus) bool {
	b, ok := findBooking(list, id)
	return ok && b.Status == status
}
