package engine

import (
	"context"
	"fmt"
	"sync"

	"tutorsync/internal/apiclient"
	"tutorsync/internal/booking"
	"tutorsync/internal/model"
	"tutorsync/internal/notify"
	"tutorsync/internal/poller"
	"tutorsync/internal/store"
)

// TutorView manages booking requests, availability and the tutor's sessions.
type TutorView struct {
	*view

	selMu    sync.Mutex
	selected string
}

// NewTutorView builds an idle tutor view; call Start to begin polling.
func NewTutorView(opts Options) (*TutorView, error) {
	v, err := newView("tutor", opts)
	if err != nil {
		return nil, err
	}
	return &TutorView{view: v}, nil
}

// Start launches the booking, availability, session and sidebar pollers.
func (v *TutorView) Start(ctx context.Context) error {
	if err := v.begin(ctx); err != nil {
		return err
	}

	tasks := []poller.Task{
		{
			Resource: ResourceBookings,
			Interval: v.currentIntervals().Bookings,
			Fetch:    track(v.view, ResourceBookings, v.client.TutorBookings, tutorBookingSnapshot),
			OnChange: v.onBookingsChange,
		},
		{
			Resource: ResourceAvailability,
			Interval: v.currentIntervals().Bookings,
			Fetch: track(v.view, ResourceAvailability, v.client.GetAvailability, func(a model.Availability) poller.Snapshot {
				published := 0
				for _, s := range a.Slots {
					if s.Status == model.SlotPublished {
						published++
					}
				}
				return poller.Snapshot{Counts: map[string]int{"slots": len(a.Slots), "published": published}}
			}),
		},
		{
			Resource: ResourceSessions,
			Interval: v.currentIntervals().Sessions,
			Fetch:    track(v.view, ResourceSessions, v.client.TutorSessions, tutorSessionSnapshot),
			OnChange: v.onSessionsChange,
		},
	}
	for _, t := range tasks {
		if err := v.poller.Start(ctx, t); err != nil {
			return err
		}
	}
	if err := v.startSidebar(ctx); err != nil {
		return err
	}
	v.logger.Info().Str("user", v.identity.ID).Msg("tutor view started")
	return nil
}

func tutorBookingSnapshot(list []model.Booking) poller.Snapshot {
	snap := poller.Snapshot{Counts: map[string]int{}, Sets: map[string][]string{}}
	for _, b := range list {
		switch b.Status {
		case model.BookingPending:
			snap.Counts["pending"]++
			snap.Sets["pending"] = append(snap.Sets["pending"], b.ID)
		case model.BookingConfirmed:
			snap.Counts["confirmed"]++
		}
	}
	return snap
}

func tutorSessionSnapshot(list []model.Session) poller.Snapshot {
	snap := poller.Snapshot{Counts: map[string]int{"sessions": len(list)}, Sets: map[string][]string{}}
	for _, s := range list {
		if s.Status == model.SessionActive {
			snap.Sets["active"] = append(snap.Sets["active"], s.ID)
		}
	}
	return snap
}

func (v *TutorView) onBookingsChange(ctx context.Context, ch poller.Change) {
	d, ok := ch.Increased["pending"]
	if !ok {
		return
	}
	body := fmt.Sprintf("%d pending", d.To)
	v.publish(ctx, notify.KindNewRequest, ResourceBookings, "New booking request", body, d.To-d.From)
}

func (v *TutorView) onSessionsChange(ctx context.Context, ch poller.Change) {
	started := ch.Added["active"]
	if len(started) == 0 {
		return
	}
	sessions := v.Sessions()
	for _, id := range started {
		s, _ := findSession(sessions, id)
		v.publish(ctx, notify.KindSessionStarted, ResourceSessions, "Session started", fmt.Sprintf("%s %s", s.Code, s.Title), 1)
	}
}

// Bookings returns the displayed booking requests.
func (v *TutorView) Bookings() []model.Booking {
	list, _ := store.Get[[]model.Booking](v.store, ResourceBookings)
	return list
}

// PendingCount is the number of requests waiting for a decision.
func (v *TutorView) PendingCount() int {
	n := 0
	for _, b := range v.Bookings() {
		if b.Status == model.BookingPending {
			n++
		}
	}
	return n
}

// Availability returns the displayed slots, exceptions and limits.
func (v *TutorView) Availability() model.Availability {
	a, ok := store.Get[model.Availability](v.store, ResourceAvailability)
	if !ok {
		return model.Availability{Policy: model.DefaultPolicy()}
	}
	return a
}

// Sessions returns the displayed tutor sessions.
func (v *TutorView) Sessions() []model.Session {
	list, _ := store.Get[[]model.Session](v.store, ResourceSessions)
	return list
}

// Refresh reloads every resource immediately.
func (v *TutorView) Refresh(ctx context.Context) error {
	for _, fn := range []func(context.Context) error{v.refreshBookings, v.refreshAvailability, v.refreshSessions} {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (v *TutorView) refreshBookings(ctx context.Context) error {
	return refresh(ctx, v.view, ResourceBookings, v.client.TutorBookings)
}

func (v *TutorView) refreshAvailability(ctx context.Context) error {
	return refresh(ctx, v.view, ResourceAvailability, v.client.GetAvailability)
}

func (v *TutorView) refreshSessions(ctx context.Context) error {
	return refresh(ctx, v.view, ResourceSessions, v.client.TutorSessions)
}

// SlotAvailability evaluates a slot the way students see it: publication,
// capacity including pending holds, lead time and exceptions.
func (v *TutorView) SlotAvailability(slotID string) (booking.Verdict, error) {
	a := v.Availability()
	s, ok := findSlot(a.Slots, slotID)
	if !ok {
		return booking.Verdict{}, fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	return booking.Evaluate(s, a.Exceptions, booking.PendingHolds(s.ID, v.Bookings()), v.now()), nil
}

// Confirm accepts a pending request and puts the student on the roster.
func (v *TutorView) Confirm(ctx context.Context, bookingID string) (Result, error) {
	return v.decide(ctx, bookingID, model.BookingConfirmed, apiclient.DecisionConfirm)
}

// Reject declines a pending request.
func (v *TutorView) Reject(ctx context.Context, bookingID string) (Result, error) {
	return v.decide(ctx, bookingID, model.BookingRejected, apiclient.DecisionReject)
}

// Complete marks a confirmed booking as attended to the end.
func (v *TutorView) Complete(ctx context.Context, bookingID string) (Result, error) {
	return v.decide(ctx, bookingID, model.BookingCompleted, apiclient.DecisionComplete)
}

// decide checks the transition locally before calling the server. Repeating
// the current status is a no-op; an illegal move is a policy violation and
// re-syncs the bookings.
func (v *TutorView) decide(ctx context.Context, bookingID string, to model.BookingStatus, d apiclient.Decision) (Result, error) {
	b, ok := findBooking(v.Bookings(), bookingID)
	if !ok {
		return Result{}, fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
	}

	session, hasSession := findSession(v.Sessions(), b.SessionID)
	var slot *model.Slot
	if sl, ok := findSlot(v.Availability().Slots, b.SlotID); ok && b.SlotID != "" {
		slot = &sl
	} else if hasSession {
		sl := sessionSlot(session, b.SlotID)
		slot = &sl
	}

	changed, err := booking.TransitionBooking(&b, slot, to)
	if err != nil {
		return Result{}, v.violation(ctx, err, v.refreshBookings)
	}
	if !changed {
		return Result{Message: fmt.Sprintf("Booking is already %s", to)}, nil
	}

	ops := []struct{ resource, id string }{
		{ResourceBookings, applyOptimistic(v.view, ResourceBookings, func(cur []model.Booking) []model.Booking {
			return withBookingStatus(cur, bookingID, to)
		}, func(server []model.Booking) bool {
			return bookingHasStatus(server, bookingID, to)
		})},
	}
	if to == model.BookingConfirmed && hasSession {
		ops = append(ops, struct{ resource, id string }{ResourceSessions, v.showParticipant(b)})
		if v.Selected() == b.SessionID {
			ops = append(ops, struct{ resource, id string }{participantsPrefix + b.SessionID, v.showRosterEntry(b)})
		}
	}

	if err := v.client.DecideBooking(ctx, bookingID, d); err != nil {
		for _, op := range ops {
			v.store.Discard(op.resource, op.id)
		}
		return Result{}, v.violation(ctx, err, v.refreshBookings)
	}

	refreshes := []func(context.Context) error{v.refreshBookings}
	if to == model.BookingConfirmed {
		refreshes = append(refreshes, v.refreshSessions, v.refreshAvailability)
	}
	v.logRefresh(ctx, refreshes...)
	v.logger.Info().Str("booking_id", bookingID).Str("status", string(to)).Msg("booking decided")
	return Result{Changed: true, Message: fmt.Sprintf("Booking %s", to)}, nil
}

// showParticipant adds the confirmed student to the session roster until
// the next sessions snapshot arrives.
func (v *TutorView) showParticipant(b model.Booking) string {
	return applyOptimistic(v.view, ResourceSessions, func(cur []model.Session) []model.Session {
		out := make([]model.Session, len(cur))
		copy(out, cur)
		for i := range out {
			if out[i].ID != b.SessionID {
				continue
			}
			out[i].Participants = append([]model.Participant(nil), out[i].Participants...)
			booking.AddParticipant(&out[i], b)
		}
		return out
	}, nil)
}

func (v *TutorView) showRosterEntry(b model.Booking) string {
	return applyOptimistic(v.view, participantsPrefix+b.SessionID, func(cur []model.Participant) []model.Participant {
		s := model.Session{ID: b.SessionID, Participants: append([]model.Participant(nil), cur...), Capacity: len(cur) + 1}
		booking.AddParticipant(&s, b)
		return s.Participants
	}, nil)
}

// CreateSlot validates a draft against the slot invariants and the tutor's
// allowed hours, then creates it unpublished.
func (v *TutorView) CreateSlot(ctx context.Context, draft model.SlotDraft) (model.Slot, error) {
	draft.Normalize()
	if err := draft.Validate(); err != nil {
		return model.Slot{}, err
	}
	if err := booking.CheckHours(v.Availability().Policy, draft.Slot("")); err != nil {
		return model.Slot{}, v.violation(ctx, err)
	}

	slot, err := v.client.CreateSlot(ctx, draft)
	if err != nil {
		return model.Slot{}, err
	}
	v.logRefresh(ctx, v.refreshAvailability)
	return slot, nil
}

// UpdateSlot edits a slot that has no confirmed bookings.
func (v *TutorView) UpdateSlot(ctx context.Context, slotID string, draft model.SlotDraft) (model.Slot, error) {
	current, ok := findSlot(v.Availability().Slots, slotID)
	if !ok {
		return model.Slot{}, fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	if err := booking.CanEditSlot(current, v.Bookings()); err != nil {
		return model.Slot{}, v.violation(ctx, err, v.refreshAvailability)
	}
	draft.Normalize()
	if err := draft.Validate(); err != nil {
		return model.Slot{}, err
	}
	if err := booking.CheckHours(v.Availability().Policy, draft.Slot(slotID)); err != nil {
		return model.Slot{}, v.violation(ctx, err)
	}

	slot, err := v.client.UpdateSlot(ctx, slotID, draft)
	if err != nil {
		return model.Slot{}, err
	}
	v.logRefresh(ctx, v.refreshAvailability)
	return slot, nil
}

// PublishSlot makes a slot bookable. Publishing twice is a no-op.
func (v *TutorView) PublishSlot(ctx context.Context, slotID string) (Result, error) {
	a := v.Availability()
	slot, ok := findSlot(a.Slots, slotID)
	if !ok {
		return Result{}, fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	published := slot
	changed, err := booking.PublishSlot(&published)
	if err != nil {
		return Result{}, v.violation(ctx, err, v.refreshAvailability)
	}
	if !changed {
		return Result{Message: "Slot is already published"}, nil
	}
	if err := booking.CheckPublish(a.Policy, a.Slots, slot); err != nil {
		return Result{}, v.violation(ctx, err)
	}
	slot = published

	id := applyOptimistic(v.view, ResourceAvailability, func(cur model.Availability) model.Availability {
		cur.Slots = replaceSlot(cur.Slots, slot)
		return cur
	}, func(server model.Availability) bool {
		s, found := findSlot(server.Slots, slotID)
		return found && s.Status == model.SlotPublished
	})
	if err := v.client.PublishSlot(ctx, slotID); err != nil {
		v.store.Discard(ResourceAvailability, id)
		return Result{}, err
	}
	v.logRefresh(ctx, v.refreshAvailability)
	return Result{Changed: true, Message: "Slot published"}, nil
}

// PublishAll publishes every unpublished slot.
func (v *TutorView) PublishAll(ctx context.Context) (int, error) {
	n, err := v.client.PublishAll(ctx)
	if err != nil {
		return 0, err
	}
	v.logRefresh(ctx, v.refreshAvailability)
	return n, nil
}

// DeleteUnpublished removes every unpublished slot.
func (v *TutorView) DeleteUnpublished(ctx context.Context) (int, error) {
	n, err := v.client.BulkDeleteUnpublished(ctx)
	if err != nil {
		return 0, err
	}
	v.logRefresh(ctx, v.refreshAvailability)
	return n, nil
}

// DeleteSlot removes a slot no active booking references.
func (v *TutorView) DeleteSlot(ctx context.Context, slotID string) error {
	slot, ok := findSlot(v.Availability().Slots, slotID)
	if !ok {
		return fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	if err := booking.CanDeleteSlot(slot, v.Bookings()); err != nil {
		return v.violation(ctx, err, v.refreshAvailability)
	}

	id := applyOptimistic(v.view, ResourceAvailability, func(cur model.Availability) model.Availability {
		slots := make([]model.Slot, 0, len(cur.Slots))
		for _, s := range cur.Slots {
			if s.ID != slotID {
				slots = append(slots, s)
			}
		}
		cur.Slots = slots
		return cur
	}, func(server model.Availability) bool {
		_, found := findSlot(server.Slots, slotID)
		return !found
	})
	if err := v.client.DeleteSlot(ctx, slotID); err != nil {
		v.store.Discard(ResourceAvailability, id)
		return err
	}
	v.logRefresh(ctx, v.refreshAvailability)
	return nil
}

// AddException declares an unavailability window.
func (v *TutorView) AddException(ctx context.Context, draft model.ExceptionDraft) (model.Exception, error) {
	if err := draft.Validate(); err != nil {
		return model.Exception{}, err
	}
	e, err := v.client.CreateException(ctx, draft)
	if err != nil {
		return model.Exception{}, err
	}
	v.logRefresh(ctx, v.refreshAvailability)
	return e, nil
}

// UpdateException edits an unavailability window.
func (v *TutorView) UpdateException(ctx context.Context, id string, draft model.ExceptionDraft) (model.Exception, error) {
	if err := draft.Validate(); err != nil {
		return model.Exception{}, err
	}
	e, err := v.client.UpdateException(ctx, id, draft)
	if err != nil {
		return model.Exception{}, err
	}
	v.logRefresh(ctx, v.refreshAvailability)
	return e, nil
}

// DeleteException removes an unavailability window.
func (v *TutorView) DeleteException(ctx context.Context, id string) error {
	if err := v.client.DeleteException(ctx, id); err != nil {
		return err
	}
	v.logRefresh(ctx, v.refreshAvailability)
	return nil
}

func replaceSlot(list []model.Slot, s model.Slot) []model.Slot {
	out := make([]model.Slot, len(list))
	copy(out, list)
	for i := range out {
		if out[i].ID == s.ID {
			out[i] = s
		}
	}
	return out
}
