package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"tutorsync/internal/apiclient"
	"tutorsync/internal/booking"
	"tutorsync/internal/model"
	"tutorsync/internal/notify"
	"tutorsync/internal/poller"
	"tutorsync/internal/store"
)

// StudentView browses sessions, requests seats and follows the approval of
// the student's own bookings.
type StudentView struct {
	*view
}

// NewStudentView builds an idle student view; call Start to begin polling.
func NewStudentView(opts Options) (*StudentView, error) {
	v, err := newView("student", opts)
	if err != nil {
		return nil, err
	}
	return &StudentView{view: v}, nil
}

// Start launches the session, booking and sidebar pollers.
func (v *StudentView) Start(ctx context.Context) error {
	if err := v.begin(ctx); err != nil {
		return err
	}

	if err := v.poller.Start(ctx, poller.Task{
		Resource: ResourceSessions,
		Interval: v.currentIntervals().Sessions,
		Fetch: track(v.view, ResourceSessions, v.client.BrowseSessions, func(list []model.Session) poller.Snapshot {
			ids := make([]string, 0, len(list))
			for _, s := range list {
				ids = append(ids, s.ID)
			}
			return poller.Snapshot{Counts: map[string]int{"sessions": len(list)}, Sets: map[string][]string{"sessions": ids}}
		}),
	}); err != nil {
		return err
	}

	if err := v.poller.Start(ctx, poller.Task{
		Resource: ResourceBookings,
		Interval: v.currentIntervals().Bookings,
		Fetch:    track(v.view, ResourceBookings, v.client.ListBookings, studentBookingSnapshot),
		OnChange: v.onBookingsChange,
	}); err != nil {
		return err
	}

	if err := v.startSidebar(ctx); err != nil {
		return err
	}
	v.logger.Info().Str("user", v.identity.ID).Msg("student view started")
	return nil
}

func studentBookingSnapshot(list []model.Booking) poller.Snapshot {
	snap := poller.Snapshot{Counts: map[string]int{}, Sets: map[string][]string{}}
	for _, b := range list {
		switch b.Status {
		case model.BookingConfirmed:
			snap.Counts["confirmed"]++
			snap.Sets["confirmed"] = append(snap.Sets["confirmed"], b.ID)
		case model.BookingPending:
			snap.Counts["pending"]++
		}
	}
	return snap
}

func (v *StudentView) onBookingsChange(ctx context.Context, ch poller.Change) {
	d, ok := ch.Increased["confirmed"]
	if !ok {
		return
	}
	v.publish(ctx, notify.KindBookingConfirmed, ResourceBookings, "A session has been confirmed!", "", d.To-d.From)
}

// Sessions returns the displayed bookable sessions.
func (v *StudentView) Sessions() []model.Session {
	list, _ := store.Get[[]model.Session](v.store, ResourceSessions)
	return list
}

// Bookings returns the student's bookings including unconfirmed local ones.
func (v *StudentView) Bookings() []model.Booking {
	list, _ := store.Get[[]model.Booking](v.store, ResourceBookings)
	return list
}

// Refresh reloads sessions and bookings immediately.
func (v *StudentView) Refresh(ctx context.Context) error {
	if err := v.refreshSessions(ctx); err != nil {
		return err
	}
	return v.refreshBookings(ctx)
}

func (v *StudentView) refreshSessions(ctx context.Context) error {
	return refresh(ctx, v.view, ResourceSessions, v.client.BrowseSessions)
}

func (v *StudentView) refreshBookings(ctx context.Context) error {
	return refresh(ctx, v.view, ResourceBookings, v.client.ListBookings)
}

// Availability evaluates whether the session can be requested now. The
// student's own pending requests hold their seat. Tutor exceptions are not
// visible to students; the backend leaves blocked sessions out of browse and
// refuses bookings for them.
func (v *StudentView) Availability(sessionID string) (booking.Verdict, error) {
	s, ok := findSession(v.Sessions(), sessionID)
	if !ok {
		return booking.Verdict{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	slot := sessionSlot(s, "")
	holds := booking.PendingHolds(slot.ID, v.Bookings())
	return booking.Evaluate(slot, nil, holds, v.now()), nil
}

// Book requests a seat in a session. The request shows as pending at once
// and is reconciled with the server on the next bookings poll.
func (v *StudentView) Book(ctx context.Context, sessionID, slotID string) (model.Booking, error) {
	s, ok := findSession(v.Sessions(), sessionID)
	if !ok {
		return model.Booking{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	for _, b := range v.Bookings() {
		if b.SessionID != sessionID {
			continue
		}
		switch b.Status {
		case model.BookingPending:
			return model.Booking{}, v.violation(ctx, &booking.PolicyViolation{Entity: "booking", ID: b.ID, Reason: "already pending approval"})
		case model.BookingConfirmed:
			return model.Booking{}, v.violation(ctx, &booking.PolicyViolation{Entity: "booking", ID: b.ID, Reason: "already confirmed"})
		}
	}

	slot := sessionSlot(s, slotID)
	verdict := booking.Evaluate(slot, nil, booking.PendingHolds(slot.ID, v.Bookings()), v.now())
	if !verdict.Bookable {
		return model.Booking{}, v.violation(ctx,
			&booking.PolicyViolation{Entity: "session", ID: sessionID, Reason: fmt.Sprintf("not bookable: %s", verdict.Reason)},
			v.refreshSessions)
	}

	title := s.Title
	if title == "" {
		title = s.Code
	}
	local := model.Booking{
		ID:         "local-" + uuid.NewString(),
		SessionID:  sessionID,
		SlotID:     slotID,
		StudentID:  v.identity.ID,
		TutorID:    s.TutorID,
		CourseCode: s.Code,
		Status:     model.BookingPending,
		CreatedAt:  v.now(),
		Message:    fmt.Sprintf("I would like to book %s.", title),
	}
	placeholder := v.showPending(local)

	created, err := v.client.CreateBooking(ctx, apiclient.BookingRequest{
		SessionID: sessionID,
		SlotID:    slotID,
		Message:   local.Message,
	})
	v.store.Discard(ResourceBookings, placeholder)
	if err != nil {
		return model.Booking{}, err
	}

	if created.ID == "" {
		created.ID = local.ID
	}
	if created.Status == "" {
		created.Status = model.BookingPending
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = local.CreatedAt
	}
	v.showPending(created)

	v.logger.Info().
		Str("booking_id", created.ID).
		Str("session_id", sessionID).
		Str("status", string(created.Status)).
		Msg("Request sent! Status: Pending")
	return created, nil
}

// showPending layers a requested booking over the list until a poll
// dispatched afterwards reports the server's view of it.
func (v *StudentView) showPending(b model.Booking) string {
	return applyOptimistic(v.view, ResourceBookings, func(cur []model.Booking) []model.Booking {
		out := make([]model.Booking, 0, len(cur)+1)
		for _, existing := range cur {
			if existing.ID != b.ID {
				out = append(out, existing)
			}
		}
		return append(out, b)
	}, func(server []model.Booking) bool {
		for _, sb := range server {
			if sb.ID == b.ID || (sb.SessionID == b.SessionID && sb.Status.IsActive()) {
				return true
			}
		}
		return false
	})
}

// Cancel withdraws a booking. Confirmed bookings can only be cancelled
// outside the session's cancellation window.
func (v *StudentView) Cancel(ctx context.Context, bookingID, reason string) (Result, error) {
	b, ok := findBooking(v.Bookings(), bookingID)
	if !ok {
		return Result{}, fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
	}
	if b.Status == model.BookingCancelled {
		return Result{Message: "Booking is already cancelled"}, nil
	}

	var slot *model.Slot
	if s, ok := findSession(v.Sessions(), b.SessionID); ok {
		sl := sessionSlot(s, b.SlotID)
		slot = &sl
	}
	if err := booking.CheckCancellation(b, slot, v.now()); err != nil {
		return Result{}, v.violation(ctx, err, v.refreshBookings)
	}

	id := applyOptimistic(v.view, ResourceBookings, func(cur []model.Booking) []model.Booking {
		return withBookingStatus(cur, bookingID, model.BookingCancelled)
	}, func(server []model.Booking) bool {
		sb, found := findBooking(server, bookingID)
		return !found || sb.Status == model.BookingCancelled
	})

	if err := v.client.CancelBooking(ctx, bookingID, reason); err != nil {
		v.store.Discard(ResourceBookings, id)
		return Result{}, err
	}
	v.logRefresh(ctx, v.refreshBookings, v.refreshSessions)
	return Result{Changed: true, Message: "Booking cancelled"}, nil
}
