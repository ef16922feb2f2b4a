package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorsync/internal/apiclient"
	"tutorsync/internal/booking"
	"tutorsync/internal/model"
	"tutorsync/internal/notify"
)

const decidePath = "POST /tutors/tutor/bookings/{id}/{decision}"

var wednesday = time.Date(2025, 1, 8, 12, 0, 0, 0, time.UTC)

func mondaySession(id string, capacity int) model.Session {
	return model.Session{
		ID: id, Code: "CS101", Title: "Intro to Programming", Tutor: "Dr. Ada", TutorID: "t1",
		Day: "MON", Start: "09:00", End: "11:00", Mode: model.ModeOnline, Location: "Google Meet",
		Status: model.SessionUpcoming, Capacity: capacity,
	}
}

func TestStudentBooksLastSeat(t *testing.T) {
	b := newBackend()
	b.sessions = []model.Session{mondaySession("s1", 1)}
	h := newHarness(t, b, wednesday, time.Hour)
	v := h.student(t)
	ctx := context.Background()

	verdict, err := v.Availability("s1")
	require.NoError(t, err)
	assert.True(t, verdict.Bookable)

	created, err := v.Book(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, "b1", created.ID)
	assert.Equal(t, model.BookingPending, created.Status)
	assert.Equal(t, "I would like to book Intro to Programming.", created.Message)

	verdict, err = v.Availability("s1")
	require.NoError(t, err)
	assert.False(t, verdict.Bookable, "a pending request holds the last seat")
	assert.Equal(t, booking.ReasonFull, verdict.Reason)
	require.Len(t, v.Bookings(), 1)
	assert.NotEmpty(t, v.Store().Unconfirmed(ResourceBookings))

	_, err = v.Book(ctx, "s1", "")
	pv, ok := booking.IsPolicyViolation(err)
	require.True(t, ok)
	assert.Equal(t, "already pending approval", pv.Reason)
	assert.Equal(t, 1, b.hitCount("POST /bookings"))

	require.NoError(t, v.Refresh(ctx))
	assert.Empty(t, v.Store().Unconfirmed(ResourceBookings))
	require.Len(t, v.Bookings(), 1)
	verdict, _ = v.Availability("s1")
	assert.False(t, verdict.Bookable)

	b.setBookingStatus("b1", model.BookingRejected)
	require.NoError(t, v.Refresh(ctx))
	verdict, _ = v.Availability("s1")
	assert.True(t, verdict.Bookable, "seat is released once the tutor answers")
}

func TestStudentBookingRejectedByServerRollsBack(t *testing.T) {
	b := newBackend()
	b.sessions = []model.Session{mondaySession("s2", 1)}
	b.bookings = []model.Booking{{ID: "x1", SessionID: "s2", StudentID: "st2", Status: model.BookingPending}}
	h := newHarness(t, b, wednesday, time.Hour)
	v := h.student(t)

	_, err := v.Book(context.Background(), "s2", "")
	require.Error(t, err)
	assert.True(t, apiclient.IsValidation(err))
	assert.Equal(t, "Session is full", apiclient.UserMessage(err))
	assert.Empty(t, v.Bookings())
	assert.Empty(t, v.Store().Unconfirmed(ResourceBookings))
}

func TestStudentNotifiedWhenBookingConfirmed(t *testing.T) {
	b := newBackend()
	b.sessions = []model.Session{mondaySession("s1", 2)}
	b.bookings = []model.Booking{{ID: "b1", SessionID: "s1", StudentID: "st1", StudentName: "Ann", Status: model.BookingPending}}
	h := newHarness(t, b, wednesday, 20*time.Millisecond)
	h.student(t)

	b.setBookingStatus("b1", model.BookingConfirmed)
	require.Eventually(t, func() bool {
		return len(h.inbox.of(notify.KindBookingConfirmed)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	n := h.inbox.of(notify.KindBookingConfirmed)[0]
	assert.Equal(t, "A session has been confirmed!", n.Title)
	assert.Equal(t, "student", n.View)
	assert.Equal(t, 1, n.Count)

	hits := b.hitCount("GET /bookings")
	require.Eventually(t, func() bool { return b.hitCount("GET /bookings") >= hits+3 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.inbox.of(notify.KindBookingConfirmed), 1, "unchanged counts stay quiet")
}

func TestStudentCancelWindow(t *testing.T) {
	// Sunday 22:00, eleven hours before the Monday session.
	now := time.Date(2025, 1, 12, 22, 0, 0, 0, time.UTC)
	b := newBackend()
	b.sessions = []model.Session{mondaySession("s1", 2), mondaySession("s2", 2)}
	b.sessions[1].Day = "FRI"
	b.bookings = []model.Booking{
		{ID: "b1", SessionID: "s1", StudentID: "st1", Status: model.BookingConfirmed},
		{ID: "b2", SessionID: "s2", StudentID: "st1", Status: model.BookingPending},
	}
	h := newHarness(t, b, now, time.Hour)
	v := h.student(t)
	ctx := context.Background()

	_, err := v.Cancel(ctx, "b1", "sick")
	_, ok := booking.IsPolicyViolation(err)
	require.True(t, ok)
	assert.Equal(t, 0, b.hitCount("POST /bookings/{id}/cancel"))

	res, err := v.Cancel(ctx, "b2", "")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	got, _ := findBooking(v.Bookings(), "b2")
	assert.Equal(t, model.BookingCancelled, got.Status)

	res, err = v.Cancel(ctx, "b2", "")
	require.NoError(t, err)
	assert.False(t, res.Changed)

	_, err = v.Cancel(ctx, "nope", "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTutorConfirmDoesNotAnnounceDecrease(t *testing.T) {
	b := newBackend()
	b.sessions = []model.Session{mondaySession("s1", 2)}
	b.bookings = []model.Booking{{ID: "b1", SessionID: "s1", StudentID: "st1", StudentName: "Ann", Status: model.BookingPending}}
	h := newHarness(t, b, wednesday, 20*time.Millisecond)
	v := h.tutor(t)
	ctx := context.Background()

	assert.Equal(t, 1, v.PendingCount())

	res, err := v.Confirm(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, res.Changed)

	got, _ := findBooking(v.Bookings(), "b1")
	assert.Equal(t, model.BookingConfirmed, got.Status)
	s, ok := findSession(v.Sessions(), "s1")
	require.True(t, ok)
	require.Len(t, s.Participants, 1)
	assert.Equal(t, "st1", s.Participants[0].ID)

	res, err = v.Confirm(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, "Booking is already confirmed", res.Message)

	_, err = v.Reject(ctx, "b1")
	_, ok = booking.IsPolicyViolation(err)
	require.True(t, ok)
	assert.Equal(t, 1, b.hitCount(decidePath), "illegal moves never reach the server")

	hits := b.hitCount("GET /tutors/tutor/bookings")
	require.Eventually(t, func() bool {
		return b.hitCount("GET /tutors/tutor/bookings") >= hits+3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.inbox.of(notify.KindNewRequest))

	b.addBooking(model.Booking{ID: "b2", SessionID: "s1", StudentID: "st2", StudentName: "Bob", Status: model.BookingPending})
	require.Eventually(t, func() bool {
		return len(h.inbox.of(notify.KindNewRequest)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	n := h.inbox.of(notify.KindNewRequest)[0]
	assert.Equal(t, "New booking request", n.Title)
	assert.Equal(t, "1 pending", n.Body)
	assert.Equal(t, 1, n.Count)
}

func TestConfirmNotOverwrittenByEarlierRefresh(t *testing.T) {
	b := newBackend()
	b.sessions = []model.Session{mondaySession("s1", 2)}
	b.bookings = []model.Booking{{ID: "b1", SessionID: "s1", StudentID: "st1", StudentName: "Ann", Status: model.BookingPending}}
	h := newHarness(t, b, wednesday, time.Hour)
	v := h.tutor(t)
	ctx := context.Background()

	arrived, release := b.holdTutorBookings(t)
	done := make(chan error, 1)
	go func() { done <- v.refreshBookings(ctx) }()
	<-arrived

	res, err := v.Confirm(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, res.Changed)

	got, _ := findBooking(v.Bookings(), "b1")
	assert.Equal(t, model.BookingConfirmed, got.Status)

	release()
	require.NoError(t, <-done)
	got, _ = findBooking(v.Bookings(), "b1")
	assert.Equal(t, model.BookingConfirmed, got.Status, "the older response is dropped")
}

func TestTutorCannotDeleteBookedSlot(t *testing.T) {
	b := newBackend()
	b.avail.Slots = []model.Slot{
		{ID: "sl1", Day: "MON", StartTime: "09:00", Duration: 60, Mode: model.ModeOnline, Capacity: 1, Enrolled: 1,
			Status: model.SlotPublished, Recurrence: model.RecurrenceWeekly, Booked: true},
		{ID: "sl2", Day: "TUE", StartTime: "09:00", Duration: 60, Mode: model.ModeOnline, Capacity: 1,
			Status: model.SlotUnpublished, Recurrence: model.RecurrenceWeekly},
	}
	b.bookings = []model.Booking{{ID: "b1", SessionID: "s1", SlotID: "sl1", StudentID: "st1", Status: model.BookingConfirmed}}
	h := newHarness(t, b, wednesday, time.Hour)
	v := h.tutor(t)
	ctx := context.Background()

	err := v.DeleteSlot(ctx, "sl1")
	pv, ok := booking.IsPolicyViolation(err)
	require.True(t, ok)
	assert.Equal(t, "cannot delete booked slot", pv.Reason)
	assert.Equal(t, 0, b.hitCount("DELETE /sessions/availability/slots/{id}"))

	slot, found := findSlot(v.Availability().Slots, "sl1")
	require.True(t, found)
	assert.Equal(t, model.SlotPublished, slot.Status)
	assert.Equal(t, 1, slot.Enrolled)

	require.NoError(t, v.DeleteSlot(ctx, "sl2"))
	_, found = findSlot(v.Availability().Slots, "sl2")
	assert.False(t, found)
	assert.Equal(t, 1, b.hitCount("DELETE /sessions/availability/slots/{id}"))
}

func TestExceptionSuppressesAvailability(t *testing.T) {
	// Friday before the blocked weekend.
	now := time.Date(2025, 1, 3, 12, 0, 0, 0, time.UTC)
	open := func(id, day, date string, rec model.Recurrence) model.Slot {
		return model.Slot{ID: id, Day: day, Date: date, StartTime: "10:00", Duration: 60, Mode: model.ModeOnline,
			Capacity: 2, LeadTimeHours: 24, CancelWindowHours: 12, Status: model.SlotPublished, Recurrence: rec}
	}
	b := newBackend()
	b.avail.Slots = []model.Slot{
		open("sun", "SUN", "", model.RecurrenceWeekly),
		open("once", "MON", "2025-01-06", model.RecurrenceOnce),
		open("tue", "TUE", "", model.RecurrenceWeekly),
	}
	b.avail.Exceptions = []model.Exception{{ID: "ex1", StartDate: "2025-01-05", EndDate: "2025-01-06", Reason: "Conference"}}
	h := newHarness(t, b, now, time.Hour)
	v := h.tutor(t)

	for _, id := range []string{"sun", "once"} {
		verdict, err := v.SlotAvailability(id)
		require.NoError(t, err)
		assert.False(t, verdict.Bookable, id)
		assert.Equal(t, booking.ReasonException, verdict.Reason, id)
	}

	verdict, err := v.SlotAvailability("tue")
	require.NoError(t, err)
	assert.True(t, verdict.Bookable)

	_, err = v.AddException(context.Background(), model.ExceptionDraft{StartDate: "2025-01-07", EndDate: "2025-01-07"})
	require.NoError(t, err)
	verdict, _ = v.SlotAvailability("tue")
	assert.Equal(t, booking.ReasonException, verdict.Reason)

	_, err = v.AddException(context.Background(), model.ExceptionDraft{StartDate: "2025-01-09", EndDate: "2025-01-08"})
	assert.Error(t, err)
}

func TestTutorSlotLifecycle(t *testing.T) {
	b := newBackend()
	h := newHarness(t, b, wednesday, time.Hour)
	v := h.tutor(t)
	ctx := context.Background()

	draft := model.SlotDraft{Day: "WED", StartTime: "06:00", Duration: 60, Mode: model.ModeOnline, Capacity: 1, Recurrence: model.RecurrenceWeekly}
	_, err := v.CreateSlot(ctx, draft)
	_, ok := booking.IsPolicyViolation(err)
	assert.True(t, ok, "before allowed hours")

	offline := model.SlotDraft{Day: "WED", StartTime: "10:00", Duration: 60, Mode: model.ModeOffline, Capacity: 1, Recurrence: model.RecurrenceWeekly}
	_, err = v.CreateSlot(ctx, offline)
	require.Error(t, err)
	_, ok = booking.IsPolicyViolation(err)
	assert.False(t, ok)
	assert.Equal(t, 0, b.hitCount("POST /sessions/availability/slots"))

	draft.StartTime = "10:00"
	slot, err := v.CreateSlot(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, model.SlotUnpublished, slot.Status)
	require.Len(t, v.Availability().Slots, 1)

	res, err := v.PublishSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = v.PublishSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, "Slot is already published", res.Message)
	assert.Equal(t, 1, b.hitCount("POST /sessions/availability/slots/{id}/publish"))

	got, _ := findSlot(v.Availability().Slots, slot.ID)
	assert.Equal(t, model.SlotPublished, got.Status)
}

func TestRepublishIgnoresTightenedHours(t *testing.T) {
	b := newBackend()
	b.avail.Slots = []model.Slot{{
		ID: "early", Day: "WED", StartTime: "06:00", Duration: 60, Mode: model.ModeOnline,
		Capacity: 1, Status: model.SlotPublished, Recurrence: model.RecurrenceWeekly,
	}}
	h := newHarness(t, b, wednesday, time.Hour)
	v := h.tutor(t)

	res, err := v.PublishSlot(context.Background(), "early")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, "Slot is already published", res.Message)
	assert.Equal(t, 0, b.hitCount("POST /sessions/availability/slots/{id}/publish"))
}

func TestSetIntervalsReachesRosterPoll(t *testing.T) {
	b := newBackend()
	b.sessions = []model.Session{mondaySession("s1", 2)}
	h := newHarness(t, b, wednesday, time.Hour)
	v := h.tutor(t)

	const roster = "GET /sessions/tutor/sessions/{id}/participants"
	require.NoError(t, v.Select(context.Background(), "s1"))
	require.Eventually(t, func() bool { return b.hitCount(roster) == 1 }, 2*time.Second, 5*time.Millisecond)

	fast := 20 * time.Millisecond
	v.SetIntervals(Intervals{Bookings: time.Hour, Sessions: time.Hour, Sidebar: time.Hour, Participants: fast})

	require.Eventually(t, func() bool { return b.hitCount(roster) >= 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, fast, v.currentIntervals().Participants)

	sidebar := b.hitCount("GET /students/messaging/sidebar")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sidebar, b.hitCount("GET /students/messaging/sidebar"), "unchanged intervals keep their loops")
}

func TestTutorManagesSession(t *testing.T) {
	b := newBackend()
	b.sessions = []model.Session{mondaySession("s1", 3)}
	b.bookings = []model.Booking{
		{ID: "b1", SessionID: "s1", StudentID: "st1", StudentName: "Ann", Status: model.BookingConfirmed},
		{ID: "b2", SessionID: "s1", StudentID: "st2", StudentName: "Bob", Status: model.BookingConfirmed},
	}
	h := newHarness(t, b, wednesday, 20*time.Millisecond)
	v := h.tutor(t)
	ctx := context.Background()

	require.NoError(t, v.Select(ctx, "s1"))
	assert.Equal(t, "s1", v.Selected())
	require.Eventually(t, func() bool { return len(v.Roster("s1")) == 2 }, 2*time.Second, 5*time.Millisecond)

	res, err := v.StartSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, model.SessionActive, b.sessionStatus("s1"))
	require.Eventually(t, func() bool {
		return len(h.inbox.of(notify.KindSessionStarted)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, v.MarkAttendance(ctx, "s1", map[string]model.Attendance{"st1": model.AttendancePresent}))

	b.addBooking(model.Booking{ID: "b3", SessionID: "s1", StudentID: "st3", StudentName: "Cy", Status: model.BookingConfirmed})
	require.Eventually(t, func() bool {
		return len(h.inbox.of(notify.KindRosterGrew)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	res, err = v.EndSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, model.SessionPast, b.sessionStatus("s1"))
	assert.Equal(t, map[string]model.Attendance{
		"st1": model.AttendancePresent,
		"st2": model.AttendanceAbsent,
		"st3": model.AttendanceAbsent,
	}, b.marks("s1"))

	_, err = v.StartSession(ctx, "s1")
	_, ok := booking.IsPolicyViolation(err)
	assert.True(t, ok, "past sessions cannot restart")

	v.Deselect()
	assert.Empty(t, v.Selected())
	assert.Error(t, v.Extend(ctx, "s1", 0))
}

func TestVisibilityPauseResume(t *testing.T) {
	b := newBackend()
	b.sessions = []model.Session{mondaySession("s1", 1)}
	h := newHarness(t, b, wednesday, time.Hour)
	v := h.student(t)

	v.Pause()
	assert.True(t, v.IsPaused())
	before := b.hitCount("GET /bookings")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, b.hitCount("GET /bookings"))

	v.Resume()
	require.Eventually(t, func() bool { return b.hitCount("GET /bookings") == before+1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before+1, b.hitCount("GET /bookings"), "exactly one immediate refresh")
}

func TestMessagingUnreadAndSend(t *testing.T) {
	b := newBackend()
	h := newHarness(t, b, wednesday, 20*time.Millisecond)
	v := h.student(t)
	ctx := context.Background()

	b.setUnread(2)
	require.Eventually(t, func() bool {
		return len(h.inbox.of(notify.KindNewMessage)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "2 unread", h.inbox.of(notify.KindNewMessage)[0].Body)

	b.setUnread(0)
	require.Eventually(t, func() bool { return v.Unread() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.inbox.of(notify.KindNewMessage), 1)

	msg, err := v.SendMessage(ctx, "c1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Content)

	msgs := v.Messages("c1")
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].ID)
	assert.Empty(t, v.Store().Unconfirmed(messagesPrefix+"c1"))

	_, err = v.SendMessage(ctx, "c1", "")
	assert.Error(t, err)
}

func TestViewStartsOnce(t *testing.T) {
	b := newBackend()
	h := newHarness(t, b, wednesday, time.Hour)
	v := h.student(t)
	assert.Error(t, v.Start(context.Background()))

	_, err := NewTutorView(Options{})
	assert.Error(t, err)
}
