// Package booking implements the slot, booking and session lifecycles and the
// derived availability of a slot.
package booking

import (
	"errors"
	"fmt"

	"tutorsync/internal/model"
)

// PolicyViolation is returned when an action is not allowed by the lifecycle
// rules: an illegal transition, a full slot, a locked slot and so on.
type PolicyViolation struct {
	Entity string
	ID     string
	From   string
	To     string
	Reason string
}

func (e *PolicyViolation) Error() string {
	if e.From != "" || e.To != "" {
		return fmt.Sprintf("%s %s: cannot move from %s to %s: %s", e.Entity, e.ID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Reason)
}

// IsPolicyViolation checks if the error is a PolicyViolation.
func IsPolicyViolation(err error) (*PolicyViolation, bool) {
	var pv *PolicyViolation
	if errors.As(err, &pv) {
		return pv, true
	}
	return nil, false
}

// FSM holds an allowed-transitions table for one lifecycle.
type FSM[S ~string] struct {
	entity      string
	transitions map[S][]S
}

// NewBookingFSM returns the booking approval lifecycle.
func NewBookingFSM() *FSM[model.BookingStatus] {
	return &FSM[model.BookingStatus]{
		entity: "booking",
		transitions: map[model.BookingStatus][]model.BookingStatus{
			model.BookingPending:   {model.BookingConfirmed, model.BookingRejected, model.BookingCancelled},
			model.BookingConfirmed: {model.BookingCompleted, model.BookingCancelled},
			model.BookingRejected:  {},
			model.BookingCancelled: {},
			model.BookingCompleted: {},
		},
	}
}

// NewSlotFSM returns the slot publication lifecycle.
func NewSlotFSM() *FSM[model.SlotStatus] {
	return &FSM[model.SlotStatus]{
		entity: "slot",
		transitions: map[model.SlotStatus][]model.SlotStatus{
			model.SlotUnpublished: {model.SlotPublished},
			model.SlotPublished:   {},
		},
	}
}

// NewSessionFSM returns the session runtime lifecycle.
func NewSessionFSM() *FSM[model.SessionStatus] {
	return &FSM[model.SessionStatus]{
		entity: "session",
		transitions: map[model.SessionStatus][]model.SessionStatus{
			model.SessionUpcoming: {model.SessionActive, model.SessionPast},
			model.SessionActive:   {model.SessionPast},
			model.SessionPast:     {},
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM[S]) CanTransition(from, to S) bool {
	allowed, ok := f.transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state has no outgoing transitions.
func (f *FSM[S]) IsTerminal(s S) bool {
	return len(f.transitions[s]) == 0
}

// Check validates moving id from one state to another. Repeating the
// current state is a no-op and reports changed=false without error.
func (f *FSM[S]) Check(id string, from, to S) (changed bool, err error) {
	if from == to {
		return false, nil
	}
	if !f.CanTransition(from, to) {
		reason := "transition not allowed"
		if f.IsTerminal(from) {
			reason = fmt.Sprintf("%s is final", from)
		}
		return false, &PolicyViolation{Entity: f.entity, ID: id, From: string(from), To: string(to), Reason: reason}
	}
	return true, nil
}

var (
	bookingFSM = NewBookingFSM()
	slotFSM    = NewSlotFSM()
	sessionFSM = NewSessionFSM()
)

// TransitionBooking moves b to the target status and keeps the slot's
// enrolment in step. slot may be nil when the caller has no slot view.
// Nothing is mutated when an error is returned.
func TransitionBooking(b *model.Booking, slot *model.Slot, to model.BookingStatus) (bool, error) {
	changed, err := bookingFSM.Check(b.ID, b.Status, to)
	if err != nil || !changed {
		return false, err
	}

	entering := to == model.BookingConfirmed
	leaving := b.Status == model.BookingConfirmed && to == model.BookingCancelled
	if slot != nil && entering && slot.Enrolled >= slot.Capacity {
		return false, &PolicyViolation{
			Entity: "booking", ID: b.ID, From: string(b.Status), To: string(to),
			Reason: fmt.Sprintf("slot %s is full (%d/%d)", slot.ID, slot.Enrolled, slot.Capacity),
		}
	}

	b.Status = to
	if slot != nil {
		switch {
		case entering:
			slot.Enrolled++
			slot.Booked = true
		case leaving && slot.Enrolled > 0:
			slot.Enrolled--
			slot.Booked = slot.Enrolled > 0
		}
	}
	return true, nil
}

// PublishSlot moves a slot to published. Publishing twice is a no-op.
func PublishSlot(s *model.Slot) (bool, error) {
	changed, err := slotFSM.Check(s.ID, s.Status, model.SlotPublished)
	if err != nil || !changed {
		return false, err
	}
	s.Status = model.SlotPublished
	return true, nil
}

// CanEditSlot allows edits while no confirmed booking references the slot.
func CanEditSlot(s model.Slot, bookings []model.Booking) error {
	if n := countRefs(s, bookings, model.BookingConfirmed); n > 0 || s.Enrolled > 0 {
		return &PolicyViolation{Entity: "slot", ID: s.ID, Reason: "slot has confirmed bookings"}
	}
	return nil
}

// CanDeleteSlot allows deletion while no pending or confirmed booking
// references the slot.
func CanDeleteSlot(s model.Slot, bookings []model.Booking) error {
	if s.Enrolled > 0 || s.Booked || countRefs(s, bookings, model.BookingConfirmed) > 0 {
		return &PolicyViolation{Entity: "slot", ID: s.ID, Reason: "cannot delete booked slot"}
	}
	if countRefs(s, bookings, model.BookingPending) > 0 {
		return &PolicyViolation{Entity: "slot", ID: s.ID, Reason: "slot has pending requests"}
	}
	return nil
}

// PendingHolds counts pending requests waiting on a slot or session id.
func PendingHolds(id string, bookings []model.Booking) int {
	n := 0
	for _, b := range bookings {
		if b.Status == model.BookingPending && (b.SlotID == id || (b.SlotID == "" && b.SessionID == id)) {
			n++
		}
	}
	return n
}

func countRefs(s model.Slot, bookings []model.Booking, status model.BookingStatus) int {
	n := 0
	for _, b := range bookings {
		if b.SlotID == s.ID && b.Status == status {
			n++
		}
	}
	return n
}

// TransitionSession moves a session to the target status.
func TransitionSession(s *model.Session, to model.SessionStatus) (bool, error) {
	changed, err := sessionFSM.Check(s.ID, s.Status, to)
	if err != nil || !changed {
		return false, err
	}
	s.Status = to
	return true, nil
}

// EndSession closes a session; participants without a mark become absent.
func EndSession(s *model.Session) error {
	if _, err := TransitionSession(s, model.SessionPast); err != nil {
		return err
	}
	for i := range s.Participants {
		if s.Participants[i].Attendance == model.AttendancePending {
			s.Participants[i].Attendance = model.AttendanceAbsent
		}
	}
	return nil
}

// AddParticipant puts the student of a confirmed booking on the roster.
// It reports false when the student is already listed.
func AddParticipant(s *model.Session, b model.Booking) bool {
	for _, p := range s.Participants {
		if p.ID == b.StudentID {
			return false
		}
	}
	name := b.StudentName
	if name == "" {
		name = "Unknown"
	}
	s.Participants = append(s.Participants, model.Participant{
		ID:            b.StudentID,
		Name:          name,
		Email:         b.StudentEmail,
		Attendance:    model.AttendancePending,
		BookingStatus: b.Status,
	})
	if s.Enrolled < s.Capacity {
		s.Enrolled++
	}
	return true
}

// RosterFromBookings builds participants from the confirmed bookings of a
// session. It is the fallback when the participants endpoint returns none.
func RosterFromBookings(sessionID string, bookings []model.Booking) []model.Participant {
	out := make([]model.Participant, 0)
	for _, b := range bookings {
		if b.SessionID != sessionID || b.Status != model.BookingConfirmed {
			continue
		}
		name := b.StudentName
		if name == "" {
			name = "Unknown"
		}
		out = append(out, model.Participant{
			ID:            b.StudentID,
			Name:          name,
			Email:         b.StudentEmail,
			Attendance:    model.AttendancePending,
			BookingStatus: b.Status,
		})
	}
	return out
}
