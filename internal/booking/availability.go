package booking

import (
	"fmt"
	"time"

	"tutorsync/internal/model"
)

// Reason explains why a slot is not bookable.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonUnpublished Reason = "unpublished"
	ReasonFull        Reason = "full"
	ReasonLeadTime    Reason = "lead_time"
	ReasonException   Reason = "exception"
	ReasonPast        Reason = "past"
	ReasonInvalid     Reason = "invalid_schedule"
)

// Verdict is the derived availability of a slot at a point in time.
type Verdict struct {
	Bookable   bool
	Reason     Reason
	Occurrence time.Time
}

// NextOccurrence returns the start of the slot's next occurrence at or after
// now, in now's location. One-time slots return their only occurrence even
// when it already passed; ok is false when the schedule cannot be parsed.
func NextOccurrence(s model.Slot, now time.Time) (time.Time, bool) {
	loc := now.Location()
	if s.Recurrence == model.RecurrenceOnce || (s.Recurrence == "" && s.Date != "") {
		date, err := time.ParseInLocation(model.DateLayout, s.Date, loc)
		if err != nil {
			return time.Time{}, false
		}
		start, err := model.OnDate(date, s.StartTime, loc)
		if err != nil {
			return time.Time{}, false
		}
		return start, true
	}

	wd, ok := model.Weekday(s.Day)
	if !ok {
		return time.Time{}, false
	}
	start, err := model.OnDate(now, s.StartTime, loc)
	if err != nil {
		return time.Time{}, false
	}
	diff := (int(wd) - int(now.Weekday()) + 7) % 7
	start = start.AddDate(0, 0, diff)
	if start.Before(now) {
		start = start.AddDate(0, 0, 7)
	}
	return start, true
}

// Covers reports whether the exception blocks the interval [start, end).
// Dates are compared in start's location; an exception with times blocks
// only that window on each covered day.
func Covers(e model.Exception, start, end time.Time) bool {
	loc := start.Location()
	from, err := time.ParseInLocation(model.DateLayout, e.StartDate, loc)
	if err != nil {
		return false
	}
	endDate := e.EndDate
	if endDate == "" {
		endDate = e.StartDate
	}
	until, err := time.ParseInLocation(model.DateLayout, endDate, loc)
	if err != nil {
		return false
	}

	for day := from; !day.After(until); day = day.AddDate(0, 0, 1) {
		var winStart, winEnd time.Time
		if e.StartTime == "" || e.EndTime == "" {
			winStart = day
			winEnd = day.AddDate(0, 0, 1)
		} else {
			winStart, err = model.OnDate(day, e.StartTime, loc)
			if err != nil {
				continue
			}
			winEnd, err = model.OnDate(day, e.EndTime, loc)
			if err != nil {
				continue
			}
		}
		if isOverlapping(start, end, winStart, winEnd) {
			return true
		}
	}
	return false
}

// Blocked returns the first exception covering the occurrence, if any.
func Blocked(s model.Slot, occurrence time.Time, exceptions []model.Exception) (model.Exception, bool) {
	end := occurrence.Add(time.Duration(s.Duration) * time.Minute)
	for _, e := range exceptions {
		if Covers(e, occurrence, end) {
			return e, true
		}
	}
	return model.Exception{}, false
}

// Evaluate decides whether a student can book the slot now. pendingHolds
// counts requests still waiting for the tutor; they hold a seat until the
// tutor answers.
func Evaluate(s model.Slot, exceptions []model.Exception, pendingHolds int, now time.Time) Verdict {
	if s.Status != model.SlotPublished {
		return Verdict{Reason: ReasonUnpublished}
	}
	if s.Enrolled+pendingHolds >= s.Capacity {
		return Verdict{Reason: ReasonFull}
	}
	occ, ok := NextOccurrence(s, now)
	if !ok {
		return Verdict{Reason: ReasonInvalid}
	}
	if occ.Before(now) {
		return Verdict{Reason: ReasonPast, Occurrence: occ}
	}
	if occ.Sub(now) < time.Duration(s.LeadTimeHours)*time.Hour {
		return Verdict{Reason: ReasonLeadTime, Occurrence: occ}
	}
	if _, blocked := Blocked(s, occ, exceptions); blocked {
		return Verdict{Reason: ReasonException, Occurrence: occ}
	}
	return Verdict{Bookable: true, Occurrence: occ}
}

// IsBookable is Evaluate reduced to a yes/no answer.
func IsBookable(s model.Slot, exceptions []model.Exception, pendingHolds int, now time.Time) bool {
	return Evaluate(s, exceptions, pendingHolds, now).Bookable
}

// CheckCancellation enforces the slot's cancellation window on a confirmed
// booking. Pending requests can always be withdrawn.
func CheckCancellation(b model.Booking, s *model.Slot, now time.Time) error {
	if _, err := bookingFSM.Check(b.ID, b.Status, model.BookingCancelled); err != nil {
		return err
	}
	if s == nil || b.Status != model.BookingConfirmed || s.CancelWindowHours <= 0 {
		return nil
	}
	occ, ok := NextOccurrence(*s, now)
	if !ok || occ.Before(now) {
		return nil
	}
	if occ.Sub(now) < time.Duration(s.CancelWindowHours)*time.Hour {
		return &PolicyViolation{
			Entity: "booking",
			ID:     b.ID,
			Reason: fmt.Sprintf("cancellation closes %dh before the session", s.CancelWindowHours),
		}
	}
	return nil
}

func isOverlapping(startA, endA, startB, endB time.Time) bool {
	return startA.Before(endB) && startB.Before(endA)
}
