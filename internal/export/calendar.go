package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"tutorsync/internal/booking"
	"tutorsync/internal/model"
)

const productID = "-//tutorsync//sessions//EN"

// WriteCalendar writes the next occurrence of every non-past session as a
// VEVENT. Weekly sessions without a date are placed on their next weekday
// at or after now. Sessions with an unusable schedule are skipped.
func WriteCalendar(out io.Writer, sessions []model.Session, now time.Time) error {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(productID)

	for _, s := range sessions {
		if s.Status == model.SessionPast {
			continue
		}
		start, end, ok := sessionWindow(s, now)
		if !ok {
			continue
		}

		event := cal.AddEvent(fmt.Sprintf("session-%s@tutorsync", s.ID))
		event.SetDtStampTime(now.UTC())
		event.SetStartAt(start.UTC())
		event.SetEndAt(end.UTC())
		event.SetSummary(fmt.Sprintf("%s %s", s.Code, s.Title))
		event.SetLocation(s.Location)
		event.SetDescription(describe(s))
	}

	if _, err := io.WriteString(out, cal.Serialize()); err != nil {
		return fmt.Errorf("write calendar: %w", err)
	}
	return nil
}

func sessionWindow(s model.Session, now time.Time) (time.Time, time.Time, bool) {
	slot := model.Slot{Day: s.Day, Date: s.Date, StartTime: s.Start, Recurrence: model.RecurrenceWeekly}
	if s.Date != "" {
		slot.Recurrence = model.RecurrenceOnce
	}
	start, ok := booking.NextOccurrence(slot, now)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	end, err := model.OnDate(start, s.End, start.Location())
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start, end, true
}

func describe(s model.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tutor: %s\n", s.Tutor)
	fmt.Fprintf(&b, "Mode: %s\n", s.Mode)
	fmt.Fprintf(&b, "Enrolled: %d/%d", s.Enrolled, s.Capacity)
	if len(s.Participants) > 0 {
		names := make([]string, 0, len(s.Participants))
		for _, p := range s.Participants {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&b, "\nParticipants: %s", strings.Join(names, ", "))
	}
	return b.String()
}
