package booking

import (
	"fmt"

	"tutorsync/internal/model"
)

// CheckHours verifies the slot lies inside the tutor's allowed hours.
func CheckHours(p model.Policy, s model.Slot) error {
	start := model.ClockMinutes(s.StartTime)
	if start < 0 {
		return &PolicyViolation{Entity: "slot", ID: s.ID, Reason: fmt.Sprintf("invalid start time %q", s.StartTime)}
	}
	end := start + s.Duration
	if start < p.AllowedHoursStart*60 || end > p.AllowedHoursEnd*60 {
		return &PolicyViolation{
			Entity: "slot",
			ID:     s.ID,
			Reason: fmt.Sprintf("slots must fall between %02d:00 and %02d:00", p.AllowedHoursStart, p.AllowedHoursEnd),
		}
	}
	return nil
}

// CheckPublish verifies that publishing s keeps the tutor within the allowed
// hours and the daily and weekly published-slot limits. An already published
// slot passes, whatever the current policy.
func CheckPublish(p model.Policy, existing []model.Slot, s model.Slot) error {
	if s.Status == model.SlotPublished {
		return nil
	}
	if err := CheckHours(p, s); err != nil {
		return err
	}

	perDay, perWeek := 0, 0
	for _, other := range existing {
		if other.ID == s.ID || other.Status != model.SlotPublished {
			continue
		}
		perWeek++
		if sameDay(other, s) {
			perDay++
		}
	}
	if p.MaxSlotsPerDay > 0 && perDay+1 > p.MaxSlotsPerDay {
		return &PolicyViolation{Entity: "slot", ID: s.ID, Reason: fmt.Sprintf("daily limit of %d published slots reached", p.MaxSlotsPerDay)}
	}
	if p.MaxSlotsPerWeek > 0 && perWeek+1 > p.MaxSlotsPerWeek {
		return &PolicyViolation{Entity: "slot", ID: s.ID, Reason: fmt.Sprintf("weekly limit of %d published slots reached", p.MaxSlotsPerWeek)}
	}
	return nil
}

func sameDay(a, b model.Slot) bool {
	if a.Date != "" && b.Date != "" {
		return a.Date == b.Date
	}
	return a.Day == b.Day
}
