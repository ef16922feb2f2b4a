package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// SlotDraft is a tutor's create/update payload for a slot.
type SlotDraft struct {
	CourseCode        string     `json:"courseCode,omitempty"`
	Day               string     `json:"day,omitempty" validate:"required_if=Recurrence weekly,omitempty,oneof=MON TUE WED THU FRI SAT SUN"`
	Date              string     `json:"date,omitempty" validate:"required_if=Recurrence once,excluded_if=Recurrence weekly,omitempty,datetime=2006-01-02"`
	StartTime         string     `json:"startTime" validate:"required,datetime=15:04"`
	Duration          int        `json:"duration" validate:"gt=0"`
	Mode              Mode       `json:"mode" validate:"required,oneof=online offline"`
	Location          string     `json:"location,omitempty" validate:"required_if=Mode offline"`
	Capacity          int        `json:"capacity" validate:"gte=1"`
	LeadTimeHours     int        `json:"leadTime" validate:"gte=0"`
	CancelWindowHours int        `json:"cancelWindow" validate:"gte=0"`
	Recurrence        Recurrence `json:"recurrence" validate:"required,oneof=once weekly"`
}

// Normalize canonicalizes derived fields: the day of a one-time slot comes
// from its date.
func (d *SlotDraft) Normalize() {
	d.Day = DayAbbrev(d.Day)
	d.StartTime = clockOf(d.StartTime)
	d.Mode = ParseMode(string(d.Mode))
	if d.Recurrence == RecurrenceOnce {
		if day := DayOf(d.Date); day != "" {
			d.Day = day
		}
	}
	if d.Mode == ModeOnline && d.Location == "" {
		d.Location = OnlineLocation
	}
}

// Validate checks the slot invariants.
func (d SlotDraft) Validate() error {
	return validationError("slot", validatorInstance().Struct(d))
}

// Slot builds the unpublished slot this draft describes.
func (d SlotDraft) Slot(id string) Slot {
	s := Slot{
		ID:                id,
		CourseCode:        d.CourseCode,
		Day:               d.Day,
		Date:              d.Date,
		StartTime:         d.StartTime,
		Duration:          d.Duration,
		Mode:              d.Mode,
		Location:          d.Location,
		Capacity:          d.Capacity,
		LeadTimeHours:     d.LeadTimeHours,
		CancelWindowHours: d.CancelWindowHours,
		Status:            SlotUnpublished,
		Recurrence:        d.Recurrence,
	}
	if s.Recurrence == RecurrenceWeekly {
		s.Date = ""
	}
	return s
}

// ExceptionDraft is a tutor's create/update payload for an exception.
type ExceptionDraft struct {
	StartDate string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"endDate" validate:"required,datetime=2006-01-02"`
	StartTime string `json:"startTime,omitempty" validate:"required_with=EndTime,omitempty,datetime=15:04"`
	EndTime   string `json:"endTime,omitempty" validate:"required_with=StartTime,omitempty,datetime=15:04"`
	Reason    string `json:"reason,omitempty" validate:"max=500"`
}

// Validate checks the exception fields and that the range is not inverted.
func (d ExceptionDraft) Validate() error {
	if err := validationError("exception", validatorInstance().Struct(d)); err != nil {
		return err
	}
	if d.EndDate < d.StartDate {
		return fmt.Errorf("exception: end date %s is before start date %s", d.EndDate, d.StartDate)
	}
	if d.StartTime != "" && ClockMinutes(d.EndTime) <= ClockMinutes(d.StartTime) {
		return fmt.Errorf("exception: end time %s is not after start time %s", d.EndTime, d.StartTime)
	}
	return nil
}

func validationError(entity string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%s: %w", entity, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%s: invalid %s", entity, strings.Join(msgs, ", "))
}
