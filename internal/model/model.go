// Package model holds the canonical in-memory representation of sessions,
// slots, bookings and related tutoring data.
package model

import "time"

// Mode is the delivery mode of a slot or session.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// SlotStatus is the publication status of a slot.
type SlotStatus string

const (
	SlotUnpublished SlotStatus = "unpublished"
	SlotPublished   SlotStatus = "published"
)

// Recurrence defines how a slot repeats.
type Recurrence string

const (
	RecurrenceOnce   Recurrence = "once"
	RecurrenceWeekly Recurrence = "weekly"
)

// BookingStatus is the approval state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingRejected  BookingStatus = "rejected"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingRejected || s == BookingCancelled || s == BookingCompleted
}

// IsActive reports whether the booking still holds or requests a seat.
func (s BookingStatus) IsActive() bool {
	return s == BookingPending || s == BookingConfirmed
}

// SessionStatus is the runtime status of a tutoring session.
type SessionStatus string

const (
	SessionUpcoming SessionStatus = "upcoming"
	SessionActive   SessionStatus = "active"
	SessionPast     SessionStatus = "past"
)

// Attendance is a participant's attendance mark.
type Attendance string

const (
	AttendancePending Attendance = "pending"
	AttendancePresent Attendance = "present"
	AttendanceAbsent  Attendance = "absent"
)

// Placeholders used when the backend omits schedule fields.
const (
	DefaultDay      = "MON"
	DefaultStart    = "09:00"
	DefaultEnd      = "11:00"
	DefaultCode     = "COURSE"
	DefaultTitle    = "Session"
	DefaultTutor    = "Tutor"
	OnlineLocation  = "Google Meet"
	OfflineLocation = "TBD"

	DefaultLeadTimeHours     = 24
	DefaultCancelWindowHours = 12
	DefaultSlotDuration      = 60
)

// Slot is a tutor-defined bookable time block.
type Slot struct {
	ID                string     `json:"id"`
	TutorID           string     `json:"tutorId,omitempty"`
	CourseCode        string     `json:"courseCode,omitempty"`
	CourseTitle       string     `json:"courseTitle,omitempty"`
	Day               string     `json:"day"`            // MON..SUN
	Date              string     `json:"date,omitempty"` // YYYY-MM-DD, once slots only
	StartTime         string     `json:"startTime"`      // HH:MM
	Duration          int        `json:"duration"`       // minutes
	Mode              Mode       `json:"mode"`
	Location          string     `json:"location,omitempty"`
	Capacity          int        `json:"capacity"`
	Enrolled          int        `json:"enrolled"`
	LeadTimeHours     int        `json:"leadTime"`
	CancelWindowHours int        `json:"cancelWindow"`
	Status            SlotStatus `json:"status"`
	Recurrence        Recurrence `json:"recurrence"`
	Booked            bool       `json:"booked"`
}

// EndTime returns the slot end as HH:MM.
func (s Slot) EndTime() string {
	return AddMinutes(s.StartTime, s.Duration)
}

// Booking is a student's request to attend a session or slot.
type Booking struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"sessionId"`
	SlotID       string        `json:"slotId,omitempty"`
	StudentID    string        `json:"studentId"`
	StudentName  string        `json:"studentName,omitempty"`
	StudentEmail string        `json:"studentEmail,omitempty"`
	TutorID      string        `json:"tutorId,omitempty"`
	CourseCode   string        `json:"courseCode,omitempty"`
	Status       BookingStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	Message      string        `json:"message,omitempty"`
	CancelReason string        `json:"cancelReason,omitempty"`
}

// Participant is a roster entry of a session.
type Participant struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Email         string        `json:"email,omitempty"`
	Attendance    Attendance    `json:"status"`
	BookingStatus BookingStatus `json:"bookingStatus,omitempty"`
}

// Session is a scheduled tutoring occurrence.
type Session struct {
	ID           string        `json:"id"`
	Code         string        `json:"code"`
	Title        string        `json:"title"`
	Tutor        string        `json:"tutor"`
	TutorID      string        `json:"tutorId,omitempty"`
	Day          string        `json:"dayOfWeek"`
	Date         string        `json:"date,omitempty"`
	Start        string        `json:"start"`
	End          string        `json:"end"`
	Mode         Mode          `json:"mode"`
	Location     string        `json:"location"`
	Status       SessionStatus `json:"status"`
	Capacity     int           `json:"capacity"`
	Enrolled     int           `json:"enrolled"`
	Notes        string        `json:"notes,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	Slots        []Slot        `json:"slots,omitempty"`
}

// Exception is a tutor-declared unavailability window.
// Empty StartTime/EndTime means whole days.
type Exception struct {
	ID        string `json:"id"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Policy holds the tutor scheduling limits reported by the backend.
type Policy struct {
	AllowedHoursStart int `json:"allowedHoursStart"`
	AllowedHoursEnd   int `json:"allowedHoursEnd"`
	MaxSlotsPerDay    int `json:"maxSlotsPerDay"`
	MaxSlotsPerWeek   int `json:"maxSlotsPerWeek"`
}

// DefaultPolicy returns the limits used when the backend sends none.
func DefaultPolicy() Policy {
	return Policy{
		AllowedHoursStart: 7,
		AllowedHoursEnd:   22,
		MaxSlotsPerDay:    8,
		MaxSlotsPerWeek:   30,
	}
}

// Availability is a tutor's full availability payload.
type Availability struct {
	Slots      []Slot      `json:"slots"`
	Exceptions []Exception `json:"exceptions"`
	Policy     Policy      `json:"policy"`
	WeekUsage  int         `json:"weekUsage"`
}

// Thread is one conversation in the messaging sidebar.
type Thread struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Last        string `json:"last"`
	UnreadCount int    `json:"unreadCount"`
}

// Sidebar groups conversations for the messaging view.
type Sidebar struct {
	Groups  []Thread `json:"groups"`
	Directs []Thread `json:"directs"`
}

// Unread returns the total unread count across all threads.
func (s Sidebar) Unread() int {
	total := 0
	for _, t := range s.Groups {
		total += t.UnreadCount
	}
	for _, t := range s.Directs {
		total += t.UnreadCount
	}
	return total
}

// Sender identifies the author of a message.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Message is a chat message.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Identity is the signed-in user as reported by /auth/me.
type Identity struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}
