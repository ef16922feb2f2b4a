package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Raw is a JSON object as decoded into Go values.
type Raw = map[string]any

// Items extracts a list of objects from either a bare JSON array or an
// object wrapping it under one of keys. Non-object entries are skipped.
func Items(v any, keys ...string) []Raw {
	if obj, ok := v.(map[string]any); ok {
		for _, k := range keys {
			if inner, found := obj[k]; found {
				return Items(inner)
			}
		}
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Raw, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

// Object unwraps an object stored under one of keys, or returns v itself.
func Object(v any, keys ...string) Raw {
	obj, ok := v.(map[string]any)
	if !ok {
		return Raw{}
	}
	for _, k := range keys {
		if inner, ok := obj[k].(map[string]any); ok {
			return inner
		}
	}
	return obj
}

// NormalizeSession maps any known backend session shape onto Session.
func NormalizeSession(raw Raw) Session {
	slots := make([]Slot, 0)
	for _, r := range Items(raw["slots"]) {
		slots = append(slots, NormalizeSlot(r))
	}
	var first *Slot
	if len(slots) > 0 {
		first = &slots[0]
	}

	s := Session{
		ID:      str(raw, "id", "_id", "sessionId"),
		Code:    orDefault(str(raw, "code", "courseCode"), DefaultCode),
		Title:   orDefault(str(raw, "title", "courseTitle"), DefaultTitle),
		Tutor:   orDefault(personName(raw, "tutor", "tutorName"), DefaultTutor),
		TutorID: str(raw, "tutorId"),
		Notes:   str(raw, "notes"),
		Status:  parseSessionStatus(str(raw, "status")),
		Slots:   slots,
	}

	s.Date = dateOf(str(raw, "date"))
	if s.Date == "" {
		s.Date = datePart(str(raw, "startTime", "start"))
	}
	if s.Date == "" && first != nil {
		s.Date = first.Date
	}

	s.Day = DayAbbrev(str(raw, "dayOfWeek", "day"))
	if s.Day == "" && first != nil {
		s.Day = first.Day
	}
	if s.Day == "" {
		s.Day = DayOf(s.Date)
	}
	s.Day = orDefault(s.Day, DefaultDay)

	s.Start = clockOf(str(raw, "start", "startTime"))
	if s.Start == "" && first != nil {
		s.Start = first.StartTime
	}
	s.Start = orDefault(s.Start, DefaultStart)

	s.End = clockOf(str(raw, "end", "endTime"))
	if s.End == "" && first != nil {
		s.End = first.EndTime()
	}
	s.End = orDefault(s.End, DefaultEnd)

	s.Mode = ParseMode(str(raw, "mode"))
	if s.Mode == "" && first != nil {
		s.Mode = first.Mode
	}
	if s.Mode == "" {
		s.Mode = ModeOnline
	}
	s.Location = orDefault(str(raw, "location"), DefaultLocation(s.Mode))

	s.Capacity = intOr(raw, 1, "capacity", "maxStudents")
	if s.Capacity < 1 {
		s.Capacity = 1
	}
	s.Enrolled = clamp(intOr(raw, 0, "enrolled", "currentStudents"), 0, s.Capacity)

	for _, r := range Items(raw["participants"]) {
		s.Participants = append(s.Participants, NormalizeParticipant(r))
	}
	return s
}

// NormalizeSlot maps any known backend slot shape onto Slot.
func NormalizeSlot(raw Raw) Slot {
	s := Slot{
		ID:                str(raw, "id", "_id", "slotId"),
		TutorID:           str(raw, "tutorId"),
		CourseCode:        str(raw, "courseCode", "code"),
		CourseTitle:       str(raw, "courseTitle", "title"),
		Date:              dateOf(str(raw, "date")),
		Day:               DayAbbrev(str(raw, "day", "dayOfWeek")),
		StartTime:         orDefault(clockOf(str(raw, "startTime", "start")), DefaultStart),
		Mode:              ParseMode(str(raw, "mode")),
		Location:          str(raw, "location"),
		LeadTimeHours:     intOr(raw, DefaultLeadTimeHours, "leadTime", "leadTimeHours"),
		CancelWindowHours: intOr(raw, DefaultCancelWindowHours, "cancelWindow", "cancelWindowHours"),
		Status:            parseSlotStatus(str(raw, "status")),
		Booked:            boolOf(raw, "booked"),
	}
	if s.Mode == "" {
		s.Mode = ModeOnline
	}

	s.Duration = intOr(raw, 0, "duration", "durationMinutes")
	if s.Duration <= 0 {
		if end := ClockMinutes(clockOf(str(raw, "endTime", "end"))); end > 0 {
			s.Duration = end - ClockMinutes(s.StartTime)
		}
	}
	if s.Duration <= 0 {
		s.Duration = DefaultSlotDuration
	}

	s.Recurrence = parseRecurrence(str(raw, "recurrence"))
	if s.Recurrence == "" {
		if s.Date != "" {
			s.Recurrence = RecurrenceOnce
		} else {
			s.Recurrence = RecurrenceWeekly
		}
	}
	if s.Date != "" {
		if derived := DayOf(s.Date); derived != "" && (s.Recurrence == RecurrenceOnce || s.Day == "") {
			s.Day = derived
		}
	}
	if s.Recurrence == RecurrenceWeekly {
		s.Date = ""
	}
	s.Day = orDefault(s.Day, DefaultDay)

	s.Capacity = intOr(raw, 1, "capacity", "maxStudents")
	if s.Capacity < 1 {
		s.Capacity = 1
	}
	s.Enrolled = clamp(intOr(raw, 0, "enrolled", "bookedCount", "currentStudents"), 0, s.Capacity)
	return s
}

// NormalizeBooking maps any known backend booking shape onto Booking.
func NormalizeBooking(raw Raw) Booking {
	b := Booking{
		ID:           str(raw, "id", "_id", "bookingId"),
		SessionID:    str(raw, "sessionId", "session_id", "session"),
		SlotID:       str(raw, "slotId", "slot_id"),
		StudentID:    str(raw, "studentId", "student_id"),
		StudentName:  str(raw, "studentName"),
		StudentEmail: str(raw, "studentEmail"),
		TutorID:      str(raw, "tutorId", "tutor_id"),
		CourseCode:   str(raw, "courseCode", "code"),
		Status:       ParseBookingStatus(str(raw, "status")),
		Message:      str(raw, "message"),
		CancelReason: str(raw, "cancelReason", "reason"),
	}
	if t, ok := parseTimestamp(str(raw, "createdAt", "requestedAt", "created_at")); ok {
		b.CreatedAt = t
	}
	return b
}

// NormalizeException maps a backend exception onto Exception.
func NormalizeException(raw Raw) Exception {
	e := Exception{
		ID:        str(raw, "id"),
		StartDate: dateOf(str(raw, "startDate", "date", "start")),
		EndDate:   dateOf(str(raw, "endDate", "end")),
		StartTime: clockOf(str(raw, "startTime")),
		EndTime:   clockOf(str(raw, "endTime")),
		Reason:    str(raw, "reason"),
	}
	if e.EndDate == "" {
		e.EndDate = e.StartDate
	}
	return e
}

// NormalizeParticipant maps a roster entry onto Participant.
func NormalizeParticipant(raw Raw) Participant {
	return Participant{
		ID:            str(raw, "id", "studentId"),
		Name:          orDefault(str(raw, "name", "studentName", "displayName", "fullName"), "Unknown"),
		Email:         str(raw, "email", "studentEmail"),
		Attendance:    ParseAttendance(str(raw, "attendance", "status")),
		BookingStatus: BookingStatus(strings.ToLower(str(raw, "bookingStatus"))),
	}
}

// NormalizePolicy maps backend limits, keeping defaults for absent fields.
func NormalizePolicy(raw Raw) Policy {
	d := DefaultPolicy()
	return Policy{
		AllowedHoursStart: intOr(raw, d.AllowedHoursStart, "allowedHoursStart"),
		AllowedHoursEnd:   intOr(raw, d.AllowedHoursEnd, "allowedHoursEnd"),
		MaxSlotsPerDay:    intOr(raw, d.MaxSlotsPerDay, "maxSlotsPerDay"),
		MaxSlotsPerWeek:   intOr(raw, d.MaxSlotsPerWeek, "maxSlotsPerWeek"),
	}
}

// NormalizeAvailability maps the availability payload.
func NormalizeAvailability(raw Raw) Availability {
	a := Availability{
		Slots:      make([]Slot, 0),
		Exceptions: make([]Exception, 0),
		Policy:     NormalizePolicy(Object(raw["policy"])),
		WeekUsage:  intOr(raw, 0, "weekUsage"),
	}
	for _, r := range Items(raw["slots"]) {
		a.Slots = append(a.Slots, NormalizeSlot(r))
	}
	for _, r := range Items(raw["exceptions"]) {
		a.Exceptions = append(a.Exceptions, NormalizeException(r))
	}
	return a
}

// NormalizeThread maps a sidebar conversation entry.
func NormalizeThread(raw Raw) Thread {
	last := str(raw, "last", "lastMessage")
	if last == "" {
		if obj, ok := raw["lastMessage"].(map[string]any); ok {
			last = str(obj, "content")
		}
	}
	return Thread{
		ID:          str(raw, "id", "conversationId"),
		Title:       str(raw, "title", "name"),
		Last:        last,
		UnreadCount: intOr(raw, 0, "unreadCount", "unread"),
	}
}

// NormalizeSidebar maps the messaging sidebar.
func NormalizeSidebar(raw Raw) Sidebar {
	sb := Sidebar{Groups: make([]Thread, 0), Directs: make([]Thread, 0)}
	for _, r := range Items(raw["groups"]) {
		sb.Groups = append(sb.Groups, NormalizeThread(r))
	}
	for _, r := range Items(raw["directs"]) {
		sb.Directs = append(sb.Directs, NormalizeThread(r))
	}
	return sb
}

// NormalizeMessage maps a chat message.
func NormalizeMessage(raw Raw) Message {
	m := Message{
		ID:      str(raw, "id"),
		Content: str(raw, "content", "text"),
	}
	if sender, ok := raw["sender"].(map[string]any); ok {
		m.Sender = Sender{
			ID:          str(sender, "id"),
			DisplayName: str(sender, "displayName", "name"),
		}
	} else {
		m.Sender = Sender{ID: str(raw, "senderId"), DisplayName: str(raw, "senderName")}
	}
	if t, ok := parseTimestamp(str(raw, "createdAt", "timestamp")); ok {
		m.CreatedAt = t
	}
	return m
}

// NormalizeIdentity maps the /auth/me payload.
func NormalizeIdentity(raw Raw) Identity {
	raw = Object(raw, "user")
	return Identity{
		ID:          str(raw, "id", "userId", "studentId", "sub"),
		Role:        strings.ToLower(str(raw, "role")),
		DisplayName: str(raw, "displayName", "fullName", "name"),
		Email:       str(raw, "email"),
	}
}

// ParseMode folds backend spellings of the delivery mode. Unknown gives "".
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "remote", "virtual":
		return ModeOnline
	case "offline", "on campus", "on-campus", "campus", "in person", "in-person", "onsite":
		return ModeOffline
	}
	return ""
}

// DefaultLocation is the location placeholder for a mode.
func DefaultLocation(m Mode) string {
	if m == ModeOffline {
		return OfflineLocation
	}
	return OnlineLocation
}

// ParseBookingStatus folds status aliases; unknown values are treated as pending.
func ParseBookingStatus(s string) BookingStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "confirmed", "accepted", "approved":
		return BookingConfirmed
	case "rejected", "declined", "denied":
		return BookingRejected
	case "completed", "done", "finished":
		return BookingCompleted
	case "cancelled", "canceled":
		return BookingCancelled
	}
	return BookingPending
}

// ParseAttendance folds attendance marks; unknown values are pending.
func ParseAttendance(s string) Attendance {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "present", "attended":
		return AttendancePresent
	case "absent", "missed", "no-show":
		return AttendanceAbsent
	}
	return AttendancePending
}

func parseSessionStatus(s string) SessionStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "live", "ongoing", "in_progress":
		return SessionActive
	case "past", "completed", "ended", "finished":
		return SessionPast
	}
	return SessionUpcoming
}

func parseSlotStatus(s string) SlotStatus {
	if strings.EqualFold(strings.TrimSpace(s), string(SlotPublished)) {
		return SlotPublished
	}
	return SlotUnpublished
}

func parseRecurrence(s string) Recurrence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "once", "one-time", "single":
		return RecurrenceOnce
	case "weekly", "recurring":
		return RecurrenceWeekly
	}
	return ""
}

// str returns the first non-empty value among keys rendered as a string.
func str(raw Raw, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			if v == math.Trunc(v) {
				return strconv.FormatInt(int64(v), 10)
			}
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

// personName accepts either a plain name or an object with a name field.
func personName(raw Raw, keys ...string) string {
	for _, k := range keys {
		if obj, ok := raw[k].(map[string]any); ok {
			if name := str(obj, "displayName", "fullName", "name"); name != "" {
				return name
			}
			continue
		}
		if s := str(raw, k); s != "" {
			return s
		}
	}
	return ""
}

// intOr returns the first present numeric value among keys, or def.
func intOr(raw Raw, def int, keys ...string) int {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		case int64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return def
}

func boolOf(raw Raw, key string) bool {
	switch v := raw[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func datePart(s string) string {
	if !strings.ContainsAny(s, "T ") {
		return ""
	}
	return dateOf(s)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// String renders a slot for logs.
func (s Slot) String() string {
	when := s.Day
	if s.Date != "" {
		when = s.Date
	}
	return fmt.Sprintf("slot %s %s %s+%dm", s.ID, when, s.StartTime, s.Duration)
}
