package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"tutorsync/internal/booking"
	"tutorsync/internal/model"
)

// Decision is a tutor's answer to a booking.
type Decision string

const (
	DecisionConfirm  Decision = "confirm"
	DecisionReject   Decision = "reject"
	DecisionComplete Decision = "complete"
)

// BookingRequest is the body of POST /bookings.
type BookingRequest struct {
	SessionID string `json:"sessionId"`
	SlotID    string `json:"slotId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// AttendanceMark is one entry of an attendance submission.
type AttendanceMark struct {
	StudentID string           `json:"studentId"`
	Status    model.Attendance `json:"status"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (c *Client) getRaw(ctx context.Context, path string) (any, error) {
	var out any
	if err := c.Request(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) sendRaw(ctx context.Context, method, path string, body any) (any, error) {
	var out any
	if err := c.Request(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func esc(id string) string {
	return url.PathEscape(id)
}

// Me returns the signed-in identity; a 401 here triggers the login redirect.
func (c *Client) Me(ctx context.Context) (model.Identity, error) {
	raw, err := c.getRaw(ctx, "/auth/me")
	if err != nil {
		return model.Identity{}, err
	}
	return model.NormalizeIdentity(model.Object(raw)), nil
}

// Logout ends the backend session.
func (c *Client) Logout(ctx context.Context) error {
	return c.Request(ctx, http.MethodPost, "/auth/logout", struct{}{}, nil)
}

// BrowseSessions lists bookable sessions.
func (c *Client) BrowseSessions(ctx context.Context) ([]model.Session, error) {
	raw, err := c.getRaw(ctx, "/sessions/browse")
	if err != nil {
		return nil, err
	}
	items := model.Items(raw, "sessions", "items", "data")
	out := make([]model.Session, 0, len(items))
	for _, r := range items {
		out = append(out, model.NormalizeSession(r))
	}
	return out, nil
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (model.Session, error) {
	raw, err := c.getRaw(ctx, "/sessions/"+esc(id))
	if err != nil {
		return model.Session{}, err
	}
	return model.NormalizeSession(model.Object(raw, "session")), nil
}

// ListBookings returns the student's bookings.
func (c *Client) ListBookings(ctx context.Context) ([]model.Booking, error) {
	raw, err := c.getRaw(ctx, "/bookings")
	if err != nil {
		return nil, err
	}
	return bookings(raw), nil
}

// CreateBooking requests a seat in a session.
func (c *Client) CreateBooking(ctx context.Context, req BookingRequest) (model.Booking, error) {
	raw, err := c.sendRaw(ctx, http.MethodPost, "/bookings", req)
	if err != nil {
		return model.Booking{}, err
	}
	c.invalidateCatalog(ctx)
	b := model.NormalizeBooking(model.Object(raw, "booking"))
	if b.SessionID == "" {
		b.SessionID = req.SessionID
	}
	if b.SlotID == "" {
		b.SlotID = req.SlotID
	}
	return b, nil
}

// CancelBooking withdraws a booking.
func (c *Client) CancelBooking(ctx context.Context, id, reason string) error {
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	if err := c.Request(ctx, http.MethodPost, "/bookings/"+esc(id)+"/cancel", body, nil); err != nil {
		return err
	}
	c.invalidateCatalog(ctx)
	return nil
}

// TutorBookings lists booking requests addressed to the tutor.
func (c *Client) TutorBookings(ctx context.Context) ([]model.Booking, error) {
	raw, err := c.getRaw(ctx, "/tutors/tutor/bookings")
	if err != nil {
		return nil, err
	}
	return bookings(raw), nil
}

// DecideBooking confirms, rejects or completes a booking.
func (c *Client) DecideBooking(ctx context.Context, id string, d Decision) error {
	switch d {
	case DecisionConfirm, DecisionReject, DecisionComplete:
	default:
		return fmt.Errorf("unknown booking decision %q", d)
	}
	if err := c.Request(ctx, http.MethodPost, "/tutors/tutor/bookings/"+esc(id)+"/"+string(d), struct{}{}, nil); err != nil {
		return err
	}
	c.invalidateCatalog(ctx)
	return nil
}

// GetAvailability returns the tutor's slots, exceptions and limits.
func (c *Client) GetAvailability(ctx context.Context) (model.Availability, error) {
	raw, err := c.getRaw(ctx, c.availabilityPrefix)
	if err != nil {
		return model.Availability{}, err
	}
	return model.NormalizeAvailability(model.Object(raw, "availability")), nil
}

// CreateSlot adds an unpublished slot.
func (c *Client) CreateSlot(ctx context.Context, draft model.SlotDraft) (model.Slot, error) {
	raw, err := c.sendRaw(ctx, http.MethodPost, c.availabilityPrefix+"/slots", draft)
	if err != nil {
		return model.Slot{}, err
	}
	return model.NormalizeSlot(model.Object(raw, "slot")), nil
}

// UpdateSlot edits a slot.
func (c *Client) UpdateSlot(ctx context.Context, id string, draft model.SlotDraft) (model.Slot, error) {
	raw, err := c.sendRaw(ctx, http.MethodPut, c.availabilityPrefix+"/slots/"+esc(id), draft)
	if err != nil {
		return model.Slot{}, err
	}
	return model.NormalizeSlot(model.Object(raw, "slot")), nil
}

// DeleteSlot removes a slot.
func (c *Client) DeleteSlot(ctx context.Context, id string) error {
	return c.Request(ctx, http.MethodDelete, c.availabilityPrefix+"/slots/"+esc(id), nil, nil)
}

// PublishSlot makes a slot visible to students.
func (c *Client) PublishSlot(ctx context.Context, id string) error {
	return c.Request(ctx, http.MethodPost, c.availabilityPrefix+"/slots/"+esc(id)+"/publish", struct{}{}, nil)
}

// PublishAll publishes every unpublished slot and returns how many changed.
func (c *Client) PublishAll(ctx context.Context) (int, error) {
	var resp countResponse
	if err := c.Request(ctx, http.MethodPost, c.availabilityPrefix+"/publish-all", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// BulkDeleteUnpublished removes every unpublished slot and returns how many went.
func (c *Client) BulkDeleteUnpublished(ctx context.Context) (int, error) {
	var resp countResponse
	if err := c.Request(ctx, http.MethodDelete, c.availabilityPrefix+"/bulk-delete-unpublished", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// CreateException adds an unavailability window.
func (c *Client) CreateException(ctx context.Context, draft model.ExceptionDraft) (model.Exception, error) {
	raw, err := c.sendRaw(ctx, http.MethodPost, c.availabilityPrefix+"/exceptions", draft)
	if err != nil {
		return model.Exception{}, err
	}
	return model.NormalizeException(model.Object(raw, "exception")), nil
}

// UpdateException edits an unavailability window.
func (c *Client) UpdateException(ctx context.Context, id string, draft model.ExceptionDraft) (model.Exception, error) {
	raw, err := c.sendRaw(ctx, http.MethodPut, c.availabilityPrefix+"/exceptions/"+esc(id), draft)
	if err != nil {
		return model.Exception{}, err
	}
	return model.NormalizeException(model.Object(raw, "exception")), nil
}

// DeleteException removes an unavailability window.
func (c *Client) DeleteException(ctx context.Context, id string) error {
	return c.Request(ctx, http.MethodDelete, c.availabilityPrefix+"/exceptions/"+esc(id), nil, nil)
}

// TutorSessions lists the tutor's sessions.
func (c *Client) TutorSessions(ctx context.Context) ([]model.Session, error) {
	raw, err := c.getRaw(ctx, "/sessions/tutor/sessions")
	if err != nil {
		return nil, err
	}
	items := model.Items(raw, "sessions")
	out := make([]model.Session, 0, len(items))
	for _, r := range items {
		out = append(out, model.NormalizeSession(r))
	}
	return out, nil
}

// Participants returns a session roster. An empty roster falls back to the
// confirmed bookings of the session.
func (c *Client) Participants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	raw, err := c.getRaw(ctx, "/sessions/tutor/sessions/"+esc(sessionID)+"/participants")
	if err == nil {
		items := model.Items(raw, "participants")
		if len(items) > 0 {
			out := make([]model.Participant, 0, len(items))
			for _, r := range items {
				out = append(out, model.NormalizeParticipant(r))
			}
			return out, nil
		}
	} else if IsAuthRequired(err) || IsForbidden(err) {
		return nil, err
	}

	all, ferr := c.TutorBookings(ctx)
	if ferr != nil {
		if err != nil {
			return nil, err
		}
		return nil, ferr
	}
	return booking.RosterFromBookings(sessionID, all), nil
}

// SaveAttendance records attendance marks for a session.
func (c *Client) SaveAttendance(ctx context.Context, sessionID string, marks []AttendanceMark) error {
	body := map[string]any{"attendance": marks}
	return c.Request(ctx, http.MethodPost, "/sessions/tutor/sessions/"+esc(sessionID)+"/attendance", body, nil)
}

// ExtendSession lengthens a session by minutes.
func (c *Client) ExtendSession(ctx context.Context, sessionID string, minutes int) error {
	body := map[string]int{"minutes": minutes}
	return c.Request(ctx, http.MethodPost, "/sessions/tutor/sessions/"+esc(sessionID)+"/extend", body, nil)
}

// ChangeMode switches a session between online and offline delivery.
func (c *Client) ChangeMode(ctx context.Context, sessionID string, mode model.Mode, location string) error {
	if location == "" {
		location = model.DefaultLocation(mode)
	}
	body := map[string]string{"mode": string(mode), "location": location}
	return c.Request(ctx, http.MethodPost, "/sessions/tutor/sessions/"+esc(sessionID)+"/change-mode", body, nil)
}

// SaveNotes stores the tutor's notes for a session.
func (c *Client) SaveNotes(ctx context.Context, sessionID, notes string) error {
	body := map[string]string{"notes": notes}
	return c.Request(ctx, http.MethodPost, "/sessions/tutor/sessions/"+esc(sessionID)+"/notes", body, nil)
}

// SetSessionStatus moves a session to a new runtime status.
func (c *Client) SetSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error {
	body := map[string]string{"status": string(status)}
	return c.Request(ctx, http.MethodPut, "/sessions/"+esc(sessionID)+"/status", body, nil)
}

// Sidebar returns the messaging sidebar.
func (c *Client) Sidebar(ctx context.Context) (model.Sidebar, error) {
	raw, err := c.getRaw(ctx, c.messagingPrefix+"/sidebar")
	if err != nil {
		return model.Sidebar{}, err
	}
	return model.NormalizeSidebar(model.Object(raw, "sidebar")), nil
}

// OpenConversation starts (or reopens) a direct thread with a participant.
func (c *Client) OpenConversation(ctx context.Context, participantID string) (model.Thread, error) {
	body := map[string]string{"participantId": participantID}
	raw, err := c.sendRaw(ctx, http.MethodPost, c.messagingPrefix+"/sidebar", body)
	if err != nil {
		return model.Thread{}, err
	}
	return model.NormalizeThread(model.Object(raw, "conversation", "thread")), nil
}

// Messages lists a conversation's messages.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	raw, err := c.getRaw(ctx, c.messagingPrefix+"/conversations/"+esc(conversationID)+"/messages")
	if err != nil {
		return nil, err
	}
	items := model.Items(raw, "messages")
	out := make([]model.Message, 0, len(items))
	for _, r := range items {
		out = append(out, model.NormalizeMessage(r))
	}
	return out, nil
}

// SendMessage posts a message to a conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (model.Message, error) {
	body := map[string]string{"content": content}
	raw, err := c.sendRaw(ctx, http.MethodPost, c.messagingPrefix+"/conversations/"+esc(conversationID)+"/messages", body)
	if err != nil {
		return model.Message{}, err
	}
	return model.NormalizeMessage(model.Object(raw, "message")), nil
}

func bookings(raw any) []model.Booking {
	items := model.Items(raw, "bookings", "items", "data")
	out := make([]model.Booking, 0, len(items))
	for _, r := range items {
		out = append(out, model.NormalizeBooking(r))
	}
	return out
}
