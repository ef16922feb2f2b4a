package engine

import (
	"context"
	"fmt"

	"tutorsync/internal/apiclient"
	"tutorsync/internal/booking"
	"tutorsync/internal/model"
	"tutorsync/internal/notify"
	"tutorsync/internal/poller"
	"tutorsync/internal/store"
)

// Select opens a session for management and polls its roster. Selecting
// another session stops the previous roster poll.
func (v *TutorView) Select(ctx context.Context, sessionID string) error {
	if _, ok := findSession(v.Sessions(), sessionID); !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	v.selMu.Lock()
	prev := v.selected
	v.selected = sessionID
	v.selMu.Unlock()

	if prev != "" && prev != sessionID {
		v.poller.Stop(participantsPrefix + prev)
	}

	resource := participantsPrefix + sessionID
	load := func(ctx context.Context) ([]model.Participant, error) {
		return v.client.Participants(ctx, sessionID)
	}
	return v.poller.Start(v.runContext(), poller.Task{
		Resource: resource,
		Interval: v.currentIntervals().Participants,
		Fetch: track(v.view, resource, load, func(list []model.Participant) poller.Snapshot {
			ids := make([]string, 0, len(list))
			for _, p := range list {
				ids = append(ids, p.ID)
			}
			return poller.Snapshot{Counts: map[string]int{"participants": len(list)}, Sets: map[string][]string{"participants": ids}}
		}),
		OnChange: func(ctx context.Context, ch poller.Change) {
			joined := ch.Added["participants"]
			if len(joined) == 0 {
				return
			}
			s, _ := findSession(v.Sessions(), sessionID)
			body := fmt.Sprintf("%d joined %s", len(joined), s.Code)
			v.publish(ctx, notify.KindRosterGrew, resource, "New participant", body, len(joined))
		},
	})
}

// Deselect closes the managed session and stops its roster poll.
func (v *TutorView) Deselect() {
	v.selMu.Lock()
	prev := v.selected
	v.selected = ""
	v.selMu.Unlock()
	if prev != "" {
		v.poller.Stop(participantsPrefix + prev)
	}
}

// Selected returns the managed session id, if any.
func (v *TutorView) Selected() string {
	v.selMu.Lock()
	defer v.selMu.Unlock()
	return v.selected
}

// Roster returns the displayed participants of a session: the polled roster
// when the session is selected, otherwise the one embedded in the session.
func (v *TutorView) Roster(sessionID string) []model.Participant {
	if list, ok := store.Get[[]model.Participant](v.store, participantsPrefix+sessionID); ok {
		return list
	}
	s, _ := findSession(v.Sessions(), sessionID)
	return s.Participants
}

func (v *TutorView) refreshRoster(sessionID string) func(context.Context) error {
	return func(ctx context.Context) error {
		return refresh(ctx, v.view, participantsPrefix+sessionID, func(ctx context.Context) ([]model.Participant, error) {
			return v.client.Participants(ctx, sessionID)
		})
	}
}

// MarkAttendance saves attendance marks and shows them at once.
func (v *TutorView) MarkAttendance(ctx context.Context, sessionID string, marks map[string]model.Attendance) error {
	if len(marks) == 0 {
		return nil
	}
	body := make([]apiclient.AttendanceMark, 0, len(marks))
	for studentID, status := range marks {
		body = append(body, apiclient.AttendanceMark{StudentID: studentID, Status: status})
	}

	resource := participantsPrefix + sessionID
	id := v.showMarks(resource, marks)
	if err := v.client.SaveAttendance(ctx, sessionID, body); err != nil {
		v.store.Discard(resource, id)
		return err
	}
	v.logRefresh(ctx, v.refreshRoster(sessionID))
	return nil
}

func (v *TutorView) showMarks(resource string, marks map[string]model.Attendance) string {
	return applyOptimistic(v.view, resource, func(cur []model.Participant) []model.Participant {
		out := make([]model.Participant, len(cur))
		copy(out, cur)
		for i := range out {
			if status, ok := marks[out[i].ID]; ok {
				out[i].Attendance = status
			}
		}
		return out
	}, func(server []model.Participant) bool {
		for _, p := range server {
			if status, ok := marks[p.ID]; ok && p.Attendance != status {
				return false
			}
		}
		return true
	})
}

// StartSession moves an upcoming session to active.
func (v *TutorView) StartSession(ctx context.Context, sessionID string) (Result, error) {
	s, ok := findSession(v.Sessions(), sessionID)
	if !ok {
		return Result{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	changed, err := booking.TransitionSession(&s, model.SessionActive)
	if err != nil {
		return Result{}, v.violation(ctx, err, v.refreshSessions)
	}
	if !changed {
		return Result{Message: "Session is already active"}, nil
	}
	if err := v.client.SetSessionStatus(ctx, sessionID, model.SessionActive); err != nil {
		return Result{}, err
	}
	v.logRefresh(ctx, v.refreshSessions)
	return Result{Changed: true, Message: "Session started"}, nil
}

// EndSession closes a session. Participants still marked pending are saved
// as absent before the status changes.
func (v *TutorView) EndSession(ctx context.Context, sessionID string) (Result, error) {
	s, ok := findSession(v.Sessions(), sessionID)
	if !ok {
		return Result{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	wasPast := s.Status == model.SessionPast
	s.Participants = append([]model.Participant(nil), v.Roster(sessionID)...)
	before := make(map[string]model.Attendance, len(s.Participants))
	for _, p := range s.Participants {
		before[p.ID] = p.Attendance
	}

	if err := booking.EndSession(&s); err != nil {
		return Result{}, v.violation(ctx, err, v.refreshSessions)
	}

	absent := make(map[string]model.Attendance)
	for _, p := range s.Participants {
		if before[p.ID] != p.Attendance {
			absent[p.ID] = p.Attendance
		}
	}
	if err := v.MarkAttendance(ctx, sessionID, absent); err != nil {
		return Result{}, err
	}
	if wasPast {
		return Result{Changed: len(absent) > 0, Message: "Session is already ended"}, nil
	}

	if err := v.client.SetSessionStatus(ctx, sessionID, model.SessionPast); err != nil {
		return Result{}, err
	}
	v.logRefresh(ctx, v.refreshSessions)
	v.logger.Info().Str("session_id", sessionID).Int("marked_absent", len(absent)).Msg("session ended")
	return Result{Changed: true, Message: "Session ended"}, nil
}

// Extend lengthens a session.
func (v *TutorView) Extend(ctx context.Context, sessionID string, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("extend %s: minutes must be positive", sessionID)
	}
	if err := v.client.ExtendSession(ctx, sessionID, minutes); err != nil {
		return err
	}
	v.logRefresh(ctx, v.refreshSessions)
	return nil
}

// ChangeMode switches delivery mode; an empty location takes the mode's
// default.
func (v *TutorView) ChangeMode(ctx context.Context, sessionID string, mode model.Mode, location string) error {
	mode = model.ParseMode(string(mode))
	if mode == "" {
		return fmt.Errorf("change mode %s: unknown mode", sessionID)
	}
	if location == "" {
		location = model.DefaultLocation(mode)
	}
	id := applyOptimistic(v.view, ResourceSessions, func(cur []model.Session) []model.Session {
		out := make([]model.Session, len(cur))
		copy(out, cur)
		for i := range out {
			if out[i].ID == sessionID {
				out[i].Mode = mode
				out[i].Location = location
			}
		}
		return out
	}, nil)
	if err := v.client.ChangeMode(ctx, sessionID, mode, location); err != nil {
		v.store.Discard(ResourceSessions, id)
		return err
	}
	v.logRefresh(ctx, v.refreshSessions)
	return nil
}

// SaveNotes stores the tutor's notes for a session.
func (v *TutorView) SaveNotes(ctx context.Context, sessionID, notes string) error {
	if err := v.client.SaveNotes(ctx, sessionID, notes); err != nil {
		return err
	}
	v.logRefresh(ctx, v.refreshSessions)
	return nil
}
