package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tutorsync/internal/apiclient"
	"tutorsync/internal/model"
	"tutorsync/internal/notify"
)

// backend is an in-memory stand-in for the tutoring API.
type backend struct {
	mu         sync.Mutex
	sessions   []model.Session
	bookings   []model.Booking
	avail      model.Availability
	attendance map[string]map[string]model.Attendance
	messages   map[string][]model.Message
	unread     int
	seq        int
	hits       map[string]int

	// holdNext, when set, parks the next tutor bookings GET after it has
	// read its response; arrival is signalled on held.
	holdNext chan struct{}
	held     chan struct{}
}

func newBackend() *backend {
	return &backend{
		avail:      model.Availability{Slots: []model.Slot{}, Exceptions: []model.Exception{}, Policy: model.DefaultPolicy()},
		attendance: map[string]map[string]model.Attendance{},
		messages:   map[string][]model.Message{},
		hits:       map[string]int{},
	}
}

func (b *backend) hitCount(pattern string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[pattern]
}

func (b *backend) addBooking(bk model.Booking) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookings = append(b.bookings, bk)
}

func (b *backend) setBookingStatus(id string, status model.BookingStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.bookings {
		if b.bookings[i].ID == id {
			b.bookings[i].Status = status
		}
	}
}

// holdTutorBookings parks the next tutor bookings GET; the returned func
// lets it answer with what it read on arrival.
func (b *backend) holdTutorBookings(t *testing.T) (arrived <-chan struct{}, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.holdNext = gate
	b.held = make(chan struct{}, 1)
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return b.held, release
}

func (b *backend) setUnread(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unread = n
}

func (b *backend) sessionStatus(id string) model.SessionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		if s.ID == id {
			return s.Status
		}
	}
	return ""
}

func (b *backend) marks(sessionID string) map[string]model.Attendance {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]model.Attendance{}
	for k, v := range b.attendance[sessionID] {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func detail(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"detail": msg})
}

// roster derives participants from confirmed bookings; must hold b.mu.
func (b *backend) roster(sessionID string) []model.Participant {
	out := []model.Participant{}
	for _, bk := range b.bookings {
		if bk.SessionID != sessionID || bk.Status != model.BookingConfirmed {
			continue
		}
		att := model.AttendancePending
		if m, ok := b.attendance[sessionID][bk.StudentID]; ok {
			att = m
		}
		out = append(out, model.Participant{ID: bk.StudentID, Name: bk.StudentName, Attendance: att, BookingStatus: bk.Status})
	}
	return out
}

// seats counts active bookings of a session; must hold b.mu.
func (b *backend) seats(sessionID string) (confirmed, pending int) {
	for _, bk := range b.bookings {
		if bk.SessionID != sessionID {
			continue
		}
		switch bk.Status {
		case model.BookingConfirmed:
			confirmed++
		case model.BookingPending:
			pending++
		}
	}
	return confirmed, pending
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, fn func(w http.ResponseWriter, r *http.Request)) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			b.mu.Lock()
			b.hits[pattern]++
			b.mu.Unlock()
			fn(w, r)
		})
	}

	route("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "st1", "role": "student", "displayName": "Ann"})
	})

	route("GET /sessions/browse", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		out := make([]model.Session, 0, len(b.sessions))
		for _, s := range b.sessions {
			s.Enrolled, _ = b.seats(s.ID)
			out = append(out, s)
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
	})

	route("GET /bookings", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		out := []model.Booking{}
		for _, bk := range b.bookings {
			if bk.StudentID == "st1" {
				out = append(out, bk)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"bookings": out})
	})

	route("POST /bookings", func(w http.ResponseWriter, r *http.Request) {
		var req apiclient.BookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			detail(w, "bad request")
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, s := range b.sessions {
			if s.ID != req.SessionID {
				continue
			}
			if c, p := b.seats(s.ID); c+p >= s.Capacity {
				detail(w, "Session is full")
				return
			}
			b.seq++
			bk := model.Booking{
				ID:          fmt.Sprintf("b%d", b.seq),
				SessionID:   req.SessionID,
				SlotID:      req.SlotID,
				StudentID:   "st1",
				StudentName: "Ann",
				Status:      model.BookingPending,
				CreatedAt:   time.Now().UTC(),
				Message:     req.Message,
			}
			b.bookings = append(b.bookings, bk)
			writeJSON(w, http.StatusCreated, map[string]any{"booking": bk})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
	})

	route("POST /bookings/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		b.setBookingStatus(r.PathValue("id"), model.BookingCancelled)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	route("GET /tutors/tutor/bookings", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		out := append([]model.Booking{}, b.bookings...)
		hold, held := b.holdNext, b.held
		b.holdNext = nil
		b.mu.Unlock()
		if hold != nil {
			held <- struct{}{}
			<-hold
		}
		writeJSON(w, http.StatusOK, map[string]any{"bookings": out})
	})

	route("POST /tutors/tutor/bookings/{id}/{decision}", func(w http.ResponseWriter, r *http.Request) {
		next := map[string]model.BookingStatus{
			"confirm":  model.BookingConfirmed,
			"reject":   model.BookingRejected,
			"complete": model.BookingCompleted,
		}[r.PathValue("decision")]
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.bookings {
			if b.bookings[i].ID == r.PathValue("id") {
				b.bookings[i].Status = next
				writeJSON(w, http.StatusOK, map[string]any{"booking": b.bookings[i]})
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Booking not found"})
	})

	route("GET /sessions/availability", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, http.StatusOK, b.avail)
	})

	route("POST /sessions/availability/slots", func(w http.ResponseWriter, r *http.Request) {
		var draft model.SlotDraft
		if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
			detail(w, "bad request")
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.seq++
		slot := draft.Slot(fmt.Sprintf("sl%d", b.seq))
		b.avail.Slots = append(b.avail.Slots, slot)
		writeJSON(w, http.StatusCreated, map[string]any{"slot": slot})
	})

	route("POST /sessions/availability/slots/{id}/publish", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.avail.Slots {
			if b.avail.Slots[i].ID == r.PathValue("id") {
				b.avail.Slots[i].Status = model.SlotPublished
			}
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	route("DELETE /sessions/availability/slots/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		kept := b.avail.Slots[:0]
		for _, s := range b.avail.Slots {
			if s.ID == r.PathValue("id") {
				if s.Booked {
					detail(w, "Cannot delete booked slot")
					return
				}
				continue
			}
			kept = append(kept, s)
		}
		b.avail.Slots = kept
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	route("POST /sessions/availability/exceptions", func(w http.ResponseWriter, r *http.Request) {
		var draft model.ExceptionDraft
		if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
			detail(w, "bad request")
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.seq++
		e := model.Exception{ID: fmt.Sprintf("ex%d", b.seq), StartDate: draft.StartDate, EndDate: draft.EndDate, Reason: draft.Reason}
		b.avail.Exceptions = append(b.avail.Exceptions, e)
		writeJSON(w, http.StatusCreated, map[string]any{"exception": e})
	})

	route("GET /sessions/tutor/sessions", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		out := make([]model.Session, 0, len(b.sessions))
		for _, s := range b.sessions {
			s.Participants = b.roster(s.ID)
			s.Enrolled = len(s.Participants)
			out = append(out, s)
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
	})

	route("GET /sessions/tutor/sessions/{id}/participants", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"participants": b.roster(r.PathValue("id"))})
	})

	route("POST /sessions/tutor/sessions/{id}/attendance", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Attendance []apiclient.AttendanceMark `json:"attendance"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			detail(w, "bad request")
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		id := r.PathValue("id")
		if b.attendance[id] == nil {
			b.attendance[id] = map[string]model.Attendance{}
		}
		for _, m := range body.Attendance {
			b.attendance[id][m.StudentID] = m.Status
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	route("PUT /sessions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status model.SessionStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			detail(w, "bad request")
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.sessions {
			if b.sessions[i].ID == r.PathValue("id") {
				b.sessions[i].Status = body.Status
			}
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	route("GET /students/messaging/sidebar", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"groups":  []any{},
			"directs": []model.Thread{{ID: "c1", Title: "Dr. Ada", UnreadCount: b.unread}},
		})
	})

	route("GET /students/messaging/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		msgs := b.messages[r.PathValue("id")]
		if msgs == nil {
			msgs = []model.Message{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	})

	route("POST /students/messaging/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			detail(w, "bad request")
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		id := r.PathValue("id")
		b.seq++
		msg := model.Message{
			ID:        fmt.Sprintf("m%d", b.seq),
			Sender:    model.Sender{ID: "st1", DisplayName: "Ann"},
			Content:   body.Content,
			CreatedAt: time.Now().UTC(),
		}
		b.messages[id] = append(b.messages[id], msg)
		writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
	})

	return mux
}

// inbox records every published notification.
type inbox struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (in *inbox) Notify(_ context.Context, n notify.Notification) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.got = append(in.got, n)
	return nil
}

func (in *inbox) of(kind notify.Kind) []notify.Notification {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []notify.Notification
	for _, n := range in.got {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	backend *backend
	client  *apiclient.Client
	inbox   *inbox
	opts    Options
}

func newHarness(t *testing.T, b *backend, now time.Time, every time.Duration) *harness {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	client, err := apiclient.New(apiclient.Config{BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)

	in := &inbox{}
	bus := notify.NewBus(zerolog.Nop())
	bus.Attach(in)

	return &harness{
		backend: b,
		client:  client,
		inbox:   in,
		opts: Options{
			Client:    client,
			Bus:       bus,
			Identity:  model.Identity{ID: "st1", DisplayName: "Ann"},
			Intervals: Intervals{Bookings: every, Sessions: every, Sidebar: every, Participants: every},
			Now:       func() time.Time { return now },
			Logger:    zerolog.Nop(),
		},
	}
}

func (h *harness) student(t *testing.T) *StudentView {
	t.Helper()
	v, err := NewStudentView(h.opts)
	require.NoError(t, err)
	require.NoError(t, v.Start(context.Background()))
	t.Cleanup(v.Close)
	waitLoaded(t, v.view, ResourceSessions, ResourceBookings, ResourceSidebar)
	return v
}

func (h *harness) tutor(t *testing.T) *TutorView {
	t.Helper()
	h.opts.Identity = model.Identity{ID: "t1", DisplayName: "Dr. Ada"}
	v, err := NewTutorView(h.opts)
	require.NoError(t, err)
	require.NoError(t, v.Start(context.Background()))
	t.Cleanup(v.Close)
	waitLoaded(t, v.view, ResourceBookings, ResourceAvailability, ResourceSessions, ResourceSidebar)
	return v
}

func waitLoaded(t *testing.T, v *view, resources ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, r := range resources {
			if v.store.UpdatedAt(r).IsZero() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}
