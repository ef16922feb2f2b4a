package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"tutorsync/internal/config"
	"tutorsync/internal/engine"
	"tutorsync/internal/export"
	"tutorsync/internal/model"
	"tutorsync/internal/store"
)

// exporter rewrites the export files whenever the displayed sessions or
// bookings change. Commits only signal; the files are written off the
// poll goroutine.
type exporter struct {
	dir    string
	role   string
	view   syncView
	wake   chan struct{}
	logger zerolog.Logger
}

func newExporter(dir, role string, view syncView, logger zerolog.Logger) *exporter {
	return &exporter{
		dir:    dir,
		role:   role,
		view:   view,
		wake:   make(chan struct{}, 1),
		logger: logger.With().Str("component", "export").Logger(),
	}
}

func (e *exporter) trigger(resource string) {
	if resource != engine.ResourceSessions && resource != engine.ResourceBookings {
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *exporter) run(ctx context.Context) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		e.logger.Error().Err(err).Str("dir", e.dir).Msg("export disabled")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			if err := e.write(time.Now()); err != nil {
				e.logger.Error().Err(err).Msg("export failed")
			}
		}
	}
}

func (e *exporter) write(now time.Time) error {
	sessions := sessionsOf(e.view)
	if e.role == config.RoleTutor {
		var roster bytes.Buffer
		if err := export.WriteRoster(&roster, sessions); err != nil {
			return err
		}
		if err := replaceFile(filepath.Join(e.dir, "roster.xlsx"), roster.Bytes()); err != nil {
			return err
		}
	} else {
		sessions = bookedSessions(e.view, sessions)
	}

	var cal bytes.Buffer
	if err := export.WriteCalendar(&cal, sessions, now); err != nil {
		return err
	}
	if err := replaceFile(filepath.Join(e.dir, "sessions.ics"), cal.Bytes()); err != nil {
		return err
	}
	e.logger.Debug().Int("sessions", len(sessions)).Msg("export written")
	return nil
}

// bookedSessions keeps the sessions the student holds a confirmed booking for.
func bookedSessions(v syncView, sessions []model.Session) []model.Session {
	bookings, _ := store.Get[[]model.Booking](v.Store(), engine.ResourceBookings)
	held := make(map[string]bool, len(bookings))
	for _, b := range bookings {
		if b.Status == model.BookingConfirmed {
			held[b.SessionID] = true
		}
	}
	out := make([]model.Session, 0, len(held))
	for _, s := range sessions {
		if held[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// replaceFile writes data next to path and renames it into place.
func replaceFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
