// Package notify delivers user-facing notifications raised by the polling
// views: to the log, to Telegram and to any other subscriber of the bus.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Kind identifies what a notification announces.
type Kind string

const (
	KindBookingConfirmed Kind = "booking_confirmed"
	KindNewRequest       Kind = "new_request"
	KindNewMessage       Kind = "new_message"
	KindRosterGrew       Kind = "roster_grew"
	KindSessionStarted   Kind = "session_started"
)

// Notification is one user-facing message.
type Notification struct {
	Kind     Kind      `json:"kind"`
	View     string    `json:"view"`
	Resource string    `json:"resource"`
	Title    string    `json:"title"`
	Body     string    `json:"body,omitempty"`
	Count    int       `json:"count"`
	At       time.Time `json:"at"`
}

// Text renders the notification on one line.
func (n Notification) Text() string {
	if n.Body == "" {
		return n.Title
	}
	return n.Title + " " + n.Body
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info().
		Str("kind", string(n.Kind)).
		Str("view", n.View).
		Str("resource", n.Resource).
		Int("count", n.Count).
		Msg(n.Text())
	return nil
}
